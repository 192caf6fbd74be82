package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// SSEDialer opens Server-Sent Events streams over HTTP.
type SSEDialer struct {
	client *http.Client
}

// NewSSEDialer builds a dialer. The timeout bounds connect and response
// headers only; the stream itself has no deadline.
func NewSSEDialer(timeout time.Duration) *SSEDialer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.ResponseHeaderTimeout = timeout
	return &SSEDialer{client: &http.Client{Transport: tr}}
}

// Dial issues the stream request, resuming from lastEventID when set.
func (d *SSEDialer) Dial(ctx context.Context, feed Feed, lastEventID string) (Conn, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feed.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sse request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("sse unexpected status: %d", resp.StatusCode)
	}
	return newSSEConn(resp.Body), nil
}

type sseConn struct {
	body   io.ReadCloser
	reader *bufio.Reader
}

func newSSEConn(body io.ReadCloser) *sseConn {
	return &sseConn{body: body, reader: bufio.NewReader(body)}
}

// Read returns the next dispatched event. Comment lines come back as an
// empty frame so the caller still sees liveness.
func (c *sseConn) Read(ctx context.Context) (Frame, error) {
	var (
		f        Frame
		data     []string
		hasField bool
	)
	for {
		if err := ctx.Err(); err != nil {
			return Frame{}, err
		}
		line, err := c.reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return Frame{}, io.ErrUnexpectedEOF
			}
			return Frame{}, err
		}
		line = strings.TrimRight(line, "\r\n")

		if strings.HasPrefix(line, ":") {
			if !hasField {
				return Frame{}, nil
			}
			continue
		}

		if line == "" {
			if !hasField {
				continue
			}
			f.Data = []byte(strings.Join(data, "\n"))
			return f, nil
		}

		field, value := line, ""
		if i := strings.Index(line, ":"); i >= 0 {
			field = line[:i]
			value = strings.TrimPrefix(line[i+1:], " ")
		}
		hasField = true
		switch field {
		case "event":
			f.Event = value
		case "id":
			f.ID = value
		case "data":
			data = append(data, value)
		}
	}
}

func (c *sseConn) Write(context.Context, []byte) error { return ErrNotDuplex }

func (c *sseConn) Close() error { return c.body.Close() }
