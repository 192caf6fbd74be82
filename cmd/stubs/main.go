package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Rajchodisetti/tradedesk/internal/observ"
	"github.com/Rajchodisetti/tradedesk/internal/stubs"
)

func main() {
	var (
		addr      string
		fixture   string
		demoEvery time.Duration
		symbols   string
		heartbeat time.Duration
	)

	cmd := &cobra.Command{
		Use:   "stubs",
		Short: "Run an in-memory trading backend for local development",
		RunE: func(cmd *cobra.Command, _ []string) error {
			observ.InitLogger("info", "console")
			defer observ.Sync()

			b := stubs.New(stubs.Options{Heartbeat: heartbeat})
			if fixture != "" {
				f, err := stubs.LoadFixture(fixture)
				if err != nil {
					return err
				}
				b.Seed(f)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if demoEvery > 0 {
				go stubs.Demo(ctx, b, demoEvery, strings.Split(symbols, ","), time.Now().UnixNano())
			}

			srv := &http.Server{Addr: addr, Handler: b.Handler(), ReadHeaderTimeout: 5 * time.Second}
			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe() }()
			observ.Log("stub_backend_listening", map[string]any{"addr": addr, "fixture": fixture, "demo_every": demoEvery.String()})

			select {
			case <-ctx.Done():
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("listen %s: %w", addr, err)
				}
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8091", "listen address")
	cmd.Flags().StringVar(&fixture, "fixture", "", "seed state from a fixture JSON file")
	cmd.Flags().DurationVar(&demoEvery, "demo-every", 0, "generate synthetic quotes and signals at this interval (0 disables)")
	cmd.Flags().StringVar(&symbols, "symbols", "NVDA,AMD,TSLA,AAPL", "comma-separated demo symbols")
	cmd.Flags().DurationVar(&heartbeat, "heartbeat", 10*time.Second, "SSE heartbeat interval")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
