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

	"github.com/Rajchodisetti/tradedesk/internal/backend"
	"github.com/Rajchodisetti/tradedesk/internal/command"
	"github.com/Rajchodisetti/tradedesk/internal/config"
	"github.com/Rajchodisetti/tradedesk/internal/notify"
	"github.com/Rajchodisetti/tradedesk/internal/observ"
	"github.com/Rajchodisetti/tradedesk/internal/session"
)

type rootFlags struct {
	configPath string
	backendURL string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "tradedesk",
		Short:         "Live trading signals and bot trade control from the terminal",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "path to YAML config (defaults built in)")
	root.PersistentFlags().StringVar(&flags.backendURL, "backend", "", "backend base URL override")

	root.AddCommand(newRunCmd(flags))
	root.AddCommand(newParseCmd(flags))
	root.AddCommand(newToneCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func loadConfig(flags *rootFlags) (config.Root, error) {
	cfg := config.Default()
	if flags.configPath != "" {
		var err error
		if cfg, err = config.Load(flags.configPath); err != nil {
			return cfg, fmt.Errorf("load config %s: %w", flags.configPath, err)
		}
	}
	cfg.ApplyEnv()
	if flags.backendURL != "" {
		cfg.Backend.BaseURL = flags.backendURL
	}
	return cfg, nil
}

func newRunCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start a live session and chat with the desk",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			observ.InitLogger(cfg.Logging.Level, cfg.Logging.Format)
			defer observ.Sync()
			observ.SetVersion(version)
			if err := observ.InitTracing(cfg.Tracing.Enabled); err != nil {
				return err
			}
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_ = observ.ShutdownTracing(ctx)
			}()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			metrics := startMetrics(cfg.Metrics.Addr)
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_ = metrics.Shutdown(sctx)
			}()

			var sinks notify.Sinks
			if cfg.Notify.Console {
				sinks = append(sinks, notify.NewConsoleSink(os.Stdout, cfg.Notify.Sound))
			}
			if cfg.Slack.Enabled {
				slack := notify.NewSlackSink(cfg.Slack)
				defer slack.Close()
				sinks = append(sinks, slack)
			}

			recent := session.RecentFrom(cfg.Session)
			defer recent.Close()

			sess := session.New(session.Options{
				Config:  cfg,
				Backend: backend.New(cfg.Backend),
				Sink:    sinks,
				Recent:  recent,
			})
			if err := sess.Start(ctx); err != nil {
				return err
			}
			defer sess.Close()

			fmt.Printf("session %s connected to %s\n", sess.ID, cfg.Backend.BaseURL)
			return chatLoop(ctx, sess)
		},
	}
}

func startMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observ.Handler())
	mux.Handle("/health", observ.HealthHandler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			observ.Warn("metrics_listen_failed", map[string]any{"addr": addr, "error": err})
		}
	}()
	return srv
}

func newParseCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "parse [text...]",
		Short: "Show how a message would be interpreted against the live signals",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			observ.InitLogger("warn", "console")
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			signals, err := backend.New(cfg.Backend).RecentAlerts(ctx)
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: no live signals (%v)\n", err)
			}
			in := command.Parse(strings.Join(args, " "), signals)
			fmt.Fprintln(cmd.OutOrStdout(), in.String())
			if in.Signal != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "  signal %s %s %s trigger %.2f\n", in.Signal.ID, in.Signal.Direction, in.Signal.SetupType, in.Signal.Trigger)
			}
			if in.Kind == command.PlainChat {
				fmt.Fprintf(cmd.OutOrStdout(), "  chat: %s\n", in.Text)
			}
			return nil
		},
	}
}

func newToneCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "tone",
		Short: "Write the critical-signal alert tone as a WAV file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := os.WriteFile(out, notify.Tone(), 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", out)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "alert.wav", "output path")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "tradedesk %s\n", version)
		},
	}
}
