package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hupe1980/researchmesh"
	"github.com/hupe1980/researchmesh/engine"
	"github.com/hupe1980/researchmesh/internal/config"
)

func newRunCmd(flags *globalFlags, opts *Options) *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "run <query>",
		Short: "Start a research session",
		Long: `Start a new research session seeded with the query and stream its events
until the selector terminates it. Interrupting the command cancels the
session; it can be continued later with "resume".`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return execute(cmd, flags, opts, func(ctx context.Context, m *researchmesh.Mesh) (*engine.Run, error) {
				return m.Start(ctx, sessionID, args[0])
			})
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "session id (generated when empty)")

	return cmd
}

func newResumeCmd(flags *globalFlags, opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <session-id>",
		Short: "Resume a cancelled or failed session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return execute(cmd, flags, opts, func(ctx context.Context, m *researchmesh.Mesh) (*engine.Run, error) {
				return m.Resume(ctx, args[0])
			})
		},
	}
}

func loadConfig(flags *globalFlags) (*config.Config, error) {
	cfg, err := config.Load(flags.cfgFile)
	if err != nil {
		return nil, err
	}

	if flags.logLevel != "" {
		cfg.Logging.Level = flags.logLevel
	}

	if flags.metricsAddr != "" {
		cfg.Metrics.Addr = flags.metricsAddr
	}

	return cfg, nil
}

func execute(
	cmd *cobra.Command,
	flags *globalFlags,
	opts *Options,
	start func(ctx context.Context, m *researchmesh.Mesh) (*engine.Run, error),
) error {
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}

	m, err := researchmesh.Build(cfg, opts.Registry, func(o *researchmesh.Options) {
		o.HumanInput = opts.In
		o.HumanOutput = cmd.ErrOrStderr()
	})
	if err != nil {
		return err
	}
	defer m.Close()

	if cfg.Metrics.Addr != "" {
		stop, err := serveMetrics(cfg.Metrics.Addr, m)
		if err != nil {
			return err
		}
		defer stop()
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	run, err := start(ctx, m)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "session %s (attempt %d)\n", run.SessionID, run.Attempt)

	p := newPrinter(cmd.OutOrStdout())
	for ev := range run.Events() {
		p.print(ev)
	}

	return <-run.Err()
}

func serveMetrics(addr string, m *researchmesh.Mesh) (func(), error) {
	if m.Metrics == nil {
		return func() {}, nil
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Metrics.Handler())

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.Logger.Error("cli.metrics.failed", "addr", addr, "error", err.Error())
		}
	}()

	m.Logger.Info("cli.metrics.listening", "addr", ln.Addr().String())

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
