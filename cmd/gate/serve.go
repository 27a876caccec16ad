package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Mindburn-Labs/helm-gate/pkg/api"
	"github.com/Mindburn-Labs/helm-gate/pkg/audit"
)

const (
	shutdownTimeout   = 10 * time.Second
	escalationSweep   = 10 * time.Second
	readHeaderTimeout = 5 * time.Second
)

func (c *cli) serveCmd() *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gate HTTP server (default)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			ln, err := net.Listen("tcp", ":"+c.cfg.Port)
			if err != nil {
				return err
			}
			return c.serve(ctx, ln, migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "Create SQL tables before serving")
	return cmd
}

// serve runs the gate on ln until ctx is cancelled.
func (c *cli) serve(ctx context.Context, ln net.Listener, migrate bool) error {
	g, err := buildGate(ctx, c.cfg, c.logger, c.stdout)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := g.Close(closeCtx); err != nil {
			c.logger.Error("shutdown", "error", err)
		}
	}()

	if migrate {
		done, err := g.migrate(ctx)
		if err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		c.logger.Info("migrations applied", "stores", done)
	}

	if g.memory != nil && c.cfg.OntologyFile != "" {
		go func() {
			if err := g.memory.WatchFile(ctx, c.cfg.OntologyFile); err != nil && !errors.Is(err, context.Canceled) {
				c.logger.Error("ontology watcher stopped", "error", err)
			}
		}()
	}
	go g.escalations.Run(ctx, escalationSweep)

	limiter := api.NewRateLimiter(c.cfg.RateLimitRPS, c.cfg.RateLimitBurst)
	go limiter.Run(ctx)

	opts := api.Options{
		Engine:      g.engine,
		Sink:        g.sink,
		Escalations: g.escalations,
		Regulations: g.backend,
		Health:      g.monitor,
		Auth:        api.NewJWTValidator(c.cfg.JWTSecret),
		Limiter:     limiter,
		Environment: c.cfg.Environment,
		Version:     version,
		Logger:      c.logger,
	}
	if g.metrics != nil {
		opts.KPIs = g.metrics
	}
	if g.chain != nil {
		opts.Exporter = audit.NewExporter(g.chain)
	}
	if opts.Auth == nil {
		c.logger.Warn("JWT_SECRET not set; API authentication disabled")
	}

	srv := &http.Server{
		Handler:           api.NewServer(opts).Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	c.logger.Info("gate listening", "addr", ln.Addr().String(), "version", version)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	c.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
