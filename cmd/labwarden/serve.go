package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/galadd/labwarden/internal/api"
	"github.com/galadd/labwarden/internal/config"
	"github.com/galadd/labwarden/internal/orchestrator"
	"github.com/galadd/labwarden/internal/ports"
	"github.com/galadd/labwarden/internal/registry"
	"github.com/galadd/labwarden/internal/runtime"
	"github.com/galadd/labwarden/internal/sweeper"
)

func newServeCommand(c *cli) *cobra.Command {
	var noSweep bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, !noSweep, c.logger.With("command", "serve"))
		},
	}

	cmd.Flags().BoolVar(&noSweep, "no-sweep", false, "do not stop expired labs periodically")
	return cmd
}

func serve(ctx context.Context, cfg config.Config, sweep bool, logger *slog.Logger) error {
	catalog, err := config.LoadCatalog(cfg.Labs.CatalogPath)
	if err != nil {
		return err
	}
	logger.Info("lab catalog loaded", "path", cfg.Labs.CatalogPath, "labs", catalog.Len())

	reg, err := openRegistry(ctx, cfg.Registry, logger)
	if err != nil {
		return err
	}
	defer reg.Close()

	rt, err := runtime.NewDockerRuntime(cfg.Labs.Network, logger)
	if err != nil {
		return err
	}
	defer rt.Close()
	if !rt.Available(ctx) {
		logger.Warn("container engine unreachable, lab starts will fail until it is back")
	}

	alloc, err := ports.New(cfg.Labs.PortRangeStart, cfg.Labs.PortRangeEnd, logger)
	if err != nil {
		return err
	}

	orch := orchestrator.New(orchestrator.Config{
		Host:        cfg.Labs.Host,
		Scheme:      cfg.Labs.Scheme,
		TTL:         cfg.Labs.TTL,
		StopTimeout: cfg.Labs.StopTimeout,
		Network:     cfg.Labs.Network,
		NamePrefix:  cfg.Labs.NamePrefix,
	}, catalog, rt, reg, alloc, logger)

	if err := orch.Recover(ctx); err != nil {
		logger.Warn("some running instances could not reclaim their ports", "error", err)
	}

	if sweep {
		sw := sweeper.New(orch, cfg.Labs.SweepInterval, logger)
		if err := sw.Start(ctx); err != nil {
			return err
		}
		defer sw.Stop()
	}

	srv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      api.NewServer(orch, logger).Handler(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.HTTP.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown failed: %w", err)
	}
	return nil
}

func openRegistry(ctx context.Context, cfg config.Registry, logger *slog.Logger) (registry.Registry, error) {
	if cfg.Driver == config.DriverMySQL {
		reg, err := registry.NewSQLRegistry(ctx, cfg.MySQLDSN, logger)
		if err != nil {
			return nil, err
		}
		return reg, nil
	}

	reg, err := registry.NewBoltRegistry(cfg.BoltPath, logger)
	if err != nil {
		return nil, err
	}
	return reg, nil
}
