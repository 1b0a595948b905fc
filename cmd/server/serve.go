package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/JonMunkholm/fileparse/internal/auth"
	"github.com/JonMunkholm/fileparse/internal/config"
	"github.com/JonMunkholm/fileparse/internal/core"
	"github.com/JonMunkholm/fileparse/internal/database"
	"github.com/JonMunkholm/fileparse/internal/events"
	"github.com/JonMunkholm/fileparse/internal/logging"
	"github.com/JonMunkholm/fileparse/internal/metrics"
	"github.com/JonMunkholm/fileparse/internal/storage"
	"github.com/JonMunkholm/fileparse/internal/web"
)

const (
	defaultJWTSecret = "change_me_please"

	// httpShutdownTimeout bounds closing the HTTP server once uploads
	// have drained.
	httpShutdownTimeout = 5 * time.Second
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			closeLogs := logging.Setup(cfg.Logging)
			defer func() {
				if err := closeLogs(); err != nil {
					fmt.Fprintln(os.Stderr, "close log file:", err)
				}
			}()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg)
		},
	}
}

// serve runs the server until ctx is cancelled, then drains uploads and
// stops accepting requests.
func serve(ctx context.Context, cfg *config.Config) error {
	slog.Info("configuration loaded",
		"port", cfg.Server.Port,
		"database", config.DatabaseScheme(cfg.Database.URL),
		"storage", cfg.Storage.Provider,
		"upload_max_concurrent", cfg.Upload.MaxConcurrent,
		"rate_limit_enabled", cfg.Rate.Enabled,
	)
	if cfg.Security.JWTSecret == defaultJWTSecret {
		slog.Warn("JWT_SECRET is the default value; set it before exposing the server")
	}

	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			slog.Error("failed to close database", "error", err)
		}
	}()
	slog.Info("connected to database", "url", config.MaskURL(cfg.Database.URL))

	blobs, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		return err
	}

	m := metrics.New()
	bus := events.NewBus(events.Options{
		Buffer:  cfg.Events.SubscriberBuffer,
		LogSize: cfg.Events.LogSize,
		Policy:  events.Policy(cfg.Events.Backpressure),
		Metrics: m,
	})

	svc := core.NewService(core.OptionsFromConfig(cfg), blobs, bus,
		core.WithRepository(db),
		core.WithMetrics(m),
	)
	m.WatchLimiter(svc.Limiter())

	recovered, err := svc.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover files: %w", err)
	}
	slog.Info("restored file records", "count", recovered)

	accounts := auth.NewService(db, cfg.Security.JWTSecret, cfg.Security.TokenTTL, cfg.Security.BcryptCost)

	server := web.NewServer(cfg, web.Deps{
		Files:    svc,
		Accounts: accounts,
		Database: db,
		Storage:  blobs,
		Metrics:  m,
	})

	ln, err := net.Listen("tcp", cfg.Server.Addr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Server.Addr(), err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Serve(ln)
	})
	g.Go(func() error {
		return svc.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down", "timeout", cfg.Server.ShutdownTimeout)

		return shutdown(svc, server, cfg.Server.ShutdownTimeout, httpShutdownTimeout)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("server stopped")
	return nil
}

type stopper interface {
	Shutdown(ctx context.Context) error
}

// shutdown drains the pipeline within drain, then stops the HTTP server
// within grace. Draining closes the event bus, which ends open event
// streams so the HTTP shutdown is not held up by them. The server gets its
// own budget so a drain that used up its timeout does not leave it with
// an expired context.
func shutdown(pipeline, server stopper, drain, grace time.Duration) error {
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), drain)
	defer cancelDrain()

	var errs []error
	if err := pipeline.Shutdown(drainCtx); err != nil {
		slog.Warn("uploads did not drain cleanly", "error", err)
		errs = append(errs, err)
	}

	httpCtx, cancelHTTP := context.WithTimeout(context.Background(), grace)
	defer cancelHTTP()
	if err := server.Shutdown(httpCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
