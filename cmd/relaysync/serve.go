package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"strings"
	"time"

	"github.com/agentworkforce/relaysync/internal/config"
	"github.com/agentworkforce/relaysync/internal/httpapi"
	"github.com/agentworkforce/relaysync/internal/logging"
	"github.com/agentworkforce/relaysync/internal/relaysync"
	"github.com/agentworkforce/relaysync/internal/source"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
)

func serveCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook receiver, worker pool and admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			v := config.New()
			if err := v.BindPFlag("addr", cmd.Flags().Lookup("addr")); err != nil {
				return err
			}
			if err := v.BindPFlag("backend_dsn", cmd.Flags().Lookup("backend")); err != nil {
				return err
			}
			if err := v.BindPFlag("mappings_file", cmd.Flags().Lookup("mappings")); err != nil {
				return err
			}
			cfg, err := config.LoadInto(v, opts.configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), unix.SIGINT, unix.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().String("addr", ":8080", "listen address")
	cmd.Flags().String("backend", "memory://", "event store DSN (memory://, file://, sqlite://, postgres://)")
	cmd.Flags().String("mappings", "", "instances and mappings file (yaml), hot-reloaded")
	return cmd
}

func serve(ctx context.Context, cfg config.Config) error {
	if err := cfg.ValidateServe(); err != nil {
		return err
	}
	logger, logCloser, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	backend, err := relaysync.BuildBackendFromDSN(cfg.BackendDSN)
	if err != nil {
		return fmt.Errorf("event store: %w", err)
	}
	if closer, ok := backend.(io.Closer); ok {
		defer closer.Close()
	}

	registry := relaysync.NewMappingRegistry(nil, nil)
	if path := strings.TrimSpace(cfg.MappingsFile); path != "" {
		instances, mappings, err := config.LoadMappings(path)
		if err != nil {
			return fmt.Errorf("mappings: %w", err)
		}
		registry.Replace(instances, mappings)
		go func() {
			if err := config.WatchMappings(ctx, path, registry, logger.WithField("component", "mappings")); err != nil {
				logger.Errorf("mappings watcher stopped: %v", err)
			}
		}()
	}

	var decrypter source.TokenDecrypter = source.Plaintext{}
	if key := strings.TrimSpace(cfg.TokenKey); key != "" {
		sealer, err := source.NewAESGCM(key)
		if err != nil {
			return err
		}
		decrypter = sealer
	}
	sourceOpts := cfg.Source.ClientOptions()
	sourceOpts.Logger = logger.WithField("component", "source")

	engineOpts := cfg.Engine.Options()
	engineOpts.Backend = backend
	engineOpts.Registry = registry
	engineOpts.Sources = source.NewProvider(decrypter, sourceOpts)
	engineOpts.Logger = logger.WithField("component", "engine")
	engine := relaysync.NewEngine(engineOpts)
	// Workers outlive the signal context so Close can drain them.
	if err := engine.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}

	handler := httpapi.NewServerWithConfig(engine, httpapi.ServerConfig{
		JWTSecret:       cfg.Auth.JWTSecret,
		RateLimitMax:    cfg.Auth.RateLimitMax,
		RateLimitWindow: cfg.Auth.RateLimitWindow,
		MaxBodyBytes:    cfg.Auth.MaxBodyBytes,
		StreamOrigins:   cfg.Auth.StreamOrigins,
		Logger:          logger.WithField("component", "http"),
	})
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{"addr": cfg.Addr, "backend": backendScheme(cfg.BackendDSN)}).Info("relaysync listening")
		errCh <- srv.ListenAndServe()
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case serveErr = <-errCh:
		if errors.Is(serveErr, http.ErrServerClosed) {
			serveErr = nil
		}
	}

	shutdown(srv, engine, cfg.Engine.ShutdownGrace, logger)
	logger.Info("relaysync stopped")
	return serveErr
}

type shutdowner interface {
	Shutdown(ctx context.Context) error
}

type drainer interface {
	Close(ctx context.Context) error
}

// shutdown stops intake first, then drains the engine. Each stage gets the full grace period.
func shutdown(srv shutdowner, engine drainer, grace time.Duration, log logrus.FieldLogger) {
	if grace <= 0 {
		grace = 10 * time.Second
	}
	httpCtx, cancelHTTP := context.WithTimeout(context.Background(), grace)
	defer cancelHTTP()
	if err := srv.Shutdown(httpCtx); err != nil {
		log.Warnf("http shutdown: %v", err)
	}
	engineCtx, cancelEngine := context.WithTimeout(context.Background(), grace)
	defer cancelEngine()
	if err := engine.Close(engineCtx); err != nil {
		log.Warnf("engine shutdown: %v", err)
	}
}

func backendScheme(dsn string) string {
	if scheme, _, ok := strings.Cut(dsn, "://"); ok {
		return scheme
	}
	return "memory"
}
