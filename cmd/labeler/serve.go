package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"example.com/labeler/internal/broadcast"
	"example.com/labeler/internal/config"
	"example.com/labeler/internal/issuance"
	"example.com/labeler/internal/metrics"
	"example.com/labeler/internal/query"
	"example.com/labeler/internal/subscription"
	transport "example.com/labeler/internal/transport/http"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the label query and subscription server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serveRun(cmd, configFrom(cmd))
		},
	}
}

func serveRun(cmd *cobra.Command, cfg *config.Config) error {
	logger := commonRun(cfg)
	ctx := cmd.Context()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("opening label store: %w", err)
	}
	defer store.Close()

	signer, err := loadSigner(cfg, logger)
	if err != nil {
		return err
	}
	if signer != nil {
		logger.Info("signing key loaded", "component", "signing", "did", signer.DIDKey())
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	hub := broadcast.NewHub(cfg.SubscriberBuffer, logger, m)
	deps := &transport.ServerDeps{
		Cfg:    *cfg,
		Store:  store,
		Issuer: issuance.NewIssuer(store, signer, hub, logger, m),
		Query:  query.NewService(store, m),
		Subs: subscription.NewService(store, hub, subscription.Config{
			PageSize:    cfg.BackfillPageSize,
			MaxBackfill: cfg.MaxBackfill,
		}, logger, m),
		Gatherer: reg,
		Logger:   logger,
		Now:      func() time.Time { return time.Now().UTC() },
	}

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           deps.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       60 * time.Second,
		// Subscriptions derive from ctx so shutdown reaches hijacked connections.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", "component", "http", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", "component", "http")
		hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
