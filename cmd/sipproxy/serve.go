package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"braces.dev/errtrace"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/ghettovoice/sipproxy/config"
	"github.com/ghettovoice/sipproxy/dns"
	"github.com/ghettovoice/sipproxy/internal/eventloop"
	"github.com/ghettovoice/sipproxy/log"
	"github.com/ghettovoice/sipproxy/metrics"
	"github.com/ghettovoice/sipproxy/proxy"
	"github.com/ghettovoice/sipproxy/server"
	"github.com/ghettovoice/sipproxy/sip"
	"github.com/ghettovoice/sipproxy/transport"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the proxy until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return errtrace.Wrap(err)
			}
			return errtrace.Wrap(serve(cmd.Context(), cfg))
		},
	}
}

func setupLogger(cfg *config.Config) (*slog.Logger, error) {
	logger, err := log.New(cfg.LogOptions())
	if err != nil {
		return nil, errtrace.Wrap(err)
	}
	log.SetDefault(logger)
	return logger, nil
}

func newPool(cfg *config.Config, loop *eventloop.Loop, m *metrics.Metrics, logger *slog.Logger) (*dns.Pool, error) {
	return errtrace.Wrap2(dns.NewPool(&dns.PoolOptions{
		Backend: &dns.Resolver{NameServer: cfg.DNS.NameServer, Timeout: cfg.DNS.QueryTimeout},
		Loop:    loop,
		Workers: cfg.DNS.Workers,
		Timeout: cfg.DNS.Timeout,
		Metrics: m,
		Log:     logger,
	}))
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger, err := setupLogger(cfg)
	if err != nil {
		return errtrace.Wrap(err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	loop := eventloop.New(&eventloop.Options{Log: logger})
	go loop.Run(context.Background()) //nolint:errcheck
	defer func() {
		loop.Close()
		<-loop.Done()
	}()

	tlsSrv, tlsCli, err := cfg.Transport.TLSConfigs()
	if err != nil {
		return errtrace.Wrap(err)
	}
	tp, err := transport.New(&transport.Options{
		Loop:          loop,
		Host:          cfg.Transport.Host,
		Aliases:       cfg.Transport.Aliases,
		TLSServer:     tlsSrv,
		TLSClient:     tlsCli,
		FlowKey:       cfg.Transport.FlowKeyBytes(),
		ConnIdleTTL:   cfg.Transport.ConnIdleTTL,
		DialTimeout:   cfg.Transport.DialTimeout,
		SendQueueSize: cfg.Transport.SendQueueSize,
		Metrics:       m,
		Log:           logger,
	})
	if err != nil {
		return errtrace.Wrap(err)
	}

	pool, err := newPool(cfg, loop, m, logger)
	if err != nil {
		return errtrace.Wrap(err)
	}
	profiles, err := cfg.BuildProfiles()
	if err != nil {
		return errtrace.Wrap(err)
	}
	router, err := proxy.NewRouter(&proxy.RouterOptions{
		Loop:    loop,
		Tables:  sip.NewTables(m.TransactionsChanged),
		Network: tp,
		DNS:     pool,
		Metrics: m,
		Log:     logger,
	})
	if err != nil {
		return errtrace.Wrap(err)
	}
	srv, err := server.New(&server.Options{
		Router:  router,
		Profile: profiles[config.DefaultProfileName],
		Metrics: m,
		Log:     logger,
	})
	if err != nil {
		return errtrace.Wrap(err)
	}
	tp.OnMessage(srv.HandleMessage)

	listeners, err := cfg.Listeners()
	if err != nil {
		return errtrace.Wrap(err)
	}
	for _, l := range listeners {
		addr, err := tp.Listen(ctx, l.Proto, l.Addr)
		if err != nil {
			tp.Close()
			return errtrace.Wrap(err)
		}
		logger.LogAttrs(ctx, slog.LevelInfo, "listening", slog.String("transport", string(l.Proto)), slog.Any("addr", addr))
	}

	var httpSrv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		httpSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.LogAttrs(ctx, slog.LevelError, "metrics endpoint failed", slog.Any("error", err))
			}
		}()
		logger.LogAttrs(ctx, slog.LevelInfo, "serving metrics", slog.String("addr", cfg.Metrics.Addr), slog.String("path", cfg.Metrics.Path))
	}

	<-ctx.Done()
	logger.LogAttrs(context.Background(), slog.LevelInfo, "shutting down")

	var errs []error
	if err := tp.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := srv.Close(); err != nil {
		errs = append(errs, err)
	}
	if httpSrv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(sctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errtrace.Wrap(errors.Join(errs...))
}
