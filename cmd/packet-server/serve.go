package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"packet-rpc/config"
	"packet-rpc/handlers"
	"packet-rpc/logging"
	"packet-rpc/metrics"
	"packet-rpc/middleware"
	"packet-rpc/registry"
	"packet-rpc/server"
)

const shutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	var (
		configPath  string
		addr        string
		workers     int
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the packet server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServerConfig(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Addr = addr
			}
			if cmd.Flags().Changed("workers") {
				cfg.Workers = workers
			}
			if cmd.Flags().Changed("metrics-addr") {
				cfg.MetricsAddr = metricsAddr
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runServer(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to a TOML config file")
	cmd.Flags().StringVarP(&addr, "addr", "a", config.DefaultServerAddr, "TCP listen address")
	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "Worker pool size (default: number of CPUs)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Admin HTTP address for /metrics and /healthz")

	return cmd
}

func runServer(ctx context.Context, cfg config.ServerConfig) error {
	logger := logging.New("packet-server", cfg.Log)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	opts := []server.Option{
		server.WithLogger(logger),
		server.WithMetrics(m),
		server.WithWorkers(cfg.Workers),
		server.WithQueueSize(cfg.QueueSize),
		server.WithMaxFrameSize(cfg.MaxFrameSize),
	}
	if cfg.Registry.Enabled() {
		etcd, err := registry.NewEtcdRegistry(cfg.Registry.Endpoints, cfg.Registry.DialTimeout)
		if err != nil {
			return err
		}
		defer etcd.Close()
		opts = append(opts,
			server.WithRegistry(etcd, cfg.Registry.Service, cfg.AdvertiseAddr),
			server.WithRegistryWeight(cfg.Registry.Weight),
		)
	}

	svr := server.NewServer(opts...)
	svr.Use(middleware.RecoverMiddleware())
	svr.Use(middleware.TracingMiddleware(nil))
	svr.Use(middleware.LoggingMiddleware(logger))
	if cfg.RateLimit > 0 {
		svr.Use(middleware.RateLimitMiddleware(cfg.RateLimit, cfg.RateBurst))
	}
	if cfg.HandlerTimeout > 0 {
		svr.Use(middleware.TimeOutMiddleware(cfg.HandlerTimeout))
	}
	if err := handlers.RegisterDefaults(svr, logger); err != nil {
		return err
	}

	l, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return err
	}

	var admin *http.Server
	if cfg.MetricsAddr != "" {
		admin = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           adminRouter(reg, svr),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Str("addr", cfg.MetricsAddr).Msg("admin server failed")
			}
		}()
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("admin server listening")
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- svr.Serve(l) }()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-serveErr:
		shutdownAdmin(admin, logger)
		return err
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	}

	err = svr.Shutdown(shutdownTimeout)
	shutdownAdmin(admin, logger)
	if serr := <-serveErr; serr != nil && err == nil {
		err = serr
	}
	return err
}

func shutdownAdmin(admin *http.Server, logger zerolog.Logger) {
	if admin == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := admin.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("admin server shutdown")
	}
}
