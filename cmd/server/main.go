package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/zk-share/internal/api"
	"github.com/kenneth/zk-share/internal/audit"
	"github.com/kenneth/zk-share/internal/blobstore"
	"github.com/kenneth/zk-share/internal/config"
	"github.com/kenneth/zk-share/internal/metrics"
	"github.com/kenneth/zk-share/internal/middleware"
	"github.com/kenneth/zk-share/internal/tracing"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(logrus.InfoLevel)

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	applyLogLevel(logger, cfg.LogLevel)

	logger.WithFields(logrus.Fields{
		"version": version,
		"commit":  commit,
		"backend": cfg.Storage.Backend,
	}).Info("Starting zk-share blob server")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing.ServiceVersion == "" || cfg.Tracing.ServiceVersion == "dev" {
		cfg.Tracing.ServiceVersion = version
	}
	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize tracing")
	}

	m := metrics.NewMetrics()
	stopCollectors := make(chan struct{})
	m.StartSystemMetricsCollector(stopCollectors)

	store, err := newStore(ctx, cfg, logger, m, stopCollectors)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create blob store")
	}

	var auditLogger audit.Logger
	if cfg.Audit.Enabled {
		auditLogger = audit.NewLogger(cfg.Audit.MaxEvents, audit.NewLogrusWriter(logger))
		logger.WithField("max_events", cfg.Audit.MaxEvents).Info("Audit logging enabled")
	}

	handler := api.NewHandler(store, logger, auditLogger, cfg.Storage.MaxBlobSize)

	router := mux.NewRouter()
	router.Handle("/metrics", m.Handler()).Methods("GET")
	handler.RegisterRoutes(router)

	// Outermost first: request id, tracing, logging, security headers,
	// rate limit, recovery.
	httpHandler := middleware.RecoveryMiddleware(logger)(router)
	if cfg.RateLimit.Enabled {
		rateLimiter := middleware.NewRateLimiter(cfg.RateLimit.Limit, cfg.RateLimit.Window, logger)
		defer rateLimiter.Stop()
		httpHandler = middleware.RateLimitMiddleware(rateLimiter)(httpHandler)
		logger.WithFields(logrus.Fields{
			"limit":  cfg.RateLimit.Limit,
			"window": cfg.RateLimit.Window,
		}).Info("Rate limiting enabled")
	}
	httpHandler = middleware.SecurityHeadersMiddleware()(httpHandler)
	httpHandler = middleware.LoggingMiddleware(logger, &cfg.Logging, m)(httpHandler)
	if cfg.Tracing.Enabled {
		httpHandler = middleware.TracingMiddleware(nil, cfg.Tracing.RedactSensitive)(httpHandler)
	}
	httpHandler = middleware.RequestIDMiddleware()(httpHandler)

	reloader, err := config.NewConfigReloader(configPath, cfg, logger)
	if err != nil {
		logger.WithError(err).Warn("Config hot reload disabled")
	} else {
		reloader.SetOnReloadCallback(func(old, new *config.Config) error {
			if old.LogLevel != new.LogLevel {
				applyLogLevel(logger, new.LogLevel)
			}
			return nil
		})
		go reloader.Start()
		defer reloader.Stop()
	}

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           httpHandler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		MaxHeaderBytes:    cfg.Server.MaxHeaderBytes,
	}

	serveErr := make(chan error, 1)
	go func() {
		var err error
		if cfg.TLS.Enabled {
			logger.WithFields(logrus.Fields{
				"addr":      cfg.ListenAddr,
				"cert_file": cfg.TLS.CertFile,
			}).Info("Starting HTTPS server")
			err = server.ListenAndServeTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		} else {
			logger.WithField("addr", cfg.ListenAddr).Info("Starting HTTP server")
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			logger.WithError(err).Error("Server failed")
		}
	}

	logger.Info("Shutting down server...")
	handler.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	} else {
		logger.Info("Server stopped gracefully")
	}
	close(stopCollectors)
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Failed to flush traces")
	}
}

// newStore builds the configured backend. The memory backend gets a janitor
// that runs until stop is closed.
func newStore(ctx context.Context, cfg *config.Config, logger *logrus.Logger, m *metrics.Metrics, stop <-chan struct{}) (blobstore.Store, error) {
	switch cfg.Storage.Backend {
	case blobstore.BackendS3:
		s3cfg := cfg.Storage.S3
		store, err := blobstore.NewS3Store(ctx, blobstore.S3Config{
			Endpoint:      s3cfg.Endpoint,
			Region:        s3cfg.Region,
			Bucket:        s3cfg.Bucket,
			Prefix:        s3cfg.Prefix,
			AccessKey:     s3cfg.AccessKey,
			SecretKey:     s3cfg.SecretKey,
			UsePathStyle:  s3cfg.UsePathStyle,
			TTL:           cfg.Storage.TTL,
			MaxBlobSize:   cfg.Storage.MaxBlobSize,
			PublicBaseURL: cfg.PublicBaseURL,
		}, logger, m)
		if err != nil {
			return nil, err
		}
		logger.WithFields(logrus.Fields{
			"bucket":   s3cfg.Bucket,
			"endpoint": s3cfg.Endpoint,
			"prefix":   s3cfg.Prefix,
		}).Info("Using S3 blob store")
		return store, nil
	default:
		store := blobstore.NewMemoryStore(blobstore.MemoryConfig{
			MaxSize:       cfg.Storage.MaxSize,
			MaxItems:      cfg.Storage.MaxItems,
			MaxBlobSize:   cfg.Storage.MaxBlobSize,
			TTL:           cfg.Storage.TTL,
			PublicBaseURL: cfg.PublicBaseURL,
		}, logger, m)
		if cfg.Storage.SweepInterval > 0 {
			store.StartJanitor(cfg.Storage.SweepInterval, stop)
		}
		logger.WithFields(logrus.Fields{
			"max_size":  cfg.Storage.MaxSize,
			"max_items": cfg.Storage.MaxItems,
			"ttl":       cfg.Storage.TTL,
		}).Info("Using in-memory blob store")
		return store, nil
	}
}

func applyLogLevel(logger *logrus.Logger, name string) {
	level, err := logrus.ParseLevel(name)
	if err != nil {
		logger.WithError(err).Warn("Invalid log level, using info")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
}
