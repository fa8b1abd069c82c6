package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/artpar/multiplan/internal/core/plan"
	"github.com/artpar/multiplan/internal/shell/api"
	"github.com/artpar/multiplan/internal/shell/broker"
	"github.com/artpar/multiplan/internal/shell/expansion"
	"github.com/artpar/multiplan/internal/shell/store"
	"github.com/artpar/multiplan/internal/shell/workers"
)

// =============================================================================
// Exit Codes
// =============================================================================

const (
	ExitSuccess         = 0
	ExitConfigError     = 1
	ExitDatabaseError   = 2
	ExitBrokerError     = 3
	ExitHTTPServerError = 4
	ExitPlanError       = 5
	ExitIOError         = 6
)

// =============================================================================
// Server
// =============================================================================

// Server represents the multiplan application server.
type Server struct {
	config     *Config
	httpServer *http.Server
	store      store.Store
	jobRunner  *workers.JobRunner
	broker     *broker.Broker
	logger     *slog.Logger
}

// NewServer creates a new server with the given config.
func NewServer(cfg *Config, logger *slog.Logger) (*Server, error) {
	if cfg.Database.Driver == store.DriverSQLite {
		if err := ensureSQLiteDir(cfg.Database.DSN); err != nil {
			return nil, &ServerError{
				Op:       "NewServer",
				Err:      err,
				ExitCode: ExitDatabaseError,
			}
		}
	}

	// Connect to database
	s, err := store.NewSQLStore(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, &ServerError{
			Op:       "NewServer",
			Err:      err,
			ExitCode: ExitDatabaseError,
		}
	}
	logger.Info("database ready", "driver", cfg.Database.Driver)

	expander := plan.NewExpander(
		plan.WithLogger(logger.With("component", "expander")),
		plan.WithMaxInstances(cfg.Expander.MaxInstances),
	)
	svc := expansion.NewService(s, expander, logger)

	var jobRunner *workers.JobRunner
	handlerOpts := []api.HandlerOption{api.WithMaxBodyBytes(cfg.Server.MaxBodyBytes)}
	if cfg.Workers.Enabled {
		jobRunner = workers.NewJobRunner(s, svc, workers.JobRunnerConfig{
			PollInterval:  cfg.Workers.PollInterval,
			BatchSize:     cfg.Workers.BatchSize,
			MaxConcurrent: cfg.Workers.MaxConcurrent,
			JobTimeout:    cfg.Workers.JobTimeout,
			StaleAfter:    cfg.Workers.StaleAfter,
		}, logger)
		handlerOpts = append(handlerOpts, api.WithJobNotifier(jobRunner.Notify))
	} else {
		logger.Info("job runner disabled, queued jobs wait for another instance")
	}

	var b *broker.Broker
	if cfg.MQTT.Enabled {
		b = broker.New(broker.Config{
			BrokerURL:    cfg.MQTT.BrokerURL,
			ClientID:     cfg.MQTT.ClientID,
			RequestTopic: cfg.MQTT.RequestTopic,
			ReplyTopic:   cfg.MQTT.ReplyTopic,
			QoS:          byte(cfg.MQTT.QoS),
		}, svc, logger)
	}

	handler := api.NewHandler(svc, logger, handlerOpts...)
	httpServer := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      handler.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return &Server{
		config:     cfg,
		httpServer: httpServer,
		store:      s,
		jobRunner:  jobRunner,
		broker:     b,
		logger:     logger,
	}, nil
}

// Start starts the server and blocks until shutdown.
func (s *Server) Start(ctx context.Context) error {
	// Setup signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if s.broker != nil {
		if err := s.broker.Start(); err != nil {
			s.store.Close()
			return &ServerError{
				Op:       "Start",
				Err:      err,
				ExitCode: ExitBrokerError,
			}
		}
	}

	if s.jobRunner != nil {
		s.jobRunner.Start()
	}

	// Start HTTP server in goroutine
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server",
			"address", s.config.Server.Address())
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for shutdown signal or error
	select {
	case sig := <-sigCh:
		s.logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		s.Shutdown(context.Background())
		return &ServerError{
			Op:       "Start",
			Err:      err,
			ExitCode: ExitHTTPServerError,
		}
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown(context.Background())
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("initiating graceful shutdown")

	// Create shutdown context with timeout
	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.Server.ShutdownTimeout)
	defer cancel()

	// Stop accepting requests first so no new jobs are queued
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}

	if s.broker != nil {
		s.broker.Stop()
	}

	if s.jobRunner != nil {
		s.jobRunner.Stop()
	}

	// Close database
	if err := s.store.Close(); err != nil {
		s.logger.Error("database close error", "error", err)
	}

	s.logger.Info("shutdown complete")
	return nil
}

// ensureSQLiteDir creates the directory of a file-backed sqlite DSN.
func ensureSQLiteDir(dsn string) error {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" || path == ":memory:" {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

// =============================================================================
// Server Error
// =============================================================================

// ServerError represents an error during server operation.
type ServerError struct {
	Op       string
	Err      error
	ExitCode int
}

func (e *ServerError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *ServerError) Unwrap() error {
	return e.Err
}
