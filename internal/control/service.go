package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/retryq/internal/core/classifier"
	"github.com/vietddude/retryq/internal/core/config"
	"github.com/vietddude/retryq/internal/core/queue"
	"github.com/vietddude/retryq/internal/core/worker"
	"github.com/vietddude/retryq/internal/health"
	"github.com/vietddude/retryq/internal/infra/archive"
	"github.com/vietddude/retryq/internal/infra/executor"
	"github.com/vietddude/retryq/internal/metrics"
	"github.com/vietddude/retryq/internal/telemetry"
)

// Service is the main application struct that manages the queue lifecycle.
type Service struct {
	cfg        *config.AppConfig
	breaker    *classifier.Breaker
	manager    *queue.DefaultManager
	dispatcher *worker.Dispatcher
	recorder   *archive.Recorder
	pruner     *worker.Pruner
	archives   *Archives
	monitor    *health.Monitor
	httpServer *health.Server
	grpcServer *health.GRPCServer
	telemetry  *telemetry.Provider
	log        *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// Options overrides collaborators normally built from config.
type Options struct {
	// Executor replaces the configured webhook.
	Executor queue.Executor
	// Resources gates messages waiting on resources.
	Resources worker.ResourceChecker
	Logger    *slog.Logger
}

// NewService creates a Service with all dependencies initialized.
func NewService(ctx context.Context, cfg *config.AppConfig, opts Options) (*Service, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	// 1. Executor
	exec := opts.Executor
	if exec == nil {
		hook, err := executor.NewWebhook(cfg.Executor)
		if err != nil {
			return nil, fmt.Errorf("failed to init executor: %w", err)
		}
		exec = hook
	}

	// 2. Tracing
	tp, err := telemetry.NewProvider(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to init telemetry: %w", err)
	}

	// 3. Classifier and breaker
	breaker := classifier.NewBreaker(cfg.Breaker, time.Now)
	breaker.SetStateChangeCallback(func(from, to classifier.BreakerState) {
		metrics.CircuitBreakerState.Set(float64(to))
		log.Warn("Circuit breaker state changed", "from", from.String(), "to", to.String())
	})

	cls, err := classifier.New(
		classifier.WithPolicies(cfg.Policies),
		classifier.WithBreaker(breaker),
		classifier.WithLogger(log),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to init classifier: %w", err)
	}

	// 4. Queue manager
	mgr, err := queue.NewManager(cfg.Queue, cls,
		queue.WithLogger(log),
		queue.WithTracer(tp.Tracer()),
		queue.WithOutcomeRecorder(breaker),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to init queue: %w", err)
	}
	mgr.OnTransition(metrics.ObserveTransition)

	// 5. Dead letter archives
	archives, err := OpenArchives(ctx, cfg.Archive, true, log)
	if err != nil {
		return nil, err
	}

	var recorder *archive.Recorder
	if len(archives.Sinks) > 0 {
		recorder = archive.NewRecorder(cfg.Archive.Delivery, log, archives.Sinks...)
		mgr.OnTransition(recorder.Observe)
	}

	var pruner *worker.Pruner
	if cfg.Archive.Retention > 0 && len(archives.Repos) > 0 {
		pruner = worker.NewPruner(cfg.Archive.Retention, archives.Repos, log)
	}

	// 6. Dispatcher
	dispatcherOpts := []worker.DispatcherOption{worker.WithDispatcherLogger(log)}
	resources := opts.Resources
	if resources == nil && cfg.Dispatcher.MemoryLimitMB > 0 {
		resources = worker.NewMemoryChecker(cfg.Dispatcher.MemoryLimitMB << 20)
	}
	if resources != nil {
		dispatcherOpts = append(dispatcherOpts, worker.WithResourceChecker(resources))
	}
	dispatcher, err := worker.NewDispatcher(cfg.Dispatcher, mgr, exec, dispatcherOpts...)
	if err != nil {
		archives.Close()
		return nil, fmt.Errorf("failed to init dispatcher: %w", err)
	}

	// 7. Health surfaces
	monitor := health.NewMonitor(mgr, breaker, archives.Repos, cfg.Health)
	httpServer := health.NewServer(monitor, mgr, archives.Primary(), cfg.Server.Port, log)

	var grpcServer *health.GRPCServer
	if cfg.Server.GRPCPort > 0 {
		grpcServer = health.NewGRPCServer(monitor, cfg.Server.GRPCPort, log)
	}

	return &Service{
		cfg:        cfg,
		breaker:    breaker,
		manager:    mgr,
		dispatcher: dispatcher,
		recorder:   recorder,
		pruner:     pruner,
		archives:   archives,
		monitor:    monitor,
		httpServer: httpServer,
		grpcServer: grpcServer,
		telemetry:  tp,
		log:        log,
		done:       make(chan struct{}),
	}, nil
}

// Manager returns the queue manager.
func (s *Service) Manager() queue.Manager {
	return s.manager
}

// Monitor returns the health monitor.
func (s *Service) Monitor() *health.Monitor {
	return s.monitor
}

// Start starts the service and all its components.
func (s *Service) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	go func() {
		if err := s.httpServer.Start(); err != nil {
			s.log.Error("HTTP server failed", "error", err)
		}
	}()

	if s.grpcServer != nil {
		go func() {
			if err := s.grpcServer.Start(ctx); err != nil {
				s.log.Error("gRPC server failed", "error", err)
			}
		}()
	}

	s.archives.StartMetricsCollector(ctx)

	if s.recorder != nil {
		s.recorder.Start(ctx)
	}

	if s.pruner != nil {
		go s.pruner.Start(ctx)
	}

	go func() {
		defer close(s.done)
		if err := s.dispatcher.Start(ctx); err != nil {
			s.log.Error("Dispatcher failed", "error", err)
		}
	}()

	s.log.Info("Service started",
		"port", s.cfg.Server.Port,
		"grpc_port", s.cfg.Server.GRPCPort,
		"sinks", len(s.archives.Sinks),
		"tracing", s.telemetry.Enabled(),
	)
	return nil
}

// Stop drains in-flight work and releases resources.
func (s *Service) Stop(ctx context.Context) error {
	s.log.Info("Stopping service...")
	var errs []error

	s.dispatcher.Stop()
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}

	if err := s.httpServer.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if s.grpcServer != nil {
		s.grpcServer.Stop()
	}

	if s.recorder != nil {
		if err := s.recorder.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if err := s.archives.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close archives: %w", err))
	}
	if err := s.telemetry.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
	}

	h := s.manager.Health()
	s.log.Info("Service stopped", "pending", h.Pending, "processing", h.Processing, "dead_letter", h.DeadLetter)
	return errors.Join(errs...)
}
