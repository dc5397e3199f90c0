package kikitori

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"time"

	"github.com/ashidome/kikitori/pkg/gateway"
	"github.com/ashidome/kikitori/pkg/logging"
	"github.com/ashidome/kikitori/pkg/metrics"
	"github.com/ashidome/kikitori/pkg/observers"
	"github.com/ashidome/kikitori/pkg/redact"
	"github.com/ashidome/kikitori/pkg/runner"
	"github.com/ashidome/kikitori/pkg/session"
	"github.com/ashidome/kikitori/pkg/transports"
)

// Engine assembles the dictation service: session registry, ingest
// gateway, client transport, observers, and the lifecycle runner.
type Engine struct {
	cfg       Config
	registry  *session.Registry
	gateway   *gateway.Gateway
	transport transports.Transport
	providers *ProviderRegistry
	runner    *runner.LifecycleRunner
	asyncObs  *metrics.AsyncObserver
	ctx       context.Context
	cancel    context.CancelFunc
}

type EngineOptions struct {
	Config    Config
	Providers *ProviderRegistry
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	cfg := opts.Config
	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	redact.SetEnabled(cfg.Privacy.RedactPII)

	slog.Info("kikitori_init",
		"environment", cfg.Environment,
		"asr_provider", cfg.Vendors.ASR.Provider,
		"refine_provider", cfg.Vendors.Refine.Provider,
		"transport", cfg.Transports.Provider,
	)

	latencyObs := observers.NewLatencyObserver(slog.Default())
	logObs := observers.NewLoggerObserver(slog.Default())
	var timelineObs *observers.TimelineObserver
	obsList := []metrics.Observer{latencyObs, logObs}
	if dir := strings.TrimSpace(cfg.Observability.ArtifactsDir); dir != "" {
		if cfg.Observability.RetentionDays > 0 {
			_, _ = observers.PurgeArtifacts(dir, time.Duration(cfg.Observability.RetentionDays)*24*time.Hour)
		}
		timelineObs = observers.NewTimelineObserver(dir)
		obsList = append(obsList, timelineObs)
	}
	multiObs := observers.NewMultiObserver(obsList...)
	asyncObs := metrics.NewAsyncObserver(multiObs, 2048)

	providers := opts.Providers
	if providers == nil {
		providers = NewProviderRegistry()
	}

	recFactory, err := providers.BuildASRFactory(cfg.Vendors.ASR.Provider, cfg)
	if err != nil {
		return nil, fmt.Errorf("build asr factory: %w", err)
	}
	refiner, err := providers.BuildRefiner(cfg.Vendors.Refine.Provider, cfg)
	if err != nil {
		return nil, fmt.Errorf("build refiner: %w", err)
	}

	registry := session.NewRegistry()
	gw := gateway.New(registry, recFactory, refiner, asyncObs, cfg.SessionConfig())

	transport, err := providers.BuildTransport(cfg.Transports.Provider, cfg, gw)
	if err != nil {
		return nil, fmt.Errorf("build transport: %w", err)
	}

	hooks := runner.Hooks{
		OnStart: func() {
			fields := []any{"message", "Kikitori Engine Ready"}
			if rr, ok := transport.(transports.ReadyReporter); ok {
				for k, v := range rr.ReadyFields() {
					fields = append(fields, k, v)
				}
			}
			slog.Info("engine_ready", fields...)
		},
		OnStop: func() {
			if asyncObs != nil {
				asyncObs.Close()
			}
			if timelineObs != nil {
				_ = timelineObs.Close()
			}
			slog.Info("shutdown",
				"goroutines", runtime.NumGoroutine(),
				"active_sessions", registry.Count(),
				"dropped_events", asyncObs.Dropped())
		},
	}

	drainer := runner.DrainerFunc(func() error {
		_ = transport.Stop()
		drainCtx, cancel := context.WithTimeout(context.Background(),
			time.Duration(cfg.Session.DrainTimeoutMS)*time.Millisecond)
		defer cancel()
		return gw.Close(drainCtx)
	})

	lr := runner.NewLifecycleRunner(drainer, hooks, 30*time.Second)
	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		cfg:       cfg,
		registry:  registry,
		gateway:   gw,
		transport: transport,
		providers: providers,
		runner:    lr,
		asyncObs:  asyncObs,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

func (e *Engine) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := e.transport.Start(ctx); err != nil {
		return err
	}
	go func() {
		_ = e.runner.Run(ctx)
	}()
	return nil
}

func (e *Engine) Stop() error {
	if e.cancel != nil {
		e.cancel()
	}
	return e.runner.Stop()
}

func (e *Engine) Gateway() *gateway.Gateway { return e.gateway }

func (e *Engine) Registry() *session.Registry { return e.registry }

func (e *Engine) Transport() transports.Transport { return e.transport }

func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) State() runner.State { return e.runner.State() }

func (e *Engine) Health() error {
	if e.transport == nil {
		return fmt.Errorf("missing transport")
	}
	return nil
}
