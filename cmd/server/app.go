package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/crypto/bcrypt"

	"github.com/phrazzld/castqueue/internal/config"
	"github.com/phrazzld/castqueue/internal/events"
	"github.com/phrazzld/castqueue/internal/generation"
	"github.com/phrazzld/castqueue/internal/metrics"
	"github.com/phrazzld/castqueue/internal/platform/backend"
	"github.com/phrazzld/castqueue/internal/platform/elevenlabs"
	"github.com/phrazzld/castqueue/internal/platform/gemini"
	"github.com/phrazzld/castqueue/internal/platform/tracing"
	"github.com/phrazzld/castqueue/internal/service"
	"github.com/phrazzld/castqueue/internal/service/auth"
	"github.com/phrazzld/castqueue/internal/store"
	"github.com/phrazzld/castqueue/internal/task"
)

// application holds every long-lived dependency of the server process.
type application struct {
	config   *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry

	jobStore  *store.JobStore
	userStore *store.UserStore

	supervisor *task.Supervisor
	scheduler  *task.Scheduler
	runner     *task.Runner
	emitter    *events.InMemoryEventEmitter

	jwtService  auth.JWTService
	userService *service.UserService
	jobService  *service.JobService

	// closers release backend connections and the tracer provider, last
	// opened first
	closers []func() error
}

// newApplication connects the store backend and builds the Gemini-backed
// execution pipeline.
func newApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*application, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	executor, err := newExecutor(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return assemble(ctx, cfg, logger, executor)
}

func newExecutor(ctx context.Context, cfg *config.Config, logger *slog.Logger) (task.Executor, error) {
	generator, err := gemini.NewGenerator(ctx, logger, cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini generator: %w", err)
	}

	speech, err := newSpeechRouter(cfg.ElevenLabs, generator, logger)
	if err != nil {
		return nil, err
	}

	pipeline, err := generation.NewPipeline(generation.NewExtractor(logger), generator, speech, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create generation pipeline: %w", err)
	}
	return pipeline, nil
}

// newSpeechRouter always offers Gemini TTS and adds ElevenLabs when it has an
// API key.
func newSpeechRouter(
	cfg config.ElevenLabsConfig,
	geminiTTS generation.SpeechSynthesizer,
	logger *slog.Logger,
) (*generation.SpeechRouter, error) {
	providers := map[string]generation.SpeechSynthesizer{
		"gemini":      geminiTTS,
		"geminimulti": geminiTTS,
	}
	if cfg.APIKey != "" {
		synth, err := elevenlabs.NewSynthesizer(cfg, nil, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create elevenlabs synthesizer: %w", err)
		}
		providers[elevenlabs.ModelName] = synth
	}

	router, err := generation.NewSpeechRouter("gemini", providers)
	if err != nil {
		return nil, fmt.Errorf("failed to create speech router: %w", err)
	}
	logger.Info("speech providers ready", "tts_models", router.Models())
	return router, nil
}

// assemble wires the store, scheduling and service layers around executor.
func assemble(
	ctx context.Context,
	cfg *config.Config,
	logger *slog.Logger,
	executor task.Executor,
) (*application, error) {
	app := &application{
		config:   cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}
	app.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	app.setupTracing(ctx)

	kv, err := app.openKV(ctx)
	if err != nil {
		app.cleanup()
		return nil, err
	}

	app.jobStore = store.NewJobStore(kv, store.JobStoreConfig{
		JobPrefix:         cfg.Store.JobPrefix,
		FingerprintPrefix: cfg.Store.FingerprintPrefix,
		TTL:               time.Duration(cfg.Store.JobTTLDays) * 24 * time.Hour,
	})
	app.userStore = store.NewUserStore(kv, cfg.Store.UserPrefix)

	if err := app.setupTasks(executor); err != nil {
		app.cleanup()
		return nil, err
	}

	if err := app.setupServices(); err != nil {
		app.cleanup()
		return nil, err
	}

	return app, nil
}

// setupTracing installs the OTLP tracer provider when tracing is enabled.
// The server keeps running without export if the exporter cannot be built.
func (app *application) setupTracing(ctx context.Context) {
	shutdown, err := tracing.Setup(ctx, app.config.Tracing, app.logger)
	if err != nil {
		app.logger.Warn("tracing init failed, continuing without tracing", "error", err)
		return
	}
	app.closers = append(app.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdown(ctx)
	})
}

// openKV connects the backend named by store.driver.
func (app *application) openKV(ctx context.Context) (store.KV, error) {
	kv, closeFn, err := backend.Open(ctx, app.config.Store, app.logger)
	if err != nil {
		return nil, err
	}
	app.closers = append(app.closers, closeFn)
	return kv, nil
}

func (app *application) setupTasks(executor task.Executor) error {
	cfg := app.config.Jobs
	m := metrics.New(app.registry)

	supervisor, err := task.NewSupervisor(executor, app.jobStore, task.SupervisorConfig{
		StatusWriteRetries: cfg.StatusWriteRetries,
		CleanupTempDir:     cfg.CleanupOnComplete,
	}, m, app.logger)
	if err != nil {
		return fmt.Errorf("failed to create supervisor: %w", err)
	}

	scheduler, err := task.NewScheduler(app.jobStore, supervisor, cfg.MaxConcurrentJobs, m, app.logger)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	runnerCfg := task.DefaultRunnerConfig()
	runnerCfg.DispatchInterval = time.Duration(cfg.DispatchIntervalSeconds) * time.Second
	runnerCfg.ReconcileOnStart = cfg.ReconcileOnStart

	app.supervisor = supervisor
	app.scheduler = scheduler
	app.runner = task.NewRunner(app.jobStore, scheduler, supervisor, runnerCfg, app.logger)

	app.emitter = events.NewInMemoryEventEmitter(app.logger)
	app.emitter.RegisterHandler(task.NewDispatchEventHandler(scheduler, app.logger))

	app.jobService, err = service.NewJobService(
		app.jobStore, scheduler, app.emitter, m, cfg, app.config.Files, app.logger)
	if err != nil {
		return fmt.Errorf("failed to create job service: %w", err)
	}
	return nil
}

func (app *application) setupServices() error {
	jwtService, err := auth.NewJWTService(app.config.Auth)
	if err != nil {
		return fmt.Errorf("failed to create jwt service: %w", err)
	}

	userService, err := service.NewUserService(
		app.userStore,
		auth.NewBcryptHasher(bcrypt.DefaultCost),
		jwtService,
		app.config.Auth.InvitationEmails,
		app.logger,
	)
	if err != nil {
		return fmt.Errorf("failed to create user service: %w", err)
	}

	app.jwtService = jwtService
	app.userService = userService
	return nil
}

// Run starts the scheduler and serves HTTP until ctx is canceled.
func (app *application) Run(ctx context.Context) error {
	if err := app.runner.Start(); err != nil {
		app.cleanup()
		return fmt.Errorf("failed to start task runner: %w", err)
	}

	return app.startHTTPServer(ctx, app.setupRouter())
}

// maxRequestBytes bounds a whole submission body: four uploads at the size
// limit plus form fields.
func (app *application) maxRequestBytes() int64 {
	return int64(app.config.Files.MaxFileSizeMB)*(1<<20)*4 + 1<<20
}

// cleanup stops running jobs and closes backend connections.
func (app *application) cleanup() {
	if app.runner != nil {
		app.logger.Info("stopping task runner")
		app.runner.Stop()
		app.runner = nil
	}

	for i := len(app.closers) - 1; i >= 0; i-- {
		if err := app.closers[i](); err != nil {
			app.logger.Error("failed to release resource", "error", err)
		}
	}
	app.closers = nil
}
