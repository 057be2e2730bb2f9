// Package bootstrap wires the adapters, guards and services into one
// runnable server.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"

	apihttp "assistant_server/adapter/in/http"
	"assistant_server/adapter/in/telegram"
	"assistant_server/adapter/in/worker"
	"assistant_server/adapter/out/llm"
	"assistant_server/adapter/out/notify"
	"assistant_server/adapter/out/provider"
	"assistant_server/adapter/out/store"
	"assistant_server/adapter/out/workflow"
	"assistant_server/config"
	"assistant_server/core/port/out"
	"assistant_server/core/service/classification"
	"assistant_server/core/service/guard"
	"assistant_server/core/service/ingest"
	"assistant_server/core/service/phase"
	"assistant_server/infra/middleware"
	"assistant_server/pkg/logger"
	"assistant_server/pkg/ratelimit"
)

// Server owns the wired components and their lifecycle.
type Server struct {
	cfg *config.Config
	log zerolog.Logger

	kv       out.KVStore
	crash    *guard.CrashLoopGuard
	pool     *worker.Pool
	listener *telegram.Listener
	app      *fiber.App
}

// New wires everything from config.
func New(cfg *config.Config) (*Server, error) {
	log := logger.With("bootstrap")

	kv, err := newStore(cfg, log)
	if err != nil {
		return nil, err
	}

	// One shared bot client for the listener, the replier and the
	// operator notifier.
	var api *tgbotapi.BotAPI
	if cfg.TelegramBotToken != "" {
		api, err = tgbotapi.NewBotAPI(cfg.TelegramBotToken)
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
	}

	var notifier out.OperatorNotifier = notify.NoopNotifier{}
	if api != nil && cfg.TelegramOperatorChat != 0 {
		notifier = notify.NewTelegramNotifierWithAPI(api, cfg.TelegramOperatorChat, logger.With("notifier"))
	} else {
		log.Warn().Msg("no operator chat configured, alerts go to the log only")
	}

	dedup := guard.NewDedupCache(kv, cfg.DedupTTL, logger.With("dedup"))
	crash := guard.NewCrashLoopGuard(kv, notifier, cfg.CrashLoopThreshold, cfg.CrashLoopWindow, logger.With("crashloop"))
	budget := guard.NewBudgetGuard(kv, notifier, guard.BudgetConfig{
		GlobalDaily:    cfg.BudgetGlobalDaily,
		GlobalHourly:   cfg.BudgetGlobalHourly,
		PerCallerDaily: cfg.BudgetPerCallerDaily,
		WarnFraction:   cfg.BudgetWarnFraction,
	}, logger.With("budget"))

	backends := make([]out.ClassifierBackend, 0, len(cfg.Backends))
	for _, b := range cfg.Backends {
		backends = append(backends, llm.NewOpenAIBackend(llm.Config{
			Name:    b.Name,
			APIKey:  b.APIKey,
			BaseURL: b.BaseURL,
			Model:   b.Model,
			Timeout: b.Timeout,
		}, logger.With("llm")))
	}
	if len(backends) == 0 {
		log.Warn().Msg("no classification backends configured, heuristic only")
	}

	cache := classification.NewResultCache(kv, cfg.ClassCacheTTL, cfg.ClassCacheMinConfidence, logger.With("class_cache"))
	ensemble := classification.NewEnsemble(backends, cache, budget, classification.EnsembleConfig{
		OverrideRules: classification.ParseOverrideRules(cfg.KeywordOverrides),
	}, logger.With("ensemble"))

	calendar := provider.NewStoreCalendar(kv)
	contacts := provider.NewStoreContacts(kv)
	orchestrator := phase.NewOrchestrator(phase.BuildPhases(phase.Deps{
		Calendar: calendar,
		Contacts: contacts,
	}), logger.With("phases"))

	var replier workflow.Replier
	if api != nil {
		replier = workflow.NewTelegramReplier(api)
	} else {
		replier = workflow.NewLogReplier(logger.With("replier"))
	}
	wf := workflow.NewReplyWorkflow(calendar, contacts, kv, replier, logger.With("workflow"))

	pipeline := ingest.NewPipeline(dedup, crash, ensemble, orchestrator, wf, cfg.MinActionConfidence, logger.With("pipeline")).
		WithSenderLimiter(ratelimit.NewSenderLimiter(kv, cfg.SenderRatePerMin, time.Minute, logger.With("ratelimit")))

	pool := worker.NewPool(pipeline, &worker.PoolConfig{
		MaxWorkers:     cfg.WorkerMax,
		WorkerChanSize: cfg.WorkerQueueSize,
		BatchSize:      1,
		JobTimeout:     90 * time.Second,
	}, logger.With("pool"))

	var listener *telegram.Listener
	if api != nil {
		listener = telegram.NewListenerWithAPI(api, telegram.Config{
			Token:           cfg.TelegramBotToken,
			DefaultTimezone: cfg.DefaultTimezone,
		}, pool, logger.With("listener"))
	}

	app := newFiberApp(cfg)
	apihttp.NewOpsHandler(kv, budget, crash, pool, logger.With("ops")).Register(app)

	return &Server{
		cfg:      cfg,
		log:      log,
		kv:       kv,
		crash:    crash,
		pool:     pool,
		listener: listener,
		app:      app,
	}, nil
}

func newStore(cfg *config.Config, log zerolog.Logger) (out.KVStore, error) {
	if cfg.RedisURL == "" {
		log.Warn().Msg("REDIS_URL not set, using in-process store (single instance only)")
		return store.NewMemoryStore(), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return store.NewRedisStore(ctx, cfg.RedisURL)
}

func newFiberApp(cfg *config.Config) *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler:          middleware.ErrorHandler(),
		DisableStartupMessage: cfg.IsProduction(),
		ReadBufferSize:        16384,
		WriteBufferSize:       16384,
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		BodyLimit:             1 * 1024 * 1024,
	})

	app.Use(recover.New())
	app.Use(apihttp.RequestID())
	app.Use(apihttp.AccessLog(logger.With("ops_http")))
	return app
}

// Start brings the server up and blocks until the context is cancelled.
// A tripped crash-loop guard parks the process instead of exiting, so the
// supervisor's restart policy never fights the guard.
func (s *Server) Start(ctx context.Context) error {
	if !s.crash.OnStartup(ctx) {
		s.log.Error().Msg("crash loop detected, waiting out the window")
		s.crash.WaitPassive(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.log.Info().Msg("crash-loop window cleared, resuming startup")
	}

	if err := s.pool.Start(); err != nil {
		return fmt.Errorf("worker pool: %w", err)
	}

	errs := make(chan error, 2)

	go func() {
		if err := s.app.Listen(":" + s.cfg.Port); err != nil {
			errs <- fmt.Errorf("ops http: %w", err)
		}
	}()

	if s.listener != nil {
		go func() {
			if err := s.listener.Start(ctx); err != nil && ctx.Err() == nil {
				errs <- fmt.Errorf("telegram listener: %w", err)
			}
		}()
	} else {
		s.log.Warn().Msg("no telegram token configured, transport disabled")
	}

	// Only a confirmed transport handshake counts as a clean start. A
	// process that comes up but cannot reach its transport keeps its
	// restart counter, so a broken deploy still trips the guard.
	var handshake func(context.Context) error
	if s.listener != nil {
		handshake = s.listener.Handshake
	}
	confirmStartup(ctx, s.crash, handshake, s.log)

	s.log.Info().
		Str("port", s.cfg.Port).
		Str("instance", s.cfg.InstanceID).
		Msg("assistant server started")

	select {
	case <-ctx.Done():
		return nil
	case err := <-errs:
		return err
	}
}

// confirmStartup clears the restart counter once the start is known good.
// A nil handshake means no transport is configured, so coming up at all is
// the whole handshake.
func confirmStartup(ctx context.Context, crash *guard.CrashLoopGuard, handshake func(context.Context) error, log zerolog.Logger) bool {
	if handshake != nil {
		if err := handshake(ctx); err != nil {
			log.Error().Err(err).Msg("startup handshake failed, restart counter kept")
			return false
		}
	}
	crash.MarkHealthy(ctx)
	return true
}

// Stop shuts the components down in reverse order of startup.
func (s *Server) Stop() {
	if s.listener != nil {
		<-s.listener.Done()
	}
	if err := s.app.Shutdown(); err != nil {
		s.log.Warn().Err(err).Msg("ops http shutdown failed")
	}
	s.pool.Stop()
	if err := s.kv.Close(); err != nil {
		s.log.Warn().Err(err).Msg("store close failed")
	}
	s.log.Info().Msg("assistant server stopped")
}
