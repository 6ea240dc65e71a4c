package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/dukex/stateflow/pkg/cache"
	"github.com/dukex/stateflow/pkg/eventbus"
	"github.com/dukex/stateflow/pkg/flow"
	"github.com/dukex/stateflow/pkg/persistence"
	"github.com/dukex/stateflow/pkg/scheduler"
	"github.com/dukex/stateflow/pkg/services"
	"github.com/dukex/stateflow/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"
	"go.opentelemetry.io/otel/trace"
)

const shutdownTimeout = 10 * time.Second

// Server runs the HTTP API together with the event subscribers and the timer scheduler.
type Server struct {
	logger      *slog.Logger
	persistence persistence.Persistence
	eventBus    eventbus.EventBus
	validate    *validator.Validate

	engine     *flow.Engine
	publisher  *flow.Publisher
	scheduler  *scheduler.Scheduler
	versions   *cache.VersionCache
	postChange *flow.PostChangeHandler
}

type ServerConfig struct {
	Flow      flow.Config
	Relations flow.RelationSource
	Versions  *cache.VersionCache
	Tracer    trace.Tracer
}

func NewServer(
	logger *slog.Logger,
	persistence persistence.Persistence,
	eventBus eventbus.EventBus,
	config ServerConfig,
) *Server {
	validate := validator.New(validator.WithRequiredStructEnabled())

	relations := config.Relations
	if relations == nil {
		relations = flow.NewStaticRelations()
	}

	versions := config.Versions
	if versions == nil {
		versions = cache.NewVersionCache(persistence.VersionRepository(), logger)
	}

	related := flow.NewInstanceRelatedFetcher(relations, persistence.InstanceRepository())
	evaluator := flow.NewEvaluator(flow.GuardPermission{}, related, persistence.StateRepository())
	dispatcher := flow.NewDispatcher(flow.NewEventBusNotifier(eventBus), logger)

	opts := []flow.Option{flow.WithConfig(config.Flow), flow.WithVersionSource(versions)}
	if config.Tracer != nil {
		opts = append(opts, flow.WithTracer(config.Tracer))
	}

	engine := flow.NewEngine(persistence, evaluator, dispatcher, logger, opts...)
	publisher := flow.NewPublisher(persistence, validate, config.Flow, logger,
		flow.WithEvents(eventBus),
		flow.WithInvalidator(versions),
	)

	return &Server{
		logger:      logger,
		persistence: persistence,
		eventBus:    eventBus,
		validate:    validate,
		engine:      engine,
		publisher:   publisher,
		scheduler:   scheduler.New(engine, persistence.VersionRepository(), persistence.InstanceRepository(), logger),
		versions:    versions,
		postChange:  flow.NewPostChangeHandler(engine, related, persistence.InstanceRepository(), logger),
	}
}

func (s *Server) App() *fiber.App {
	handlers := web.NewAPIHandlers(
		services.NewDefinitions(s.persistence, s.validate),
		s.engine,
		s.publisher,
		s.validate,
	)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("stateflow API")
	})

	handlers.Register(app)

	return app
}

// Subscribe registers every event handler and starts consuming the bus.
func (s *Server) Subscribe(ctx context.Context) error {
	err := s.postChange.Register(s.eventBus)
	if err != nil {
		return fmt.Errorf("failed to register post change handler: %w", err)
	}

	err = s.versions.RegisterHandlers(s.eventBus)
	if err != nil {
		return fmt.Errorf("failed to register cache handlers: %w", err)
	}

	err = s.scheduler.RegisterHandlers(s.eventBus)
	if err != nil {
		return fmt.Errorf("failed to register scheduler handlers: %w", err)
	}

	return s.eventBus.Subscribe(ctx)
}

// Start blocks serving port until ctx is done, then shuts everything down.
func (s *Server) Start(ctx context.Context, port int) error {
	err := s.Subscribe(ctx)
	if err != nil {
		return err
	}

	err = s.scheduler.Start(ctx)
	if err != nil {
		return err
	}

	app := s.App()
	listenErr := make(chan error, 1)

	go func() {
		listenErr <- app.Listen(":"+strconv.Itoa(port), fiber.ListenConfig{DisableStartupMessage: true})
	}()

	s.logger.InfoContext(ctx, "stateflow started", "port", port)

	select {
	case err = <-listenErr:
	case <-ctx.Done():
		s.logger.InfoContext(ctx, "shutting down gracefully")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	return errors.Join(
		err,
		app.ShutdownWithContext(shutdownCtx),
		s.scheduler.Stop(shutdownCtx),
	)
}
