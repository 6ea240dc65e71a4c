package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dukex/stateflow/pkg/cmd"
	"github.com/dukex/stateflow/pkg/flow"
	"github.com/dukex/stateflow/pkg/graph"
	"github.com/dukex/stateflow/pkg/log"
	"github.com/dukex/stateflow/pkg/otelhelper"
	"github.com/urfave/cli/v3"
)

const defaultPort = 9091

func RunCommand() *cli.Command {
	return &cli.Command{
		Name:    "run",
		Aliases: []string{"r"},
		Usage:   "Start the API, the event subscribers and the scheduler",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Persistence URL (postgres://... or a directory for file storage)",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (kafka, gochannel)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringSliceFlag{
				Name:    "kafka-brokers",
				Usage:   "Kafka brokers, used when the event bus is kafka",
				Sources: cli.EnvVars("KAFKA_BROKERS"),
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Usage:   "Redis URL for the shared version cache (optional)",
				Sources: cli.EnvVars("REDIS_URL"),
			},
			&cli.IntFlag{
				Name:    "max-chain-depth",
				Usage:   "Maximum automatic transitions chained by one call",
				Value:   flow.DefaultMaxChainDepth,
				Sources: cli.EnvVars("MAX_CHAIN_DEPTH"),
			},
			&cli.IntFlag{
				Name:    "max-commit-retries",
				Usage:   "Maximum re-evaluations after a concurrent update",
				Value:   flow.DefaultMaxCommitRetries,
				Sources: cli.EnvVars("MAX_COMMIT_RETRIES"),
			},
			&cli.StringFlag{
				Name:    "loop-policy",
				Usage:   "Cycles that block publishing (reject_all_cycles, allow_human_closable)",
				Value:   string(graph.DefaultPolicy),
				Sources: cli.EnvVars("LOOP_POLICY"),
			},
			&cli.StringFlag{
				Name:    "relations-file",
				Usage:   "JSON file of business object relations used by related state guards",
				Sources: cli.EnvVars("RELATIONS_FILE"),
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Export traces over OTLP/HTTP",
				Sources: cli.EnvVars("OTEL_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "Log format (text, json)",
				Value:   "text",
				Sources: cli.EnvVars("LOG_FORMAT"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"), command.String("log-format"))

			logger := log.WithModule("stateflow")

			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			config, err := flowConfig(command)
			if err != nil {
				return err
			}

			serverConfig := ServerConfig{Flow: config}

			if command.Bool("tracing") {
				tracer, shutdown, err := otelhelper.NewTracer(ctx, "stateflow")
				if err != nil {
					return fmt.Errorf("failed to initialize tracer: %w", err)
				}
				defer func() {
					if err := shutdown(context.WithoutCancel(ctx)); err != nil {
						logger.ErrorContext(ctx, "Failed to shutdown tracer provider", "error", err)
					}
				}()

				serverConfig.Tracer = tracer
			}

			if path := command.String("relations-file"); path != "" {
				relations, err := loadRelations(path)
				if err != nil {
					return err
				}

				serverConfig.Relations = relations
			}

			logger.InfoContext(ctx, "Initializing stateflow",
				"max_chain_depth", config.MaxChainDepth, "loop_policy", config.LoopPolicy)

			persistence, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
			if err != nil {
				return err
			}
			defer func() {
				if err := persistence.Close(context.WithoutCancel(ctx)); err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			eventBus, err := cmd.NewEventBus(command.String("event-bus"), command.StringSlice("kafka-brokers"), logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := eventBus.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			versions, closeCache, err := cmd.NewVersionCache(ctx, command.String("redis-url"), persistence.VersionRepository(), logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := closeCache(); err != nil {
					logger.ErrorContext(ctx, "Failed to close version cache", "error", err)
				}
			}()

			serverConfig.Versions = versions

			return NewServer(logger, persistence, eventBus, serverConfig).Start(ctx, command.Int("port"))
		},
	}
}

func flowConfig(command *cli.Command) (flow.Config, error) {
	policy, err := graph.ParsePolicy(command.String("loop-policy"))
	if err != nil {
		return flow.Config{}, err
	}

	config := flow.Config{
		MaxChainDepth:    command.Int("max-chain-depth"),
		MaxCommitRetries: command.Int("max-commit-retries"),
		LoopPolicy:       policy,
	}

	err = config.Validate()
	if err != nil {
		return flow.Config{}, fmt.Errorf("invalid flow configuration: %w", err)
	}

	return config, nil
}

// loadRelations reads {"<business object>": {"<tag>": ["<related object>", ...]}}.
func loadRelations(path string) (*flow.StaticRelations, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read relations file: %w", err)
	}

	var links map[string]map[string][]string

	err = json.Unmarshal(raw, &links)
	if err != nil {
		return nil, fmt.Errorf("failed to parse relations file: %w", err)
	}

	relations := flow.NewStaticRelations()

	for businessObjectID, byTag := range links {
		for tag, related := range byTag {
			relations.Link(businessObjectID, tag, related...)
		}
	}

	return relations, nil
}
