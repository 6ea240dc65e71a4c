// Package scheduler fires timer transitions of serving model versions on their cron specs.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dukex/stateflow/pkg/eventbus"
	"github.com/dukex/stateflow/pkg/events"
	"github.com/dukex/stateflow/pkg/flow"
	"github.com/dukex/stateflow/pkg/models"
	"github.com/dukex/stateflow/pkg/persistence"
	"github.com/robfig/cron/v3"
)

// TransitionApplier is the part of the engine the scheduler drives.
type TransitionApplier interface {
	ApplyTransition(ctx context.Context, req flow.TransitionRequest, actor models.Actor) (*flow.TransitionResult, error)
}

type Scheduler struct {
	engine    TransitionApplier
	versions  persistence.VersionRepository
	instances persistence.InstanceRepository
	logger    *slog.Logger
	cron      *cron.Cron

	mutex sync.Mutex
	jobs  map[string][]cron.EntryID // version id -> timer entries
	ctx   context.Context
	stop  context.CancelFunc
}

func New(engine TransitionApplier, versions persistence.VersionRepository, instances persistence.InstanceRepository, logger *slog.Logger) *Scheduler {
	logger = logger.With("module", "scheduler")
	cronLogger := NewCronLogger(logger)

	return &Scheduler{
		engine:    engine,
		versions:  versions,
		instances: instances,
		logger:    logger,
		cron: cron.New(
			cron.WithLogger(cronLogger),
			cron.WithChain(
				cron.SkipIfStillRunning(cronLogger),
				cron.Recover(cronLogger),
			),
		),
		jobs: make(map[string][]cron.EntryID),
		ctx:  context.Background(),
	}
}

// NewCronLogger routes the cron runtime's own messages through logger. Routine
// messages are logged at debug level.
func NewCronLogger(logger *slog.Logger) cron.Logger {
	return cronLogger{logger: logger}
}

type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}

// Start schedules the timers of every serving version and starts the cron loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mutex.Lock()
	s.ctx, s.stop = context.WithCancel(ctx)
	s.mutex.Unlock()

	versions, err := s.versions.ServingVersions(ctx)
	if err != nil {
		return fmt.Errorf("failed to load serving versions: %w", err)
	}

	for _, version := range versions {
		err = s.Register(version)
		if err != nil {
			return err
		}
	}

	s.cron.Start()
	s.logger.InfoContext(ctx, "scheduler started", "versions", len(versions), "entries", len(s.cron.Entries()))

	return nil
}

// Stop halts the cron loop and waits for running jobs.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mutex.Lock()
	if s.stop != nil {
		s.stop()
	}
	s.mutex.Unlock()

	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
		return ctx.Err()
	}

	s.logger.InfoContext(ctx, "scheduler stopped")

	return nil
}

// Register replaces the timer entries of a version. Versions that no longer
// serve instances end up with none.
func (s *Scheduler) Register(version *models.ModelVersion) error {
	s.Unregister(version.ID)

	if !version.Serving() {
		return nil
	}

	entries := make([]cron.EntryID, 0)

	for _, transition := range version.Transitions {
		if transition.Action != models.ActionTimer {
			continue
		}

		versionID, transitionID, stateID := version.ID, transition.ID, transition.FromStateID

		entryID, err := s.cron.AddFunc(transition.Timer, func() {
			s.Fire(s.context(), versionID, transitionID, stateID)
		})
		if err != nil {
			for _, id := range entries {
				s.cron.Remove(id)
			}

			return fmt.Errorf("failed to schedule transition %s of version %s: %w", transitionID, versionID, err)
		}

		entries = append(entries, entryID)
	}

	if len(entries) == 0 {
		return nil
	}

	s.mutex.Lock()
	s.jobs[version.ID] = entries
	s.mutex.Unlock()

	s.logger.Info("timer transitions scheduled", "version_id", version.ID, "entries", len(entries))

	return nil
}

func (s *Scheduler) Unregister(versionID string) {
	s.mutex.Lock()
	entries := s.jobs[versionID]
	delete(s.jobs, versionID)
	s.mutex.Unlock()

	for _, id := range entries {
		s.cron.Remove(id)
	}
}

// Scheduled returns the number of timer entries of a version.
func (s *Scheduler) Scheduled(versionID string) int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return len(s.jobs[versionID])
}

// Fire applies a timer transition to every unfinished instance of the version
// sitting in its source state. It returns how many instances moved.
func (s *Scheduler) Fire(ctx context.Context, versionID, transitionID, stateID string) int {
	logger := s.logger.With("version_id", versionID, "transition_id", transitionID)

	instances, err := s.instances.InstancesInState(ctx, versionID, stateID)
	if err != nil {
		logger.ErrorContext(ctx, "failed to list instances for timer", "error", err)

		return 0
	}

	moved := 0

	for _, instance := range instances {
		if ctx.Err() != nil {
			break
		}

		_, err := s.engine.ApplyTransition(ctx, flow.TransitionRequest{
			InstanceID:   instance.ID,
			TransitionID: transitionID,
			Message:      "timer",
		}, models.SystemActor())
		if err != nil {
			switch flow.KindOf(err) {
			case flow.KindWrongSourceState, flow.KindInstanceFinished, flow.KindGuardRejected:
				logger.DebugContext(ctx, "timer transition skipped", "instance_id", instance.ID, "error", err)
			default:
				logger.WarnContext(ctx, "timer transition failed", "instance_id", instance.ID, "error", err)
			}

			continue
		}

		moved++
	}

	logger.DebugContext(ctx, "timer fired", "candidates", len(instances), "moved", moved)

	return moved
}

// RegisterHandlers keeps the schedule in sync with version activations.
func (s *Scheduler) RegisterHandlers(subscriber eventbus.EventSubscriber) error {
	return errors.Join(
		subscriber.Handle(events.ModelVersionEnabledEvent, s.handleEnabled),
		subscriber.Handle(events.ModelVersionDisabledEvent, s.handleDisabled),
	)
}

func (s *Scheduler) handleEnabled(ctx context.Context, event any) error {
	enabled, ok := event.(*events.ModelVersionEnabled)
	if !ok {
		return fmt.Errorf("unexpected event %T", event)
	}

	return s.reload(ctx, enabled.VersionID)
}

func (s *Scheduler) handleDisabled(ctx context.Context, event any) error {
	disabled, ok := event.(*events.ModelVersionDisabled)
	if !ok {
		return fmt.Errorf("unexpected event %T", event)
	}

	return s.reload(ctx, disabled.VersionID)
}

func (s *Scheduler) reload(ctx context.Context, versionID string) error {
	version, err := s.versions.VersionByID(ctx, versionID)
	if err != nil {
		if errors.Is(err, persistence.ErrVersionNotFound) {
			s.Unregister(versionID)

			return nil
		}

		return err
	}

	return s.Register(version)
}

func (s *Scheduler) context() context.Context {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.ctx
}
