package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/stateflow/pkg/eventbus"
	"github.com/dukex/stateflow/pkg/events"
	"github.com/dukex/stateflow/pkg/graph"
	"github.com/dukex/stateflow/pkg/models"
	"github.com/dukex/stateflow/pkg/otelhelper"
	"github.com/dukex/stateflow/pkg/persistence"
	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Invalidator drops cached copies of a model version.
type Invalidator interface {
	Invalidate(ctx context.Context, id string)
}

// PublishResult describes an activation.
type PublishResult struct {
	Version  *models.ModelVersion `json:"version"`
	Previous *models.ModelVersion `json:"previous,omitempty"`
	Report   *graph.Report        `json:"report"`
}

// Publisher validates model versions and swaps the enabled version of their scope.
type Publisher struct {
	persistence persistence.Persistence
	validate    *validator.Validate
	events      eventbus.EventPublisher
	cache       Invalidator
	config      Config
	logger      *slog.Logger
	tracer      trace.Tracer
	now         func() time.Time
}

type PublisherOption func(*Publisher)

// WithEvents publishes version lifecycle events on the bus.
func WithEvents(publisher eventbus.EventPublisher) PublisherOption {
	return func(p *Publisher) {
		p.events = publisher
	}
}

func WithInvalidator(cache Invalidator) PublisherOption {
	return func(p *Publisher) {
		p.cache = cache
	}
}

func NewPublisher(p persistence.Persistence, validate *validator.Validate, config Config, logger *slog.Logger, opts ...PublisherOption) *Publisher {
	publisher := &Publisher{
		persistence: p,
		validate:    validate,
		config:      config,
		logger:      logger.With("module", "flow_publisher"),
		tracer:      otelhelper.DefaultTracer(),
		now:         time.Now,
	}

	for _, opt := range opts {
		opt(publisher)
	}

	return publisher
}

// Analyze checks a version against its states without touching any store.
// Structural problems and blocking cycles are returned as *PublishError; the
// report is returned whenever the graphs could be built.
func Analyze(validate *validator.Validate, version *models.ModelVersion, states map[string]*models.State, policy graph.Policy) (*graph.Report, error) {
	err := validate.Struct(version)
	if err != nil {
		return nil, &PublishError{VersionID: version.ID, Err: err}
	}

	var errs []error

	if !version.HasState(version.InitStateID) {
		errs = append(errs, fmt.Errorf("init state %q is not declared", version.InitStateID))
	}

	for _, id := range version.States {
		state, ok := states[id]
		if !ok {
			errs = append(errs, fmt.Errorf("state %q does not exist", id))

			continue
		}

		if state.HasVarsSchema() {
			_, err := CompileSchema(state)
			if err != nil {
				errs = append(errs, fmt.Errorf("state %q has an invalid variable schema: %w", id, err))
			}
		}
	}

	for _, transition := range version.Transitions {
		if transition.Action != models.ActionTimer {
			continue
		}

		_, err := cron.ParseStandard(transition.Timer)
		if err != nil {
			errs = append(errs, fmt.Errorf("transition %s has an invalid timer %q: %w", transition.ID, transition.Timer, err))
		}
	}

	graphs, err := graph.ForVersion(version)
	if err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return nil, &PublishError{VersionID: version.ID, Err: errors.Join(errs...)}
	}

	report := graph.Check(graphs, version.InitStateID, version.States)

	blocking := report.Blocking(policy)
	if len(blocking) > 0 {
		return report, &PublishError{VersionID: version.ID, Findings: blocking}
	}

	return report, nil
}

// Publish validates the version and makes it the enabled version of its scope.
// An empty policy selects the configured one.
func (p *Publisher) Publish(ctx context.Context, versionID string, actor models.Actor, policy graph.Policy) (*PublishResult, error) {
	ctx, span := otelhelper.StartSpan(ctx, p.tracer, "flow.publish",
		attribute.String(otelhelper.ModelVersionIDKey, versionID),
		attribute.String(otelhelper.ActorIDKey, actor.ID),
	)
	defer span.End()

	if policy == "" {
		policy = p.config.LoopPolicy
	}

	repo := p.persistence.VersionRepository()

	version, err := repo.VersionByID(ctx, versionID)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	states, err := p.states(ctx, version)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	report, err := Analyze(p.validate, version, states, policy)
	if err != nil {
		p.logger.InfoContext(ctx, "model version rejected", "version_id", versionID, "policy", policy, "error", err)
		otelhelper.SetError(span, err)

		return nil, err
	}

	for _, dead := range report.DeadStates {
		p.logger.WarnContext(ctx, "state is unreachable from the init state", "version_id", versionID, "state_id", dead)
	}

	previous, err := repo.EnableVersion(ctx, versionID, actor.ID, p.now())
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	p.invalidate(ctx, versionID)

	previousID := ""
	if previous != nil {
		previousID = previous.ID
		p.invalidate(ctx, previous.ID)
	}

	enabled, err := repo.VersionByID(ctx, versionID)
	if err != nil {
		return nil, err
	}

	p.publish(ctx, versionID, events.ModelVersionEnabled{
		BaseEvent:  events.NewBaseEvent(events.ModelVersionEnabledEvent),
		VersionID:  enabled.ID,
		ModelID:    enabled.ModelID,
		Tag:        enabled.Tag,
		OwnPaths:   enabled.OwnPaths,
		PreviousID: previousID,
	})

	p.logger.InfoContext(ctx, "model version enabled", "version_id", versionID, "previous_id", previousID, "actor_id", actor.ID)

	return &PublishResult{Version: enabled, Previous: previous, Report: report}, nil
}

// Disable switches a version off. Its instances stop moving until another
// activation of the same version.
func (p *Publisher) Disable(ctx context.Context, versionID string, actor models.Actor) (*models.ModelVersion, error) {
	repo := p.persistence.VersionRepository()

	err := repo.DisableVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}

	p.invalidate(ctx, versionID)

	version, err := repo.VersionByID(ctx, versionID)
	if err != nil {
		return nil, err
	}

	p.publish(ctx, versionID, events.ModelVersionDisabled{
		BaseEvent: events.NewBaseEvent(events.ModelVersionDisabledEvent),
		VersionID: version.ID,
		ModelID:   version.ModelID,
	})

	p.logger.InfoContext(ctx, "model version disabled", "version_id", versionID, "actor_id", actor.ID)

	return version, nil
}

func (p *Publisher) states(ctx context.Context, version *models.ModelVersion) (map[string]*models.State, error) {
	states := make(map[string]*models.State, len(version.States))

	for _, id := range version.States {
		state, err := p.persistence.StateRepository().StateByID(ctx, id)
		if err != nil {
			if errors.Is(err, persistence.ErrStateNotFound) {
				continue
			}

			return nil, fmt.Errorf("failed to load state %s: %w", id, err)
		}

		states[id] = state
	}

	return states, nil
}

func (p *Publisher) invalidate(ctx context.Context, versionID string) {
	if p.cache != nil {
		p.cache.Invalidate(ctx, versionID)
	}
}

func (p *Publisher) publish(ctx context.Context, key string, event eventbus.Event) {
	if p.events == nil {
		return
	}

	err := p.events.Publish(ctx, key, event)
	if err != nil {
		p.logger.ErrorContext(ctx, "failed to publish version event", "version_id", key, "event_type", event.GetType(), "error", err)
	}
}
