// Package flow runs flow instances through the states of their bound model version.
//
// The engine applies transitions optimistically: it loads and evaluates without
// holding any lock, then takes a per-instance lock only to commit through the
// repository's compare-and-swap. A lost swap is re-evaluated a bounded number of
// times. Automatic transitions reachable from the new state are chained through a
// local work queue bounded by Config.MaxChainDepth.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/dukex/stateflow/pkg/graph"
	"github.com/dukex/stateflow/pkg/models"
	"github.com/dukex/stateflow/pkg/otelhelper"
	"github.com/dukex/stateflow/pkg/persistence"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// StartRequest places a business object into the enabled flow of its tag.
type StartRequest struct {
	BusinessObjectID string         `json:"business_object_id" validate:"required"`
	Tag              string         `json:"tag"                validate:"required"`
	OwnPaths         string         `json:"own_paths"`
	ModelID          string         `json:"model_id,omitempty"`
	Vars             map[string]any `json:"vars,omitempty"`
}

// TransitionRequest asks to fire one transition of an instance.
type TransitionRequest struct {
	InstanceID   string         `json:"instance_id"   validate:"required"`
	TransitionID string         `json:"transition_id" validate:"required"`
	Vars         map[string]any `json:"vars,omitempty"`
	Message      string         `json:"message,omitempty"`
}

// TransitionResult is the instance after a call and every transition it committed, in order.
type TransitionResult struct {
	Instance       *models.Instance `json:"instance"`
	Applied        []string         `json:"applied"`
	ChainTruncated bool             `json:"chain_truncated,omitempty"`
}

type Engine struct {
	persistence persistence.Persistence
	versions    VersionSource
	evaluator   *Evaluator
	dispatcher  *Dispatcher
	config      Config
	logger      *slog.Logger
	tracer      trace.Tracer
	now         func() time.Time

	locks  *keyedMutex
	graphs sync.Map // version id -> *graph.Graphs
}

type Option func(*Engine)

func WithConfig(config Config) Option {
	return func(e *Engine) {
		e.config = config
	}
}

// WithVersionSource replaces direct repository reads of bound versions, typically with a cache.
func WithVersionSource(versions VersionSource) Option {
	return func(e *Engine) {
		e.versions = versions
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) {
		e.tracer = tracer
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

func NewEngine(p persistence.Persistence, evaluator *Evaluator, dispatcher *Dispatcher, logger *slog.Logger, opts ...Option) *Engine {
	engine := &Engine{
		persistence: p,
		versions:    repositoryVersions{repo: p.VersionRepository()},
		evaluator:   evaluator,
		dispatcher:  dispatcher,
		config:      DefaultConfig(),
		logger:      logger.With("module", "flow_engine"),
		tracer:      otelhelper.DefaultTracer(),
		now:         time.Now,
		locks:       newKeyedMutex(),
	}

	for _, opt := range opts {
		opt(engine)
	}

	return engine
}

type repositoryVersions struct {
	repo persistence.VersionRepository
}

func (r repositoryVersions) Version(ctx context.Context, id string) (*models.ModelVersion, error) {
	return r.repo.VersionByID(ctx, id)
}

// Start creates the instance of a business object at the init state of the
// version enabled for its tag, falling back to the closest enabled parent own path.
func (e *Engine) Start(ctx context.Context, req StartRequest, actor models.Actor) (*TransitionResult, error) {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "flow.start",
		attribute.String(otelhelper.BusinessObjectKey, req.BusinessObjectID),
		attribute.String(otelhelper.ActorIDKey, actor.ID),
	)
	defer span.End()

	version, err := e.resolveVersion(ctx, req)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	instance := &models.Instance{
		BusinessObjectID: req.BusinessObjectID,
		Tag:              req.Tag,
		OwnPaths:         req.OwnPaths,
		ModelVersionID:   version.ID,
		CurrentStateID:   version.InitStateID,
		Vars:             maps.Clone(req.Vars),
		CreatedBy:        actor.ID,
		CreatedAt:        e.now().UTC(),
	}

	err = e.persistence.InstanceRepository().CreateInstance(ctx, instance)
	if err != nil {
		if errors.Is(err, persistence.ErrInstanceExists) {
			err = &Error{Kind: KindInstanceExists, Reason: fmt.Sprintf("%s %s already has an instance", req.Tag, req.BusinessObjectID), Err: err}
		}

		otelhelper.SetError(span, err)

		return nil, err
	}

	e.logger.InfoContext(ctx, "instance started",
		"instance_id", instance.ID, "business_object_id", instance.BusinessObjectID, "model_version_id", version.ID)

	e.dispatcher.FrontChanged(ctx, instance)

	result := &TransitionResult{Instance: instance, Applied: []string{}}
	e.chain(ctx, result)

	otelhelper.SetOK(span, attribute.String(otelhelper.InstanceIDKey, instance.ID))

	return result, nil
}

func (e *Engine) resolveVersion(ctx context.Context, req StartRequest) (*models.ModelVersion, error) {
	repo := e.persistence.VersionRepository()

	for _, ownPaths := range models.OwnPathAncestors(req.OwnPaths) {
		version, err := repo.EnabledVersion(ctx, models.Scope{ModelID: req.ModelID, Tag: req.Tag, OwnPaths: ownPaths})
		if err == nil {
			return version, nil
		}

		if !errors.Is(err, persistence.ErrNoEnabledVersion) {
			return nil, fmt.Errorf("failed to resolve enabled version: %w", err)
		}
	}

	return nil, &Error{Kind: KindVersionNotEnabled, Reason: fmt.Sprintf("no enabled version for tag %q under %q", req.Tag, req.OwnPaths)}
}

// ApplyTransition fires one transition, then chains the automatic transitions
// that become possible. Errors of the chain only stop the chain; the requested
// transition stays committed.
func (e *Engine) ApplyTransition(ctx context.Context, req TransitionRequest, actor models.Actor) (*TransitionResult, error) {
	ctx, span := otelhelper.StartSpan(ctx, e.tracer, "flow.apply_transition",
		attribute.String(otelhelper.InstanceIDKey, req.InstanceID),
		attribute.String(otelhelper.TransitionIDKey, req.TransitionID),
		attribute.String(otelhelper.ActorIDKey, actor.ID),
	)
	defer span.End()

	instance, transition, err := e.commitTransition(ctx, req, actor)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	e.dispatcher.Transitioned(ctx, instance, transition, actor.ID)

	result := &TransitionResult{Instance: instance, Applied: []string{req.TransitionID}}
	e.chain(ctx, result)

	otelhelper.SetOK(span,
		attribute.String(otelhelper.StateIDKey, result.Instance.CurrentStateID),
		attribute.Int(otelhelper.ChainDepthKey, len(result.Applied)-1),
	)

	return result, nil
}

// commitTransition evaluates and commits a single transition, re-evaluating
// after each lost compare-and-swap.
func (e *Engine) commitTransition(ctx context.Context, req TransitionRequest, actor models.Actor) (*models.Instance, *models.Transition, error) {
	for attempt := 0; ; attempt++ {
		err := ctx.Err()
		if err != nil {
			return nil, nil, err
		}

		instance, version, transition, err := e.prepare(ctx, req)
		if err != nil {
			return nil, nil, err
		}

		verdict, err := e.evaluator.Evaluate(ctx, instance, transition, actor, req.Vars)
		if err != nil {
			var flowErr *Error
			if errors.As(err, &flowErr) {
				flowErr.InstanceID = instance.ID
				flowErr.TransitionID = transition.ID
			}

			return nil, nil, err
		}

		if !verdict.Allowed {
			return nil, nil, &Error{
				Kind:         KindGuardRejected,
				InstanceID:   instance.ID,
				TransitionID: transition.ID,
				Guard:        verdict.Guard,
				Reason:       verdict.Reason,
			}
		}

		committed, err := e.lockAndCommit(ctx, instance, version, transition, actor, req)
		if err == nil {
			return committed, transition, nil
		}

		if !persistence.IsConflict(err) {
			return nil, nil, err
		}

		if attempt >= e.config.MaxCommitRetries {
			return nil, nil, &Error{Kind: KindConflict, InstanceID: instance.ID, TransitionID: transition.ID, Err: err}
		}

		e.logger.DebugContext(ctx, "commit lost a race, re-evaluating",
			"instance_id", instance.ID, "transition_id", transition.ID, "attempt", attempt+1)
	}
}

// prepare loads the instance and its version and checks the structural preconditions.
func (e *Engine) prepare(ctx context.Context, req TransitionRequest) (*models.Instance, *models.ModelVersion, *models.Transition, error) {
	instance, version, err := e.load(ctx, req.InstanceID)
	if err != nil {
		return nil, nil, nil, err
	}

	transition := version.Transition(req.TransitionID)
	if transition == nil {
		return nil, nil, nil, &Error{
			Kind:         KindTransitionNotFound,
			InstanceID:   instance.ID,
			TransitionID: req.TransitionID,
			Reason:       fmt.Sprintf("model version %s has no such transition", version.ID),
		}
	}

	if transition.FromStateID != instance.CurrentStateID {
		return nil, nil, nil, &Error{
			Kind:         KindWrongSourceState,
			InstanceID:   instance.ID,
			TransitionID: transition.ID,
			Reason:       fmt.Sprintf("instance is in %s, transition starts at %s", instance.CurrentStateID, transition.FromStateID),
		}
	}

	// A finish time alone does not stop the instance; transitions may leave a finish state.
	if instance.Aborted {
		return nil, nil, nil, &Error{Kind: KindInstanceFinished, InstanceID: instance.ID, TransitionID: transition.ID}
	}

	return instance, version, transition, nil
}

// load reads an instance and the version it is bound to. The version must still serve instances.
func (e *Engine) load(ctx context.Context, instanceID string) (*models.Instance, *models.ModelVersion, error) {
	instance, err := e.Instance(ctx, instanceID)
	if err != nil {
		return nil, nil, err
	}

	version, err := e.versions.Version(ctx, instance.ModelVersionID)
	if err != nil {
		if errors.Is(err, persistence.ErrVersionNotFound) {
			return nil, nil, &Error{Kind: KindVersionNotEnabled, InstanceID: instance.ID, Reason: "bound model version no longer exists", Err: err}
		}

		return nil, nil, fmt.Errorf("failed to load model version %s: %w", instance.ModelVersionID, err)
	}

	if !version.Serving() {
		return nil, nil, &Error{
			Kind:       KindVersionNotEnabled,
			InstanceID: instance.ID,
			Reason:     fmt.Sprintf("model version %s is %s", version.ID, version.Status),
		}
	}

	return instance, version, nil
}

// Instance returns the stored instance.
func (e *Engine) Instance(ctx context.Context, instanceID string) (*models.Instance, error) {
	instance, err := e.persistence.InstanceRepository().InstanceByID(ctx, instanceID)
	if err != nil {
		if errors.Is(err, persistence.ErrInstanceNotFound) {
			return nil, &Error{Kind: KindInstanceNotFound, InstanceID: instanceID, Err: err}
		}

		return nil, fmt.Errorf("failed to load instance %s: %w", instanceID, err)
	}

	return instance, nil
}

func (e *Engine) lockAndCommit(ctx context.Context, instance *models.Instance, version *models.ModelVersion, transition *models.Transition, actor models.Actor, req TransitionRequest) (*models.Instance, error) {
	unlock := e.locks.Lock(instance.ID)
	defer unlock()

	err := ctx.Err()
	if err != nil {
		return nil, err
	}

	// Past this point the commit runs to completion even if the caller goes away.
	ctx = context.WithoutCancel(ctx)
	now := e.now().UTC()

	finishedAt, err := e.finishTime(ctx, version, transition.ToStateID, now)
	if err != nil {
		return nil, err
	}

	return e.persistence.InstanceRepository().CommitInstance(ctx, persistence.Commit{
		InstanceID:       instance.ID,
		ExpectedStateID:  instance.CurrentStateID,
		ExpectedRevision: instance.Revision,
		NewStateID:       transition.ToStateID,
		Entry: models.HistoryEntry{
			Seq:          instance.Revision + 1,
			FromStateID:  instance.CurrentStateID,
			ToStateID:    transition.ToStateID,
			TransitionID: transition.ID,
			ActorID:      actor.ID,
			Message:      req.Message,
			Vars:         maps.Clone(req.Vars),
			CreatedAt:    now,
		},
		VarsPatch:  req.Vars,
		FinishedAt: finishedAt,
	})
}

// finishTime returns now when stateID ends the flow: nothing leaves it, or it
// is declared as a finish state. Any other state clears the finish time.
func (e *Engine) finishTime(ctx context.Context, version *models.ModelVersion, stateID string, now time.Time) (*time.Time, error) {
	graphs, err := e.graphsFor(version)
	if err != nil {
		return nil, err
	}

	if graphs.Terminal(stateID) {
		return &now, nil
	}

	state, err := e.persistence.StateRepository().StateByID(ctx, stateID)
	if err != nil {
		if errors.Is(err, persistence.ErrStateNotFound) {
			return nil, nil
		}

		return nil, dependencyError(fmt.Errorf("failed to load state %s: %w", stateID, err), "")
	}

	if state.SysState == models.SysStateFinish {
		return &now, nil
	}

	return nil, nil
}

func (e *Engine) graphsFor(version *models.ModelVersion) (*graph.Graphs, error) {
	if cached, ok := e.graphs.Load(version.ID); ok {
		return cached.(*graph.Graphs), nil
	}

	graphs, err := graph.ForVersion(version)
	if err != nil {
		return nil, fmt.Errorf("model version %s is malformed: %w", version.ID, err)
	}

	e.graphs.Store(version.ID, graphs)

	return graphs, nil
}

// chain fires automatic transitions from the current state of result.Instance
// until none applies or the depth bound is hit.
func (e *Engine) chain(ctx context.Context, result *TransitionResult) {
	queue := make([]*models.Transition, 0, 1)

	enqueue := func() {
		next, err := e.nextAutomatic(ctx, result.Instance)
		if err != nil {
			e.logger.WarnContext(ctx, "failed to evaluate automatic transitions",
				"instance_id", result.Instance.ID, "state_id", result.Instance.CurrentStateID, "error", err)

			return
		}

		if next != nil {
			queue = append(queue, next)
		}
	}

	enqueue()

	for depth := 0; len(queue) > 0; depth++ {
		next := queue[0]
		queue = queue[1:]

		if depth >= e.config.MaxChainDepth {
			result.ChainTruncated = true

			e.logger.WarnContext(ctx, "automatic transition chain truncated",
				"instance_id", result.Instance.ID,
				"state_id", result.Instance.CurrentStateID,
				"pending_transition_id", next.ID,
				"max_chain_depth", e.config.MaxChainDepth)

			return
		}

		committed, _, err := e.commitTransition(ctx, TransitionRequest{InstanceID: result.Instance.ID, TransitionID: next.ID}, models.SystemActor())
		if err != nil {
			level := slog.LevelWarn
			if IsKind(err, KindWrongSourceState) || IsKind(err, KindConflict) {
				level = slog.LevelDebug
			}

			e.logger.Log(ctx, level, "automatic transition stopped",
				"instance_id", result.Instance.ID, "transition_id", next.ID, "error", err)

			return
		}

		result.Instance = committed
		result.Applied = append(result.Applied, next.ID)

		e.dispatcher.Transitioned(ctx, committed, next, models.SystemActorID)

		enqueue()
	}
}

// nextAutomatic returns the first automatic transition from the current state,
// by sort order, whose front conditions hold and which the system actor may fire.
func (e *Engine) nextAutomatic(ctx context.Context, instance *models.Instance) (*models.Transition, error) {
	if instance.Aborted {
		return nil, nil
	}

	version, err := e.versions.Version(ctx, instance.ModelVersionID)
	if err != nil {
		return nil, err
	}

	if !version.Serving() {
		return nil, nil
	}

	now := e.now()

	for _, transition := range version.TransitionsFrom(instance.CurrentStateID) {
		if transition.Action != models.ActionAuto {
			continue
		}

		if !models.FrontCondsHold(transition.FrontConds, instance.Vars, now) {
			continue
		}

		verdict, err := e.evaluator.Evaluate(ctx, instance, transition, models.SystemActor(), nil)
		if err != nil {
			return nil, err
		}

		if verdict.Allowed {
			return transition, nil
		}
	}

	return nil, nil
}

// Advance chains whatever automatic transitions currently apply to the instance.
func (e *Engine) Advance(ctx context.Context, instanceID string) (*TransitionResult, error) {
	instance, err := e.Instance(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	result := &TransitionResult{Instance: instance, Applied: []string{}}
	e.chain(ctx, result)

	return result, nil
}

// NextTransitions lists the manual transitions from the current state the actor
// may request. Checks that depend on request input are left to ApplyTransition.
func (e *Engine) NextTransitions(ctx context.Context, instanceID string, actor models.Actor) ([]*models.Transition, error) {
	instance, version, err := e.load(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	next := make([]*models.Transition, 0)
	if instance.Aborted {
		return next, nil
	}

	for _, transition := range version.TransitionsFrom(instance.CurrentStateID) {
		if transition.Action != models.ActionManual {
			continue
		}

		verdict, err := e.evaluator.Precheck(ctx, instance, transition, actor, nil)
		if err != nil {
			return nil, err
		}

		if verdict.Allowed {
			next = append(next, transition)
		}
	}

	return next, nil
}

// ModifyVars merges vars into the instance without moving it, then chains any
// automatic transition the new values enable.
func (e *Engine) ModifyVars(ctx context.Context, instanceID string, vars map[string]any, actor models.Actor) (*TransitionResult, error) {
	instance, err := e.loadOpen(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	updated, err := e.persistence.InstanceRepository().MergeVars(ctx, instance.ID, vars)
	if err != nil {
		return nil, fmt.Errorf("failed to merge vars of instance %s: %w", instance.ID, err)
	}

	e.logger.DebugContext(ctx, "instance vars modified", "instance_id", instance.ID, "actor_id", actor.ID)

	return e.varsChanged(ctx, updated), nil
}

// ChangeVar applies one variable change atomically against the stored vars.
// A change whose marker the instance already carries is skipped.
func (e *Engine) ChangeVar(ctx context.Context, instanceID string, change persistence.VarChange, actor models.Actor) (*TransitionResult, error) {
	instance, err := e.loadOpen(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	updated, applied, err := e.persistence.InstanceRepository().ChangeVar(ctx, instance.ID, change)
	if err != nil {
		return nil, fmt.Errorf("failed to change var %s of instance %s: %w", change.Name, instance.ID, err)
	}

	if !applied {
		e.logger.DebugContext(ctx, "var change already applied", "instance_id", instance.ID, "marker", change.Marker)

		return &TransitionResult{Instance: updated, Applied: []string{}}, nil
	}

	e.logger.DebugContext(ctx, "instance var changed", "instance_id", instance.ID, "var", change.Name, "actor_id", actor.ID)

	return e.varsChanged(ctx, updated), nil
}

// loadOpen loads an instance whose vars may still change: it is not aborted and
// still has a way out of its current state.
func (e *Engine) loadOpen(ctx context.Context, instanceID string) (*models.Instance, error) {
	instance, version, err := e.load(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	if instance.Aborted {
		return nil, &Error{Kind: KindInstanceFinished, InstanceID: instance.ID}
	}

	graphs, err := e.graphsFor(version)
	if err != nil {
		return nil, err
	}

	if graphs.Terminal(instance.CurrentStateID) {
		return nil, &Error{Kind: KindInstanceFinished, InstanceID: instance.ID, Reason: fmt.Sprintf("state %s ends the flow", instance.CurrentStateID)}
	}

	return instance, nil
}

func (e *Engine) varsChanged(ctx context.Context, instance *models.Instance) *TransitionResult {
	e.dispatcher.FrontChanged(ctx, instance)

	result := &TransitionResult{Instance: instance, Applied: []string{}}
	e.chain(ctx, result)

	return result
}

// Abort finishes the instance where it stands. Later transitions fail with
// InstanceFinished. Instances that already carry a finish time cannot be aborted.
func (e *Engine) Abort(ctx context.Context, instanceID string, actor models.Actor, message string) (*models.Instance, error) {
	instance, err := e.persistence.InstanceRepository().AbortInstance(ctx, instanceID, e.now())
	if err != nil {
		switch {
		case errors.Is(err, persistence.ErrInstanceNotFound):
			return nil, &Error{Kind: KindInstanceNotFound, InstanceID: instanceID, Err: err}
		case errors.Is(err, persistence.ErrConflict):
			return nil, &Error{Kind: KindInstanceFinished, InstanceID: instanceID, Err: err}
		default:
			return nil, fmt.Errorf("failed to abort instance %s: %w", instanceID, err)
		}
	}

	e.logger.InfoContext(ctx, "instance aborted", "instance_id", instanceID, "actor_id", actor.ID, "message", message)

	e.dispatcher.FrontChanged(ctx, instance)

	return instance, nil
}
