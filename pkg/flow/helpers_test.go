package flow_test

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/dukex/stateflow/pkg/flow"
	"github.com/dukex/stateflow/pkg/graph"
	"github.com/dukex/stateflow/pkg/models"
	"github.com/dukex/stateflow/pkg/persistence/file"
	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/require"
)

var (
	author   = models.Actor{ID: "alice"}
	reviewer = models.Actor{ID: "bob"}
	approver = models.Actor{ID: "carol", Permissions: []string{"approver"}}
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recordingNotifier struct {
	mu    sync.Mutex
	front []string
	post  []string
}

func (n *recordingNotifier) PublishFrontChange(_ context.Context, instance *models.Instance) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.front = append(n.front, instance.CurrentStateID)

	return nil
}

func (n *recordingNotifier) PublishPostChange(_ context.Context, _ *models.Instance, transition *models.Transition, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.post = append(n.post, transition.ID)

	return nil
}

func (n *recordingNotifier) posts() []string {
	n.mu.Lock()
	defer n.mu.Unlock()

	return append([]string(nil), n.post...)
}

type harness struct {
	persistence *file.Persistence
	notifier    *recordingNotifier
	relations   *flow.StaticRelations
	engine      *flow.Engine
	publisher   *flow.Publisher
}

func newHarness(t *testing.T, opts ...flow.Option) *harness {
	t.Helper()

	p := file.NewPersistence(t.TempDir())
	notifier := &recordingNotifier{}
	relations := flow.NewStaticRelations()
	logger := testLogger()

	evaluator := flow.NewEvaluator(flow.GuardPermission{}, flow.NewInstanceRelatedFetcher(relations, p.InstanceRepository()), p.StateRepository())

	return &harness{
		persistence: p,
		notifier:    notifier,
		relations:   relations,
		engine:      flow.NewEngine(p, evaluator, flow.NewDispatcher(notifier, logger), logger, opts...),
		publisher:   flow.NewPublisher(p, validator.New(validator.WithRequiredStructEnabled()), flow.DefaultConfig(), logger),
	}
}

func (h *harness) newEngine(opts ...flow.Option) *flow.Engine {
	logger := testLogger()
	evaluator := flow.NewEvaluator(flow.GuardPermission{}, nil, h.persistence.StateRepository())

	return flow.NewEngine(h.persistence, evaluator, flow.NewDispatcher(h.notifier, logger), logger, opts...)
}

func (h *harness) saveStates(t *testing.T, tag string, states ...*models.State) {
	t.Helper()

	for _, state := range states {
		if state.Tag == "" {
			state.Tag = tag
		}

		if state.Kind == "" {
			state.Kind = models.StateKindSimple
		}

		if state.SysState == "" {
			state.SysState = models.SysStateProgress
		}

		if state.Name == "" {
			state.Name = state.ID
		}

		require.NoError(t, h.persistence.StateRepository().SaveState(t.Context(), state))
	}
}

func manual(id, from, to string) *models.Transition {
	return &models.Transition{ID: id, FromStateID: from, ToStateID: to, Action: models.ActionManual}
}

func auto(id, from, to string) *models.Transition {
	return &models.Transition{ID: id, FromStateID: from, ToStateID: to, Action: models.ActionAuto}
}

// articleVersion is Draft -> Review -> Published with Review -> Draft, where
// publishing needs the approver permission.
func (h *harness) articleVersion(t *testing.T) *models.ModelVersion {
	t.Helper()

	h.saveStates(t, "article",
		&models.State{ID: "draft", SysState: models.SysStateStart},
		&models.State{ID: "review"},
		&models.State{ID: "published", SysState: models.SysStateFinish},
	)

	publish := manual("publish", "review", "published")
	publish.Guard.Permissions = []string{"approver"}

	reject := manual("reject", "review", "draft")
	reject.Sort = 1

	return h.saveVersion(t, &models.ModelVersion{
		ModelID:     "articles",
		Tag:         "article",
		OwnPaths:    "acme",
		InitStateID: "draft",
		States:      []string{"draft", "review", "published"},
		Transitions: []*models.Transition{manual("submit", "draft", "review"), publish, reject},
	})
}

func (h *harness) saveVersion(t *testing.T, version *models.ModelVersion) *models.ModelVersion {
	t.Helper()

	require.NoError(t, h.persistence.VersionRepository().SaveVersion(t.Context(), version))

	return version
}

func (h *harness) publish(t *testing.T, version *models.ModelVersion) {
	t.Helper()

	_, err := h.publisher.Publish(t.Context(), version.ID, author, graph.PolicyAllowHumanClosable)
	require.NoError(t, err)
}

// enable activates a version without the loop check.
func (h *harness) enable(t *testing.T, version *models.ModelVersion) {
	t.Helper()

	_, err := h.persistence.VersionRepository().EnableVersion(t.Context(), version.ID, author.ID, time.Now())
	require.NoError(t, err)
}

func (h *harness) start(t *testing.T, businessObjectID string) *models.Instance {
	t.Helper()

	result, err := h.engine.Start(t.Context(), flow.StartRequest{
		BusinessObjectID: businessObjectID,
		Tag:              "article",
		OwnPaths:         "acme",
	}, author)
	require.NoError(t, err)

	return result.Instance
}

func (h *harness) apply(ctx context.Context, instanceID, transitionID string, actor models.Actor) (*flow.TransitionResult, error) {
	return h.engine.ApplyTransition(ctx, flow.TransitionRequest{InstanceID: instanceID, TransitionID: transitionID}, actor)
}
