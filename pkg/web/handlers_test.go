package web_test

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/dukex/stateflow/pkg/flow"
	"github.com/dukex/stateflow/pkg/models"
	"github.com/dukex/stateflow/pkg/persistence/file"
	"github.com/dukex/stateflow/pkg/services"
	"github.com/dukex/stateflow/pkg/web"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestApp(t *testing.T) *fiber.App {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	validate := validator.New(validator.WithRequiredStructEnabled())
	p := file.NewPersistence(t.TempDir())

	evaluator := flow.NewEvaluator(flow.GuardPermission{}, nil, p.StateRepository())
	engine := flow.NewEngine(p, evaluator, nil, logger)
	publisher := flow.NewPublisher(p, validate, flow.DefaultConfig(), logger)

	app := fiber.New()
	web.NewAPIHandlers(services.NewDefinitions(p, validate), engine, publisher, validate).Register(app)

	return app
}

type call struct {
	method string
	path   string
	body   any
	actor  string
}

func do(t *testing.T, app *fiber.App, c call) (int, []byte) {
	t.Helper()

	var reader io.Reader

	switch body := c.body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(body)
	default:
		raw, err := json.Marshal(body)
		require.NoError(t, err)

		reader = bytes.NewBuffer(raw)
	}

	req := httptest.NewRequest(c.method, c.path, reader)
	req.Header.Set("Content-Type", "application/json")

	if c.actor != "" {
		req.Header.Set(web.HeaderActorID, c.actor)
		req.Header.Set(web.HeaderActorOwnPaths, "acme")
	}

	resp, err := app.Test(req)
	require.NoError(t, err)

	defer func() {
		err := resp.Body.Close()
		if err != nil {
			t.Logf("Failed to close response body: %v", err)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, body
}

func decode[T any](t *testing.T, body []byte) T {
	t.Helper()

	var out T
	require.NoError(t, json.Unmarshal(body, &out))

	return out
}

// publishTicketFlow defines Open -> Closed for the ticket tag and enables it.
func publishTicketFlow(t *testing.T, app *fiber.App) *models.ModelVersion {
	t.Helper()

	for _, state := range []web.CreateStateRequest{
		{ID: "open", Name: "Open", SysState: models.SysStateStart, Tag: "ticket"},
		{ID: "closed", Name: "Closed", SysState: models.SysStateFinish, Tag: "ticket"},
	} {
		status, _ := do(t, app, call{method: http.MethodPost, path: "/states", body: state})
		require.Equal(t, http.StatusCreated, status)
	}

	status, body := do(t, app, call{
		method: http.MethodPost,
		path:   "/models",
		body:   web.CreateModelRequest{Name: "Tickets", Tag: "ticket", OwnPaths: "acme"},
	})
	require.Equal(t, http.StatusCreated, status)

	model := decode[models.Model](t, body)

	status, body = do(t, app, call{
		method: http.MethodPost,
		path:   "/models/" + model.ID + "/versions",
		actor:  "alice",
		body: web.VersionRequest{
			InitStateID: "open",
			States:      []string{"open", "closed"},
			Transitions: []*models.Transition{{ID: "close", FromStateID: "open", ToStateID: "closed", Action: models.ActionManual}},
		},
	})
	require.Equal(t, http.StatusCreated, status)

	version := decode[models.ModelVersion](t, body)

	status, body = do(t, app, call{method: http.MethodPost, path: "/versions/" + version.ID + "/publish", actor: "alice"})
	require.Equal(t, http.StatusOK, status, string(body))

	result := decode[flow.PublishResult](t, body)
	require.Equal(t, models.VersionStatusEnabled, result.Version.Status)

	return result.Version
}

func TestAPIHandlers_HealthCheck(t *testing.T) {
	t.Parallel()

	app := setupTestApp(t)

	status, body := do(t, app, call{method: http.MethodGet, path: "/health"})
	assert.Equal(t, http.StatusOK, status)

	health := decode[map[string]any](t, body)
	assert.Equal(t, "healthy", health["status"])
}

func TestAPIHandlers_Definitions(t *testing.T) {
	t.Parallel()

	app := setupTestApp(t)

	t.Run("rejects malformed bodies", func(t *testing.T) {
		status, body := do(t, app, call{method: http.MethodPost, path: "/states", body: "{invalid"})
		assert.Equal(t, http.StatusBadRequest, status)
		assert.Equal(t, "validation_error", decode[map[string]any](t, body)["type"])
	})

	t.Run("rejects states without a tag", func(t *testing.T) {
		status, _ := do(t, app, call{method: http.MethodPost, path: "/states", body: web.CreateStateRequest{Name: "Open"}})
		assert.Equal(t, http.StatusBadRequest, status)
	})

	t.Run("requires a tag to list states", func(t *testing.T) {
		status, _ := do(t, app, call{method: http.MethodGet, path: "/states"})
		assert.Equal(t, http.StatusBadRequest, status)
	})

	t.Run("version creation needs an actor", func(t *testing.T) {
		status, body := do(t, app, call{
			method: http.MethodPost,
			path:   "/models/any/versions",
			body:   web.VersionRequest{InitStateID: "open", States: []string{"open"}},
		})
		assert.Equal(t, http.StatusUnauthorized, status)
		assert.Equal(t, "missing_actor", decode[map[string]any](t, body)["type"])
	})

	t.Run("the system actor cannot be impersonated", func(t *testing.T) {
		status, _ := do(t, app, call{method: http.MethodPost, path: "/versions/any/disable", actor: models.SystemActorID})
		assert.Equal(t, http.StatusUnauthorized, status)
	})

	t.Run("unknown version", func(t *testing.T) {
		status, _ := do(t, app, call{method: http.MethodGet, path: "/versions/missing"})
		assert.Equal(t, http.StatusNotFound, status)
	})

	t.Run("publishes and lists", func(t *testing.T) {
		version := publishTicketFlow(t, app)

		status, body := do(t, app, call{method: http.MethodGet, path: "/states?tag=ticket"})
		require.Equal(t, http.StatusOK, status)
		assert.Len(t, decode[[]models.State](t, body), 2)

		status, body = do(t, app, call{method: http.MethodGet, path: "/models/" + version.ModelID + "/versions"})
		require.Equal(t, http.StatusOK, status)
		assert.Len(t, decode[[]models.ModelVersion](t, body), 1)

		status, _ = do(t, app, call{
			method: http.MethodPut,
			path:   "/versions/" + version.ID,
			body:   web.VersionRequest{InitStateID: "closed", States: []string{"closed"}},
		})
		assert.Equal(t, http.StatusConflict, status)
	})
}

func TestAPIHandlers_InstanceLifecycle(t *testing.T) {
	t.Parallel()

	app := setupTestApp(t)
	version := publishTicketFlow(t, app)

	status, body := do(t, app, call{
		method: http.MethodPost,
		path:   "/instances",
		actor:  "alice",
		body:   flow.StartRequest{BusinessObjectID: "T-1", Tag: "ticket", OwnPaths: "acme", Vars: map[string]any{"priority": 3}},
	})
	require.Equal(t, http.StatusCreated, status, string(body))

	started := decode[flow.TransitionResult](t, body)
	instance := started.Instance
	assert.Equal(t, version.ID, instance.ModelVersionID)
	assert.Equal(t, "open", instance.CurrentStateID)

	status, body = do(t, app, call{method: http.MethodPost, path: "/instances", actor: "alice", body: flow.StartRequest{BusinessObjectID: "T-1", Tag: "ticket", OwnPaths: "acme"}})
	assert.Equal(t, http.StatusConflict, status, string(body))

	status, body = do(t, app, call{method: http.MethodGet, path: "/instances/" + instance.ID + "/next-transitions", actor: "bob"})
	require.Equal(t, http.StatusOK, status)

	next := decode[[]models.Transition](t, body)
	require.Len(t, next, 1)
	assert.Equal(t, "close", next[0].ID)

	status, body = do(t, app, call{method: http.MethodPatch, path: "/instances/" + instance.ID + "/vars", actor: "bob", body: web.ModifyVarsRequest{Vars: map[string]any{"priority": 5}}})
	require.Equal(t, http.StatusOK, status)
	assert.InDelta(t, 5, decode[flow.TransitionResult](t, body).Instance.Vars["priority"], 0)

	status, body = do(t, app, call{method: http.MethodPost, path: "/instances/" + instance.ID + "/transitions", actor: "bob", body: web.ApplyTransitionRequest{TransitionID: "reopen"}})
	assert.Equal(t, http.StatusNotFound, status)

	problem := decode[map[string]any](t, body)
	assert.Equal(t, string(flow.KindTransitionNotFound), problem["type"])
	assert.Equal(t, "reopen", problem["transition_id"])

	status, body = do(t, app, call{method: http.MethodPost, path: "/instances/" + instance.ID + "/transitions", actor: "bob", body: web.ApplyTransitionRequest{TransitionID: "close", Message: "done"}})
	require.Equal(t, http.StatusOK, status, string(body))

	closed := decode[flow.TransitionResult](t, body)
	assert.Equal(t, []string{"close"}, closed.Applied)
	assert.Equal(t, "closed", closed.Instance.CurrentStateID)
	assert.NotNil(t, closed.Instance.FinishedAt)

	status, body = do(t, app, call{method: http.MethodPost, path: "/instances/" + instance.ID + "/transitions", actor: "bob", body: web.ApplyTransitionRequest{TransitionID: "close"}})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, string(flow.KindWrongSourceState), decode[map[string]any](t, body)["type"])

	status, body = do(t, app, call{method: http.MethodGet, path: "/instances/" + instance.ID})
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, decode[models.Instance](t, body).History, 1)

	status, _ = do(t, app, call{method: http.MethodGet, path: "/instances/missing"})
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAPIHandlers_AbortAndDisable(t *testing.T) {
	t.Parallel()

	app := setupTestApp(t)
	version := publishTicketFlow(t, app)

	status, body := do(t, app, call{method: http.MethodPost, path: "/instances", actor: "alice", body: flow.StartRequest{BusinessObjectID: "T-2", Tag: "ticket", OwnPaths: "acme"}})
	require.Equal(t, http.StatusCreated, status)

	instanceID := decode[flow.TransitionResult](t, body).Instance.ID

	status, body = do(t, app, call{method: http.MethodPost, path: "/instances/" + instanceID + "/abort", actor: "alice"})
	require.Equal(t, http.StatusOK, status, string(body))

	aborted := decode[models.Instance](t, body)
	assert.True(t, aborted.Aborted)
	assert.NotNil(t, aborted.FinishedAt)

	status, _ = do(t, app, call{method: http.MethodPost, path: "/instances/" + instanceID + "/abort", actor: "alice"})
	assert.Equal(t, http.StatusConflict, status)

	status, body = do(t, app, call{method: http.MethodPost, path: "/versions/" + version.ID + "/disable", actor: "alice"})
	require.Equal(t, http.StatusOK, status, string(body))
	assert.Equal(t, models.VersionStatusDisabled, decode[models.ModelVersion](t, body).Status)

	status, body = do(t, app, call{method: http.MethodPost, path: "/instances", actor: "alice", body: flow.StartRequest{BusinessObjectID: "T-3", Tag: "ticket", OwnPaths: "acme"}})
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, string(flow.KindVersionNotEnabled), decode[map[string]any](t, body)["type"])
}

func TestAPIHandlers_PublishRejectsCycles(t *testing.T) {
	t.Parallel()

	app := setupTestApp(t)

	for _, state := range []web.CreateStateRequest{
		{ID: "open", Name: "Open", SysState: models.SysStateStart, Tag: "issue"},
		{ID: "closed", Name: "Closed", SysState: models.SysStateFinish, Tag: "issue"},
	} {
		status, _ := do(t, app, call{method: http.MethodPost, path: "/states", body: state})
		require.Equal(t, http.StatusCreated, status)
	}

	status, body := do(t, app, call{method: http.MethodPost, path: "/models", body: web.CreateModelRequest{Name: "Issues", Tag: "issue"}})
	require.Equal(t, http.StatusCreated, status)

	model := decode[models.Model](t, body)

	status, body = do(t, app, call{
		method: http.MethodPost,
		path:   "/models/" + model.ID + "/versions",
		actor:  "alice",
		body: web.VersionRequest{
			InitStateID: "open",
			States:      []string{"open", "closed"},
			Transitions: []*models.Transition{
				{ID: "close", FromStateID: "open", ToStateID: "closed", Action: models.ActionManual},
				{ID: "reopen", FromStateID: "closed", ToStateID: "open", Action: models.ActionManual},
			},
		},
	})
	require.Equal(t, http.StatusCreated, status)

	version := decode[models.ModelVersion](t, body)

	status, body = do(t, app, call{
		method: http.MethodPost,
		path:   "/versions/" + version.ID + "/publish",
		actor:  "alice",
		body:   web.PublishVersionRequest{Policy: "reject_all_cycles"},
	})
	require.Equal(t, http.StatusUnprocessableEntity, status, string(body))

	problem := decode[map[string]any](t, body)
	assert.Equal(t, "publish_rejected", problem["type"])
	assert.InDelta(t, http.StatusUnprocessableEntity, problem["status"], 0)
	assert.NotEmpty(t, problem["findings"])

	status, body = do(t, app, call{
		method: http.MethodPost,
		path:   "/versions/" + version.ID + "/publish",
		actor:  "alice",
		body:   web.PublishVersionRequest{Policy: "allow_human_closable"},
	})
	require.Equal(t, http.StatusOK, status, string(body))
}
