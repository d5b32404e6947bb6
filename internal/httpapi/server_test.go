package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/agentfactory/internal/approval"
	"github.com/fyrsmithlabs/agentfactory/internal/engine"
	"github.com/fyrsmithlabs/agentfactory/internal/generative"
	"github.com/fyrsmithlabs/agentfactory/internal/persistence"
	"github.com/fyrsmithlabs/agentfactory/internal/spec"
	"github.com/fyrsmithlabs/agentfactory/internal/store"
)

var rolePayloads = map[generative.Role]string{
	generative.RoleClarifier:         `{"refined_purpose":"score leads","target_users":["sales"],"success_criteria":["precision > 0.8"]}`,
	generative.RoleDocumenter:        `{"overview":"scores leads","capabilities":["scoring"],"limitations":["english only"]}`,
	generative.RolePromptEngineer:    `{"system_prompt":"You score leads.","design_notes":["keep it terse"]}`,
	generative.RoleToolIntegrator:    `{"tools":[{"name":"crm_lookup","description":"fetch account"}]}`,
	generative.RoleDependencyPlanner: `{"dependencies":[{"name":"crm-api","version":"2.1"}]}`,
	generative.RoleImplementer:       `{"system_prompt":"You score leads.","model":"m1","temperature":0.2}`,
	generative.RoleValidator:         `{"passed":true,"checks":[{"name":"prompt_present","passed":true}]}`,
	generative.RoleDeliveryManager:   `{"artifact_id":"agent-1","summary":"lead scorer","instructions":["deploy it"]}`,
}

func scriptRole(m *generative.MockClient, role generative.Role, confidence float64) {
	m.On("ExecuteRole", mock.Anything, role, mock.Anything).Return(&generative.Output{
		Result:     json.RawMessage(rolePayloads[role]),
		Confidence: confidence,
		TokensUsed: 120,
	}, nil)
}

func scriptAllRoles(m *generative.MockClient, confidence float64) {
	for role := range rolePayloads {
		scriptRole(m, role, confidence)
	}
}

type testServer struct {
	server *Server
	client *generative.MockClient
	engine engine.Service
}

func setupTestServer(t *testing.T) *testServer {
	t.Helper()

	mc := &generative.MockClient{}

	gw, err := persistence.NewGateway(nil, store.NewMemoryStore(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { gw.Close() })

	approvals, err := approval.NewService(nil, gw, zap.NewNop())
	require.NoError(t, err)

	eng, err := engine.New(nil, gw, mc, approvals, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })

	server, err := NewServer(eng, approvals, zap.NewNop(), nil)
	require.NoError(t, err)

	return &testServer{server: server, client: mc, engine: eng}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	ts.server.echo.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) createAgent(t *testing.T) string {
	t.Helper()

	rec := ts.do(t, http.MethodPost, "/api/v1/agents", createAgentRequest{
		Name:       "Lead Qualifier",
		Purpose:    "Scores inbound leads against the ideal customer profile",
		Domain:     "lead_scoring",
		Complexity: "medium",
		CreatedBy:  "tester",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var created spec.Specification
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)
	return created.ID
}

// waitForStatus polls the status endpoint until the background run
// lands on the wanted status.
func (ts *testServer) waitForStatus(t *testing.T, specID string, want spec.Status) {
	t.Helper()

	require.Eventually(t, func() bool {
		rec := ts.do(t, http.MethodGet, "/api/v1/agents/"+specID, nil)
		if rec.Code != http.StatusOK {
			return false
		}
		var report engine.StatusReport
		if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
			return false
		}
		return report.Specification.Status == want
	}, 5*time.Second, 10*time.Millisecond, "agent never reached status %s", want)
}

func TestNewServer(t *testing.T) {
	t.Run("uses defaults when config is nil", func(t *testing.T) {
		ts := setupTestServer(t)
		assert.Equal(t, "localhost", ts.server.config.Host)
		assert.Equal(t, 9820, ts.server.config.Port)
	})

	t.Run("returns error when logger is nil", func(t *testing.T) {
		ts := setupTestServer(t)
		_, err := NewServer(ts.engine, ts.server.approvals, nil, nil)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "logger is required")
	})

	t.Run("returns error when engine is nil", func(t *testing.T) {
		ts := setupTestServer(t)
		_, err := NewServer(nil, ts.server.approvals, zap.NewNop(), nil)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "engine is required")
	})
}

func TestHandleHealth(t *testing.T) {
	ts := setupTestServer(t)
	ts.client.On("Ping", mock.Anything).Return(nil)

	rec := ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var health engine.Health
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.True(t, health.Healthy)
	assert.Equal(t, "ok", health.Store)
	assert.Equal(t, "ok", health.Generative)
	assert.True(t, health.ConfigValid)
}

func TestCreateAgentRunsToCompletion(t *testing.T) {
	ts := setupTestServer(t)
	scriptAllRoles(ts.client, 90)

	id := ts.createAgent(t)
	ts.waitForStatus(t, id, spec.StatusCompleted)

	rec := ts.do(t, http.MethodGet, "/api/v1/agents/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var report engine.StatusReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, spec.PhaseDelivery, report.Specification.CurrentPhase)
	assert.Empty(t, report.PendingApprovals)
	assert.Len(t, report.Results, 9)
}

func TestCreateAgentRejectsInvalidRequirements(t *testing.T) {
	ts := setupTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/agents", createAgentRequest{
		Name:    "x",
		Purpose: "too short",
		Domain:  "lead_scoring",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetUnknownAgentReturns404(t *testing.T) {
	ts := setupTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/v1/agents/no-such-id", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListAgents(t *testing.T) {
	ts := setupTestServer(t)
	scriptAllRoles(ts.client, 90)

	id := ts.createAgent(t)
	ts.waitForStatus(t, id, spec.StatusCompleted)

	rec := ts.do(t, http.MethodGet, "/api/v1/agents", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Agents []*spec.Specification `json:"agents"`
		Count  int                   `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)
	require.Len(t, resp.Agents, 1)
	assert.Equal(t, id, resp.Agents[0].ID)
}

func TestListAgentsQueryFilters(t *testing.T) {
	ts := setupTestServer(t)
	scriptAllRoles(ts.client, 90)

	id := ts.createAgent(t)
	ts.waitForStatus(t, id, spec.StatusCompleted)

	var resp struct {
		Agents []*spec.Specification `json:"agents"`
		Count  int                   `json:"count"`
	}

	rec := ts.do(t, http.MethodGet, "/api/v1/agents?status=completed&created_by=tester", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)

	rec = ts.do(t, http.MethodGet, "/api/v1/agents?status=failed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Zero(t, resp.Count)

	rec = ts.do(t, http.MethodGet, "/api/v1/agents?status=sideways", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/agents?limit=oops", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/agents?offset=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Zero(t, resp.Count)
}

func TestGetAgentResults(t *testing.T) {
	ts := setupTestServer(t)
	scriptAllRoles(ts.client, 90)

	id := ts.createAgent(t)
	ts.waitForStatus(t, id, spec.StatusCompleted)

	var resp struct {
		Results []*spec.PhaseResult `json:"results"`
		Count   int                 `json:"count"`
	}

	rec := ts.do(t, http.MethodGet, "/api/v1/agents/"+id+"/results", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 9, resp.Count)

	rec = ts.do(t, http.MethodGet, "/api/v1/agents/"+id+"/results?phase=delivery", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, spec.PhaseDelivery, resp.Results[0].Phase)

	rec = ts.do(t, http.MethodGet, "/api/v1/agents/no-such-id/results", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestApprovalGateOverHTTP(t *testing.T) {
	ts := setupTestServer(t)

	// Low-confidence clarification gates; everything after sails through.
	scriptRole(ts.client, generative.RoleClarifier, 60)
	for role := range rolePayloads {
		if role == generative.RoleClarifier {
			continue
		}
		scriptRole(ts.client, role, 90)
	}

	id := ts.createAgent(t)
	ts.waitForStatus(t, id, spec.StatusAwaitingApproval)

	rec := ts.do(t, http.MethodGet, fmt.Sprintf("/api/v1/approvals?specification_id=%s&state=pending", id), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var listResp struct {
		Approvals []*spec.ApprovalRequest `json:"approvals"`
		Count     int                     `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listResp))
	require.Equal(t, 1, listResp.Count)
	request := listResp.Approvals[0]
	assert.Equal(t, spec.PhaseClarification, request.Phase)
	assert.Equal(t, float64(60), request.Confidence)

	rec = ts.do(t, http.MethodPost, "/api/v1/approvals/"+request.ID+"/resolve", resolveApprovalRequest{
		Action:   "approve",
		Reviewer: "ops",
		Feedback: "looks right",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	ts.waitForStatus(t, id, spec.StatusCompleted)
}

func TestResolveApprovalRejectsBadAction(t *testing.T) {
	ts := setupTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/approvals/some-id/resolve", resolveApprovalRequest{
		Action:   "maybe",
		Reviewer: "ops",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelAgentOverHTTP(t *testing.T) {
	ts := setupTestServer(t)

	// Gate at clarification so the agent sits in a cancellable state.
	scriptRole(ts.client, generative.RoleClarifier, 60)

	id := ts.createAgent(t)
	ts.waitForStatus(t, id, spec.StatusAwaitingApproval)

	rec := ts.do(t, http.MethodPost, "/api/v1/agents/"+id+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var updated spec.Specification
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &updated))
	assert.Equal(t, spec.StatusCancelled, updated.Status)
}

func TestConfigEndpoints(t *testing.T) {
	t.Run("get returns current config", func(t *testing.T) {
		ts := setupTestServer(t)

		rec := ts.do(t, http.MethodGet, "/api/v1/config", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp configResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, float64(85), resp.AutoApprovalThreshold)
		assert.Equal(t, "1h0m0s", resp.PhaseTimeout)
	})

	t.Run("patch merges partial update", func(t *testing.T) {
		ts := setupTestServer(t)

		threshold := 70.0
		timeout := "30m"
		rec := ts.do(t, http.MethodPatch, "/api/v1/config", patchConfigRequest{
			AutoApprovalThreshold: &threshold,
			PhaseTimeout:          &timeout,
		})
		require.Equal(t, http.StatusOK, rec.Code)

		var resp configResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, float64(70), resp.AutoApprovalThreshold)
		assert.Equal(t, "30m0s", resp.PhaseTimeout)
		assert.Equal(t, 3, resp.MaxRetries, "unpatched fields keep their values")
	})

	t.Run("rejects out of range threshold", func(t *testing.T) {
		ts := setupTestServer(t)

		threshold := 150.0
		rec := ts.do(t, http.MethodPatch, "/api/v1/config", patchConfigRequest{
			AutoApprovalThreshold: &threshold,
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("rejects malformed duration", func(t *testing.T) {
		ts := setupTestServer(t)

		timeout := "soon"
		rec := ts.do(t, http.MethodPatch, "/api/v1/config", patchConfigRequest{
			PhaseTimeout: &timeout,
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}
