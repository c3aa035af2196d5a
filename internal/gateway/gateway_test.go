package gateway

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiehust/owork/internal/agent"
	"github.com/xiehust/owork/internal/broker"
	"github.com/xiehust/owork/internal/common/config"
	"github.com/xiehust/owork/internal/common/logger"
	"github.com/xiehust/owork/internal/events/bus"
	"github.com/xiehust/owork/internal/plugin"
	"github.com/xiehust/owork/internal/skill"
	"github.com/xiehust/owork/internal/storage"
	"github.com/xiehust/owork/internal/supervisor"
	"github.com/xiehust/owork/internal/workspace"
)

type apiFixture struct {
	router  http.Handler
	store   *storage.Store
	runtime *agent.ScriptedRuntime
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	t.Setenv("HOME", t.TempDir())

	store, err := storage.New(filepath.Join(t.TempDir(), "owork.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	eventBus := bus.NewMemoryEventBus(logger.Default())
	t.Cleanup(eventBus.Close)

	root := t.TempDir()
	cfg := &config.Config{
		Server: config.ServerConfig{CORSOrigins: []string{"*"}},
		Workspace: config.WorkspaceConfig{
			MainDir:      filepath.Join(root, "main"),
			IsolatedRoot: filepath.Join(root, "agents"),
		},
		Skills: config.SkillsConfig{StagingRoot: filepath.Join(root, "staging")},
		Plugins: config.PluginsConfig{
			CacheDir:    filepath.Join(root, "cache"),
			ContentRoot: filepath.Join(root, "content"),
		},
		Anthropic:   config.AnthropicConfig{DefaultModel: "claude-sonnet-4-5"},
		Permissions: config.PermissionsConfig{WaitTimeout: 5},
		Messages:    config.MessagesConfig{TTLDays: 7},
	}

	log := logger.Default()
	workspaces := workspace.NewManager(cfg.Workspace, store, log)
	skills := skill.NewManager(cfg.Skills.StagingRoot, store, workspaces, log)
	plugins := plugin.NewManager(cfg.Plugins, store, log)
	permBroker := broker.NewPermissionBroker(store, eventBus, log)
	runtime := agent.NewScriptedRuntime()
	sup := supervisor.NewSupervisor(cfg, store, eventBus, permBroker, workspaces, runtime, log)

	server := New(cfg, store, eventBus, sup, skills, plugins, workspaces, log)
	return &apiFixture{router: server.Router(), store: store, runtime: runtime}
}

func (f *apiFixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case []byte:
		reader = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	decode(t, rec, &body)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, true, body["bus_connected"])
}

func TestAgentEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/agents", map[string]interface{}{"instructions": "no name"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/agents", map[string]interface{}{
		"name":         "researcher",
		"enable_bash":  true,
		"instructions": "research things",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created storage.Agent
	decode(t, rec, &created)
	require.NotEmpty(t, created.ID)
	assert.Equal(t, "researcher", created.Name)

	rec = f.do(t, http.MethodGet, "/api/v1/agents/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPut, "/api/v1/agents/"+created.ID, map[string]interface{}{
		"name": "renamed",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var updated storage.Agent
	decode(t, rec, &updated)
	assert.Equal(t, created.ID, updated.ID)
	assert.Equal(t, "renamed", updated.Name)

	rec = f.do(t, http.MethodGet, "/api/v1/agents", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Agents []storage.Agent `json:"agents"`
	}
	decode(t, rec, &list)
	assert.Len(t, list.Agents, 1)

	rec = f.do(t, http.MethodDelete, "/api/v1/agents/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/agents/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSkillUploadAndLifecycleEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	zf, err := w.Create("SKILL.md")
	require.NoError(t, err)
	_, err = zf.Write([]byte("# Data Cleaner\n\nNormalizes CSV files.\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	rec := f.do(t, http.MethodPost, "/api/v1/skills/upload?name=data-cleaner", buf.Bytes())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var sk storage.Skill
	decode(t, rec, &sk)
	assert.True(t, sk.HasDraft)

	rec = f.do(t, http.MethodPost, "/api/v1/skills/"+sk.ID+"/publish", map[string]interface{}{
		"change_summary": "first cut",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &sk)
	assert.Equal(t, 1, sk.CurrentVersion)

	// Publishing again with no draft is a conflict-class state error.
	rec = f.do(t, http.MethodPost, "/api/v1/skills/"+sk.ID+"/publish", map[string]interface{}{})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/skills/"+sk.ID+"/versions", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/skills/upload?name=data-cleaner", []byte("not a zip"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConversationEndpointStreamsSSE(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/agents", map[string]interface{}{"name": "chat"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var ag storage.Agent
	decode(t, rec, &ag)

	f.runtime.AddScript([]agent.ScriptStep{
		{Emit: &agent.Event{Type: agent.EventSystem, Subtype: agent.SubtypeInit, SessionID: "sess-http"}},
		{Emit: &agent.Event{Type: agent.EventResult, Subtype: "success", Raw: map[string]interface{}{}}},
	})

	rec = f.do(t, http.MethodPost, "/api/v1/conversations", map[string]interface{}{
		"agent_id": ag.ID,
		"prompt":   "hello",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.True(t, strings.Contains(rec.Body.String(), "event: session_start"))
	assert.True(t, strings.Contains(rec.Body.String(), "event: result"))
}

func TestSessionEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/sessions/missing/messages", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/sessions/missing/interrupt", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/sessions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestResolvePermissionValidation(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/permissions/some-id/resolve", map[string]interface{}{
		"feedback": "missing the approve flag",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	f := newAPIFixture(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/agents", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
}
