package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/internal/config"
	"conductor/internal/delegation"
	"conductor/internal/registry"
	"conductor/internal/types"
)

type stubQuerier struct {
	metrics *delegation.Metrics
	answer  string
}

func (q *stubQuerier) Query(ctx context.Context, query string, debug bool) (*delegation.QueryResult, error) {
	return &delegation.QueryResult{FinalAnswer: q.answer}, nil
}

func (q *stubQuerier) Metrics() *delegation.Metrics { return q.metrics }

type serverFixture struct {
	srv     *Server
	keys    *APIKeyStore
	modules *registry.ModuleRegistry
	cfg     *config.Manager
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	dir := t.TempDir()

	cfg, err := config.NewManager(filepath.Join(dir, "routing.json"))
	require.NoError(t, err)

	keys, err := NewAPIKeyStore(filepath.Join(dir, "auth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { keys.Close() })

	modules, err := registry.NewModuleRegistry(filepath.Join(dir, "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { modules.Close() })

	srv := New(Options{
		ConfigManager: cfg,
		Keys:          keys,
		Modules:       modules,
		Adapters:      registry.NewAdapterRegistry(),
		Querier:       &stubQuerier{metrics: delegation.NewMetrics(), answer: "forty two"},
	})
	return &serverFixture{srv: srv, keys: keys, modules: modules, cfg: cfg}
}

func (fx *serverFixture) do(t *testing.T, method, path, key string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		payload = bytes.NewReader(data)
	} else {
		payload = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, payload)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	w := httptest.NewRecorder()
	fx.srv.Engine().ServeHTTP(w, req)
	return w
}

func (fx *serverFixture) mintKey(t *testing.T, role Role) string {
	t.Helper()
	key, user, err := fx.keys.CreateKey("test-org", role)
	require.NoError(t, err)
	require.NotNil(t, user)
	return key
}

func TestServer_HealthIsPublic(t *testing.T) {
	fx := newServerFixture(t)

	w := fx.do(t, http.MethodGet, "/admin/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestServer_RejectsMissingAndInvalidKeys(t *testing.T) {
	fx := newServerFixture(t)

	w := fx.do(t, http.MethodGet, "/admin/routing-config", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = fx.do(t, http.MethodGet, "/admin/routing-config", "ck_not_a_real_key", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestServer_ViewerCanReadButNotWrite(t *testing.T) {
	fx := newServerFixture(t)
	viewer := fx.mintKey(t, RoleViewer)

	w := fx.do(t, http.MethodGet, "/admin/routing-config", viewer, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var cfg config.RoutingConfig
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cfg))
	assert.NotEmpty(t, cfg.Categories)

	w = fx.do(t, http.MethodPut, "/admin/routing-config", viewer, cfg)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = fx.do(t, http.MethodDelete, "/admin/routing-config/category/coding", viewer, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestServer_AdminUpdatesConfig(t *testing.T) {
	fx := newServerFixture(t)
	admin := fx.mintKey(t, RoleAdmin)

	w := fx.do(t, http.MethodPatch, "/admin/routing-config/category/astrology", admin,
		config.CategoryConfig{Tier: types.TierLight, Priority: 3})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, fx.cfg.GetConfig().Categories, "astrology")

	w = fx.do(t, http.MethodDelete, "/admin/routing-config/category/astrology", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, fx.cfg.GetConfig().Categories, "astrology")

	w = fx.do(t, http.MethodDelete, "/admin/routing-config/category/astrology", admin, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_RejectsInvalidConfigPayload(t *testing.T) {
	fx := newServerFixture(t)
	admin := fx.mintKey(t, RoleAdmin)

	bad := fx.cfg.GetConfig()
	bad.Categories["broken"] = config.CategoryConfig{Tier: types.Tier("galactic")}
	w := fx.do(t, http.MethodPut, "/admin/routing-config", admin, bad)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_ConfigReload(t *testing.T) {
	fx := newServerFixture(t)
	admin := fx.mintKey(t, RoleAdmin)

	w := fx.do(t, http.MethodPost, "/admin/routing-config/reload", admin, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "reloaded", body["status"])
	assert.EqualValues(t, len(fx.cfg.GetConfig().Categories), body["categories"])
}

func TestServer_ModuleEndpoints(t *testing.T) {
	fx := newServerFixture(t)
	operator := fx.mintKey(t, RoleOperator)

	require.NoError(t, fx.modules.Install(registry.ModuleRecord{
		ModuleID:     "weather/open_meteo",
		Category:     "weather",
		Platform:     "open_meteo",
		Version:      "0.1.0",
		Status:       types.ModuleInstalled,
		Enabled:      true,
		BundleSHA256: "abc123",
	}))

	w := fx.do(t, http.MethodGet, "/admin/modules", operator, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var listing struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listing))
	assert.Equal(t, 1, listing.Count)

	w = fx.do(t, http.MethodGet, "/admin/modules/weather/open_meteo", operator, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = fx.do(t, http.MethodGet, "/admin/modules/weather/nope", operator, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = fx.do(t, http.MethodPost, "/admin/modules/weather/open_meteo/disable", operator, nil)
	require.Equal(t, http.StatusOK, w.Code)
	rec, err := fx.modules.Get("weather/open_meteo")
	require.NoError(t, err)
	assert.False(t, rec.Enabled)

	w = fx.do(t, http.MethodPost, "/admin/modules/weather/open_meteo/teleport", operator, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = fx.do(t, http.MethodDelete, "/admin/modules/weather/open_meteo", operator, nil)
	require.Equal(t, http.StatusOK, w.Code)
	rec, err = fx.modules.Get("weather/open_meteo")
	require.NoError(t, err)
	assert.Nil(t, rec)

	// Operators manage modules but cannot touch config.
	w = fx.do(t, http.MethodPost, "/admin/routing-config/reload", operator, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestServer_QueryEndpoint(t *testing.T) {
	fx := newServerFixture(t)
	viewer := fx.mintKey(t, RoleViewer)

	w := fx.do(t, http.MethodPost, "/v1/query", viewer, map[string]any{"query": "what is the answer"})
	require.Equal(t, http.StatusOK, w.Code)
	var result delegation.QueryResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, "forty two", result.FinalAnswer)

	w = fx.do(t, http.MethodPost, "/v1/query", viewer, map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = fx.do(t, http.MethodGet, "/v1/metrics", viewer, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var snap map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Contains(t, snap, "llm_calls")
}
