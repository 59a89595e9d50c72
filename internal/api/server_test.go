package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"buildforge/internal/ai"
	"buildforge/internal/build"
	"buildforge/internal/cache"
	"buildforge/internal/config"
	"buildforge/internal/hub"
	"buildforge/internal/pricing"
	"buildforge/internal/scheduler"
	"buildforge/internal/secrets"
	"buildforge/internal/spend"
	"buildforge/internal/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// scriptedGen answers every generation request with canned content.
type scriptedGen struct{}

func (scriptedGen) Generate(_ context.Context, req *ai.Request) (*ai.Response, error) {
	return &ai.Response{
		ID:        req.ID,
		Provider:  ai.ProviderClaude,
		Model:     "claude-sonnet-4-5-20250929",
		Content:   "File: main.go\n```go\npackage main\n```\n",
		Usage:     ai.Usage{PromptTokens: 100, CompletionTokens: 200, TotalTokens: 300},
		KeySource: ai.KeySourcePlatform,
		CreatedAt: time.Now(),
	}, nil
}

func (scriptedGen) KeySource() ai.KeySource { return ai.KeySourcePlatform }

func newTestHandler(t *testing.T) http.Handler {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&spend.Event{}, &ai.UserProviderKey{}))
	st, err := store.New(db)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	h := hub.New(ctx)
	pool := scheduler.NewPool(4, 16)
	priceEngine := pricing.NewEngine(pricing.Options{})
	tracker := spend.NewTracker(db, priceEngine)

	masterKey, err := secrets.GenerateMasterKey()
	require.NoError(t, err)
	sm, err := secrets.NewManager(masterKey)
	require.NoError(t, err)

	ttlStore := cache.NewMemoryStore(time.Minute)
	t.Cleanup(func() { _ = ttlStore.Close() })

	platform := ai.NewRouter(map[ai.Provider]ai.Client{}, ai.KeySourcePlatform, ai.Options{HealthStore: ttlStore})
	keyStore := ai.NewKeyStore(db, sm, ttlStore, ai.Options{HealthStore: ttlStore})

	engine := build.NewEngine(ctx, build.Deps{
		Store:   st,
		Spend:   tracker,
		Hub:     h,
		Pool:    pool,
		Pricing: priceEngine,
		RouterFor: func(context.Context, string) (build.Generator, bool, error) {
			return scriptedGen{}, false, nil
		},
	})
	t.Cleanup(func() {
		cancel()
		engine.Shutdown()
		pool.Close()
		h.Shutdown()
	})

	cfg := &config.Config{
		Environment:    "test",
		AllowedOrigins: []string{"http://localhost:3000"},
	}
	return New(cfg, engine, tracker, keyStore, platform, h).Router()
}

func doJSON(t *testing.T, handler http.Handler, method, path, user string, body any) *httptest.ResponseRecorder {
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
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func startBuildHTTP(t *testing.T, handler http.Handler, user string) string {
	t.Helper()
	rec := doJSON(t, handler, http.MethodPost, "/api/builds", user, gin.H{
		"project_name": "todo-app",
		"request":      "Build a todo list web app",
		"power_mode":   "balanced",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	buildID, _ := body["build_id"].(string)
	require.NotEmpty(t, buildID)
	return buildID
}

func waitForBuildStatus(t *testing.T, handler http.Handler, user, buildID, want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		rec := doJSON(t, handler, http.MethodGet, "/api/builds/"+buildID, user, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		return decodeBody(t, rec)["status"] == want
	}, 10*time.Second, 10*time.Millisecond, "build never reached status %s", want)
}

func TestMissingUserIdentity(t *testing.T) {
	handler := newTestHandler(t)

	rec := doJSON(t, handler, http.MethodGet, "/api/builds", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHealthEndpoint(t *testing.T) {
	handler := newTestHandler(t)

	rec := doJSON(t, handler, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody(t, rec)["status"])
}

func TestStartBuild_ReturnsSocketURL(t *testing.T) {
	handler := newTestHandler(t)

	rec := doJSON(t, handler, http.MethodPost, "/api/builds", "user-1", gin.H{
		"project_name": "todo-app",
		"request":      "Build a todo list web app",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	buildID, _ := body["build_id"].(string)
	assert.NotEmpty(t, buildID)
	assert.Equal(t, "/ws/builds/"+buildID, body["websocket_url"])

	waitForBuildStatus(t, handler, "user-1", buildID, store.StatusCompleted)
}

func TestStartBuild_RejectsEmptyRequest(t *testing.T) {
	handler := newTestHandler(t)

	rec := doJSON(t, handler, http.MethodPost, "/api/builds", "user-1", gin.H{
		"project_name": "todo-app",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetBuild_ForeignBuildReportsNotFound(t *testing.T) {
	handler := newTestHandler(t)

	buildID := startBuildHTTP(t, handler, "owner")

	rec := doJSON(t, handler, http.MethodGet, "/api/builds/"+buildID, "stranger", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, handler, http.MethodPost, "/api/builds/"+buildID+"/cancel", "stranger", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, handler, http.MethodGet, "/api/builds/"+buildID, "owner", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCancelCompletedBuild_Conflicts(t *testing.T) {
	handler := newTestHandler(t)

	buildID := startBuildHTTP(t, handler, "user-1")
	waitForBuildStatus(t, handler, "user-1", buildID, store.StatusCompleted)

	rec := doJSON(t, handler, http.MethodPost, "/api/builds/"+buildID+"/cancel", "user-1", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestBuildDetail_IncludesTasksFilesAndSpend(t *testing.T) {
	handler := newTestHandler(t)

	buildID := startBuildHTTP(t, handler, "user-1")
	waitForBuildStatus(t, handler, "user-1", buildID, store.StatusCompleted)

	rec := doJSON(t, handler, http.MethodGet, "/api/builds/"+buildID+"/detail", "user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)

	tasks, _ := body["tasks"].([]any)
	assert.Len(t, tasks, 8)
	files, _ := body["files"].([]any)
	assert.NotEmpty(t, files)
	spendTotal, _ := body["spend_total"].(float64)
	assert.Greater(t, spendTotal, 0.0)
}

func TestListBuilds_ScopedToCaller(t *testing.T) {
	handler := newTestHandler(t)

	mine := startBuildHTTP(t, handler, "user-a")
	startBuildHTTP(t, handler, "user-b")

	rec := doJSON(t, handler, http.MethodGet, "/api/builds", "user-a", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	builds, _ := decodeBody(t, rec)["builds"].([]any)
	require.Len(t, builds, 1)
	first, _ := builds[0].(map[string]any)
	assert.Equal(t, mine, first["id"])
}

func TestSpendHistory_AfterBuild(t *testing.T) {
	handler := newTestHandler(t)

	buildID := startBuildHTTP(t, handler, "user-1")
	waitForBuildStatus(t, handler, "user-1", buildID, store.StatusCompleted)

	// Spend writes race the final status update; settle on the event count.
	require.Eventually(t, func() bool {
		rec := doJSON(t, handler, http.MethodGet, "/api/spend/history", "user-1", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		total, _ := decodeBody(t, rec)["total"].(float64)
		return total == 8
	}, 5*time.Second, 10*time.Millisecond)

	rec := doJSON(t, handler, http.MethodGet, "/api/spend/summary?build_id="+buildID, "user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	buildSpend, _ := decodeBody(t, rec)["build_spend"].(float64)
	assert.Greater(t, buildSpend, 0.0)
}

func TestSpendSummary_ForeignBuildReportsNotFound(t *testing.T) {
	handler := newTestHandler(t)

	buildID := startBuildHTTP(t, handler, "owner")
	waitForBuildStatus(t, handler, "owner", buildID, store.StatusCompleted)

	rec := doJSON(t, handler, http.MethodGet, "/api/spend/summary?build_id="+buildID, "stranger", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.NotContains(t, rec.Body.String(), "build_spend")

	rec = doJSON(t, handler, http.MethodGet, "/api/spend/summary?build_id=no-such-build", "owner", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSpendExport_RejectsBadDates(t *testing.T) {
	handler := newTestHandler(t)

	rec := doJSON(t, handler, http.MethodGet, "/api/spend/export?from=yesterday", "user-1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, handler, http.MethodGet, "/api/spend/export", "user-1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
}

func TestKeyLifecycle(t *testing.T) {
	handler := newTestHandler(t)

	rec := doJSON(t, handler, http.MethodPost, "/api/keys", "user-1", gin.H{
		"provider": "claude",
		"key":      "sk-ant-test-key",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = doJSON(t, handler, http.MethodGet, "/api/keys", "user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	keys, _ := decodeBody(t, rec)["keys"].([]any)
	require.Len(t, keys, 1)
	first, _ := keys[0].(map[string]any)
	assert.Equal(t, "claude", first["provider"])
	assert.NotContains(t, rec.Body.String(), "sk-ant-test-key")

	rec = doJSON(t, handler, http.MethodGet, "/api/keys", "user-2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	keys, _ = decodeBody(t, rec)["keys"].([]any)
	assert.Empty(t, keys)

	rec = doJSON(t, handler, http.MethodDelete, "/api/keys/claude", "user-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, handler, http.MethodGet, "/api/keys", "user-1", nil)
	keys, _ = decodeBody(t, rec)["keys"].([]any)
	assert.Empty(t, keys)
}

func TestSaveKey_RejectsBadOllamaURL(t *testing.T) {
	handler := newTestHandler(t)

	rec := doJSON(t, handler, http.MethodPost, "/api/keys", "user-1", gin.H{
		"provider": "ollama",
		"key":      "not-a-url",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
