package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/verdictstack/verdict-engine/internal/detector"
	"github.com/verdictstack/verdict-engine/internal/evidence"
	"github.com/verdictstack/verdict-engine/internal/models"
	"github.com/verdictstack/verdict-engine/internal/orchestrator"
	"github.com/verdictstack/verdict-engine/internal/policy"
	"github.com/verdictstack/verdict-engine/internal/reputation"
	"github.com/verdictstack/verdict-engine/internal/service"
)

func newTestClassifier(t *testing.T) (*service.Classifier, *reputation.Signer) {
	t.Helper()

	signer, err := reputation.NewSigner([]byte(strings.Repeat("k", 32)))
	require.NoError(t, err)

	store := reputation.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })

	orch := orchestrator.New(nil, evidence.NewAggregator(0.5, 3), []orchestrator.Wave{
		{Name: "fast", Detectors: []detector.Detector{detector.NewUserAgent()}},
	}, orchestrator.Options{})

	classifier := service.NewClassifier(nil, orch, policy.NewProvider(nil), store,
		reputation.NewEngine(reputation.Options{}), signer, service.Options{})
	return classifier, signer
}

func newTestRouter(t *testing.T) (http.Handler, *reputation.Signer) {
	t.Helper()
	classifier, signer := newTestClassifier(t)
	return NewHandlers(nil, classifier).Router(nil), signer
}

func doJSON(t *testing.T, handler http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	decoded := map[string]any{}
	if rr.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &decoded))
	}
	return rr, decoded
}

func TestHealthz(t *testing.T) {
	router, _ := newTestRouter(t)

	rr, body := doJSON(t, router, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "ok", body["status"])
}

func TestClassifyBlocksKnownBot(t *testing.T) {
	router, _ := newTestRouter(t)

	rr, body := doJSON(t, router, http.MethodPost, "/v1/classify", `{
		"request_id": "req-42",
		"method": "GET",
		"path": "/search",
		"client_ip": "203.0.113.10",
		"user_agent": "curl/8.6.0"
	}`)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "req-42", body["request_id"])
	require.Equal(t, 0.95, body["bot_probability"])
	require.Equal(t, "default", body["policy"])

	action, ok := body["action"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, string(models.ActionBlock), action["type"])
	require.Equal(t, float64(403), action["status"])
}

func TestClassifyAllowsBrowser(t *testing.T) {
	router, _ := newTestRouter(t)

	rr, body := doJSON(t, router, http.MethodPost, "/v1/classify", `{
		"method": "GET",
		"path": "/",
		"client_ip": "198.51.100.7",
		"user_agent": "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 Chrome/126.0 Safari/537.36"
	}`)

	require.Equal(t, http.StatusOK, rr.Code)
	// Missing request IDs are generated server side.
	require.NotEmpty(t, body["request_id"])

	action, ok := body["action"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, string(models.ActionAllow), action["type"])
}

func TestClassifyUserAgentFallsBackToHeader(t *testing.T) {
	router, _ := newTestRouter(t)

	rr, body := doJSON(t, router, http.MethodPost, "/v1/classify", `{
		"method": "GET",
		"path": "/",
		"headers": {"User-Agent": "python-requests/2.32"},
		"client_ip": "203.0.113.10"
	}`)

	require.Equal(t, http.StatusOK, rr.Code)
	action := body["action"].(map[string]any)
	require.Equal(t, string(models.ActionBlock), action["type"])
}

func TestClassifyRejectsInvalidJSON(t *testing.T) {
	router, _ := newTestRouter(t)

	rr, body := doJSON(t, router, http.MethodPost, "/v1/classify", `{"method":`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "invalid JSON", body["error"])
}

func TestResolvePattern(t *testing.T) {
	router, signer := newTestRouter(t)

	rr, body := doJSON(t, router, http.MethodGet,
		"/v1/reputation/resolve?type=user_agent&pattern=curl/8.6.0", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, signer.PatternID(models.PatternUserAgent, "curl/8.6.0"), body["pattern_id"])
}

func TestResolvePatternValidation(t *testing.T) {
	router, _ := newTestRouter(t)

	rr, _ := doJSON(t, router, http.MethodGet, "/v1/reputation/resolve?type=bogus&pattern=x", "")
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr, _ = doJSON(t, router, http.MethodGet, "/v1/reputation/resolve?type=user_agent", "")
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestReputationNotFound(t *testing.T) {
	router, _ := newTestRouter(t)

	rr, body := doJSON(t, router, http.MethodGet, "/v1/reputation/deadbeef", "")
	require.Equal(t, http.StatusNotFound, rr.Code)
	require.Equal(t, "pattern not found", body["error"])
}

func TestBlockThenFetchThenClear(t *testing.T) {
	router, signer := newTestRouter(t)
	id := signer.PatternID(models.PatternUserAgent, "scrapetool/3.1")

	rr, body := doJSON(t, router, http.MethodPost, "/v1/reputation/"+id+"/block",
		`{"reason":"abuse report"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, string(models.StateManuallyBlocked), body["state"])
	require.Equal(t, true, body["is_manual"])

	rr, body = doJSON(t, router, http.MethodGet, "/v1/reputation/"+id, "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, string(models.StateManuallyBlocked), body["state"])

	rr, body = doJSON(t, router, http.MethodPost, "/v1/reputation/"+id+"/allow",
		`{"reason":"false positive"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, string(models.StateManuallyGood), body["state"])

	rr, body = doJSON(t, router, http.MethodDelete, "/v1/reputation/"+id+"/manual", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, false, body["is_manual"])
}

func TestClearManualUnknownPattern(t *testing.T) {
	router, _ := newTestRouter(t)

	rr, _ := doJSON(t, router, http.MethodDelete, "/v1/reputation/unknown/manual", "")
	require.Equal(t, http.StatusNotFound, rr.Code)
}
