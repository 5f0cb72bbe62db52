package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postflow/internal/adapters"
	"postflow/internal/compliance"
	"postflow/internal/eventbus"
	"postflow/internal/fingerprint"
	"postflow/internal/ingest"
	"postflow/internal/status"
	"postflow/internal/store"
	logx "postflow/pkg/logx"
)

type okPublisher struct{ name string }

func (p okPublisher) Name() string { return p.name }
func (p okPublisher) Ready() error { return nil }
func (p okPublisher) Publish(context.Context, string) (string, error) {
	return "ext-1", nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	engine := fingerprint.NewEngine(st, 24*time.Hour, fingerprint.ScopePlatform)
	filter := compliance.NewFilter(nil, logx.Nop())
	gw := ingest.NewGateway(st, engine, filter, eventbus.New(), logx.Nop())
	rep := status.NewReporter(st)
	reg := adapters.NewRegistry()
	reg.Register(okPublisher{name: "twitter"})

	srv := NewServer(Config{}, gw, rep, reg, logx.Nop())
	return srv
}

func postJSON(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestSubmitAccepted(t *testing.T) {
	srv := newTestServer(t)
	h := srv.router()

	rr := postJSON(t, h, "/api/v1/submissions", map[string]any{
		"body":      "Nifty closed flat today.",
		"platforms": []string{"twitter", "telegram"},
		"priority":  "high",
	})
	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

	var resp submitResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.ID)
	assert.ElementsMatch(t, []string{"twitter", "telegram"}, resp.Accepted)
}

func TestSubmitValidationError(t *testing.T) {
	srv := newTestServer(t)
	h := srv.router()

	rr := postJSON(t, h, "/api/v1/submissions", map[string]any{
		"body":      "",
		"platforms": []string{"twitter"},
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = postJSON(t, h, "/api/v1/submissions", map[string]any{
		"body":      "x",
		"platforms": []string{"twitter"},
		"priority":  "urgent",
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = postJSON(t, h, "/api/v1/submissions", map[string]any{
		"body":     "x",
		"platform": []string{"twitter"}, // unknown field
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestSubmitComplianceRejected(t *testing.T) {
	srv := newTestServer(t)
	h := srv.router()

	rr := postJSON(t, h, "/api/v1/submissions", map[string]any{
		"body":      "Guaranteed returns every month!",
		"platforms": []string{"twitter"},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestSubmitDuplicateConflict(t *testing.T) {
	srv := newTestServer(t)
	h := srv.router()

	body := map[string]any{
		"body":      "One-off announcement",
		"platforms": []string{"twitter"},
	}
	rr := postJSON(t, h, "/api/v1/submissions", body)
	require.Equal(t, http.StatusAccepted, rr.Code)

	rr = postJSON(t, h, "/api/v1/submissions", body)
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestSubmissionStatus(t *testing.T) {
	srv := newTestServer(t)
	h := srv.router()

	rr := postJSON(t, h, "/api/v1/submissions", map[string]any{
		"body":      "status check content",
		"platforms": []string{"twitter"},
	})
	require.Equal(t, http.StatusAccepted, rr.Code)
	var resp submitResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/submissions/"+resp.ID, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var sub status.Submission
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sub))
	assert.Equal(t, resp.ID, sub.ID)
	require.Len(t, sub.Platforms, 1)
	assert.Equal(t, "pending", sub.Platforms[0].Status)
}

func TestSubmissionStatusNotFound(t *testing.T) {
	srv := newTestServer(t)
	h := srv.router()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/submissions/nope", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	h := srv.router()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/metrics/twitter?window=24h", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var m status.Metrics
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	assert.Equal(t, "twitter", m.Platform)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/metrics/twitter?window=bogus", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t)
	h := srv.router()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var out healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "ok", out.Status)
	assert.Equal(t, "ok", out.Adapters["twitter"])
}

func TestSubmitThrottle(t *testing.T) {
	base := newTestServer(t)
	srv := NewServer(Config{RatePerSec: 1, Burst: 1}, base.gateway, base.reporter, base.registry, logx.Nop())
	h := srv.router()

	first := postJSON(t, h, "/api/v1/submissions", map[string]any{
		"body":      "throttle test one",
		"platforms": []string{"twitter"},
	})
	require.Equal(t, http.StatusAccepted, first.Code)

	second := postJSON(t, h, "/api/v1/submissions", map[string]any{
		"body":      "throttle test two",
		"platforms": []string{"twitter"},
	})
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
}
