package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	auditmem "github.com/scraperdev/gateway/internal/audit/memory"
	"github.com/scraperdev/gateway/internal/gateway"
	"github.com/scraperdev/gateway/internal/id/uuid"
	ledgermem "github.com/scraperdev/gateway/internal/ledger/memory"
	storagemem "github.com/scraperdev/gateway/internal/storage/memory"
)

const internalSecret = "test-internal-secret"

type fixedClock struct {
	now time.Time
}

func (c *fixedClock) Now() time.Time { return c.now }

type stubDriver struct {
	result gateway.FetchResult
	err    error
}

func (d *stubDriver) Fetch(_ context.Context, target gateway.FetchTarget) (gateway.FetchResult, error) {
	if d.err != nil {
		return gateway.FetchResult{}, d.err
	}
	res := d.result
	res.URL = target.URL
	return res, nil
}

type stubBrowser struct {
	stubDriver
	image []byte
}

func (d *stubBrowser) Screenshot(_ context.Context, target gateway.FetchTarget) (gateway.FetchResult, error) {
	if d.err != nil {
		return gateway.FetchResult{}, d.err
	}
	return gateway.FetchResult{Image: d.image, Title: "shot", URL: target.URL, StatusCode: 200}, nil
}

type fixture struct {
	server *Server
	ledger *ledgermem.Ledger
	audit  *auditmem.Sink
	static *stubDriver
	rawKey string
	userID string
}

func newFixture(t *testing.T, limit int) *fixture {
	t.Helper()

	clk := &fixedClock{now: time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)}
	idGen := uuid.New()
	ledger := ledgermem.New(clk, idGen, limit)

	principal, err := ledger.UpsertPrincipal(context.Background(), gateway.ExternalIdentity{
		ProviderID: "provider-1",
		Email:      "dev@example.com",
	})
	require.NoError(t, err)
	issued, err := ledger.IssueCredential(context.Background(), principal.ID, "default")
	require.NoError(t, err)

	sink := auditmem.New()
	static := &stubDriver{result: gateway.FetchResult{Content: "<p>hi</p>", Title: "Hi", StatusCode: 200}}
	browser := &stubBrowser{
		stubDriver: stubDriver{result: gateway.FetchResult{Content: "<div>rendered</div>", Title: "Rendered", StatusCode: 200}},
		image:      []byte("fake-png-bytes"),
	}

	orch, err := gateway.NewOrchestrator(gateway.OrchestratorParams{
		Ledger:    ledger,
		Static:    static,
		Browser:   browser,
		Audit:     sink,
		Blobs:     storagemem.New(),
		Clock:     clk,
		SyncAudit: true,
	})
	require.NoError(t, err)

	server := NewServer(Params{
		Orchestrator:   orch,
		Audit:          sink,
		AuditReader:    sink,
		Clock:          clk,
		IDGen:          idGen,
		InternalSecret: internalSecret,
	})

	return &fixture{
		server: server,
		ledger: ledger,
		audit:  sink,
		static: static,
		rawKey: issued.RawKey,
		userID: principal.ID,
	}
}

func (f *fixture) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&env))
	return env
}

func authHeaders(key string) map[string]string {
	return map[string]string{"X-API-Key": key}
}

func TestScrapeSuccess(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 100)

	rec := f.do(t, http.MethodPost, "/v1/scrape",
		map[string]any{"url": "https://example.com/page"}, authHeaders(f.rawKey))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	env := decodeEnvelope(t, rec)
	assert.True(t, env.Success)
	require.NotNil(t, env.Meta)
	assert.NotEmpty(t, env.Meta.RequestID)
	assert.Equal(t, rec.Header().Get("X-Request-ID"), env.Meta.RequestID)

	data, ok := env.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "<p>hi</p>", data["content"])
	assert.Equal(t, "Hi", data["title"])

	assert.Equal(t, "100", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "99", rec.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))
}

func TestScrapeRenderDispatchesToBrowser(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 100)

	rec := f.do(t, http.MethodPost, "/v1/scrape",
		map[string]any{"url": "https://example.com", "render": true}, authHeaders(f.rawKey))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	data := decodeEnvelope(t, rec).Data.(map[string]any)
	assert.Equal(t, "<div>rendered</div>", data["content"])
}

func TestScrapeBearerToken(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 100)

	rec := f.do(t, http.MethodPost, "/v1/scrape",
		map[string]any{"url": "https://example.com"},
		map[string]string{"Authorization": "Bearer " + f.rawKey})
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestScrapeValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 100)

	cases := []struct {
		name string
		body map[string]any
	}{
		{"missing url", map[string]any{"selector": "h1"}},
		{"render not a bool", map[string]any{"url": "https://example.com", "render": "yes"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			rec := f.do(t, http.MethodPost, "/v1/scrape", tc.body, authHeaders(f.rawKey))
			require.Equal(t, http.StatusBadRequest, rec.Code)
			env := decodeEnvelope(t, rec)
			assert.False(t, env.Success)
			require.NotNil(t, env.Error)
			assert.Equal(t, "INVALID_REQUEST", env.Error.Code)
			assert.NotEmpty(t, env.Error.RequestID)
		})
	}
}

func TestScrapeBlockedTarget(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 100)

	rec := f.do(t, http.MethodPost, "/v1/scrape",
		map[string]any{"url": "http://169.254.169.254/latest/meta-data/"}, authHeaders(f.rawKey))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	env := decodeEnvelope(t, rec)
	require.NotNil(t, env.Error)
	assert.Equal(t, "SSRF_BLOCKED", env.Error.Code)
}

func TestScrapeUnauthorized(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 100)

	rec := f.do(t, http.MethodPost, "/v1/scrape", map[string]any{"url": "https://example.com"}, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Equal(t, "UNAUTHORIZED", env.Error.Code)
	assert.Equal(t, "missing API key", env.Error.Message)

	rec = f.do(t, http.MethodPost, "/v1/scrape", map[string]any{"url": "https://example.com"},
		authHeaders("sk_0000000000000000000000000000000000000000000000000000000000000000"))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	env = decodeEnvelope(t, rec)
	assert.Equal(t, "invalid or expired API key", env.Error.Message)
}

func TestScrapeQuotaExceeded(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)

	rec := f.do(t, http.MethodPost, "/v1/scrape", map[string]any{"url": "https://example.com"}, authHeaders(f.rawKey))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/scrape", map[string]any{"url": "https://example.com"}, authHeaders(f.rawKey))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	env := decodeEnvelope(t, rec)
	require.NotNil(t, env.Error)
	assert.Equal(t, "QUOTA_EXCEEDED", env.Error.Code)
	assert.EqualValues(t, 1, env.Error.Details["limit"])
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
}

func TestScreenshotReturnsImage(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 100)

	rec := f.do(t, http.MethodPost, "/v1/screenshot",
		map[string]any{"url": "https://example.com", "format": "png"}, authHeaders(f.rawKey))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, "fake-png-bytes", rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Screenshot-URI"))
	assert.Equal(t, "99", rec.Header().Get("X-RateLimit-Remaining"))
}

func TestScreenshotValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 100)

	cases := []struct {
		name string
		body map[string]any
	}{
		{"bad format", map[string]any{"url": "https://example.com", "format": "gif"}},
		{"width too small", map[string]any{"url": "https://example.com", "width": 100}},
		{"width too large", map[string]any{"url": "https://example.com", "width": 4000}},
		{"height too small", map[string]any{"url": "https://example.com", "height": 10}},
		{"height too large", map[string]any{"url": "https://example.com", "height": 9999}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			rec := f.do(t, http.MethodPost, "/v1/screenshot", tc.body, authHeaders(f.rawKey))
			require.Equal(t, http.StatusBadRequest, rec.Code)
			env := decodeEnvelope(t, rec)
			assert.Equal(t, "INVALID_REQUEST", env.Error.Code)
		})
	}
}

func TestUsageEndpoint(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 100)

	// Consume once so the window has state.
	rec := f.do(t, http.MethodPost, "/v1/scrape", map[string]any{"url": "https://example.com"}, authHeaders(f.rawKey))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/user/usage", nil, authHeaders(f.rawKey))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	env := decodeEnvelope(t, rec)
	data := env.Data.(map[string]any)
	assert.EqualValues(t, 1, data["used"])
	assert.EqualValues(t, 100, data["limit"])
	assert.EqualValues(t, 99, data["remaining"])
	assert.Equal(t, "free", data["plan"])

	rec = f.do(t, http.MethodGet, "/v1/user/usage", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestInternalSecretRequired(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 100)

	rec := f.do(t, http.MethodPost, "/internal/auth/sync",
		map[string]any{"provider_id": "p", "email": "e@example.com"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/internal/auth/sync",
		map[string]any{"provider_id": "p", "email": "e@example.com"},
		map[string]string{"X-Internal-Secret": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func internalHeaders() map[string]string {
	return map[string]string{"X-Internal-Secret": internalSecret}
}

func TestIdentitySync(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 100)

	rec := f.do(t, http.MethodPost, "/internal/auth/sync",
		map[string]any{"provider_id": "prov-new", "email": "new@example.com", "name": "New"},
		internalHeaders())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	env := decodeEnvelope(t, rec)
	data := env.Data.(map[string]any)
	assert.NotEmpty(t, data["id"])
	assert.Equal(t, "free", data["plan"])
	assert.EqualValues(t, 100, data["quota_limit"])

	// Same provider id resolves to the same principal.
	rec2 := f.do(t, http.MethodPost, "/internal/auth/sync",
		map[string]any{"provider_id": "prov-new", "email": "renamed@example.com"},
		internalHeaders())
	require.Equal(t, http.StatusOK, rec2.Code)
	data2 := decodeEnvelope(t, rec2).Data.(map[string]any)
	assert.Equal(t, data["id"], data2["id"])

	// Missing fields are a caller error.
	rec3 := f.do(t, http.MethodPost, "/internal/auth/sync", map[string]any{"email": "x@example.com"}, internalHeaders())
	assert.Equal(t, http.StatusBadRequest, rec3.Code)
}

func TestAPIKeyLifecycle(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 100)

	rec := f.do(t, http.MethodPost, "/internal/user/api-keys",
		map[string]any{"principal_id": f.userID, "name": "ci"}, internalHeaders())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeEnvelope(t, rec).Data.(map[string]any)
	keyID := created["id"].(string)
	rawKey := created["key"].(string)
	assert.NotEmpty(t, rawKey)

	// Duplicate name conflicts.
	rec = f.do(t, http.MethodPost, "/internal/user/api-keys",
		map[string]any{"principal_id": f.userID, "name": "ci"}, internalHeaders())
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "API_KEY_NAME_TAKEN", decodeEnvelope(t, rec).Error.Code)

	// New key authenticates immediately.
	rec = f.do(t, http.MethodPost, "/v1/scrape", map[string]any{"url": "https://example.com"}, authHeaders(rawKey))
	require.Equal(t, http.StatusOK, rec.Code)

	// List shows both keys, raw secrets never re-appear.
	rec = f.do(t, http.MethodGet, "/internal/user/api-keys?principal_id="+f.userID, nil, internalHeaders())
	require.Equal(t, http.StatusOK, rec.Code)
	list := decodeEnvelope(t, rec).Data.([]any)
	require.Len(t, list, 2)
	for _, item := range list {
		_, hasKey := item.(map[string]any)["key"]
		assert.False(t, hasKey)
	}

	// Revoke, then the key stops working.
	rec = f.do(t, http.MethodDelete,
		fmt.Sprintf("/internal/user/api-keys/%s?principal_id=%s", keyID, f.userID), nil, internalHeaders())
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/scrape", map[string]any{"url": "https://example.com"}, authHeaders(rawKey))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Revoking again is a 404.
	rec = f.do(t, http.MethodDelete,
		fmt.Sprintf("/internal/user/api-keys/%s?principal_id=%s", keyID, f.userID), nil, internalHeaders())
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRequestHistory(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 100)

	rec := f.do(t, http.MethodPost, "/v1/scrape", map[string]any{"url": "https://example.com"}, authHeaders(f.rawKey))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/internal/user/requests?principal_id="+f.userID, nil, internalHeaders())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	records := decodeEnvelope(t, rec).Data.([]any)
	require.Len(t, records, 1)
	first := records[0].(map[string]any)
	assert.Equal(t, "https://example.com", first["target_url"])
	assert.EqualValues(t, 200, first["status_code"])

	rec = f.do(t, http.MethodGet, "/internal/user/requests?principal_id="+f.userID+"&limit=0", nil, internalHeaders())
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 100)

	rec := f.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodGet, "/readyz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "gateway_http_requests_total")
}
