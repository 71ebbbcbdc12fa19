package gateway_test

import (
	"context"
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

type fixedClock struct {
	now time.Time
}

func (c *fixedClock) Now() time.Time { return c.now }

type stubDriver struct {
	result gateway.FetchResult
	err    error
	calls  int
}

func (d *stubDriver) Fetch(_ context.Context, target gateway.FetchTarget) (gateway.FetchResult, error) {
	d.calls++
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
	d.calls++
	if d.err != nil {
		return gateway.FetchResult{}, d.err
	}
	return gateway.FetchResult{Image: d.image, Title: "shot", URL: target.URL, StatusCode: 200}, nil
}

type fixture struct {
	orch   *gateway.Orchestrator
	ledger *ledgermem.Ledger
	audit  *auditmem.Sink
	blobs  *storagemem.Store
	static *stubDriver
	clock  *fixedClock
	rawKey string
	userID string
}

func newFixture(t *testing.T, browser gateway.BrowserDriver, limit int) *fixture {
	t.Helper()

	clk := &fixedClock{now: time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)}
	ledger := ledgermem.New(clk, uuid.New(), limit)

	principal, err := ledger.UpsertPrincipal(context.Background(), gateway.ExternalIdentity{
		ProviderID: "provider-1",
		Email:      "dev@example.com",
	})
	require.NoError(t, err)
	issued, err := ledger.IssueCredential(context.Background(), principal.ID, "default")
	require.NoError(t, err)

	sink := auditmem.New()
	blobs := storagemem.New()
	static := &stubDriver{result: gateway.FetchResult{Content: "<p>hi</p>", Title: "Hi", StatusCode: 200}}

	orch, err := gateway.NewOrchestrator(gateway.OrchestratorParams{
		Ledger:    ledger,
		Static:    static,
		Browser:   browser,
		Audit:     sink,
		Blobs:     blobs,
		Clock:     clk,
		SyncAudit: true,
	})
	require.NoError(t, err)

	return &fixture{
		orch:   orch,
		ledger: ledger,
		audit:  sink,
		blobs:  blobs,
		static: static,
		clock:  clk,
		rawKey: issued.RawKey,
		userID: principal.ID,
	}
}

func (f *fixture) request(url string) gateway.Request {
	return gateway.Request{
		RawKey: f.rawKey,
		Target: gateway.FetchTarget{URL: url, Mode: gateway.ModeLight, Timeout: 5 * time.Second},
		Provenance: gateway.Provenance{
			RequestID: "req-1",
			Method:    "POST",
			Path:      "/v1/scrape",
			RemoteIP:  "203.0.113.9",
			UserAgent: "test-agent",
		},
	}
}

func TestScrapeSuccess(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, 100)

	resp := f.orch.Scrape(context.Background(), f.request("https://example.com/page"))

	require.Nil(t, resp.Err)
	require.NotNil(t, resp.Result)
	assert.Equal(t, "<p>hi</p>", resp.Result.Content)
	require.NotNil(t, resp.Quota)
	assert.True(t, resp.Quota.Allowed)
	assert.Equal(t, 1, resp.Quota.Used)
	assert.Equal(t, 99, resp.Quota.Remaining)

	records := f.audit.Records()
	require.Len(t, records, 1)
	assert.Equal(t, f.userID, records[0].PrincipalID)
	assert.Equal(t, 200, records[0].StatusCode)
	assert.Empty(t, records[0].ErrorCode)
	assert.Equal(t, len("<p>hi</p>"), records[0].ResponseSize)

	// Key use is recorded as an auth event off the request path.
	events := f.audit.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "key_used", events[0].EventType)

	// Last-used stamp landed on the credential.
	creds, err := f.ledger.ListCredentials(context.Background(), f.userID)
	require.NoError(t, err)
	require.Len(t, creds, 1)
	require.NotNil(t, creds[0].LastUsedAt)
}

func TestScrapeBlockedURLBeforeAuth(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, 100)

	req := f.request("http://169.254.169.254/latest/meta-data/")
	req.RawKey = "not-even-a-key"
	resp := f.orch.Scrape(context.Background(), req)

	require.NotNil(t, resp.Err)
	assert.Equal(t, gateway.CodeBlocked, resp.Err.Code)
	assert.Nil(t, resp.Quota, "no quota consulted for blocked URLs")
	assert.Zero(t, f.static.calls)

	records := f.audit.Records()
	require.Len(t, records, 1)
	assert.Empty(t, records[0].PrincipalID)
	assert.Equal(t, "SSRF_BLOCKED", records[0].ErrorCode)
	assert.Equal(t, 400, records[0].StatusCode)
}

func TestScrapeAuthFailures(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, 100)

	missing := f.request("https://example.com")
	missing.RawKey = ""
	resp := f.orch.Scrape(context.Background(), missing)
	require.NotNil(t, resp.Err)
	assert.Equal(t, gateway.CodeUnauthorized, resp.Err.Code)
	assert.Equal(t, "missing API key", resp.Err.Message)

	invalid := f.request("https://example.com")
	invalid.RawKey = "sk_" + "deadbeef"
	resp = f.orch.Scrape(context.Background(), invalid)
	require.NotNil(t, resp.Err)
	assert.Equal(t, gateway.CodeUnauthorized, resp.Err.Code)
	assert.Equal(t, "invalid or expired API key", resp.Err.Message)
	assert.Zero(t, f.static.calls)
}

func TestScrapeQuotaExhausted(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, 2)

	for i := 0; i < 2; i++ {
		resp := f.orch.Scrape(context.Background(), f.request("https://example.com"))
		require.Nil(t, resp.Err)
	}

	resp := f.orch.Scrape(context.Background(), f.request("https://example.com"))
	require.NotNil(t, resp.Err)
	assert.Equal(t, gateway.CodeQuotaExceeded, resp.Err.Code)
	require.NotNil(t, resp.Quota)
	assert.Equal(t, 0, resp.Quota.Remaining)
	assert.Equal(t, 2, resp.Quota.Used)
	assert.Equal(t, 2, resp.Err.Details["current"])
	assert.Equal(t, 2, resp.Err.Details["limit"])
	assert.NotEmpty(t, resp.Err.Details["reset_at"])
	assert.Equal(t, 2, f.static.calls, "denied request must not reach the driver")
}

func TestQuotaWindowResets(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, 1)

	resp := f.orch.Scrape(context.Background(), f.request("https://example.com"))
	require.Nil(t, resp.Err)
	resp = f.orch.Scrape(context.Background(), f.request("https://example.com"))
	require.NotNil(t, resp.Err)

	// Crossing the UTC day boundary opens a fresh window.
	f.clock.now = f.clock.now.Add(24 * time.Hour)
	resp = f.orch.Scrape(context.Background(), f.request("https://example.com"))
	require.Nil(t, resp.Err)
	assert.Equal(t, 1, resp.Quota.Used)
}

func TestHeavyModeWithoutBrowser(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil, 100)

	req := f.request("https://example.com")
	req.Target.Mode = gateway.ModeHeavy
	resp := f.orch.Scrape(context.Background(), req)

	require.NotNil(t, resp.Err)
	assert.Equal(t, gateway.CodeBrowserUnavailable, resp.Err.Code)
	require.NotNil(t, resp.Quota, "quota is consumed before dispatch")
}

func TestScreenshotArchivesImage(t *testing.T) {
	t.Parallel()
	browser := &stubBrowser{image: []byte{0x89, 0x50, 0x4e, 0x47}}
	f := newFixture(t, browser, 100)

	req := f.request("https://example.com")
	req.Target.Screenshot = &gateway.ScreenshotParams{Width: 1280, Height: 720, Format: gateway.FormatPNG}
	resp := f.orch.Screenshot(context.Background(), req)

	require.Nil(t, resp.Err)
	require.NotNil(t, resp.Result)
	assert.Equal(t, browser.image, resp.Result.Image)
	assert.Equal(t, gateway.ModeHeavy, resp.Mode)

	assert.Equal(t, "mem://screenshots/req-1.png", resp.BlobURI)
	stored, ok := f.blobs.Object("screenshots/req-1.png")
	require.True(t, ok)
	assert.Equal(t, browser.image, stored)

	records := f.audit.Records()
	require.Len(t, records, 1)
	assert.Equal(t, len(browser.image), records[0].ResponseSize)
	assert.Equal(t, resp.BlobURI, records[0].BlobURI)
}

func TestDriverErrorsClassified(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want gateway.Code
	}{
		{"typed passes through", gateway.E(gateway.CodeSelectorNotFound, "no match"), gateway.CodeSelectorNotFound},
		{"deadline becomes timeout", context.DeadlineExceeded, gateway.CodeTimeout},
		{"opaque becomes upstream failure", assert.AnError, gateway.CodeUpstreamFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t, nil, 100)
			f.static.err = tc.err

			resp := f.orch.Scrape(context.Background(), f.request("https://example.com"))
			require.NotNil(t, resp.Err)
			assert.Equal(t, tc.want, resp.Err.Code)

			records := f.audit.Records()
			require.Len(t, records, 1)
			assert.Equal(t, string(tc.want), records[0].ErrorCode)
		})
	}
}
