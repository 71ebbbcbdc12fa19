// Package browser renders pages in headless Chrome for targets that need
// JavaScript, and captures screenshots. Concurrency is bounded by a fixed
// pool of session slots; when all slots are busy the driver fails fast
// instead of queueing unboundedly.
package browser

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/scraperdev/gateway/internal/admission"
	"github.com/scraperdev/gateway/internal/gateway"
	"github.com/scraperdev/gateway/internal/metrics"
)

const (
	defaultMaxSessions    = 4
	defaultAcquireTimeout = 5 * time.Second
	defaultTimeout        = 15 * time.Second
	defaultUserAgent      = "ScraperGateway/1.0 (+https://scraper.dev)"
	settleDelay           = 500 * time.Millisecond
	jpegQuality           = 85

	defaultViewportWidth  = 1280
	defaultViewportHeight = 720
)

// Config tunes the browser driver.
type Config struct {
	MaxSessions    int
	AcquireTimeout time.Duration
	UserAgent      string
	ChromePath     string

	// Admit revalidates the target URL before navigation. Defaults to the
	// admission validator.
	Admit func(raw string) (string, error)
}

// Driver implements gateway.BrowserDriver on chromedp.
type Driver struct {
	allocCtx    context.Context
	allocCancel context.CancelFunc
	slots       chan struct{}
	acquireWait time.Duration
	userAgent   string
	admit       func(raw string) (string, error)
	logger      *zap.Logger
}

// New starts a Chrome exec allocator. Chrome itself launches lazily on the
// first session.
func New(cfg Config, logger *zap.Logger) (*Driver, error) {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = defaultMaxSessions
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = defaultAcquireTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.Admit == nil {
		cfg.Admit = admission.Validate
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.WindowSize(defaultViewportWidth, defaultViewportHeight),
	)
	if cfg.ChromePath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ChromePath))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	slots := make(chan struct{}, cfg.MaxSessions)
	for i := 0; i < cfg.MaxSessions; i++ {
		slots <- struct{}{}
	}
	return &Driver{
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
		slots:       slots,
		acquireWait: cfg.AcquireTimeout,
		userAgent:   cfg.UserAgent,
		admit:       cfg.Admit,
		logger:      logger,
	}, nil
}

// Close tears down the allocator and every Chrome it spawned.
func (d *Driver) Close() {
	d.allocCancel()
}

// Fetch renders the target and extracts its content.
func (d *Driver) Fetch(ctx context.Context, target gateway.FetchTarget) (gateway.FetchResult, error) {
	return d.session(ctx, target, false)
}

// Screenshot renders the target and captures an image.
func (d *Driver) Screenshot(ctx context.Context, target gateway.FetchTarget) (gateway.FetchResult, error) {
	return d.session(ctx, target, true)
}

func (d *Driver) session(ctx context.Context, target gateway.FetchTarget, screenshot bool) (gateway.FetchResult, error) {
	canonical, err := d.admit(target.URL)
	if err != nil {
		return gateway.FetchResult{}, gateway.E(gateway.CodeBlocked, "%s", admission.ReasonMessage(err))
	}
	target.URL = canonical

	release, err := d.acquire(ctx)
	if err != nil {
		return gateway.FetchResult{}, err
	}
	defer release()

	timeout := target.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	tabCtx, tabCancel := chromedp.NewContext(d.allocCtx)
	defer tabCancel()
	tabCtx, timeoutCancel := context.WithTimeout(tabCtx, timeout)
	defer timeoutCancel()

	// The tab descends from the allocator, not from the caller, so caller
	// cancellation is forwarded by hand.
	stop := forwardCancel(ctx, tabCancel)
	defer stop()

	statusCode := listenForStatus(tabCtx)

	result := gateway.FetchResult{URL: target.URL}
	tasks := chromedp.Tasks{
		network.Enable(),
		emulation.SetUserAgentOverride(d.userAgent),
		chromedp.Navigate(target.URL),
		chromedp.WaitReady("body"),
		chromedp.Sleep(settleDelay),
	}
	if target.WaitFor != "" {
		tasks = append(tasks, waitVisibleBudget(target.WaitFor, timeout/2))
	}
	if screenshot {
		tasks = append(tasks, captureTasks(target, &result)...)
	} else {
		tasks = append(tasks, extractTasks(target.Selector, &result)...)
	}
	tasks = append(tasks, chromedp.Title(&result.Title))

	if err := chromedp.Run(tabCtx, tasks); err != nil {
		var ge *gateway.Error
		if errors.As(err, &ge) {
			return gateway.FetchResult{}, ge
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return gateway.FetchResult{}, gateway.E(gateway.CodeTimeout, "page did not finish loading within %s", timeout)
		}
		d.logger.Warn("browser session failed", zap.String("url", target.URL), zap.Error(err))
		return gateway.FetchResult{}, fmt.Errorf("render %s: %w", target.URL, err)
	}

	result.StatusCode = *statusCode
	result.FetchedAt = time.Now().UTC()
	return result, nil
}

// acquire takes a session slot or fails fast when Chrome is saturated.
func (d *Driver) acquire(ctx context.Context) (func(), error) {
	timer := time.NewTimer(d.acquireWait)
	defer timer.Stop()
	select {
	case <-d.slots:
		metrics.IncBrowserSessions()
		return func() {
			metrics.DecBrowserSessions()
			d.slots <- struct{}{}
		}, nil
	case <-ctx.Done():
		return nil, gateway.E(gateway.CodeBrowserUnavailable, "browser rendering is not available")
	case <-timer.C:
		return nil, gateway.E(gateway.CodeBrowserUnavailable, "all browser sessions are busy")
	}
}

func forwardCancel(ctx context.Context, cancel context.CancelFunc) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}

// listenForStatus records the main document's response status. Some
// navigations (cache hits, about:blank redirect chains) never surface one;
// those report 200.
func listenForStatus(ctx context.Context) *int {
	status := 200
	seen := false
	chromedp.ListenTarget(ctx, func(ev any) {
		if resp, ok := ev.(*network.EventResponseReceived); ok {
			if resp.Type == network.ResourceTypeDocument && !seen {
				seen = true
				status = int(resp.Response.Status)
			}
		}
	})
	return &status
}

// waitVisibleBudget waits for a selector with half the request budget, so a
// missing element fails before the page deadline does.
func waitVisibleBudget(selector string, budget time.Duration) chromedp.ActionFunc {
	return func(ctx context.Context) error {
		wctx, cancel := context.WithTimeout(ctx, budget)
		defer cancel()
		err := chromedp.WaitVisible(selector, chromedp.ByQuery).Do(wctx)
		if errors.Is(err, context.DeadlineExceeded) {
			return gateway.E(gateway.CodeTimeout, "element %q did not appear within %s", selector, budget)
		}
		return err
	}
}

func extractTasks(selector string, result *gateway.FetchResult) chromedp.Tasks {
	if selector == "" {
		return chromedp.Tasks{chromedp.OuterHTML("html", &result.Content, chromedp.ByQuery)}
	}
	return chromedp.Tasks{
		chromedp.ActionFunc(func(ctx context.Context) error {
			var nodes []*cdp.Node
			if err := chromedp.Nodes(selector, &nodes, chromedp.ByQueryAll, chromedp.AtLeast(0)).Do(ctx); err != nil {
				return err
			}
			if len(nodes) == 0 {
				return gateway.E(gateway.CodeSelectorNotFound, "no element matches selector %q", selector)
			}
			return chromedp.InnerHTML(selector, &result.Content, chromedp.ByQuery).Do(ctx)
		}),
	}
}

func captureTasks(target gateway.FetchTarget, result *gateway.FetchResult) chromedp.Tasks {
	params := gateway.ScreenshotParams{
		Width:  defaultViewportWidth,
		Height: defaultViewportHeight,
		Format: gateway.FormatPNG,
	}
	if target.Screenshot != nil {
		if target.Screenshot.Width > 0 {
			params.Width = target.Screenshot.Width
		}
		if target.Screenshot.Height > 0 {
			params.Height = target.Screenshot.Height
		}
		if target.Screenshot.Format != "" {
			params.Format = target.Screenshot.Format
		}
		params.FullPage = target.Screenshot.FullPage
	}

	return chromedp.Tasks{
		chromedp.EmulateViewport(int64(params.Width), int64(params.Height)),
		chromedp.ActionFunc(func(ctx context.Context) error {
			capture := page.CaptureScreenshot().
				WithFormat(page.CaptureScreenshotFormat(params.Format)).
				WithFromSurface(true).
				WithCaptureBeyondViewport(params.FullPage)
			if params.Format != gateway.FormatPNG {
				capture = capture.WithQuality(jpegQuality)
			}
			buf, err := capture.Do(ctx)
			if err != nil {
				return fmt.Errorf("capture screenshot: %w", err)
			}
			result.Image = buf
			return nil
		}),
	}
}
