// Package static fetches pages over plain HTTP and extracts content with CSS
// selectors. It never executes JavaScript; pages that need a real browser go
// through the heavy driver instead.
package static

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/scraperdev/gateway/internal/admission"
	"github.com/scraperdev/gateway/internal/gateway"
)

const (
	defaultTimeout   = 15 * time.Second
	defaultUserAgent = "ScraperGateway/1.0 (+https://scraper.dev)"
)

// Config tunes the static driver.
type Config struct {
	UserAgent string

	// Admit revalidates the target URL before any connection is opened.
	// Defaults to the admission validator; tests that fetch loopback
	// servers substitute their own.
	Admit func(raw string) (string, error)
}

// Fetcher implements gateway.Driver over colly.
type Fetcher struct {
	userAgent string
	admit     func(raw string) (string, error)
	logger    *zap.Logger
}

// New builds a static fetcher.
func New(cfg Config, logger *zap.Logger) *Fetcher {
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.Admit == nil {
		cfg.Admit = admission.Validate
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{userAgent: cfg.UserAgent, admit: cfg.Admit, logger: logger}
}

// Fetch retrieves the target and extracts its content. The URL is
// revalidated here so the driver is safe even if a caller bypasses the
// orchestrator.
func (f *Fetcher) Fetch(ctx context.Context, target gateway.FetchTarget) (gateway.FetchResult, error) {
	canonical, err := f.admit(target.URL)
	if err != nil {
		return gateway.FetchResult{}, gateway.E(gateway.CodeBlocked, "%s", admission.ReasonMessage(err))
	}

	timeout := target.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, statusCode, finalURL, err := f.retrieve(ctx, canonical, timeout)
	if err != nil {
		return gateway.FetchResult{}, err
	}
	if statusCode < 200 || statusCode >= 300 {
		return gateway.FetchResult{}, gateway.E(gateway.CodeUpstreamFailed, "upstream returned HTTP %d", statusCode)
	}

	content, title, err := extract(body, target.Selector)
	if err != nil {
		return gateway.FetchResult{}, err
	}
	return gateway.FetchResult{
		Content:    content,
		Title:      title,
		URL:        finalURL,
		StatusCode: statusCode,
		FetchedAt:  time.Now().UTC(),
	}, nil
}

type fetchOutcome struct {
	body     []byte
	status   int
	finalURL string
	err      error
}

// retrieve runs a single colly visit. Colly has no context plumbing, so the
// visit runs in its own goroutine and the select below enforces the caller's
// deadline; the collector's own request timeout bounds the leak.
func (f *Fetcher) retrieve(ctx context.Context, url string, timeout time.Duration) ([]byte, int, string, error) {
	// Single user-directed fetch, not a crawl; robots.txt does not apply.
	c := colly.NewCollector(colly.UserAgent(f.userAgent), colly.IgnoreRobotsTxt())
	c.SetRequestTimeout(timeout)

	outcome := fetchOutcome{finalURL: url}

	c.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
		r.Headers.Set("Accept-Language", "en-US,en;q=0.9")
	})
	c.OnResponse(func(r *colly.Response) {
		outcome.body = r.Body
		outcome.status = r.StatusCode
		if r.Request != nil && r.Request.URL != nil {
			outcome.finalURL = r.Request.URL.String()
		}
	})
	c.OnError(func(r *colly.Response, err error) {
		outcome.status = r.StatusCode
		outcome.err = err
		if r.Request != nil && r.Request.URL != nil {
			outcome.finalURL = r.Request.URL.String()
		}
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := c.Visit(url); err != nil && outcome.err == nil {
			outcome.err = err
		}
		c.Wait()
	}()

	select {
	case <-ctx.Done():
		return nil, 0, "", gateway.E(gateway.CodeTimeout, "request timed out after %s", timeout)
	case <-done:
	}

	if outcome.err != nil {
		if outcome.status > 0 {
			// HTTP-level failure; the status carries the story.
			return nil, outcome.status, outcome.finalURL, nil
		}
		var netErr net.Error
		if errors.As(outcome.err, &netErr) && netErr.Timeout() {
			return nil, 0, "", gateway.E(gateway.CodeTimeout, "request timed out after %s", timeout)
		}
		f.logger.Debug("static fetch failed", zap.String("url", url), zap.Error(outcome.err))
		return nil, 0, "", fmt.Errorf("fetch %s: %w", url, outcome.err)
	}
	return outcome.body, outcome.status, outcome.finalURL, nil
}

// extract pulls content and title out of an HTML document. With a selector
// the first match wins; zero matches is a caller error, not an upstream one.
func extract(body []byte, selector string) (content, title string, err error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
	if err != nil {
		return "", "", fmt.Errorf("parse document: %w", err)
	}

	doc.Find("script, style, noscript").Remove()

	title = strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		title = strings.TrimSpace(doc.Find("h1").First().Text())
	}

	if selector != "" {
		sel := doc.Find(selector)
		if sel.Length() == 0 {
			return "", "", gateway.E(gateway.CodeSelectorNotFound, "no element matches selector %q", selector)
		}
		html, herr := sel.First().Html()
		if herr != nil {
			return strings.TrimSpace(sel.First().Text()), title, nil
		}
		return strings.TrimSpace(html), title, nil
	}

	if bodySel := doc.Find("body"); bodySel.Length() > 0 {
		if html, herr := bodySel.First().Html(); herr == nil {
			return strings.TrimSpace(html), title, nil
		}
	}
	return strings.TrimSpace(string(body)), title, nil
}
