package browser

import (
	"context"

	"github.com/scraperdev/gateway/internal/gateway"
)

// Noop is the browser driver used when Chrome is disabled. Every call fails
// with the browser-unavailable code so callers get the 503 contract instead
// of a connection error.
type Noop struct{}

// NewNoop returns the disabled driver.
func NewNoop() *Noop {
	return &Noop{}
}

// Fetch always reports the browser as unavailable.
func (*Noop) Fetch(context.Context, gateway.FetchTarget) (gateway.FetchResult, error) {
	return gateway.FetchResult{}, gateway.E(gateway.CodeBrowserUnavailable, "browser rendering is not available")
}

// Screenshot always reports the browser as unavailable.
func (*Noop) Screenshot(context.Context, gateway.FetchTarget) (gateway.FetchResult, error) {
	return gateway.FetchResult{}, gateway.E(gateway.CodeBrowserUnavailable, "browser rendering is not available")
}
