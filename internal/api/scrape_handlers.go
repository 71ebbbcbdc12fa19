package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/scraperdev/gateway/internal/gateway"
)

// Boundary rules for caller-supplied knobs. Timeouts clamp; dimensions and
// enums reject.
const (
	minTimeoutMs     = 1000
	maxTimeoutMs     = 30000
	defaultTimeoutMs = 15000

	minWidth      = 320
	maxWidth      = 1920
	defaultWidth  = 1280
	minHeight     = 240
	maxHeight     = 1080
	defaultHeight = 720
)

type scrapeRequest struct {
	URL      string `json:"url"`
	Render   bool   `json:"render"`
	Selector string `json:"selector"`
	WaitFor  string `json:"wait_for"`
	Timeout  int    `json:"timeout"`
}

type screenshotRequest struct {
	URL      string `json:"url"`
	WaitFor  string `json:"wait_for"`
	Timeout  int    `json:"timeout"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	FullPage bool   `json:"full_page"`
	Format   string `json:"format"`
}

type scrapeData struct {
	Content   string `json:"content"`
	Title     string `json:"title"`
	URL       string `json:"url"`
	Timestamp string `json:"timestamp"`
}

func (s *Server) scrape(w http.ResponseWriter, r *http.Request) {
	var body scrapeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, r, gateway.E(gateway.CodeInvalidRequest, "invalid JSON body"))
		return
	}
	target, gerr := scrapeTarget(body)
	if gerr != nil {
		s.writeError(w, r, gerr)
		return
	}

	resp := s.orch.Scrape(r.Context(), gateway.Request{
		RawKey:     extractCredential(r),
		Target:     target,
		Provenance: s.provenance(r),
	})
	setQuotaHeaders(w, resp.Quota)
	if resp.Err != nil {
		s.writeError(w, r, resp.Err)
		return
	}
	s.writeData(w, r, http.StatusOK, scrapeData{
		Content:   resp.Result.Content,
		Title:     resp.Result.Title,
		URL:       resp.Result.URL,
		Timestamp: resp.Result.FetchedAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) screenshot(w http.ResponseWriter, r *http.Request) {
	var body screenshotRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, r, gateway.E(gateway.CodeInvalidRequest, "invalid JSON body"))
		return
	}
	target, format, gerr := screenshotTarget(body)
	if gerr != nil {
		s.writeError(w, r, gerr)
		return
	}

	resp := s.orch.Screenshot(r.Context(), gateway.Request{
		RawKey:     extractCredential(r),
		Target:     target,
		Provenance: s.provenance(r),
	})
	setQuotaHeaders(w, resp.Quota)
	if resp.Err != nil {
		s.writeError(w, r, resp.Err)
		return
	}

	if resp.BlobURI != "" {
		w.Header().Set("X-Screenshot-URI", resp.BlobURI)
	}
	w.Header().Set("Content-Type", "image/"+string(format))
	w.Header().Set("Content-Length", strconv.Itoa(len(resp.Result.Image)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(resp.Result.Image); err != nil {
		s.logger.Error("write image failed", zap.Error(err))
	}
}

func scrapeTarget(body scrapeRequest) (gateway.FetchTarget, *gateway.Error) {
	if body.URL == "" {
		return gateway.FetchTarget{}, gateway.E(gateway.CodeInvalidRequest, "url is required")
	}
	mode := gateway.ModeLight
	if body.Render {
		mode = gateway.ModeHeavy
	}
	return gateway.FetchTarget{
		URL:      body.URL,
		Selector: body.Selector,
		WaitFor:  body.WaitFor,
		Timeout:  clampTimeout(body.Timeout),
		Mode:     mode,
	}, nil
}

func screenshotTarget(body screenshotRequest) (gateway.FetchTarget, gateway.ImageFormat, *gateway.Error) {
	if body.URL == "" {
		return gateway.FetchTarget{}, "", gateway.E(gateway.CodeInvalidRequest, "url is required")
	}

	width := body.Width
	if width == 0 {
		width = defaultWidth
	}
	if width < minWidth || width > maxWidth {
		return gateway.FetchTarget{}, "", gateway.E(gateway.CodeInvalidRequest,
			"width must be between %d and %d", minWidth, maxWidth)
	}
	height := body.Height
	if height == 0 {
		height = defaultHeight
	}
	if height < minHeight || height > maxHeight {
		return gateway.FetchTarget{}, "", gateway.E(gateway.CodeInvalidRequest,
			"height must be between %d and %d", minHeight, maxHeight)
	}

	format := gateway.FormatPNG
	switch body.Format {
	case "", string(gateway.FormatPNG):
	case string(gateway.FormatJPEG):
		format = gateway.FormatJPEG
	case string(gateway.FormatWEBP):
		format = gateway.FormatWEBP
	default:
		return gateway.FetchTarget{}, "", gateway.E(gateway.CodeInvalidRequest, "format must be png, jpeg or webp")
	}

	return gateway.FetchTarget{
		URL:     body.URL,
		WaitFor: body.WaitFor,
		Timeout: clampTimeout(body.Timeout),
		Mode:    gateway.ModeHeavy,
		Screenshot: &gateway.ScreenshotParams{
			Width:    width,
			Height:   height,
			FullPage: body.FullPage,
			Format:   format,
		},
	}, format, nil
}

func clampTimeout(ms int) time.Duration {
	if ms == 0 {
		ms = defaultTimeoutMs
	}
	if ms < minTimeoutMs {
		ms = minTimeoutMs
	}
	if ms > maxTimeoutMs {
		ms = maxTimeoutMs
	}
	return time.Duration(ms) * time.Millisecond
}

func (s *Server) provenance(r *http.Request) gateway.Provenance {
	return gateway.Provenance{
		RequestID: requestIDFrom(r.Context()),
		Method:    r.Method,
		Path:      r.URL.Path,
		RemoteIP:  remoteIP(r),
		UserAgent: r.UserAgent(),
	}
}
