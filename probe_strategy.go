package mediaresolver

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"

	"github.com/gabriel-vasile/mimetype"

	"mediaresolver/fallback"
)

// sniffSize is how much of a response body the probe reads for content
// detection, matching mimetype's own default read limit.
const sniffSize = 3072

// ProbeStrategy handles URLs that already point at a media file: it
// issues the request and verifies the response really is media, first
// by Content-Type header, then by sniffing the leading bytes.
type ProbeStrategy struct{}

var _ Strategy = &ProbeStrategy{}

// NewProbeStrategy creates a ProbeStrategy.
func NewProbeStrategy() *ProbeStrategy {
	return &ProbeStrategy{}
}

func (s *ProbeStrategy) Name() string {
	return "probe"
}

// Applies accepts only URLs whose path carries a recognized media file
// extension; probing arbitrary pages would just re-download them.
func (s *ProbeStrategy) Applies(page *Page) bool {
	return looksLikeMediaPath(page.URL.Path)
}

func (s *ProbeStrategy) Attempt(ctx context.Context, page *Page) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", page.URL.String(), nil)
	if err != nil {
		return Result{}, err
	}
	resp, err := page.Client().Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusPartialContent:
		// carry on
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return Result{}, fmt.Errorf("probe: GET %s: HTTP %d: %w", page.URL, resp.StatusCode, fallback.ErrNoResult)
	default:
		return Result{}, fmt.Errorf("probe: GET %s: HTTP %d", page.URL, resp.StatusCode)
	}

	// The final URL after redirects is the playable one. It is kept
	// verbatim: probe targets often carry signed CDN params.
	mediaURL := resp.Request.URL.String()

	if mt, kind, ok := headerMIME(resp); ok {
		return Result{MediaURL: mediaURL, MimeType: mt, Kind: kind}, nil
	}

	head, err := io.ReadAll(io.LimitReader(resp.Body, sniffSize))
	if err != nil {
		return Result{}, fmt.Errorf("probe: error reading %s: %w", page.URL, err)
	}
	if detected := mimetype.Detect(head); detected != nil {
		if kind, ok := ClassifyMIME(detected.String()); ok {
			return Result{MediaURL: mediaURL, MimeType: detected.String(), Kind: kind}, nil
		}
	}

	return Result{}, fmt.Errorf("probe: %s did not serve media: %w", page.URL, fallback.ErrNoResult)
}

func headerMIME(resp *http.Response) (string, Kind, bool) {
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		return "", "", false
	}
	kind, ok := ClassifyMIME(contentType)
	if !ok {
		return "", "", false
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = contentType
	}
	return mt, kind, true
}
