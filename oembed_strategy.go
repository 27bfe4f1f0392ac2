package mediaresolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/publicsuffix"

	"mediaresolver/fallback"
)

// defaultOEmbedEndpoints maps provider domains (matched on eTLD+1) to
// their oEmbed endpoints. Providers not listed here can still be
// resolved through endpoint discovery from the page markup.
var defaultOEmbedEndpoints = map[string]string{
	"youtube.com":     "https://www.youtube.com/oembed",
	"youtu.be":        "https://www.youtube.com/oembed",
	"vimeo.com":       "https://vimeo.com/api/oembed.json",
	"dailymotion.com": "https://www.dailymotion.com/services/oembed",
	"soundcloud.com":  "https://soundcloud.com/oembed",
	"tiktok.com":      "https://www.tiktok.com/oembed",
	"streamable.com":  "https://api.streamable.com/oembed.json",
}

// OEmbedStrategy resolves media by asking the provider's oEmbed
// endpoint about the page. Known providers are looked up directly; for
// everything else the endpoint is discovered from the page's
// <link type="application/json+oembed"> tag.
type OEmbedStrategy struct {
	endpoints map[string]string
}

var _ Strategy = &OEmbedStrategy{}

// NewOEmbedStrategy creates an OEmbedStrategy with the default
// provider endpoints.
func NewOEmbedStrategy() *OEmbedStrategy {
	return &OEmbedStrategy{endpoints: defaultOEmbedEndpoints}
}

func (s *OEmbedStrategy) Name() string {
	return "oembed"
}

// Applies accepts any http(s) page URL that is not itself a direct
// media file.
func (s *OEmbedStrategy) Applies(page *Page) bool {
	if page.URL.Scheme != "http" && page.URL.Scheme != "https" {
		return false
	}
	return !looksLikeMediaPath(page.URL.Path)
}

func (s *OEmbedStrategy) Attempt(ctx context.Context, page *Page) (Result, error) {
	endpoint, ok := s.endpointFor(page.URL)
	if !ok {
		var err error
		endpoint, err = s.discoverEndpoint(ctx, page)
		if err != nil {
			return Result{}, err
		}
	}
	return s.fetch(ctx, page, endpoint)
}

func (s *OEmbedStrategy) endpointFor(u *url.URL) (string, bool) {
	host := u.Hostname()
	if endpoint, ok := s.endpoints[host]; ok {
		return endpoint, true
	}
	etld, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return "", false
	}
	endpoint, ok := s.endpoints[etld]
	return endpoint, ok
}

// discoverEndpoint looks for an oEmbed discovery link in the page
// markup. Pages without one (or without markup at all) are a miss, not
// a failure.
func (s *OEmbedStrategy) discoverEndpoint(ctx context.Context, page *Page) (string, error) {
	doc, err := page.Document(ctx)
	if err != nil {
		if errors.Is(err, ErrNotHTML) {
			return "", fmt.Errorf("%v: %w", err, fallback.ErrNoResult)
		}
		return "", err
	}

	href, ok := doc.Find(`link[type="application/json+oembed"]`).First().Attr("href")
	if !ok {
		return "", fmt.Errorf("no oembed endpoint for %s: %w", page.URL.Hostname(), fallback.ErrNoResult)
	}

	// The discovered href usually embeds the url param already; keep it
	// as-is and let fetch add the param only when missing.
	return page.resolveRef(href)
}

func (s *OEmbedStrategy) fetch(ctx context.Context, page *Page, endpoint string) (Result, error) {
	oembedURL, err := buildOEmbedURL(endpoint, page.URL.String())
	if err != nil {
		return Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, "GET", oembedURL, nil)
	if err != nil {
		return Result{}, err
	}
	resp, err := page.Client().Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// carry on
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusUnauthorized:
		// The provider does not consider this page embeddable.
		return Result{}, fmt.Errorf("oembed lookup: GET %s: HTTP %d: %w", oembedURL, resp.StatusCode, fallback.ErrNoResult)
	default:
		return Result{}, fmt.Errorf("oembed lookup: GET %s: HTTP %d", oembedURL, resp.StatusCode)
	}

	buf := page.pool.Get()
	defer page.pool.Put(buf)

	if _, err := io.Copy(buf, io.LimitReader(resp.Body, maxBodySize)); err != nil {
		return Result{}, fmt.Errorf("error reading oembed response: %w", err)
	}

	var payload struct {
		Type     string `json:"type"`
		Title    string `json:"title"`
		HTML     string `json:"html"`
		Provider string `json:"provider_name"`
	}
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		return Result{}, fmt.Errorf("invalid json in oembed response: %w", err)
	}

	if payload.Type != "video" || payload.HTML == "" {
		return Result{}, fmt.Errorf("oembed payload type %q is not playable: %w", payload.Type, fallback.ErrNoResult)
	}

	playerURL, err := extractPlayerURL(payload.HTML)
	if err != nil {
		return Result{}, err
	}

	return Result{
		MediaURL: playerURL,
		Kind:     KindVideo,
		Title:    payload.Title,
	}, nil
}

// buildOEmbedURL appends url and format params to an oEmbed endpoint,
// preserving any params the endpoint already carries (discovered
// endpoints typically embed url themselves).
func buildOEmbedURL(endpoint string, pageURL string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid oembed endpoint %q: %w", endpoint, err)
	}
	params := u.Query()
	if params.Get("url") == "" {
		params.Set("url", pageURL)
	}
	if params.Get("format") == "" {
		params.Set("format", "json")
	}
	u.RawQuery = params.Encode()
	return u.String(), nil
}

// extractPlayerURL pulls the embedded player URL out of an oEmbed html
// snippet, which by convention is a single <iframe>.
func extractPlayerURL(htmlSnippet string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlSnippet))
	if err != nil {
		return "", fmt.Errorf("error parsing oembed html: %w", err)
	}
	src, ok := doc.Find("iframe").First().Attr("src")
	if !ok || strings.TrimSpace(src) == "" {
		return "", fmt.Errorf("oembed html has no player iframe: %w", fallback.ErrNoResult)
	}
	return strings.TrimSpace(src), nil
}
