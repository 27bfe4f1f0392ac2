package mediaresolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"mediaresolver/fallback"
)

// mediaSelectors are checked in document order of this table; the
// first selector with a usable URL wins. kind is the classification to
// assume when neither a declared type nor the URL's extension settles
// it.
var mediaSelectors = []struct {
	selector string
	attr     string
	kind     Kind
}{
	{`meta[property="og:video:secure_url"]`, "content", KindVideo},
	{`meta[property="og:video:url"]`, "content", KindVideo},
	{`meta[property="og:video"]`, "content", KindVideo},
	{`meta[name="twitter:player:stream"]`, "content", KindVideo},
	{`meta[property="og:audio"]`, "content", KindAudio},
	{`video[src]`, "src", KindVideo},
	{`video source[src]`, "src", KindVideo},
	{`audio[src]`, "src", KindAudio},
	{`audio source[src]`, "src", KindAudio},
}

// HTMLMetaStrategy extracts media from the page markup itself: Open
// Graph and Twitter player metadata, bare <video>/<audio> elements,
// and JSON-LD VideoObject declarations.
type HTMLMetaStrategy struct{}

var _ Strategy = &HTMLMetaStrategy{}

// NewHTMLMetaStrategy creates an HTMLMetaStrategy.
func NewHTMLMetaStrategy() *HTMLMetaStrategy {
	return &HTMLMetaStrategy{}
}

func (s *HTMLMetaStrategy) Name() string {
	return "htmlmeta"
}

// Applies accepts any http(s) page URL that is not itself a direct
// media file.
func (s *HTMLMetaStrategy) Applies(page *Page) bool {
	if page.URL.Scheme != "http" && page.URL.Scheme != "https" {
		return false
	}
	return !looksLikeMediaPath(page.URL.Path)
}

func (s *HTMLMetaStrategy) Attempt(ctx context.Context, page *Page) (Result, error) {
	doc, err := page.Document(ctx)
	if err != nil {
		if errors.Is(err, ErrNotHTML) {
			return Result{}, fmt.Errorf("%v: %w", err, fallback.ErrNoResult)
		}
		return Result{}, err
	}

	mediaURL, kind, found := findDeclaredMedia(doc)
	if !found {
		mediaURL, kind, found = findJSONLDMedia(doc)
	}
	if !found {
		return Result{}, fmt.Errorf("page markup declares no media: %w", fallback.ErrNoResult)
	}

	absURL, err := page.resolveRef(mediaURL)
	if err != nil {
		return Result{}, err
	}

	mimeType := declaredMIME(doc)
	if mimeType == "" {
		if u, err := url.Parse(absURL); err == nil {
			mimeType, _ = MIMEForPath(u.Path)
		}
	}
	if mimeType != "" {
		if k, ok := ClassifyMIME(mimeType); ok {
			kind = k
		}
	}

	return Result{
		MediaURL: absURL,
		MimeType: mimeType,
		Kind:     kind,
		Title:    findTitle(doc),
	}, nil
}

func findDeclaredMedia(doc *goquery.Document) (string, Kind, bool) {
	for _, sel := range mediaSelectors {
		if v, ok := doc.Find(sel.selector).First().Attr(sel.attr); ok {
			if v = strings.TrimSpace(v); v != "" {
				return v, sel.kind, true
			}
		}
	}
	return "", "", false
}

// findJSONLDMedia digs a VideoObject or AudioObject contentUrl out of
// the page's JSON-LD blocks. Handles bare objects, arrays, and @graph
// wrappers, one level deep; fancier nesting is not worth chasing.
func findJSONLDMedia(doc *goquery.Document) (string, Kind, bool) {
	var (
		mediaURL string
		kind     Kind
	)
	doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		var raw interface{}
		if err := json.Unmarshal([]byte(sel.Text()), &raw); err != nil {
			return true
		}
		if u, k, ok := contentURLFrom(raw); ok {
			mediaURL, kind = u, k
			return false
		}
		return true
	})
	return mediaURL, kind, mediaURL != ""
}

func contentURLFrom(raw interface{}) (string, Kind, bool) {
	switch v := raw.(type) {
	case []interface{}:
		for _, item := range v {
			if u, k, ok := contentURLFrom(item); ok {
				return u, k, true
			}
		}
	case map[string]interface{}:
		if graph, ok := v["@graph"].([]interface{}); ok {
			if u, k, ok := contentURLFrom(graph); ok {
				return u, k, true
			}
		}
		kind := KindVideo
		switch t, _ := v["@type"].(string); t {
		case "VideoObject":
		case "AudioObject":
			kind = KindAudio
		default:
			return "", "", false
		}
		if u, ok := v["contentUrl"].(string); ok && strings.TrimSpace(u) != "" {
			return strings.TrimSpace(u), kind, true
		}
	}
	return "", "", false
}

func declaredMIME(doc *goquery.Document) string {
	if v, ok := doc.Find(`meta[property="og:video:type"]`).First().Attr("content"); ok {
		return strings.TrimSpace(v)
	}
	if v, ok := doc.Find(`video source[type]`).First().Attr("type"); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func findTitle(doc *goquery.Document) string {
	if v, ok := doc.Find(`meta[property="og:title"]`).First().Attr("content"); ok {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
