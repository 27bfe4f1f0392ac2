// Package fakebrowser provides an http.RoundTripper that disguises
// server-side page fetches as ordinary web browser traffic. Media hosts
// routinely answer bare library user agents with interstitials or empty
// player markup, so the resolver sends every request through this
// transport.
package fakebrowser

import "net/http"

// DefaultHeaders are the browser headers injected into every outgoing
// request.
//
// Accept-Encoding is pinned so responses arrive with the same encodings
// a browser would negotiate; callers are expected to reverse the
// Content-Encoding themselves.
var DefaultHeaders = map[string]string{
	"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8",
	"Accept-Encoding": "gzip, deflate, br",
	"Accept-Language": "en-US,en;q=0.5",
	"Referer":         "https://duckduckgo.com/",
	"User-Agent":      "Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:109.0) Gecko/20100101 Firefox/113.0",
}

// Transport injects browser headers into requests before handing them
// to the underlying round tripper. Headers already present on a request
// win over injected ones.
type Transport struct {
	base    http.RoundTripper
	headers map[string]string
}

var _ http.RoundTripper = &Transport{}

// New wraps base so every request goes out with DefaultHeaders.
func New(base http.RoundTripper) *Transport {
	return NewWithHeaders(base, DefaultHeaders)
}

// NewWithHeaders wraps base with a custom header set. The map is copied;
// later changes to it do not affect the transport.
func NewWithHeaders(base http.RoundTripper, headers map[string]string) *Transport {
	h := make(map[string]string, len(headers))
	for k, v := range headers {
		h[k] = v
	}
	return &Transport{base: base, headers: h}
}

// RoundTrip implements http.RoundTripper. The request is cloned before
// headers are added; a RoundTripper must not modify its caller's
// request.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	out := req.Clone(req.Context())
	for key, value := range t.headers {
		if out.Header.Get(key) == "" {
			out.Header.Set(key, value)
		}
	}
	return t.base.RoundTrip(out)
}
