package mediaresolver

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/brotli"
	"golang.org/x/net/html/charset"

	"mediaresolver/bufferpool"
)

// ErrNotHTML is wrapped by Page.Document when the page fetch succeeded
// but the response was not an HTML document. Strategies that need
// markup should treat it as a miss rather than a failure.
var ErrNotHTML = errors.New("page is not html")

// Page is the input handed to each strategy: the URL being resolved
// plus the shared machinery needed to inspect it. The page document is
// fetched at most once no matter how many strategies ask for it.
type Page struct {
	// URL is the parsed, canonicalized URL being resolved. Applies
	// checks should limit themselves to inspecting it.
	URL *url.URL

	client *http.Client
	pool   *bufferpool.BufferPool

	fetchOnce sync.Once
	doc       *goquery.Document
	fetchErr  error
	base      *url.URL
	finalURL  string
	title     string
}

func newPage(u *url.URL, client *http.Client, pool *bufferpool.BufferPool) *Page {
	return &Page{URL: u, client: client, pool: pool}
}

// Client returns the HTTP client strategies should use for their own
// requests. It masquerades as a browser and follows redirects the same
// way the page fetch does.
func (p *Page) Client() *http.Client {
	return p.client
}

// Document fetches and parses the page. The fetch happens once, on
// first call; subsequent calls return the memoized document or error.
func (p *Page) Document(ctx context.Context) (*goquery.Document, error) {
	p.fetchOnce.Do(func() { p.fetch(ctx) })
	if p.fetchErr != nil {
		return nil, p.fetchErr
	}
	return p.doc, nil
}

// FinalURL returns the canonicalized URL the page settled on after any
// redirects. Before a fetch, or when the fetch never got a response,
// it is the canonicalized input URL.
func (p *Page) FinalURL() string {
	if p.finalURL != "" {
		return p.finalURL
	}
	u := *p.URL
	return Canonicalize(&u)
}

// Title returns the page's <title> text, if a fetch has produced one.
func (p *Page) Title() string {
	return p.title
}

// resolveRef resolves a possibly-relative href against the final page
// URL, accounting for any redirects the fetch followed.
func (p *Page) resolveRef(href string) (string, error) {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", fmt.Errorf("invalid href %q: %w", href, err)
	}
	base := p.base
	if base == nil {
		base = p.URL
	}
	return base.ResolveReference(ref).String(), nil
}

func (p *Page) fetch(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, "GET", p.URL.String(), nil)
	if err != nil {
		p.fetchErr = err
		return
	}

	resp, err := p.client.Do(req)
	if err != nil {
		// If there's a URL associated with the error, keep it: when we
		// followed one or more redirects before the final hop failed
		// (timeout, TLS error, etc), the intermediate URL still
		// canonicalizes into a useful partial result.
		if urlErr, ok := err.(*url.Error); ok {
			if intermediate, _ := url.Parse(urlErr.URL); intermediate != nil {
				p.finalURL = Canonicalize(intermediate)
			}
		}
		p.fetchErr = fmt.Errorf("error fetching page: %w", err)
		return
	}
	defer resp.Body.Close()

	p.base = resp.Request.URL
	p.finalURL = Canonicalize(resp.Request.URL)

	if !isHTML(resp) {
		p.fetchErr = fmt.Errorf("%w: content type %q", ErrNotHTML, resp.Header.Get("Content-Type"))
		return
	}

	body, err := p.readBody(resp)
	if err != nil {
		p.fetchErr = err
		return
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		p.fetchErr = fmt.Errorf("error parsing page: %w", err)
		return
	}
	p.doc = doc
	p.title = strings.TrimSpace(doc.Find("title").First().Text())
}

func isHTML(resp *http.Response) bool {
	contentType := resp.Header.Get("Content-Type")
	return strings.Contains(contentType, "html") || contentType == ""
}

// readBody reads up to maxBodySize bytes of the response body,
// reversing any Content-Encoding and re-encoding non-UTF-8 charsets.
// The body must be decompressed by hand because our browser-like
// Accept-Encoding header disables the transport's automatic gzip
// handling.
func (p *Page) readBody(resp *http.Response) ([]byte, error) {
	var rd io.Reader = resp.Body
	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		gr, err := gzip.NewReader(rd)
		if err != nil {
			return nil, fmt.Errorf("error initializing gzip: %w", err)
		}
		defer gr.Close()
		rd = gr
	case "deflate":
		fr := flate.NewReader(rd)
		defer fr.Close()
		rd = fr
	case "br":
		rd = brotli.NewReader(rd)
	}

	buf := p.pool.Get()
	defer p.pool.Put(buf)

	if _, err := io.Copy(buf, io.LimitReader(rd, maxBodySize)); err != nil {
		return nil, fmt.Errorf("error reading page: %w", err)
	}

	return decodeBody(buf.Bytes(), resp.Header.Get("Content-Type"))
}

func decodeBody(body []byte, contentType string) ([]byte, error) {
	enc, encName, _ := charset.DetermineEncoding(body, contentType)
	if encName == "utf-8" {
		// Copy: body aliases a pooled buffer that will be reused.
		return append([]byte(nil), body...), nil
	}
	return enc.NewDecoder().Bytes(body)
}
