// Package mediaresolver resolves web pages to the playable media they
// embed.
//
// A Resolver tries an ordered chain of strategies against each page:
// provider oEmbed endpoints first, then embedded player metadata in
// the page markup, then a direct probe of URLs that already look like
// media files. Heavier strategies (headless browser capture) can be
// appended via WithStrategies. The first strategy to produce a value
// wins; the rest are never consulted.
package mediaresolver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/sync/singleflight"

	"mediaresolver/bufferpool"
	"mediaresolver/fakebrowser"
	"mediaresolver/fallback"
)

const (
	defaultTimeout = 10 * time.Second
	maxRedirects   = 5
	maxBodySize    = 500 * 1024 // strategies read at most 500kb of a page
)

// Interface defines the interface for a media resolver.
type Interface interface {
	Resolve(context.Context, string) (Result, error)
}

// Strategy is one way of extracting playable media from a page.
// Strategies fill in the media fields of a Result; the Resolver stamps
// PageURL and Strategy on whichever value wins.
type Strategy = fallback.Strategy[*Page, Result]

// Resolver resolves pages to media by running a fallback chain of
// strategies. Identical in-flight resolutions are coalesced into one.
type Resolver struct {
	sfGroup        *singleflight.Group
	chain          *fallback.Chain[*Page, Result]
	strategies     []Strategy
	transport      http.RoundTripper
	timeout        time.Duration
	attemptTimeout time.Duration
	logger         zerolog.Logger
	pool           *bufferpool.BufferPool
}

var _ Interface = &Resolver{} // Resolver implements Interface

// Option configures a Resolver.
type Option func(*Resolver)

// WithTimeout bounds each individual HTTP request a strategy makes.
func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		r.timeout = d
	}
}

// WithAttemptTimeout bounds each strategy attempt as a whole. A
// strategy that exceeds it is recorded as failed and the next one
// runs.
func WithAttemptTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		r.attemptTimeout = d
	}
}

// WithStrategies replaces DefaultStrategies as the chain the Resolver
// runs, in the order given.
func WithStrategies(strategies ...Strategy) Option {
	return func(r *Resolver) {
		r.strategies = strategies
	}
}

// WithLogger sets the logger that receives strategy events. The
// default discards them.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// New creates a Resolver that makes requests through the given
// transport.
func New(transport http.RoundTripper, opts ...Option) (*Resolver, error) {
	r := &Resolver{
		sfGroup: &singleflight.Group{},
		timeout: defaultTimeout,
		logger:  zerolog.Nop(),
		pool:    bufferpool.New(),
	}
	for _, opt := range opts {
		opt(r)
	}

	// Requests through this transport will masquerade as a real web
	// browser.
	r.transport = fakebrowser.New(transport)

	if r.strategies == nil {
		r.strategies = DefaultStrategies()
	}

	chainOpts := []fallback.Option{fallback.WithObserver(r.observe)}
	if r.attemptTimeout > 0 {
		chainOpts = append(chainOpts, fallback.WithAttemptTimeout(r.attemptTimeout))
	}
	chain, err := fallback.New(r.strategies, chainOpts...)
	if err != nil {
		return nil, err
	}
	r.chain = chain

	return r, nil
}

// DefaultStrategies returns the standard strategy order: cheap and
// reliable sources first. Browser capture is deliberately absent; it
// requires a local Chrome and is appended explicitly by callers that
// want it.
func DefaultStrategies() []Strategy {
	return []Strategy{
		NewOEmbedStrategy(),
		NewHTMLMetaStrategy(),
		NewProbeStrategy(),
	}
}

// Resolve resolves the given page URL to its playable media. On
// failure it still returns a partial Result whose PageURL reflects any
// redirects that were followed, which is useful on its own.
func (r *Resolver) Resolve(ctx context.Context, givenURL string) (Result, error) {
	// Immediately canonicalize the given URL to slightly increase the
	// chance of coalescing multiple requests into one.
	if u, err := url.Parse(givenURL); err == nil {
		givenURL = Canonicalize(u)
	}

	val, err, _ := r.sfGroup.Do(givenURL, func() (interface{}, error) {
		return r.doResolve(ctx, givenURL)
	})
	return val.(Result), err
}

func (r *Resolver) doResolve(ctx context.Context, givenURL string) (Result, error) {
	u, err := url.Parse(givenURL)
	if err != nil {
		return Result{PageURL: givenURL}, fmt.Errorf("invalid url: %w", err)
	}

	page := newPage(u, r.httpClient(), r.pool)
	outcome, err := r.chain.Resolve(ctx, page)

	span := trace.SpanFromContext(ctx)
	if err != nil {
		var exhausted *fallback.ExhaustedError
		if errors.As(err, &exhausted) {
			span.SetAttributes(attribute.Int("resolver.attempts", len(exhausted.Attempts)))
		}
		// Partial result: the page fetch may still have followed
		// redirects far enough to canonicalize the final URL and pick
		// up a title.
		return Result{PageURL: page.FinalURL(), Title: page.Title()}, err
	}

	result := outcome.Value
	result.Strategy = outcome.Strategy
	result.PageURL = page.FinalURL()
	if result.Title == "" {
		result.Title = page.Title()
	}

	span.SetAttributes(
		attribute.String("resolver.strategy", outcome.Strategy),
		attribute.Int("resolver.attempts", len(outcome.Attempts)),
	)
	return result, nil
}

func (r *Resolver) observe(ev fallback.Event) {
	evt := r.logger.Debug().
		Str("event", string(ev.Kind)).
		Str("strategy", ev.Strategy)
	if ev.Kind != fallback.EventSkipped {
		evt = evt.Dur("elapsed", ev.Elapsed)
	}
	if ev.Err != nil {
		evt = evt.Err(ev.Err)
	}
	evt.Msg(string(ev.Kind))
}

func (r *Resolver) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return http.ErrUseLastResponse
	}
	// Work around instagram auth redirect
	if strings.Contains(req.URL.String(), "instagram.com/accounts/login/") {
		return http.ErrUseLastResponse
	}
	// Work around youtube cookie-consent interstitial
	if strings.Contains(req.URL.Host, "consent.youtube.com") {
		return http.ErrUseLastResponse
	}
	return nil
}

func (r *Resolver) httpClient() *http.Client {
	cookieJar, _ := cookiejar.New(&cookiejar.Options{
		PublicSuffixList: publicsuffix.List,
	})
	return &http.Client{
		CheckRedirect: r.checkRedirect,
		Jar:           cookieJar,
		Transport:     r.transport,
		Timeout:       r.timeout,
	}
}
