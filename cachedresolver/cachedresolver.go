// Package cachedresolver wraps a resolver with a pluggable result
// cache, so that repeated lookups of the same page skip the network.
package cachedresolver

import (
	"context"
	"net/url"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"mediaresolver"
)

// CachedResolver is a Resolver implementation that caches its results.
type CachedResolver struct {
	cache    Cache
	resolver mediaresolver.Interface
}

var _ mediaresolver.Interface = &CachedResolver{}

// NewCachedResolver creates a new CachedResolver.
func NewCachedResolver(resolver mediaresolver.Interface, cache Cache) *CachedResolver {
	return &CachedResolver{
		cache:    cache,
		resolver: resolver,
	}
}

// Resolve resolves a page URL if it is not already cached. Only
// successful results are cached; failures always retry upstream.
func (c *CachedResolver) Resolve(ctx context.Context, pageURL string) (mediaresolver.Result, error) {
	// Cache keys are canonicalized so that tracking-param variants of
	// the same page share an entry.
	if u, err := url.Parse(pageURL); err == nil {
		pageURL = mediaresolver.Canonicalize(u)
	}

	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attribute.String("resolver.cache_name", c.cache.Name()))

	if result, ok := c.cache.Get(ctx, pageURL); ok {
		span.SetAttributes(attribute.String("resolver.cache_result", "hit"))
		return result, nil
	}

	result, err := c.resolver.Resolve(ctx, pageURL)
	if err == nil {
		c.cache.Add(ctx, pageURL, result)
	}

	span.SetAttributes(attribute.String("resolver.cache_result", "miss"))
	return result, err
}
