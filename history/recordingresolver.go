package history

import (
	"context"

	"github.com/rs/zerolog"

	"mediaresolver"
)

// RecordingResolver wraps a resolver so that every successful
// resolution also lands in the store. Recording failures are logged,
// never returned.
type RecordingResolver struct {
	resolver mediaresolver.Interface
	store    *Store
	logger   zerolog.Logger
}

var _ mediaresolver.Interface = &RecordingResolver{}

// NewRecordingResolver creates a new RecordingResolver.
func NewRecordingResolver(resolver mediaresolver.Interface, store *Store, logger zerolog.Logger) *RecordingResolver {
	return &RecordingResolver{
		resolver: resolver,
		store:    store,
		logger:   logger,
	}
}

// Resolve resolves a page URL and records the result if it succeeded.
func (r *RecordingResolver) Resolve(ctx context.Context, pageURL string) (mediaresolver.Result, error) {
	result, err := r.resolver.Resolve(ctx, pageURL)
	if err == nil {
		if recordErr := r.store.Record(ctx, result); recordErr != nil {
			r.logger.Warn().Err(recordErr).Str("url", pageURL).Msg("failed to record resolution")
		}
	}
	return result, err
}
