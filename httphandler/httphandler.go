/*
Package httphandler provides a basic net/http http.Handler implementation that
resolves pages to their playable media.

The handler expects a ?url=PAGE_URL query parameter, and responds with a JSON
object describing the media the page plays:

    $ curl -s localhost:8080/lookup?url=https://vimeo.com/123456789 | jq .
    {
        "given_url": "https://vimeo.com/123456789",
        "page_url": "https://vimeo.com/123456789",
        "media_url": "https://vod-progressive.akamaized.net/.../123456789.mp4?sig=abc",
        "mime_type": "video/mp4",
        "kind": "video",
        "title": "Some video",
        "strategy": "oembed"
    }

If an error occurs during resolution, the response status code will be 203
Non-Authoritative Information (to indicate a partial response) and an
additional error field will be added and a partial result will be returned,
including the canonicalized and potentially partially-resolved page URL:

    $ curl -s localhost:8080/lookup?url=https://no-such-host.example?utm_source=feed | jq .
    {
        "given_url": "https://no-such-host.example?utm_source=feed",
        "page_url": "https://no-such-host.example",
        "title": "",
        "error": "resolve error"
    }

When every strategy ran and none found media, the error is "no media found"
and the attempts field summarizes what each strategy hit, in the order they
ran.
*/
package httphandler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/rs/zerolog/hlog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"mediaresolver"
	"mediaresolver/fallback"
	"mediaresolver/safedialer"
)

// Errors that might be returned by the HTTP handler.
var (
	ErrNoMedia        = errors.New("no media found")
	ErrRequestTimeout = errors.New("request timeout")
	ErrResolveError   = errors.New("resolve error")
	ErrUnsafeURL      = errors.New("unsafe URL")
)

// Cache control. Successful results embed media URLs whose signatures
// expire, so they cannot be cached for long.
const (
	maxAgeOK  = 1 * time.Hour
	maxAgeErr = 5 * time.Minute
)

// LookupResponse defines the HTTP handler's response structure.
type LookupResponse struct {
	GivenURL string          `json:"given_url"`
	PageURL  string          `json:"page_url"`
	MediaURL string          `json:"media_url,omitempty"`
	MimeType string          `json:"mime_type,omitempty"`
	Kind     string          `json:"kind,omitempty"`
	Title    string          `json:"title"`
	Strategy string          `json:"strategy,omitempty"`
	Error    string          `json:"error,omitempty"`
	Attempts []AttemptDetail `json:"attempts,omitempty"`
}

// AttemptDetail summarizes one strategy's outcome when nothing matched.
type AttemptDetail struct {
	Strategy string `json:"strategy"`
	Error    string `json:"error"`
}

// New creates a new Handler.
func New(resolver mediaresolver.Interface) *Handler {
	return &Handler{
		resolver: resolver,
	}
}

// Handler is an HTTP request handler that resolves pages to media.
type Handler struct {
	resolver mediaresolver.Interface
}

var _ http.Handler = &Handler{} // Handler implements http.Handler

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	span := trace.SpanFromContext(ctx)

	if r.Method != http.MethodGet {
		sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	givenURL := r.URL.Query().Get("url")
	if givenURL == "" {
		span.SetAttributes(attribute.String("handler.error", "missing_arg_url"))
		writeError(w, "Missing arg url", http.StatusBadRequest)
		return
	}
	if !isValidInput(givenURL) {
		span.SetAttributes(attribute.String("handler.error", "invalid_url"))
		writeError(w, "Invalid url", http.StatusBadRequest)
		return
	}

	// A failed resolution can still carry a useful partial result: the
	// canonicalized page URL reflects any redirects followed before the
	// strategies came up empty. The response keeps that partial result,
	// with an error field and a partial-content status.
	result, err := h.resolver.Resolve(ctx, givenURL)

	resp := LookupResponse{
		GivenURL: givenURL,
		PageURL:  result.PageURL,
		MediaURL: result.MediaURL,
		MimeType: result.MimeType,
		Kind:     string(result.Kind),
		Title:    result.Title,
		Strategy: result.Strategy,
	}
	code := http.StatusOK

	if err != nil {
		// Nobody is listening for a response once the client hangs up.
		// The non-standard 499 Client Closed Request status keeps those
		// visible in the access logs without polluting real error counts.
		if errors.Is(err, context.Canceled) {
			span.SetAttributes(attribute.String("handler.error", "client closed connection"))
			hlog.FromRequest(r).Error().Err(err).Str("url", givenURL).Msg("client closed connection")
			w.WriteHeader(499)
			return
		}

		span.SetAttributes(attribute.String("handler.error", err.Error()))
		hlog.FromRequest(r).Error().Err(err).Str("url", givenURL).Msg("error resolving url")

		// 203 Non-Authoritative Information marks the partial result.
		// See https://httpstatuses.com/203.
		code = http.StatusNonAuthoritativeInfo

		// Internal error strings never reach clients.
		resp.Error = mapError(err).Error()
		resp.Attempts = attemptDetails(err)
	}

	writeJSON(w, code, resp)
}

// isValidInput accepts only absolute URLs with a hostname; anything
// else cannot lead to a resolvable page.
func isValidInput(givenURL string) bool {
	parsed, err := url.Parse(givenURL)
	if err != nil {
		return false
	}
	return parsed.IsAbs() && parsed.Hostname() != ""
}

func writeJSON(w http.ResponseWriter, code int, data interface{}) {
	maxAge := maxAgeErr
	if code == http.StatusOK {
		maxAge = maxAgeOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", fmt.Sprintf("public,max-age=%.0f", maxAge.Seconds()))
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, msg string, code int) {
	writeJSON(w, code, map[string]string{
		"error": msg,
	})
}

func mapError(err error) error {
	switch {
	case errors.Is(err, fallback.ErrExhausted):
		return ErrNoMedia
	case isTimeoutError(err):
		return ErrRequestTimeout
	case isUnsafeError(err):
		return ErrUnsafeURL
	default:
		return ErrResolveError
	}
}

// attemptDetails turns an exhausted outcome into per-strategy summaries
// that are safe to expose. Internal error strings stay internal.
func attemptDetails(err error) []AttemptDetail {
	var exhausted *fallback.ExhaustedError
	if !errors.As(err, &exhausted) || len(exhausted.Attempts) == 0 {
		return nil
	}
	details := make([]AttemptDetail, len(exhausted.Attempts))
	for i, attempt := range exhausted.Attempts {
		details[i] = AttemptDetail{
			Strategy: attempt.Strategy,
			Error:    mapAttemptError(attempt.Err),
		}
	}
	return details
}

func mapAttemptError(err error) string {
	switch {
	case errors.Is(err, fallback.ErrNoResult):
		return "no result"
	case isTimeoutError(err):
		return ErrRequestTimeout.Error()
	case isUnsafeError(err):
		return ErrUnsafeURL.Error()
	default:
		return ErrResolveError.Error()
	}
}

// isTimeoutError walks the wrap chain by hand because os.IsTimeout
// predates errors.Is and does no unwrapping of its own.
func isTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) || isTimeoutError(errors.Unwrap(err))
}

func isUnsafeError(err error) bool {
	return errors.Is(err, safedialer.ErrUnsafeIP) ||
		errors.Is(err, safedialer.ErrUnsafePort) ||
		errors.Is(err, safedialer.ErrUnsafeNetwork)
}
