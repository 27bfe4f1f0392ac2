package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/cache/v8"
	"github.com/go-redis/redis/extra/redisotel"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"mediaresolver"
	"mediaresolver/browsercapture"
	"mediaresolver/cachedresolver"
	"mediaresolver/history"
	"mediaresolver/httphandler"
	"mediaresolver/safedialer"
	"mediaresolver/telemetry"
)

const (
	serviceName = "mediaresolver"

	// dialer
	dialTimeout = 2 * time.Second

	// transport
	transportIdleConnTimeout     = 90 * time.Second
	transportMaxIdleConnsPerHost = 100
	transportTLSHandshakeTimeout = 2 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the resolver HTTP service",
	Args:  cobra.NoArgs,
	RunE:  serveRun,
}

func serveRun(cmd *cobra.Command, args []string) error {
	stopTelemetry, err := telemetry.Setup(cmd.Context(), telemetry.Options{
		ServiceName:  serviceName,
		OTLPEndpoint: cfg.OTLPEndpoint,
		Debug:        cfg.Debug,
	})
	if err != nil {
		return fmt.Errorf("telemetry setup: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := stopTelemetry(ctx); err != nil {
			logger.Error().Err(err).Msg("telemetry shutdown error")
		}
	}()

	// A server writes history only where explicitly told to; the CLI
	// commands fall back to a local database.
	resolver, cleanup, err := buildResolver(cfg.HistoryDSN)
	if err != nil {
		return err
	}
	defer cleanup()

	mux := http.NewServeMux()
	mux.Handle("/lookup", httphandler.New(resolver))

	listen := cfg.Listen
	if port := os.Getenv("PORT"); port != "" {
		listen = net.JoinHostPort("", port)
	}

	srv := &http.Server{
		Addr:    listen,
		Handler: applyMiddleware(mux, logger),
	}

	listenAndServeGracefully(srv, cfg.Timeout.Duration+1*time.Second, logger)
	return nil
}

// buildResolver assembles the resolver stack shared by serve and
// resolve: hardened transport, strategy chain, optional history
// recording, cache. The returned cleanup func closes the history store.
func buildResolver(historyDSN string) (mediaresolver.Interface, func(), error) {
	transport := telemetry.WrapTransport(&http.Transport{
		DialContext: (&net.Dialer{
			Control: safedialer.Control,
			Timeout: dialTimeout,
		}).DialContext,
		IdleConnTimeout:     transportIdleConnTimeout,
		MaxIdleConnsPerHost: transportMaxIdleConnsPerHost,
		MaxIdleConns:        transportMaxIdleConnsPerHost * 2,
		TLSHandshakeTimeout: transportTLSHandshakeTimeout,
	})

	opts := []mediaresolver.Option{
		mediaresolver.WithTimeout(cfg.Timeout.Duration),
		mediaresolver.WithLogger(logger),
	}
	if cfg.AttemptTimeout.Duration > 0 {
		opts = append(opts, mediaresolver.WithAttemptTimeout(cfg.AttemptTimeout.Duration))
	}
	if cfg.Browser {
		bcOpts := []browsercapture.Option{browsercapture.WithWaitWindow(cfg.BrowserWait.Duration)}
		if cfg.BrowserPath != "" {
			bcOpts = append(bcOpts, browsercapture.WithExecPath(cfg.BrowserPath))
		}
		strategies := append(mediaresolver.DefaultStrategies(), browsercapture.New(bcOpts...))
		opts = append(opts, mediaresolver.WithStrategies(strategies...))
	}

	r, err := mediaresolver.New(transport, opts...)
	if err != nil {
		return nil, nil, err
	}

	var resolver mediaresolver.Interface = r
	cleanup := func() {}
	if historyDSN != "" {
		store, err := openHistoryStore(historyDSN)
		if err != nil {
			return nil, nil, err
		}
		cleanup = func() {
			if err := store.Close(); err != nil {
				logger.Error().Err(err).Msg("closing history store")
			}
		}
		// Recording sits inside the cache so that only fresh
		// resolutions land in history, not every cache hit.
		resolver = history.NewRecordingResolver(resolver, store, logger)
	}

	c, err := newCache()
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	resolver = cachedresolver.NewCachedResolver(resolver, c)

	return resolver, cleanup, nil
}

func newCache() (cachedresolver.Cache, error) {
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis_url: %w", err)
		}
		client := redis.NewClient(opt)
		client.AddHook(redisotel.TracingHook{})
		return cachedresolver.NewRedisCache(cache.New(&cache.Options{Redis: client}), cfg.CacheTTL.Duration), nil
	}
	return cachedresolver.NewMemoryCache(cfg.CacheSize)
}

func listenAndServeGracefully(srv *http.Server, shutdownTimeout time.Duration, logger zerolog.Logger) {
	// exitCh will be closed when it is safe to exit, after the server has
	// had a chance to shut down gracefully
	exitCh := make(chan struct{})

	go func() {
		// wait for SIGTERM or SIGINT
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		sig := <-sigCh

		// start graceful shutdown
		logger.Info().Msgf("shutdown started by signal: %s", sig)
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error().Err(err).Msg("shutdown error")
		}

		// indicate that it is now safe to exit
		close(exitCh)
	}()

	// start server
	logger.Info().Msgf("listening on %s", srv.Addr)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		logger.Error().Err(err).Msg("listen error")
	}

	// wait until it is safe to exit
	<-exitCh
}

func applyMiddleware(h http.Handler, l zerolog.Logger) http.Handler {
	h = hlog.AccessHandler(accessLogger)(h)
	h = hlog.NewHandler(l)(h)
	return otelhttp.NewHandler(h, serviceName)
}

func accessLogger(r *http.Request, status int, size int, duration time.Duration) {
	remoteAddr := r.Header.Get("X-Forwarded-For")
	if remoteAddr == "" {
		remoteAddr = r.RemoteAddr
	}

	hlog.FromRequest(r).Info().
		Str("method", r.Method).
		Str("remote_addr", remoteAddr).
		Stringer("url", r.URL).
		Int("status", status).
		Int("size", size).
		Dur("duration", duration).
		Send()
}
