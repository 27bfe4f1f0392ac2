package mediaresolver

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/charmap"

	"mediaresolver/bufferpool"
	"mediaresolver/fakebrowser"
	"mediaresolver/fallback"
)

// mp4Header is the leading bytes of an MP4 file: a minimal ftyp box,
// enough for content sniffing to recognize video/mp4.
var mp4Header = append([]byte{0x00, 0x00, 0x00, 0x18}, []byte("ftypmp42\x00\x00\x00\x00mp42isom")...)

func TestResolve(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name        string
		handlerFunc http.HandlerFunc
		givenURL    string
		wantErr     error
		wantResult  Result
	}{
		{
			name: "page with open graph video",
			handlerFunc: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "text/html; charset=utf-8")
				mustWriteAll(t, w, `<html><head>
					<title>A clip</title>
					<meta property="og:video:secure_url" content="https://cdn.example.com/clip.mp4">
					<meta property="og:video:type" content="video/mp4">
				</head></html>`)
			},
			givenURL: "/watch/1",
			wantResult: Result{
				PageURL:  "/watch/1",
				MediaURL: "https://cdn.example.com/clip.mp4",
				MimeType: "video/mp4",
				Kind:     KindVideo,
				Title:    "A clip",
				Strategy: "htmlmeta",
			},
		},
		{
			name: "relative video src is resolved against the page",
			handlerFunc: func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path == "/media/clip.webm" {
					t.Errorf("markup extraction should not fetch the media itself")
				}
				w.Header().Set("Content-Type", "text/html")
				mustWriteAll(t, w, `<html><body><video src="/media/clip.webm"></video></body></html>`)
			},
			givenURL: "/watch/2",
			wantResult: Result{
				PageURL:  "/watch/2",
				MediaURL: "/media/clip.webm",
				MimeType: "video/webm",
				Kind:     KindVideo,
				Strategy: "htmlmeta",
			},
		},
		{
			name: "direct media url is probed",
			handlerFunc: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "video/mp4")
				mustWriteAll(t, w, string(mp4Header))
			},
			givenURL: "/files/clip.mp4",
			wantResult: Result{
				PageURL:  "/files/clip.mp4",
				MediaURL: "/files/clip.mp4",
				MimeType: "video/mp4",
				Kind:     KindVideo,
				Strategy: "probe",
			},
		},
		{
			name: "direct media with useless content type is sniffed",
			handlerFunc: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/octet-stream")
				mustWriteAll(t, w, string(mp4Header))
			},
			givenURL: "/files/clip.mp4",
			wantResult: Result{
				PageURL:  "/files/clip.mp4",
				MediaURL: "/files/clip.mp4",
				MimeType: "video/mp4",
				Kind:     KindVideo,
				Strategy: "probe",
			},
		},
		{
			name: "hls manifest",
			handlerFunc: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
				mustWriteAll(t, w, "#EXTM3U\n#EXT-X-VERSION:3\n")
			},
			givenURL: "/streams/live.m3u8",
			wantResult: Result{
				PageURL:  "/streams/live.m3u8",
				MediaURL: "/streams/live.m3u8",
				MimeType: "application/vnd.apple.mpegurl",
				Kind:     KindManifest,
				Strategy: "probe",
			},
		},
		{
			name: "oembed endpoint discovered from page markup",
			handlerFunc: func(w http.ResponseWriter, r *http.Request) {
				switch r.URL.Path {
				case "/watch/3":
					w.Header().Set("Content-Type", "text/html")
					mustWriteAll(t, w, `<html><head>
						<link rel="alternate" type="application/json+oembed" href="/oembed?url=%2Fwatch%2F3">
					</head></html>`)
				case "/oembed":
					w.Header().Set("Content-Type", "application/json")
					mustWriteAll(t, w, `{
						"type": "video",
						"title": "Embedded clip",
						"html": "<iframe src=\"https://player.example.com/embed/3\"></iframe>"
					}`)
				default:
					w.WriteHeader(http.StatusNotFound)
				}
			},
			givenURL: "/watch/3",
			wantResult: Result{
				PageURL:  "/watch/3",
				MediaURL: "https://player.example.com/embed/3",
				Kind:     KindVideo,
				Title:    "Embedded clip",
				Strategy: "oembed",
			},
		},
		{
			name: "redirects are followed and the final url is canonicalized",
			handlerFunc: func(w http.ResponseWriter, r *http.Request) {
				switch r.URL.Path {
				case "/start":
					http.Redirect(w, r, "/final?utm_campaign=tracked", http.StatusFound)
				case "/final":
					w.Header().Set("Content-Type", "text/html")
					mustWriteAll(t, w, `<html><head>
						<meta property="og:video" content="https://cdn.example.com/final.mp4">
					</head></html>`)
				}
			},
			givenURL: "/start",
			wantResult: Result{
				PageURL:  "/final",
				MediaURL: "https://cdn.example.com/final.mp4",
				MimeType: "video/mp4",
				Kind:     KindVideo,
				Strategy: "htmlmeta",
			},
		},
		{
			name: "non-utf8 page is decoded before extraction",
			handlerFunc: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "text/html; charset=iso-8859-1")
				body, err := charmap.ISO8859_1.NewEncoder().Bytes([]byte(`<html><head>
					<title>Iñtërnâtiônàlizætiøn</title>
					<meta property="og:video" content="https://cdn.example.com/intl.mp4">
				</head></html>`))
				require.NoError(t, err)
				mustWriteAll(t, w, string(body))
			},
			givenURL: "/watch/4",
			wantResult: Result{
				PageURL:  "/watch/4",
				MediaURL: "https://cdn.example.com/intl.mp4",
				MimeType: "video/mp4",
				Kind:     KindVideo,
				Title:    "Iñtërnâtiônàlizætiøn",
				Strategy: "htmlmeta",
			},
		},
		{
			name: "gzipped page",
			handlerFunc: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "text/html")
				w.Header().Set("Content-Encoding", "gzip")
				gz := gzip.NewWriter(w)
				_, err := gz.Write([]byte(`<html><head>
					<title>Zipped</title>
					<meta property="og:video" content="https://cdn.example.com/zipped.mp4">
				</head></html>`))
				require.NoError(t, err)
				require.NoError(t, gz.Close())
			},
			givenURL: "/watch/5",
			wantResult: Result{
				PageURL:  "/watch/5",
				MediaURL: "https://cdn.example.com/zipped.mp4",
				MimeType: "video/mp4",
				Kind:     KindVideo,
				Title:    "Zipped",
				Strategy: "htmlmeta",
			},
		},
		{
			name: "page without media exhausts the chain but keeps the title",
			handlerFunc: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "text/html")
				mustWriteAll(t, w, `<html><head><title>Just an article</title></head><body><p>words</p></body></html>`)
			},
			givenURL: "/articles/1",
			wantErr:  fallback.ErrExhausted,
			wantResult: Result{
				PageURL: "/articles/1",
				Title:   "Just an article",
			},
		},
	}

	for _, tc := range testCases {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			srv := httptest.NewServer(tc.handlerFunc)
			defer srv.Close()

			resolver := newTestResolver(t)

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()

			givenURL := renderURL(srv.URL, tc.givenURL)
			if tc.wantResult.PageURL != "" {
				tc.wantResult.PageURL = renderURL(srv.URL, tc.wantResult.PageURL)
			}
			if strings.HasPrefix(tc.wantResult.MediaURL, "/") {
				tc.wantResult.MediaURL = renderURL(srv.URL, tc.wantResult.MediaURL)
			}

			result, err := resolver.Resolve(ctx, givenURL)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tc.wantResult, result)
		})
	}

	t.Run("multiple requests for the same URL are coalesced into one", func(t *testing.T) {
		t.Parallel()

		var counter int64
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt64(&counter, 1)
			<-time.After(250 * time.Millisecond)
			w.Header().Set("Content-Type", "text/html")
			mustWriteAll(t, w, `<html><head><meta property="og:video" content="https://cdn.example.com/one.mp4"></head></html>`)
		}))
		defer srv.Close()

		resolver := newTestResolver(t)

		wantResult := Result{
			PageURL:  srv.URL,
			MediaURL: "https://cdn.example.com/one.mp4",
			MimeType: "video/mp4",
			Kind:     KindVideo,
			Strategy: "htmlmeta",
		}

		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				// note: URL query param varies, but it's a param that will be
				// stripped by initial canonicalization before the singleflight
				// check happens, so all requests should be coalesced.
				url := fmt.Sprintf("%s?utm_campaign=%d", srv.URL, i)
				result, err := resolver.Resolve(context.Background(), url)
				assert.NoError(t, err)
				assert.Equal(t, wantResult, result)
			}(i)
		}
		wg.Wait()

		assert.Equal(t, int64(1), counter, "expected all requests coalesced into 1")
	})

	t.Run("invalid URL error", func(t *testing.T) {
		t.Parallel()

		resolver := newTestResolver(t)
		result, err := resolver.Resolve(context.Background(), "%%")
		assertErrorsMatch(t, errors.New("invalid URL escape"), err)
		assert.Equal(t, Result{PageURL: "%%"}, result)
	})

	t.Run("broken page fetch still yields a partial result", func(t *testing.T) {
		t.Parallel()

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/html")
			w.Header().Set("Content-Encoding", "gzip")
			mustWriteAll(t, w, "<title>definitely not gzip</title>")
		}))
		defer srv.Close()

		resolver := newTestResolver(t)
		result, err := resolver.Resolve(context.Background(), srv.URL+"/broken")

		var exhausted *fallback.ExhaustedError
		require.ErrorAs(t, err, &exhausted)
		require.NotEmpty(t, exhausted.Attempts)
		assert.Contains(t, exhausted.Attempts[0].Err.Error(), "gzip")
		assert.Equal(t, Result{PageURL: srv.URL + "/broken"}, result)
	})
}

func TestResolveStrategyOrderIsCallersOrder(t *testing.T) {
	t.Parallel()

	var order []string
	mk := func(name string, result Result, err error) Strategy {
		return fallback.Func(name, nil, func(_ context.Context, _ *Page) (Result, error) {
			order = append(order, name)
			return result, err
		})
	}

	resolver, err := New(
		newSafeTestTransport(t),
		WithStrategies(
			mk("first", Result{}, fallback.ErrNoResult),
			mk("second", Result{MediaURL: "https://cdn.example.com/x.mp4", Kind: KindVideo}, nil),
			mk("third", Result{MediaURL: "https://cdn.example.com/y.mp4", Kind: KindVideo}, nil),
		),
	)
	require.NoError(t, err)

	result, err := resolver.Resolve(context.Background(), "https://example.com/page")
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, order)
	assert.Equal(t, "second", result.Strategy)
	assert.Equal(t, "https://cdn.example.com/x.mp4", result.MediaURL)
	assert.Equal(t, "https://example.com/page", result.PageURL)
}

func TestResolveLogsStrategyEvents(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/watch":
			w.Header().Set("Content-Type", "text/html")
			mustWriteAll(t, w, `<html><head><meta property="og:video" content="https://cdn.example.com/ev.mp4"></head></html>`)
		case "/clip.mp4":
			w.Header().Set("Content-Type", "video/mp4")
			mustWriteAll(t, w, string(mp4Header))
		}
	}))
	defer srv.Close()

	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	resolver, err := New(newSafeTestTransport(t), WithLogger(logger))
	require.NoError(t, err)

	// A regular page: oembed runs and misses, htmlmeta wins.
	_, err = resolver.Resolve(context.Background(), srv.URL+"/watch")
	require.NoError(t, err)

	logs := buf.String()
	assert.Contains(t, logs, `"event":"strategy_failed"`)
	assert.Contains(t, logs, `"strategy":"oembed"`)
	assert.Contains(t, logs, `"event":"strategy_succeeded"`)
	assert.Contains(t, logs, `"strategy":"htmlmeta"`)
	assert.NotContains(t, logs, `"strategy":"probe"`, "strategies after the winner leave no events")

	// A direct media URL: the markup strategies skip, probe wins.
	buf.Reset()
	_, err = resolver.Resolve(context.Background(), srv.URL+"/clip.mp4")
	require.NoError(t, err)

	logs = buf.String()
	assert.Contains(t, logs, `"event":"strategy_skipped"`)
	assert.Contains(t, logs, `"strategy":"oembed"`)
	assert.Contains(t, logs, `"strategy":"htmlmeta"`)
	assert.Contains(t, logs, `"event":"strategy_succeeded"`)
	assert.Contains(t, logs, `"strategy":"probe"`)
}

func TestDefaultStrategies(t *testing.T) {
	t.Parallel()

	var names []string
	for _, s := range DefaultStrategies() {
		names = append(names, s.Name())
	}
	assert.Equal(t, []string{"oembed", "htmlmeta", "probe"}, names)
}

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()
	resolver, err := New(newSafeTestTransport(t), WithTimeout(2*time.Second))
	require.NoError(t, err)
	return resolver
}

// newTestPage builds the Page a strategy under test would receive from
// the Resolver.
func newTestPage(t *testing.T, rawURL string) *Page {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	client := &http.Client{
		Transport: fakebrowser.New(newSafeTestTransport(t)),
		Timeout:   2 * time.Second,
	}
	return newPage(u, client, bufferpool.New())
}

type testTransport struct {
	roundTrip func(*http.Request) (*http.Response, error)
}

func (t *testTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.roundTrip(req)
}

func newSafeTestTransport(t *testing.T) *testTransport {
	return &testTransport{
		roundTrip: func(r *http.Request) (*http.Response, error) {
			if r.URL.Hostname() != "127.0.0.1" {
				return nil, fmt.Errorf("external request to %q forbidden in this test suite", r.URL)
			}
			return http.DefaultTransport.RoundTrip(r)
		},
	}
}

// renderURL takes a dynamic httptest.Server URL string src and an "expected"
// URL dst and ensures that dst is relative to the dynamic server URL.
func renderURL(src string, dst string) string {
	srcURL, _ := url.Parse(src)
	dstURL, _ := url.Parse(dst)
	return srcURL.ResolveReference(dstURL).String()
}

// assertErrorsMatch is a helper for comparing two error values, mostly to hide
// the awkwardness of comparing error strings necessitated by the kinds of
// network errors we're dealing with containing random IP addresses.
func assertErrorsMatch(t *testing.T, want, got error) {
	t.Helper()
	if want != nil {
		if assert.Error(t, got) {
			assert.Contains(t, got.Error(), want.Error())
		}
	} else {
		assert.NoError(t, got, "got unexpected error")
	}
}

func mustWriteAll(t *testing.T, dst io.Writer, s string) {
	t.Helper()
	nr, err := dst.Write([]byte(s))
	if nr != len(s) {
		t.Fatalf("expected to write %d bytes, wrote %d", len(s), nr)
	}
	if err != nil {
		t.Fatalf("write error: %s", err)
	}
}
