// Package browsercapture resolves media by rendering a page in
// headless Chrome and watching the network requests it makes. It is
// the heavyweight last resort for pages that assemble their players
// entirely in script, where nothing useful appears in the served
// markup.
package browsercapture

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"mediaresolver"
	"mediaresolver/fakebrowser"
	"mediaresolver/fallback"
)

const defaultWaitWindow = 15 * time.Second

// Strategy drives a shared headless browser. It implements
// mediaresolver.Strategy but is never part of the default set; callers
// that have Chrome available append it explicitly.
type Strategy struct {
	waitWindow time.Duration
	execPath   string
}

var _ mediaresolver.Strategy = &Strategy{}

// Option customizes a Strategy.
type Option func(*Strategy)

// WithWaitWindow sets how long a capture waits for a media request
// before giving up. Playback often starts only after the page has
// finished loading, so the window covers the whole attempt, not just
// navigation.
func WithWaitWindow(d time.Duration) Option {
	return func(s *Strategy) {
		if d > 0 {
			s.waitWindow = d
		}
	}
}

// WithExecPath sets the browser binary to launch. Only the first
// Strategy to run a capture determines the shared browser's options.
func WithExecPath(path string) Option {
	return func(s *Strategy) {
		s.execPath = path
	}
}

// New creates a browser capture Strategy.
func New(opts ...Option) *Strategy {
	s := &Strategy{waitWindow: defaultWaitWindow}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name implements mediaresolver.Strategy.
func (s *Strategy) Name() string {
	return "browser"
}

// Applies implements mediaresolver.Strategy. Direct media URLs are
// cheaper to probe than to render, so the browser only takes pages.
func (s *Strategy) Applies(page *mediaresolver.Page) bool {
	if page.URL.Scheme != "http" && page.URL.Scheme != "https" {
		return false
	}
	_, direct := mediaresolver.MIMEForPath(page.URL.Path)
	return !direct
}

// Attempt implements mediaresolver.Strategy. It navigates a fresh tab
// to the page and settles on the first response that looks like
// playable media. No such response within the wait window means the
// page simply has nothing to offer here.
func (s *Strategy) Attempt(ctx context.Context, page *mediaresolver.Page) (mediaresolver.Result, error) {
	tabCtx, cancel := chromedp.NewContext(sharedAllocator(s.execPath))
	defer cancel()

	captured := make(chan capture, 1)
	chromedp.ListenTarget(tabCtx, func(ev interface{}) {
		resp, ok := ev.(*network.EventResponseReceived)
		if !ok {
			return
		}
		c, ok := classifyResponse(resp.Response)
		if !ok {
			return
		}
		// First media response settles the capture.
		select {
		case captured <- c:
		default:
		}
	})

	runErr := make(chan error, 1)
	go func() {
		runErr <- chromedp.Run(tabCtx,
			network.Enable(),
			chromedp.Navigate(page.FinalURL()),
		)
	}()

	timer := time.NewTimer(s.waitWindow)
	defer timer.Stop()

	for {
		select {
		case c := <-captured:
			return mediaresolver.Result{
				MediaURL: c.mediaURL,
				MimeType: c.mimeType,
				Kind:     c.kind,
			}, nil
		case err := <-runErr:
			if err != nil {
				return mediaresolver.Result{}, fmt.Errorf("browser navigation: %w", err)
			}
			// Navigation finished with no media request yet. Players
			// often start fetching only after load, so keep listening
			// until the window closes.
			runErr = nil
		case <-ctx.Done():
			return mediaresolver.Result{}, ctx.Err()
		case <-timer.C:
			return mediaresolver.Result{}, fmt.Errorf("no media request within %s: %w", s.waitWindow, fallback.ErrNoResult)
		}
	}
}

type capture struct {
	mediaURL string
	mimeType string
	kind     mediaresolver.Kind
}

func classifyResponse(resp *network.Response) (capture, bool) {
	u, err := url.Parse(resp.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return capture{}, false
	}
	if kind, ok := mediaresolver.ClassifyMIME(resp.MimeType); ok {
		return capture{mediaURL: resp.URL, mimeType: resp.MimeType, kind: kind}, true
	}
	// CDNs routinely serve media as text/plain or octet-stream; the
	// URL extension rescues those.
	if mt, ok := mediaresolver.MIMEForPath(u.Path); ok {
		kind, _ := mediaresolver.ClassifyMIME(mt)
		return capture{mediaURL: resp.URL, mimeType: mt, kind: kind}, true
	}
	return capture{}, false
}

// One headless browser serves every capture in the process. The
// allocator is created on first use, with the options of whichever
// Strategy captures first, and lives until the process exits.
var (
	allocOnce sync.Once
	allocCtx  context.Context
)

func sharedAllocator(execPath string) context.Context {
	allocOnce.Do(func() {
		opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
		opts = append(opts,
			chromedp.UserAgent(fakebrowser.DefaultHeaders["User-Agent"]),
			// Players must start without a click or no media request
			// ever happens.
			chromedp.Flag("autoplay-policy", "no-user-gesture-required"),
			chromedp.Flag("hide-scrollbars", true),
		)
		if execPath != "" {
			opts = append(opts, chromedp.ExecPath(execPath))
		}
		allocCtx, _ = chromedp.NewExecAllocator(context.Background(), opts...)
	})
	return allocCtx
}
