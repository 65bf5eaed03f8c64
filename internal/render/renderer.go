// Package render drives a headless Chrome instance to turn resolved HTML
// into paginated PDF bytes. One browser, one context and one page are created
// per call and torn down on every exit path; nothing is shared or reused.
package render

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"pdfexport/internal/logging"
	"pdfexport/internal/source"
)

// networkIdleWindow is the trailing quiescence window: the page counts as
// loaded once no request has been in flight for this long.
const networkIdleWindow = 500 * time.Millisecond

// pageMarginResetJS zeroes the document's own @page margins and padding with
// maximum specificity, so the printToPDF margin parameters are the only
// source of page margin in the output. Applied after content load and before
// print parameters are assembled.
const pageMarginResetJS = `(() => {
	const style = document.createElement('style');
	style.textContent = '@page {' +
		' margin-top: 0 !important;' +
		' margin-right: 0 !important;' +
		' margin-bottom: 0 !important;' +
		' margin-left: 0 !important;' +
		' padding: 0 !important;' +
	' }';
	(document.head || document.documentElement).appendChild(style);
})()`

// ChromeRenderer renders documents with a fresh headless Chrome per call.
type ChromeRenderer struct {
	// ChromePath overrides the Chrome binary location. Empty means chromedp's
	// default lookup.
	ChromePath string
	// NoSandbox disables the Chrome sandbox, required in most containers.
	NoSandbox bool
	// ScratchDir is the base directory for throwaway Chrome profiles. Empty
	// means the system temp dir.
	ScratchDir string
}

// Render loads doc into a fresh browser page and prints it to PDF bytes
// following cfg. The load phase is bounded by cfg.LoadTimeout and maps to
// ErrContentLoadTimeout on expiry; once printing has been requested there is
// no cancellation path. Browser resources are released on every exit and
// cleanup faults never replace the primary result.
func (r *ChromeRenderer) Render(ctx context.Context, doc source.Document, cfg PrintConfiguration) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	params, err := assemblePrintParams(cfg)
	if err != nil {
		return nil, err
	}

	profileDir, err := os.MkdirTemp(r.ScratchDir, "pdfexport-chrome-*")
	if err != nil {
		return nil, fmt.Errorf("cannot create temp profile dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(profileDir); err != nil {
			logging.Warn("Chrome profile cleanup failed", "dir", profileDir, "error", err)
		}
	}()

	allocatorOptions := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserDataDir(profileDir),
		// Force software rendering and avoid Vulkan/ANGLE issues in minimal
		// container environments.
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-gpu-compositing", true),
		chromedp.Flag("disable-features", "Vulkan,UseSkiaRenderer"),
		chromedp.Flag("use-gl", "swiftshader"),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if r.ChromePath != "" {
		allocatorOptions = append(allocatorOptions, chromedp.ExecPath(r.ChromePath))
	}
	if r.NoSandbox {
		allocatorOptions = append(allocatorOptions, chromedp.Flag("no-sandbox", true))
	}

	// The browser lifetime is owned here, not by the request context: once
	// printing starts it runs to completion.
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(context.Background(), allocatorOptions...)
	defer cancelAlloc()
	chromeCtx, cancelChrome := chromedp.NewContext(allocCtx)
	defer cancelChrome()

	// The first Run starts the browser and creates the page target. It must
	// run on chromeCtx: chromedp binds the Chrome process to the context of
	// the first Run, and the load phase below uses a bounded child context
	// whose cancellation must not take the browser down with it.
	if err := chromedp.Run(chromeCtx); err != nil {
		return nil, fmt.Errorf("%w: starting browser: %v", ErrRenderFailure, err)
	}

	if err := r.loadContent(chromeCtx, doc, cfg.LoadTimeout); err != nil {
		return nil, err
	}

	if err := chromedp.Run(chromeCtx, chromedp.Evaluate(pageMarginResetJS, nil)); err != nil {
		return nil, fmt.Errorf("%w: applying print style override: %v", ErrRenderFailure, err)
	}

	var pdfBuf []byte
	err = chromedp.Run(chromeCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		pdfBuf, _, err = params.Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRenderFailure, err)
	}
	return pdfBuf, nil
}

// loadContent sets the document content and blocks until the network has been
// quiet for networkIdleWindow, or until timeout elapses.
func (r *ChromeRenderer) loadContent(chromeCtx context.Context, doc source.Document, timeout time.Duration) error {
	loadCtx, cancel := context.WithTimeout(chromeCtx, timeout)
	defer cancel()

	html := doc.HTML
	if doc.BaseURL != "" {
		html = injectBaseHref(html, doc.BaseURL)
	}

	idle := newIdleTracker(networkIdleWindow)
	idle.listen(loadCtx)

	err := chromedp.Run(loadCtx,
		network.Enable(),
		chromedp.Navigate("about:blank"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			frame, err := page.GetFrameTree().Do(ctx)
			if err != nil {
				return err
			}
			return page.SetDocumentContent(frame.Frame.ID, html).Do(ctx)
		}),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.ActionFunc(func(ctx context.Context) error {
			return idle.wait(ctx)
		}),
	)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && chromeCtx.Err() == nil {
			return fmt.Errorf("%w after %v", ErrContentLoadTimeout, timeout)
		}
		return fmt.Errorf("%w: loading content: %v", ErrRenderFailure, err)
	}
	return nil
}

var headOpenRe = regexp.MustCompile(`(?i)<head[^>]*>`)

// injectBaseHref places a <base> element at the start of the document head so
// relative references resolve against the resolved base URL. Content set via
// CDP otherwise resolves against about:blank.
func injectBaseHref(html, baseURL string) string {
	base := `<base href="` + baseURL + `">`
	if loc := headOpenRe.FindStringIndex(html); loc != nil {
		return html[:loc[1]] + base + html[loc[1]:]
	}
	return base + html
}

// idleTracker counts in-flight network requests on a chromedp target and
// signals once none have been active for a full idle window.
type idleTracker struct {
	mu       sync.Mutex
	inflight map[network.RequestID]struct{}
	window   time.Duration
	timer    *time.Timer
	idleCh   chan struct{}
	done     bool
}

// newIdleTracker returns a tracker whose idle timer is armed immediately, so
// documents with no subresources become idle after one quiet window.
func newIdleTracker(window time.Duration) *idleTracker {
	t := &idleTracker{
		inflight: make(map[network.RequestID]struct{}),
		window:   window,
		idleCh:   make(chan struct{}),
	}
	t.timer = time.AfterFunc(window, t.fire)
	return t
}

// listen subscribes the tracker to network events on a chromedp target.
func (t *idleTracker) listen(ctx context.Context) {
	chromedp.ListenTarget(ctx, func(ev interface{}) {
		switch ev := ev.(type) {
		case *network.EventRequestWillBeSent:
			t.begin(ev.RequestID)
		case *network.EventLoadingFinished:
			t.end(ev.RequestID)
		case *network.EventLoadingFailed:
			t.end(ev.RequestID)
		case *network.EventRequestServedFromCache:
			t.end(ev.RequestID)
		}
	})
}

func (t *idleTracker) begin(id network.RequestID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return
	}
	t.inflight[id] = struct{}{}
	t.timer.Stop()
}

func (t *idleTracker) end(id network.RequestID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return
	}
	delete(t.inflight, id)
	if len(t.inflight) == 0 {
		t.timer.Reset(t.window)
	}
}

func (t *idleTracker) fire() {
	t.mu.Lock()
	defer t.mu.Unlock()
	// The timer can expire while begin holds the lock, in which case its
	// Stop comes too late. Requests in flight veto the idle signal; the
	// next end re-arms the timer.
	if t.done || len(t.inflight) > 0 {
		return
	}
	t.done = true
	close(t.idleCh)
}

// wait blocks until the target has been network-idle for the full window or
// ctx expires.
func (t *idleTracker) wait(ctx context.Context) error {
	select {
	case <-t.idleCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
