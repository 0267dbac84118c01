package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"

	"github.com/wudi/urlmd/internal/errors"
)

// ChromeRenderer renders pages in headless Chrome via chromedp. All
// tabs share one allocator; per-render isolation comes from a fresh
// browser context per request.
type ChromeRenderer struct {
	allocCtx context.Context
	cancel   context.CancelFunc
}

// NewChromeRenderer creates the shared allocator. execPath optionally
// points at a Chrome/Chromium binary.
func NewChromeRenderer(execPath string) *ChromeRenderer {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.DisableGPU,
		chromedp.NoSandbox,
		chromedp.Flag("blink-settings", "imagesEnabled=true"),
	)
	if execPath != "" {
		opts = append(opts, chromedp.ExecPath(execPath))
	}
	allocCtx, cancel := chromedp.NewExecAllocator(context.Background(), opts...)
	return &ChromeRenderer{allocCtx: allocCtx, cancel: cancel}
}

// Render navigates a fresh tab per the request and returns the page HTML.
func (r *ChromeRenderer) Render(ctx context.Context, req *Request) (*Result, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultNavigationTimeout
	}

	tabCtx, tabCancel := chromedp.NewContext(r.allocCtx)
	defer tabCancel()
	tabCtx, timeoutCancel := context.WithTimeout(tabCtx, timeout)
	defer timeoutCancel()

	// Propagate caller cancellation into the tab.
	stop := context.AfterFunc(ctx, tabCancel)
	defer stop()

	page := &chromePage{}

	var setup []chromedp.Action
	setup = append(setup, network.Enable())
	if req.UserAgent != "" {
		setup = append(setup, emulation.SetUserAgentOverride(req.UserAgent))
	}
	if len(req.Headers) > 0 {
		hdrs := make(network.Headers, len(req.Headers))
		for k, v := range req.Headers {
			hdrs[k] = v
		}
		setup = append(setup, network.SetExtraHTTPHeaders(hdrs))
	}
	if err := chromedp.Run(tabCtx, setup...); err != nil {
		return nil, renderErr(ctx, err)
	}

	if req.Configure != nil {
		if err := req.Configure(tabCtx, page); err != nil {
			return nil, err
		}
	}

	if err := page.Navigate(tabCtx, req.URL); err != nil {
		return nil, renderErr(ctx, err)
	}
	if req.WaitSelector != "" {
		if err := page.WaitVisible(tabCtx, req.WaitSelector); err != nil {
			return nil, renderErr(ctx, err)
		}
	}

	var html string
	var err error
	if req.Extract != nil {
		html, err = req.Extract(tabCtx, page)
	} else {
		html, err = page.HTML(tabCtx)
	}
	if err != nil {
		return nil, err
	}

	finalURL, err := page.Location(tabCtx)
	if err != nil {
		finalURL = req.URL
	}
	return &Result{HTML: html, FinalURL: finalURL}, nil
}

// Close shuts the allocator down.
func (r *ChromeRenderer) Close() error {
	r.cancel()
	return nil
}

// renderErr maps chromedp failures onto the taxonomy, preferring the
// caller's cancellation cause.
func renderErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return errors.FromFetch(fmt.Errorf("browser render: %w", err))
}

// chromePage implements Page over a chromedp tab context. The context
// is passed per call so adapter hooks keep cancellation semantics.
type chromePage struct{}

func (p *chromePage) Navigate(ctx context.Context, url string) error {
	return chromedp.Run(ctx, chromedp.Navigate(url))
}

func (p *chromePage) WaitVisible(ctx context.Context, selector string) error {
	return chromedp.Run(ctx, chromedp.WaitVisible(selector, chromedp.ByQuery))
}

func (p *chromePage) Evaluate(ctx context.Context, js string, out any) error {
	if out == nil {
		return chromedp.Run(ctx, chromedp.Evaluate(js, nil))
	}
	return chromedp.Run(ctx, chromedp.Evaluate(js, out))
}

func (p *chromePage) HTML(ctx context.Context) (string, error) {
	var html string
	err := chromedp.Run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery))
	return html, err
}

func (p *chromePage) Location(ctx context.Context) (string, error) {
	var loc string
	err := chromedp.Run(ctx, chromedp.Location(&loc))
	return loc, err
}

func (p *chromePage) Cookies(ctx context.Context) ([]Cookie, error) {
	var out []Cookie
	err := chromedp.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		cookies, err := storage.GetCookies().Do(ctx)
		if err != nil {
			return err
		}
		for _, c := range cookies {
			out = append(out, Cookie{Name: c.Name, Value: c.Value, Domain: c.Domain})
		}
		return nil
	}))
	return out, err
}

func (p *chromePage) Sleep(ctx context.Context, d time.Duration) error {
	return chromedp.Run(ctx, chromedp.Sleep(d))
}
