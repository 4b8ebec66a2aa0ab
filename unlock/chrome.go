package unlock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
)

// ChromeLauncher starts Chrome over the DevTools protocol.
type ChromeLauncher struct {
	Headless bool
	ExecPath string // Browser binary; empty uses the first one found on PATH
	// DriverPath is accepted for compatibility with WebDriver setups. The
	// DevTools protocol talks to the browser directly and does not use it.
	DriverPath string
	// InteractionTimeout bounds every single page action.
	InteractionTimeout time.Duration
	Logger             *slog.Logger
}

func (c *ChromeLauncher) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := []chromedp.ExecAllocatorOption{
		chromedp.NoFirstRun,
		chromedp.NoDefaultBrowserCheck,
	}
	if c.Headless {
		opts = append(opts,
			chromedp.Headless,
			chromedp.NoSandbox,
			chromedp.DisableGPU,
			chromedp.Flag("disable-dev-shm-usage", true),
			chromedp.Flag("disable-extensions", true),
			chromedp.Flag("disable-sync", true),
			chromedp.Flag("disable-plugins", true),
			chromedp.Flag("disable-application-cache", true),
		)
	} else {
		opts = append(opts,
			chromedp.Flag("headless", false),
			chromedp.WindowSize(1400, 900),
		)
	}
	if c.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(c.ExecPath))
	}
	return opts
}

// Launch starts a browser with downloads redirected to downloadDir, which
// must be absolute.
func (c *ChromeLauncher) Launch(ctx context.Context, downloadDir string) (Page, error) {
	if c.DriverPath != "" {
		c.Logger.Info("Driver path ignored by DevTools launcher", "driver_path", c.DriverPath)
	}
	c.Logger.Info("Launching browser", "headless", c.Headless, "exec_path", c.ExecPath, "download_dir", downloadDir)

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, c.allocatorOptions()...)
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(format string, args ...any) {
			c.Logger.Debug(fmt.Sprintf(format, args...))
		}),
		chromedp.WithErrorf(func(format string, args ...any) {
			c.Logger.Warn(fmt.Sprintf(format, args...))
		}),
	)
	cancel := func() {
		cancelBrowser()
		cancelAlloc()
	}

	start := time.Now()
	err := chromedp.Run(browserCtx,
		browser.SetDownloadBehavior(browser.SetDownloadBehaviorBehaviorAllow).
			WithDownloadPath(downloadDir).
			WithEventsEnabled(true),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("start chrome: %w", err)
	}
	c.Logger.Info("Browser started", "duration_ms", time.Since(start).Milliseconds())

	timeout := c.InteractionTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &chromePage{ctx: browserCtx, cancel: cancel, timeout: timeout}, nil
}

// chromePage implements Page on a chromedp browser context.
type chromePage struct {
	ctx     context.Context
	cancel  context.CancelFunc
	timeout time.Duration
}

// run executes actions on the browser, bounded by the interaction timeout
// and by the caller's context.
func (p *chromePage) run(ctx context.Context, actions ...chromedp.Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tctx, cancel := context.WithTimeout(p.ctx, p.timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(tctx, actions...)
}

func (p *chromePage) Open(ctx context.Context, url string) error {
	return p.run(ctx, chromedp.Navigate(url))
}

func (p *chromePage) Reload(ctx context.Context) error {
	return p.run(ctx, chromedp.Reload())
}

func (p *chromePage) Source(ctx context.Context) (string, error) {
	var html string
	if err := p.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", err
	}
	return html, nil
}

const queryScript = `(() => Array.from(document.querySelectorAll(%s)).map((el, i) => {
	const style = window.getComputedStyle(el);
	const rect = el.getBoundingClientRect();
	return {
		index: i,
		name: el.getAttribute('name') || '',
		type: el.getAttribute('type') || '',
		placeholder: el.getAttribute('placeholder') || '',
		href: el.getAttribute('href') || '',
		text: (el.innerText || el.textContent || '').trim(),
		visible: style.display !== 'none' && style.visibility !== 'hidden' && rect.width > 0 && rect.height > 0,
		enabled: !el.disabled,
	};
}))()`

func (p *chromePage) Query(ctx context.Context, selector string) ([]Element, error) {
	quoted, err := json.Marshal(selector)
	if err != nil {
		return nil, err
	}
	var els []Element
	if err := p.run(ctx, chromedp.Evaluate(fmt.Sprintf(queryScript, quoted), &els)); err != nil {
		return nil, fmt.Errorf("query %s: %w", selector, err)
	}
	for i := range els {
		els[i].Path = fmt.Sprintf("document.querySelectorAll(%s)[%d]", quoted, els[i].Index)
	}
	return els, nil
}

func (p *chromePage) Click(ctx context.Context, el Element) error {
	return p.run(ctx, chromedp.Click(el.Path, chromedp.ByJSPath))
}

func (p *chromePage) ScriptClick(ctx context.Context, el Element) error {
	return p.run(ctx, chromedp.Evaluate(el.Path+".click()", nil))
}

func (p *chromePage) Fill(ctx context.Context, el Element, text string) error {
	return p.run(ctx,
		chromedp.Clear(el.Path, chromedp.ByJSPath),
		chromedp.SendKeys(el.Path, text, chromedp.ByJSPath),
	)
}

func (p *chromePage) PressEnter(ctx context.Context, el Element) error {
	return p.run(ctx, chromedp.SendKeys(el.Path, kb.Enter, chromedp.ByJSPath))
}

const submitScript = `(() => {
	const el = %s;
	el.value = %s;
	el.dispatchEvent(new Event('input', {bubbles: true}));
	const form = el.form;
	if (!form) {
		return false;
	}
	if (form.requestSubmit) {
		form.requestSubmit();
	} else {
		form.submit();
	}
	return true;
})()`

func (p *chromePage) ScriptSubmit(ctx context.Context, el Element, text string) error {
	value, err := json.Marshal(text)
	if err != nil {
		return err
	}
	var submitted bool
	if err := p.run(ctx, chromedp.Evaluate(fmt.Sprintf(submitScript, el.Path, value), &submitted)); err != nil {
		return err
	}
	if !submitted {
		return errors.New("field is not inside a form")
	}
	return nil
}

// Close shuts the browser down.
func (p *chromePage) Close() error {
	err := chromedp.Cancel(p.ctx)
	p.cancel()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
