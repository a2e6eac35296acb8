package browser

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// RodDriver launches Chrome-family browsers through go-rod.
type RodDriver struct {
	logger *slog.Logger
}

// NewRodDriver creates a driver that logs browser lifecycle events to logger.
func NewRodDriver(logger *slog.Logger) *RodDriver {
	if logger == nil {
		logger = slog.Default()
	}
	return &RodDriver{logger: logger}
}

// Launch starts the browser process, connects to it and opens a page with the
// configured viewport.
func (d *RodDriver) Launch(ctx context.Context, opts LaunchOptions) (Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts.IdleWait <= 0 {
		opts.IdleWait = 500 * time.Millisecond
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 10 * time.Second
	}
	if opts.ElementTimeout <= 0 {
		opts.ElementTimeout = 5 * time.Second
	}

	// The process lives until Close, not until the caller's ctx ends.
	lifetime, cancel := context.WithCancel(context.Background())

	l := launcher.New().
		Context(lifetime).
		Bin(opts.Bin).
		Headless(opts.Headless).
		NoSandbox(opts.NoSandbox).
		Set("window-size", fmt.Sprintf("%d,%d", opts.Width, opts.Height))
	if opts.ProfileDir != "" {
		l = l.UserDataDir(opts.ProfileDir)
	}

	u, err := l.Launch()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("start %s: %w", opts.Bin, err)
	}

	b := rod.New().Context(lifetime).ControlURL(u)
	if err := b.Connect(); err != nil {
		l.Kill()
		cancel()
		return nil, fmt.Errorf("connect to browser: %w", err)
	}

	p, err := b.Page(proto.TargetCreateTarget{})
	if err != nil {
		_ = b.Close()
		l.Kill()
		cancel()
		return nil, fmt.Errorf("open page: %w", err)
	}

	if err := p.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             opts.Width,
		Height:            opts.Height,
		DeviceScaleFactor: 1,
	}); err != nil {
		_ = b.Close()
		l.Kill()
		cancel()
		return nil, fmt.Errorf("set viewport: %w", err)
	}

	rp := &rodPage{
		launcher: l,
		browser:  b,
		page:     p,
		cancel:   cancel,
		opts:     opts,
		console:  make(chan string, 64),
	}
	rp.listenConsole(lifetime)

	d.logger.Debug("browser process started", "bin", opts.Bin, "pid", l.PID())
	return rp, nil
}

type rodPage struct {
	launcher *launcher.Launcher
	browser  *rod.Browser
	page     *rod.Page
	cancel   context.CancelFunc
	opts     LaunchOptions
	console  chan string
}

// listenConsole subscribes to console calls for the page's whole lifetime.
func (r *rodPage) listenConsole(lifetime context.Context) {
	wait := r.page.Context(lifetime).EachEvent(func(e *proto.RuntimeConsoleAPICalled) {
		select {
		case r.console <- consoleText(e):
		case <-lifetime.Done():
		}
	})
	go func() {
		wait()
		close(r.console)
	}()
}

func consoleText(e *proto.RuntimeConsoleAPICalled) string {
	parts := make([]string, 0, len(e.Args))
	for _, arg := range e.Args {
		if arg.Value.Nil() {
			parts = append(parts, arg.Description)
			continue
		}
		parts = append(parts, arg.Value.Str())
	}
	return strings.Join(parts, " ")
}

func (r *rodPage) Console() <-chan string { return r.console }

func (r *rodPage) Navigate(ctx context.Context, url string) error {
	p := r.page.Context(ctx)

	// Register the idle wait before navigating so no request is missed.
	waitIdle := p.Timeout(r.opts.IdleTimeout).WaitRequestIdle(r.opts.IdleWait, nil, nil, nil)
	if err := p.Navigate(url); err != nil {
		return fmt.Errorf("navigate to %s: %w", url, err)
	}
	if err := p.WaitLoad(); err != nil {
		return fmt.Errorf("wait for load: %w", err)
	}
	// Pages with long-polling never go quiet; the idle wait is best effort.
	waitIdle()
	return nil
}

func (r *rodPage) Screenshot(ctx context.Context) ([]byte, error) {
	data, err := r.page.Context(ctx).Screenshot(false, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
	if err != nil {
		return nil, fmt.Errorf("screenshot: %w", err)
	}
	return data, nil
}

func (r *rodPage) element(ctx context.Context, selector string) (*rod.Element, error) {
	el, err := r.page.Context(ctx).Timeout(r.opts.ElementTimeout).Element(selector)
	if err != nil {
		return nil, fmt.Errorf("element not found: %s: %w", selector, err)
	}
	return el.CancelTimeout(), nil
}

func (r *rodPage) Click(ctx context.Context, selector string) (Point, error) {
	el, err := r.element(ctx, selector)
	if err != nil {
		return Point{}, err
	}
	center, err := elementCenter(el)
	if err != nil {
		return Point{}, err
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return Point{}, err
	}
	return center, nil
}

func (r *rodPage) ClickAt(ctx context.Context, at Point) error {
	mouse := r.page.Context(ctx).Mouse
	if err := mouse.MoveTo(proto.Point{X: at.X, Y: at.Y}); err != nil {
		return err
	}
	return mouse.Click(proto.InputMouseButtonLeft, 1)
}

func (r *rodPage) Type(ctx context.Context, selector, text string) error {
	el, err := r.element(ctx, selector)
	if err != nil {
		return err
	}
	if err := el.Focus(); err != nil {
		return fmt.Errorf("focus %s: %w", selector, err)
	}

	keys, ok := keystrokes(text)
	if !ok {
		// Characters without a key on the US layout go in as one insertion.
		return el.Input(text)
	}
	return r.page.Context(ctx).Keyboard.Type(keys...)
}

// keystrokes maps text to key presses. It reports false if any character has
// no key on a US keyboard.
func keystrokes(text string) ([]input.Key, bool) {
	keys := make([]input.Key, 0, len(text))
	for _, c := range text {
		switch {
		case c == '\n':
			keys = append(keys, input.Enter)
		case c == '\t':
			keys = append(keys, input.Tab)
		case c >= ' ' && c <= '~':
			keys = append(keys, input.Key(c))
		default:
			return nil, false
		}
	}
	return keys, true
}

func (r *rodPage) ScrollBy(ctx context.Context, deltaY int) error {
	_, err := r.page.Context(ctx).Eval(`(y) => window.scrollBy(0, y)`, deltaY)
	return err
}

func (r *rodPage) Close() error {
	defer r.cancel()

	closeErr := r.browser.Close()
	r.launcher.Kill()

	done := make(chan struct{})
	go func() {
		r.launcher.Cleanup()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}
	return closeErr
}

func elementCenter(el *rod.Element) (Point, error) {
	shape, err := el.Shape()
	if err != nil {
		return Point{}, err
	}
	if len(shape.Quads) == 0 {
		return Point{}, fmt.Errorf("element has no shape")
	}

	q := shape.Quads[0]
	return Point{
		X: (q[0] + q[2] + q[4] + q[6]) / 4,
		Y: (q[1] + q[3] + q[5] + q[7]) / 4,
	}, nil
}
