package browser

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/v0xg/toolhost/internal/events"
)

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{30, 30, 30, 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// fakeDriver tracks how many fake browsers are alive at once.
type fakeDriver struct {
	mu        sync.Mutex
	live      int
	maxLive   int
	launches  int
	bins      []string
	launchErr error
	shot      []byte
	pages     []*fakePage
	navErr    error

	// navGate, when set, holds Navigate until it is closed or ctx ends;
	// navEntered is signalled as Navigate starts waiting.
	navGate    chan struct{}
	navEntered chan struct{}

	// keepConsole leaves the console channel open on Close.
	keepConsole bool
}

func (d *fakeDriver) Launch(_ context.Context, opts LaunchOptions) (Page, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.launches++
	d.bins = append(d.bins, opts.Bin)
	if d.launchErr != nil {
		return nil, d.launchErr
	}
	d.live++
	if d.live > d.maxLive {
		d.maxLive = d.live
	}
	p := &fakePage{driver: d, shot: d.shot, navErr: d.navErr, console: make(chan string, 16)}
	d.pages = append(d.pages, p)
	return p, nil
}

func (d *fakeDriver) liveCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.live
}

type fakePage struct {
	driver  *fakeDriver
	shot    []byte
	navErr  error
	console chan string

	mu       sync.Mutex
	closed   bool
	urls     []string
	clicks   []string
	points   []Point
	typed    map[string]string
	scrolls  []int
	shotErr  error
	clickErr error
	panicOn  string
}

func (p *fakePage) Navigate(ctx context.Context, url string) error {
	if gate := p.driver.navGate; gate != nil {
		p.driver.navEntered <- struct{}{}
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.urls = append(p.urls, url)
	return p.navErr
}

func (p *fakePage) Screenshot(context.Context) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.shotErr != nil {
		return nil, p.shotErr
	}
	return p.shot, nil
}

func (p *fakePage) Click(_ context.Context, selector string) (Point, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.panicOn == "click" {
		panic("driver exploded")
	}
	if p.clickErr != nil {
		return Point{}, p.clickErr
	}
	p.clicks = append(p.clicks, selector)
	return Point{X: 10, Y: 10}, nil
}

func (p *fakePage) ClickAt(_ context.Context, at Point) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.points = append(p.points, at)
	return nil
}

func (p *fakePage) Type(_ context.Context, selector, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.typed == nil {
		p.typed = map[string]string{}
	}
	p.typed[selector] += text
	return nil
}

func (p *fakePage) ScrollBy(_ context.Context, deltaY int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scrolls = append(p.scrolls, deltaY)
	return nil
}

func (p *fakePage) Console() <-chan string { return p.console }

func (p *fakePage) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("already closed")
	}
	p.closed = true
	if !p.driver.keepConsole {
		close(p.console)
	}

	p.driver.mu.Lock()
	p.driver.live--
	p.driver.mu.Unlock()
	return nil
}

func newTestSession(t *testing.T, d *fakeDriver, bus *events.Bus) *Session {
	t.Helper()
	if d.shot == nil {
		d.shot = testPNG(t, 90, 60)
	}
	return NewSession(d, Options{
		Launch: LaunchOptions{Width: 90, Height: 60},
		Locate: func() string { return "/fake/chrome" },
	}, bus, nil)
}

func launchOK(t *testing.T, s *Session) Result {
	t.Helper()
	res := s.Launch(context.Background(), "https://example.com")
	require.True(t, res.Success)
	require.Equal(t, Open, s.State())
	return res
}

func TestLaunchReturnsScreenshot(t *testing.T) {
	d := &fakeDriver{}
	s := newTestSession(t, d, nil)

	res := launchOK(t, s)
	assert.NotEmpty(t, res.Screenshot)

	data, err := DecodeDataURL(res.Screenshot)
	require.NoError(t, err)
	assert.Equal(t, d.shot, data)
	assert.Equal(t, d.shot, s.LastScreenshot())
	assert.Equal(t, []string{"https://example.com"}, d.pages[0].urls)
	assert.Equal(t, []string{"/fake/chrome"}, d.bins)
	assert.NotEmpty(t, s.ID())
}

func TestLaunchUsesConfiguredBin(t *testing.T) {
	d := &fakeDriver{shot: testPNG(t, 4, 4)}
	s := NewSession(d, Options{
		Launch: LaunchOptions{Bin: "/opt/chromium"},
		Locate: func() string { t.Fatal("discovery should be skipped"); return "" },
	}, nil, nil)

	launchOK(t, s)
	assert.Equal(t, []string{"/opt/chromium"}, d.bins)
}

func TestLaunchWithoutBrowserFails(t *testing.T) {
	d := &fakeDriver{launchErr: errors.New("exec: \"/usr/bin/google-chrome\": no such file")}
	s := newTestSession(t, d, nil)

	res := s.Launch(context.Background(), "https://example.com")
	assert.Equal(t, Result{}, res)
	assert.Equal(t, Closed, s.State())
	assert.Empty(t, s.ID())
}

func TestLaunchNavigationFailureCloses(t *testing.T) {
	d := &fakeDriver{navErr: errors.New("net::ERR_NAME_NOT_RESOLVED")}
	s := newTestSession(t, d, nil)

	res := s.Launch(context.Background(), "https://nowhere.invalid")
	assert.False(t, res.Success)
	assert.Empty(t, res.Screenshot)
	assert.Equal(t, Closed, s.State())
	assert.Equal(t, 0, d.liveCount(), "browser torn down after failed navigation")
}

func TestLaunchScreenshotFailureCloses(t *testing.T) {
	d := &fakeDriver{shot: []byte{}}
	s := NewSession(d, Options{Locate: func() string { return "x" }}, nil, nil)

	res := s.Launch(context.Background(), "https://example.com")
	assert.False(t, res.Success)
	assert.Equal(t, Closed, s.State())
	assert.Equal(t, 0, d.liveCount())
}

func TestRelaunchKeepsAtMostOneBrowser(t *testing.T) {
	d := &fakeDriver{}
	s := newTestSession(t, d, nil)

	launchOK(t, s)
	first := s.ID()
	launchOK(t, s)
	launchOK(t, s)

	assert.Equal(t, 3, d.launches)
	assert.Equal(t, 1, d.maxLive, "never two browsers alive at once")
	assert.Equal(t, 1, d.liveCount())
	assert.True(t, d.pages[0].closed)
	assert.True(t, d.pages[1].closed)
	assert.False(t, d.pages[2].closed)
	assert.NotEqual(t, first, s.ID())
}

func TestConcurrentLaunchesKeepAtMostOneBrowser(t *testing.T) {
	d := &fakeDriver{}
	s := newTestSession(t, d, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Launch(context.Background(), "https://example.com")
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, d.maxLive)
	assert.Equal(t, 1, d.liveCount())
}

func TestClose(t *testing.T) {
	d := &fakeDriver{}
	s := newTestSession(t, d, nil)

	assert.False(t, s.Close(), "closing a closed session")

	launchOK(t, s)
	assert.True(t, s.Close())
	assert.Equal(t, Closed, s.State())
	assert.Equal(t, 0, d.liveCount())
	assert.Nil(t, s.LastScreenshot())
	assert.False(t, s.Close())

	res := s.PerformAction(context.Background(), "scroll", Params{})
	assert.Equal(t, Result{}, res)
}

func TestActionOnClosedSessionIsNoop(t *testing.T) {
	d := &fakeDriver{}
	s := newTestSession(t, d, nil)

	for _, kind := range []string{"click", "type", "scroll", "bogus"} {
		res := s.PerformAction(context.Background(), kind, Params{Selector: "#a", Text: "x"})
		assert.Equal(t, Result{}, res, kind)
	}
	assert.Equal(t, 0, d.launches)
	assert.Equal(t, Closed, s.State())
}

func TestScrollDefaultsTo300(t *testing.T) {
	d := &fakeDriver{}
	s := newTestSession(t, d, nil)
	launchOK(t, s)

	res := s.PerformAction(context.Background(), "scroll", Params{})
	assert.True(t, res.Success)
	assert.NotEmpty(t, res.Screenshot)
	assert.Equal(t, []int{DefaultScrollDelta}, d.pages[0].scrolls)

	res = s.PerformAction(context.Background(), "scroll", Params{DeltaY: -120})
	assert.True(t, res.Success)
	assert.Equal(t, []int{300, -120}, d.pages[0].scrolls)
}

func TestClickAndType(t *testing.T) {
	d := &fakeDriver{}
	s := newTestSession(t, d, nil)
	launchOK(t, s)
	page := d.pages[0]

	assert.True(t, s.PerformAction(context.Background(), "click", Params{Selector: "#login"}).Success)
	assert.True(t, s.PerformAction(context.Background(), "click", Params{Coordinates: "120, 45.5"}).Success)
	assert.True(t, s.PerformAction(context.Background(), "type", Params{Selector: "#email", Text: "a@b.c"}).Success)

	assert.Equal(t, []string{"#login"}, page.clicks)
	assert.Equal(t, []Point{{X: 120, Y: 45.5}}, page.points)
	assert.Equal(t, "a@b.c", page.typed["#email"])
}

func TestInvalidActionsFail(t *testing.T) {
	d := &fakeDriver{}
	s := newTestSession(t, d, nil)
	launchOK(t, s)

	cases := []struct {
		kind   string
		params Params
	}{
		{"hover", Params{Selector: "#a"}},
		{"click", Params{}},
		{"click", Params{Coordinates: "12"}},
		{"type", Params{Selector: "#a"}},
		{"type", Params{Text: "hello"}},
	}
	for _, tc := range cases {
		res := s.PerformAction(context.Background(), tc.kind, tc.params)
		assert.Equal(t, Result{}, res, "%s %+v", tc.kind, tc.params)
	}
	assert.Equal(t, Open, s.State(), "rejected requests leave the session open")
}

func TestActionErrorBecomesFailure(t *testing.T) {
	d := &fakeDriver{}
	s := newTestSession(t, d, nil)
	launchOK(t, s)
	d.pages[0].clickErr = errors.New("element not found: #missing")

	res := s.PerformAction(context.Background(), "click", Params{Selector: "#missing"})
	assert.Equal(t, Result{}, res)
	assert.Equal(t, Open, s.State())
}

func TestDriverPanicBecomesFailure(t *testing.T) {
	d := &fakeDriver{}
	s := newTestSession(t, d, nil)
	launchOK(t, s)
	d.pages[0].panicOn = "click"

	var res Result
	assert.NotPanics(t, func() {
		res = s.PerformAction(context.Background(), "click", Params{Selector: "#a"})
	})
	assert.False(t, res.Success)
	assert.Equal(t, Closed, s.State())
	assert.Equal(t, 0, d.liveCount())
}

func TestConsoleLogsAndEvents(t *testing.T) {
	bus := events.New(16)
	sub := bus.Subscribe(events.TopicConsole, events.TopicScreenshot)
	defer sub.Close()

	d := &fakeDriver{}
	s := newTestSession(t, d, bus)
	launchOK(t, s)

	shot := <-sub.C()
	assert.Equal(t, events.TopicScreenshot, shot.Topic)
	assert.NotContains(t, shot.Data, "data:", "screenshot events carry bare base64")

	d.pages[0].console <- "hello from page"
	select {
	case ev := <-sub.C():
		assert.Equal(t, events.TopicConsole, ev.Topic)
		assert.Equal(t, "hello from page", ev.Data)
	case <-time.After(2 * time.Second):
		t.Fatal("console event not published")
	}

	assert.Eventually(t, func() bool { return len(s.ConsoleLog()) == 1 }, 2*time.Second, 10*time.Millisecond)

	res := s.PerformAction(context.Background(), "scroll", Params{})
	require.True(t, res.Success)
	assert.Equal(t, []string{"hello from page"}, res.Logs, "logs accumulate across the session")

	// Repeated actions must not duplicate the console listener.
	for i := 0; i < 3; i++ {
		s.PerformAction(context.Background(), "scroll", Params{})
	}
	d.pages[0].console <- "second"
	assert.Eventually(t, func() bool { return len(s.ConsoleLog()) == 2 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{"hello from page", "second"}, s.ConsoleLog())
}

func TestSubscribeCallbacks(t *testing.T) {
	bus := events.New(4)
	d := &fakeDriver{}
	s := newTestSession(t, d, bus)

	shots := make(chan string, 4)
	logs := make(chan string, 4)
	unsubscribe := s.Subscribe(func(v string) { shots <- v }, func(v string) { logs <- v })
	defer unsubscribe()

	launchOK(t, s)
	d.pages[0].console <- "ready"

	select {
	case v := <-shots:
		assert.NotEmpty(t, v)
	case <-time.After(2 * time.Second):
		t.Fatal("no screenshot callback")
	}
	select {
	case v := <-logs:
		assert.Equal(t, "ready", v)
	case <-time.After(2 * time.Second):
		t.Fatal("no console callback")
	}
}

func TestScreenshotDownscaleAndMarker(t *testing.T) {
	d := &fakeDriver{shot: testPNG(t, 200, 100)}
	s := NewSession(d, Options{
		Locate:             func() string { return "x" },
		MaxScreenshotWidth: 100,
		MarkClicks:         true,
	}, nil, nil)

	res := s.Launch(context.Background(), "https://example.com")
	require.True(t, res.Success)
	img := decodeResult(t, res)
	assert.Equal(t, 100, img.Bounds().Dx())
	assert.Equal(t, 50, img.Bounds().Dy())

	res = s.PerformAction(context.Background(), "click", Params{Coordinates: "100,50"})
	require.True(t, res.Success)
	assert.Equal(t, 100, decodeResult(t, res).Bounds().Dx())
}

func decodeResult(t *testing.T, res Result) image.Image {
	t.Helper()
	data, err := DecodeDataURL(res.Screenshot)
	require.NoError(t, err)
	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	return img
}

func TestStateDoesNotWaitForLaunch(t *testing.T) {
	d := &fakeDriver{navGate: make(chan struct{}), navEntered: make(chan struct{}, 1)}
	s := newTestSession(t, d, nil)

	launched := make(chan Result, 1)
	go func() { launched <- s.Launch(context.Background(), "https://example.com") }()
	<-d.navEntered

	read := make(chan State, 1)
	go func() {
		_ = s.ID()
		_ = s.ConsoleLog()
		_ = s.LastScreenshot()
		read <- s.State()
	}()
	select {
	case st := <-read:
		assert.Equal(t, Closed, st, "a launch in progress is not yet open")
	case <-time.After(2 * time.Second):
		t.Fatal("state read blocked behind navigation")
	}

	close(d.navGate)
	res := <-launched
	assert.True(t, res.Success)
	assert.Equal(t, Open, s.State())
	assert.NotEmpty(t, s.ID())
}

func TestLaunchAbortsWhenContextEnds(t *testing.T) {
	d := &fakeDriver{navGate: make(chan struct{}), navEntered: make(chan struct{}, 1)}
	s := newTestSession(t, d, nil)

	ctx, cancel := context.WithCancel(context.Background())
	launched := make(chan Result, 1)
	go func() { launched <- s.Launch(ctx, "https://example.com") }()
	<-d.navEntered
	cancel()

	select {
	case res := <-launched:
		assert.False(t, res.Success)
	case <-time.After(2 * time.Second):
		t.Fatal("launch ignored cancellation")
	}
	assert.False(t, s.Close(), "failed launch already tore the browser down")
	assert.Equal(t, 0, d.liveCount())
}

func TestConsoleAfterCloseIsDropped(t *testing.T) {
	bus := events.New(16)
	sub := bus.Subscribe(events.TopicConsole)
	defer sub.Close()

	d := &fakeDriver{keepConsole: true}
	s := newTestSession(t, d, bus)
	launchOK(t, s)
	first := s.ID()
	old := d.pages[0]
	defer close(old.console)

	old.console <- "live"
	ev := <-sub.C()
	assert.Equal(t, "live", ev.Data)
	assert.Equal(t, first, ev.Session)

	require.True(t, s.Close())
	old.console <- "stale"

	launchOK(t, s)
	d.pages[1].console <- "fresh"

	select {
	case ev := <-sub.C():
		assert.Equal(t, "fresh", ev.Data)
		assert.Equal(t, s.ID(), ev.Session)
		assert.NotEqual(t, first, ev.Session)
	case <-time.After(2 * time.Second):
		t.Fatal("console event not published")
	}
	assert.Equal(t, []string{"fresh"}, s.ConsoleLog())
	select {
	case ev := <-sub.C():
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}
