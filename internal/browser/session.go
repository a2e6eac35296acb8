// Package browser owns the single headless browser session used by the agent.
// Every operation reports failure as a Result value; nothing escapes to the
// caller as an error or panic.
package browser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/oklog/ulid/v2"

	"github.com/v0xg/toolhost/internal/events"
)

// ErrSessionClosed is logged when an action is requested with no open session.
var ErrSessionClosed = errors.New("browser session closed")

// State is the lifecycle state of a Session.
type State int

const (
	Closed State = iota
	Open
)

func (s State) String() string {
	if s == Open {
		return "open"
	}
	return "closed"
}

// Result is what launch and actions report back. Screenshot is a PNG data URL.
type Result struct {
	Success    bool     `json:"success"`
	Screenshot string   `json:"screenshot,omitempty"`
	Logs       []string `json:"logs,omitempty"`
}

// Options configures a Session.
type Options struct {
	Launch LaunchOptions
	// Locate resolves the browser binary when Launch.Bin is empty.
	Locate func() string
	// MaxScreenshotWidth downscales wider screenshots; 0 keeps the viewport size.
	MaxScreenshotWidth uint
	// MarkClicks draws the click position onto post-click screenshots.
	MarkClicks bool
}

// live is the state of one open browser. Only the Session holds it.
type live struct {
	id     string
	page   Page
	closed atomic.Bool

	mu   sync.Mutex
	logs []string
	shot []byte
}

func (l *live) appendLog(msg string) {
	l.mu.Lock()
	l.logs = append(l.logs, msg)
	l.mu.Unlock()
}

func (l *live) snapshot() ([]string, []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.logs...), l.shot
}

// Session owns at most one live browser. Operations are serialized, so a
// launch always finishes tearing down the previous browser before starting
// the next one. State queries read the last published session and never wait
// for an operation in progress.
type Session struct {
	mu     sync.Mutex
	cur    *live
	active atomic.Pointer[live] // cur once launched successfully
	driver Driver
	opts   Options
	bus    *events.Bus
	logger *slog.Logger
}

// NewSession creates a closed session.
func NewSession(driver Driver, opts Options, bus *events.Bus, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if bus == nil {
		bus = events.New(0)
	}
	if opts.Locate == nil {
		opts.Locate = func() string { return Locate(DefaultLookPath, runtime.GOOS) }
	}
	return &Session{
		driver: driver,
		opts:   opts,
		bus:    bus,
		logger: logger,
	}
}

// State reports whether a browser is open.
func (s *Session) State() State {
	if s.active.Load() == nil {
		return Closed
	}
	return Open
}

// ID returns the identifier of the open session, or "" when closed.
func (s *Session) ID() string {
	if l := s.active.Load(); l != nil {
		return l.id
	}
	return ""
}

// LastScreenshot returns the most recent PNG captured in the open session.
func (s *Session) LastScreenshot() []byte {
	l := s.active.Load()
	if l == nil {
		return nil
	}
	_, shot := l.snapshot()
	return shot
}

// ConsoleLog returns the console messages collected in the open session.
func (s *Session) ConsoleLog() []string {
	l := s.active.Load()
	if l == nil {
		return nil
	}
	logs, _ := l.snapshot()
	return logs
}

// Subscribe calls onScreenshot with each base64 screenshot and onConsole with
// each console message until the returned function is called.
func (s *Session) Subscribe(onScreenshot, onConsole func(string)) func() {
	return s.bus.SubscribeFunc(map[events.Topic]func(string){
		events.TopicScreenshot: onScreenshot,
		events.TopicConsole:    onConsole,
	})
}

// Launch closes any open browser, starts a new one and navigates it to url.
func (s *Session) Launch(ctx context.Context, url string) (res Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.recoverLocked("launch", &res)

	s.closeLocked()

	opts := s.opts.Launch
	if opts.Bin == "" {
		opts.Bin = s.opts.Locate()
	}
	log := s.logger.With("url", url, "bin", opts.Bin)

	page, err := s.driver.Launch(ctx, opts)
	if err != nil {
		log.Error("launch browser", "error", err)
		return Result{}
	}

	l := &live{id: ulid.Make().String(), page: page}
	s.cur = l
	go s.forwardConsole(l)
	log = log.With("session", l.id)

	if err := page.Navigate(ctx, url); err != nil {
		log.Error("navigate", "error", err)
		s.closeLocked()
		return Result{}
	}

	res, err = s.captureLocked(ctx, nil)
	if err != nil {
		log.Error("capture screenshot", "error", err)
		s.closeLocked()
		return Result{}
	}
	s.active.Store(l)
	log.Info("browser session opened")
	return res
}

// Close terminates the open browser. It reports false when none was open.
func (s *Session) Close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *Session) closeLocked() bool {
	if s.cur == nil {
		return false
	}
	l := s.cur
	s.cur = nil
	s.active.Store(nil)
	l.closed.Store(true)
	if err := closePage(l.page); err != nil {
		s.logger.Warn("close browser", "session", l.id, "error", err)
	}
	s.logger.Info("browser session closed", "session", l.id)
	return true
}

func closePage(p Page) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic closing page: %v", r)
		}
	}()
	return p.Close()
}

// PerformAction parses and runs one action against the open page.
func (s *Session) PerformAction(ctx context.Context, kind string, params Params) Result {
	if s.State() == Closed {
		s.logger.Debug("action ignored", "action", kind, "error", ErrSessionClosed)
		return Result{}
	}
	action, err := ParseAction(kind, params)
	if err != nil {
		s.logger.Warn("reject action", "action", kind, "error", err)
		return Result{}
	}
	return s.Do(ctx, action)
}

// Do runs action against the open page and captures a fresh screenshot.
func (s *Session) Do(ctx context.Context, action Action) (res Result) {
	if action == nil {
		return Result{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.recoverLocked(string(action.Kind()), &res)

	if s.cur == nil {
		return Result{}
	}
	log := s.logger.With("session", s.cur.id, "action", string(action.Kind()))

	clicked, err := action.apply(ctx, s.cur.page)
	if err != nil {
		log.Warn("browser action failed", "error", err)
		return Result{}
	}

	var mark *Point
	if s.opts.MarkClicks {
		mark = clicked
	}
	res, err = s.captureLocked(ctx, mark)
	if err != nil {
		log.Warn("capture screenshot", "error", err)
		return Result{}
	}
	return res
}

// captureLocked screenshots the open page, stores and publishes the image,
// and builds a successful Result.
func (s *Session) captureLocked(ctx context.Context, click *Point) (Result, error) {
	l := s.cur
	raw, err := l.page.Screenshot(ctx)
	if err != nil {
		return Result{}, err
	}
	shot, err := finishScreenshot(raw, s.opts.MaxScreenshotWidth, click)
	if err != nil {
		return Result{}, err
	}
	if len(shot) == 0 {
		return Result{}, fmt.Errorf("empty screenshot")
	}

	l.mu.Lock()
	l.shot = shot
	l.mu.Unlock()

	url := EncodeDataURL(shot)
	s.bus.Publish(events.Event{Topic: events.TopicScreenshot, Session: l.id, Data: url[len(dataURLPrefix):]})

	logs, _ := l.snapshot()
	return Result{Success: true, Screenshot: url, Logs: logs}, nil
}

// forwardConsole is the one console listener of an open session. Messages
// arriving after the session closed are dropped; events carry the session id
// so late deliveries can still be told apart from the next session's.
func (s *Session) forwardConsole(l *live) {
	for msg := range l.page.Console() {
		if l.closed.Load() {
			continue
		}
		l.appendLog(msg)
		s.bus.Publish(events.Event{Topic: events.TopicConsole, Session: l.id, Data: msg})
	}
}

// recoverLocked turns a driver panic into a failed Result and drops the
// session, since the browser is in an unknown state.
func (s *Session) recoverLocked(op string, res *Result) {
	if r := recover(); r != nil {
		s.logger.Error("browser panic", "op", op, "panic", r)
		s.closeLocked()
		*res = Result{}
	}
}
