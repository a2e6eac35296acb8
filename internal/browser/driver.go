package browser

import (
	"context"
	"time"
)

// Point is a viewport coordinate in CSS pixels.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// LaunchOptions configures a browser process.
type LaunchOptions struct {
	Bin            string
	Width          int
	Height         int
	Headless       bool
	NoSandbox      bool
	IdleWait       time.Duration // quiet period treated as "page ready"
	IdleTimeout    time.Duration // upper bound on waiting for the quiet period
	ElementTimeout time.Duration // how long selectors are retried
	ProfileDir     string        // user data dir for logged-in sessions; empty uses a temp profile
}

// Driver starts browser processes.
type Driver interface {
	// Launch starts a browser with one open page. The process outlives ctx;
	// it ends only when the returned Page is closed.
	Launch(ctx context.Context, opts LaunchOptions) (Page, error)
}

// Page is a live browser process and its single page.
type Page interface {
	// Navigate loads url and waits for network activity to settle.
	Navigate(ctx context.Context, url string) error
	// Screenshot captures the viewport as PNG.
	Screenshot(ctx context.Context) ([]byte, error)
	// Click clicks the first element matching selector and returns the
	// point that was clicked.
	Click(ctx context.Context, selector string) (Point, error)
	// ClickAt performs a raw left click at p.
	ClickAt(ctx context.Context, p Point) error
	// Type focuses the element matching selector and types text into it.
	Type(ctx context.Context, selector, text string) error
	// ScrollBy scrolls the window vertically by deltaY pixels.
	ScrollBy(ctx context.Context, deltaY int) error
	// Console delivers every console message logged by the page. It is
	// closed once the page is closed.
	Console() <-chan string
	// Close terminates the browser process.
	Close() error
}
