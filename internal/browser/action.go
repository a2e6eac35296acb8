package browser

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// DefaultScrollDelta is the scroll distance used when none is given.
const DefaultScrollDelta = 300

var (
	// ErrUnknownAction is returned for action kinds other than click, type and scroll.
	ErrUnknownAction = errors.New("unknown action")
	// ErrInvalidAction is returned when an action is missing required parameters.
	ErrInvalidAction = errors.New("invalid action")
)

// Kind identifies an action variant.
type Kind string

const (
	KindClick  Kind = "click"
	KindType   Kind = "type"
	KindScroll Kind = "scroll"
)

// Params carries the loosely typed parameters of a browser action request.
type Params struct {
	Selector    string `json:"selector,omitempty"`    // CSS selector for click and type
	Coordinates string `json:"coordinates,omitempty"` // "x,y" for click
	Text        string `json:"text,omitempty"`        // text for type
	DeltaY      int    `json:"deltaY,omitempty"`      // pixels for scroll
	ScrollY     int    `json:"scrollY,omitempty"`     // alias of DeltaY
}

// Action is one interaction with the open page.
type Action interface {
	Kind() Kind
	// apply runs the action and returns the clicked point, if any.
	apply(ctx context.Context, p Page) (*Point, error)
}

// Click clicks the element matching Selector, or the point At when no
// selector is given.
type Click struct {
	Selector string
	At       *Point
}

func (Click) Kind() Kind { return KindClick }

func (c Click) apply(ctx context.Context, p Page) (*Point, error) {
	if c.Selector != "" {
		pt, err := p.Click(ctx, c.Selector)
		if err != nil {
			return nil, fmt.Errorf("click %s: %w", c.Selector, err)
		}
		return &pt, nil
	}
	if c.At == nil {
		return nil, fmt.Errorf("%w: click needs a selector or coordinates", ErrInvalidAction)
	}
	if err := p.ClickAt(ctx, *c.At); err != nil {
		return nil, fmt.Errorf("click at %v,%v: %w", c.At.X, c.At.Y, err)
	}
	pt := *c.At
	return &pt, nil
}

// Type types Text into the element matching Selector.
type Type struct {
	Selector string
	Text     string
}

func (Type) Kind() Kind { return KindType }

func (t Type) apply(ctx context.Context, p Page) (*Point, error) {
	if err := p.Type(ctx, t.Selector, t.Text); err != nil {
		return nil, fmt.Errorf("type into %s: %w", t.Selector, err)
	}
	return nil, nil
}

// Scroll scrolls the page vertically by DeltaY pixels.
type Scroll struct {
	DeltaY int
}

func (Scroll) Kind() Kind { return KindScroll }

func (s Scroll) apply(ctx context.Context, p Page) (*Point, error) {
	if err := p.ScrollBy(ctx, s.DeltaY); err != nil {
		return nil, fmt.Errorf("scroll by %d: %w", s.DeltaY, err)
	}
	return nil, nil
}

// ParseAction turns a kind name and its parameters into an Action.
func ParseAction(kind string, params Params) (Action, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(kind))) {
	case KindClick:
		if params.Selector != "" {
			return Click{Selector: params.Selector}, nil
		}
		if params.Coordinates != "" {
			pt, err := ParsePoint(params.Coordinates)
			if err != nil {
				return nil, err
			}
			return Click{At: &pt}, nil
		}
		return nil, fmt.Errorf("%w: click needs a selector or coordinates", ErrInvalidAction)
	case KindType:
		if params.Selector == "" || params.Text == "" {
			return nil, fmt.Errorf("%w: type needs a selector and text", ErrInvalidAction)
		}
		return Type{Selector: params.Selector, Text: params.Text}, nil
	case KindScroll:
		delta := params.DeltaY
		if delta == 0 {
			delta = params.ScrollY
		}
		if delta == 0 {
			delta = DefaultScrollDelta
		}
		return Scroll{DeltaY: delta}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, kind)
	}
}

// ParsePoint parses "x,y" into a Point.
func ParsePoint(s string) (Point, error) {
	xs, ys, ok := strings.Cut(s, ",")
	if !ok {
		return Point{}, fmt.Errorf("%w: coordinates %q are not \"x,y\"", ErrInvalidAction, s)
	}
	x, errX := strconv.ParseFloat(strings.TrimSpace(xs), 64)
	y, errY := strconv.ParseFloat(strings.TrimSpace(ys), 64)
	if err := errors.Join(errX, errY); err != nil {
		return Point{}, fmt.Errorf("%w: coordinates %q: %v", ErrInvalidAction, s, err)
	}
	if !finite(x) || !finite(y) {
		return Point{}, fmt.Errorf("%w: coordinates %q are not finite", ErrInvalidAction, s)
	}
	return Point{X: x, Y: y}, nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
