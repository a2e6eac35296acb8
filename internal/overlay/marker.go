// Package overlay annotates screenshots with a pointer and click ripple so a
// viewer can see where an action landed.
package overlay

import (
	"image"
	"image/color"
	"image/draw"
	"math"
)

var (
	outlineColor = color.RGBA{0, 0, 0, 255}
	fillColor    = color.RGBA{255, 255, 255, 255}
	rippleColor  = color.RGBA{66, 133, 244, 255}
)

// RippleRadius is the radius of the click ring in pixels.
const RippleRadius = 15

// arrow outline, relative to the pointer tip
var arrow = []image.Point{
	{0, 0},
	{0, 16},
	{4, 12},
	{7, 18},
	{10, 17},
	{7, 11},
	{12, 11},
}

// MarkClick returns a copy of img with a click ripple and a pointer drawn at
// at. Points outside the image are clipped.
func MarkClick(img image.Image, at image.Point) *image.RGBA {
	bounds := img.Bounds()
	out := image.NewRGBA(bounds)
	draw.Draw(out, bounds, img, bounds.Min, draw.Src)

	drawRipple(out, at, RippleRadius)
	drawPointer(out, at)
	return out
}

func drawPointer(img *image.RGBA, tip image.Point) {
	for dy := 0; dy <= 16; dy++ {
		for dx := 0; dx < 13; dx++ {
			if insidePointer(dx, dy) {
				setPixel(img, tip.X+dx, tip.Y+dy, fillColor)
			}
		}
	}
	for i := range arrow {
		a := arrow[i].Add(tip)
		b := arrow[(i+1)%len(arrow)].Add(tip)
		drawLine(img, a, b, outlineColor)
	}
}

// insidePointer approximates the arrow as a triangle over a short shaft.
func insidePointer(dx, dy int) bool {
	switch {
	case dx < 0 || dy < 0 || dy > 16:
		return false
	case dy <= 11:
		return dx <= dy*12/16
	default:
		return dx <= 4
	}
}

// drawLine is Bresenham's line algorithm.
func drawLine(img *image.RGBA, from, to image.Point, c color.RGBA) {
	dx, dy := abs(to.X-from.X), abs(to.Y-from.Y)
	sx, sy := 1, 1
	if from.X > to.X {
		sx = -1
	}
	if from.Y > to.Y {
		sy = -1
	}
	err := dx - dy
	x, y := from.X, from.Y

	for {
		setPixel(img, x, y, c)
		if x == to.X && y == to.Y {
			return
		}
		e2 := 2 * err
		if e2 > -dy {
			err -= dy
			x += sx
		}
		if e2 < dx {
			err += dx
			y += sy
		}
	}
}

func drawRipple(img *image.RGBA, center image.Point, radius int) {
	for deg := 0.0; deg < 360; deg++ {
		rad := deg * math.Pi / 180
		x := center.X + int(math.Round(float64(radius)*math.Cos(rad)))
		y := center.Y + int(math.Round(float64(radius)*math.Sin(rad)))
		setPixel(img, x, y, rippleColor)
		setPixel(img, x+1, y, rippleColor)
		setPixel(img, x, y+1, rippleColor)
	}
}

func setPixel(img *image.RGBA, x, y int, c color.RGBA) {
	if (image.Point{x, y}).In(img.Bounds()) {
		img.SetRGBA(x, y, c)
	}
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
