// Package render draws the composite images: keogram overlays with
// magnetometer traces, monthly keogram stacks, and the Dst strip that sits
// beside a stack. All drawing is integer pixel work on *image.RGBA, so the
// same inputs always encode to the same PNG bytes.
package render

import (
	"image"
	"image/color"
	"math"
	"strconv"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var (
	White     = color.RGBA{255, 255, 255, 255}
	Black     = color.RGBA{0, 0, 0, 255}
	Grey      = color.RGBA{160, 160, 160, 255}
	Orange    = color.RGBA{0xf2, 0x8e, 0x2b, 255} // GOES Hp
	DarkBlue  = color.RGBA{0x00, 0x00, 0x8b, 255} // DSCOVR Bz
	RoyalBlue = color.RGBA{0x41, 0x69, 0xe1, 255} // Dst
)

var face = basicfont.Face7x13

func newCanvas(w, h int, bg color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), image.NewUniform(bg), image.Point{}, draw.Src)
	return img
}

func fillRect(img *image.RGBA, r image.Rectangle, c color.Color) {
	draw.Draw(img, r.Intersect(img.Bounds()), image.NewUniform(c), image.Point{}, draw.Src)
}

func hline(img *image.RGBA, x0, x1, y int, c color.RGBA) {
	for x := x0; x <= x1; x++ {
		setPx(img, x, y, c)
	}
}

func vline(img *image.RGBA, x, y0, y1 int, c color.RGBA) {
	for y := y0; y <= y1; y++ {
		setPx(img, x, y, c)
	}
}

func dashedHLine(img *image.RGBA, x0, x1, y int, c color.RGBA) {
	for x := x0; x <= x1; x++ {
		if (x-x0)%8 < 5 {
			setPx(img, x, y, c)
		}
	}
}

func dashedVLine(img *image.RGBA, x, y0, y1, width int, c color.RGBA) {
	for y := y0; y <= y1; y++ {
		if (y-y0)%12 < 7 {
			for dx := 0; dx < width; dx++ {
				setPx(img, x+dx-width/2, y, c)
			}
		}
	}
}

func rectOutline(img *image.RGBA, r image.Rectangle, c color.RGBA) {
	hline(img, r.Min.X, r.Max.X-1, r.Min.Y, c)
	hline(img, r.Min.X, r.Max.X-1, r.Max.Y-1, c)
	vline(img, r.Min.X, r.Min.Y, r.Max.Y-1, c)
	vline(img, r.Max.X-1, r.Min.Y, r.Max.Y-1, c)
}

func setPx(img *image.RGBA, x, y int, c color.RGBA) {
	if image.Pt(x, y).In(img.Bounds()) {
		img.SetRGBA(x, y, c)
	}
}

// line draws a segment with Bresenham's algorithm and a square pen.
func line(img *image.RGBA, x0, y0, x1, y1, width int, c color.RGBA) {
	dx := abs(x1 - x0)
	dy := -abs(y1 - y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	err := dx + dy
	for {
		dot(img, x0, y0, width, c)
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * err
		if e2 >= dy {
			err += dy
			x0 += sx
		}
		if e2 <= dx {
			err += dx
			y0 += sy
		}
	}
}

func dot(img *image.RGBA, x, y, width int, c color.RGBA) {
	if width < 1 {
		width = 1
	}
	off := (width - 1) / 2
	for yy := y - off; yy < y-off+width; yy++ {
		for xx := x - off; xx < x-off+width; xx++ {
			setPx(img, xx, yy, c)
		}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// text draws s with its baseline at y.
func text(img *image.RGBA, x, y int, s string, c color.Color) {
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y)},
	}
	d.DrawString(s)
}

func textWidth(s string) int {
	return font.MeasureString(face, s).Ceil()
}

func textAscent() int {
	return face.Metrics().Ascent.Ceil()
}

// ValueRange is a closed y-axis interval.
type ValueRange struct {
	Min, Max float64
}

// Union widens r to cover o.
func (r ValueRange) Union(o ValueRange) ValueRange {
	return ValueRange{Min: math.Min(r.Min, o.Min), Max: math.Max(r.Max, o.Max)}
}

// fit returns r with a non-zero extent.
func (r ValueRange) fit() ValueRange {
	if r.Max-r.Min < 1e-9 {
		return ValueRange{Min: r.Min - 1, Max: r.Max + 1}
	}
	return r
}

// y maps v into the pixel rows [top, bottom].
func (r ValueRange) y(v float64, top, bottom int) int {
	frac := (r.Max - v) / (r.Max - r.Min)
	return top + int(math.Round(frac*float64(bottom-top)))
}

func formatValue(v float64) string {
	av := math.Abs(v)
	switch {
	case av >= 100:
		return trimFloat(v, 0)
	case av >= 10:
		return trimFloat(v, 1)
	default:
		return trimFloat(v, 2)
	}
}

func trimFloat(v float64, prec int) string {
	p := math.Pow(10, float64(prec))
	v = math.Round(v*p) / p
	if v == 0 {
		v = 0 // drop negative zero
	}
	return strconv.FormatFloat(v, 'f', prec, 64)
}
