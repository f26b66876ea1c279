package render

import (
	"image"
	"math"
	"time"

	"golang.org/x/image/draw"

	"github.com/KI7MT/ki7mt-keogram-lab/internal/common"
	"github.com/KI7MT/ki7mt-keogram-lab/internal/telemetry"
)

const stripPadding = 4

// DstStrip draws the month's Dst as a vertical trace: time runs down the
// strip on the same scale as a stack built with rowHeight, so hour h of day
// d sits at row d, offset h/24. Values run left (most negative) to right.
// Hours missing from the series (absent or 9999 fill) lift the pen. A
// non-positive width takes a fifth of the strip height.
func DstStrip(s *telemetry.Series, month time.Time, rowHeight, width int) (*image.RGBA, error) {
	if rowHeight <= 0 {
		return nil, common.Newf("row height %d", rowHeight)
	}
	comp := s.Component("Dst")
	if comp < 0 {
		return nil, common.Newf("series %s has no Dst component", s.Instrument)
	}
	month = time.Date(month.Year(), month.Month(), 1, 0, 0, 0, 0, time.UTC)
	height := common.DaysInMonth(month) * rowHeight
	if width <= 0 {
		width = height / 5
	}
	if width < 2*stripPadding+2 {
		width = 2*stripPadding + 2
	}

	end := month.AddDate(0, 1, 0)
	win := s.Window(month, end)
	rng := ValueRange{Min: 0, Max: 0}
	for _, smp := range win.Samples {
		if smp.Quality == telemetry.Missing || math.IsNaN(smp.Values[comp]) {
			continue
		}
		rng = rng.Union(ValueRange{Min: smp.Values[comp], Max: smp.Values[comp]})
	}
	rng = rng.fit()

	out := newCanvas(width, height, White)
	xl, xr := stripPadding, width-1-stripPadding
	// x grows with value, so map through y() with the ends swapped.
	xOf := func(v float64) int { return rng.y(v, xr, xl) }
	yOf := func(t time.Time) int {
		return int(int64(t.Sub(month)) * int64(rowHeight) / int64(24*time.Hour))
	}

	dashedVLine(out, xOf(0), 0, height-1, 1, Black)

	prevOK := false
	var px, py int
	for i, smp := range win.Samples {
		ok := smp.Quality != telemetry.Missing && !math.IsNaN(smp.Values[comp])
		if i > 0 && s.Cadence > 0 && smp.Time.Sub(win.Samples[i-1].Time) > s.Cadence {
			prevOK = false
		}
		if !ok {
			prevOK = false
			continue
		}
		x, y := xOf(smp.Values[comp]), yOf(smp.Time)
		if prevOK {
			line(out, px, py, x, y, 2, RoyalBlue)
		} else {
			dot(out, x, y, 2, RoyalBlue)
		}
		px, py, prevOK = x, y, true
	}
	return out, nil
}

// AttachStrip places strip to the left of mosaic on a white background.
// The taller of the two sets the height.
func AttachStrip(strip, mosaic image.Image) *image.RGBA {
	sb, mb := strip.Bounds(), mosaic.Bounds()
	h := sb.Dy()
	if mb.Dy() > h {
		h = mb.Dy()
	}
	out := newCanvas(sb.Dx()+mb.Dx(), h, White)
	draw.Draw(out, image.Rect(0, 0, sb.Dx(), sb.Dy()), strip, sb.Min, draw.Src)
	draw.Draw(out, image.Rect(sb.Dx(), 0, sb.Dx()+mb.Dx(), mb.Dy()), mosaic, mb.Min, draw.Src)
	return out
}
