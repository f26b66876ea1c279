package keogram

import (
	"fmt"
	"image"
	"image/color"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/image/draw"

	"github.com/KI7MT/ki7mt-keogram-lab/internal/common"
)

// StitchName is the partial-keogram file name for a stitched window.
func StitchName(day time.Time, h0, h1 int, site, camera string) string {
	return fmt.Sprintf("%s__%02d-%02d_%s_%s_partial-keo-rgb.png", day.Format("20060102"), h0, h1, site, camera)
}

// GroupHourly buckets hourly frames by capture day, hours ascending.
func GroupHourly(frames []Frame) map[time.Time][]Frame {
	out := map[time.Time][]Frame{}
	for _, f := range frames {
		if f.Kind == KindHourly {
			out[f.Date] = append(out[f.Date], f)
		}
	}
	for d := range out {
		fs := out[d]
		sort.Slice(fs, func(i, j int) bool { return fs[i].Start.Before(fs[j].Start) })
	}
	return out
}

// HourSpan returns the hour range [first, last+1) covered by a day's
// hourly frames.
func HourSpan(hourly []Frame) (int, int) {
	if len(hourly) == 0 {
		return 0, 0
	}
	h0, h1 := 24, 0
	for _, f := range hourly {
		if h := f.Hour(); h < h0 {
			h0 = h
		}
		if h := f.Hour() + 1; h > h1 {
			h1 = h
		}
	}
	return h0, h1
}

// Stitch joins one day's hourly keograms left to right over [h0, h1).
// Every slice is scaled to a common width and height so the result keeps a
// uniform column-to-time mapping; hours without a file become black slices.
func Stitch(hourly []Frame, h0, h1 int) (*image.RGBA, Frame, error) {
	if h0 < 0 || h1 > 24 || h0 >= h1 {
		return nil, Frame{}, common.Newf("bad hour window %02d-%02d", h0, h1)
	}

	byHour := map[int]Frame{}
	var day time.Time
	for _, f := range hourly {
		h := f.Hour()
		if h < h0 || h >= h1 {
			continue
		}
		if !day.IsZero() && !f.Date.Equal(day) {
			return nil, Frame{}, common.Markf(common.ErrAmbiguousInput, "hourly keograms from %s and %s",
				day.Format("2006-01-02"), f.Date.Format("2006-01-02"))
		}
		if prev, dup := byHour[h]; dup {
			return nil, Frame{}, common.Markf(common.ErrAmbiguousInput, "two keograms for hour %02d: %s and %s", h, prev.Path, f.Path)
		}
		day = f.Date
		byHour[h] = f
	}
	if len(byHour) == 0 {
		return nil, Frame{}, common.Markf(common.ErrNotFound, "no hourly keograms in %02d-%02d", h0, h1)
	}

	slices := map[int]image.Image{}
	sliceW, height := 0, 0
	var first Frame
	for h := h0; h < h1; h++ {
		f, ok := byHour[h]
		if !ok {
			continue
		}
		img, err := f.Image()
		if err != nil {
			return nil, Frame{}, err
		}
		slices[h] = img
		b := img.Bounds()
		if b.Dx() > sliceW {
			sliceW = b.Dx()
		}
		if b.Dy() > height {
			height = b.Dy()
		}
		if first.Path == "" {
			first = f
		}
	}

	out := image.NewRGBA(image.Rect(0, 0, sliceW*(h1-h0), height))
	draw.Draw(out, out.Bounds(), &image.Uniform{C: color.Black}, image.Point{}, draw.Src)
	for h := h0; h < h1; h++ {
		img, ok := slices[h]
		if !ok {
			continue
		}
		x := (h - h0) * sliceW
		dst := image.Rect(x, 0, x+sliceW, height)
		if img.Bounds().Dx() == sliceW && img.Bounds().Dy() == height {
			draw.Draw(out, dst, img, img.Bounds().Min, draw.Src)
			continue
		}
		draw.CatmullRom.Scale(out, dst, img, img.Bounds(), draw.Src, nil)
	}

	frame := Frame{
		Date:   day,
		Path:   filepath.Join(filepath.Dir(first.Path), StitchName(day, h0, h1, first.Site, first.Camera)),
		Width:  out.Bounds().Dx(),
		Height: height,
		Kind:   KindPartial,
		Start:  day.Add(time.Duration(h0) * time.Hour),
		Span:   time.Duration(h1-h0) * time.Hour,
		Site:   first.Site,
		Camera: first.Camera,
	}
	return out, frame, nil
}
