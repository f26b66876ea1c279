package render

import (
	"fmt"
	"image"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/image/draw"

	"github.com/KI7MT/ki7mt-keogram-lab/internal/common"
	"github.com/KI7MT/ki7mt-keogram-lab/internal/keogram"
)

// Stack is one month of frames, at most one per day, in day order.
type Stack struct {
	Month  time.Time // first day of the month, UTC
	Frames []keogram.Frame
}

// NewStack selects the frames of month. A month without frames is
// ErrNotFound; two frames on one day are ErrAmbiguousInput.
func NewStack(month time.Time, frames []keogram.Frame) (*Stack, error) {
	month = time.Date(month.Year(), month.Month(), 1, 0, 0, 0, 0, time.UTC)
	st := &Stack{Month: month}
	seen := map[time.Time]string{}
	for _, f := range frames {
		if !common.SameMonth(f.Date, month) {
			continue
		}
		if prev, dup := seen[f.Date]; dup {
			return nil, common.Markf(common.ErrAmbiguousInput, "two frames for %s: %s and %s",
				f.Date.Format("2006-01-02"), prev, f.Path)
		}
		seen[f.Date] = f.Path
		st.Frames = append(st.Frames, f)
	}
	if len(st.Frames) == 0 {
		return nil, common.Markf(common.ErrNotFound, "no keograms for %s", month.Format("2006-01"))
	}
	sort.Slice(st.Frames, func(i, j int) bool { return st.Frames[i].Date.Before(st.Frames[j].Date) })
	return st, nil
}

// Days returns the number of rows: one per calendar day.
func (s *Stack) Days() int { return common.DaysInMonth(s.Month) }

// StackOptions controls the mosaic geometry. Zero fields take defaults.
type StackOptions struct {
	RowHeight  int   // 0: tallest frame
	Aspect     int   // row width / row height, default 10
	GuideHours []int // nil: 06 and 12 UT; empty: none
	GuideWidth int   // 0: row height / 6, at least 1
}

func (o StackOptions) withDefaults(st *Stack) StackOptions {
	if o.RowHeight <= 0 {
		for _, f := range st.Frames {
			if f.Height > o.RowHeight {
				o.RowHeight = f.Height
			}
		}
		if o.RowHeight <= 0 {
			o.RowHeight = 48
		}
	}
	if o.Aspect <= 0 {
		o.Aspect = 10
	}
	if o.GuideHours == nil {
		o.GuideHours = []int{6, 12}
	}
	if o.GuideWidth <= 0 {
		o.GuideWidth = o.RowHeight / 6
		if o.GuideWidth < 1 {
			o.GuideWidth = 1
		}
	}
	return o
}

// ImageLoader returns a frame's pixels.
type ImageLoader func(keogram.Frame) (image.Image, error)

// BuildStack renders the month as one row per day; days without a frame
// stay black. A frame covering only part of the day is placed at its
// time-of-day offset within the row. load defaults to decoding the file.
func BuildStack(st *Stack, opts StackOptions, load ImageLoader) (*image.RGBA, error) {
	if load == nil {
		load = keogram.Frame.Image
	}
	o := opts.withDefaults(st)
	rowW := o.Aspect * o.RowHeight
	days := st.Days()
	out := newCanvas(rowW, days*o.RowHeight, Black)

	for _, f := range st.Frames {
		img, err := load(f)
		if err != nil {
			return nil, common.Wrapf(err, "stack %s", f.Date.Format("2006-01-02"))
		}
		row := f.Date.Day() - 1
		x0 := dayOffset(f.Start.Sub(f.Date), rowW)
		x1 := dayOffset(f.End().Sub(f.Date), rowW)
		if x1 <= x0 {
			continue
		}
		dst := image.Rect(x0, row*o.RowHeight, x1, (row+1)*o.RowHeight)
		draw.CatmullRom.Scale(out, dst, img, img.Bounds(), draw.Src, nil)
	}

	for _, h := range o.GuideHours {
		x := dayOffset(time.Duration(h)*time.Hour, rowW)
		fillRect(out, image.Rect(x-o.GuideWidth/2, 0, x-o.GuideWidth/2+o.GuideWidth, out.Bounds().Dy()), White)
	}
	return out, nil
}

// dayOffset maps a time of day onto [0, rowW].
func dayOffset(d time.Duration, rowW int) int {
	if d <= 0 {
		return 0
	}
	if d >= 24*time.Hour {
		return rowW
	}
	return int(int64(d) * int64(rowW) / int64(24*time.Hour))
}

// StackPath is where the mosaic for month is written under outDir.
func StackPath(outDir string, month time.Time) string {
	return filepath.Join(outDir, "stacked", fmt.Sprintf("stacked_keograms_%s.png", month.Format("200601")))
}

// DstComboPath is where the mosaic with the Dst strip attached is written.
func DstComboPath(outDir string, month time.Time) string {
	return filepath.Join(outDir, "stacked", fmt.Sprintf("keogram_plus_dst_%s.png", month.Format("200601")))
}
