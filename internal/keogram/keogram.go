// Package keogram describes keogram images: which day and time window a
// file covers, how its pixel columns map to UTC instants, and how a
// directory of them is indexed.
package keogram

import (
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/KI7MT/ki7mt-keogram-lab/internal/common"
)

// Kind of keogram file.
type Kind string

const (
	KindFull    Kind = "full"
	KindPartial Kind = "partial"
	KindHourly  Kind = "hourly"
)

// ParseKind accepts "full", "partial" or "hourly".
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindFull, KindPartial, KindHourly:
		return k, nil
	}
	return "", common.Newf("unknown keogram kind %q", s)
}

// Frame is one keogram image. Column col covers the instant
// Start + col*Span/Width; Start is Date for full-day frames.
type Frame struct {
	Date   time.Time // capture day, UTC midnight
	Path   string
	Width  int
	Height int
	Kind   Kind
	Start  time.Time
	Span   time.Duration
	Site   string
	Camera string
}

// End is the exclusive end of the capture window.
func (f Frame) End() time.Time { return f.Start.Add(f.Span) }

// Validate checks the frame invariants.
func (f Frame) Validate() error {
	if f.Width <= 0 {
		return common.Markf(common.ErrMalformedRecord, "%s: width %d", f.Path, f.Width)
	}
	if f.Span <= 0 {
		return common.Markf(common.ErrMalformedRecord, "%s: capture span %s", f.Path, f.Span)
	}
	return nil
}

// ColumnTime returns the instant column col starts at. The arithmetic is
// exact in integer nanoseconds and does not overflow for any realistic width.
func (f Frame) ColumnTime(col int) time.Time {
	w := int64(f.Width)
	span := int64(f.Span)
	q, r := span/w, span%w
	c := int64(col)
	return f.Start.Add(time.Duration(c*q + c*r/w))
}

// ColumnAt returns the fractional column of instant t. It may fall outside
// [0, Width) when t is outside the capture window.
func (f Frame) ColumnAt(t time.Time) float64 {
	return float64(t.Sub(f.Start)) * float64(f.Width) / float64(f.Span)
}

// FirstColumnAtOrAfter returns the smallest column whose start is >= t.
func (f Frame) FirstColumnAtOrAfter(t time.Time) int {
	if !t.After(f.Start) {
		return 0
	}
	// Start from the float estimate and correct with exact comparisons.
	col := int(f.ColumnAt(t))
	if col < 0 {
		col = 0
	}
	for col > 0 && !f.ColumnTime(col-1).Before(t) {
		col--
	}
	for col <= f.Width && f.ColumnTime(col).Before(t) {
		col++
	}
	return col
}

// Image decodes the frame's pixels.
func (f Frame) Image() (image.Image, error) {
	return DecodeImage(f.Path)
}

// DecodeImage reads a PNG or JPEG file.
func DecodeImage(path string) (image.Image, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()
	img, _, err := image.Decode(fh)
	if err != nil {
		return nil, common.Wrapf(err, "decode %s", path)
	}
	return img, nil
}

// inspect reads only the image header.
func inspect(path string) (int, int, error) {
	fh, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer fh.Close()
	cfg, _, err := image.DecodeConfig(fh)
	if err != nil {
		return 0, 0, err
	}
	return cfg.Width, cfg.Height, nil
}

var (
	fullName    = regexp.MustCompile(`(?i)^(\d{8})__([a-z0-9]+)_([a-z0-9]+)_full-keo-rgb\.(?:png|jpe?g)$`)
	partialName = regexp.MustCompile(`(?i)^(\d{8})__(\d{2})-(\d{2})_(?:([a-z0-9]+)_([a-z0-9]+)_)?.*partial-keo-rgb\.(?:png|jpe?g)$`)
	hourlyName  = regexp.MustCompile(`(?i)^(\d{8})_(\d{2})_([a-z0-9]+)_([a-z0-9]+)_rgb-keogram\.(?:png|jpe?g)$`)
)

// ParseName derives a frame's kind, day and capture window from a file
// name. Width and height are left zero.
func ParseName(name string) (Frame, error) {
	switch {
	case fullName.MatchString(name):
		m := fullName.FindStringSubmatch(name)
		day, err := common.ParseDay(m[1])
		if err != nil {
			return Frame{}, common.Mark(err, common.ErrMalformedRecord)
		}
		return Frame{Date: day, Kind: KindFull, Start: day, Span: 24 * time.Hour,
			Site: strings.ToLower(m[2]), Camera: strings.ToLower(m[3])}, nil

	case partialName.MatchString(name):
		m := partialName.FindStringSubmatch(name)
		day, err := common.ParseDay(m[1])
		if err != nil {
			return Frame{}, common.Mark(err, common.ErrMalformedRecord)
		}
		h0, _ := strconv.Atoi(m[2])
		h1, _ := strconv.Atoi(m[3])
		if h0 < 0 || h1 > 24 || h0 >= h1 {
			return Frame{}, common.Markf(common.ErrMalformedRecord, "%s: bad hour window %02d-%02d", name, h0, h1)
		}
		return Frame{Date: day, Kind: KindPartial,
			Start: day.Add(time.Duration(h0) * time.Hour), Span: time.Duration(h1-h0) * time.Hour,
			Site: strings.ToLower(m[4]), Camera: strings.ToLower(m[5])}, nil

	case hourlyName.MatchString(name):
		m := hourlyName.FindStringSubmatch(name)
		day, err := common.ParseDay(m[1])
		if err != nil {
			return Frame{}, common.Mark(err, common.ErrMalformedRecord)
		}
		h, _ := strconv.Atoi(m[2])
		if h > 23 {
			return Frame{}, common.Markf(common.ErrMalformedRecord, "%s: hour %02d", name, h)
		}
		return Frame{Date: day, Kind: KindHourly,
			Start: day.Add(time.Duration(h) * time.Hour), Span: time.Hour,
			Site: strings.ToLower(m[3]), Camera: strings.ToLower(m[4])}, nil
	}
	return Frame{}, common.Markf(common.ErrMalformedRecord, "%s: not a keogram file name", name)
}

// Hour returns the first UT hour of the capture window.
func (f Frame) Hour() int {
	return int(f.Start.Sub(f.Date) / time.Hour)
}
