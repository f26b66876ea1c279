// Package allsky combines single-wavelength all-sky camera frames into
// false-colour RGB composites: 630.0 nm drives red, 557.7 nm green and
// 427.8 nm blue.
package allsky

import (
	"image"
	"image/color"
	_ "image/png"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/KI7MT/ki7mt-keogram-lab/internal/common"
)

// Wavelength filter codes as they appear in file names.
const (
	Wave630 = "0630"
	Wave558 = "0558"
	Wave428 = "0428"
)

// DefaultTolerance is how far a red or blue frame may sit from the green
// reference and still join its triplet.
const DefaultTolerance = 20 * time.Second

var frameName = regexp.MustCompile(`(?i)^PFRR_(\d{8})_(\d{6})_(\d{4})\.png$`)

// Frame is one single-wavelength image.
type Frame struct {
	Time time.Time
	Wave string
	Path string
}

// ParseName reads PFRR_YYYYMMDD_HHMMSS_WAVE.png. Only the three composite
// wavelengths are accepted.
func ParseName(path string) (Frame, bool) {
	m := frameName.FindStringSubmatch(filepath.Base(path))
	if m == nil {
		return Frame{}, false
	}
	switch m[3] {
	case Wave630, Wave558, Wave428:
	default:
		return Frame{}, false
	}
	t, err := time.Parse("20060102150405", m[1]+m[2])
	if err != nil {
		return Frame{}, false
	}
	return Frame{Time: t, Wave: m[3], Path: path}, true
}

// Frames groups a directory's frames by wavelength, each list in time order.
type Frames map[string][]Frame

// Scan reads dir (not recursively).
func Scan(dir string) (Frames, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, common.Wrapf(err, "read %s", dir)
	}
	out := Frames{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if f, ok := ParseName(filepath.Join(dir, e.Name())); ok {
			out[f.Wave] = append(out[f.Wave], f)
		}
	}
	for w := range out {
		fs := out[w]
		sort.Slice(fs, func(i, j int) bool { return fs[i].Time.Before(fs[j].Time) })
	}
	return out, nil
}

// Nearest returns the frame of wave closest to t and its distance. Ties
// go to the earlier frame.
func (fs Frames) Nearest(wave string, t time.Time) (Frame, time.Duration, bool) {
	var (
		best Frame
		diff time.Duration = -1
	)
	for _, f := range fs[wave] {
		d := f.Time.Sub(t)
		if d < 0 {
			d = -d
		}
		if diff < 0 || d < diff {
			best, diff = f, d
		}
	}
	return best, diff, diff >= 0
}

// Triplet is one matched red/green/blue set.
type Triplet struct {
	Red, Green, Blue Frame
}

// Time is the green reference time.
func (t Triplet) Time() time.Time { return t.Green.Time }

// Select builds the triplet around the green frame nearest ref, or the
// first green frame when ref is zero. Red and blue must lie within tol of
// the green frame; otherwise the triplet is ErrNotFound.
func (fs Frames) Select(ref time.Time, tol time.Duration) (Triplet, error) {
	if len(fs[Wave558]) == 0 {
		return Triplet{}, common.Markf(common.ErrNotFound, "no %s frames", Wave558)
	}
	green := fs[Wave558][0]
	if !ref.IsZero() {
		green, _, _ = fs.Nearest(Wave558, ref)
	}
	return fs.around(green, tol)
}

// All returns a triplet for every green frame that has red and blue
// partners within tol, in time order.
func (fs Frames) All(tol time.Duration) []Triplet {
	var out []Triplet
	for _, g := range fs[Wave558] {
		if t, err := fs.around(g, tol); err == nil {
			out = append(out, t)
		}
	}
	return out
}

func (fs Frames) around(green Frame, tol time.Duration) (Triplet, error) {
	if tol <= 0 {
		tol = DefaultTolerance
	}
	t := Triplet{Green: green}
	for _, w := range []string{Wave428, Wave630} {
		f, d, ok := fs.Nearest(w, green.Time)
		if !ok {
			return Triplet{}, common.Markf(common.ErrNotFound, "no %s frames", w)
		}
		if d > tol {
			return Triplet{}, common.Markf(common.ErrNotFound, "nearest %s frame is %s from %s",
				w, d, green.Time.Format("15:04:05"))
		}
		if w == Wave428 {
			t.Blue = f
		} else {
			t.Red = f
		}
	}
	return t, nil
}

// Loader returns a frame's pixels.
type Loader func(path string) (image.Image, error)

func decodeFile(path string) (image.Image, error) {
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

// Composite min-max normalizes each frame's luminance and writes it to
// its channel. Frames of different sizes are ErrAmbiguousInput. load
// defaults to reading the PNG files.
func Composite(t Triplet, load Loader) (*image.RGBA, error) {
	if load == nil {
		load = decodeFile
	}
	var (
		chans [3][]float64
		size  image.Point
	)
	for i, f := range []Frame{t.Red, t.Green, t.Blue} {
		img, err := load(f.Path)
		if err != nil {
			return nil, err
		}
		b := img.Bounds()
		if i == 0 {
			size = b.Size()
		} else if b.Size() != size {
			return nil, common.Markf(common.ErrAmbiguousInput, "%s is %dx%d, expected %dx%d",
				filepath.Base(f.Path), b.Dx(), b.Dy(), size.X, size.Y)
		}
		chans[i] = normalize(img)
	}

	out := image.NewRGBA(image.Rect(0, 0, size.X, size.Y))
	for i := range chans[0] {
		out.Pix[i*4+0] = toByte(chans[0][i])
		out.Pix[i*4+1] = toByte(chans[1][i])
		out.Pix[i*4+2] = toByte(chans[2][i])
		out.Pix[i*4+3] = 0xff
	}
	return out, nil
}

// normalize returns the image's 16-bit luminance scaled to [0, 1], row
// major. A flat image is all zero.
func normalize(img image.Image) []float64 {
	b := img.Bounds()
	vals := make([]float64, 0, b.Dx()*b.Dy())
	lo, hi := 65535.0, 0.0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			v := float64(color.Gray16Model.Convert(img.At(x, y)).(color.Gray16).Y)
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
			vals = append(vals, v)
		}
	}
	if hi <= lo {
		for i := range vals {
			vals[i] = 0
		}
		return vals
	}
	for i, v := range vals {
		vals[i] = (v - lo) / (hi - lo)
	}
	return vals
}

func toByte(v float64) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 1 {
		return 255
	}
	return uint8(v * 255)
}

// CompositeName is the output file name for a triplet.
func CompositeName(t Triplet) string {
	return "PFRR_" + t.Time().Format("20060102_150405") + "_RGB_composite.png"
}
