// Package align maps keogram pixel columns onto magnetometer samples.
//
// Every column of a frame starts at an exact instant (see
// keogram.Frame.ColumnTime). For each such instant the aligner finds the
// bracketing samples of a series and interpolates linearly between them,
// unless the pair is further apart than the gap threshold, the instant lies
// outside the series, or a bracketing sample is itself missing. The
// aligner reads no clock and keeps no state between calls.
package align

import (
	"math"
	"sort"
	"time"

	"github.com/KI7MT/ki7mt-keogram-lab/internal/common"
	"github.com/KI7MT/ki7mt-keogram-lab/internal/keogram"
	"github.com/KI7MT/ki7mt-keogram-lab/internal/telemetry"
)

// DefaultGapFactor times the nominal cadence is the default max gap.
const DefaultGapFactor = 3

// Quality of an aligned point.
type Quality uint8

const (
	Exact Quality = iota
	Interpolated
	Missing
)

func (q Quality) String() string {
	switch q {
	case Exact:
		return "exact"
	case Interpolated:
		return "interpolated"
	}
	return "missing"
}

// Point is the value of one series at one frame column. Values is nil
// when Quality is Missing.
type Point struct {
	Column  float64
	Time    time.Time
	Values  []float64
	Quality Quality
}

// Aligner holds the gap policy. The zero value uses DefaultGapFactor.
type Aligner struct {
	// MaxGap overrides the threshold for every series when positive.
	MaxGap time.Duration
	// GapFactor multiplies a series' cadence when MaxGap is unset.
	GapFactor int
}

// MaxGapFor returns the gap threshold applied to s. Zero disables the
// check, which happens only for a series without a nominal cadence.
func (a Aligner) MaxGapFor(s *telemetry.Series) time.Duration {
	if a.MaxGap > 0 {
		return a.MaxGap
	}
	f := a.GapFactor
	if f <= 0 {
		f = DefaultGapFactor
	}
	return time.Duration(f) * s.Cadence
}

// HourWindow returns [Date+h0, Date+h1) after checking it lies inside the
// frame's capture window.
func HourWindow(f keogram.Frame, h0, h1 int) (time.Time, time.Time, error) {
	if h0 < 0 || h1 > 24 || h0 >= h1 {
		return time.Time{}, time.Time{}, common.Newf("bad hour range %02d-%02d", h0, h1)
	}
	t0 := f.Date.Add(time.Duration(h0) * time.Hour)
	t1 := f.Date.Add(time.Duration(h1) * time.Hour)
	if _, _, err := ColumnRange(f, t0, t1); err != nil {
		return time.Time{}, time.Time{}, err
	}
	return t0, t1, nil
}

// ColumnRange returns the columns [c0, c1) whose start instants fall in
// [t0, t1). The window must be non-empty and inside the capture window.
func ColumnRange(f keogram.Frame, t0, t1 time.Time) (int, int, error) {
	if err := f.Validate(); err != nil {
		return 0, 0, err
	}
	if !t1.After(t0) {
		return 0, 0, common.Newf("empty window %s..%s", t0.Format(time.RFC3339), t1.Format(time.RFC3339))
	}
	if t0.Before(f.Start) || t1.After(f.End()) {
		return 0, 0, common.Newf("window %s..%s outside capture window %s..%s",
			t0.Format(time.RFC3339), t1.Format(time.RFC3339),
			f.Start.Format(time.RFC3339), f.End().Format(time.RFC3339))
	}
	c0 := f.FirstColumnAtOrAfter(t0)
	c1 := f.FirstColumnAtOrAfter(t1)
	if c1 > f.Width {
		c1 = f.Width
	}
	if c0 >= c1 {
		return 0, 0, common.Newf("window %s..%s covers no column", t0.Format(time.RFC3339), t1.Format(time.RFC3339))
	}
	return c0, c1, nil
}

// Align returns one point per frame column whose start lies in [t0, t1).
func (a Aligner) Align(f keogram.Frame, s *telemetry.Series, t0, t1 time.Time) ([]Point, error) {
	c0, c1, err := ColumnRange(f, t0, t1)
	if err != nil {
		return nil, err
	}
	return a.Columns(f, s, c0, c1), nil
}

// Full aligns s over the frame's whole capture window.
func (a Aligner) Full(f keogram.Frame, s *telemetry.Series) ([]Point, error) {
	return a.Align(f, s, f.Start, f.End())
}

// Columns aligns s at columns [c0, c1) without window validation.
func (a Aligner) Columns(f keogram.Frame, s *telemetry.Series, c0, c1 int) []Point {
	maxGap := a.MaxGapFor(s)
	out := make([]Point, 0, c1-c0)
	for col := c0; col < c1; col++ {
		t := f.ColumnTime(col)
		vals, q := valueAt(s, t, maxGap)
		out = append(out, Point{Column: float64(col), Time: t, Values: vals, Quality: q})
	}
	return out
}

// At evaluates s at instant t under the aligner's gap policy.
func (a Aligner) At(s *telemetry.Series, t time.Time) ([]float64, Quality) {
	return valueAt(s, t, a.MaxGapFor(s))
}

func valueAt(s *telemetry.Series, t time.Time, maxGap time.Duration) ([]float64, Quality) {
	samples := s.Samples
	n := len(samples)
	// First sample strictly after t; the one before it is the last <= t.
	i := sort.Search(n, func(i int) bool { return samples[i].Time.After(t) })

	if i > 0 && samples[i-1].Time.Equal(t) {
		lo := samples[i-1]
		if lo.Quality == telemetry.Missing {
			return nil, Missing
		}
		return append([]float64(nil), lo.Values...), Exact
	}
	if i == 0 || i == n {
		return nil, Missing
	}

	lo, hi := samples[i-1], samples[i]
	if lo.Quality == telemetry.Missing || hi.Quality == telemetry.Missing {
		return nil, Missing
	}
	gap := hi.Time.Sub(lo.Time)
	if maxGap > 0 && gap > maxGap {
		return nil, Missing
	}

	frac := float64(t.Sub(lo.Time)) / float64(gap)
	vals := make([]float64, len(lo.Values))
	for k := range vals {
		vals[k] = lo.Values[k] + (hi.Values[k]-lo.Values[k])*frac
	}
	return vals, Interpolated
}

// Component extracts one component from points as a value slice with
// ok=false for missing points and NaN values.
func Component(points []Point, idx int) ([]float64, []bool) {
	vals := make([]float64, len(points))
	ok := make([]bool, len(points))
	for i, p := range points {
		if p.Quality == Missing || idx < 0 || idx >= len(p.Values) || math.IsNaN(p.Values[idx]) {
			continue
		}
		vals[i], ok[i] = p.Values[idx], true
	}
	return vals, ok
}
