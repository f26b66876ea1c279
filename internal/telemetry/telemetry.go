// Package telemetry loads magnetometer records from the DSCOVR and GOES-18
// archives into normalized, merged time series.
//
// Every instrument implements the same Source contract, so the loader never
// branches on the instrument: a Source names its components and cadence,
// recognizes its files, and normalizes one raw record into a Sample in nT.
package telemetry

import (
	"math"
	"time"
)

// Instrument identifies a telemetry platform.
type Instrument string

const (
	InstrumentDSCOVR Instrument = "dscovr"
	InstrumentGOES18 Instrument = "goes18"
	InstrumentDst    Instrument = "dst"
)

// Unit is the single physical unit every loaded series is normalized to.
const Unit = "nT"

// Quality of a loaded sample.
type Quality uint8

const (
	Valid Quality = iota
	Missing
)

func (q Quality) String() string {
	if q == Missing {
		return "missing"
	}
	return "valid"
}

// Sample is one instant of a series. Values follow Series.Components order.
type Sample struct {
	Time    time.Time
	Values  []float64
	Quality Quality
}

// Series is an ordered run of samples for one instrument.
type Series struct {
	Instrument Instrument
	Components []string
	Unit       string
	Cadence    time.Duration // nominal sampling interval
	Samples    []Sample
}

// Len returns the number of samples.
func (s *Series) Len() int { return len(s.Samples) }

// Component returns the index of a named component, or -1.
func (s *Series) Component(name string) int {
	for i, c := range s.Components {
		if c == name {
			return i
		}
	}
	return -1
}

// Span returns the first and last sample times. ok is false for an empty series.
func (s *Series) Span() (first, last time.Time, ok bool) {
	if len(s.Samples) == 0 {
		return time.Time{}, time.Time{}, false
	}
	return s.Samples[0].Time, s.Samples[len(s.Samples)-1].Time, true
}

// Window returns the samples with t0 <= Time < t1. The result shares the
// backing array with s and must be treated as read-only.
func (s *Series) Window(t0, t1 time.Time) *Series {
	lo := searchTime(s.Samples, t0, false)
	hi := searchTime(s.Samples, t1, false)
	out := *s
	out.Samples = s.Samples[lo:hi]
	return &out
}

// Resample returns a new series of bin means. Bins start at multiples of
// bin since the zero time; bins without a valid sample are omitted so gaps
// stay explicit.
func (s *Series) Resample(bin time.Duration) *Series {
	if bin <= 0 || len(s.Samples) == 0 {
		return s
	}
	nc := len(s.Components)
	out := &Series{
		Instrument: s.Instrument,
		Components: s.Components,
		Unit:       s.Unit,
		Cadence:    bin,
	}

	var (
		cur    time.Time
		sums   = make([]float64, nc)
		counts = make([]int, nc)
		open   bool
	)
	flush := func() {
		if !open {
			return
		}
		vals := make([]float64, nc)
		have := false
		for i := range vals {
			if counts[i] == 0 {
				vals[i] = math.NaN()
				continue
			}
			vals[i] = sums[i] / float64(counts[i])
			have = true
		}
		if have {
			q := Valid
			for _, v := range vals {
				if math.IsNaN(v) {
					q = Missing
				}
			}
			out.Samples = append(out.Samples, Sample{Time: cur, Values: vals, Quality: q})
		}
		for i := range sums {
			sums[i], counts[i] = 0, 0
		}
	}

	for _, smp := range s.Samples {
		b := smp.Time.Truncate(bin)
		if !open || !b.Equal(cur) {
			flush()
			cur, open = b, true
		}
		if smp.Quality == Missing {
			continue
		}
		for i, v := range smp.Values {
			if i < nc && !math.IsNaN(v) {
				sums[i] += v
				counts[i]++
			}
		}
	}
	flush()
	return out
}

// searchTime returns the index of the first sample with Time >= t, or with
// Time > t when strict is set.
func searchTime(samples []Sample, t time.Time, strict bool) int {
	lo, hi := 0, len(samples)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		st := samples[mid].Time
		before := st.Before(t) || (strict && st.Equal(t))
		if before {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}
