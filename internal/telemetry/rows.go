package telemetry

import (
	"math"
	"time"

	"github.com/KI7MT/ki7mt-keogram-lab/internal/common"
)

// LongRow is one component value of one sample. The Parquet cache and the
// warehouse table both store series in this layout.
type LongRow struct {
	Time      time.Time
	Component string
	Value     float64
}

// Rows flattens the valid samples of s, component by component.
func Rows(s *Series) []LongRow {
	out := make([]LongRow, 0, len(s.Samples)*len(s.Components))
	for _, smp := range s.Samples {
		if smp.Quality != Valid {
			continue
		}
		for i, c := range s.Components {
			out = append(out, LongRow{Time: smp.Time, Component: c, Value: smp.Values[i]})
		}
	}
	return out
}

// FromRows regroups long rows into a series for src. Instants missing a
// component are dropped as gaps; rows for unknown components are ignored.
// Zero complete samples is ErrEmptyResult.
func FromRows(src Source, rows []LongRow) (*Series, *ParseStats, error) {
	asm := newCacheAssembler(src.Components())
	idx := componentIndex(src.Components())
	for _, r := range rows {
		if c, ok := idx[r.Component]; ok && !math.IsNaN(r.Value) {
			asm.add(r.Time.UnixMicro(), c, r.Value)
		}
	}

	samples := asm.samples()
	stats := &ParseStats{Records: len(rows), Parsed: len(samples)}
	series := &Series{
		Instrument: src.Instrument(),
		Components: src.Components(),
		Unit:       Unit,
		Cadence:    src.Cadence(),
		Samples:    mergeSamples(samples, stats),
	}
	if len(series.Samples) == 0 {
		return nil, stats, common.Markf(common.ErrEmptyResult, "%s: no complete samples in %d rows", src.Instrument(), len(rows))
	}
	return series, stats, nil
}
