package telemetry

import (
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"time"

	"github.com/arloliu/mebo"
	"github.com/parquet-go/parquet-go"

	"github.com/KI7MT/ki7mt-keogram-lab/internal/common"
)

// CacheRow is the long-format row of the normalized Parquet cache: one
// component value of one sample, already in nT.
type CacheRow struct {
	TimeUs     int64   `parquet:"time_us"`
	Instrument string  `parquet:"instrument"`
	Component  string  `parquet:"component"`
	Value      float64 `parquet:"value"`
}

// meboChunk is the largest point count one mebo metric can claim.
const meboChunk = 65535

// cacheAssembler regroups per-component points into samples.
type cacheAssembler struct {
	components []string
	byTime     map[int64][]float64
}

func newCacheAssembler(components []string) *cacheAssembler {
	return &cacheAssembler{components: components, byTime: map[int64][]float64{}}
}

func (a *cacheAssembler) add(us int64, comp int, v float64) {
	vals, ok := a.byTime[us]
	if !ok {
		vals = make([]float64, len(a.components))
		for i := range vals {
			vals[i] = math.NaN()
		}
		a.byTime[us] = vals
	}
	vals[comp] = v
}

// samples returns the complete samples in time order. Instants missing a
// component are gaps and produce nothing.
func (a *cacheAssembler) samples() []Sample {
	keys := make([]int64, 0, len(a.byTime))
	for k := range a.byTime {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	out := make([]Sample, 0, len(keys))
	for _, k := range keys {
		vals := a.byTime[k]
		complete := true
		for _, v := range vals {
			if math.IsNaN(v) {
				complete = false
				break
			}
		}
		if complete {
			out = append(out, Sample{Time: time.UnixMicro(k).UTC(), Values: vals, Quality: Valid})
		}
	}
	return out
}

func componentIndex(components []string) map[string]int {
	idx := make(map[string]int, len(components))
	for i, c := range components {
		idx[c] = i
	}
	return idx
}

// ReadParquet loads the rows of src's instrument from a normalized cache file.
func ReadParquet(path string, src Source) ([]Sample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	pf, err := parquet.OpenFile(f, info.Size())
	if err != nil {
		return nil, common.Wrap(err, "parquet open")
	}

	asm := newCacheAssembler(src.Components())
	idx := componentIndex(src.Components())
	instrument := string(src.Instrument())

	reader := parquet.NewGenericReader[CacheRow](pf)
	defer reader.Close()
	rows := make([]CacheRow, 1024)
	for {
		n, err := reader.Read(rows)
		for _, r := range rows[:n] {
			if r.Instrument != instrument {
				continue
			}
			if c, ok := idx[r.Component]; ok && !math.IsNaN(r.Value) {
				asm.add(r.TimeUs, c, r.Value)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, common.Wrap(err, "parquet read")
		}
		if n == 0 {
			break
		}
	}
	return asm.samples(), nil
}

// WriteParquet writes the valid samples of s to path atomically.
func WriteParquet(path string, s *Series) error {
	long := Rows(s)
	rows := make([]CacheRow, len(long))
	for i, r := range long {
		rows[i] = CacheRow{
			TimeUs:     r.Time.UnixMicro(),
			Instrument: string(s.Instrument),
			Component:  r.Component,
			Value:      r.Value,
		}
	}
	return common.WriteAtomic(path, func(w io.Writer) error {
		pw := parquet.NewGenericWriter[CacheRow](w)
		if _, err := pw.Write(rows); err != nil {
			return common.Wrap(err, "parquet write")
		}
		return pw.Close()
	})
}

func meboMetric(instrument Instrument, component string, chunk int) string {
	return fmt.Sprintf("%s/%s/%d", instrument, component, chunk)
}

// ReadMebo loads src's components from a mebo numeric blob.
func ReadMebo(path string, src Source) ([]Sample, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	dec, err := mebo.NewNumericDecoder(data)
	if err != nil {
		return nil, common.Wrap(err, "mebo header")
	}
	blob, err := dec.Decode()
	if err != nil {
		return nil, common.Wrap(err, "mebo decode")
	}

	asm := newCacheAssembler(src.Components())
	for ci, comp := range src.Components() {
		for k := 0; ; k++ {
			name := meboMetric(src.Instrument(), comp, k)
			if blob.LenByName(name) == 0 {
				break
			}
			for _, dp := range blob.AllByName(name) {
				if !math.IsNaN(dp.Val) {
					asm.add(dp.Ts, ci, dp.Val)
				}
			}
		}
	}
	return asm.samples(), nil
}

// WriteMebo encodes the valid samples of s as one metric per component
// chunk, timestamps in microseconds.
func WriteMebo(path string, s *Series) error {
	valid := make([]Sample, 0, len(s.Samples))
	for _, smp := range s.Samples {
		if smp.Quality == Valid {
			valid = append(valid, smp)
		}
	}
	if len(valid) == 0 {
		return common.Markf(common.ErrEmptyResult, "%s: nothing to encode", s.Instrument)
	}

	enc, err := mebo.NewDefaultNumericEncoder(valid[0].Time)
	if err != nil {
		return common.Wrap(err, "mebo encoder")
	}
	for ci, comp := range s.Components {
		for k, lo := 0, 0; lo < len(valid); k, lo = k+1, lo+meboChunk {
			hi := lo + meboChunk
			if hi > len(valid) {
				hi = len(valid)
			}
			if err := enc.StartMetricName(meboMetric(s.Instrument, comp, k), hi-lo); err != nil {
				return common.Wrapf(err, "start metric %s", comp)
			}
			for _, smp := range valid[lo:hi] {
				if err := enc.AddDataPoint(smp.Time.UnixMicro(), smp.Values[ci], ""); err != nil {
					return common.Wrap(err, "add point")
				}
			}
			if err := enc.EndMetric(); err != nil {
				return common.Wrapf(err, "end metric %s", comp)
			}
		}
	}
	data, err := enc.Finish()
	if err != nil {
		return common.Wrap(err, "mebo finish")
	}
	return common.WriteFileAtomic(path, data)
}
