package telemetry

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KI7MT/ki7mt-keogram-lab/internal/common"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func at(h, m, s int) time.Time {
	return time.Date(2025, 2, 27, h, m, s, 0, time.UTC)
}

const dscovrObjects = `[
 {"time_tag":"2025-02-27T00:00:00","bx_gsm":1.5,"by_gsm":-2,"bz_gsm":-3.25},
 {"time_tag":"2025-02-27T00:01:00","bx_gsm":null,"by_gsm":null,"bz_gsm":null},
 {"time_tag":"not a time","bx_gsm":1,"by_gsm":1,"bz_gsm":1},
 {"time_tag":"2025-02-27T00:02:00","bx_gsm":"abc","by_gsm":1,"bz_gsm":1},
 {"time_tag":"2025-02-27T00:03:00","bx_gsm":2,"by_gsm":3,"bz_gsm":-99999}
]`

func TestLoadDSCOVRObjects(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "dscovr_mag_1m_20250227.json", dscovrObjects)

	series, stats, err := NewLoader(DSCOVR("gsm"), nil).Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5, stats.Records)
	assert.Equal(t, 1, stats.Parsed)
	assert.Equal(t, 2, stats.Gaps)
	assert.Equal(t, 2, stats.Malformed)

	require.Equal(t, 1, series.Len())
	assert.Equal(t, []string{"Bx", "By", "Bz"}, series.Components)
	assert.Equal(t, "nT", series.Unit)
	assert.True(t, series.Samples[0].Time.Equal(at(0, 0, 0)))
	assert.Equal(t, []float64{1.5, -2, -3.25}, series.Samples[0].Values)
}

func TestLoadGOESTableFiltersOtherSatellites(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "goes18_mag_20250227.json", `[
 ["time_tag","satellite","Hp","He","Hn"],
 ["2025-02-27 00:00:00.000",18,100.5,20,-5],
 ["2025-02-27 00:00:00.000",19,1,1,1],
 ["2025-02-27 00:01:00.000",18,101,21,-4]
]`)

	series, stats, err := NewLoader(GOES18(), nil).Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Filtered)
	assert.Equal(t, 0, stats.Malformed)
	require.Equal(t, 2, series.Len())
	assert.Equal(t, []float64{100.5, 20, -5}, series.Samples[0].Values)
	assert.Equal(t, InstrumentGOES18, series.Instrument)
}

func TestLoadCSVNormalizesUnits(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "dscovr_20250227.csv", `# DSCOVR export
# units: pT
time_tag,bx_gsm,by_gsm,bz_gsm
2025-02-27 00:00:00,1000,2000,-3000
2025-02-27 00:01:00,1000
`)

	series, stats, err := NewLoader(DSCOVR("gsm"), nil).Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Malformed)
	require.Equal(t, 1, series.Len())
	assert.InDeltaSlice(t, []float64{1, 2, -3}, series.Samples[0].Values, 1e-12)
}

func TestUnknownUnitIsMalformed(t *testing.T) {
	_, err := DSCOVR("gsm").Normalize(RawRecord{
		Fields: map[string]string{"time_tag": "2025-02-27T00:00:00", "bx_gsm": "1", "by_gsm": "1", "bz_gsm": "1"},
		Unit:   "furlongs",
	})
	require.Error(t, err)
	assert.True(t, common.Is(err, common.ErrMalformedRecord))
}

func TestMergeLastWriteWins(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a/dscovr_20250227.json", `[
 {"time_tag":"2025-02-27T00:00:00","bx_gsm":1,"by_gsm":1,"bz_gsm":1},
 {"time_tag":"2025-02-27T00:01:00","bx_gsm":2,"by_gsm":2,"bz_gsm":2}
]`)
	b := writeFile(t, dir, "b/dscovr_20250227.json", `[
 {"time_tag":"2025-02-27T00:01:00","bx_gsm":20,"by_gsm":20,"bz_gsm":20},
 {"time_tag":"2025-02-27T00:02:00","bx_gsm":3,"by_gsm":3,"bz_gsm":3},
 {"time_tag":"2025-02-27T00:02:00","bx_gsm":30,"by_gsm":30,"bz_gsm":30}
]`)

	series, stats, err := NewLoader(DSCOVR("gsm"), nil).Load(a, b)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Duplicates)
	require.Equal(t, 3, series.Len())
	assert.Equal(t, 1.0, series.Samples[0].Values[0])
	assert.Equal(t, 20.0, series.Samples[1].Values[0], "later file wins")
	assert.Equal(t, 30.0, series.Samples[2].Values[0], "later record wins")

	for i := 1; i < series.Len(); i++ {
		assert.True(t, series.Samples[i].Time.After(series.Samples[i-1].Time))
	}
}

func TestLoadEmptyResult(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "dscovr_20250227.json", `[{"time_tag":"bad","bx_gsm":1,"by_gsm":1,"bz_gsm":1}]`)
	broken := writeFile(t, dir, "dscovr_20250228.json", `{not json`)

	_, stats, err := NewLoader(DSCOVR("gsm"), nil).Load(path, broken)
	require.Error(t, err)
	assert.True(t, common.Is(err, common.ErrEmptyResult))
	assert.Equal(t, 1, stats.FailedFiles)
}

func TestLoadCompressedInputs(t *testing.T) {
	dir := t.TempDir()

	gzPath := filepath.Join(dir, "dscovr_20250227.json.gz")
	f, err := os.Create(gzPath)
	require.NoError(t, err)
	gw := gzip.NewWriter(f)
	_, err = gw.Write([]byte(`[{"time_tag":"2025-02-27T00:00:00","bx_gsm":1,"by_gsm":2,"bz_gsm":3}]`))
	require.NoError(t, err)
	require.NoError(t, gw.Close())
	require.NoError(t, f.Close())

	zstPath := filepath.Join(dir, "dscovr_20250227.csv.zst")
	f, err = os.Create(zstPath)
	require.NoError(t, err)
	zw, err := zstd.NewWriter(f)
	require.NoError(t, err)
	_, err = zw.Write([]byte("time_tag,bx_gsm,by_gsm,bz_gsm\n2025-02-27 00:01:00,4,5,6\n"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	for _, threshold := range []int64{0, 1} {
		loader := NewLoader(DSCOVR("gsm"), nil)
		loader.ParallelGzipThreshold = threshold
		series, _, err := loader.Load(gzPath, zstPath)
		require.NoError(t, err)
		require.Equal(t, 2, series.Len())
		assert.Equal(t, []float64{1, 2, 3}, series.Samples[0].Values)
		assert.Equal(t, []float64{4, 5, 6}, series.Samples[1].Values)
	}
}

func sampleSeries() *Series {
	s := &Series{
		Instrument: InstrumentGOES18,
		Components: []string{"Hp", "He", "Hn"},
		Unit:       Unit,
		Cadence:    time.Minute,
	}
	for i := 0; i < 5; i++ {
		s.Samples = append(s.Samples, Sample{
			Time:    at(0, i, 0),
			Values:  []float64{100 + float64(i), 10, -float64(i)},
			Quality: Valid,
		})
	}
	return s
}

func TestCachesFeedTheLoader(t *testing.T) {
	dir := t.TempDir()
	want := sampleSeries()

	pq := filepath.Join(dir, "goes18_20250227.parquet")
	require.NoError(t, WriteParquet(pq, want))
	mb := filepath.Join(dir, "goes18_20250227.mebo")
	require.NoError(t, WriteMebo(mb, want))

	for _, path := range []string{pq, mb} {
		t.Run(filepath.Ext(path), func(t *testing.T) {
			got, _, err := NewLoader(GOES18(), nil).Load(path)
			require.NoError(t, err)
			require.Equal(t, want.Len(), got.Len())
			for i := range want.Samples {
				assert.True(t, want.Samples[i].Time.Equal(got.Samples[i].Time))
				assert.Equal(t, want.Samples[i].Values, got.Samples[i].Values)
			}
		})
	}

	// Another instrument's loader finds nothing in the same cache.
	_, _, err := NewLoader(DSCOVR("gsm"), nil).Load(pq)
	assert.True(t, common.Is(err, common.ErrEmptyResult))
}

func TestDiscoverPrefersMonthDirectory(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "2025/02/dscovr_mag_20250227.json", "[]")
	writeFile(t, root, "misc/dscovr_mag_20250227.json", "[]")
	writeFile(t, root, "misc/dscovr_mag_20250228.json", "[]")
	writeFile(t, root, "misc/goes18_20250228.json", "[]")
	writeFile(t, root, "misc/dscovr_notes.txt", "")

	paths, err := Discover(root, DSCOVR("gsm"), at(0, 0, 0), time.Date(2025, 2, 28, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, paths, 2)
	assert.Equal(t, filepath.Join(root, "2025/02/dscovr_mag_20250227.json"), paths[0])
	assert.Equal(t, filepath.Join(root, "misc/dscovr_mag_20250228.json"), paths[1])
}

func TestSeriesWindowAndResample(t *testing.T) {
	s := &Series{Components: []string{"Bz"}, Cadence: time.Second}
	for _, sec := range []int{0, 3, 5, 12, 31} {
		s.Samples = append(s.Samples, Sample{Time: at(0, 0, sec), Values: []float64{float64(sec)}})
	}

	w := s.Window(at(0, 0, 3), at(0, 0, 12))
	require.Equal(t, 2, w.Len())
	assert.Equal(t, 3.0, w.Samples[0].Values[0])

	r := s.Resample(10 * time.Second)
	require.Equal(t, 3, r.Len(), "empty 00:00:20 bin is omitted")
	assert.InDelta(t, 8.0/3.0, r.Samples[0].Values[0], 1e-12)
	assert.True(t, r.Samples[1].Time.Equal(at(0, 0, 10)))
	assert.True(t, r.Samples[2].Time.Equal(at(0, 0, 30)))
	assert.Equal(t, 10*time.Second, r.Cadence)
	assert.False(t, math.IsNaN(r.Samples[2].Values[0]))
}

func dstLine(day int, hours []int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "DST2502*%02dRRX020%4d", day, 0)
	for _, v := range hours {
		fmt.Fprintf(&b, "%4d", v)
	}
	fmt.Fprintf(&b, "%4d", 0)
	return b.String()
}

func TestParseDst(t *testing.T) {
	hours := make([]int, 24)
	for h := range hours {
		hours[h] = -10 * h
	}
	hours[3] = 9999
	hours[23] = -230

	body := strings.Join([]string{
		"header line",
		dstLine(2, hours),
		"DST2502*01RRX020   0   5   6   7   8   9  10  11  12  13  14  15  16  17  18  19  20  21  22  23  24  25  26  27  28  99",
		"",
	}, "\n")

	series, err := ParseDst(strings.NewReader(body), 2025, time.February)
	require.NoError(t, err)
	assert.Equal(t, InstrumentDst, series.Instrument)
	require.Equal(t, 24+23, series.Len())

	first := series.Samples[0]
	assert.True(t, first.Time.Equal(time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, 5.0, first.Values[0])

	last := series.Samples[series.Len()-1]
	assert.True(t, last.Time.Equal(time.Date(2025, 2, 2, 23, 0, 0, 0, time.UTC)))
	assert.Equal(t, -230.0, last.Values[0])

	for _, s := range series.Samples {
		assert.False(t, s.Time.Equal(time.Date(2025, 2, 2, 3, 0, 0, 0, time.UTC)), "9999 is a gap")
	}
}

func TestMatchFile(t *testing.T) {
	day, ok := DSCOVR("gsm").MatchFile("dscovr_mag_1m_20250227.json.gz")
	require.True(t, ok)
	assert.True(t, day.Equal(at(0, 0, 0)))

	_, ok = GOES18().MatchFile("dscovr_mag_1m_20250227.json")
	assert.False(t, ok)

	day, ok = GOES18().MatchFile("GOES18_magnetometer_20250301.csv")
	require.True(t, ok)
	assert.Equal(t, time.March, day.Month())
}

func TestDSCOVRDefaultsToGSE(t *testing.T) {
	rec := RawRecord{Fields: map[string]string{
		"time_tag": "2025-02-27T00:00:00",
		"bx_gse":   "1", "by_gse": "2", "bz_gse": "-4",
		"bx_gsm": "1", "by_gsm": "3", "bz_gsm": "7",
	}}

	src, ok := SourceFor("dscovr")
	require.True(t, ok)
	s, err := src.Normalize(rec)
	require.NoError(t, err)
	assert.Equal(t, -4.0, s.Values[2])

	s, err = DSCOVR("").Normalize(rec)
	require.NoError(t, err)
	assert.Equal(t, -4.0, s.Values[2])

	src, ok = SourceFor("dscovr-gsm")
	require.True(t, ok)
	s, err = src.Normalize(rec)
	require.NoError(t, err)
	assert.Equal(t, 7.0, s.Values[2])
}

func goesDay(day string, hp ...float64) string {
	var rows []string
	for i, v := range hp {
		rows = append(rows, fmt.Sprintf(`{"time_tag":"%sT%02d:00:00Z","satellite":18,"He":1,"Hp":%g,"Hn":2}`, day, i, v))
	}
	return strings.Join(rows, ",")
}

func TestDiscoverRollingFilesByContent(t *testing.T) {
	root := t.TempDir()
	mar10 := writeFile(t, root, "2025/03/goes18_mag_7day_20250310.json",
		"["+goesDay("2025-03-05", 90, 91)+","+goesDay("2025-03-09", 95)+"]")
	mar09 := writeFile(t, root, "2025/03/goes18_mag_7day_20250309.json",
		"["+goesDay("2025-03-08", 80)+"]")
	apr02 := writeFile(t, root, "2025/04/goes18_mag_7day_20250402.json",
		"["+goesDay("2025-03-30", 70)+","+goesDay("2025-04-01", 71)+"]")
	writeFile(t, root, "2025/03/goes18_mag_7day_20250320.json", "["+goesDay("2025-03-05", 1)+"]")

	day := func(d int) time.Time { return time.Date(2025, 3, d, 0, 0, 0, 0, time.UTC) }

	paths, err := Discover(root, GOES18(), day(4), day(6))
	require.NoError(t, err)
	assert.Equal(t, []string{mar10}, paths, "stamp 03-10 holds 03-05; stamp 03-20 is out of reach")

	paths, err = Discover(root, GOES18(), day(8), day(9))
	require.NoError(t, err)
	assert.Equal(t, []string{mar09, mar10}, paths)

	paths, err = Discover(root, GOES18(), day(30), day(31))
	require.NoError(t, err)
	assert.Equal(t, []string{apr02}, paths, "file stored under the next month")

	series, _, err := NewLoader(GOES18(), nil).LoadRange(root, day(4), day(6))
	require.NoError(t, err)
	w := series.Window(day(5), day(6))
	require.Equal(t, 2, w.Len())
	assert.Equal(t, 90.0, w.Samples[0].Values[0])

	_, _, err = NewLoader(GOES18(), nil).LoadRange(root, day(1), day(2))
	assert.True(t, common.Is(err, common.ErrEmptyResult))
}

type memNetCDF map[string]ncVar

func (m memNetCDF) variable(name string) (ncVar, bool) {
	v, ok := m[name]
	return v, ok
}

func normalizeAll(t *testing.T, src Source, f ncFile) []Sample {
	t.Helper()
	var out []Sample
	err := eachNetCDFRecord(f, src.(*fieldSource).nc, func(rec RawRecord) {
		if s, err := src.Normalize(rec); err == nil {
			out = append(out, s)
		}
	})
	require.NoError(t, err)
	return out
}

func TestNetCDFGOESL1b(t *testing.T) {
	j2000 := time.Date(2000, 1, 1, 12, 0, 0, 0, time.UTC)
	t0 := time.Date(2025, 3, 5, 0, 0, 0, 0, time.UTC).Sub(j2000).Seconds()

	f := memNetCDF{
		"OB_time": {
			values: []float64{t0, t0 + 0.1, t0 + 0.2},
			attrs:  map[string]interface{}{"units": "seconds since 2000-01-01 12:00:00"},
		},
		"OB_mag_EPN": {
			values: [][]float32{{10, 90, -5}, {-9999, -9999, -9999}, {11, 91.5, -6}},
			attrs:  map[string]interface{}{"units": "nT", "_FillValue": float32(-9999)},
		},
	}
	samples := normalizeAll(t, GOES18(), f)
	require.Len(t, samples, 2, "fill row is a gap")
	assert.True(t, samples[0].Time.Equal(time.Date(2025, 3, 5, 0, 0, 0, 0, time.UTC)))
	assert.True(t, samples[1].Time.Equal(time.Date(2025, 3, 5, 0, 0, 0, 200_000_000, time.UTC)))
	// Components are Hp, He, Hn; EPN column 1 is Hp.
	assert.Equal(t, []float64{90, 10, -5}, samples[0].Values)
	assert.Equal(t, 91.5, samples[1].Values[0])

	delete(f, "OB_mag_EPN")
	err := eachNetCDFRecord(f, GOES18().(*fieldSource).nc, func(RawRecord) {})
	assert.Error(t, err)
}

func TestNetCDFDSCOVR(t *testing.T) {
	ms := float64(time.Date(2025, 3, 5, 6, 0, 0, 0, time.UTC).UnixMilli())
	vec := func(v ...float32) ncVar {
		return ncVar{values: v, attrs: map[string]interface{}{"units": "nT", "_FillValue": []float32{-99999}}}
	}
	f := memNetCDF{
		"time":   {values: []int64{int64(ms), int64(ms) + 60000}, attrs: map[string]interface{}{"units": "milliseconds since 1970-01-01T00:00:00Z"}},
		"bx_gse": vec(1, 2),
		"by_gse": vec(3, 4),
		"bz_gse": vec(-7.5, -99999),
		"bx_gsm": vec(1, 2),
		"by_gsm": vec(2, 2),
		"bz_gsm": vec(6, 6),
	}
	samples := normalizeAll(t, DSCOVR("gse"), f)
	require.Len(t, samples, 1)
	assert.True(t, samples[0].Time.Equal(time.Date(2025, 3, 5, 6, 0, 0, 0, time.UTC)))
	assert.Equal(t, []float64{1, 3, -7.5}, samples[0].Values)

	samples = normalizeAll(t, DSCOVR("gsm"), f)
	require.Len(t, samples, 2)
	assert.Equal(t, 6.0, samples[1].Values[2])

	f["bz_gsm"] = vec(6)
	err := eachNetCDFRecord(f, DSCOVR("gsm").(*fieldSource).nc, func(RawRecord) {})
	assert.Error(t, err, "length mismatch fails the file")
}

func TestParseTimeUnits(t *testing.T) {
	epoch, step, err := parseTimeUnits("seconds since 2000-01-01 12:00:00")
	require.NoError(t, err)
	assert.Equal(t, time.Second, step)
	assert.True(t, epoch.Equal(time.Date(2000, 1, 1, 12, 0, 0, 0, time.UTC)))

	epoch, step, err = parseTimeUnits("milliseconds since 1970-01-01T00:00:00Z")
	require.NoError(t, err)
	assert.Equal(t, time.Millisecond, step)
	assert.True(t, epoch.Equal(time.Unix(0, 0)))

	_, step, err = parseTimeUnits("days since 2025-03-01 UTC")
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, step)

	_, _, err = parseTimeUnits("fortnights since 2025-03-01")
	assert.Error(t, err)
	_, _, err = parseTimeUnits("nT")
	assert.Error(t, err)
}

func TestDetectNetCDF(t *testing.T) {
	assert.Equal(t, FormatNetCDF, DetectFormat("ops_mag-l1b-flat_g18_d20250305_v0-0-0.nc"))
	assert.Equal(t, FormatNetCDF, DetectFormat("oe_m1m_dscovr_s20250305000000_e20250305235959_p20250306022505_pub.nc.gz"))

	day, ok := GOES18().MatchFile("ops_mag-l1b-flat_g18_d20250305_v0-0-0.nc")
	require.True(t, ok)
	assert.Equal(t, 5, day.Day())
	day, ok = DSCOVR("gse").MatchFile("oe_m1m_dscovr_s20250305000000_e20250305235959_p20250306022505_pub.nc.gz")
	require.True(t, ok)
	assert.Equal(t, 5, day.Day())
}
