package common

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDay(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Time
		wantErr bool
	}{
		{in: "2025-02-27", want: time.Date(2025, 2, 27, 0, 0, 0, 0, time.UTC)},
		{in: "20250227", want: time.Date(2025, 2, 27, 0, 0, 0, 0, time.UTC)},
		{in: " 2025-11-03 ", want: time.Date(2025, 11, 3, 0, 0, 0, 0, time.UTC)},
		{in: "2025/02/27", wantErr: true},
		{in: "20251340", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDay(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got))
		})
	}
}

func TestParseMonthAndDays(t *testing.T) {
	m, err := ParseMonth("202502")
	require.NoError(t, err)
	assert.Equal(t, 28, DaysInMonth(m))

	m, err = ParseMonth("2024-02")
	require.NoError(t, err)
	assert.Equal(t, 29, DaysInMonth(m))

	days := Days(time.Date(2025, 1, 30, 13, 0, 0, 0, time.UTC), time.Date(2025, 2, 2, 0, 0, 0, 0, time.UTC))
	require.Len(t, days, 4)
	assert.Equal(t, "2025-02-02", days[3].Format("2006-01-02"))
}

func TestErrorTaxonomy(t *testing.T) {
	err := Wrap(Markf(ErrNotFound, "no keogram for %s", "20250227"), "overlay")
	assert.True(t, Is(err, ErrNotFound))
	assert.True(t, IsHard(err))
	assert.Equal(t, "NotFound", Kind(err))

	soft := Mark(New("bad float"), ErrMalformedRecord)
	assert.False(t, IsHard(soft))
	assert.Equal(t, "MalformedRecord", Kind(soft))
}

func TestWriteAtomicLeavesNoPartialFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "out.json")

	require.NoError(t, WriteFileAtomic(path, []byte("first")))

	err := WriteAtomic(path, func(w io.Writer) error {
		_, _ = w.Write([]byte("half"))
		return New("render failed")
	})
	require.Error(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "first", string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file must be cleaned up")
}

func TestLoadConfigLayers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keo.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir = "/data/keo"
max_gap_factor = 4
resample = "10s"
goes_dir = "/abs/goes"
`), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/data/keo", cfg.DataDir)
	assert.Equal(t, 10*time.Second, cfg.Resample)
	assert.Equal(t, "/data/keo/DSCOVR_data", cfg.Resolve(cfg.DSCOVRDir))
	assert.Equal(t, "/abs/goes", cfg.Resolve(cfg.GOESDir))
	assert.Equal(t, 4*time.Minute, cfg.MaxGapFor(time.Minute))

	cfg.MaxGap = 90 * time.Second
	assert.Equal(t, 90*time.Second, cfg.MaxGapFor(time.Minute))
}

func TestFailuresSummary(t *testing.T) {
	var f Failures
	f.Add("20250228", Markf(ErrNotFound, "no frame"))
	f.Add("20250201", Markf(ErrAmbiguousInput, "two frames"))

	items := f.Items()
	require.Len(t, items, 2)
	assert.Equal(t, "20250201", items[0].Unit)

	var buf bytes.Buffer
	f.Print(&buf)
	assert.Contains(t, buf.String(), "NotFound")
	assert.Contains(t, buf.String(), "AmbiguousInput")
}

func TestParseHours(t *testing.T) {
	h0, h1, err := ParseHours("06-09")
	require.NoError(t, err)
	assert.Equal(t, 6, h0)
	assert.Equal(t, 9, h1)

	for _, bad := range []string{"09-06", "06-25", "6", "x-y", "12-12"} {
		_, _, err := ParseHours(bad)
		assert.Error(t, err, bad)
	}
}

func TestResolveRange(t *testing.T) {
	from, to, err := ResolveRange("", "2025-02", "", "")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC), from)
	assert.Equal(t, time.Date(2025, 2, 28, 0, 0, 0, 0, time.UTC), to)

	from, to, err = ResolveRange("20250227", "2025-03", "", "")
	require.NoError(t, err)
	assert.Equal(t, from, to)
	assert.Equal(t, 27, from.Day())

	from, to, err = ResolveRange("", "", "2025-02-27", "2025-03-02")
	require.NoError(t, err)
	assert.Len(t, Days(from, to), 4)

	_, _, err = ResolveRange("", "", "2025-03-02", "2025-02-27")
	assert.Error(t, err)
	_, _, err = ResolveRange("", "", "", "")
	assert.Error(t, err)
}
