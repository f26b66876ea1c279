package metaindex

import (
	"bytes"
	"encoding/binary"
	"image"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KI7MT/ki7mt-keogram-lab/internal/common"
	"github.com/KI7MT/ki7mt-keogram-lab/internal/keogram"
)

var feb = time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)

// minimalMP4 returns an ftyp box and a moov box holding only a version 0
// mvhd with the given timescale and duration.
func minimalMP4(timescale, duration uint32) []byte {
	var buf bytes.Buffer
	be := binary.BigEndian

	buf.Write([]byte{0, 0, 0, 20})
	buf.WriteString("ftypisom")
	_ = binary.Write(&buf, be, uint32(0x200))
	buf.WriteString("isom")

	mvhd := make([]byte, 108)
	be.PutUint32(mvhd[0:], 108)
	copy(mvhd[4:], "mvhd")
	// version/flags, creation and modification stay zero
	be.PutUint32(mvhd[20:], timescale)
	be.PutUint32(mvhd[24:], duration)
	be.PutUint32(mvhd[28:], 0x00010000) // rate 1.0
	be.PutUint16(mvhd[32:], 0x0100)     // volume 1.0
	// unity matrix
	be.PutUint32(mvhd[44:], 0x00010000)
	be.PutUint32(mvhd[60:], 0x00010000)
	be.PutUint32(mvhd[76:], 0x40000000)
	be.PutUint32(mvhd[104:], 1) // next track id

	_ = binary.Write(&buf, be, uint32(8+len(mvhd)))
	buf.WriteString("moov")
	buf.Write(mvhd)
	return buf.Bytes()
}

type fakeProber map[string]time.Duration

func (p fakeProber) Duration(path string) (time.Duration, error) {
	d, ok := p[filepath.Base(path)]
	if !ok {
		return 0, common.Newf("no moov in %s", path)
	}
	return d, nil
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, data, 0644))
}

func TestMP4Prober(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "PKR_DASC_20250203_rgb_512.mp4")
	writeFile(t, good, minimalMP4(1000, 90500))
	bad := filepath.Join(dir, "broken.mp4")
	writeFile(t, bad, []byte("definitely not a movie"))

	d, err := MP4Prober{}.Duration(good)
	require.NoError(t, err)
	assert.Equal(t, 90500*time.Millisecond, d)

	_, err = MP4Prober{}.Duration(bad)
	assert.Error(t, err)
}

func TestDiscoverVideos(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "PKR_DASC_20250203_rgb_512.mp4"), []byte("a"))
	writeFile(t, filepath.Join(dir, "2025/PKR_DASC_20250201_rgb_512.MOV"), []byte("bb"))
	writeFile(t, filepath.Join(dir, "PKR_DASC_20250301_rgb_512.mp4"), []byte("c"))
	writeFile(t, filepath.Join(dir, "clip.mp4"), []byte("d"))
	writeFile(t, filepath.Join(dir, "PKR_DASC_20250204.txt"), []byte("e"))

	videos, err := DiscoverVideos(dir, feb, nil)
	require.NoError(t, err)
	require.Len(t, videos, 2)
	assert.True(t, videos[0].Date.Equal(feb))
	assert.Equal(t, int64(2), videos[0].Size)
	assert.True(t, videos[1].Date.Equal(feb.AddDate(0, 0, 2)))

	writeFile(t, filepath.Join(dir, "again/PKR_DASC_20250203_rgb_1024.m4v"), []byte("f"))
	_, err = DiscoverVideos(dir, feb, nil)
	assert.True(t, common.Is(err, common.ErrAmbiguousInput))
}

func buildFixture(t *testing.T) (string, []keogram.Frame, []Video) {
	t.Helper()
	base := t.TempDir()
	for _, name := range []string{"20250203__pfrr_asi3_full-keo-rgb.png", "20250201__pfrr_asi3_full-keo-rgb.png"} {
		path := filepath.Join(base, "full_keograms", "2025", "02", name)
		require.NoError(t, common.WritePNG(path, image.NewRGBA(image.Rect(0, 0, 24, 3))))
	}
	frames, _, err := keogram.Index(filepath.Join(base, "full_keograms"), keogram.Options{Kind: keogram.KindFull, Month: feb})
	require.NoError(t, err)

	writeFile(t, filepath.Join(base, "all_sky_vids", "PKR_DASC_20250203_rgb_512.mp4"), minimalMP4(600, 1200))
	writeFile(t, filepath.Join(base, "all_sky_vids", "PKR_DASC_20250205_rgb_512.mp4"), []byte("truncated"))
	videos, err := DiscoverVideos(filepath.Join(base, "all_sky_vids"), feb, nil)
	require.NoError(t, err)
	return base, frames, videos
}

func TestBuild(t *testing.T) {
	base, frames, videos := buildFixture(t)
	b := &Builder{BaseDir: base, Prober: MP4Prober{}}
	idx, err := b.Build(feb, frames, videos)
	require.NoError(t, err)

	assert.Equal(t, "2025-02", idx.Month)
	require.Len(t, idx.Days, 3)

	d1 := idx.Days["2025-02-01"]
	require.NotNil(t, d1.Keogram)
	assert.Nil(t, d1.Video)
	assert.Equal(t, "full_keograms/2025/02/20250201__pfrr_asi3_full-keo-rgb.png", d1.Keogram.File)
	assert.Equal(t, 24, d1.Keogram.Width)
	assert.Equal(t, "2025-02-01T00:00:00Z", d1.Keogram.Start)
	assert.Equal(t, "2025-02-02T00:00:00Z", d1.Keogram.End)

	d3 := idx.Days["2025-02-03"]
	require.NotNil(t, d3.Video)
	require.NotNil(t, d3.Video.DurationS)
	assert.InDelta(t, 2.0, *d3.Video.DurationS, 1e-9)

	d5 := idx.Days["2025-02-05"]
	assert.Nil(t, d5.Keogram)
	require.NotNil(t, d5.Video)
	assert.Nil(t, d5.Video.DurationS, "probe failure leaves the duration out")
	assert.Equal(t, int64(len("truncated")), d5.Video.SizeBytes)

	_, err = b.Build(feb.AddDate(0, 1, 0), frames, videos)
	assert.True(t, common.Is(err, common.ErrEmptyResult))
}

func TestWriteIsByteStable(t *testing.T) {
	base, _, _ := buildFixture(t)
	out := t.TempDir()

	var runs [][]byte
	for i := 0; i < 2; i++ {
		frames, _, err := keogram.Index(filepath.Join(base, "full_keograms"), keogram.Options{Kind: keogram.KindFull, Month: feb})
		require.NoError(t, err)
		videos, err := DiscoverVideos(filepath.Join(base, "all_sky_vids"), feb, nil)
		require.NoError(t, err)
		idx, err := (&Builder{BaseDir: base, Prober: fakeProber{"PKR_DASC_20250203_rgb_512.mp4": 2 * time.Second}}).Build(feb, frames, videos)
		require.NoError(t, err)
		path, err := Write(out, feb, idx)
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(out, "index", "keograms_202502.json"), path)
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		runs = append(runs, data)
	}
	assert.Equal(t, string(runs[0]), string(runs[1]))

	s := string(runs[0])
	assert.True(t, bytes.HasSuffix(runs[0], []byte("}\n")))
	assert.Contains(t, s, "\n  \"days\": {\n    \"2025-02-01\": {")
	assert.Less(t, bytes.Index(runs[0], []byte("2025-02-01")), bytes.Index(runs[0], []byte("2025-02-03")))
	assert.Less(t, bytes.Index(runs[0], []byte(`"days"`)), bytes.Index(runs[0], []byte(`"month"`)))
	assert.Contains(t, s, `"duration_s": 2,`)

	entries, err := os.ReadDir(filepath.Join(out, "index"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}
