package allsky

import (
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KI7MT/ki7mt-keogram-lab/internal/common"
)

func gray(w, h int, f func(x, y int) uint16) *image.Gray16 {
	img := image.NewGray16(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetGray16(x, y, color.Gray16{Y: f(x, y)})
		}
	}
	return img
}

func touch(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, n := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), nil, 0644))
	}
}

func TestParseName(t *testing.T) {
	f, ok := ParseName("/data/PFRR_20251103_021530_0558.png")
	require.True(t, ok)
	assert.Equal(t, Wave558, f.Wave)
	assert.True(t, f.Time.Equal(time.Date(2025, 11, 3, 2, 15, 30, 0, time.UTC)))

	for _, bad := range []string{
		"PFRR_20251103_021530_0777.png",
		"PFRR_20251103_021530_RGB_composite.png",
		"PFRR_20251103_021530_0558.jpg",
		"PFRR_20251103_256060_0558.png",
	} {
		_, ok := ParseName(bad)
		assert.False(t, ok, bad)
	}
}

func TestSelect(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir,
		"PFRR_20251103_020000_0558.png",
		"PFRR_20251103_020012_0428.png",
		"PFRR_20251103_015950_0630.png",
		"PFRR_20251103_021000_0558.png",
		"PFRR_20251103_021045_0630.png",
		"PFRR_20251103_020958_0428.png",
		"notes.txt",
	)
	fs, err := Scan(dir)
	require.NoError(t, err)
	assert.Len(t, fs[Wave558], 2)

	tr, err := fs.Select(time.Time{}, DefaultTolerance)
	require.NoError(t, err)
	assert.Equal(t, "PFRR_20251103_020012_0428.png", filepath.Base(tr.Blue.Path))
	assert.Equal(t, "PFRR_20251103_015950_0630.png", filepath.Base(tr.Red.Path))
	assert.Equal(t, "PFRR_20251103_020000_RGB_composite.png", CompositeName(tr))

	// Around 02:10 the red frame is 45 s away.
	_, err = fs.Select(time.Date(2025, 11, 3, 2, 9, 0, 0, time.UTC), DefaultTolerance)
	assert.True(t, common.Is(err, common.ErrNotFound))
	tr, err = fs.Select(time.Date(2025, 11, 3, 2, 9, 0, 0, time.UTC), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "PFRR_20251103_021045_0630.png", filepath.Base(tr.Red.Path))

	assert.Len(t, fs.All(DefaultTolerance), 1)
	assert.Len(t, fs.All(time.Minute), 2)

	delete(fs, Wave428)
	_, err = fs.Select(time.Time{}, DefaultTolerance)
	assert.True(t, common.Is(err, common.ErrNotFound))
}

func TestComposite(t *testing.T) {
	imgs := map[string]image.Image{
		"r": gray(4, 2, func(x, y int) uint16 { return uint16(1000 + x*100) }),
		"g": gray(4, 2, func(x, y int) uint16 { return 5000 }),
		"b": gray(4, 2, func(x, y int) uint16 { return uint16(y * 60000) }),
	}
	load := func(p string) (image.Image, error) { return imgs[p], nil }
	tr := Triplet{Red: Frame{Path: "r"}, Green: Frame{Path: "g"}, Blue: Frame{Path: "b"}}

	out, err := Composite(tr, load)
	require.NoError(t, err)
	assert.Equal(t, color.RGBA{R: 0, G: 0, B: 0, A: 255}, out.RGBAAt(0, 0))
	assert.Equal(t, color.RGBA{R: 255, G: 0, B: 255, A: 255}, out.RGBAAt(3, 1))
	assert.Equal(t, uint8(85), out.RGBAAt(1, 0).R)

	imgs["b"] = gray(3, 2, func(x, y int) uint16 { return 0 })
	_, err = Composite(tr, load)
	assert.True(t, common.Is(err, common.ErrAmbiguousInput))
}

func TestCompositeFromFiles(t *testing.T) {
	dir := t.TempDir()
	for _, w := range []string{Wave630, Wave558, Wave428} {
		path := filepath.Join(dir, "PFRR_20251103_020000_"+w+".png")
		require.NoError(t, common.WritePNG(path, gray(3, 3, func(x, y int) uint16 { return uint16(x * 1000) })))
	}
	fs, err := Scan(dir)
	require.NoError(t, err)
	tr, err := fs.Select(time.Time{}, 0)
	require.NoError(t, err)
	out, err := Composite(tr, nil)
	require.NoError(t, err)
	assert.Equal(t, color.RGBA{R: 255, G: 255, B: 255, A: 255}, out.RGBAAt(2, 2))
	assert.Equal(t, color.RGBA{R: 127, G: 127, B: 127, A: 255}, out.RGBAAt(1, 0))
}
