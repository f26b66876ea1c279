package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KI7MT/ki7mt-keogram-lab/internal/common"
)

func testServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/ok.json", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "keo-test", r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte(`[{"time_tag":"2025-02-27T00:00:00","bz_gsm":-3.1}]`))
	})
	mux.HandleFunc("/broken", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestKeogramTargets(t *testing.T) {
	from := time.Date(2025, 2, 27, 0, 0, 0, 0, time.UTC)
	targets := KeogramTargets("pfrr_amisr01", "asi3", "/data/full_keograms", from, from.AddDate(0, 0, 2))
	require.Len(t, targets, 3)
	assert.Equal(t, AMISRBase+"2025/02/27/pfrr_amisr01/20250227__pfrr_asi3_full-keo-rgb.png", targets[0].URL)
	assert.Equal(t, filepath.Join("/data/full_keograms", "2025", "03", "20250301__pfrr_asi3_full-keo-rgb.png"), targets[2].Dest)

	dst := DstTarget("/data", time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, KyotoDst+"202503/dst2503.for.request", dst.URL)
	assert.Equal(t, filepath.Join("/data", "dst2503.for.request"), dst.Dest)

	swpc := SWPCTargets("/g", "/d", from.Add(13*time.Hour))
	require.Len(t, swpc, 2)
	assert.Equal(t, filepath.Join("/g", "2025", "02", "goes18_mag_7day_20250227.json"), swpc[0].Dest)
}

func TestRun(t *testing.T) {
	srv := testServer(t)
	dir := t.TempDir()
	targets := []Target{
		{Name: "ok", URL: srv.URL + "/ok.json", Dest: filepath.Join(dir, "a", "dscovr_20250227.json")},
		{Name: "missing", URL: srv.URL + "/nothing.png", Dest: filepath.Join(dir, "b", "x.png")},
		{Name: "broken", URL: srv.URL + "/broken", Dest: filepath.Join(dir, "c", "y.png")},
	}

	f := New(Options{RatePerSec: 1000, UserAgent: "keo-test"})
	sum := f.Run(context.Background(), targets)
	assert.Equal(t, 1, sum.Downloaded)
	assert.Equal(t, 1, sum.Missing)
	assert.Equal(t, 1, sum.Failures.Len())
	assert.Greater(t, sum.Bytes, int64(0))

	data, err := os.ReadFile(targets[0].Dest)
	require.NoError(t, err)
	assert.Contains(t, string(data), "bz_gsm")

	for _, tg := range targets[1:] {
		_, err := os.Stat(tg.Dest)
		assert.True(t, os.IsNotExist(err), "no file for %s", tg.Name)
	}

	res := f.Fetch(context.Background(), targets[1])
	assert.True(t, common.Is(res.Err, common.ErrNotFound))

	again := New(Options{RatePerSec: 1000, UserAgent: "keo-test", SkipExisting: true})
	res = again.Fetch(context.Background(), targets[0])
	assert.Equal(t, StatusSkipped, res.Status)
}

func TestDryRunWritesNothing(t *testing.T) {
	srv := testServer(t)
	dir := t.TempDir()
	f := New(Options{DryRun: true})
	sum := f.Run(context.Background(), []Target{{URL: srv.URL + "/ok.json", Dest: filepath.Join(dir, "ok.json")}})
	assert.Equal(t, 1, sum.Planned)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRunStopsWhenCancelled(t *testing.T) {
	srv := testServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sum := New(Options{}).Run(ctx, []Target{{URL: srv.URL + "/ok.json", Dest: filepath.Join(t.TempDir(), "ok.json")}})
	assert.Equal(t, 0, sum.Downloaded)
	assert.Equal(t, 1, sum.Failures.Len())
}

func TestArchiveTargets(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/goes/2025/03/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><body>
<a href="?C=N;O=D">Name</a> <a href="/goes/2025/">Parent Directory</a>
<a href="ops_mag-l1b-flat_g18_d20250305_v0-0-0.nc">ops_mag-l1b-flat_g18_d20250305_v0-0-0.nc</a>
<a HREF="ops_mag-l1b-flat_g18_d20250306_v0-0-0.nc">ops_mag-l1b-flat_g18_d20250306_v0-0-0.nc</a>
<a href="ops_mag-l1b-flat_g18_d20250306_v0-0-0.nc.md5">md5</a>
<a href="ops_mag-l1b-flat_g19_d20250305_v0-0-0.nc">other satellite</a>
</body></html>`))
	})
	mux.HandleFunc("/goes/2025/05/", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	archive := GOESArchive
	archive.Base = srv.URL + "/goes/"
	f := New(Options{RatePerSec: 1000})
	day := func(m time.Month, d int) time.Time { return time.Date(2025, m, d, 0, 0, 0, 0, time.UTC) }

	var failures common.Failures
	targets := f.ArchiveTargets(context.Background(), archive, "/data/goes", day(3, 4), day(3, 6), &failures)
	require.Len(t, targets, 2)
	assert.Equal(t, 0, failures.Len())
	assert.Equal(t, srv.URL+"/goes/2025/03/ops_mag-l1b-flat_g18_d20250305_v0-0-0.nc", targets[0].URL)
	assert.True(t, targets[0].Day.Equal(day(3, 5)))
	assert.Equal(t, filepath.Join("/data/goes", "2025", "03", "ops_mag-l1b-flat_g18_d20250306_v0-0-0.nc"), targets[1].Dest)

	targets = f.ArchiveTargets(context.Background(), archive, "/data/goes", day(4, 30), day(5, 1), &failures)
	assert.Empty(t, targets)
	assert.Equal(t, 1, failures.Len(), "a missing month is not a failure, a broken listing is")

	_, err := f.List(context.Background(), srv.URL+"/goes/2024/01/")
	assert.True(t, common.Is(err, common.ErrNotFound))

	dscovr := DSCOVRArchive.Match(day(3, 5))
	assert.True(t, dscovr.MatchString("oe_m1m_dscovr_s20250305000000_e20250305235959_p20250306022505_pub.nc.gz"))
	assert.False(t, dscovr.MatchString("oe_f1m_dscovr_s20250305000000_e20250305235959_p20250306022505_pub.nc.gz"))
}
