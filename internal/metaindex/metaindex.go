// Package metaindex builds the per-month JSON index the keogram viewer
// reads to find each day's keogram and all-sky video without rescanning
// the archive.
package metaindex

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/abema/go-mp4"
	"go.uber.org/zap"

	"github.com/KI7MT/ki7mt-keogram-lab/internal/common"
	"github.com/KI7MT/ki7mt-keogram-lab/internal/keogram"
)

// Index is one month. Days is keyed by YYYY-MM-DD so encoding/json emits
// the days in calendar order.
type Index struct {
	Days  map[string]*Day `json:"days"`
	Month string          `json:"month"`
}

// Day holds whatever assets exist for one capture day.
type Day struct {
	Keogram *KeogramEntry `json:"keogram,omitempty"`
	Video   *VideoEntry   `json:"video,omitempty"`
}

// KeogramEntry describes one indexed frame. File is relative to the
// builder's base directory with forward slashes.
type KeogramEntry struct {
	End    string `json:"end"`
	File   string `json:"file"`
	Height int    `json:"height"`
	Kind   string `json:"kind"`
	Start  string `json:"start"`
	Width  int    `json:"width"`
}

// VideoEntry describes one video segment. DurationS is omitted when the
// container could not be probed.
type VideoEntry struct {
	DurationS *float64 `json:"duration_s,omitempty"`
	File      string   `json:"file"`
	SizeBytes int64    `json:"size_bytes"`
}

// Video is a discovered video file.
type Video struct {
	Date time.Time
	Path string
	Size int64
}

var videoName = regexp.MustCompile(`(?:^|[^0-9])(\d{8})(?:[^0-9]|$)`)

var videoExts = map[string]bool{".mp4": true, ".mov": true, ".m4v": true}

// DiscoverVideos finds video files under root whose name carries a
// YYYYMMDD token in month. Names without a valid date are skipped with a
// warning. Two videos for one day are ErrAmbiguousInput.
func DiscoverVideos(root string, month time.Time, log *zap.SugaredLogger) ([]Video, error) {
	log = common.OrNop(log)
	var out []Video
	seen := map[time.Time]string{}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !videoExts[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		m := videoName.FindStringSubmatch(d.Name())
		if m == nil {
			log.Warnw("skipping video without a date", "path", path)
			return nil
		}
		day, err := time.Parse("20060102", m[1])
		if err != nil {
			log.Warnw("skipping video with a bad date", "path", path, "error", err)
			return nil
		}
		if !common.SameMonth(day, month) {
			return nil
		}
		if prev, dup := seen[day]; dup {
			return common.Markf(common.ErrAmbiguousInput, "two videos for %s: %s and %s", day.Format("2006-01-02"), prev, path)
		}
		info, err := d.Info()
		if err != nil {
			return common.Wrapf(err, "stat %s", path)
		}
		seen[day] = path
		out = append(out, Video{Date: day, Path: path, Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

// VideoProber returns a video's playback duration.
type VideoProber interface {
	Duration(path string) (time.Duration, error)
}

// MP4Prober reads the movie header of ISO-BMFF files (mp4, mov, m4v).
type MP4Prober struct{}

// Duration returns the mvhd duration.
func (MP4Prober) Duration(path string) (time.Duration, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	info, err := mp4.Probe(f)
	if err != nil {
		return 0, common.Wrapf(err, "probe %s", path)
	}
	if info.Timescale == 0 {
		return 0, common.Newf("%s: zero timescale", path)
	}
	secs := float64(info.Duration) / float64(info.Timescale)
	return time.Duration(secs * float64(time.Second)), nil
}

// Builder assembles month indexes. BaseDir anchors the relative file
// references written to the index.
type Builder struct {
	BaseDir string
	Prober  VideoProber // nil skips durations
	Log     *zap.SugaredLogger
}

// Build indexes the month's frames and videos. A month with neither is
// ErrEmptyResult.
func (b *Builder) Build(month time.Time, frames []keogram.Frame, videos []Video) (*Index, error) {
	log := common.OrNop(b.Log)
	month = time.Date(month.Year(), month.Month(), 1, 0, 0, 0, 0, time.UTC)
	idx := &Index{Month: month.Format("2006-01"), Days: map[string]*Day{}}

	day := func(t time.Time) *Day {
		key := t.Format("2006-01-02")
		d, ok := idx.Days[key]
		if !ok {
			d = &Day{}
			idx.Days[key] = d
		}
		return d
	}

	for _, f := range frames {
		if !common.SameMonth(f.Date, month) {
			continue
		}
		d := day(f.Date)
		if d.Keogram != nil {
			return nil, common.Markf(common.ErrAmbiguousInput, "two keograms for %s", f.Date.Format("2006-01-02"))
		}
		d.Keogram = &KeogramEntry{
			File:   b.rel(f.Path),
			Width:  f.Width,
			Height: f.Height,
			Kind:   string(f.Kind),
			Start:  f.Start.UTC().Format(time.RFC3339),
			End:    f.End().UTC().Format(time.RFC3339),
		}
	}

	for _, v := range videos {
		if !common.SameMonth(v.Date, month) {
			continue
		}
		d := day(v.Date)
		if d.Video != nil {
			return nil, common.Markf(common.ErrAmbiguousInput, "two videos for %s", v.Date.Format("2006-01-02"))
		}
		entry := &VideoEntry{File: b.rel(v.Path), SizeBytes: v.Size}
		if b.Prober != nil {
			dur, err := b.Prober.Duration(v.Path)
			if err != nil {
				log.Warnw("video duration unavailable", "path", v.Path, "error", err)
			} else {
				secs := dur.Seconds()
				entry.DurationS = &secs
			}
		}
		d.Video = entry
	}

	if len(idx.Days) == 0 {
		return nil, common.Markf(common.ErrEmptyResult, "nothing to index for %s", idx.Month)
	}
	return idx, nil
}

func (b *Builder) rel(path string) string {
	if b.BaseDir != "" {
		if r, err := filepath.Rel(b.BaseDir, path); err == nil && !strings.HasPrefix(r, "..") {
			return filepath.ToSlash(r)
		}
	}
	return filepath.ToSlash(path)
}

// Marshal renders idx with two-space indent and a trailing newline. Map
// keys are sorted by encoding/json and struct fields are declared in
// alphabetical order, so equal indexes encode to equal bytes.
func Marshal(idx *Index) ([]byte, error) {
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return nil, common.Wrap(err, "encode index")
	}
	return append(data, '\n'), nil
}

// Path is where the index for month is written under outDir.
func Path(outDir string, month time.Time) string {
	return filepath.Join(outDir, "index", fmt.Sprintf("keograms_%s.json", month.Format("200601")))
}

// Write encodes idx and atomically replaces any previous index for the
// month. It returns the written path.
func Write(outDir string, month time.Time, idx *Index) (string, error) {
	data, err := Marshal(idx)
	if err != nil {
		return "", err
	}
	path := Path(outDir, month)
	if err := common.WriteFileAtomic(path, data); err != nil {
		return "", err
	}
	return path, nil
}
