package keogram

import (
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/KI7MT/ki7mt-keogram-lab/internal/common"
)

// Options select what Index returns.
type Options struct {
	Kind  Kind      // defaults to KindFull
	Month time.Time // zero keeps every month
	Log   *zap.SugaredLogger
	Stats *common.Stats // optional indexed/skipped counters
}

// Frames is an index result ordered by capture window start.
type Frames []Frame

// ByDate returns the frame captured on day.
func (fs Frames) ByDate(day time.Time) (Frame, bool) {
	day = common.Midnight(day)
	for _, f := range fs {
		if f.Date.Equal(day) {
			return f, true
		}
	}
	return Frame{}, false
}

// Lookup is ByDate that fails with ErrNotFound.
func (fs Frames) Lookup(day time.Time) (Frame, error) {
	f, ok := fs.ByDate(day)
	if !ok {
		return Frame{}, common.Markf(common.ErrNotFound, "no keogram for %s", common.Midnight(day).Format("2006-01-02"))
	}
	return f, nil
}

// Months returns the distinct capture months, ascending.
func (fs Frames) Months() []time.Time {
	seen := map[time.Time]bool{}
	var out []time.Time
	for _, f := range fs {
		m := time.Date(f.Date.Year(), f.Date.Month(), 1, 0, 0, 0, 0, time.UTC)
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// InMonth returns the frames captured in the month of m.
func (fs Frames) InMonth(m time.Time) Frames {
	var out Frames
	for _, f := range fs {
		if common.SameMonth(f.Date, m) {
			out = append(out, f)
		}
	}
	return out
}

func isImage(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png", ".jpg", ".jpeg":
		return true
	}
	return false
}

// Conflicts maps a capture day to the ErrAmbiguousInput error that
// excluded every frame of that day from an index result.
type Conflicts map[time.Time]error

// Day returns the conflict recorded for day, or nil.
func (c Conflicts) Day(day time.Time) error {
	return c[common.Midnight(day)]
}

// InMonth returns the conflicts of the month of m ordered by day.
func (c Conflicts) InMonth(m time.Time) []error {
	var days []time.Time
	for d := range c {
		if common.SameMonth(d, m) {
			days = append(days, d)
		}
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
	out := make([]error, 0, len(days))
	for _, d := range days {
		out = append(out, c[d])
	}
	return out
}

// Months returns the distinct months holding a conflict, ascending.
func (c Conflicts) Months() []time.Time {
	seen := map[time.Time]bool{}
	var out []time.Time
	for d := range c {
		m := time.Date(d.Year(), d.Month(), 1, 0, 0, 0, 0, time.UTC)
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// Index walks root recursively and returns one Frame per recognized image
// of the requested kind. Unrecognized or unreadable images are skipped with
// a warning.
//
// Two full or partial frames for one day, or two hourly frames for one
// hour, make that day ambiguous: all of its frames are left out of the
// result and the day is reported in Conflicts with ErrAmbiguousInput.
// Other days are unaffected. Finding neither frames nor conflicts is
// ErrEmptyResult.
func Index(root string, opts Options) (Frames, Conflicts, error) {
	log := common.OrNop(opts.Log)
	kind := opts.Kind
	if kind == "" {
		kind = KindFull
	}
	skip := func() {
		if opts.Stats != nil {
			opts.Stats.AddSkipped(1)
		}
	}

	var frames Frames
	claimed := map[string]string{}
	conflicts := Conflicts{}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isImage(d.Name()) {
			return nil
		}

		f, err := ParseName(d.Name())
		if err != nil {
			log.Warnw("skipping unrecognized keogram file", "file", path)
			skip()
			return nil
		}
		if f.Kind != kind {
			log.Debugw("skipping keogram of another kind", "file", path, "kind", f.Kind)
			return nil
		}
		if !opts.Month.IsZero() && !common.SameMonth(f.Date, opts.Month) {
			return nil
		}

		f.Path = path
		f.Width, f.Height, err = inspect(path)
		if err == nil {
			err = f.Validate()
		}
		if err != nil {
			log.Warnw("skipping unreadable keogram", "file", path, "err", err)
			skip()
			return nil
		}

		key := f.Date.Format("2006-01-02")
		if kind == KindHourly {
			key = f.Start.Format("2006-01-02 15h")
		}
		if prev, dup := claimed[key]; dup {
			if conflicts[f.Date] == nil {
				conflicts[f.Date] = common.Markf(common.ErrAmbiguousInput,
					"two %s keograms for %s: %s and %s", kind, key, prev, path)
				log.Warnw("ambiguous keogram day excluded", "date", key, "files", []string{prev, path})
			}
			return nil
		}
		claimed[key] = path
		frames = append(frames, f)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	kept := frames[:0]
	for _, f := range frames {
		if conflicts[f.Date] == nil {
			kept = append(kept, f)
		}
	}
	frames = kept
	if opts.Stats != nil {
		opts.Stats.AddIndexed(uint64(len(frames)))
	}
	if len(frames) == 0 && len(conflicts) == 0 {
		return nil, nil, common.Markf(common.ErrEmptyResult, "no %s keograms under %s", kind, root)
	}

	sort.Slice(frames, func(i, j int) bool { return frames[i].Start.Before(frames[j].Start) })
	return frames, conflicts, nil
}
