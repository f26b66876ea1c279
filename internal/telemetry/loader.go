package telemetry

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/KI7MT/ki7mt-keogram-lab/internal/common"
)

// MaxErrorsToLog caps per-load parse error logging; the rest are counted.
const MaxErrorsToLog = 10

// ParseStats counts what happened to every record of a load.
type ParseStats struct {
	Files       int
	FailedFiles int
	Records     int
	Parsed      int
	Malformed   int
	Gaps        int
	Filtered    int
	Duplicates  int
}

func (p *ParseStats) String() string {
	return fmt.Sprintf("files=%d failed=%d records=%d parsed=%d malformed=%d gaps=%d filtered=%d duplicates=%d",
		p.Files, p.FailedFiles, p.Records, p.Parsed, p.Malformed, p.Gaps, p.Filtered, p.Duplicates)
}

// Loader merges raw and cached telemetry files for one Source.
type Loader struct {
	Source Source
	Log    *zap.SugaredLogger

	// ParallelGzipThreshold switches .gz inputs at least this large to pgzip.
	ParallelGzipThreshold int64

	errorCount int
}

// NewLoader returns a Loader for src. A nil log discards output.
func NewLoader(src Source, log *zap.SugaredLogger) *Loader {
	return &Loader{
		Source:                src,
		Log:                   common.OrNop(log),
		ParallelGzipThreshold: DefaultParallelGzipThreshold,
	}
}

// Load reads paths in order and returns one merged series. On an exact
// timestamp collision the later file wins; within a file the later record
// wins. Unreadable files and malformed records are skipped and counted.
// The load fails with ErrEmptyResult only when nothing valid remains.
func (l *Loader) Load(paths ...string) (*Series, *ParseStats, error) {
	log := common.OrNop(l.Log)
	stats := &ParseStats{}
	l.errorCount = 0

	var all []Sample
	for _, path := range paths {
		stats.Files++
		samples, err := l.loadFile(path, stats)
		if err != nil {
			stats.FailedFiles++
			log.Warnw("skipping telemetry file", "file", path, "err", err)
			continue
		}
		all = append(all, samples...)
	}
	if l.errorCount > MaxErrorsToLog {
		log.Warnf("... and %d more parse errors (suppressed)", l.errorCount-MaxErrorsToLog)
	}

	series := &Series{
		Instrument: l.Source.Instrument(),
		Components: l.Source.Components(),
		Unit:       Unit,
		Cadence:    l.Source.Cadence(),
	}
	series.Samples = mergeSamples(all, stats)

	if len(series.Samples) == 0 {
		return nil, stats, common.Markf(common.ErrEmptyResult,
			"%s: no valid records in %d file(s)", l.Source.Instrument(), len(paths))
	}
	log.Debugw("telemetry loaded", "instrument", series.Instrument, "stats", stats.String())
	return series, stats, nil
}

// mergeSamples sorts by time keeping load order among equals, then keeps
// the last sample of each run of identical timestamps.
func mergeSamples(all []Sample, stats *ParseStats) []Sample {
	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Time.Before(all[j].Time)
	})
	out := make([]Sample, 0, len(all))
	for i := 0; i < len(all); i++ {
		if i+1 < len(all) && all[i+1].Time.Equal(all[i].Time) {
			stats.Duplicates++
			continue
		}
		out = append(out, all[i])
	}
	return out
}

func (l *Loader) loadFile(path string, stats *ParseStats) ([]Sample, error) {
	format := DetectFormat(path)
	switch format {
	case FormatParquet:
		samples, err := ReadParquet(path, l.Source)
		stats.Records += len(samples)
		stats.Parsed += len(samples)
		return samples, err
	case FormatMebo:
		samples, err := ReadMebo(path, l.Source)
		stats.Records += len(samples)
		stats.Parsed += len(samples)
		return samples, err
	case FormatUnknown:
		return nil, common.Newf("unrecognized telemetry format")
	}

	var samples []Sample
	handle := func(rec RawRecord) {
		stats.Records++
		s, err := l.Source.Normalize(rec)
		switch {
		case err == nil:
			stats.Parsed++
			samples = append(samples, s)
		case common.Is(err, errGap):
			stats.Gaps++
		case common.Is(err, errFiltered):
			stats.Filtered++
		default:
			stats.Malformed++
			l.errorCount++
			if l.errorCount <= MaxErrorsToLog {
				common.OrNop(l.Log).Warnw("malformed record", "file", filepath.Base(path), "line", rec.Line, "err", err)
			}
		}
	}

	if format == FormatNetCDF {
		nc, ok := l.Source.(interface{ netCDF() ncLayout })
		if !ok {
			return nil, common.Newf("%s has no netCDF layout", l.Source.Instrument())
		}
		f, closeFile, err := openNetCDF(path, l.ParallelGzipThreshold)
		if err != nil {
			return nil, err
		}
		defer closeFile()
		if err := eachNetCDFRecord(f, nc.netCDF(), handle); err != nil {
			return nil, err
		}
		return samples, nil
	}

	rc, err := openInput(path, l.ParallelGzipThreshold)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	records, err := decodeRaw(rc, format)
	if err != nil {
		return nil, err
	}
	samples = make([]Sample, 0, len(records))
	for _, rec := range records {
		handle(rec)
	}
	return samples, nil
}

// LoadRange discovers the files for [from, to] under root and loads them.
func (l *Loader) LoadRange(root string, from, to time.Time) (*Series, *ParseStats, error) {
	paths, err := Discover(root, l.Source, from, to)
	if err != nil {
		return nil, nil, err
	}
	if len(paths) == 0 {
		return nil, &ParseStats{}, common.Markf(common.ErrEmptyResult,
			"%s: no files for %s..%s under %s", l.Source.Instrument(),
			from.Format("2006-01-02"), to.Format("2006-01-02"), root)
	}
	return l.Load(paths...)
}

// rollingDays matches the span of rolling products such as the SWPC
// "7-day" files, which are stamped with the day they were fetched.
var rollingDays = regexp.MustCompile(`(?:^|\D)([1-9]\d?)[-_]?day`)

// maxRollingDays bounds how far past the range a rolling file's stamp
// may lie and still hold a wanted day.
const maxRollingDays = 7

func rollingSpan(name string) (int, bool) {
	m := rollingDays.FindStringSubmatch(strings.ToLower(name))
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	return n, err == nil
}

// sampleDays returns the UTC days path holds valid samples for.
func sampleDays(path string, src Source) (map[time.Time]bool, error) {
	samples, err := NewLoader(src, nil).loadFile(path, &ParseStats{})
	if err != nil {
		return nil, err
	}
	days := map[time.Time]bool{}
	for _, s := range samples {
		days[common.Midnight(s.Time)] = true
	}
	return days, nil
}

// Discover finds the files src recognizes for every day in [from, to]. The
// conventional root/YYYY/MM directory is searched first; days still missing
// are looked up by walking the whole tree. Results are ordered by day then
// name, which is the merge order.
//
// A per-day file covers the day in its name. A rolling file ("7day",
// "1-day") is stamped with its fetch day, so it is opened and listed under
// every wanted day it actually holds samples for.
func Discover(root string, src Source, from, to time.Time) ([]string, error) {
	from, to = common.Midnight(from), common.Midnight(to)
	wanted := map[time.Time]bool{}
	for _, d := range common.Days(from, to) {
		wanted[d] = true
	}

	found := map[time.Time][]string{}
	consider := func(path string) {
		name := filepath.Base(path)
		if DetectFormat(path) == FormatUnknown {
			return
		}
		day, ok := src.MatchFile(name)
		if !ok {
			return
		}
		n, rolling := rollingSpan(name)
		if !rolling {
			if wanted[day] {
				found[day] = append(found[day], path)
			}
			return
		}
		if day.Before(from) || day.AddDate(0, 0, -n).After(to) {
			return
		}
		days, err := sampleDays(path, src)
		if err != nil {
			return
		}
		for d := range days {
			if wanted[d] {
				found[d] = append(found[d], path)
			}
		}
	}

	seenMonth := map[string]bool{}
	for _, d := range common.Days(from, to.AddDate(0, 0, maxRollingDays)) {
		dir := filepath.Join(root, d.Format("2006"), d.Format("01"))
		if seenMonth[dir] {
			continue
		}
		seenMonth[dir] = true
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() {
				consider(filepath.Join(dir, e.Name()))
			}
		}
	}

	if len(found) < len(wanted) {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if d.IsDir() {
				if seenMonth[path] {
					return fs.SkipDir
				}
				return nil
			}
			if _, rolling := rollingSpan(d.Name()); rolling {
				consider(path)
				return nil
			}
			day, ok := src.MatchFile(d.Name())
			if ok && wanted[day] && len(found[day]) == 0 {
				consider(path)
			}
			return nil
		})
		if err != nil {
			return nil, common.Wrapf(err, "walk %s", root)
		}
	}

	days := make([]time.Time, 0, len(found))
	for d := range found {
		days = append(days, d)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })

	var out []string
	listed := map[string]bool{}
	for _, d := range days {
		files := found[d]
		sort.Strings(files)
		for _, f := range files {
			if !listed[f] {
				listed[f] = true
				out = append(out, f)
			}
		}
	}
	return out, nil
}
