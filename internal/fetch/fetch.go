// Package fetch mirrors the remote archives the keogram tools read:
// AMISR keogram PNGs, the NGDC daily GOES-18 and DSCOVR magnetometer
// netCDF files, SWPC rolling magnetometer JSON and WDC Kyoto quicklook Dst.
// Nothing in the rendering path calls it; it only fills the local archive.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/KI7MT/ki7mt-keogram-lab/internal/common"
)

const (
	AMISRBase  = "https://optics.gi.alaska.edu/amisr_archive/Processed_data/aurorax/stream2/"
	NGDCGOES   = "https://data.ngdc.noaa.gov/platforms/solar-space-observing-satellites/goes/goes18/l1b/mag-l1b-flat/"
	NGDCDSCOVR = "https://www.ngdc.noaa.gov/dscovr/data/"
	SWPCGOES   = "https://services.swpc.noaa.gov/json/goes/primary/magnetometers-7-day.json"
	SWPCMag    = "https://services.swpc.noaa.gov/products/solar-wind/mag-7-day.json"
	KyotoDst   = "https://wdc.kugi.kyoto-u.ac.jp/dst_realtime/"
)

// Archive is a remote tree of daily files under <Base>YYYY/MM/ whose names
// are only known from the month's directory listing.
type Archive struct {
	Name  string
	Base  string
	Match func(day time.Time) *regexp.Regexp
}

var (
	// GOESArchive holds ops_mag-l1b-flat_g18_dYYYYMMDD_v*.nc, one per day.
	GOESArchive = Archive{Name: "goes18", Base: NGDCGOES, Match: func(day time.Time) *regexp.Regexp {
		return regexp.MustCompile(`^ops_mag-l1b-flat_g18_d` + day.Format("20060102") + `_.+\.nc(\.gz)?$`)
	}}
	// DSCOVRArchive holds the 1-minute magnetometer files
	// oe_m1m_dscovr_sYYYYMMDDhhmmss_e..._p..._pub.nc.gz.
	DSCOVRArchive = Archive{Name: "dscovr", Base: NGDCDSCOVR, Match: func(day time.Time) *regexp.Regexp {
		return regexp.MustCompile(`^oe_m1m_dscovr_s` + day.Format("20060102") + `\d{6}_.+_pub\.nc(\.gz)?$`)
	}}
)

// Target is one remote file and where it lands.
type Target struct {
	Name string
	Day  time.Time
	URL  string
	Dest string
}

// KeogramTargets plans one full-day keogram per day in [from, to]. Files
// mirror YYYY/MM under outRoot.
func KeogramTargets(station, camera, outRoot string, from, to time.Time) []Target {
	site := station
	if i := strings.IndexByte(station, '_'); i >= 0 {
		site = station[:i]
	}
	var out []Target
	for _, day := range common.Days(from, to) {
		name := fmt.Sprintf("%s__%s_%s_full-keo-rgb.png", day.Format("20060102"), site, camera)
		out = append(out, Target{
			Name: "keogram",
			Day:  day,
			URL:  AMISRBase + day.Format("2006/01/02") + "/" + station + "/" + name,
			Dest: filepath.Join(outRoot, day.Format("2006"), day.Format("01"), name),
		})
	}
	return out
}

// SWPCTargets plans the rolling 7-day GOES and DSCOVR magnetometer
// products, stamped with the fetch day so successive pulls don't collide.
func SWPCTargets(goesDir, dscovrDir string, day time.Time) []Target {
	day = common.Midnight(day)
	sub := filepath.Join(day.Format("2006"), day.Format("01"))
	stamp := day.Format("20060102")
	return []Target{
		{Name: "goes18", Day: day, URL: SWPCGOES, Dest: filepath.Join(goesDir, sub, "goes18_mag_7day_"+stamp+".json")},
		{Name: "dscovr", Day: day, URL: SWPCMag, Dest: filepath.Join(dscovrDir, sub, "dscovr_mag_7day_"+stamp+".json")},
	}
}

// DstTarget plans the WDC Kyoto quicklook Dst file for month.
func DstTarget(outDir string, month time.Time) Target {
	return Target{
		Name: "dst",
		Day:  time.Date(month.Year(), month.Month(), 1, 0, 0, 0, 0, time.UTC),
		URL:  KyotoDst + month.Format("200601") + "/dst" + month.Format("0601") + ".for.request",
		Dest: filepath.Join(outDir, "dst"+month.Format("0601")+".for.request"),
	}
}

var hrefPattern = regexp.MustCompile(`(?i)href="([^"?#]+)"`)

// maxListingBytes bounds a directory index page.
const maxListingBytes = 16 << 20

// List returns the file names linked from a directory index page.
// Subdirectory and sort links are dropped. A 404 is ErrNotFound.
func (f *Fetcher) List(ctx context.Context, url string) ([]string, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, common.Wrap(err, "build request")
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, common.Wrap(err, "HTTP GET failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, common.Markf(common.ErrNotFound, "no listing at %s", url)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, common.Newf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxListingBytes))
	if err != nil {
		return nil, common.Wrap(err, "read listing")
	}

	var names []string
	seen := map[string]bool{}
	for _, m := range hrefPattern.FindAllStringSubmatch(string(body), -1) {
		href := m[1]
		if strings.HasSuffix(href, "/") {
			continue
		}
		name := path.Base(href)
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names, nil
}

// ArchiveTargets lists each month of [from, to] once and plans every file
// of a's naming for each day, mirrored to outRoot/YYYY/MM. Days without a
// file and months the server does not have are logged, not failed; any
// other listing error is recorded in failures and the month is skipped.
func (f *Fetcher) ArchiveTargets(ctx context.Context, a Archive, outRoot string, from, to time.Time, failures *common.Failures) []Target {
	var out []Target
	listings := map[string][]string{}
	for _, day := range common.Days(from, to) {
		if ctx.Err() != nil {
			break
		}
		monthURL := a.Base + day.Format("2006/01") + "/"
		names, ok := listings[monthURL]
		if !ok {
			var err error
			names, err = f.List(ctx, monthURL)
			switch {
			case common.Is(err, common.ErrNotFound):
				f.log.Warnw("no archive month", "archive", a.Name, "url", monthURL)
			case err != nil:
				f.log.Errorw("listing failed", "archive", a.Name, "url", monthURL, "error", err)
				failures.Add(monthURL, err)
			}
			listings[monthURL] = names
		}

		re := a.Match(day)
		matched := 0
		for _, name := range names {
			if !re.MatchString(name) {
				continue
			}
			matched++
			out = append(out, Target{
				Name: a.Name,
				Day:  day,
				URL:  monthURL + name,
				Dest: filepath.Join(outRoot, day.Format("2006"), day.Format("01"), name),
			})
		}
		if matched == 0 && len(names) > 0 {
			f.log.Warnw("no archive file for day", "archive", a.Name, "day", day.Format("2006-01-02"))
		}
	}
	return out
}

// Status of one fetch.
type Status string

const (
	StatusDownloaded Status = "downloaded"
	StatusSkipped    Status = "skipped"
	StatusMissing    Status = "missing"
	StatusFailed     Status = "failed"
	StatusPlanned    Status = "planned"
)

// Result of one fetch.
type Result struct {
	Target Target
	Status Status
	Bytes  int64
	Err    error
}

// Options for a Fetcher. Zero values take defaults.
type Options struct {
	Timeout      time.Duration // per request, default 60s
	RatePerSec   float64       // default 2
	SkipExisting bool
	DryRun       bool
	UserAgent    string
	Log          *zap.SugaredLogger
}

// Fetcher downloads targets one at a time under a rate limit.
type Fetcher struct {
	client  *http.Client
	limiter *rate.Limiter
	opts    Options
	log     *zap.SugaredLogger
}

func New(opts Options) *Fetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = 2
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "ki7mt-keogram-lab"
	}
	return &Fetcher{
		client:  &http.Client{Timeout: opts.Timeout},
		limiter: rate.NewLimiter(rate.Limit(opts.RatePerSec), 1),
		opts:    opts,
		log:     common.OrNop(opts.Log),
	}
}

// Fetch downloads one target. The file appears at Dest only once the body
// has been read completely. A 404 is StatusMissing, not a failure.
func (f *Fetcher) Fetch(ctx context.Context, t Target) Result {
	res := Result{Target: t}
	if f.opts.SkipExisting {
		if info, err := os.Stat(t.Dest); err == nil && info.Size() > 0 {
			res.Status = StatusSkipped
			return res
		}
	}
	if f.opts.DryRun {
		res.Status = StatusPlanned
		return res
	}
	if err := f.limiter.Wait(ctx); err != nil {
		res.Status, res.Err = StatusFailed, err
		return res
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.URL, nil)
	if err != nil {
		res.Status, res.Err = StatusFailed, common.Wrap(err, "build request")
		return res
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		res.Status, res.Err = StatusFailed, common.Wrap(err, "HTTP GET failed")
		return res
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		res.Status, res.Err = StatusMissing, common.Markf(common.ErrNotFound, "not found (404)")
		return res
	}
	if resp.StatusCode != http.StatusOK {
		res.Status, res.Err = StatusFailed, common.Newf("HTTP %d: %s", resp.StatusCode, resp.Status)
		return res
	}

	err = common.WriteAtomic(t.Dest, func(w io.Writer) error {
		n, err := io.Copy(w, resp.Body)
		res.Bytes = n
		if err != nil {
			return common.Wrap(err, "download failed")
		}
		return nil
	})
	if err != nil {
		res.Status, res.Err = StatusFailed, err
		return res
	}
	res.Status = StatusDownloaded
	return res
}

// Summary tallies a run.
type Summary struct {
	Downloaded int
	Skipped    int
	Missing    int
	Planned    int
	Bytes      int64
	Failures   common.Failures
}

// Run fetches targets in order, stopping early when ctx is cancelled.
func (f *Fetcher) Run(ctx context.Context, targets []Target) *Summary {
	sum := &Summary{}
	for _, t := range targets {
		if ctx.Err() != nil {
			sum.Failures.Add(t.URL, ctx.Err())
			break
		}
		res := f.Fetch(ctx, t)
		switch res.Status {
		case StatusDownloaded:
			sum.Downloaded++
			sum.Bytes += res.Bytes
			f.log.Infow("downloaded", "file", filepath.Base(t.Dest), "bytes", res.Bytes)
		case StatusSkipped:
			sum.Skipped++
			f.log.Debugw("skip existing", "file", t.Dest)
		case StatusPlanned:
			sum.Planned++
			f.log.Infow("would download", "url", t.URL, "dest", t.Dest)
		case StatusMissing:
			sum.Missing++
			f.log.Warnw("not on server", "url", t.URL)
		default:
			sum.Failures.Add(t.URL, res.Err)
			f.log.Errorw("download failed", "url", t.URL, "error", res.Err)
		}
	}
	return sum
}
