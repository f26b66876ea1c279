package telemetry

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/KI7MT/ki7mt-keogram-lab/internal/common"
)

// RawRecord is one archive record before normalization. Field names are
// lower-cased; an empty value means the archive carried null or nothing.
type RawRecord struct {
	Fields map[string]string
	Unit   string // file-level unit hint, may be empty
	Line   int
}

// Source is the normalization contract every instrument implements.
type Source interface {
	Instrument() Instrument
	Components() []string
	Cadence() time.Duration
	// MatchFile reports whether a file name belongs to this source and
	// which UTC day it covers.
	MatchFile(name string) (time.Time, bool)
	// Normalize converts one raw record into a Sample in nT. It returns
	// an error marked common.ErrMalformedRecord for unparsable records,
	// errGap for fill values and errFiltered for records of another platform.
	Normalize(rec RawRecord) (Sample, error)
}

var (
	errGap      = common.New("fill value")
	errFiltered = common.New("filtered record")
)

// fieldSource is a table-driven Source: the per-instrument knowledge lives
// in its configuration, not in branches.
type fieldSource struct {
	instrument Instrument
	components []string
	fields     [][]string // accepted field names per component
	cadence    time.Duration
	fileTags   []string
	keep       func(RawRecord) bool
	nc         ncLayout
}

// DefaultCoords is the DSCOVR frame plotted and exported unless asked
// otherwise. The NGDC archive files and the SWPC products carry both.
const DefaultCoords = "gse"

// DSCOVR returns the DSCOVR magnetometer source. coords selects "gse" or
// "gsm" field names; the components are always Bx, By, Bz.
func DSCOVR(coords string) Source {
	coords = strings.ToLower(coords)
	if coords != "gsm" {
		coords = DefaultCoords
	}
	return &fieldSource{
		instrument: InstrumentDSCOVR,
		components: []string{"Bx", "By", "Bz"},
		fields: [][]string{
			{"bx_" + coords, "bx"},
			{"by_" + coords, "by"},
			{"bz_" + coords, "bz"},
		},
		cadence:  time.Minute,
		fileTags: []string{"dscovr"},
		nc: ncLayout{
			time:    []string{"time"},
			scalars: []string{"bx_" + coords, "by_" + coords, "bz_" + coords},
		},
	}
}

// GOES18 returns the GOES-18 magnetometer source (Hp, He, Hn). Records
// tagged with another satellite number are filtered. In the NGDC L1b files
// the field is OB_mag_EPN, whose columns are ordered E, P, N.
func GOES18() Source {
	return &fieldSource{
		instrument: InstrumentGOES18,
		components: []string{"Hp", "He", "Hn"},
		fields:     [][]string{{"hp"}, {"he"}, {"hn"}},
		cadence:    time.Minute,
		fileTags:   []string{"goes18", "goes-18", "g18"},
		nc: ncLayout{
			time:    []string{"OB_time"},
			vectors: map[string][]string{"OB_mag_EPN": {"he", "hp", "hn"}},
		},
		keep: func(rec RawRecord) bool {
			sat, ok := rec.Fields["satellite"]
			if !ok || sat == "" {
				return true
			}
			n, err := strconv.ParseFloat(sat, 64)
			return err == nil && int(n) == 18
		},
	}
}

// SourceFor resolves a source by instrument name.
func SourceFor(name string) (Source, bool) {
	switch strings.ToLower(name) {
	case "dscovr":
		return DSCOVR(DefaultCoords), true
	case "dscovr-gsm":
		return DSCOVR("gsm"), true
	case "dscovr-gse":
		return DSCOVR("gse"), true
	case "goes18", "goes-18", "goes":
		return GOES18(), true
	}
	return nil, false
}

func (s *fieldSource) Instrument() Instrument { return s.instrument }
func (s *fieldSource) Components() []string   { return s.components }
func (s *fieldSource) Cadence() time.Duration { return s.cadence }
func (s *fieldSource) netCDF() ncLayout       { return s.nc }

var dayToken = regexp.MustCompile(`(?:^|\D)((?:19|20)\d{2}(?:0[1-9]|1[0-2])(?:0[1-9]|[12]\d|3[01]))`)

func (s *fieldSource) MatchFile(name string) (time.Time, bool) {
	lower := strings.ToLower(name)
	idx := -1
	for _, tag := range s.fileTags {
		if i := strings.Index(lower, tag); i >= 0 {
			idx = i + len(tag)
			break
		}
	}
	if idx < 0 {
		return time.Time{}, false
	}
	m := dayToken.FindStringSubmatch(lower[idx:])
	if m == nil {
		return time.Time{}, false
	}
	day, err := time.ParseInLocation("20060102", m[1], time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return day, true
}

func (s *fieldSource) Normalize(rec RawRecord) (Sample, error) {
	if s.keep != nil && !s.keep(rec) {
		return Sample{}, errFiltered
	}

	ts, err := parseTimeTag(rec.Fields)
	if err != nil {
		return Sample{}, err
	}

	unit := rec.Unit
	if u, ok := rec.Fields["units"]; ok && u != "" {
		unit = u
	} else if u, ok := rec.Fields["unit"]; ok && u != "" {
		unit = u
	}
	scale, err := unitScale(unit)
	if err != nil {
		return Sample{}, err
	}

	vals := make([]float64, len(s.components))
	for i, names := range s.fields {
		raw, found := lookup(rec.Fields, names)
		if !found {
			return Sample{}, common.Markf(common.ErrMalformedRecord, "line %d: no field for %s", rec.Line, s.components[i])
		}
		if isFill(raw) {
			return Sample{}, errGap
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Sample{}, common.Markf(common.ErrMalformedRecord, "line %d: %s value %q", rec.Line, s.components[i], raw)
		}
		if math.IsNaN(v) {
			return Sample{}, errGap
		}
		vals[i] = v * scale
	}
	return Sample{Time: ts, Values: vals, Quality: Valid}, nil
}

func lookup(fields map[string]string, names []string) (string, bool) {
	for _, n := range names {
		if v, ok := fields[n]; ok {
			return strings.TrimSpace(v), true
		}
	}
	return "", false
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
}

func parseTimeTag(fields map[string]string) (time.Time, error) {
	raw, ok := lookup(fields, []string{"time_tag", "time", "timestamp"})
	if !ok || raw == "" {
		return time.Time{}, common.Markf(common.ErrMalformedRecord, "missing time tag")
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, common.Markf(common.ErrMalformedRecord, "unparsable time tag %q", raw)
}

// isFill reports archive fill markers, which denote gaps rather than bad data.
func isFill(raw string) bool {
	switch strings.ToLower(raw) {
	case "", "null", "nan", "none", "-99999", "-99999.0", "-9999.99", "-99999.99":
		return true
	}
	return false
}

// unitScale returns the factor that converts a value in unit to nT.
func unitScale(unit string) (float64, error) {
	switch strings.TrimSpace(unit) {
	case "", "nT", "nt", "gamma":
		return 1, nil
	case "pT", "pt":
		return 1e-3, nil
	case "uT", "µT", "ut":
		return 1e3, nil
	case "mT":
		return 1e6, nil
	case "T":
		return 1e9, nil
	}
	return 0, common.Markf(common.ErrMalformedRecord, "unknown unit %q", unit)
}
