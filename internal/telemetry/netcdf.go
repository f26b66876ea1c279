package telemetry

import (
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/batchatco/go-native-netcdf/netcdf"
	"github.com/batchatco/go-native-netcdf/netcdf/api"

	"github.com/KI7MT/ki7mt-keogram-lab/internal/common"
)

// ncLayout names the variables of one instrument's netCDF archive files.
type ncLayout struct {
	time    []string            // time variable, first present wins
	scalars []string            // (time) variables, read under their lower-cased name
	vectors map[string][]string // (time, n) variables, one field name per column
}

// ncVar is one variable read from a netCDF file.
type ncVar struct {
	values interface{}
	attrs  map[string]interface{}
}

// ncFile is the part of an open netCDF file the decoder needs.
type ncFile interface {
	variable(name string) (ncVar, bool)
}

type nativeFile struct{ g api.Group }

func (f nativeFile) variable(name string) (ncVar, bool) {
	vr, err := f.g.GetVariable(name)
	if err != nil || vr == nil {
		return ncVar{}, false
	}
	v := ncVar{values: vr.Values, attrs: map[string]interface{}{}}
	if vr.Attributes != nil {
		for _, key := range []string{"units", "_FillValue", "missing_value"} {
			if val, ok := vr.Attributes.Get(key); ok {
				v.attrs[key] = val
			}
		}
	}
	return v, true
}

// openNetCDF opens a netCDF-3 or netCDF-4 file. The reader needs a plain
// file, so .gz and .zst inputs are first expanded to a temporary copy.
func openNetCDF(path string, parallelThreshold int64) (ncFile, func(), error) {
	name := path
	cleanup := func() {}

	lower := strings.ToLower(path)
	if strings.HasSuffix(lower, ".gz") || strings.HasSuffix(lower, ".zst") {
		rc, err := openInput(path, parallelThreshold)
		if err != nil {
			return nil, nil, err
		}
		tmp, err := os.CreateTemp("", "keo-*.nc")
		if err != nil {
			rc.Close()
			return nil, nil, common.Wrap(err, "create temp file")
		}
		_, err = io.Copy(tmp, rc)
		rc.Close()
		if cerr := tmp.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(tmp.Name())
			return nil, nil, common.Wrapf(err, "expand %s", path)
		}
		name = tmp.Name()
		cleanup = func() { os.Remove(name) }
	}

	g, err := netcdf.Open(name)
	if err != nil {
		cleanup()
		return nil, nil, common.Wrapf(err, "open netcdf %s", path)
	}
	return nativeFile{g}, func() { g.Close(); cleanup() }, nil
}

type ncColumn struct {
	field string
	vals  []float64
	fill  float64
	fills bool
}

// eachNetCDFRecord turns every time step of f into a RawRecord carrying the
// same field names the JSON and CSV archives use, so Normalize applies
// unchanged. The record's map is reused between calls. A missing variable
// or a length mismatch fails the whole file.
func eachNetCDFRecord(f ncFile, lay ncLayout, fn func(RawRecord)) error {
	var tv ncVar
	found := false
	for _, name := range lay.time {
		if tv, found = f.variable(name); found {
			break
		}
	}
	if !found {
		return common.Newf("no time variable (%s)", strings.Join(lay.time, ", "))
	}
	raw, ok := floats1(tv.values)
	if !ok {
		return common.Newf("time variable has unsupported type %T", tv.values)
	}
	units, _ := tv.attrs["units"].(string)
	epoch, step, err := parseTimeUnits(units)
	if err != nil {
		return err
	}

	var cols []ncColumn
	unit := ""
	add := func(v ncVar, field string, vals []float64) {
		c := ncColumn{field: field, vals: vals}
		c.fill, c.fills = fillValue(v.attrs)
		cols = append(cols, c)
		if u, ok := v.attrs["units"].(string); ok && unit == "" {
			unit = strings.TrimSpace(u)
		}
	}
	for _, name := range lay.scalars {
		v, ok := f.variable(name)
		if !ok {
			return common.Newf("missing variable %s", name)
		}
		vals, ok := floats1(v.values)
		if !ok {
			return common.Newf("variable %s has unsupported type %T", name, v.values)
		}
		add(v, strings.ToLower(name), vals)
	}
	for name, fields := range lay.vectors {
		v, ok := f.variable(name)
		if !ok {
			return common.Newf("missing variable %s", name)
		}
		rows, ok := floats2(v.values)
		if !ok {
			return common.Newf("variable %s has unsupported type %T", name, v.values)
		}
		for j, field := range fields {
			vals := make([]float64, len(rows))
			for i, row := range rows {
				if j >= len(row) {
					return common.Newf("variable %s has %d columns, want %d", name, len(row), len(fields))
				}
				vals[i] = row[j]
			}
			add(v, field, vals)
		}
	}
	for _, c := range cols {
		if len(c.vals) != len(raw) {
			return common.Newf("%s has %d values for %d time steps", c.field, len(c.vals), len(raw))
		}
	}

	fields := map[string]string{}
	for i, t := range raw {
		fields["time_tag"] = ""
		if !math.IsNaN(t) {
			at := epoch.Add(time.Duration(math.Round(t*float64(step)/1e3)) * time.Microsecond)
			fields["time_tag"] = at.UTC().Format(time.RFC3339Nano)
		}
		for _, c := range cols {
			v := c.vals[i]
			if math.IsNaN(v) || (c.fills && sameValue(v, c.fill)) {
				fields[c.field] = ""
				continue
			}
			fields[c.field] = strconv.FormatFloat(v, 'g', -1, 64)
		}
		fn(RawRecord{Fields: fields, Unit: unit, Line: i + 1})
	}
	return nil
}

// parseTimeUnits reads CF time units such as "seconds since 2000-01-01
// 12:00:00" or "milliseconds since 1970-01-01T00:00:00Z".
func parseTimeUnits(units string) (time.Time, time.Duration, error) {
	i := strings.Index(strings.ToLower(units), " since ")
	if i < 0 {
		return time.Time{}, 0, common.Newf("unsupported time units %q", units)
	}
	var step time.Duration
	switch strings.ToLower(strings.TrimSpace(units[:i])) {
	case "days", "day", "d":
		step = 24 * time.Hour
	case "hours", "hour", "hr", "h":
		step = time.Hour
	case "minutes", "minute", "min":
		step = time.Minute
	case "seconds", "second", "secs", "sec", "s":
		step = time.Second
	case "milliseconds", "millisecond", "msec", "ms":
		step = time.Millisecond
	case "microseconds", "microsecond", "usec", "us":
		step = time.Microsecond
	default:
		return time.Time{}, 0, common.Newf("unsupported time units %q", units)
	}

	ref := strings.TrimSpace(units[i+len(" since "):])
	ref = strings.TrimSpace(strings.TrimSuffix(strings.TrimSuffix(ref, "UTC"), "utc"))
	for _, layout := range []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05.999999999Z",
		"2006-01-02T15:04:05.999999999",
		"2006-01-02 15:04:05.999999999",
		"2006-01-02 15:04:05.999999999Z",
		"2006-01-02",
	} {
		if t, err := time.ParseInLocation(layout, ref, time.UTC); err == nil {
			return t.UTC(), step, nil
		}
	}
	return time.Time{}, 0, common.Newf("unsupported time origin %q", ref)
}

func fillValue(attrs map[string]interface{}) (float64, bool) {
	for _, key := range []string{"_FillValue", "missing_value"} {
		if v, ok := attrs[key]; ok {
			if vals, ok := floats1(v); ok && len(vals) > 0 {
				return vals[0], true
			}
			if f, ok := scalar(v); ok {
				return f, true
			}
		}
	}
	return 0, false
}

func sameValue(a, b float64) bool {
	return a == b || math.Abs(a-b) <= 1e-6*math.Abs(b)
}

func scalar(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int64:
		return float64(x), true
	case int32:
		return float64(x), true
	case int16:
		return float64(x), true
	case int8:
		return float64(x), true
	case int:
		return float64(x), true
	}
	return 0, false
}

func floats1(v interface{}) ([]float64, bool) {
	switch x := v.(type) {
	case []float64:
		return x, true
	case []float32:
		out := make([]float64, len(x))
		for i, f := range x {
			out[i] = float64(f)
		}
		return out, true
	case []int64:
		out := make([]float64, len(x))
		for i, n := range x {
			out[i] = float64(n)
		}
		return out, true
	case []int32:
		out := make([]float64, len(x))
		for i, n := range x {
			out[i] = float64(n)
		}
		return out, true
	case []int16:
		out := make([]float64, len(x))
		for i, n := range x {
			out[i] = float64(n)
		}
		return out, true
	}
	return nil, false
}

func floats2(v interface{}) ([][]float64, bool) {
	switch x := v.(type) {
	case [][]float64:
		return x, true
	case [][]float32:
		out := make([][]float64, len(x))
		for i, row := range x {
			out[i], _ = floats1(row)
		}
		return out, true
	case [][]int32:
		out := make([][]float64, len(x))
		for i, row := range x {
			out[i], _ = floats1(row)
		}
		return out, true
	case [][]int16:
		out := make([][]float64, len(x))
		for i, row := range x {
			out[i], _ = floats1(row)
		}
		return out, true
	}
	return nil, false
}
