package telemetry

import (
	"bufio"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/KI7MT/ki7mt-keogram-lab/internal/common"
)

const dstMissing = 9999

// ParseDst reads a WDC Kyoto quick-look Dst file for one month. Each
// "DST" line holds one day: the day number at columns 8-9, a base value,
// then 24 hourly values of four characters each. 9999 marks a missing hour.
func ParseDst(r io.Reader, year int, month time.Month) (*Series, error) {
	series := &Series{
		Instrument: InstrumentDst,
		Components: []string{"Dst"},
		Unit:       Unit,
		Cadence:    time.Hour,
	}
	last := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, -1).Day()

	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		if !strings.HasPrefix(line, "DST") || len(line) < 20 {
			continue
		}
		day, err := strconv.Atoi(strings.TrimSpace(line[8:10]))
		if err != nil || day < 1 || day > last {
			return nil, common.Markf(common.ErrMalformedRecord, "line %d: bad day %q", lineNo, line[8:10])
		}
		hourly, err := dstHours(line)
		if err != nil {
			return nil, common.Wrapf(err, "line %d", lineNo)
		}
		for h, v := range hourly {
			if v == dstMissing {
				continue
			}
			series.Samples = append(series.Samples, Sample{
				Time:    time.Date(year, month, day, h, 0, 0, 0, time.UTC),
				Values:  []float64{float64(v)},
				Quality: Valid,
			})
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(series.Samples) == 0 {
		return nil, common.Markf(common.ErrEmptyResult, "no Dst values for %04d-%02d", year, int(month))
	}
	sort.SliceStable(series.Samples, func(i, j int) bool {
		return series.Samples[i].Time.Before(series.Samples[j].Time)
	})
	return series, nil
}

// dstHours extracts the 24 hourly values. The fixed-width layout is tried
// first because large negative values run into each other.
func dstHours(line string) ([]int, error) {
	if len(line) >= 20+24*4 {
		out := make([]int, 24)
		ok := true
		for h := 0; h < 24; h++ {
			cell := strings.TrimSpace(line[20+h*4 : 24+h*4])
			v, err := strconv.Atoi(cell)
			if err != nil {
				ok = false
				break
			}
			out[h] = v
		}
		if ok {
			return out, nil
		}
	}

	fields := strings.Fields(line[16:])
	if len(fields) < 25 {
		return nil, common.Markf(common.ErrMalformedRecord, "want 25 values, got %d", len(fields))
	}
	out := make([]int, 24)
	for h := 0; h < 24; h++ {
		v, err := strconv.Atoi(fields[h+1])
		if err != nil {
			return nil, common.Markf(common.ErrMalformedRecord, "hour %02d value %q", h, fields[h+1])
		}
		out[h] = v
	}
	return out, nil
}
