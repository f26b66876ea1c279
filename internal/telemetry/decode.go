package telemetry

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"

	"github.com/KI7MT/ki7mt-keogram-lab/internal/common"
)

// Format of a telemetry file after decompression.
type Format string

const (
	FormatJSON    Format = "json"
	FormatCSV     Format = "csv"
	FormatParquet Format = "parquet"
	FormatMebo    Format = "mebo"
	FormatNetCDF  Format = "netcdf"
	FormatUnknown Format = "unknown"
)

// DefaultParallelGzipThreshold selects the parallel gzip reader for
// compressed inputs at least this large.
const DefaultParallelGzipThreshold = 8 << 20

// DetectFormat classifies a path by its extensions, ignoring a trailing
// compression suffix.
func DetectFormat(path string) Format {
	base := strings.ToLower(filepath.Base(path))
	base = strings.TrimSuffix(base, ".gz")
	base = strings.TrimSuffix(base, ".zst")
	switch filepath.Ext(base) {
	case ".json":
		return FormatJSON
	case ".csv", ".txt":
		return FormatCSV
	case ".parquet":
		return FormatParquet
	case ".mebo":
		return FormatMebo
	case ".nc":
		return FormatNetCDF
	}
	return FormatUnknown
}

type multiCloser struct {
	io.Reader
	closers []io.Closer
}

func (m *multiCloser) Close() error {
	var first error
	for i := len(m.closers) - 1; i >= 0; i-- {
		if err := m.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// openInput opens path and unwraps .gz or .zst compression. Large gzip
// files use the parallel pgzip reader.
func openInput(path string, parallelThreshold int64) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	lower := strings.ToLower(path)

	switch {
	case strings.HasSuffix(lower, ".gz"):
		info, err := f.Stat()
		if err != nil {
			f.Close()
			return nil, err
		}
		if parallelThreshold > 0 && info.Size() >= parallelThreshold {
			gz, err := pgzip.NewReaderN(f, 256*1024, runtime.NumCPU())
			if err != nil {
				f.Close()
				return nil, common.Wrap(err, "pgzip open")
			}
			return &multiCloser{Reader: gz, closers: []io.Closer{f, gz}}, nil
		}
		gz, err := gzip.NewReader(bufio.NewReaderSize(f, 64*1024))
		if err != nil {
			f.Close()
			return nil, common.Wrap(err, "gzip open")
		}
		return &multiCloser{Reader: gz, closers: []io.Closer{f, gz}}, nil

	case strings.HasSuffix(lower, ".zst"):
		zr, err := zstd.NewReader(f)
		if err != nil {
			f.Close()
			return nil, common.Wrap(err, "zstd open")
		}
		return &multiCloser{Reader: zr, closers: []io.Closer{f, zstdCloser{zr}}}, nil
	}
	return f, nil
}

type zstdCloser struct{ d *zstd.Decoder }

func (z zstdCloser) Close() error { z.d.Close(); return nil }

// decodeRaw reads every record of a JSON or CSV archive.
func decodeRaw(r io.Reader, format Format) ([]RawRecord, error) {
	switch format {
	case FormatJSON:
		return decodeJSON(r)
	case FormatCSV:
		return decodeCSV(r)
	}
	return nil, fmt.Errorf("format %s has no raw decoder", format)
}

// decodeJSON accepts both SWPC layouts: an array of objects, or an array
// of arrays whose first row is the header.
func decodeJSON(r io.Reader) ([]RawRecord, error) {
	var rows []json.RawMessage
	if err := json.NewDecoder(r).Decode(&rows); err != nil {
		return nil, common.Wrap(err, "decode json")
	}
	if len(rows) == 0 {
		return nil, nil
	}

	if first := bytes.TrimSpace(rows[0]); len(first) > 0 && first[0] == '[' {
		return decodeJSONTable(rows)
	}

	out := make([]RawRecord, 0, len(rows))
	for i, raw := range rows {
		rec := RawRecord{Fields: map[string]string{}, Line: i + 1}
		var obj map[string]interface{}
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&obj); err == nil {
			for k, v := range obj {
				rec.Fields[strings.ToLower(k)] = jsonScalar(v)
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

func decodeJSONTable(rows []json.RawMessage) ([]RawRecord, error) {
	var header []string
	if err := json.Unmarshal(rows[0], &header); err != nil {
		return nil, common.Wrap(err, "decode json header row")
	}
	for i := range header {
		header[i] = strings.ToLower(strings.TrimSpace(header[i]))
	}

	out := make([]RawRecord, 0, len(rows)-1)
	for i, raw := range rows[1:] {
		rec := RawRecord{Fields: map[string]string{}, Line: i + 2}
		var cells []interface{}
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&cells); err == nil {
			for j, c := range cells {
				if j < len(header) {
					rec.Fields[header[j]] = jsonScalar(c)
				}
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

func jsonScalar(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case json.Number:
		return x.String()
	case string:
		return x
	case bool:
		if x {
			return "true"
		}
		return "false"
	}
	return fmt.Sprint(v)
}

// decodeCSV reads a header-first CSV. Lines starting with '#' are comments;
// a "# units: pT" comment sets the unit hint for the whole file.
func decodeCSV(r io.Reader) ([]RawRecord, error) {
	br := bufio.NewReader(r)
	var body bytes.Buffer
	unit := ""
	line := 0
	lineOf := []int{}
	for {
		text, err := br.ReadString('\n')
		if len(text) > 0 {
			line++
			trimmed := strings.TrimSpace(text)
			switch {
			case trimmed == "":
			case strings.HasPrefix(trimmed, "#"):
				c := strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
				if k, v, ok := strings.Cut(c, ":"); ok && strings.EqualFold(strings.TrimSpace(k), "units") {
					unit = strings.TrimSpace(v)
				}
			default:
				body.WriteString(text)
				if !strings.HasSuffix(text, "\n") {
					body.WriteByte('\n')
				}
				lineOf = append(lineOf, line)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}

	cr := csv.NewReader(&body)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.LazyQuotes = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, common.Wrap(err, "read csv header")
	}
	for i := range header {
		header[i] = strings.ToLower(strings.TrimSpace(header[i]))
	}

	var out []RawRecord
	row := 1
	for {
		cells, err := cr.Read()
		if err == io.EOF {
			break
		}
		rec := RawRecord{Fields: map[string]string{}, Unit: unit}
		if row < len(lineOf) {
			rec.Line = lineOf[row]
		}
		row++
		if err == nil {
			for j, c := range cells {
				if j < len(header) {
					rec.Fields[header[j]] = strings.TrimSpace(c)
				}
			}
		}
		out = append(out, rec)
	}
	return out, nil
}
