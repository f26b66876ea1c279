// Package warehouse moves normalized magnetometer series in and out of
// ClickHouse. Inserts use ch-go native columnar blocks; reads go through
// clickhouse-go.
package warehouse

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/ch-go"
	"github.com/ClickHouse/ch-go/proto"
	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/KI7MT/ki7mt-keogram-lab/internal/common"
	"github.com/KI7MT/ki7mt-keogram-lab/internal/telemetry"
)

// DefaultFlushRows is the block size the exporter sends per insert.
const DefaultFlushRows = 50000

// TableFQN returns database.table from cfg.
func TableFQN(cfg *common.Config) string {
	return fmt.Sprintf("%s.%s", cfg.ClickHouseDatabase, cfg.ClickHouseTable)
}

// CreateTableSQL is the DDL for the sample table. ReplacingMergeTree on
// (instrument, component, time) collapses re-exported samples.
func CreateTableSQL(tableFQN string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    time        DateTime64(3, 'UTC'),
    instrument  LowCardinality(String),
    component   LowCardinality(String),
    value       Float64,
    source_file String
) ENGINE = ReplacingMergeTree
ORDER BY (instrument, component, time)`, tableFQN)
}

// SampleBatch holds column data for native insert.
type SampleBatch struct {
	Time       *proto.ColDateTime64
	Instrument *proto.ColLowCardinality[string]
	Component  *proto.ColLowCardinality[string]
	Value      *proto.ColFloat64
	SourceFile *proto.ColStr
}

func NewSampleBatch() *SampleBatch {
	return &SampleBatch{
		Time:       new(proto.ColDateTime64).WithPrecision(proto.PrecisionMilli),
		Instrument: new(proto.ColStr).LowCardinality(),
		Component:  new(proto.ColStr).LowCardinality(),
		Value:      new(proto.ColFloat64),
		SourceFile: new(proto.ColStr),
	}
}

func (b *SampleBatch) Reset() {
	b.Time.Reset()
	b.Instrument.Reset()
	b.Component.Reset()
	b.Value.Reset()
	b.SourceFile.Reset()
}

func (b *SampleBatch) Len() int {
	return b.Time.Rows()
}

func (b *SampleBatch) Input() proto.Input {
	return proto.Input{
		{Name: "time", Data: b.Time},
		{Name: "instrument", Data: b.Instrument},
		{Name: "component", Data: b.Component},
		{Name: "value", Data: b.Value},
		{Name: "source_file", Data: b.SourceFile},
	}
}

func (b *SampleBatch) AddRow(t time.Time, instrument telemetry.Instrument, component string, value float64, sourceFile string) {
	b.Time.Append(t)
	b.Instrument.Append(string(instrument))
	b.Component.Append(component)
	b.Value.Append(value)
	b.SourceFile.Append(sourceFile)
}

// Doer runs a native query; *ch.Client satisfies it.
type Doer interface {
	Do(ctx context.Context, q ch.Query) error
}

// Dial opens a native ch-go connection from cfg.
func Dial(ctx context.Context, cfg *common.Config) (*ch.Client, error) {
	conn, err := ch.Dial(ctx, ch.Options{
		Address:     cfg.ClickHouseHost,
		Database:    cfg.ClickHouseDatabase,
		User:        cfg.ClickHouseUser,
		Password:    cfg.ClickHousePassword,
		Compression: ch.CompressionLZ4,
	})
	if err != nil {
		return nil, common.Wrapf(err, "dial clickhouse %s", cfg.ClickHouseHost)
	}
	return conn, nil
}

// Exporter buffers samples and inserts them in blocks of FlushRows.
type Exporter struct {
	conn      Doer
	table     string
	batch     *SampleBatch
	FlushRows int

	inserted uint64
	flushes  int
}

func NewExporter(conn Doer, tableFQN string) *Exporter {
	return &Exporter{conn: conn, table: tableFQN, batch: NewSampleBatch(), FlushRows: DefaultFlushRows}
}

// CreateTable issues CreateTableSQL for the exporter's table.
func (e *Exporter) CreateTable(ctx context.Context) error {
	if err := e.conn.Do(ctx, ch.Query{Body: CreateTableSQL(e.table)}); err != nil {
		return common.Wrapf(err, "create %s", e.table)
	}
	return nil
}

// Add queues the valid samples of s, flushing whenever the batch is full.
// It returns the number of rows queued.
func (e *Exporter) Add(ctx context.Context, s *telemetry.Series, sourceFile string) (int, error) {
	rows := telemetry.Rows(s)
	for _, r := range rows {
		e.batch.AddRow(r.Time, s.Instrument, r.Component, r.Value, sourceFile)
		if e.FlushRows > 0 && e.batch.Len() >= e.FlushRows {
			if err := e.Flush(ctx); err != nil {
				return 0, err
			}
		}
	}
	return len(rows), nil
}

// Flush sends whatever is buffered.
func (e *Exporter) Flush(ctx context.Context) error {
	if e.batch.Len() == 0 {
		return nil
	}
	n := e.batch.Len()
	query := fmt.Sprintf("INSERT INTO %s (time, instrument, component, value, source_file) VALUES", e.table)
	if err := e.conn.Do(ctx, ch.Query{Body: query, Input: e.batch.Input()}); err != nil {
		return common.Wrapf(err, "insert %d rows into %s", n, e.table)
	}
	e.batch.Reset()
	e.inserted += uint64(n)
	e.flushes++
	return nil
}

// Inserted returns the rows sent so far and the number of inserts.
func (e *Exporter) Inserted() (uint64, int) { return e.inserted, e.flushes }

// Rows is the subset of driver.Rows the reader needs.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close() error
}

// Querier runs a query returning rows.
type Querier interface {
	Query(ctx context.Context, query string, args ...any) (Rows, error)
}

type connQuerier struct{ conn driver.Conn }

func (q connQuerier) Query(ctx context.Context, query string, args ...any) (Rows, error) {
	return q.conn.Query(ctx, query, args...)
}

// Open connects with clickhouse-go and returns a Querier plus the
// connection for closing.
func Open(ctx context.Context, cfg *common.Config) (Querier, driver.Conn, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.ClickHouseHost},
		Auth: clickhouse.Auth{
			Database: cfg.ClickHouseDatabase,
			Username: cfg.ClickHouseUser,
			Password: cfg.ClickHousePassword,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		MaxOpenConns:    2,
		MaxIdleConns:    1,
		ConnMaxLifetime: time.Hour,
	})
	if err != nil {
		return nil, nil, common.Wrap(err, "clickhouse open")
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, nil, common.Wrap(err, "clickhouse ping")
	}
	return connQuerier{conn: conn}, conn, nil
}

// Reader loads series back out of the sample table.
type Reader struct {
	Conn  Querier
	Table string
}

// Series returns src's samples in [from, to), regrouped through the same
// merge path as file loads.
func (r *Reader) Series(ctx context.Context, src telemetry.Source, from, to time.Time) (*telemetry.Series, *telemetry.ParseStats, error) {
	query := fmt.Sprintf(
		"SELECT time, component, value FROM %s FINAL WHERE instrument = ? AND time >= ? AND time < ? ORDER BY time",
		r.Table)
	rows, err := r.Conn.Query(ctx, query, string(src.Instrument()), from.UTC(), to.UTC())
	if err != nil {
		return nil, nil, common.Wrapf(err, "query %s", r.Table)
	}
	defer rows.Close()

	var long []telemetry.LongRow
	for rows.Next() {
		var row telemetry.LongRow
		if err := rows.Scan(&row.Time, &row.Component, &row.Value); err != nil {
			return nil, nil, common.Wrap(err, "scan row")
		}
		long = append(long, row)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, common.Wrap(err, "read rows")
	}
	return telemetry.FromRows(src, long)
}
