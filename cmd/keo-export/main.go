// keo-export - Normalize magnetometer archives into caches and ClickHouse
//
// Loads raw SWPC JSON/CSV or NGDC netCDF (optionally gzip/zstd compressed)
// for GOES-18 and DSCOVR, then per day:
//   - writes a normalized cache (Parquet or mebo) that later loads read
//     instead of the raw files
//   - inserts the samples into ClickHouse with native columnar blocks
//
// Build: CGO_ENABLED=0 go build -ldflags="-s -w" -o build/keo-export ./cmd/keo-export

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ClickHouse/ch-go"

	"github.com/KI7MT/ki7mt-keogram-lab/internal/common"
	"github.com/KI7MT/ki7mt-keogram-lab/internal/telemetry"
	"github.com/KI7MT/ki7mt-keogram-lab/internal/warehouse"
)

// Version can be overridden at build time via -ldflags
var Version = "1.0.0"

func main() {
	configPath := flag.String("config", "", "TOML config file (optional)")
	instruments := flag.String("instruments", "goes18,dscovr", "Instruments to export, comma separated")
	coords := flag.String("coords", telemetry.DefaultCoords, "DSCOVR coordinate system: gse or gsm")
	date := flag.String("date", "", "Single day (YYYY-MM-DD)")
	month := flag.String("month", "", "Whole month (YYYY-MM)")
	from := flag.String("from", "", "First day of range (YYYY-MM-DD)")
	to := flag.String("to", "", "Last day of range (YYYY-MM-DD, default --from)")
	cacheFormat := flag.String("cache", "parquet", "Cache format: parquet, mebo or none")
	cacheDir := flag.String("cache-dir", "", "Cache directory (default <data>/cache)")
	toClickHouse := flag.Bool("clickhouse", false, "Insert samples into ClickHouse")
	chHost := flag.String("ch-host", "", "ClickHouse address (default from config)")
	truncate := flag.Bool("truncate", false, "Truncate table before insert")
	flushRows := flag.Int("flush-rows", warehouse.DefaultFlushRows, "Rows per ClickHouse insert block")
	logLevel := flag.String("log-level", "", "Log level (default from config)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "keo-export v%s - Magnetometer Cache and Warehouse Export\n\n", Version)
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTIONS]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Writes normalized per-day caches and/or ClickHouse rows.\n\n")
		fmt.Fprintf(os.Stderr, "Supported inputs:\n")
		fmt.Fprintf(os.Stderr, "  - SWPC JSON (object list or header-row table)\n")
		fmt.Fprintf(os.Stderr, "  - CSV with a header row\n")
		fmt.Fprintf(os.Stderr, "  - NGDC netCDF (GOES MAG L1b, DSCOVR m1m)\n")
		fmt.Fprintf(os.Stderr, "  - any of the above as .gz or .zst\n\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	cfg, err := common.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Config error: %v", err)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *chHost != "" {
		cfg.ClickHouseHost = *chHost
	}
	logger, err := common.NewLogger(cfg.LogLevel, cfg.LogJSON)
	if err != nil {
		log.Fatalf("Logger error: %v", err)
	}
	defer logger.Sync()

	first, last, err := common.ResolveRange(*date, *month, *from, *to)
	if err != nil {
		flag.Usage()
		log.Fatalf("%v", err)
	}
	if *cacheFormat != "parquet" && *cacheFormat != "mebo" && *cacheFormat != "none" {
		log.Fatalf("unknown cache format %q", *cacheFormat)
	}
	if *cacheFormat == "none" && !*toClickHouse {
		log.Fatalf("nothing to do: --cache none without --clickhouse")
	}
	if *cacheDir == "" {
		*cacheDir = cfg.Resolve("cache")
	}

	type job struct {
		src  telemetry.Source
		root string
	}
	var jobs []job
	for _, name := range strings.Split(*instruments, ",") {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "dscovr" {
			name += "-" + *coords
		}
		src, ok := telemetry.SourceFor(name)
		if !ok {
			log.Fatalf("unknown instrument %q", name)
		}
		root := cfg.Resolve(cfg.GOESDir)
		if src.Instrument() == telemetry.InstrumentDSCOVR {
			root = cfg.Resolve(cfg.DSCOVRDir)
		}
		jobs = append(jobs, job{src, root})
	}

	log.Println("=========================================================")
	log.Printf("Keogram Export v%s", Version)
	log.Println("=========================================================")
	log.Printf("Range:     %s .. %s", first.Format("2006-01-02"), last.Format("2006-01-02"))
	log.Printf("Cache:     %s (%s)", *cacheDir, *cacheFormat)
	if *toClickHouse {
		log.Printf("Table:     %s @ %s", warehouse.TableFQN(cfg), cfg.ClickHouseHost)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("\nShutdown requested...")
		cancel()
	}()

	var exporter *warehouse.Exporter
	if *toClickHouse {
		log.Printf("Connecting to ClickHouse at %s...", cfg.ClickHouseHost)
		conn, err := warehouse.Dial(ctx, cfg)
		if err != nil {
			log.Fatalf("ClickHouse connection failed: %v", err)
		}
		defer conn.Close()

		exporter = warehouse.NewExporter(conn, warehouse.TableFQN(cfg))
		exporter.FlushRows = *flushRows
		if err := exporter.CreateTable(ctx); err != nil {
			log.Fatalf("%v", err)
		}
		if *truncate {
			log.Printf("Truncating table %s...", warehouse.TableFQN(cfg))
			if err := conn.Do(ctx, ch.Query{Body: fmt.Sprintf("TRUNCATE TABLE %s", warehouse.TableFQN(cfg))}); err != nil {
				log.Printf("Truncate warning: %v", err)
			}
		}
	}

	stats := common.NewStats(os.Stderr)
	var failures common.Failures
	stats.StartReporter(10 * time.Second)

	startTime := time.Now()
	var queued int
	for _, j := range jobs {
		loader := telemetry.NewLoader(j.src, logger)
		for _, day := range common.Days(first, last) {
			if ctx.Err() != nil {
				break
			}
			unit := fmt.Sprintf("%s %s", j.src.Instrument(), day.Format("2006-01-02"))
			stats.AddUnits(1)

			paths, err := telemetry.Discover(j.root, j.src, day, day)
			if err != nil {
				failures.Add(unit, err)
				continue
			}
			if len(paths) == 0 {
				logger.Debugw("no files", "unit", unit)
				continue
			}
			series, ps, err := loader.Load(paths...)
			if ps != nil {
				stats.AddParsed(uint64(ps.Parsed))
				stats.AddDropped(uint64(ps.Malformed))
			}
			if err != nil {
				logger.Errorw("load failed", "unit", unit, "kind", common.Kind(err), "error", err)
				failures.Add(unit, err)
				continue
			}
			series = series.Window(day, day.AddDate(0, 0, 1))
			if series.Len() == 0 {
				logger.Warnw("files hold no samples for their day", "unit", unit)
				continue
			}

			if *cacheFormat != "none" {
				path := cachePath(*cacheDir, j.src.Instrument(), day, *cacheFormat)
				if *cacheFormat == "mebo" {
					err = telemetry.WriteMebo(path, series)
				} else {
					err = telemetry.WriteParquet(path, series)
				}
				if err != nil {
					failures.Add(unit, err)
					continue
				}
				stats.AddOutputs(1)
				logger.Infow("cache written", "unit", unit, "samples", series.Len(), "file", filepath.Base(path))
			}

			if exporter != nil {
				n, err := exporter.Add(ctx, series, filepath.Base(paths[len(paths)-1]))
				if err != nil {
					logger.Errorw("insert failed", "unit", unit, "error", err)
					failures.Add(unit, err)
					continue
				}
				queued += n
			}
		}
	}

	if exporter != nil {
		if err := exporter.Flush(ctx); err != nil {
			failures.Add("flush", err)
		}
		rows, blocks := exporter.Inserted()
		log.Printf("Inserted %d rows in %d blocks (%d queued)", rows, blocks, queued)
	}

	stats.StopReporter()
	elapsed := time.Since(startTime)

	log.Println()
	stats.PrintSummary(os.Stderr, "Final Statistics")
	_, parsed, _, _, _, _ := stats.Snapshot()
	log.Printf("Rate:          %.0f records/sec", float64(parsed)/elapsed.Seconds())
	failures.Print(os.Stderr)

	if failures.Len() > 0 || ctx.Err() != nil {
		os.Exit(1)
	}
}

// cachePath lays caches out like the raw archives so Discover finds them:
// <dir>/<instrument>/YYYY/MM/<instrument>_YYYYMMDD.<ext>.
func cachePath(dir string, inst telemetry.Instrument, day time.Time, format string) string {
	name := fmt.Sprintf("%s_%s.%s", inst, day.Format("20060102"), format)
	return filepath.Join(dir, string(inst), day.Format("2006"), day.Format("01"), name)
}
