// keo-overlay - Overlay GOES-18 Hp and DSCOVR Bz on daily keograms
//
// Renders, for every day in the requested range that has a keogram, the
// keogram strip above one panel per magnetometer trace with a shared UT
// axis. Full mode uses the 24 h keograms; partial mode uses the hour-window
// keograms and crops to their window (or to --hours).
//
// A day without GOES-18 samples is skipped and reported; missing DSCOVR
// data leaves its panel empty.
//
// Build: CGO_ENABLED=0 go build -ldflags="-s -w" -o build/keo-overlay ./cmd/keo-overlay

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

	"go.uber.org/zap"

	"github.com/KI7MT/ki7mt-keogram-lab/internal/align"
	"github.com/KI7MT/ki7mt-keogram-lab/internal/common"
	"github.com/KI7MT/ki7mt-keogram-lab/internal/keogram"
	"github.com/KI7MT/ki7mt-keogram-lab/internal/render"
	"github.com/KI7MT/ki7mt-keogram-lab/internal/telemetry"
	"github.com/KI7MT/ki7mt-keogram-lab/internal/warehouse"
)

// Version can be overridden at build time via -ldflags
var Version = "1.0.0"

func main() {
	configPath := flag.String("config", "", "TOML config file (optional)")
	modeFlag := flag.String("mode", "full", "Overlay mode: full or partial")
	date := flag.String("date", "", "Single day (YYYY-MM-DD)")
	month := flag.String("month", "", "Whole month (YYYY-MM)")
	from := flag.String("from", "", "First day of range (YYYY-MM-DD)")
	to := flag.String("to", "", "Last day of range (YYYY-MM-DD, default --from)")
	hours := flag.String("hours", "", "Partial window HH-HH (default: each keogram's own window)")
	outDir := flag.String("out", "", "Output directory (default from config)")
	coords := flag.String("coords", telemetry.DefaultCoords, "DSCOVR coordinate system: gse or gsm")
	goesComp := flag.String("goes-component", "Hp", "GOES-18 component to plot: Hp, He or Hn")
	source := flag.String("source", "files", "Telemetry source: files or clickhouse")
	scale := flag.Int("scale", 1, "Output pixels per keogram column")
	panelHeight := flag.Int("panel-height", 140, "Trace panel height in pixels")
	logLevel := flag.String("log-level", "", "Log level (default from config)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "keo-overlay v%s - Keogram Magnetometer Overlay\n\n", Version)
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTIONS]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Overlays GOES-18 Hp and DSCOVR Bz on full or partial keograms.\n\n")
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
	if *outDir != "" {
		cfg.OutputDir = *outDir
	}
	logger, err := common.NewLogger(cfg.LogLevel, cfg.LogJSON)
	if err != nil {
		log.Fatalf("Logger error: %v", err)
	}
	defer logger.Sync()

	mode, err := render.ParseMode(*modeFlag)
	if err != nil {
		log.Fatalf("%v", err)
	}
	first, last, err := common.ResolveRange(*date, *month, *from, *to)
	if err != nil {
		flag.Usage()
		log.Fatalf("%v", err)
	}
	*coords = strings.ToLower(*coords)
	if *coords != "gse" && *coords != "gsm" {
		log.Fatalf("--coords must be gse or gsm")
	}
	goesSrc, dscovrSrc := telemetry.GOES18(), telemetry.DSCOVR(*coords)
	if !hasComponent(goesSrc, *goesComp) {
		log.Fatalf("unknown GOES-18 component %q", *goesComp)
	}
	var fromH, toH int
	if *hours != "" {
		if mode != render.ModePartial {
			log.Fatalf("--hours needs --mode partial")
		}
		if fromH, toH, err = common.ParseHours(*hours); err != nil {
			log.Fatalf("%v", err)
		}
	}

	log.Println("=========================================================")
	log.Printf("Keogram Overlay v%s", Version)
	log.Println("=========================================================")
	log.Printf("Mode:      %s", mode)
	log.Printf("Range:     %s .. %s", first.Format("2006-01-02"), last.Format("2006-01-02"))
	log.Printf("Keograms:  %s", cfg.KeogramDir(string(mode)))
	log.Printf("Source:    %s", *source)
	log.Printf("Output:    %s", cfg.OutputDir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("\nShutdown requested...")
		cancel()
	}()

	stats := common.NewStats(os.Stderr)
	var failures common.Failures

	kind := keogram.KindFull
	if mode == render.ModePartial {
		kind = keogram.KindPartial
	}
	frames, conflicts, err := keogram.Index(cfg.KeogramDir(string(mode)), keogram.Options{Kind: kind, Log: logger, Stats: stats})
	if err != nil {
		log.Fatalf("Keogram index failed: %v", err)
	}

	// One day of margin on both sides so windows at midnight still see
	// their neighbouring samples. An instrument with no data at all is not
	// fatal: the per-day checks below decide what that means.
	loadFrom, loadTo := first.AddDate(0, 0, -1), last.AddDate(0, 0, 1)
	goes, err := loadSeries(ctx, cfg, *source, goesSrc, cfg.Resolve(cfg.GOESDir), loadFrom, loadTo, stats, logger)
	if err != nil {
		log.Fatalf("GOES-18 load failed: %v", err)
	}
	dscovr, err := loadSeries(ctx, cfg, *source, dscovrSrc, cfg.Resolve(cfg.DSCOVRDir), loadFrom, loadTo, stats, logger)
	if err != nil {
		log.Fatalf("DSCOVR load failed: %v", err)
	}

	base := render.OverlayRequest{
		Mode:  mode,
		FromH: fromH,
		ToH:   toH,
		Traces: []render.TraceSpec{
			{Series: goes, Component: *goesComp, Label: "GOES-18 " + *goesComp, Color: render.Orange,
				Floor: render.HpFloor, Required: true},
			{Series: dscovr, Component: "Bz", Label: "DSCOVR Bz " + strings.ToUpper(*coords), Color: render.DarkBlue,
				Floor: render.BzFloor, ZeroLine: true},
		},
		Aligner: align.Aligner{MaxGap: cfg.MaxGap, GapFactor: int(cfg.MaxGapFactor)},
		Layout:  render.Layout{Scale: *scale, PanelHeight: *panelHeight},
	}

	// A single --date must have a keogram; a range renders what exists.
	// Ambiguous days go through the loop so they are reported.
	days := []time.Time{first}
	if *date == "" {
		days = days[:0]
		for _, d := range common.Days(first, last) {
			if _, ok := frames.ByDate(d); ok || conflicts.Day(d) != nil {
				days = append(days, d)
			}
		}
		if len(days) == 0 {
			log.Fatalf("No %s keograms between %s and %s", kind, first.Format("2006-01-02"), last.Format("2006-01-02"))
		}
	}

	stats.StartReporter(10 * time.Second)

	for _, day := range days {
		if ctx.Err() != nil {
			break
		}
		unit := day.Format("2006-01-02")
		stats.AddUnits(1)
		if err := conflicts.Day(day); err != nil {
			logger.Errorw("overlay skipped", "day", unit, "kind", common.Kind(err), "error", err)
			failures.Add(unit, err)
			continue
		}
		path, err := render.WriteOverlay(cfg.OutputDir, frames, day, base)
		if err != nil {
			logger.Errorw("overlay failed", "day", unit, "kind", common.Kind(err), "error", err)
			failures.Add(unit, err)
			continue
		}
		stats.AddOutputs(1)
		logger.Infow("overlay written", "day", unit, "file", filepath.Base(path))
	}

	stats.StopReporter()

	log.Println()
	stats.PrintSummary(os.Stderr, "Final Statistics")
	failures.Print(os.Stderr)

	if failures.Len() > 0 || ctx.Err() != nil {
		os.Exit(1)
	}
}

func hasComponent(src telemetry.Source, name string) bool {
	for _, c := range src.Components() {
		if c == name {
			return true
		}
	}
	return false
}

// loadSeries reads one instrument for [from, to] either from the local
// archive or from the ClickHouse sample table, then applies the configured
// resampling. An instrument without data in the range yields a nil series
// and no error.
func loadSeries(ctx context.Context, cfg *common.Config, source string, src telemetry.Source, root string,
	from, to time.Time, stats *common.Stats, logger *zap.SugaredLogger) (*telemetry.Series, error) {

	var (
		series *telemetry.Series
		ps     *telemetry.ParseStats
		err    error
	)
	switch source {
	case "files":
		series, ps, err = telemetry.NewLoader(src, logger).LoadRange(root, from, to)
	case "clickhouse":
		q, conn, oerr := warehouse.Open(ctx, cfg)
		if oerr != nil {
			return nil, oerr
		}
		defer conn.Close()
		r := &warehouse.Reader{Conn: q, Table: warehouse.TableFQN(cfg)}
		series, ps, err = r.Series(ctx, src, from, to.AddDate(0, 0, 1))
	default:
		return nil, common.Newf("unknown telemetry source %q", source)
	}
	if ps != nil {
		stats.AddParsed(uint64(ps.Parsed))
		stats.AddDropped(uint64(ps.Malformed))
		logger.Infow("telemetry loaded", "instrument", src.Instrument(), "stats", ps.String())
	}
	if common.Is(err, common.ErrEmptyResult) {
		logger.Warnw("no telemetry in range", "instrument", src.Instrument(), "error", err)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if cfg.Resample > 0 {
		series = series.Resample(cfg.Resample)
	}
	return series, nil
}
