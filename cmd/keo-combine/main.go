// keo-combine - Stitch hourly keograms into per-day partial keograms
//
// Hourly files (YYYYMMDD_HH_<site>_<cam>_rgb-keogram.png) are joined left to
// right into YYYYMMDD__HH-HH_<site>_<cam>_partial-keo-rgb.png, which
// keo-overlay --mode partial then picks up. Missing hours inside the window
// are left black so the column-to-time mapping stays uniform.
//
// Build: CGO_ENABLED=0 go build -ldflags="-s -w" -o build/keo-combine ./cmd/keo-combine

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/KI7MT/ki7mt-keogram-lab/internal/common"
	"github.com/KI7MT/ki7mt-keogram-lab/internal/keogram"
)

// Version can be overridden at build time via -ldflags
var Version = "1.0.0"

func main() {
	configPath := flag.String("config", "", "TOML config file (optional)")
	inDir := flag.String("in", "", "Hourly keogram directory (default: partial keogram dir)")
	outDir := flag.String("out", "", "Output directory (default: next to the hourly files)")
	date := flag.String("date", "", "Single day (YYYY-MM-DD)")
	month := flag.String("month", "", "Whole month (YYYY-MM)")
	from := flag.String("from", "", "First day of range (YYYY-MM-DD)")
	to := flag.String("to", "", "Last day of range (YYYY-MM-DD, default --from)")
	hours := flag.String("hours", "", "Window HH-HH (default: first to last hour present)")
	overwrite := flag.Bool("overwrite", false, "Replace existing partial keograms")
	logLevel := flag.String("log-level", "", "Log level (default from config)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "keo-combine v%s - Hourly Keogram Stitcher\n\n", Version)
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTIONS]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Joins hourly keograms into one partial keogram per day.\n\n")
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
	logger, err := common.NewLogger(cfg.LogLevel, cfg.LogJSON)
	if err != nil {
		log.Fatalf("Logger error: %v", err)
	}
	defer logger.Sync()

	root := *inDir
	if root == "" {
		root = cfg.KeogramDir("partial")
	}
	var first, last time.Time
	if *date != "" || *month != "" || *from != "" {
		if first, last, err = common.ResolveRange(*date, *month, *from, *to); err != nil {
			log.Fatalf("%v", err)
		}
	}
	var h0, h1 int
	if *hours != "" {
		if h0, h1, err = common.ParseHours(*hours); err != nil {
			log.Fatalf("%v", err)
		}
	}

	log.Println("=========================================================")
	log.Printf("Keogram Combine v%s", Version)
	log.Println("=========================================================")
	log.Printf("Input:     %s", root)
	if *outDir != "" {
		log.Printf("Output:    %s", *outDir)
	}
	if *hours != "" {
		log.Printf("Window:    %02d-%02d UT", h0, h1)
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

	stats := common.NewStats(os.Stderr)
	var failures common.Failures

	hourly, conflicts, err := keogram.Index(root, keogram.Options{Kind: keogram.KindHourly, Log: logger, Stats: stats})
	if err != nil {
		log.Fatalf("Hourly keogram index failed: %v", err)
	}

	groups := keogram.GroupHourly(hourly)
	inRange := func(d time.Time) bool {
		return first.IsZero() || (!d.Before(first) && !d.After(last))
	}
	days := make([]time.Time, 0, len(groups))
	for d := range groups {
		if inRange(d) {
			days = append(days, d)
		}
	}
	for d, err := range conflicts {
		if inRange(d) {
			logger.Errorw("day skipped", "day", d.Format("2006-01-02"), "kind", common.Kind(err), "error", err)
			failures.Add(d.Format("2006-01-02"), err)
		}
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
	log.Printf("Days:      %d", len(days))

	for _, day := range days {
		if ctx.Err() != nil {
			break
		}
		unit := day.Format("2006-01-02")
		stats.AddUnits(1)

		w0, w1 := h0, h1
		if *hours == "" {
			w0, w1 = keogram.HourSpan(groups[day])
		}
		img, frame, err := keogram.Stitch(groups[day], w0, w1)
		if err != nil {
			logger.Errorw("stitch failed", "day", unit, "kind", common.Kind(err), "error", err)
			failures.Add(unit, err)
			continue
		}

		path := frame.Path
		if *outDir != "" {
			path = filepath.Join(*outDir, filepath.Base(frame.Path))
		}
		if !*overwrite {
			if info, err := os.Stat(path); err == nil && info.Size() > 0 {
				logger.Debugw("partial keogram exists", "file", path)
				stats.AddSkipped(1)
				continue
			}
		}
		if err := common.WritePNG(path, img); err != nil {
			failures.Add(unit, err)
			continue
		}
		stats.AddOutputs(1)
		logger.Infow("partial keogram written", "day", unit, "hours", fmt.Sprintf("%02d-%02d", w0, w1),
			"slices", len(groups[day]), "file", filepath.Base(path))
	}

	log.Println()
	stats.PrintSummary(os.Stderr, "Final Statistics")
	failures.Print(os.Stderr)

	if failures.Len() > 0 || ctx.Err() != nil {
		os.Exit(1)
	}
}
