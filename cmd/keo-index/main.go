// keo-index - Build per-month JSON indexes of keograms and all-sky videos
//
// Each index lists, per day, the keogram (file, size, kind, capture window)
// and the all-sky video (file, size, duration from the MP4 header). The
// output is deterministic so an unchanged archive rewrites identical bytes.
//
// Build: CGO_ENABLED=0 go build -ldflags="-s -w" -o build/keo-index ./cmd/keo-index

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/KI7MT/ki7mt-keogram-lab/internal/common"
	"github.com/KI7MT/ki7mt-keogram-lab/internal/keogram"
	"github.com/KI7MT/ki7mt-keogram-lab/internal/metaindex"
)

// Version can be overridden at build time via -ldflags
var Version = "1.0.0"

func main() {
	configPath := flag.String("config", "", "TOML config file (optional)")
	month := flag.String("month", "", "Month to index (YYYY-MM)")
	from := flag.String("from", "", "First month of a range (YYYY-MM)")
	to := flag.String("to", "", "Last month of a range (YYYY-MM, default --from)")
	kindFlag := flag.String("kind", "full", "Keogram kind to index: full or partial")
	outDir := flag.String("out", "", "Output directory (default from config)")
	noProbe := flag.Bool("no-probe", false, "Do not read video durations")
	logLevel := flag.String("log-level", "", "Log level (default from config)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "keo-index v%s - Keogram Metadata Index Builder\n\n", Version)
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTIONS]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Writes <out>/index/keograms_YYYYMM.json for each month.\n\n")
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

	kind, err := keogram.ParseKind(*kindFlag)
	if err != nil || kind == keogram.KindHourly {
		log.Fatalf("--kind must be full or partial")
	}

	var first, last time.Time
	switch {
	case *month != "":
		first, err = common.ParseMonth(*month)
		last = first
	case *from != "":
		first, err = common.ParseMonth(*from)
		last = first
		if err == nil && *to != "" {
			last, err = common.ParseMonth(*to)
		}
	default:
		flag.Usage()
		log.Fatalf("--month or --from is required")
	}
	if err != nil {
		log.Fatalf("%v", err)
	}
	if last.Before(first) {
		log.Fatalf("--to is before --from")
	}

	keoRoot := cfg.KeogramDir(string(kind))
	videoRoot := cfg.Resolve(cfg.VideoDir)

	log.Println("=========================================================")
	log.Printf("Keogram Index v%s", Version)
	log.Println("=========================================================")
	log.Printf("Months:    %s .. %s", first.Format("2006-01"), last.Format("2006-01"))
	log.Printf("Keograms:  %s (%s)", keoRoot, kind)
	log.Printf("Videos:    %s", videoRoot)
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

	frames, conflicts, err := keogram.Index(keoRoot, keogram.Options{Kind: kind, Log: logger, Stats: stats})
	if err != nil && !common.Is(err, common.ErrEmptyResult) {
		log.Fatalf("Keogram index failed: %v", err)
	}

	haveVideos := true
	if _, err := os.Stat(videoRoot); err != nil {
		logger.Warnw("video directory unavailable, indexing keograms only", "dir", videoRoot, "error", err)
		haveVideos = false
	}

	builder := &metaindex.Builder{BaseDir: cfg.DataDir, Log: logger}
	if !*noProbe {
		builder.Prober = metaindex.MP4Prober{}
	}

	for m := first; !m.After(last); m = m.AddDate(0, 1, 0) {
		if ctx.Err() != nil {
			break
		}
		unit := m.Format("2006-01")
		stats.AddUnits(1)
		if errs := conflicts.InMonth(m); len(errs) > 0 {
			for _, err := range errs {
				logger.Errorw("index skipped", "month", unit, "kind", common.Kind(err), "error", err)
				failures.Add(unit, err)
			}
			continue
		}

		var videos []metaindex.Video
		if haveVideos {
			videos, err = metaindex.DiscoverVideos(videoRoot, m, logger)
			if err != nil {
				logger.Errorw("video discovery failed", "month", unit, "error", err)
				failures.Add(unit, err)
				continue
			}
		}

		idx, err := builder.Build(m, frames.InMonth(m), videos)
		if err != nil {
			logger.Errorw("index failed", "month", unit, "kind", common.Kind(err), "error", err)
			failures.Add(unit, err)
			continue
		}
		path, err := metaindex.Write(cfg.OutputDir, m, idx)
		if err != nil {
			failures.Add(unit, err)
			continue
		}
		stats.AddOutputs(1)
		logger.Infow("index written", "month", unit, "days", len(idx.Days), "videos", len(videos), "file", path)
	}

	log.Println()
	stats.PrintSummary(os.Stderr, "Final Statistics")
	failures.Print(os.Stderr)

	if failures.Len() > 0 || ctx.Err() != nil {
		os.Exit(1)
	}
}
