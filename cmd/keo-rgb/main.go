// keo-rgb - Build RGB composites from PFRR all-sky wavelength frames
//
// The 630.0 nm, 557.7 nm and 427.8 nm grayscale frames
// (PFRR_YYYYMMDD_HHMMSS_0630.png etc.) map to red, green and blue. For
// each green frame the nearest red and blue frames within the tolerance
// are min-max normalized and merged.
//
// Build: CGO_ENABLED=0 go build -ldflags="-s -w" -o build/keo-rgb ./cmd/keo-rgb

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/KI7MT/ki7mt-keogram-lab/internal/allsky"
	"github.com/KI7MT/ki7mt-keogram-lab/internal/common"
)

// Version can be overridden at build time via -ldflags
var Version = "1.0.0"

func main() {
	configPath := flag.String("config", "", "TOML config file (optional)")
	inDir := flag.String("in", "", "Directory of PFRR wavelength frames (required)")
	outDir := flag.String("out", "", "Output directory (default: --in)")
	at := flag.String("time", "", "Reference UT time, YYYY-MM-DDTHH:MM:SS (default: first green frame)")
	all := flag.Bool("all", false, "Composite every green frame with a complete triplet")
	tolerance := flag.Duration("tolerance", allsky.DefaultTolerance, "Maximum offset of red/blue from green")
	logLevel := flag.String("log-level", "", "Log level (default from config)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "keo-rgb v%s - All-Sky RGB Composite\n\n", Version)
		fmt.Fprintf(os.Stderr, "Usage: %s --in DIR [OPTIONS]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Combines 0630/0558/0428 frames into RGB composites.\n\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	if *inDir == "" {
		flag.Usage()
		os.Exit(2)
	}
	if *outDir == "" {
		*outDir = *inDir
	}

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

	var ref time.Time
	if *at != "" {
		if ref, err = time.ParseInLocation("2006-01-02T15:04:05", *at, time.UTC); err != nil {
			log.Fatalf("bad --time %q: %v", *at, err)
		}
	}

	log.Println("=========================================================")
	log.Printf("All-Sky RGB v%s", Version)
	log.Println("=========================================================")
	log.Printf("Input:     %s", *inDir)
	log.Printf("Output:    %s", *outDir)
	log.Printf("Tolerance: %v", *tolerance)

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

	frames, err := allsky.Scan(*inDir)
	if err != nil {
		log.Fatalf("Scan failed: %v", err)
	}
	for _, w := range []string{allsky.Wave630, allsky.Wave558, allsky.Wave428} {
		stats.AddIndexed(uint64(len(frames[w])))
		logger.Debugw("frames found", "wave", w, "count", len(frames[w]))
	}

	var triplets []allsky.Triplet
	if *all {
		triplets = frames.All(*tolerance)
		if len(triplets) == 0 {
			log.Fatalf("No complete triplets within %v", *tolerance)
		}
	} else {
		tr, err := frames.Select(ref, *tolerance)
		if err != nil {
			log.Fatalf("%v", err)
		}
		triplets = []allsky.Triplet{tr}
	}

	for _, tr := range triplets {
		if ctx.Err() != nil {
			break
		}
		unit := tr.Time().Format("2006-01-02 15:04:05")
		stats.AddUnits(1)
		img, err := allsky.Composite(tr, nil)
		if err != nil {
			logger.Errorw("composite failed", "time", unit, "kind", common.Kind(err), "error", err)
			failures.Add(unit, err)
			continue
		}
		path := filepath.Join(*outDir, allsky.CompositeName(tr))
		if err := common.WritePNG(path, img); err != nil {
			failures.Add(unit, err)
			continue
		}
		stats.AddOutputs(1)
		logger.Infow("composite written", "time", unit,
			"red", filepath.Base(tr.Red.Path), "blue", filepath.Base(tr.Blue.Path), "file", filepath.Base(path))
	}

	log.Println()
	stats.PrintSummary(os.Stderr, "Final Statistics")
	failures.Print(os.Stderr)

	if failures.Len() > 0 || ctx.Err() != nil {
		os.Exit(1)
	}
}
