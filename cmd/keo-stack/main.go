// keo-stack - Stack a month of keograms into one mosaic
//
// One row per calendar day, top to bottom, with white guide lines at fixed
// UT hours. With --dst the WDC Kyoto quick-look Dst for the month is drawn
// as a vertical strip to the left, aligned with the rows.
//
// Build: CGO_ENABLED=0 go build -ldflags="-s -w" -o build/keo-stack ./cmd/keo-stack

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
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/KI7MT/ki7mt-keogram-lab/internal/common"
	"github.com/KI7MT/ki7mt-keogram-lab/internal/keogram"
	"github.com/KI7MT/ki7mt-keogram-lab/internal/render"
	"github.com/KI7MT/ki7mt-keogram-lab/internal/telemetry"
)

// Version can be overridden at build time via -ldflags
var Version = "1.0.0"

func main() {
	configPath := flag.String("config", "", "TOML config file (optional)")
	month := flag.String("month", "", "Month to stack (YYYY-MM); repeatable as a comma list")
	all := flag.Bool("all", false, "Stack every month found in the archive")
	kindFlag := flag.String("kind", "full", "Keogram kind: full or partial")
	outDir := flag.String("out", "", "Output directory (default from config)")
	rowHeight := flag.Int("row-height", 0, "Row height in pixels (0: tallest keogram)")
	aspect := flag.Int("aspect", 10, "Row width as a multiple of row height")
	guides := flag.String("guides", "6,12", "Guide line UT hours, comma separated (empty for none)")
	dstFile := flag.String("dst", "", "Dst quick-look file, or 'auto' for <data>/dstYYMM.for.request")
	logLevel := flag.String("log-level", "", "Log level (default from config)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "keo-stack v%s - Monthly Keogram Stack\n\n", Version)
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTIONS]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Stacks one month of daily keograms, one row per day.\n\n")
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
	guideHours, err := parseGuides(*guides)
	if err != nil {
		log.Fatalf("%v", err)
	}
	if *month == "" && !*all {
		flag.Usage()
		log.Fatalf("--month or --all is required")
	}
	if *dstFile != "" && *dstFile != "auto" && strings.Contains(*month, ",") {
		log.Fatalf("an explicit --dst file covers one month only")
	}

	root := cfg.KeogramDir(string(kind))

	log.Println("=========================================================")
	log.Printf("Keogram Stack v%s", Version)
	log.Println("=========================================================")
	log.Printf("Keograms:  %s (%s)", root, kind)
	log.Printf("Output:    %s", cfg.OutputDir)
	if *dstFile != "" {
		log.Printf("Dst:       %s", *dstFile)
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

	frames, conflicts, err := keogram.Index(root, keogram.Options{Kind: kind, Log: logger, Stats: stats})
	if err != nil {
		log.Fatalf("Keogram index failed: %v", err)
	}

	var months []time.Time
	if *all {
		months = unionMonths(frames.Months(), conflicts.Months())
	} else {
		for _, m := range strings.Split(*month, ",") {
			t, err := common.ParseMonth(m)
			if err != nil {
				log.Fatalf("%v", err)
			}
			months = append(months, t)
		}
	}

	opts := render.StackOptions{RowHeight: *rowHeight, Aspect: *aspect, GuideHours: guideHours}
	for _, m := range months {
		if ctx.Err() != nil {
			break
		}
		unit := m.Format("2006-01")
		stats.AddUnits(1)
		// An ambiguous day would leave a hole in the mosaic, so the whole
		// month is skipped.
		if errs := conflicts.InMonth(m); len(errs) > 0 {
			for _, err := range errs {
				logger.Errorw("stack skipped", "month", unit, "kind", common.Kind(err), "error", err)
				failures.Add(unit, err)
			}
			continue
		}
		paths, err := stackMonth(cfg, frames, m, opts, *dstFile, logger)
		if err != nil {
			logger.Errorw("stack failed", "month", unit, "kind", common.Kind(err), "error", err)
			failures.Add(unit, err)
			continue
		}
		for _, p := range paths {
			stats.AddOutputs(1)
			logger.Infow("stack written", "month", unit, "file", filepath.Base(p))
		}
	}

	log.Println()
	stats.PrintSummary(os.Stderr, "Final Statistics")
	failures.Print(os.Stderr)

	if failures.Len() > 0 || ctx.Err() != nil {
		os.Exit(1)
	}
}

// stackMonth writes the mosaic for m and, when a Dst source is given, the
// mosaic with the Dst strip attached.
func stackMonth(cfg *common.Config, frames keogram.Frames, m time.Time, opts render.StackOptions,
	dstFile string, logger *zap.SugaredLogger) ([]string, error) {

	st, err := render.NewStack(m, frames.InMonth(m))
	if err != nil {
		return nil, err
	}
	img, err := render.BuildStack(st, opts, nil)
	if err != nil {
		return nil, err
	}
	path := render.StackPath(cfg.OutputDir, m)
	if err := common.WritePNG(path, img); err != nil {
		return nil, err
	}
	written := []string{path}
	if dstFile == "" {
		return written, nil
	}

	if dstFile == "auto" {
		dstFile = cfg.Resolve("dst" + m.Format("0601") + ".for.request")
	}
	f, err := os.Open(dstFile)
	if err != nil {
		return written, common.Markf(common.ErrNotFound, "Dst file for %s: %v", m.Format("2006-01"), err)
	}
	defer f.Close()
	dst, err := telemetry.ParseDst(f, m.Year(), m.Month())
	if err != nil {
		return written, err
	}
	logger.Debugw("Dst parsed", "file", dstFile, "hours", dst.Len())

	strip, err := render.DstStrip(dst, m, img.Bounds().Dy()/st.Days(), 0)
	if err != nil {
		return written, err
	}
	combo := render.DstComboPath(cfg.OutputDir, m)
	if err := common.WritePNG(combo, render.AttachStrip(strip, img)); err != nil {
		return written, err
	}
	return append(written, combo), nil
}

func parseGuides(s string) ([]int, error) {
	out := []int{}
	if strings.TrimSpace(s) == "" {
		return out, nil
	}
	for _, part := range strings.Split(s, ",") {
		h, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || h < 0 || h > 24 {
			return nil, common.Newf("bad guide hour %q", part)
		}
		out = append(out, h)
	}
	return out, nil
}

func unionMonths(a, b []time.Time) []time.Time {
	seen := map[time.Time]bool{}
	var out []time.Time
	for _, m := range append(append([]time.Time{}, a...), b...) {
		if !seen[m] {
			seen[m] = true
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}
