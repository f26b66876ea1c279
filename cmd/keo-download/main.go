// keo-download - Mirror keogram and magnetometer archives locally
//
// Data sources:
//   - AMISR/UAF: daily full keograms (PNG) for one station and camera
//   - NOAA NGDC: daily GOES-18 MAG L1b and DSCOVR 1-minute magnetometer netCDF
//   - NOAA SWPC: rolling 7-day GOES-18 and DSCOVR magnetometer JSON
//   - WDC Kyoto: monthly quick-look Dst
//
// Build: CGO_ENABLED=0 go build -ldflags="-s -w" -o build/keo-download ./cmd/keo-download

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
	"github.com/KI7MT/ki7mt-keogram-lab/internal/fetch"
)

// Version can be overridden at build time via -ldflags
var Version = "1.0.0"

// DataSource describes one archive this tool can mirror.
type DataSource struct {
	Name string
	URL  string
	Desc string
}

var sources = []DataSource{
	{Name: "keograms", URL: fetch.AMISRBase, Desc: "AMISR daily full keograms (per station/camera)"},
	{Name: "goes", URL: fetch.NGDCGOES, Desc: "NGDC GOES-18 MAG L1b, one netCDF per day"},
	{Name: "dscovr", URL: fetch.NGDCDSCOVR, Desc: "NGDC DSCOVR 1-minute magnetometer, one netCDF per day"},
	{Name: "swpc", URL: fetch.SWPCGOES, Desc: "SWPC GOES-18 + DSCOVR magnetometer, 7-day rolling"},
	{Name: "dst", URL: fetch.KyotoDst, Desc: "WDC Kyoto quick-look Dst, one file per month"},
}

func main() {
	configPath := flag.String("config", "", "TOML config file (optional)")
	source := flag.String("source", "all", "Source to download (or 'all')")
	listSources := flag.Bool("list", false, "List available data sources")
	date := flag.String("date", "", "Single day (YYYY-MM-DD)")
	month := flag.String("month", "", "Whole month (YYYY-MM)")
	from := flag.String("from", "", "First day of range (YYYY-MM-DD)")
	to := flag.String("to", "", "Last day of range (YYYY-MM-DD, default --from)")
	station := flag.String("station", "pfrr_amisr01", "AMISR station directory")
	camera := flag.String("camera", "asi3", "AMISR camera name")
	timeout := flag.Duration("timeout", 60*time.Second, "HTTP timeout per download")
	ratePerSec := flag.Float64("rate", 2, "Maximum requests per second")
	skipExisting := flag.Bool("skip-existing", true, "Skip files already present")
	dryRun := flag.Bool("dry-run", false, "Print what would be downloaded")
	logLevel := flag.String("log-level", "", "Log level (default from config)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "keo-download v%s - Keogram Archive Downloader\n\n", Version)
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTIONS]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Downloads keograms, magnetometer data and Dst into the local archive.\n\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nData Sources:\n")
		for _, s := range sources {
			fmt.Fprintf(os.Stderr, "  %-10s %s\n", s.Name, s.Desc)
		}
	}

	flag.Parse()

	if *listSources {
		fmt.Printf("Available data sources:\n\n")
		for _, s := range sources {
			fmt.Printf("  %-10s %s\n", s.Name, s.Desc)
			fmt.Printf("             URL: %s\n\n", s.URL)
		}
		return
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

	known := *source == "all"
	for _, s := range sources {
		known = known || s.Name == *source
	}
	if !known {
		log.Fatalf("Unknown source %q (see --list)", *source)
	}

	// SWPC products are rolling windows, so they only need today.
	first, last := common.Midnight(time.Now()), common.Midnight(time.Now())
	if *date != "" || *month != "" || *from != "" {
		if first, last, err = common.ResolveRange(*date, *month, *from, *to); err != nil {
			log.Fatalf("%v", err)
		}
	} else if *source != "swpc" {
		flag.Usage()
		log.Fatalf("a date range is required for every source but swpc")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nShutdown requested...")
		cancel()
	}()

	f := fetch.New(fetch.Options{
		Timeout:      *timeout,
		RatePerSec:   *ratePerSec,
		SkipExisting: *skipExisting,
		DryRun:       *dryRun,
		UserAgent:    "keo-download/" + Version,
		Log:          logger,
	})

	// The NGDC archives are planned from their month listings.
	var listFailures common.Failures
	var targets []fetch.Target
	want := func(name string) bool { return *source == "all" || *source == name }
	if want("keograms") {
		targets = append(targets, fetch.KeogramTargets(*station, *camera, cfg.KeogramDir("full"), first, last)...)
	}
	if want("goes") {
		targets = append(targets, f.ArchiveTargets(ctx, fetch.GOESArchive, cfg.Resolve(cfg.GOESDir), first, last, &listFailures)...)
	}
	if want("dscovr") {
		targets = append(targets, f.ArchiveTargets(ctx, fetch.DSCOVRArchive, cfg.Resolve(cfg.DSCOVRDir), first, last, &listFailures)...)
	}
	if want("swpc") {
		targets = append(targets, fetch.SWPCTargets(cfg.Resolve(cfg.GOESDir), cfg.Resolve(cfg.DSCOVRDir), time.Now())...)
	}
	if want("dst") {
		seen := map[string]bool{}
		for _, d := range common.Days(first, last) {
			if key := d.Format("200601"); !seen[key] {
				seen[key] = true
				targets = append(targets, fetch.DstTarget(cfg.DataDir, d))
			}
		}
	}

	fmt.Println("=========================================================")
	fmt.Printf("Keogram Download v%s\n", Version)
	fmt.Println("=========================================================")
	fmt.Printf("Source:      %s\n", *source)
	fmt.Printf("Range:       %s .. %s\n", first.Format("2006-01-02"), last.Format("2006-01-02"))
	fmt.Printf("Data dir:    %s\n", cfg.DataDir)
	fmt.Printf("Files:       %d\n", len(targets))
	fmt.Printf("Timeout:     %v\n", *timeout)
	if *dryRun {
		fmt.Println("Mode:        dry run")
	}
	fmt.Println()

	startTime := time.Now()
	sum := f.Run(ctx, targets)
	for _, it := range listFailures.Items() {
		sum.Failures.Add(it.Unit, it.Err)
	}
	elapsed := time.Since(startTime)

	fmt.Println()
	fmt.Println("=========================================================")
	fmt.Println("Download Summary")
	fmt.Println("=========================================================")
	fmt.Printf("Downloaded: %d files (%.1f MB)\n", sum.Downloaded, float64(sum.Bytes)/(1024*1024))
	fmt.Printf("Skipped:    %d files\n", sum.Skipped)
	fmt.Printf("Missing:    %d files\n", sum.Missing)
	if *dryRun {
		fmt.Printf("Planned:    %d files\n", sum.Planned)
	}
	fmt.Printf("Failed:     %d files\n", sum.Failures.Len())
	fmt.Printf("Elapsed:    %v\n", elapsed.Round(time.Millisecond))
	fmt.Println("=========================================================")
	sum.Failures.Print(os.Stdout)

	if sum.Failures.Len() > 0 {
		os.Exit(1)
	}
}
