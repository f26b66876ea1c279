package common

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Stats holds atomic counters for a batch run.
type Stats struct {
	UnitsDone      uint64 // Days or months finished (success or failure)
	RecordsParsed  uint64 // Telemetry records accepted
	RecordsDropped uint64 // Malformed telemetry records dropped
	FramesIndexed  uint64 // Keogram frames accepted by the indexer
	FramesSkipped  uint64 // Files skipped by the indexer
	OutputsWritten uint64 // Images or index files committed

	// Internal state for reporter
	running   atomic.Bool
	stopCh    chan struct{}
	out       io.Writer
	silent    bool
	startTime time.Time
}

// NewStats creates a new Stats instance reporting to out.
func NewStats(out io.Writer) *Stats {
	return &Stats{
		stopCh:    make(chan struct{}),
		out:       out,
		startTime: time.Now(),
	}
}

func (s *Stats) AddUnits(n uint64)   { atomic.AddUint64(&s.UnitsDone, n) }
func (s *Stats) AddParsed(n uint64)  { atomic.AddUint64(&s.RecordsParsed, n) }
func (s *Stats) AddDropped(n uint64) { atomic.AddUint64(&s.RecordsDropped, n) }
func (s *Stats) AddIndexed(n uint64) { atomic.AddUint64(&s.FramesIndexed, n) }
func (s *Stats) AddSkipped(n uint64) { atomic.AddUint64(&s.FramesSkipped, n) }
func (s *Stats) AddOutputs(n uint64) { atomic.AddUint64(&s.OutputsWritten, n) }

// Snapshot returns a consistent-enough copy of the counters.
func (s *Stats) Snapshot() (units, parsed, dropped, indexed, skipped, outputs uint64) {
	return atomic.LoadUint64(&s.UnitsDone),
		atomic.LoadUint64(&s.RecordsParsed),
		atomic.LoadUint64(&s.RecordsDropped),
		atomic.LoadUint64(&s.FramesIndexed),
		atomic.LoadUint64(&s.FramesSkipped),
		atomic.LoadUint64(&s.OutputsWritten)
}

// SetSilent enables or disables silent mode
func (s *Stats) SetSilent(silent bool) {
	s.silent = silent
}

// StartReporter prints a progress line every interval until StopReporter.
func (s *Stats) StartReporter(interval time.Duration) {
	if s.running.Load() {
		return
	}
	s.running.Store(true)
	go s.reporterLoop(interval)
}

// StopReporter stops the background reporter goroutine
func (s *Stats) StopReporter() {
	if !s.running.Load() {
		return
	}
	s.running.Store(false)
	close(s.stopCh)
}

func (s *Stats) reporterLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.printStatus()
		}
	}
}

func (s *Stats) printStatus() {
	if s.silent || s.out == nil {
		return
	}
	units, parsed, dropped, indexed, _, outputs := s.Snapshot()
	fmt.Fprintf(s.out, "[Progress] Units: %d | Records: %d (dropped %d) | Frames: %d | Outputs: %d | %v\n",
		units, parsed, dropped, indexed, outputs, time.Since(s.startTime).Round(time.Second))
}

// PrintSummary writes the final statistics block.
func (s *Stats) PrintSummary(w io.Writer, title string) {
	units, parsed, dropped, indexed, skipped, outputs := s.Snapshot()
	fmt.Fprintln(w, "=========================================================")
	fmt.Fprintln(w, title)
	fmt.Fprintln(w, "=========================================================")
	fmt.Fprintf(w, "Units:           %d\n", units)
	fmt.Fprintf(w, "Records parsed:  %d\n", parsed)
	fmt.Fprintf(w, "Records dropped: %d\n", dropped)
	fmt.Fprintf(w, "Frames indexed:  %d\n", indexed)
	fmt.Fprintf(w, "Files skipped:   %d\n", skipped)
	fmt.Fprintf(w, "Outputs written: %d\n", outputs)
	fmt.Fprintf(w, "Elapsed:         %v\n", time.Since(s.startTime).Round(time.Millisecond))
	fmt.Fprintln(w, "=========================================================")
}

// Failure is one hard failure of a unit of work.
type Failure struct {
	Unit string
	Err  error
}

// Failures collects hard failures so a batch can continue past bad units.
type Failures struct {
	mu    sync.Mutex
	items []Failure
}

// Add records a failure for unit.
func (f *Failures) Add(unit string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, Failure{Unit: unit, Err: err})
}

// Len returns the number of recorded failures.
func (f *Failures) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

// Items returns the failures sorted by unit.
func (f *Failures) Items() []Failure {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]Failure(nil), f.items...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Unit < out[j].Unit })
	return out
}

// Print writes one line per failure, grouped by kind counts first.
func (f *Failures) Print(w io.Writer) {
	items := f.Items()
	if len(items) == 0 {
		return
	}
	counts := map[string]int{}
	for _, it := range items {
		counts[Kind(it.Err)]++
	}
	kinds := make([]string, 0, len(counts))
	for k := range counts {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)

	fmt.Fprintf(w, "Failures:        %d\n", len(items))
	for _, k := range kinds {
		fmt.Fprintf(w, "  %-15s %d\n", k, counts[k])
	}
	for _, it := range items {
		fmt.Fprintf(w, "  [%s] %s: %v\n", it.Unit, Kind(it.Err), it.Err)
	}
}
