package common

import (
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"
)

// Stats holds atomic counters for batch progress across workers.
type Stats struct {
	FilesDone   atomic.Uint64
	FilesFailed atomic.Uint64
	Rows        atomic.Uint64
	Bytes       atomic.Uint64

	running  atomic.Bool
	stopCh   chan struct{}
	silent   bool
	out      io.Writer
	lastRows uint64
	lastTime time.Time

	// Moving average of rows/s over the last rateWindowSize ticks
	rateWindow     []float64
	rateWindowSize int
	rateIndex      int
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	FilesDone   uint64
	FilesFailed uint64
	Rows        uint64
	Bytes       uint64
}

// NewStats creates a new Stats instance
func NewStats() *Stats {
	return &Stats{
		stopCh:         make(chan struct{}),
		out:            os.Stdout,
		rateWindow:     make([]float64, 10), // 10-sample moving average (5 seconds)
		rateWindowSize: 10,
	}
}

// FileDone records one finished file and the rows it inserted.
func (s *Stats) FileDone(rows int64) {
	s.FilesDone.Add(1)
	if rows > 0 {
		s.Rows.Add(uint64(rows))
	}
}

// FileFailed records one file that could not be processed.
func (s *Stats) FileFailed() {
	s.FilesFailed.Add(1)
}

// AddBytes records downloaded bytes.
func (s *Stats) AddBytes(n int64) {
	if n > 0 {
		s.Bytes.Add(uint64(n))
	}
}

// Snapshot returns the current counter values.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		FilesDone:   s.FilesDone.Load(),
		FilesFailed: s.FilesFailed.Load(),
		Rows:        s.Rows.Load(),
		Bytes:       s.Bytes.Load(),
	}
}

// SetSilent enables or disables silent mode
func (s *Stats) SetSilent(silent bool) {
	s.silent = silent
}

// SetOutput redirects progress lines, mainly for tests.
func (s *Stats) SetOutput(w io.Writer) {
	s.out = w
}

// StartReporter starts a background goroutine that prints progress every
// 500ms as newline-terminated lines so it interleaves cleanly with logs.
func (s *Stats) StartReporter() {
	if s.running.Load() {
		return
	}
	s.running.Store(true)
	s.lastTime = time.Now()
	s.lastRows = s.Rows.Load()

	go s.reporterLoop()
}

// StopReporter stops the background reporter goroutine
func (s *Stats) StopReporter() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	close(s.stopCh)
}

func (s *Stats) reporterLoop() {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.printStatus(time.Now())
		}
	}
}

func (s *Stats) printStatus(now time.Time) {
	if s.silent {
		return
	}
	elapsed := now.Sub(s.lastTime).Seconds()
	if elapsed < 0.001 {
		return
	}

	snap := s.Snapshot()
	rate := float64(snap.Rows-s.lastRows) / elapsed

	s.rateWindow[s.rateIndex] = rate
	s.rateIndex = (s.rateIndex + 1) % s.rateWindowSize

	var sum float64
	var count int
	for _, r := range s.rateWindow {
		if r > 0 {
			sum += r
			count++
		}
	}
	smoothed := 0.0
	if count > 0 {
		smoothed = sum / float64(count)
	}

	fmt.Fprintf(s.out, "[Progress] Files: %d ok, %d failed | Rows: %d (%.0f rows/s, avg %.0f) | Downloaded: %.2f MiB\n",
		snap.FilesDone,
		snap.FilesFailed,
		snap.Rows,
		rate,
		smoothed,
		float64(snap.Bytes)/(1024*1024),
	)

	s.lastRows = snap.Rows
	s.lastTime = now
}
