package executor

import (
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"

	"github.com/ShayCichocki/taskforge/pkg/models"
)

// Latency summarises attempt durations.
type Latency struct {
	Count int64         `json:"count"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
	Max   time.Duration `json:"max"`
}

// Summary is the outcome of one Run.
type Summary struct {
	RunID    string                    `json:"run_id"`
	Duration time.Duration             `json:"duration"`
	Counts   map[models.TaskStatus]int `json:"counts"`
	// Attempts is the number of invocations started.
	Attempts int64 `json:"attempts"`
	// Retries is the number of failed attempts that were scheduled again.
	Retries int64 `json:"retries"`
	// Rejections is the number of attempts failed fast by an open circuit.
	Rejections int64 `json:"rejections"`
	// Timeouts is the number of attempts that exceeded the task timeout.
	Timeouts int64   `json:"timeouts"`
	Latency  Latency `json:"latency"`
}

// Succeeded reports whether every task completed.
func (s Summary) Succeeded() bool {
	for status, n := range s.Counts {
		if status != models.TaskStatusCompleted && n > 0 {
			return false
		}
	}
	return true
}

// stats accumulates counters and an attempt latency histogram in microseconds.
type stats struct {
	mu         sync.Mutex
	hist       *hdrhistogram.Histogram
	attempts   int64
	retries    int64
	rejections int64
	timeouts   int64
}

func newStats() *stats {
	// 1µs to 24h at 3 significant figures.
	return &stats{hist: hdrhistogram.New(1, int64(24*time.Hour/time.Microsecond), 3)}
}

func (s *stats) attempt() {
	s.mu.Lock()
	s.attempts++
	s.mu.Unlock()
}

func (s *stats) observe(elapsed time.Duration) {
	us := max(elapsed.Microseconds(), 1)
	s.mu.Lock()
	// Out-of-range values are recorded as the highest trackable value.
	if err := s.hist.RecordValue(us); err != nil {
		_ = s.hist.RecordValue(s.hist.HighestTrackableValue())
	}
	s.mu.Unlock()
}

func (s *stats) retry() {
	s.mu.Lock()
	s.retries++
	s.mu.Unlock()
}

func (s *stats) rejection() {
	s.mu.Lock()
	s.rejections++
	s.mu.Unlock()
}

func (s *stats) timeout() {
	s.mu.Lock()
	s.timeouts++
	s.mu.Unlock()
}

func (s *stats) fill(sum *Summary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum.Attempts = s.attempts
	sum.Retries = s.retries
	sum.Rejections = s.rejections
	sum.Timeouts = s.timeouts
	sum.Latency = Latency{
		Count: s.hist.TotalCount(),
		P50:   time.Duration(s.hist.ValueAtQuantile(50)) * time.Microsecond,
		P95:   time.Duration(s.hist.ValueAtQuantile(95)) * time.Microsecond,
		Max:   time.Duration(s.hist.Max()) * time.Microsecond,
	}
}
