package lim

import (
	"sync"
	"time"

	"mdbin/metrics"
	"mdbin/svc/util"
)

// ErrorMonitor keeps a rolling window of request and 5xx counts and calls
// onTrip when the error rate over the window exceeds 5%.
type ErrorMonitor struct {
	mu      sync.Mutex
	buckets []bucket
	current int
	onTrip  func()
	done    chan struct{}
	once    sync.Once
}

type bucket struct {
	requests int64
	errors   int64
}

func NewErrorMonitor(size int, onTrip func()) *ErrorMonitor {
	if size < 1 {
		size = 1
	}
	return &ErrorMonitor{
		buckets: make([]bucket, size),
		onTrip:  onTrip,
		done:    make(chan struct{}),
	}
}

func (m *ErrorMonitor) Start(every time.Duration) {
	ticker := time.NewTicker(every)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Advance()
			case <-m.done:
				return
			}
		}
	}()
}

func (m *ErrorMonitor) Stop() {
	m.once.Do(func() { close(m.done) })
}

func (m *ErrorMonitor) RecordRequest() {
	m.mu.Lock()
	m.buckets[m.current].requests++
	m.mu.Unlock()
}

func (m *ErrorMonitor) RecordError() {
	m.mu.Lock()
	m.buckets[m.current].errors++
	m.mu.Unlock()
}

// Advance closes the current bucket and reports whether the window tripped.
func (m *ErrorMonitor) Advance() bool {
	m.mu.Lock()
	var reqs, errs int64
	for _, b := range m.buckets {
		reqs += b.requests
		errs += b.errors
	}
	m.current = (m.current + 1) % len(m.buckets)
	m.buckets[m.current] = bucket{}
	m.mu.Unlock()

	var rate float64
	if reqs > 0 {
		rate = float64(errs) / float64(reqs) * 100
	}
	metrics.RecentErrorRatePercent.Set(rate)
	if reqs <= 10 || rate <= 5 {
		return false
	}
	util.Warn().
		Float64("error_rate", rate).
		Int64("total_reqs", reqs).
		Int64("total_errs", errs).
		Msg("high error rate, halving rate limits")
	if m.onTrip != nil {
		m.onTrip()
	}
	return true
}
