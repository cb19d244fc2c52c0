package ingester

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// sizer adapts the effective batch size to observed write-transaction
// latency. When the p95 over the window crosses the high watermark the size
// halves; once it stays below half the watermark for a full window the size
// doubles back toward the configured ceiling.
type sizer struct {
	max    int
	hwm    time.Duration
	window time.Duration

	effective atomic.Int64

	mtx        sync.Mutex
	samples    []sample
	lastChange time.Time
}

type sample struct {
	at      time.Time
	latency time.Duration
}

func newSizer(max int, hwm, window time.Duration) *sizer {
	s := &sizer{max: max, hwm: hwm, window: window}
	s.effective.Store(int64(max))
	return s
}

func (s *sizer) Size() int {
	return int(s.effective.Load())
}

// Observe folds one transaction latency into the window and adjusts the
// effective size.
func (s *sizer) Observe(latency time.Duration) {
	s.observeAt(time.Now(), latency)
}

func (s *sizer) observeAt(now time.Time, latency time.Duration) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.samples = append(s.samples, sample{at: now, latency: latency})
	cutoff := now.Add(-s.window)
	for len(s.samples) > 0 && s.samples[0].at.Before(cutoff) {
		s.samples = s.samples[1:]
	}

	p95 := s.p95()
	cur := s.effective.Load()
	switch {
	case p95 > s.hwm && cur > 1:
		// Shrink fast, at most once per second so one slow flush does not
		// collapse the batch to 1 on its own.
		if now.Sub(s.lastChange) < time.Second {
			return
		}
		next := cur / 2
		if next < 1 {
			next = 1
		}
		s.effective.Store(next)
		s.lastChange = now
	case p95 <= s.hwm/2 && cur < int64(s.max):
		// Recover only after a full quiet window.
		if now.Sub(s.lastChange) < s.window {
			return
		}
		next := cur * 2
		if next > int64(s.max) {
			next = int64(s.max)
		}
		s.effective.Store(next)
		s.lastChange = now
	}
}

func (s *sizer) p95() time.Duration {
	if len(s.samples) == 0 {
		return 0
	}
	lat := make([]time.Duration, len(s.samples))
	for i, smp := range s.samples {
		lat[i] = smp.latency
	}
	sort.Slice(lat, func(i, j int) bool { return lat[i] < lat[j] })
	idx := len(lat) * 95 / 100
	if idx >= len(lat) {
		idx = len(lat) - 1
	}
	return lat[idx]
}
