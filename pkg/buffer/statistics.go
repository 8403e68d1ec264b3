package buffer

import (
	"sync"
	"sync/atomic"
	"time"
)

// Statistics tracks buffer activity.
type Statistics struct {
	writes    atomic.Int64
	reads     atomic.Int64
	peeks     atomic.Int64
	overflows atomic.Int64
	drops     atomic.Int64
	rejects   atomic.Int64

	mu          sync.RWMutex
	startTime   time.Time
	currentSize int64
	maxSize     int64
}

// NewStatistics creates a new statistics tracker.
func NewStatistics() *Statistics {
	return &Statistics{startTime: time.Now()}
}

func (s *Statistics) Write()    { s.writes.Add(1) }
func (s *Statistics) Read()     { s.reads.Add(1) }
func (s *Statistics) Peek()     { s.peeks.Add(1) }
func (s *Statistics) Overflow() { s.overflows.Add(1) }
func (s *Statistics) Drop()     { s.drops.Add(1) }
func (s *Statistics) Reject()   { s.rejects.Add(1) }

// UpdateSize records the current size and tracks the high-water mark.
func (s *Statistics) UpdateSize(size int64) {
	s.mu.Lock()
	s.currentSize = size
	if size > s.maxSize {
		s.maxSize = size
	}
	s.mu.Unlock()
}

func (s *Statistics) Writes() int64    { return s.writes.Load() }
func (s *Statistics) Reads() int64     { return s.reads.Load() }
func (s *Statistics) Peeks() int64     { return s.peeks.Load() }
func (s *Statistics) Overflows() int64 { return s.overflows.Load() }
func (s *Statistics) Drops() int64     { return s.drops.Load() }
func (s *Statistics) Rejects() int64   { return s.rejects.Load() }

// CurrentSize returns the last recorded size.
func (s *Statistics) CurrentSize() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentSize
}

// MaxSize returns the largest size seen since creation or Reset.
func (s *Statistics) MaxSize() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxSize
}

// Throughput returns the average number of writes per second.
func (s *Statistics) Throughput() float64 {
	s.mu.RLock()
	elapsed := time.Since(s.startTime)
	s.mu.RUnlock()
	if elapsed <= 0 {
		return 0
	}
	return float64(s.Writes()) / elapsed.Seconds()
}

// Reset zeroes every counter.
func (s *Statistics) Reset() {
	s.writes.Store(0)
	s.reads.Store(0)
	s.peeks.Store(0)
	s.overflows.Store(0)
	s.drops.Store(0)
	s.rejects.Store(0)

	s.mu.Lock()
	s.startTime = time.Now()
	s.currentSize = 0
	s.maxSize = 0
	s.mu.Unlock()
}

// StatsSummary is a point-in-time copy of Statistics.
type StatsSummary struct {
	Writes      int64   `json:"writes"`
	Reads       int64   `json:"reads"`
	Peeks       int64   `json:"peeks"`
	Overflows   int64   `json:"overflows"`
	Drops       int64   `json:"drops"`
	Rejects     int64   `json:"rejects"`
	CurrentSize int64   `json:"current_size"`
	MaxSize     int64   `json:"max_size"`
	Throughput  float64 `json:"throughput"`
}

// Summary returns a snapshot of all statistics.
func (s *Statistics) Summary() StatsSummary {
	return StatsSummary{
		Writes:      s.Writes(),
		Reads:       s.Reads(),
		Peeks:       s.Peeks(),
		Overflows:   s.Overflows(),
		Drops:       s.Drops(),
		Rejects:     s.Rejects(),
		CurrentSize: s.CurrentSize(),
		MaxSize:     s.MaxSize(),
		Throughput:  s.Throughput(),
	}
}
