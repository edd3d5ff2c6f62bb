package services

import (
	"sync"
	"sync/atomic"
)

// Pipeline stages used as failure counter keys
const (
	StageDecode    = "decode"
	StageChannel   = "channel"
	StageCustomer  = "customer"
	StageChat      = "chat"
	StageNormalize = "normalize"
	StagePersist   = "persist"
)

// PipelineStats counts ingestion outcomes since process start
type PipelineStats struct {
	received   atomic.Int64
	processed  atomic.Int64
	duplicates atomic.Int64
	skipped    atomic.Int64

	mu       sync.Mutex
	failures map[string]int64
}

// NewPipelineStats creates zeroed counters
func NewPipelineStats() *PipelineStats {
	return &PipelineStats{failures: make(map[string]int64)}
}

func (s *PipelineStats) fail(stage string) {
	s.mu.Lock()
	s.failures[stage]++
	s.mu.Unlock()
}

// PipelineSnapshot is a point-in-time copy of the counters
type PipelineSnapshot struct {
	Received   int64            `json:"received"`
	Processed  int64            `json:"processed"`
	Duplicates int64            `json:"duplicates"`
	Skipped    int64            `json:"skipped"`
	Failures   map[string]int64 `json:"failures"`
}

// Snapshot copies the counters
func (s *PipelineStats) Snapshot() PipelineSnapshot {
	s.mu.Lock()
	failures := make(map[string]int64, len(s.failures))
	for k, v := range s.failures {
		failures[k] = v
	}
	s.mu.Unlock()

	return PipelineSnapshot{
		Received:   s.received.Load(),
		Processed:  s.processed.Load(),
		Duplicates: s.duplicates.Load(),
		Skipped:    s.skipped.Load(),
		Failures:   failures,
	}
}
