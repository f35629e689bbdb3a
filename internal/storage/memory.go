package storage

import (
	"context"
	"sync"
	"time"
)

type counterID struct {
	tenant string
	kind   Kind
	bucket string
}

type counter struct {
	count int64
	start time.Time
}

// Memory is a process-local Store. Counters do not survive restarts.
type Memory struct {
	mu     sync.Mutex
	m      map[counterID]counter
	closed bool
}

func NewMemory() *Memory {
	return &Memory{m: make(map[counterID]counter)}
}

func (s *Memory) Counts(_ context.Context, tenantID string, buckets ...Bucket) ([]int64, error) {
	if err := validBuckets(buckets); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]int64, len(buckets))
	for i, b := range buckets {
		out[i] = s.m[counterID{tenantID, b.Kind, b.ID}].count
	}
	return out, nil
}

func (s *Memory) Increment(_ context.Context, tenantID string, buckets ...Bucket) error {
	if err := validBuckets(buckets); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for _, b := range buckets {
		id := counterID{tenantID, b.Kind, b.ID}
		c := s.m[id]
		c.count++
		c.start = b.Start
		s.m[id] = c
	}
	return nil
}

func (s *Memory) IncrementBelow(_ context.Context, tenantID string, limits []int64, buckets ...Bucket) ([]int64, bool, error) {
	if err := validLimits(limits, buckets); err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, ErrClosed
	}
	out := make([]int64, len(buckets))
	for i, b := range buckets {
		out[i] = s.m[counterID{tenantID, b.Kind, b.ID}].count
	}
	if !below(out, limits) {
		return out, false, nil
	}
	for _, b := range buckets {
		id := counterID{tenantID, b.Kind, b.ID}
		c := s.m[id]
		c.count++
		c.start = b.Start
		s.m[id] = c
	}
	return out, true, nil
}

func (s *Memory) Prune(_ context.Context, c Cutoff) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	var n int64
	for id, v := range s.m {
		if c.TenantID != "" && id.tenant != c.TenantID {
			continue
		}
		if stale(c, id.kind, v.start) {
			delete(s.m, id)
			n++
		}
	}
	return n, nil
}

// Len reports how many counters are held.
func (s *Memory) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}

func (s *Memory) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
