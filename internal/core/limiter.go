package core

// limiter.go caps how many sync cycles run at once across all mappings.
//
// Due signals for many mappings can arrive together (process start, a burst
// of workbook saves). The limiter is a semaphore: a cycle waits up to
// maxWait for a slot and then fails with ErrTooManyCycles. WaitForDrain
// lets shutdown wait for running cycles to finish.

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrTooManyCycles is returned when no cycle slot frees up within the wait timeout.
var ErrTooManyCycles = errors.New("too many concurrent sync cycles")

// DefaultMaxConcurrentCycles is the default limit for parallel cycles.
const DefaultMaxConcurrentCycles = 4

// DefaultMaxWaitTime is how long a cycle waits for a slot before failing.
const DefaultMaxWaitTime = 30 * time.Second

// CycleLimiter bounds concurrent sync cycles.
type CycleLimiter struct {
	semaphore chan struct{}
	maxWait   time.Duration

	mu      sync.Mutex
	running map[string]int // mapping id -> active cycles
	active  int
}

// NewCycleLimiter creates a limiter allowing maxConcurrent simultaneous cycles.
func NewCycleLimiter(maxConcurrent int, maxWait time.Duration) *CycleLimiter {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrentCycles
	}
	if maxWait <= 0 {
		maxWait = DefaultMaxWaitTime
	}

	return &CycleLimiter{
		semaphore: make(chan struct{}, maxConcurrent),
		maxWait:   maxWait,
		running:   make(map[string]int),
	}
}

// Acquire takes a slot for mappingID, waiting at most maxWait.
// The caller must call Release with the same id when the cycle ends.
func (l *CycleLimiter) Acquire(ctx context.Context, mappingID string) error {
	waitCtx, cancel := context.WithTimeout(ctx, l.maxWait)
	defer cancel()

	select {
	case l.semaphore <- struct{}{}:
		l.track(mappingID, 1)
		return nil

	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrTooManyCycles
	}
}

// TryAcquire takes a slot without blocking.
func (l *CycleLimiter) TryAcquire(mappingID string) bool {
	select {
	case l.semaphore <- struct{}{}:
		l.track(mappingID, 1)
		return true
	default:
		return false
	}
}

// Release frees a slot taken by Acquire or TryAcquire.
func (l *CycleLimiter) Release(mappingID string) {
	l.track(mappingID, -1)
	<-l.semaphore
}

func (l *CycleLimiter) track(mappingID string, delta int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.active += delta
	l.running[mappingID] += delta
	if l.running[mappingID] <= 0 {
		delete(l.running, mappingID)
	}
}

// ActiveCount returns the number of running cycles.
func (l *CycleLimiter) ActiveCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

// MaxConcurrent returns the slot count.
func (l *CycleLimiter) MaxConcurrent() int {
	return cap(l.semaphore)
}

// WaitForDrain blocks until no cycle is running or ctx is done.
func (l *CycleLimiter) WaitForDrain(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		if l.ActiveCount() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// LimiterStatus is a snapshot of the limiter for health output.
type LimiterStatus struct {
	Active        int      `json:"active"`
	Available     int      `json:"available"`
	MaxConcurrent int      `json:"max_concurrent"`
	Running       []string `json:"running"`
}

// Status returns the current limiter state.
func (l *CycleLimiter) Status() LimiterStatus {
	l.mu.Lock()
	running := make([]string, 0, len(l.running))
	for id := range l.running {
		running = append(running, id)
	}
	active := l.active
	l.mu.Unlock()

	sort.Strings(running)

	return LimiterStatus{
		Active:        active,
		Available:     cap(l.semaphore) - len(l.semaphore),
		MaxConcurrent: cap(l.semaphore),
		Running:       running,
	}
}
