// Package ids generates identifiers for runs, jobs, rules and workers.
package ids

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

const runTimeLayout = "2006-01-02T15-04-05.000Z"

// Generator produces identifiers.
type Generator interface {
	Next() string
}

// RunIDGenerator produces run ids that sort lexicographically in creation
// order, e.g. "2024-01-01T09-00-00.000Z-0001". Within one process ids are
// strictly increasing even if the wall clock steps backwards.
type RunIDGenerator struct {
	mu    sync.Mutex
	now   func() time.Time
	last  string
	count int
}

// NewRunIDGenerator creates a generator backed by the wall clock.
func NewRunIDGenerator() *RunIDGenerator {
	return &RunIDGenerator{now: time.Now}
}

// Next returns the next run id.
func (g *RunIDGenerator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	ts := g.now().UTC().Format(runTimeLayout)
	if ts > g.last {
		g.last = ts
		g.count = 0
	}
	g.count++
	return fmt.Sprintf("%s-%04d", g.last, g.count)
}

// ParseRunTime extracts the creation time encoded in a run id.
func ParseRunTime(id string) (time.Time, error) {
	if len(id) < len(runTimeLayout) {
		return time.Time{}, fmt.Errorf("invalid run id: %s", id)
	}
	t, err := time.Parse(runTimeLayout, id[:len(runTimeLayout)])
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid run id %s: %w", id, err)
	}
	return t, nil
}

// New returns a time-ordered UUIDv7 string for jobs and rules.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// UUIDGenerator adapts New to the Generator interface.
type UUIDGenerator struct{}

func (UUIDGenerator) Next() string { return New() }

// WorkerID builds a lease-holder id unique to this process, e.g. "host-4242-1a2b3c4d".
func WorkerID(prefix string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	if prefix != "" {
		host = prefix + "-" + host
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}
