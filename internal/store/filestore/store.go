// Package filestore is the default persistence backend: every collection is a
// JSON Lines file in one directory. Claims are atomic across goroutines and
// across processes sharing the directory.
package filestore

import (
	"fmt"
	"os"
	"time"

	"github.com/aatumaykin/nexrun/internal/jobs"
	"github.com/aatumaykin/nexrun/internal/logger"
	"github.com/aatumaykin/nexrun/internal/rules"
)

const (
	JobsCollection           = "jobs"
	ScheduledRulesCollection = "scheduled_rules"
	RecurringRulesCollection = "recurring_rules"
)

// Store implements jobs.Store, rules.ScheduledStore and rules.RecurringStore.
type Store struct {
	dir       string
	jobs      *collection[jobs.Job]
	scheduled *collection[rules.ScheduledRule]
	recurring *collection[rules.RecurringRule]
	now       func() time.Time
}

var (
	_ jobs.Store           = (*Store)(nil)
	_ rules.ScheduledStore = (*Store)(nil)
	_ rules.RecurringStore = (*Store)(nil)
)

// New opens (and creates if needed) a store rooted at dir.
func New(dir string, log *logger.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	log = log.Component("filestore")
	return &Store{
		dir:       dir,
		jobs:      newCollection[jobs.Job](dir, JobsCollection, log),
		scheduled: newCollection[rules.ScheduledRule](dir, ScheduledRulesCollection, log),
		recurring: newCollection[rules.RecurringRule](dir, RecurringRulesCollection, log),
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// Dir returns the store directory.
func (s *Store) Dir() string {
	return s.dir
}
