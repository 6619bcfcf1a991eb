// Package postgres is the Postgres persistence backend. Claims use
// FOR UPDATE SKIP LOCKED so concurrent workers never lease the same row.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/aatumaykin/nexrun/internal/jobs"
	"github.com/aatumaykin/nexrun/internal/logger"
	"github.com/aatumaykin/nexrun/internal/rules"
)

type Store struct {
	db     *gorm.DB
	logger *logger.Logger
	now    func() time.Time
}

var (
	_ jobs.Store           = (*Store)(nil)
	_ rules.ScheduledStore = (*Store)(nil)
	_ rules.RecurringStore = (*Store)(nil)
)

// Connect opens a gorm connection to dsn.
func Connect(dsn string) (*gorm.DB, error) {
	gdb, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, err
	}
	return gdb, nil
}

func New(db *gorm.DB, log *logger.Logger) *Store {
	return &Store{
		db:     db,
		logger: log.Component("postgres"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Open connects and migrates.
func Open(ctx context.Context, dsn string, log *logger.Logger) (*Store, error) {
	db, err := Connect(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	s := New(db, log)
	if err := s.Migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Migrate creates the tables and the partial indexes used by the claim queries.
func (s *Store) Migrate(ctx context.Context) error {
	db := s.db.WithContext(ctx)
	if err := db.AutoMigrate(&jobRow{}, &scheduledRuleRow{}, &recurringRuleRow{}); err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}

	indexes := []string{
		`create index if not exists idx_jobs_claimable on jobs(created_at) where status = 'pending' and worker_id is null;`,
		`create index if not exists idx_scheduled_rules_due on scheduled_job_rules(next_run_at) where processed_at is null and disabled = false;`,
		`create index if not exists idx_recurring_rules_due on recurring_job_rules(next_run_at) where disabled = false;`,
	}
	for _, stmt := range indexes {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}

	s.logger.Info("postgres schema migrated")
	return nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func notFound(err, sentinel error, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s", sentinel, id)
	}
	return err
}
