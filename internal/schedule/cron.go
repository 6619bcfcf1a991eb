// Package schedule evaluates cron expressions and the agent schedule
// variants (cron, window, once) built on top of them.
package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidCron is returned for expressions that do not parse under the
// 5-field grammar (minute hour day month dayOfWeek).
var ErrInvalidCron = errors.New("invalid cron expression")

// Five fields only: no seconds, no descriptors like @daily.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseCron parses a 5-field cron expression.
func ParseCron(expression string) (cron.Schedule, error) {
	if strings.TrimSpace(expression) == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrInvalidCron)
	}
	s, err := parser.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %w", ErrInvalidCron, expression, err)
	}
	return s, nil
}

// ValidateCron reports whether expression is a valid 5-field cron expression.
func ValidateCron(expression string) error {
	_, err := ParseCron(expression)
	return err
}

// NextCron returns the first occurrence of expression strictly after now,
// evaluated in now's location.
func NextCron(expression string, now time.Time) (time.Time, error) {
	s, err := ParseCron(expression)
	if err != nil {
		return time.Time{}, err
	}
	next := s.Next(now)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("%w %q: no future occurrence", ErrInvalidCron, expression)
	}
	return next, nil
}
