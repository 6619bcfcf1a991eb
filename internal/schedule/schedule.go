package schedule

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// Kind discriminates the schedule variants.
type Kind string

const (
	KindCron   Kind = "cron"
	KindWindow Kind = "window"
	KindOnce   Kind = "once"
)

const clockLayout = "15:04"

// Schedule is a closed tagged union. Only the fields of the selected Type are
// meaningful:
//
//	cron:   Expression
//	window: Cron, StartTime, EndTime ("HH:MM", local to the evaluation time zone)
//	once:   RunAt
type Schedule struct {
	Type       Kind       `json:"type" yaml:"type"`
	Expression string     `json:"expression,omitempty" yaml:"expression,omitempty"`
	Cron       string     `json:"cron,omitempty" yaml:"cron,omitempty"`
	StartTime  string     `json:"startTime,omitempty" yaml:"startTime,omitempty"`
	EndTime    string     `json:"endTime,omitempty" yaml:"endTime,omitempty"`
	RunAt      *time.Time `json:"runAt,omitempty" yaml:"runAt,omitempty"`
}

// Rand is the randomness source used for window schedules.
type Rand interface {
	Int64N(n int64) int64
}

type globalRand struct{}

func (globalRand) Int64N(n int64) int64 { return rand.Int64N(n) }

// Cron builds a cron schedule.
func Cron(expression string) Schedule {
	return Schedule{Type: KindCron, Expression: expression}
}

// Window builds a window schedule.
func Window(cronExpr, startTime, endTime string) Schedule {
	return Schedule{Type: KindWindow, Cron: cronExpr, StartTime: startTime, EndTime: endTime}
}

// Once builds a once schedule.
func Once(runAt time.Time) Schedule {
	return Schedule{Type: KindOnce, RunAt: &runAt}
}

// IsOnce reports whether the schedule fires a single time.
func (s Schedule) IsOnce() bool {
	return s.Type == KindOnce
}

// Validate checks the fields required by the schedule type.
func (s Schedule) Validate() error {
	switch s.Type {
	case KindCron:
		return ValidateCron(s.Expression)
	case KindWindow:
		if err := ValidateCron(s.Cron); err != nil {
			return err
		}
		start, err := parseClock(s.StartTime)
		if err != nil {
			return fmt.Errorf("window startTime: %w", err)
		}
		end, err := parseClock(s.EndTime)
		if err != nil {
			return fmt.Errorf("window endTime: %w", err)
		}
		if end <= start {
			return fmt.Errorf("window endTime %s must be after startTime %s", s.EndTime, s.StartTime)
		}
		return nil
	case KindOnce:
		if s.RunAt == nil || s.RunAt.IsZero() {
			return errors.New("once schedule requires runAt")
		}
		return nil
	default:
		return fmt.Errorf("unknown schedule type %q", s.Type)
	}
}

// ComputeNextRun returns the next instant the schedule should fire after now.
// A nil time with a nil error means the schedule has no next run (once).
// rng may be nil, in which case the package-level source is used.
func ComputeNextRun(s Schedule, now time.Time, rng Rand) (*time.Time, error) {
	switch s.Type {
	case KindCron:
		next, err := NextCron(s.Expression, now)
		if err != nil {
			return nil, err
		}
		return &next, nil
	case KindWindow:
		next, err := nextInWindow(s, now, rng)
		if err != nil {
			return nil, err
		}
		return &next, nil
	case KindOnce:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown schedule type %q", s.Type)
	}
}

// nextInWindow takes the date of the cron's next occurrence and picks a
// uniformly random second inside [StartTime, EndTime) on that date.
func nextInWindow(s Schedule, now time.Time, rng Rand) (time.Time, error) {
	if err := s.Validate(); err != nil {
		return time.Time{}, err
	}
	anchor, err := NextCron(s.Cron, now)
	if err != nil {
		return time.Time{}, err
	}
	start, _ := parseClock(s.StartTime)
	end, _ := parseClock(s.EndTime)

	y, m, d := anchor.Date()
	windowStart := time.Date(y, m, d, int(start/time.Hour), int(start%time.Hour/time.Minute), 0, 0, anchor.Location())
	span := int64((end - start) / time.Second)

	if rng == nil {
		rng = globalRand{}
	}
	return windowStart.Add(time.Duration(rng.Int64N(span)) * time.Second), nil
}

// parseClock parses "HH:MM" into an offset from midnight.
func parseClock(value string) (time.Duration, error) {
	t, err := time.Parse(clockLayout, value)
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q (expected HH:MM)", value)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}
