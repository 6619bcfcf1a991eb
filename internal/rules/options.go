package rules

import "time"

// DefaultRetryDelay is how long a scheduled rule waits after a failed attempt.
const DefaultRetryDelay = time.Minute

type options struct {
	now        func() time.Time
	location   *time.Location
	retryDelay time.Duration
}

// Option configures a rule service.
type Option func(*options)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLocation sets the time zone cron expressions are evaluated in.
func WithLocation(loc *time.Location) Option {
	return func(o *options) {
		if loc != nil {
			o.location = loc
		}
	}
}

// WithRetryDelay sets how long a released scheduled rule stays unclaimable.
func WithRetryDelay(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.retryDelay = d
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now, location: time.Local, retryDelay: DefaultRetryDelay}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
