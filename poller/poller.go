// Package poller waits on the status endpoints from the client side. The engine only
// guarantees the status contract; cadence, deadlines and error tolerance live here.
package poller

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/mmdatafocus/docflow_backend/config"
	"github.com/mmdatafocus/docflow_backend/workflow"
	"github.com/sirupsen/logrus"
)

type Outcome string

const (
	// OutcomeTerminal: the view stopped asking to be polled (done, failed or waiting on a human).
	OutcomeTerminal Outcome = "terminal"
	// OutcomeStillProcessing: MaxWait elapsed while the view still asked to be polled.
	OutcomeStillProcessing Outcome = "still_processing"
)

type Policy struct {
	Interval time.Duration
	MaxWait  time.Duration
	// MaxConsecutiveErrors transient failures in a row end the wait with the last error.
	MaxConsecutiveErrors int
}

func DefaultPolicy() Policy {
	return Policy{Interval: time.Second, MaxWait: 45 * time.Second, MaxConsecutiveErrors: 5}
}

func PolicyFromSettings(s config.PipelineSettings) Policy {
	p := DefaultPolicy()
	if s.PollInterval > 0 {
		p.Interval = s.PollInterval
	}
	if s.PollMaxWait > 0 {
		p.MaxWait = s.PollMaxWait
	}
	return p
}

func (p Policy) normalize() Policy {
	d := DefaultPolicy()
	if p.Interval <= 0 {
		p.Interval = d.Interval
	}
	if p.MaxWait <= 0 {
		p.MaxWait = d.MaxWait
	}
	if p.MaxConsecutiveErrors <= 0 {
		p.MaxConsecutiveErrors = d.MaxConsecutiveErrors
	}
	return p
}

type Result struct {
	Outcome  Outcome
	View     workflow.StatusView
	Attempts int
	Elapsed  time.Duration
}

// FetchFunc reads one status view.
type FetchFunc func(ctx context.Context) (workflow.StatusView, error)

// Waiter runs a Policy. The zero value uses the wall clock and no logging.
type Waiter struct {
	Policy Policy
	Logger *logrus.Logger
	now    func() time.Time
}

func NewWaiter(p Policy, logger *logrus.Logger) *Waiter {
	return &Waiter{Policy: p, Logger: logger}
}

// Wait polls until the view stops asking to be polled or MaxWait passes. A view with a lower
// version than one already seen is a stale read and is ignored. Only transient errors are
// retried; a permanent error, too many errors in a row or ctx ending returns an error.
func (w *Waiter) Wait(ctx context.Context, fetch FetchFunc) (Result, error) {
	p := w.Policy.normalize()
	now := w.now
	if now == nil {
		now = time.Now
	}
	start := now()
	deadline := start.Add(p.MaxWait)

	var (
		res       Result
		seen      bool
		errStreak int
	)
	for {
		res.Attempts++
		v, err := fetch(ctx)
		delay := p.Interval
		switch {
		case err != nil:
			if !IsTransient(err) {
				return res, err
			}
			errStreak++
			if errStreak >= p.MaxConsecutiveErrors {
				return res, err
			}
			delay = backoff(p.Interval, errStreak)
			w.log().WithError(err).WithField("attempt", res.Attempts).Warn("status poll failed, retrying")
		case seen && v.Version < res.View.Version:
			errStreak = 0
			w.log().WithFields(logrus.Fields{
				"id":           v.ID,
				"version":      v.Version,
				"seen_version": res.View.Version,
			}).Debug("ignoring stale status view")
		default:
			errStreak = 0
			seen = true
			res.View = v
			if !v.KeepPolling {
				res.Outcome = OutcomeTerminal
				res.Elapsed = now().Sub(start)
				return res, nil
			}
			if ra := time.Duration(v.RetryAfterMs) * time.Millisecond; ra > delay {
				delay = ra
			}
		}

		remaining := deadline.Sub(now())
		if remaining <= 0 {
			if !seen {
				return res, context.DeadlineExceeded
			}
			res.Outcome = OutcomeStillProcessing
			res.Elapsed = now().Sub(start)
			return res, nil
		}
		if delay > remaining {
			delay = remaining
		}
		if err := sleep(ctx, delay); err != nil {
			return res, err
		}
	}
}

// backoff doubles the interval per consecutive error, capped like the server's reconnect loops.
func backoff(interval time.Duration, streak int) time.Duration {
	d := interval << min(streak, 5)
	if limit := config.BackoffDelay(streak); d > limit {
		d = limit
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var discard = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

func (w *Waiter) log() *logrus.Entry {
	if w.Logger == nil {
		return logrus.NewEntry(discard)
	}
	return logrus.NewEntry(w.Logger)
}

// IsTransient reports whether a fetch error is worth retrying: network errors, 429 and 5xx.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var he *HTTPError
	if errors.As(err, &he) {
		return he.Status == 429 || he.Status >= 500
	}
	return true
}
