package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/mohans/genq/adapter"
)

// PollPolicy bounds the poll loop of one phase by attempt count, not
// wall-clock time.
type PollPolicy struct {
	Interval    time.Duration `yaml:"interval"`
	MaxAttempts int           `yaml:"max_attempts"`
	// MaxErrors is how many non-transient poll errors are tolerated before
	// the phase fails. Transient errors only consume attempts.
	MaxErrors int `yaml:"max_errors"`
}

// DefaultPollPolicy polls every 20s for up to an hour.
func DefaultPollPolicy() PollPolicy {
	return PollPolicy{Interval: 20 * time.Second, MaxAttempts: 180, MaxErrors: 5}
}

func (pp PollPolicy) withDefaults() PollPolicy {
	d := DefaultPollPolicy()
	if pp.Interval < 0 {
		pp.Interval = 0
	}
	if pp.MaxAttempts <= 0 {
		pp.MaxAttempts = d.MaxAttempts
	}
	if pp.MaxErrors <= 0 {
		pp.MaxErrors = d.MaxErrors
	}
	return pp
}

// TimeoutError means the remote work stayed non-terminal for the whole
// attempt budget.
type TimeoutError struct {
	Attempts int
	Interval time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("remote work still pending after %d polls (%s)", e.Attempts, time.Duration(e.Attempts)*e.Interval)
}

// FailureError means the remote service reported the work as failed or
// unknown.
type FailureError struct {
	Reason string
}

func (e *FailureError) Error() string { return "remote work failed: " + e.Reason }

// Attempt describes one poll for progress reporting.
type Attempt struct {
	N      int
	Result adapter.PollResult
	Err    error
}

// Await sleeps Interval before each poll and returns the Succeeded result.
// It polls exactly MaxAttempts times before giving up with *TimeoutError.
func Await(ctx context.Context, poller adapter.Poller, externalID string, policy PollPolicy, onAttempt func(Attempt)) (adapter.PollResult, error) {
	policy = policy.withDefaults()
	errs := 0
	for n := 1; n <= policy.MaxAttempts; n++ {
		if err := sleep(ctx, policy.Interval); err != nil {
			return adapter.PollResult{}, err
		}
		res, err := poller.Poll(ctx, externalID)
		if onAttempt != nil {
			onAttempt(Attempt{N: n, Result: res, Err: err})
		}
		if err != nil {
			if ctx.Err() != nil {
				return adapter.PollResult{}, ctx.Err()
			}
			if adapter.IsTransient(err) {
				continue
			}
			errs++
			if errs >= policy.MaxErrors {
				return adapter.PollResult{}, fmt.Errorf("poll %s: %w", externalID, err)
			}
			continue
		}
		switch res.State {
		case adapter.Succeeded:
			return res, nil
		case adapter.Failed:
			return res, &FailureError{Reason: res.Reason}
		case adapter.NotFound:
			return res, &FailureError{Reason: fmt.Sprintf("external task %s not found", externalID)}
		}
	}
	return adapter.PollResult{}, &TimeoutError{Attempts: policy.MaxAttempts, Interval: policy.Interval}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
