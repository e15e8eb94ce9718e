package ai

import (
	"context"
	"fmt"
	"time"
)

type pollConfig struct {
	Interval time.Duration
	// MaxAttempts is the hard ceiling on status checks.
	MaxAttempts int
	// MaxAuthFailures is how many consecutive credential failures are
	// tolerated before they count as a hard failure.
	MaxAuthFailures int
}

// pollCheck reports whether the remote task reached a terminal state.
type pollCheck func(ctx context.Context, attempt int) (done bool, err error)

// pollTask waits Interval, calls check, and repeats until check reports done,
// check fails with a non-auth error, the auth sub-budget runs out, the attempt
// ceiling is hit, or ctx ends. It returns the number of checks made.
func pollTask(ctx context.Context, cfg pollConfig, check pollCheck, isAuthErr func(error) bool) (int, error) {
	timer := time.NewTimer(cfg.Interval)
	defer timer.Stop()

	authFailures := 0
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return attempt - 1, ctx.Err()
		case <-timer.C:
		}

		done, err := check(ctx, attempt)
		switch {
		case err == nil:
			authFailures = 0
			if done {
				return attempt, nil
			}
		case isAuthErr != nil && isAuthErr(err):
			authFailures++
			if authFailures > cfg.MaxAuthFailures {
				return attempt, fmt.Errorf("%d consecutive auth failures while polling: %w", authFailures, err)
			}
		default:
			return attempt, err
		}
		timer.Reset(cfg.Interval)
	}
	return cfg.MaxAttempts, fmt.Errorf("%w after %d checks (%s)", ErrPollTimeout, cfg.MaxAttempts, time.Duration(cfg.MaxAttempts)*cfg.Interval)
}
