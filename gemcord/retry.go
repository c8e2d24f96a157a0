package gemcord

import (
	"context"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"log/slog"
	"strings"
	"time"
)

// contentBlockedPrunePairs is the number of trailing turns dropped when
// the model refuses to answer. The most recent exchange is the likely
// cause, so removing it lets the next attempt succeed.
const contentBlockedPrunePairs = 2

// legacyBlockedPrefix is the error prefix Google's client libraries use
// for blocked candidates
const legacyBlockedPrefix = "[GoogleGenerativeAI Error]: Candidate was blocked due to"

type retryState int

const (
	retryAttempt retryState = iota
	retryBackoff
	retryDone
)

func (s retryState) String() string {
	switch s {
	case retryAttempt:
		return "ATTEMPT"
	case retryBackoff:
		return "BACKOFF"
	case retryDone:
		return "DONE"
	default:
		return fmt.Sprintf("retryState(%d)", int(s))
	}
}

// AttemptFunc runs a single attempt. n starts at 1.
type AttemptFunc func(ctx context.Context, n int) error

// PruneFunc removes the trailing turns of the conversation being
// retried, returning false if there weren't enough turns to remove.
type PruneFunc func(n int) bool

// RetryPolicy retries a full message handling attempt, with a fixed
// delay between attempts.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
	Logger      *slog.Logger
}

// RetryResult is the outcome of RetryPolicy.Run
type RetryResult struct {
	// Attempts is the number of times the attempt func was called
	Attempts int

	// Pruned is the number of times history was pruned after the
	// model blocked a response
	Pruned int

	// Err is nil on success, otherwise it joins every attempt's error
	Err error
}

func newRetryPolicy(cfg *RetryConfig, logger *slog.Logger) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: cfg.MaxAttempts,
		Backoff:     cfg.Backoff,
		Logger:      logger,
	}
}

// Run calls attempt until it succeeds, MaxAttempts is reached, or ctx
// is done.
//
//	ATTEMPT -> DONE     on success
//	ATTEMPT -> BACKOFF  on failure, pruning history first if the
//	                    model blocked the response
//	ATTEMPT -> DONE     on failure, when no attempts remain
//	BACKOFF -> ATTEMPT  after Backoff elapses
//	BACKOFF -> DONE     if ctx is done
func (p RetryPolicy) Run(
	ctx context.Context,
	attempt AttemptFunc,
	prune PruneFunc,
) RetryResult {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxAttempts := max(p.MaxAttempts, 1)

	var result RetryResult
	var errs []error

	state := retryAttempt
	for state != retryDone {
		switch state {
		case retryAttempt:
			if ctxErr := ctx.Err(); ctxErr != nil {
				errs = append(errs, ctxErr)
				state = retryDone
				continue
			}
			result.Attempts++
			err := attempt(ctx, result.Attempts)
			if err == nil {
				errs = nil
				state = retryDone
				continue
			}
			errs = append(errs, fmt.Errorf("attempt %d: %w", result.Attempts, err))
			if result.Attempts >= maxAttempts {
				state = retryDone
			} else {
				state = retryBackoff
			}
			logger.WarnContext(
				ctx,
				"attempt failed",
				"attempt", result.Attempts,
				"max_attempts", maxAttempts,
				"next_state", state.String(),
				tint.Err(err),
			)
			if isContentBlocked(err) && p.pruneBlocked(ctx, logger, prune) {
				result.Pruned++
			}
		case retryBackoff:
			if err := sleepContext(ctx, p.Backoff); err != nil {
				errs = append(errs, err)
				state = retryDone
				continue
			}
			state = retryAttempt
		}
	}

	if len(errs) > 0 {
		result.Err = errors.Join(errs...)
		logger.ErrorContext(
			ctx,
			"all attempts failed",
			"attempts", result.Attempts,
			"pruned", result.Pruned,
		)
	}
	return result
}

// pruneBlocked is the transition taken when the model refuses to
// respond: the most recent exchange is dropped from the conversation.
func (RetryPolicy) pruneBlocked(
	ctx context.Context,
	logger *slog.Logger,
	prune PruneFunc,
) bool {
	if prune == nil {
		return false
	}
	pruned := prune(contentBlockedPrunePairs)
	logger.InfoContext(
		ctx,
		"response blocked, pruning history",
		"turns", contentBlockedPrunePairs,
		"pruned", pruned,
	)
	return pruned
}

// isContentBlocked reports whether err indicates the model declined to
// produce a response for safety reasons
func isContentBlocked(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCandidateBlocked) {
		return true
	}
	msg := err.Error()
	return strings.HasPrefix(msg, legacyBlockedPrefix) ||
		strings.HasPrefix(strings.ToLower(msg), candidateBlockedPrefix)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
