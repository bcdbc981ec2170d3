// Package retry implements the bounded exponential-backoff-with-jitter
// policy spec.md §5 and §7 require: idempotent upstream reads and
// transient SQL/cache failures get at most two retries before the
// caller gives up and the failure surfaces as a hard error.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// MaxAttempts is the initial attempt plus at most two retries.
const MaxAttempts = 3

const (
	baseDelay = 25 * time.Millisecond
	maxDelay  = 400 * time.Millisecond
)

// Do runs op, retrying while isTransient(err) is true, up to MaxAttempts
// total tries, sleeping a jittered exponential backoff between attempts.
// A non-transient error, or exhausting all attempts, returns the last
// error unwrapped — callers decide how to surface retry exhaustion.
func Do[T any](ctx context.Context, isTransient func(error) bool, op func() (T, error)) (T, error) {
	var zero T
	var err error
	for attempt := 0; attempt < MaxAttempts; attempt++ {
		var result T
		result, err = op()
		if err == nil {
			return result, nil
		}
		if !isTransient(err) || attempt == MaxAttempts-1 {
			return zero, err
		}
		if sleepErr := sleep(ctx, attempt); sleepErr != nil {
			return zero, sleepErr
		}
	}
	return zero, err
}

func sleep(ctx context.Context, attempt int) error {
	delay := baseDelay << attempt
	if delay > maxDelay {
		delay = maxDelay
	}
	jittered := delay/2 + time.Duration(rand.Int63n(int64(delay/2+1)))
	t := time.NewTimer(jittered)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
