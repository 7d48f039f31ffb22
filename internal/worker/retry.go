package worker

import (
	"context"
	"crypto/rand"
	"math"
	"math/big"
	"time"

	"github.com/leviathan-agent/leviathan/internal/journal"
	"github.com/leviathan-agent/leviathan/internal/leverr"
)

// submissionRetryBudget bounds how many times the worker tries a bundle
// submission (the first try plus up to five retries) before giving up and writing a local crash artifact (spec
// §4.5 "bundle submission").
const submissionRetryBudget = 6

// submitWithBackoff retries bundle submission with bounded exponential
// backoff and full jitter, the same recovery policy spec §7 requires for
// TransportFailed and RateLimited on any outbound call.
func submitWithBackoff(ctx context.Context, submitter BundleSubmitter, bundle journal.Bundle) error {
	var lastErr error
	for attempt := 0; attempt < submissionRetryBudget; attempt++ {
		if attempt > 0 {
			if err := sleepWithJitter(ctx, attempt); err != nil {
				return err
			}
		}
		err := submitter.Submit(ctx, bundle)
		if err == nil {
			return nil
		}
		lastErr = err
		if !leverr.Recoverable(err) {
			return err
		}
	}
	return lastErr
}

func sleepWithJitter(ctx context.Context, attempt int) error {
	base := time.Duration(math.Pow(2, float64(attempt))) * 500 * time.Millisecond
	if base > 30*time.Second {
		base = 30 * time.Second
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(base)))
	var jittered time.Duration
	if err != nil {
		jittered = base
	} else {
		jittered = time.Duration(n.Int64())
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(jittered):
		return nil
	}
}
