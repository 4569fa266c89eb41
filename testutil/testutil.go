// Package testutil contains shared helpers for tests: bounded
// contexts and standard wait durations for Eventually-style polling.
package testutil

import (
	"context"
	"testing"
	"time"
)

const (
	// WaitShort is for operations expected to complete near-instantly.
	WaitShort = 10 * time.Second
	// WaitMedium is for operations involving a few round trips.
	WaitMedium = 15 * time.Second
	// WaitLong is for operations that spawn processes or servers.
	WaitLong = 25 * time.Second

	IntervalFast   = 25 * time.Millisecond
	IntervalMedium = 250 * time.Millisecond
)

// Context returns a context that is canceled when the test
// finishes or the wait duration elapses, whichever is first.
func Context(t testing.TB, waitFor time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	t.Cleanup(cancel)
	return ctx
}
