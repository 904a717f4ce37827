// Copyright 2016 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package dynimport

import (
	"time"

	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy decides whether, and how often, a failed item write is
// attempted again before being reported as a failure.
type RetryPolicy interface {
	// NewBackOff returns the schedule for retrying a single item.
	NewBackOff() backoff.BackOff
	// Retryable reports whether err is worth retrying.
	Retryable(err error) bool
}

// NoRetry makes a single attempt at every write.
var NoRetry RetryPolicy = noRetry{}

type noRetry struct{}

func (noRetry) NewBackOff() backoff.BackOff { return &backoff.StopBackOff{} }
func (noRetry) Retryable(err error) bool    { return false }

// ThrottleRetry retries writes rejected because the table's provisioned
// throughput, or the account's request rate, was exceeded.
type ThrottleRetry struct {
	InitialInterval time.Duration // Defaults to 100ms
	MaxInterval     time.Duration // Defaults to 10s
	MaxElapsed      time.Duration // Give up after this long; 0 retries forever
}

// NewBackOff implements RetryPolicy.
func (r ThrottleRetry) NewBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	if r.InitialInterval > 0 {
		b.InitialInterval = r.InitialInterval
	}
	if r.MaxInterval > 0 {
		b.MaxInterval = r.MaxInterval
	}
	b.MaxElapsedTime = r.MaxElapsed
	return b
}

// Retryable implements RetryPolicy.
func (r ThrottleRetry) Retryable(err error) bool {
	return request.IsErrorThrottle(err)
}
