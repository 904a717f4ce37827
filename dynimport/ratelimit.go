// Copyright 2016 Gareth Watts
// Licensed under an MIT license
// See the LICENSE file for details

package dynimport

import (
	"time"

	"github.com/juju/ratelimit"
)

// rateLimitWaiter paces requests against a token bucket holding one token
// per unit of capacity.
type rateLimitWaiter struct {
	*ratelimit.Bucket
	stopNotify <-chan struct{}
}

func newRateLimitWaiter(capacityPerSec float64, stopNotify <-chan struct{}) *rateLimitWaiter {
	c := int64(capacityPerSec)
	if c < 1 {
		c = 1
	}
	return &rateLimitWaiter{
		Bucket:     ratelimit.NewBucketWithQuantum(time.Second, c, c),
		stopNotify: stopNotify,
	}
}

// Interruptible rate limit wait
// Returns true if a stop was requested while waiting.
func (r *rateLimitWaiter) waitForRateLimit(usedCapacity int64) bool {
	d := r.Take(usedCapacity)
	if d > 0 {
		select {
		case <-time.After(d):
			return false
		case <-r.stopNotify:
			return true
		}
	}
	return false
}
