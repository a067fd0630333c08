// Copyright 2026 The driverbroker Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dispatch

import (
	"github.com/alphadose/haxmap"
	"golang.org/x/time/rate"
)

// RateLimiter per-driver dispatch admission
type RateLimiter interface {
	// Allow whether another dispatch to the driver is admitted now
	Allow(identity string) bool
	// Forget drop the driver's limiter state
	Forget(identity string)
}

// tokenBucketLimiter implements RateLimiter with one token bucket per driver
type tokenBucketLimiter struct {
	limit    rate.Limit
	burst    int
	limiters *haxmap.Map[string, *rate.Limiter]
}

// GetRateLimiter define a per-driver RateLimiter. A non-positive ratePerSec
// disables limiting.
func GetRateLimiter(ratePerSec float64, burst int) RateLimiter {
	if ratePerSec <= 0 {
		return unlimited{}
	}
	if burst < 1 {
		burst = 1
	}
	return &tokenBucketLimiter{
		limit:    rate.Limit(ratePerSec),
		burst:    burst,
		limiters: haxmap.New[string, *rate.Limiter](),
	}
}

func (l *tokenBucketLimiter) Allow(identity string) bool {
	limiter, _ := l.limiters.GetOrCompute(identity, func() *rate.Limiter {
		return rate.NewLimiter(l.limit, l.burst)
	})
	return limiter.Allow()
}

func (l *tokenBucketLimiter) Forget(identity string) {
	l.limiters.Del(identity)
}

type unlimited struct{}

func (unlimited) Allow(string) bool { return true }

func (unlimited) Forget(string) {}
