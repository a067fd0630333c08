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

package common

import (
	"sync"
	"time"
)

// Clock source of wall time for token expiry and heartbeat bookkeeping.
// Production uses GetRealClock(); tests drive a FakeClock.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

// Now returns time.Now(), which carries a monotonic reading
func (realClock) Now() time.Time {
	return time.Now()
}

// GetRealClock get the clock backed by the system time
func GetRealClock() Clock {
	return realClock{}
}

// FakeClock manually advanced clock
type FakeClock struct {
	lock    sync.Mutex
	current time.Time
}

// NewFakeClock define a fake clock starting at the given time
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{current: start}
}

// Now returns the fake clock's current time
func (c *FakeClock) Now() time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.current
}

// Advance moves the fake clock forward
func (c *FakeClock) Advance(d time.Duration) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.current = c.current.Add(d)
}
