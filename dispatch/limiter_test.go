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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiter(t *testing.T) {
	assert := assert.New(t)

	// Case 0: disabled
	{
		uut := GetRateLimiter(0, 1)
		for itr := 0; itr < 100; itr++ {
			assert.True(uut.Allow("pump1"))
		}
	}

	// Case 1: burst then throttled, per driver
	{
		uut := GetRateLimiter(0.001, 2)
		assert.True(uut.Allow("pump1"))
		assert.True(uut.Allow("pump1"))
		assert.False(uut.Allow("pump1"))
		assert.True(uut.Allow("valve1"))

		// Forgetting resets the bucket
		uut.Forget("pump1")
		assert.True(uut.Allow("pump1"))
	}
}
