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

package liveness

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/driverbroker/common"
	"github.com/alwitt/driverbroker/registry"
	"github.com/apex/log"
)

// errStillAlive the driver heartbeated between the expiry scan and eviction
var errStillAlive = errors.New("driver heartbeat refreshed")

// Monitor tracks driver heartbeats and evicts drivers whose session lapsed
type Monitor interface {
	// Heartbeat refresh a driver's session
	Heartbeat(identity, token string) error
	// Sweep evict every driver whose session expired. Returns the evicted identities.
	Sweep() []string
	// Start run Sweep periodically
	Start(interval time.Duration) error
	// Stop stop the periodic sweep
	Stop() error
}

// monitorImpl implements Monitor
type monitorImpl struct {
	common.Component
	registry registry.Registry
	clock    common.Clock
	timer    common.IntervalTimer
}

// GetMonitor define a new liveness Monitor
func GetMonitor(
	rootCtxt context.Context,
	reg registry.Registry,
	clock common.Clock,
	wg *sync.WaitGroup,
) (Monitor, error) {
	logTags := log.Fields{
		"module": "liveness", "component": "monitor",
	}
	timer, err := common.GetIntervalTimerInstance("liveness-sweep", rootCtxt, wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define sweep timer")
		return nil, err
	}
	return &monitorImpl{
		Component: common.Component{LogTags: logTags},
		registry:  reg,
		clock:     clock,
		timer:     timer,
	}, nil
}

func (m *monitorImpl) Heartbeat(identity, token string) error {
	return m.registry.Access(identity, func(entry *registry.DriverEntry) error {
		if !m.registry.Tokens().Refresh(identity, token) {
			return fmt.Errorf("%w: '%s'", common.ErrInvalidToken, identity)
		}
		entry.LastHeartbeat = m.clock.Now()
		return nil
	})
}

func (m *monitorImpl) Sweep() []string {
	tokens := m.registry.Tokens()
	evicted := []string{}
	for _, identity := range m.registry.List() {
		if !tokens.Expired(identity) {
			continue
		}
		var lastSeen time.Time
		err := m.registry.RemoveIf(
			identity, common.ErrEvicted, func(entry registry.DriverEntry) error {
				if !tokens.Expired(identity) {
					return errStillAlive
				}
				lastSeen = entry.LastHeartbeat
				return nil
			},
		)
		switch {
		case err == nil:
			log.WithFields(m.LogTags).Warnf(
				"Evicted '%s', no heartbeat since %s", identity, lastSeen.Format(time.RFC3339),
			)
			evicted = append(evicted, identity)
		case errors.Is(err, errStillAlive), errors.Is(err, common.ErrNotFound):
			// Refreshed or removed since the scan
		default:
			log.WithError(err).WithFields(m.LogTags).Errorf("Failed to evict '%s'", identity)
		}
	}
	return evicted
}

func (m *monitorImpl) Start(interval time.Duration) error {
	return m.timer.Start(interval, func(context.Context) error {
		if evicted := m.Sweep(); len(evicted) > 0 {
			log.WithFields(m.LogTags).Infof("Sweep evicted %d drivers", len(evicted))
		}
		return nil
	}, false)
}

func (m *monitorImpl) Stop() error {
	return m.timer.Stop()
}
