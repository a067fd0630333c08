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

package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/driverbroker/common"
	"github.com/apex/log"
)

// DriverSession a registered driver's session with the broker
type DriverSession struct {
	common.Component
	client    *Client
	identity  string
	token     string
	lock      sync.Mutex
	heartbeat common.IntervalTimer
}

// RegisterDriver register a driver and return its session
func (c *Client) RegisterDriver(
	ctxt context.Context, identity string, schema []byte, operations []string,
) (*DriverSession, error) {
	token, err := c.Register(ctxt, identity, schema, operations)
	if err != nil {
		return nil, err
	}
	return &DriverSession{
		Component: common.Component{LogTags: log.Fields{
			"module": "client", "component": "driver-session", "instance": identity,
		}},
		client:   c,
		identity: identity,
		token:    token,
	}, nil
}

// Identity driver identity
func (s *DriverSession) Identity() string {
	return s.identity
}

// Token session token
func (s *DriverSession) Token() string {
	return s.token
}

// Heartbeat send one heartbeat
func (s *DriverSession) Heartbeat(ctxt context.Context) error {
	return s.client.Heartbeat(ctxt, s.identity, s.token)
}

// Update replace the driver's state snapshot
func (s *DriverSession) Update(ctxt context.Context, state []byte) error {
	return s.client.Update(ctxt, s.identity, s.token, state)
}

// Subscribe open the NDJSON operation stream
func (s *DriverSession) Subscribe(ctxt context.Context) (OperationStream, error) {
	return s.client.Subscribe(ctxt, s.identity, s.token)
}

// SubscribeWebSocket open the WebSocket operation stream
func (s *DriverSession) SubscribeWebSocket(ctxt context.Context) (OperationStream, error) {
	return s.client.SubscribeWebSocket(ctxt, s.identity, s.token)
}

// StartHeartbeat send heartbeats every interval until ctxt ends or the session is
// lost. onLost, if given, is called once with the error that ended the session.
// Once the session is lost, StartHeartbeat may be called again.
func (s *DriverSession) StartHeartbeat(
	ctxt context.Context, interval time.Duration, onLost func(error), wg *sync.WaitGroup,
) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.heartbeat != nil {
		return fmt.Errorf("heartbeat for '%s' already running", s.identity)
	}
	timer, err := common.GetIntervalTimerInstance(
		fmt.Sprintf("heartbeat-%s", s.identity), ctxt, wg,
	)
	if err != nil {
		return err
	}
	if err := timer.Start(interval, func(timerCtxt context.Context) error {
		lclCtxt, cancel := context.WithTimeout(timerCtxt, interval)
		defer cancel()
		err := s.Heartbeat(lclCtxt)
		if err == nil {
			return nil
		}
		if errors.Is(err, common.ErrInvalidToken) || errors.Is(err, common.ErrNotFound) {
			log.WithError(err).WithFields(s.LogTags).Error("Session lost")
			s.clearHeartbeat(timer)
			if onLost != nil {
				onLost(err)
			}
			return err
		}
		// Transient; the next tick retries
		log.WithError(err).WithFields(s.LogTags).Warn("Heartbeat failed")
		return nil
	}, false); err != nil {
		return err
	}
	s.heartbeat = timer
	return nil
}

// clearHeartbeat stop the heartbeat timer if it is still the active one
func (s *DriverSession) clearHeartbeat(timer common.IntervalTimer) {
	s.lock.Lock()
	if s.heartbeat == timer {
		s.heartbeat = nil
	}
	s.lock.Unlock()
	_ = timer.Stop()
}

// Disconnect stop heartbeats and end the session
func (s *DriverSession) Disconnect(ctxt context.Context) error {
	s.lock.Lock()
	timer := s.heartbeat
	s.heartbeat = nil
	s.lock.Unlock()
	if timer != nil {
		_ = timer.Stop()
	}
	return s.client.Disconnect(ctxt, s.identity, s.token)
}
