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

package registry

import (
	"crypto/subtle"
	"sync"
	"time"

	"github.com/alwitt/driverbroker/common"
	"github.com/apex/log"
	"github.com/google/uuid"
)

// TokenAuthority issues and validates driver session tokens
type TokenAuthority interface {
	// Issue generate a fresh token for a driver, invalidating any previous one
	Issue(identity string) string
	// Validate whether the token is the driver's current, unexpired token
	Validate(identity, token string) bool
	// Refresh validate the token and push its expiry out by one heartbeat window
	Refresh(identity, token string) bool
	// Revoke drop the driver's token
	Revoke(identity string)
	// Expired whether the driver has no token, or its token deadline has passed
	Expired(identity string) bool
	// Deadline the expiry deadline of the driver's current token
	Deadline(identity string) (time.Time, bool)
}

type tokenRecord struct {
	value    string
	deadline time.Time
}

// tokenAuthorityImpl implements TokenAuthority
type tokenAuthorityImpl struct {
	common.Component
	window time.Duration
	clock  common.Clock
	lock   sync.RWMutex
	tokens map[string]tokenRecord
}

// GetTokenAuthority define a new TokenAuthority
func GetTokenAuthority(window time.Duration, clock common.Clock) (TokenAuthority, error) {
	logTags := log.Fields{
		"module": "registry", "component": "token-authority",
	}
	return &tokenAuthorityImpl{
		Component: common.Component{LogTags: logTags},
		window:    window,
		clock:     clock,
		tokens:    make(map[string]tokenRecord),
	}, nil
}

func (a *tokenAuthorityImpl) Issue(identity string) string {
	token := uuid.NewString()
	a.lock.Lock()
	defer a.lock.Unlock()
	a.tokens[identity] = tokenRecord{value: token, deadline: a.clock.Now().Add(a.window)}
	log.WithFields(a.LogTags).Debugf("Issued new token for '%s'", identity)
	return token
}

// check caller must hold the lock
func (a *tokenAuthorityImpl) check(identity, token string) bool {
	record, ok := a.tokens[identity]
	if !ok || len(token) == 0 {
		return false
	}
	if subtle.ConstantTimeCompare([]byte(record.value), []byte(token)) != 1 {
		return false
	}
	return a.clock.Now().Before(record.deadline)
}

func (a *tokenAuthorityImpl) Validate(identity, token string) bool {
	a.lock.RLock()
	defer a.lock.RUnlock()
	return a.check(identity, token)
}

func (a *tokenAuthorityImpl) Refresh(identity, token string) bool {
	a.lock.Lock()
	defer a.lock.Unlock()
	if !a.check(identity, token) {
		return false
	}
	record := a.tokens[identity]
	record.deadline = a.clock.Now().Add(a.window)
	a.tokens[identity] = record
	return true
}

func (a *tokenAuthorityImpl) Revoke(identity string) {
	a.lock.Lock()
	defer a.lock.Unlock()
	if _, ok := a.tokens[identity]; ok {
		delete(a.tokens, identity)
		log.WithFields(a.LogTags).Debugf("Revoked token for '%s'", identity)
	}
}

func (a *tokenAuthorityImpl) Expired(identity string) bool {
	a.lock.RLock()
	defer a.lock.RUnlock()
	record, ok := a.tokens[identity]
	if !ok {
		return true
	}
	return !a.clock.Now().Before(record.deadline)
}

func (a *tokenAuthorityImpl) Deadline(identity string) (time.Time, bool) {
	a.lock.RLock()
	defer a.lock.RUnlock()
	record, ok := a.tokens[identity]
	return record.deadline, ok
}
