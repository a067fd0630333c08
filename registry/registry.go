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
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/driverbroker/common"
	"github.com/apex/log"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// DriverEntry registration record of one driver
type DriverEntry struct {
	// Identity unique driver name
	Identity string `json:"identity"`
	// Schema opaque schema document provided at registration
	Schema []byte `json:"schema"`
	// Operations supported operation names
	Operations []string `json:"operations"`
	// State last state snapshot published by the driver; nil until the first update
	State []byte `json:"state"`
	// LastHeartbeat time of the last accepted heartbeat (or registration)
	LastHeartbeat time.Time `json:"last_heartbeat"`
	// RegisteredAt time of the registration
	RegisteredAt time.Time `json:"registered_at"`
	// StateUpdatedAt time of the last state update; zero until the first update
	StateUpdatedAt time.Time `json:"state_updated_at"`
}

// Supports whether the driver advertised the operation
func (e DriverEntry) Supports(operation string) bool {
	for _, op := range e.Operations {
		if op == operation {
			return true
		}
	}
	return false
}

// copy deep copy of the entry
func (e DriverEntry) copy() DriverEntry {
	result := e
	result.Schema = common.CopyBytes(e.Schema)
	result.State = common.CopyBytes(e.State)
	result.Operations = append([]string(nil), e.Operations...)
	return result
}

// ReleaseHook called with the driver's lock held whenever a driver's session
// is torn down (removal or re-registration), so attached resources can be released
type ReleaseHook func(identity string, reason error)

// EntryCheck precondition evaluated with the driver's lock held. A non-nil
// return aborts the calling operation with that error.
type EntryCheck func(entry DriverEntry) error

// Registry the set of registered drivers
type Registry interface {
	// Register add a driver. Returns the new session token, and whether this
	// replaced an expired registration of the same identity.
	Register(identity string, schema []byte, operations []string) (string, bool, error)
	// Get fetch a copy of a driver's entry
	Get(identity string) (DriverEntry, error)
	// List identities of all drivers, in registration order
	List() []string
	// UpdateState replace a driver's state snapshot
	UpdateState(identity, token string, state []byte) error
	// Remove delete a driver, revoke its token, and release its session with reason
	Remove(identity string, reason error) error
	// RemoveIf same as Remove, but only if check passes under the driver's lock
	RemoveIf(identity string, reason error, check EntryCheck) error
	// Access run fn with the driver's lock held
	Access(identity string, fn func(entry *DriverEntry) error) error
	// SetReleaseHook install the session release hook
	SetReleaseHook(hook ReleaseHook)
	// Tokens the TokenAuthority backing this registry
	Tokens() TokenAuthority
}

// entryRecord one registry slot. lock is the per-driver lock; removed is set
// under lock right before the record leaves the map.
type entryRecord struct {
	lock    sync.Mutex
	removed bool
	entry   DriverEntry
}

// registryImpl implements Registry
//
// Lock ordering: a driver's record lock may be held while taking the map
// lock, never the reverse (except when locking a brand new record).
type registryImpl struct {
	common.Component
	tokens      TokenAuthority
	clock       common.Clock
	lock        sync.RWMutex
	entries     *orderedmap.OrderedMap[string, *entryRecord]
	releaseHook ReleaseHook
}

// GetRegistry define a new driver Registry
func GetRegistry(tokens TokenAuthority, clock common.Clock) (Registry, error) {
	logTags := log.Fields{
		"module": "registry", "component": "driver-registry",
	}
	return &registryImpl{
		Component:   common.Component{LogTags: logTags},
		tokens:      tokens,
		clock:       clock,
		entries:     orderedmap.New[string, *entryRecord](),
		releaseHook: func(string, error) {},
	}, nil
}

func (r *registryImpl) SetReleaseHook(hook ReleaseHook) {
	r.releaseHook = hook
}

func (r *registryImpl) Tokens() TokenAuthority {
	return r.tokens
}

// lockEntry find and lock a driver's record
func (r *registryImpl) lockEntry(identity string) (*entryRecord, error) {
	for {
		r.lock.RLock()
		rec, ok := r.entries.Get(identity)
		r.lock.RUnlock()
		if !ok {
			return nil, fmt.Errorf("%w: '%s'", common.ErrNotFound, identity)
		}
		rec.lock.Lock()
		if !rec.removed {
			return rec, nil
		}
		// Removed while waiting for the lock; look again
		rec.lock.Unlock()
	}
}

func (r *registryImpl) newEntry(identity string, schema []byte, operations []string) DriverEntry {
	now := r.clock.Now()
	return DriverEntry{
		Identity:      identity,
		Schema:        common.CopyBytes(schema),
		Operations:    common.DedupStrings(operations),
		State:         nil,
		LastHeartbeat: now,
		RegisteredAt:  now,
	}
}

func (r *registryImpl) Register(
	identity string, schema []byte, operations []string,
) (string, bool, error) {
	for {
		r.lock.Lock()
		rec, ok := r.entries.Get(identity)
		if !ok {
			rec = &entryRecord{}
			rec.lock.Lock()
			r.entries.Set(identity, rec)
			r.lock.Unlock()
			rec.entry = r.newEntry(identity, schema, operations)
			token := r.tokens.Issue(identity)
			rec.lock.Unlock()
			log.WithFields(r.LogTags).Infof("Registered driver '%s'", identity)
			return token, false, nil
		}
		r.lock.Unlock()

		rec.lock.Lock()
		if rec.removed {
			rec.lock.Unlock()
			continue
		}
		if !r.tokens.Expired(identity) {
			rec.lock.Unlock()
			return "", false, fmt.Errorf("%w: '%s'", common.ErrAlreadyRegistered, identity)
		}

		// The previous session lapsed without being swept
		r.releaseHook(identity, common.ErrReregistered)
		rec.entry = r.newEntry(identity, schema, operations)
		token := r.tokens.Issue(identity)
		r.lock.Lock()
		if err := r.entries.MoveToBack(identity); err != nil {
			log.WithError(err).WithFields(r.LogTags).Errorf("Failed to reorder '%s'", identity)
		}
		r.lock.Unlock()
		rec.lock.Unlock()
		log.WithFields(r.LogTags).Infof("Re-registered expired driver '%s'", identity)
		return token, true, nil
	}
}

func (r *registryImpl) Access(identity string, fn func(entry *DriverEntry) error) error {
	rec, err := r.lockEntry(identity)
	if err != nil {
		return err
	}
	defer rec.lock.Unlock()
	return fn(&rec.entry)
}

func (r *registryImpl) Get(identity string) (DriverEntry, error) {
	var result DriverEntry
	err := r.Access(identity, func(entry *DriverEntry) error {
		result = entry.copy()
		return nil
	})
	return result, err
}

func (r *registryImpl) List() []string {
	r.lock.RLock()
	defer r.lock.RUnlock()
	result := make([]string, 0, r.entries.Len())
	for pair := r.entries.Oldest(); pair != nil; pair = pair.Next() {
		result = append(result, pair.Key)
	}
	return result
}

func (r *registryImpl) UpdateState(identity, token string, state []byte) error {
	return r.Access(identity, func(entry *DriverEntry) error {
		if !r.tokens.Validate(identity, token) {
			return fmt.Errorf("%w: '%s'", common.ErrInvalidToken, identity)
		}
		entry.State = common.CopyBytes(state)
		entry.StateUpdatedAt = r.clock.Now()
		return nil
	})
}

func (r *registryImpl) Remove(identity string, reason error) error {
	return r.RemoveIf(identity, reason, nil)
}

func (r *registryImpl) RemoveIf(identity string, reason error, check EntryCheck) error {
	rec, err := r.lockEntry(identity)
	if err != nil {
		return err
	}
	defer rec.lock.Unlock()
	if check != nil {
		if err := check(rec.entry); err != nil {
			return err
		}
	}
	rec.removed = true
	r.lock.Lock()
	r.entries.Delete(identity)
	r.lock.Unlock()
	r.tokens.Revoke(identity)
	r.releaseHook(identity, reason)
	log.WithFields(r.LogTags).Infof("Removed driver '%s': %s", identity, reason)
	return nil
}
