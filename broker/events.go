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

package broker

import (
	"time"

	"github.com/alwitt/driverbroker/common"
)

// Lifecycle event types
const (
	EventRegistered   = "registered"
	EventReregistered = "reregistered"
	EventSubscribed   = "subscribed"
	EventUnsubscribed = "unsubscribed"
	EventStateUpdated = "state_updated"
	EventDisconnected = "disconnected"
	EventEvicted      = "evicted"
)

// LifecycleEvent notable change in a driver's session
type LifecycleEvent struct {
	// Type event type
	Type string `json:"type"`
	// Identity driver the event is about
	Identity string `json:"identity"`
	// SubscriptionID subscription the event is about, for subscription events
	SubscriptionID string `json:"subscription_id,omitempty"`
	// Reason why a subscription closed or a driver was removed
	Reason string `json:"reason,omitempty"`
	// Timestamp when the event occurred
	Timestamp time.Time `json:"timestamp"`
}

// EventPublisher receives lifecycle events. Publish is called with the
// driver's lock held and must not block.
type EventPublisher interface {
	Publish(event LifecycleEvent)
}

type noopPublisher struct{}

func (noopPublisher) Publish(LifecycleEvent) {}

// GetNoopEventPublisher define an EventPublisher which discards all events
func GetNoopEventPublisher() EventPublisher {
	return noopPublisher{}
}

// subscriptionRelay turns hub subscription notifications into lifecycle events
type subscriptionRelay struct {
	clock  common.Clock
	events EventPublisher
}

func (r subscriptionRelay) SubscriptionAttached(identity, subscriptionID string) {
	r.events.Publish(LifecycleEvent{
		Type:           EventSubscribed,
		Identity:       identity,
		SubscriptionID: subscriptionID,
		Timestamp:      r.clock.Now(),
	})
}

func (r subscriptionRelay) SubscriptionDetached(identity, subscriptionID string, reason error) {
	r.events.Publish(LifecycleEvent{
		Type:           EventUnsubscribed,
		Identity:       identity,
		SubscriptionID: subscriptionID,
		Reason:         common.ErrorType(reason),
		Timestamp:      r.clock.Now(),
	})
}
