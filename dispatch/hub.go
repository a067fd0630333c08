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
	"fmt"
	"sync"

	"github.com/alphadose/haxmap"
	"github.com/alwitt/driverbroker/common"
	"github.com/alwitt/driverbroker/metrics"
	"github.com/apex/log"
	"github.com/oklog/ulid/v2"
)

// TokenValidator checks a driver's session token
type TokenValidator interface {
	Validate(identity, token string) bool
}

// SubscriptionListener notified when subscriptions open and close
type SubscriptionListener interface {
	SubscriptionAttached(identity, subscriptionID string)
	SubscriptionDetached(identity, subscriptionID string, reason error)
}

// Hub routes dispatched operations to each driver's single live subscription
type Hub interface {
	// Attach open a subscription for a driver. Any existing subscription for
	// the same driver is closed as superseded.
	Attach(identity, token string) (Delivery, error)
	// Detach close the driver's current subscription, if any
	Detach(identity string, reason error) bool
	// Dispatch queue an operation on the driver's current subscription
	Dispatch(identity, operation string) (OperationRequest, error)
	// Subscribed whether the driver has a live subscription
	Subscribed(identity string) bool
	// Stats statistics of the driver's current subscription
	Stats(identity string) (DeliveryStats, bool)
	// CloseAll close every subscription
	CloseAll(reason error)
}

// hubImpl implements Hub
//
// Reads of the subscription map are lock free. Map mutations happen under
// lock so that the supersede / release sequence for an identity is atomic.
type hubImpl struct {
	common.Component
	tokens        TokenValidator
	capacity      int
	clock         common.Clock
	metrics       metrics.Collector
	listener      SubscriptionListener
	lock          sync.Mutex
	subscriptions *haxmap.Map[string, *deliveryImpl]
}

// GetHub define a new dispatch Hub
func GetHub(
	tokens TokenValidator,
	queueCapacity int,
	clock common.Clock,
	collector metrics.Collector,
	listener SubscriptionListener,
) (Hub, error) {
	if queueCapacity < 1 {
		return nil, fmt.Errorf("dispatch queue capacity must be positive: %d", queueCapacity)
	}
	logTags := log.Fields{
		"module": "dispatch", "component": "hub",
	}
	if collector == nil {
		collector = metrics.GetNoopCollector()
	}
	return &hubImpl{
		Component:     common.Component{LogTags: logTags},
		tokens:        tokens,
		capacity:      queueCapacity,
		clock:         clock,
		metrics:       collector,
		listener:      listener,
		subscriptions: haxmap.New[string, *deliveryImpl](),
	}, nil
}

func (h *hubImpl) Attach(identity, token string) (Delivery, error) {
	if !h.tokens.Validate(identity, token) {
		return nil, fmt.Errorf("%w: '%s'", common.ErrInvalidToken, identity)
	}
	delivery := newDelivery(
		ulid.Make().String(), identity, h.capacity, h.clock.Now(), h.release,
	)

	h.lock.Lock()
	previous, hasPrevious := h.subscriptions.Get(identity)
	h.subscriptions.Set(identity, delivery)
	h.lock.Unlock()

	if hasPrevious {
		h.closeDelivery(previous, common.ErrSuperseded)
	}
	h.metrics.SubscriptionOpened()
	if h.listener != nil {
		h.listener.SubscriptionAttached(identity, delivery.id)
	}
	log.WithFields(h.LogTags).Infof("Attached subscription %s for '%s'", delivery.id, identity)
	return delivery, nil
}

// closeDelivery close a delivery already removed from the map
func (h *hubImpl) closeDelivery(d *deliveryImpl, reason error) {
	if !d.shutdown(reason) {
		return
	}
	h.metrics.SubscriptionClosed(common.ErrorType(reason))
	if h.listener != nil {
		h.listener.SubscriptionDetached(d.identity, d.id, reason)
	}
	log.WithFields(h.LogTags).Infof(
		"Closed subscription %s for '%s': %s", d.id, d.identity, reason,
	)
}

// release remove a delivery, but only if it is still the current one for its driver
func (h *hubImpl) release(d *deliveryImpl, reason error) {
	h.lock.Lock()
	if current, ok := h.subscriptions.Get(d.identity); ok && current == d {
		h.subscriptions.Del(d.identity)
	}
	h.lock.Unlock()
	h.closeDelivery(d, reason)
}

func (h *hubImpl) Detach(identity string, reason error) bool {
	h.lock.Lock()
	current, ok := h.subscriptions.Get(identity)
	if ok {
		h.subscriptions.Del(identity)
	}
	h.lock.Unlock()
	if ok {
		h.closeDelivery(current, reason)
	}
	return ok
}

func (h *hubImpl) Dispatch(identity, operation string) (OperationRequest, error) {
	current, ok := h.subscriptions.Get(identity)
	if !ok {
		return OperationRequest{}, fmt.Errorf("%w: '%s'", common.ErrNoSubscriber, identity)
	}
	op := OperationRequest{
		ID:           ulid.Make().String(),
		Identity:     identity,
		Operation:    operation,
		DispatchedAt: h.clock.Now(),
	}
	dropped, err := current.enqueue(op)
	if err != nil {
		// Closed between lookup and enqueue
		return OperationRequest{}, fmt.Errorf("%w: '%s'", common.ErrNoSubscriber, identity)
	}
	if dropped != nil {
		h.metrics.OperationDropped()
		log.WithError(common.ErrQueueOverflow).WithFields(h.LogTags).Warnf(
			"Subscription %s for '%s' full, dropped %s", current.id, identity, dropped.String(),
		)
	}
	return op, nil
}

func (h *hubImpl) Subscribed(identity string) bool {
	_, ok := h.subscriptions.Get(identity)
	return ok
}

func (h *hubImpl) Stats(identity string) (DeliveryStats, bool) {
	current, ok := h.subscriptions.Get(identity)
	if !ok {
		return DeliveryStats{}, false
	}
	return current.Stats(), true
}

func (h *hubImpl) CloseAll(reason error) {
	identities := []string{}
	h.subscriptions.ForEach(func(identity string, _ *deliveryImpl) bool {
		identities = append(identities, identity)
		return true
	})
	for _, identity := range identities {
		h.Detach(identity, reason)
	}
}
