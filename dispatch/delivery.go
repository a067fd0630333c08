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
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/driverbroker/common"
	"github.com/apex/log"
)

// OperationRequest one operation dispatched to a driver
type OperationRequest struct {
	// ID unique operation ID
	ID string `json:"id"`
	// Identity target driver
	Identity string `json:"identity"`
	// Operation operation name
	Operation string `json:"operation"`
	// DispatchedAt time the operation was accepted by the broker
	DispatchedAt time.Time `json:"dispatched_at"`
}

// String toString function for OperationRequest
func (r OperationRequest) String() string {
	return fmt.Sprintf("%s(%s@%s)", r.ID, r.Operation, r.Identity)
}

// DeliveryStats point in time view of a subscription
type DeliveryStats struct {
	// SubscriptionID the subscription's ID
	SubscriptionID string `json:"subscription_id"`
	// AttachedAt time the subscription was attached
	AttachedAt time.Time `json:"attached_at"`
	// Pending number of operations waiting to be read
	Pending int `json:"pending"`
	// Delivered number of operations read by the subscriber
	Delivered uint64 `json:"delivered"`
	// Dropped number of operations dropped on queue overflow
	Dropped uint64 `json:"dropped"`
}

// Delivery the receiving end of a driver's subscription
type Delivery interface {
	// ID subscription ID
	ID() string
	// Identity driver the subscription belongs to
	Identity() string
	// Next block until the next operation is available. Returns the close
	// reason once the subscription is closed.
	Next(ctxt context.Context) (OperationRequest, error)
	// Done closed once the subscription is closed
	Done() <-chan struct{}
	// CloseReason why the subscription closed; nil while open
	CloseReason() error
	// Close release the subscription
	Close() error
	// Stats subscription statistics
	Stats() DeliveryStats
}

// deliveryImpl implements Delivery over a fixed capacity ring buffer
type deliveryImpl struct {
	common.Component
	id         string
	identity   string
	attachedAt time.Time
	release    func(d *deliveryImpl, reason error)

	lock      sync.Mutex
	buffer    []OperationRequest
	head      int
	count     int
	delivered uint64
	dropped   uint64
	reason    error

	notify chan struct{}
	closed chan struct{}
}

func newDelivery(
	id, identity string,
	capacity int,
	attachedAt time.Time,
	release func(d *deliveryImpl, reason error),
) *deliveryImpl {
	logTags := log.Fields{
		"module": "dispatch", "component": "delivery", "instance": identity, "subscription": id,
	}
	return &deliveryImpl{
		Component:  common.Component{LogTags: logTags},
		id:         id,
		identity:   identity,
		attachedAt: attachedAt,
		release:    release,
		buffer:     make([]OperationRequest, capacity),
		notify:     make(chan struct{}, 1),
		closed:     make(chan struct{}),
	}
}

func (d *deliveryImpl) ID() string {
	return d.id
}

func (d *deliveryImpl) Identity() string {
	return d.identity
}

func (d *deliveryImpl) Done() <-chan struct{} {
	return d.closed
}

func (d *deliveryImpl) CloseReason() error {
	d.lock.Lock()
	defer d.lock.Unlock()
	return d.reason
}

// enqueue append an operation, dropping the oldest pending one if full.
// Returns the dropped operation, if any.
func (d *deliveryImpl) enqueue(op OperationRequest) (*OperationRequest, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.reason != nil {
		return nil, d.reason
	}
	var dropped *OperationRequest
	capacity := len(d.buffer)
	if d.count == capacity {
		oldest := d.buffer[d.head]
		dropped = &oldest
		d.head = (d.head + 1) % capacity
		d.count--
		d.dropped++
	}
	d.buffer[(d.head+d.count)%capacity] = op
	d.count++
	select {
	case d.notify <- struct{}{}:
	default:
	}
	return dropped, nil
}

// dequeue pop the oldest pending operation
func (d *deliveryImpl) dequeue() (OperationRequest, bool, error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.reason != nil {
		return OperationRequest{}, false, d.reason
	}
	if d.count == 0 {
		return OperationRequest{}, false, nil
	}
	op := d.buffer[d.head]
	d.buffer[d.head] = OperationRequest{}
	d.head = (d.head + 1) % len(d.buffer)
	d.count--
	d.delivered++
	return op, true, nil
}

func (d *deliveryImpl) Next(ctxt context.Context) (OperationRequest, error) {
	for {
		op, ok, err := d.dequeue()
		if err != nil {
			return OperationRequest{}, err
		}
		if ok {
			return op, nil
		}
		select {
		case <-d.notify:
		case <-d.closed:
		case <-ctxt.Done():
			return OperationRequest{}, ctxt.Err()
		}
	}
}

// shutdown mark the delivery closed and discard pending operations.
// Returns false if it was already closed.
func (d *deliveryImpl) shutdown(reason error) bool {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.reason != nil {
		return false
	}
	d.reason = reason
	if d.count > 0 {
		log.WithFields(d.LogTags).Debugf("Discarding %d pending operations", d.count)
	}
	d.buffer = nil
	d.head = 0
	d.count = 0
	close(d.closed)
	return true
}

func (d *deliveryImpl) Close() error {
	d.release(d, common.ErrSubscriptionClosed)
	return nil
}

func (d *deliveryImpl) Stats() DeliveryStats {
	d.lock.Lock()
	defer d.lock.Unlock()
	return DeliveryStats{
		SubscriptionID: d.id,
		AttachedAt:     d.attachedAt,
		Pending:        d.count,
		Delivered:      d.delivered,
		Dropped:        d.dropped,
	}
}
