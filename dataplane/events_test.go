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

package dataplane

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/driverbroker/broker"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

type publishedMsg struct {
	subject string
	data    []byte
}

type fakeTransport struct {
	lock      sync.Mutex
	messages  []publishedMsg
	failUntil int
}

func (f *fakeTransport) Publish(subject string, data []byte) error {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.failUntil > 0 {
		f.failUntil--
		return fmt.Errorf("dummy error")
	}
	f.messages = append(f.messages, publishedMsg{subject: subject, data: data})
	return nil
}

func (f *fakeTransport) published() []publishedMsg {
	f.lock.Lock()
	defer f.lock.Unlock()
	return append([]publishedMsg{}, f.messages...)
}

func TestNATSEventPublisher(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := &fakeTransport{failUntil: 1}
	uut, err := GetNATSEventPublisher(ctxt, transport, "driverbroker", 16, &wg)
	assert.Nil(err)

	now := time.Now().UTC()
	// First one fails to send, the rest go through in order
	uut.Publish(broker.LifecycleEvent{Type: broker.EventRegistered, Identity: "pump0", Timestamp: now})
	uut.Publish(broker.LifecycleEvent{Type: broker.EventRegistered, Identity: "pump1", Timestamp: now})
	uut.Publish(broker.LifecycleEvent{
		Type: broker.EventUnsubscribed, Identity: "pump1", SubscriptionID: "sub-1", Reason: "evicted", Timestamp: now,
	})

	assert.Eventually(func() bool {
		return len(transport.published()) == 2
	}, time.Second, time.Millisecond*10)

	msgs := transport.published()
	assert.Equal("driverbroker.events.pump1", msgs[0].subject)
	assert.Equal("driverbroker.events.pump1", msgs[1].subject)

	var event broker.LifecycleEvent
	assert.Nil(json.Unmarshal(msgs[1].data, &event))
	assert.Equal(broker.EventUnsubscribed, event.Type)
	assert.Equal("sub-1", event.SubscriptionID)
	assert.Equal("evicted", event.Reason)
	assert.True(now.Equal(event.Timestamp))
}
