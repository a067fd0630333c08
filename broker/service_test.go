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
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/driverbroker/common"
	"github.com/alwitt/driverbroker/dispatch"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
)

type mockEventPublisher struct {
	mock.Mock
}

func (m *mockEventPublisher) Publish(event LifecycleEvent) {
	m.Called(event)
}

// eventTypes the event types published so far, in order
func (m *mockEventPublisher) eventTypes() []string {
	result := []string{}
	for _, call := range m.Calls {
		result = append(result, call.Arguments.Get(0).(LifecycleEvent).Type)
	}
	return result
}

func defineTestService(
	t *testing.T, ctxt context.Context, wg *sync.WaitGroup, config common.BrokerConfig,
) (*serviceImpl, *common.FakeClock, *mockEventPublisher) {
	clock := common.NewFakeClock(time.Now())
	events := &mockEventPublisher{}
	events.On("Publish", mock.Anything).Return()
	uut, err := GetService(ctxt, config, clock, nil, events, wg)
	assert.Nil(t, err)
	return uut.(*serviceImpl), clock, events
}

func testBrokerConfig() common.BrokerConfig {
	return common.BrokerConfig{
		HeartbeatWindow:       10,
		DispatchQueueCapacity: 8,
		DispatchRateLimit:     common.DispatchRateLimitConfig{RatePerSec: 0, Burst: 1},
	}
}

func nextOperation(t *testing.T, d dispatch.Delivery) (dispatch.OperationRequest, error) {
	ctxt, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return d.Next(ctxt)
}

func TestServiceDriverLifecycle(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	uut, _, events := defineTestService(t, ctxt, &wg, testBrokerConfig())

	schema := []byte(`{"type":"object"}`)

	// Case 0: invalid identity
	{
		_, err := uut.Register(ctxt, "pump 1", schema, []string{"start"})
		assert.True(errors.Is(err, common.ErrInvalidArgument))
		_, err = uut.Register(ctxt, "pump1", schema, []string{""})
		assert.True(errors.Is(err, common.ErrInvalidArgument))
	}

	token, err := uut.Register(ctxt, "pump1", schema, []string{"start", "stop"})
	assert.Nil(err)

	// Case 1: info before any update
	{
		info, err := uut.Info(ctxt, "pump1")
		assert.Nil(err)
		assert.Equal(schema, info.Schema)
		assert.Equal([]string{"start", "stop"}, info.Operations)
		assert.Nil(info.State)
		assert.Nil(info.StateUpdatedAt)
		assert.False(info.Subscribed)
		assert.NotNil(info.SessionExpiresAt)
	}

	// Case 2: duplicate live registration
	{
		_, err := uut.Register(ctxt, "pump1", schema, nil)
		assert.True(errors.Is(err, common.ErrAlreadyRegistered))
	}

	// Case 3: dispatch with no subscriber
	{
		receipt, err := uut.Dispatch(ctxt, "pump1", "start")
		assert.Nil(err)
		assert.Equal(OutcomeNoSubscriber, receipt.Outcome)
		assert.Empty(receipt.OperationID)
	}

	// Case 4: subscribe and dispatch
	delivery, err := uut.Subscribe(ctxt, "pump1", token)
	assert.Nil(err)
	{
		receipt, err := uut.Dispatch(ctxt, "pump1", "start")
		assert.Nil(err)
		assert.Equal(OutcomeDelivered, receipt.Outcome)
		op, err := nextOperation(t, delivery)
		assert.Nil(err)
		assert.Equal("start", op.Operation)
		assert.Equal(receipt.OperationID, op.ID)

		info, err := uut.Info(ctxt, "pump1")
		assert.Nil(err)
		assert.True(info.Subscribed)
		assert.Equal(delivery.ID(), info.Subscription.SubscriptionID)
	}

	// Case 5: unsupported operation
	{
		receipt, err := uut.Dispatch(ctxt, "pump1", "explode")
		assert.True(errors.Is(err, common.ErrUnsupportedOperation))
		assert.Equal(OutcomeUnsupportedOperation, receipt.Outcome)
	}

	// Case 6: update state
	{
		assert.True(errors.Is(uut.Update(ctxt, "pump1", "bad", []byte("x")), common.ErrInvalidToken))
		assert.Nil(uut.Update(ctxt, "pump1", token, []byte(`{"rpm":100}`)))
		info, err := uut.Info(ctxt, "pump1")
		assert.Nil(err)
		assert.Equal([]byte(`{"rpm":100}`), info.State)
		assert.NotNil(info.StateUpdatedAt)
	}

	// Case 7: disconnect with a wrong token
	{
		err := uut.Disconnect(ctxt, "pump1", "bad")
		assert.True(errors.Is(err, common.ErrInvalidToken))
		list, err := uut.List(ctxt)
		assert.Nil(err)
		assert.Equal([]string{"pump1"}, list)
	}

	// Case 8: disconnect closes the stream and removes the driver
	{
		assert.Nil(uut.Disconnect(ctxt, "pump1", token))
		_, err := nextOperation(t, delivery)
		assert.True(errors.Is(err, common.ErrDisconnected))

		receipt, err := uut.Dispatch(ctxt, "pump1", "stop")
		assert.True(errors.Is(err, common.ErrNotFound))
		assert.Equal(OutcomeNotFound, receipt.Outcome)

		_, err = uut.Info(ctxt, "pump1")
		assert.True(errors.Is(err, common.ErrNotFound))
		list, err := uut.List(ctxt)
		assert.Nil(err)
		assert.Empty(list)
	}

	assert.Equal(
		[]string{EventRegistered, EventSubscribed, EventStateUpdated, EventUnsubscribed, EventDisconnected},
		events.eventTypes(),
	)
}

func TestServiceSubscribeAuthorization(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	uut, _, _ := defineTestService(t, ctxt, &wg, testBrokerConfig())

	// Case 0: unknown driver
	{
		_, err := uut.Subscribe(ctxt, "pump1", "abc")
		assert.True(errors.Is(err, common.ErrNotFound))
	}

	token, err := uut.Register(ctxt, "pump1", nil, []string{"start"})
	assert.Nil(err)

	// Case 1: bad token
	{
		_, err := uut.Subscribe(ctxt, "pump1", "abc")
		assert.True(errors.Is(err, common.ErrInvalidToken))
	}

	// Case 2: second subscriber supersedes the first
	{
		first, err := uut.Subscribe(ctxt, "pump1", token)
		assert.Nil(err)
		second, err := uut.Subscribe(ctxt, "pump1", token)
		assert.Nil(err)
		_, err = nextOperation(t, first)
		assert.True(errors.Is(err, common.ErrSuperseded))

		receipt, err := uut.Dispatch(ctxt, "pump1", "start")
		assert.Nil(err)
		assert.Equal(OutcomeDelivered, receipt.Outcome)
		op, err := nextOperation(t, second)
		assert.Nil(err)
		assert.Equal(receipt.OperationID, op.ID)
	}
}

func TestServiceLivenessEviction(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	uut, clock, events := defineTestService(t, ctxt, &wg, testBrokerConfig())

	token, err := uut.Register(ctxt, "pump1", nil, []string{"start"})
	assert.Nil(err)
	delivery, err := uut.Subscribe(ctxt, "pump1", token)
	assert.Nil(err)

	// Case 0: heartbeats within the window keep the session alive
	for itr := 0; itr < 3; itr++ {
		clock.Advance(time.Second * 9)
		assert.Nil(uut.Heartbeat(ctxt, "pump1", token))
		assert.Empty(uut.monitor.Sweep())
	}

	// Case 1: stale token after silence
	clock.Advance(time.Second * 10)
	assert.True(errors.Is(uut.Heartbeat(ctxt, "pump1", token), common.ErrInvalidToken))

	// Case 2: expired re-registration replaces the stale session
	{
		newToken, err := uut.Register(ctxt, "pump1", nil, []string{"start", "stop"})
		assert.Nil(err)
		assert.NotEqual(token, newToken)
		_, err = nextOperation(t, delivery)
		assert.True(errors.Is(err, common.ErrReregistered))
		// Old token is dead, the new one subscribes
		_, err = uut.Subscribe(ctxt, "pump1", token)
		assert.True(errors.Is(err, common.ErrInvalidToken))
		delivery, err = uut.Subscribe(ctxt, "pump1", newToken)
		assert.Nil(err)
	}

	// Case 3: silence past the window evicts on the next sweep
	{
		clock.Advance(time.Second * 10)
		assert.Equal([]string{"pump1"}, uut.monitor.Sweep())
		_, err := nextOperation(t, delivery)
		assert.True(errors.Is(err, common.ErrEvicted))
		_, err = uut.Info(ctxt, "pump1")
		assert.True(errors.Is(err, common.ErrNotFound))
	}

	assert.Equal(
		[]string{
			EventRegistered, EventSubscribed,
			EventUnsubscribed, EventReregistered, EventSubscribed,
			EventUnsubscribed, EventEvicted,
		},
		events.eventTypes(),
	)
}

func TestServiceDispatchRateLimit(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	config := testBrokerConfig()
	config.DispatchRateLimit = common.DispatchRateLimitConfig{RatePerSec: 0.001, Burst: 2}
	uut, _, _ := defineTestService(t, ctxt, &wg, config)

	_, err := uut.Register(ctxt, "pump1", nil, []string{"start"})
	assert.Nil(err)

	for itr := 0; itr < 2; itr++ {
		receipt, err := uut.Dispatch(ctxt, "pump1", "start")
		assert.Nil(err)
		assert.Equal(OutcomeNoSubscriber, receipt.Outcome)
	}
	receipt, err := uut.Dispatch(ctxt, "pump1", "start")
	assert.True(errors.Is(err, common.ErrRateLimited))
	assert.Equal(OutcomeRateLimited, receipt.Outcome)
}

func TestServiceStop(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	uut, _, _ := defineTestService(t, ctxt, &wg, testBrokerConfig())
	assert.Nil(uut.Start())

	token, err := uut.Register(ctxt, "pump1", nil, []string{"start"})
	assert.Nil(err)
	delivery, err := uut.Subscribe(ctxt, "pump1", token)
	assert.Nil(err)

	assert.Nil(uut.Stop())
	select {
	case <-delivery.Done():
	case <-time.After(time.Second):
		assert.Fail("subscription not closed on stop")
	}
	assert.True(errors.Is(delivery.CloseReason(), common.ErrBrokerShutdown))
}
