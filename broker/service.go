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
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/driverbroker/common"
	"github.com/alwitt/driverbroker/dispatch"
	"github.com/alwitt/driverbroker/liveness"
	"github.com/alwitt/driverbroker/metrics"
	"github.com/alwitt/driverbroker/registry"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/alwitt/driverbroker/broker"

// Dispatch outcomes
const (
	OutcomeDelivered            = "delivered"
	OutcomeNoSubscriber         = "no_subscriber"
	OutcomeNotFound             = "not_found"
	OutcomeUnsupportedOperation = "unsupported_operation"
	OutcomeRateLimited          = "rate_limited"
)

// DispatchReceipt result of a dispatch
type DispatchReceipt struct {
	// OperationID ID assigned to the operation; empty unless delivered
	OperationID string `json:"operation_id,omitempty"`
	// Identity target driver
	Identity string `json:"identity"`
	// Operation operation name
	Operation string `json:"operation"`
	// Outcome dispatch outcome
	Outcome string `json:"outcome"`
}

// DriverInfo introspection view of one driver
type DriverInfo struct {
	Identity         string                  `json:"identity"`
	Schema           []byte                  `json:"schema"`
	Operations       []string                `json:"operations"`
	State            []byte                  `json:"state"`
	Subscribed       bool                    `json:"subscribed"`
	Subscription     *dispatch.DeliveryStats `json:"subscription,omitempty"`
	LastHeartbeat    time.Time               `json:"last_heartbeat"`
	RegisteredAt     time.Time               `json:"registered_at"`
	StateUpdatedAt   *time.Time              `json:"state_updated_at,omitempty"`
	SessionExpiresAt *time.Time              `json:"session_expires_at,omitempty"`
}

// Service the driver broker
type Service interface {
	// Register register a driver, returning its session token
	Register(ctxt context.Context, identity string, schema []byte, operations []string) (string, error)
	// Subscribe open the driver's operation stream
	Subscribe(ctxt context.Context, identity, token string) (dispatch.Delivery, error)
	// Dispatch send an operation to a driver
	Dispatch(ctxt context.Context, identity, operation string) (DispatchReceipt, error)
	// Heartbeat keep a driver's session alive
	Heartbeat(ctxt context.Context, identity, token string) error
	// Disconnect end a driver's session and remove it
	Disconnect(ctxt context.Context, identity, token string) error
	// Update replace the driver's state snapshot
	Update(ctxt context.Context, identity, token string, state []byte) error
	// List registered drivers, in registration order
	List(ctxt context.Context) ([]string, error)
	// Info describe one driver
	Info(ctxt context.Context, identity string) (DriverInfo, error)
	// Start begin background liveness sweeps
	Start() error
	// Stop stop background sweeps and close every subscription
	Stop() error
}

type registerParams struct {
	Identity   string   `validate:"required,min=1,max=128,driver_identity"`
	Operations []string `validate:"dive,required,max=128"`
}

type dispatchParams struct {
	Identity  string `validate:"required,min=1,max=128,driver_identity"`
	Operation string `validate:"required,max=128"`
}

// serviceImpl implements Service. It only composes the broker components.
type serviceImpl struct {
	common.Component
	clock         common.Clock
	registry      registry.Registry
	hub           dispatch.Hub
	monitor       liveness.Monitor
	limiter       dispatch.RateLimiter
	metrics       metrics.Collector
	events        EventPublisher
	validate      *validator.Validate
	tracer        trace.Tracer
	sweepInterval time.Duration
}

// GetService define a new broker Service along with its components
func GetService(
	rootCtxt context.Context,
	config common.BrokerConfig,
	clock common.Clock,
	collector metrics.Collector,
	events EventPublisher,
	wg *sync.WaitGroup,
) (Service, error) {
	logTags := log.Fields{
		"module": "broker", "component": "service",
	}
	if collector == nil {
		collector = metrics.GetNoopCollector()
	}
	if events == nil {
		events = GetNoopEventPublisher()
	}

	validate, err := common.GetValidator()
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define validator")
		return nil, err
	}

	tokens, err := registry.GetTokenAuthority(config.HeartbeatWindowDuration(), clock)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define token authority")
		return nil, err
	}
	reg, err := registry.GetRegistry(tokens, clock)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define registry")
		return nil, err
	}
	hub, err := dispatch.GetHub(
		tokens,
		config.DispatchQueueCapacity,
		clock,
		collector,
		subscriptionRelay{clock: clock, events: events},
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define dispatch hub")
		return nil, err
	}
	monitor, err := liveness.GetMonitor(rootCtxt, reg, clock, wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define liveness monitor")
		return nil, err
	}

	instance := &serviceImpl{
		Component:     common.Component{LogTags: logTags},
		clock:         clock,
		registry:      reg,
		hub:           hub,
		monitor:       monitor,
		limiter:       dispatch.GetRateLimiter(config.DispatchRateLimit.RatePerSec, config.DispatchRateLimit.Burst),
		metrics:       collector,
		events:        events,
		validate:      validate,
		tracer:        otel.Tracer(tracerName),
		sweepInterval: config.SweepIntervalDuration(),
	}
	reg.SetReleaseHook(instance.releaseSession)
	return instance, nil
}

// releaseSession registry release hook. Runs with the driver's lock held.
func (s *serviceImpl) releaseSession(identity string, reason error) {
	s.hub.Detach(identity, reason)
	s.limiter.Forget(identity)
	if errors.Is(reason, common.ErrReregistered) {
		return
	}
	s.metrics.DriverRemoved(common.ErrorType(reason))
	eventType := EventDisconnected
	if errors.Is(reason, common.ErrEvicted) {
		eventType = EventEvicted
	}
	s.events.Publish(LifecycleEvent{
		Type:      eventType,
		Identity:  identity,
		Reason:    common.ErrorType(reason),
		Timestamp: s.clock.Now(),
	})
}

// startSpan begin a span for one broker call
func (s *serviceImpl) startSpan(
	ctxt context.Context, name, identity string,
) (context.Context, trace.Span) {
	return s.tracer.Start(
		ctxt, fmt.Sprintf("broker.%s", name),
		trace.WithAttributes(attribute.String("driver.identity", identity)),
	)
}

// endSpan close the span, recording the call's error if any
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, common.ErrorType(err))
	}
	span.End()
}

func (s *serviceImpl) validateIdentity(identity string) error {
	return common.ValidateIdentity(identity, s.validate)
}

func (s *serviceImpl) Register(
	ctxt context.Context, identity string, schema []byte, operations []string,
) (token string, err error) {
	_, span := s.startSpan(ctxt, "Register", identity)
	defer func() { endSpan(span, err) }()

	if err := s.validate.Struct(&registerParams{Identity: identity, Operations: operations}); err != nil {
		return "", fmt.Errorf("%w: %s", common.ErrInvalidArgument, err.Error())
	}

	token, reregistered, err := s.registry.Register(identity, schema, operations)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Unable to register '%s'", identity)
		return "", err
	}
	s.metrics.DriverRegistered(reregistered)
	eventType := EventRegistered
	if reregistered {
		eventType = EventReregistered
	}
	s.events.Publish(LifecycleEvent{Type: eventType, Identity: identity, Timestamp: s.clock.Now()})
	return token, nil
}

func (s *serviceImpl) Subscribe(
	ctxt context.Context, identity, token string,
) (delivery dispatch.Delivery, err error) {
	_, span := s.startSpan(ctxt, "Subscribe", identity)
	defer func() { endSpan(span, err) }()

	if err := s.validateIdentity(identity); err != nil {
		return nil, err
	}
	err = s.registry.Access(identity, func(*registry.DriverEntry) error {
		var attachErr error
		delivery, attachErr = s.hub.Attach(identity, token)
		return attachErr
	})
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Unable to subscribe '%s'", identity)
		return nil, err
	}
	return delivery, nil
}

func (s *serviceImpl) Dispatch(
	ctxt context.Context, identity, operation string,
) (receipt DispatchReceipt, err error) {
	_, span := s.startSpan(ctxt, "Dispatch", identity)
	span.SetAttributes(attribute.String("driver.operation", operation))
	defer func() {
		if receipt.Outcome != "" {
			span.SetAttributes(attribute.String("dispatch.outcome", receipt.Outcome))
			s.metrics.OperationDispatched(receipt.Outcome)
		}
		endSpan(span, err)
	}()

	receipt = DispatchReceipt{Identity: identity, Operation: operation}
	if err := s.validate.Struct(&dispatchParams{Identity: identity, Operation: operation}); err != nil {
		return receipt, fmt.Errorf("%w: %s", common.ErrInvalidArgument, err.Error())
	}

	err = s.registry.Access(identity, func(entry *registry.DriverEntry) error {
		if !entry.Supports(operation) {
			receipt.Outcome = OutcomeUnsupportedOperation
			return fmt.Errorf("%w: '%s' on '%s'", common.ErrUnsupportedOperation, operation, identity)
		}
		if !s.limiter.Allow(identity) {
			receipt.Outcome = OutcomeRateLimited
			return fmt.Errorf("%w: '%s'", common.ErrRateLimited, identity)
		}
		op, dispatchErr := s.hub.Dispatch(identity, operation)
		if dispatchErr != nil {
			if errors.Is(dispatchErr, common.ErrNoSubscriber) {
				receipt.Outcome = OutcomeNoSubscriber
				return nil
			}
			return dispatchErr
		}
		receipt.Outcome = OutcomeDelivered
		receipt.OperationID = op.ID
		return nil
	})
	if errors.Is(err, common.ErrNotFound) {
		receipt.Outcome = OutcomeNotFound
	}
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Debugf("Dispatch of '%s' to '%s' refused", operation, identity)
	}
	return receipt, err
}

func (s *serviceImpl) Heartbeat(ctxt context.Context, identity, token string) (err error) {
	_, span := s.startSpan(ctxt, "Heartbeat", identity)
	defer func() { endSpan(span, err) }()

	if err := s.validateIdentity(identity); err != nil {
		return err
	}
	if err := s.monitor.Heartbeat(identity, token); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Heartbeat from '%s' rejected", identity)
		return err
	}
	s.metrics.HeartbeatReceived()
	return nil
}

func (s *serviceImpl) Disconnect(ctxt context.Context, identity, token string) (err error) {
	_, span := s.startSpan(ctxt, "Disconnect", identity)
	defer func() { endSpan(span, err) }()

	if err := s.validateIdentity(identity); err != nil {
		return err
	}
	tokens := s.registry.Tokens()
	err = s.registry.RemoveIf(
		identity, common.ErrDisconnected, func(registry.DriverEntry) error {
			if !tokens.Validate(identity, token) {
				return fmt.Errorf("%w: '%s'", common.ErrInvalidToken, identity)
			}
			return nil
		},
	)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Unable to disconnect '%s'", identity)
	}
	return err
}

func (s *serviceImpl) Update(
	ctxt context.Context, identity, token string, state []byte,
) (err error) {
	_, span := s.startSpan(ctxt, "Update", identity)
	defer func() { endSpan(span, err) }()

	if err := s.validateIdentity(identity); err != nil {
		return err
	}
	if err := s.registry.UpdateState(identity, token, state); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Unable to update state of '%s'", identity)
		return err
	}
	s.events.Publish(LifecycleEvent{
		Type: EventStateUpdated, Identity: identity, Timestamp: s.clock.Now(),
	})
	return nil
}

func (s *serviceImpl) List(ctxt context.Context) ([]string, error) {
	_, span := s.startSpan(ctxt, "List", "")
	defer span.End()
	return s.registry.List(), nil
}

func (s *serviceImpl) Info(ctxt context.Context, identity string) (info DriverInfo, err error) {
	_, span := s.startSpan(ctxt, "Info", identity)
	defer func() { endSpan(span, err) }()

	if err := s.validateIdentity(identity); err != nil {
		return DriverInfo{}, err
	}
	entry, err := s.registry.Get(identity)
	if err != nil {
		return DriverInfo{}, err
	}
	info = DriverInfo{
		Identity:      entry.Identity,
		Schema:        entry.Schema,
		Operations:    entry.Operations,
		State:         entry.State,
		LastHeartbeat: entry.LastHeartbeat,
		RegisteredAt:  entry.RegisteredAt,
	}
	if !entry.StateUpdatedAt.IsZero() {
		updated := entry.StateUpdatedAt
		info.StateUpdatedAt = &updated
	}
	if deadline, ok := s.registry.Tokens().Deadline(identity); ok {
		info.SessionExpiresAt = &deadline
	}
	if stats, ok := s.hub.Stats(identity); ok {
		info.Subscribed = true
		info.Subscription = &stats
	}
	return info, nil
}

func (s *serviceImpl) Start() error {
	log.WithFields(s.LogTags).Infof("Starting liveness sweep every %s", s.sweepInterval)
	return s.monitor.Start(s.sweepInterval)
}

func (s *serviceImpl) Stop() error {
	if err := s.monitor.Stop(); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Failed to stop liveness sweep")
		return err
	}
	s.hub.CloseAll(common.ErrBrokerShutdown)
	return nil
}
