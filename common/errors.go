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

package common

import "errors"

// Broker error taxonomy. Components wrap these with fmt.Errorf("...: %w")
// and callers test with errors.Is.
var (
	// ErrNotFound the identity is not registered
	ErrNotFound = errors.New("driver not found")
	// ErrAlreadyRegistered the identity is registered with a live token
	ErrAlreadyRegistered = errors.New("driver already registered")
	// ErrInvalidToken the token is unknown, mismatched, or expired
	ErrInvalidToken = errors.New("invalid session token")
	// ErrNoSubscriber the driver has no open subscription
	ErrNoSubscriber = errors.New("driver has no active subscription")
	// ErrQueueOverflow a pending operation was dropped to admit a newer one
	ErrQueueOverflow = errors.New("dispatch queue overflow")
	// ErrUnsupportedOperation the driver did not advertise the operation
	ErrUnsupportedOperation = errors.New("operation not supported by driver")
	// ErrRateLimited the driver's dispatch rate limit is exhausted
	ErrRateLimited = errors.New("dispatch rate limited")
	// ErrInvalidArgument malformed request parameters
	ErrInvalidArgument = errors.New("invalid argument")
)

// Subscription close reasons
var (
	// ErrSuperseded a newer subscription for the same driver was attached
	ErrSuperseded = errors.New("subscription superseded")
	// ErrEvicted the driver missed its heartbeat window
	ErrEvicted = errors.New("driver evicted")
	// ErrDisconnected the driver disconnected
	ErrDisconnected = errors.New("driver disconnected")
	// ErrReregistered the driver re-registered after its session expired
	ErrReregistered = errors.New("driver re-registered")
	// ErrSubscriptionClosed the subscriber released the subscription
	ErrSubscriptionClosed = errors.New("subscription closed")
	// ErrBrokerShutdown the broker is stopping
	ErrBrokerShutdown = errors.New("broker shutting down")
)

// ErrorType short machine readable name of a broker error, used on the wire
func ErrorType(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyRegistered):
		return "already_registered"
	case errors.Is(err, ErrInvalidToken):
		return "invalid_token"
	case errors.Is(err, ErrNoSubscriber):
		return "no_subscriber"
	case errors.Is(err, ErrUnsupportedOperation):
		return "unsupported_operation"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrInvalidArgument):
		return "invalid_argument"
	case errors.Is(err, ErrSuperseded):
		return "superseded"
	case errors.Is(err, ErrEvicted):
		return "evicted"
	case errors.Is(err, ErrDisconnected):
		return "disconnected"
	case errors.Is(err, ErrReregistered):
		return "reregistered"
	case errors.Is(err, ErrSubscriptionClosed):
		return "subscription_closed"
	case errors.Is(err, ErrBrokerShutdown):
		return "broker_shutdown"
	default:
		return "internal"
	}
}

// ErrorFromType reverse of ErrorType. Unknown names map to nil.
func ErrorFromType(errType string) error {
	switch errType {
	case "not_found":
		return ErrNotFound
	case "already_registered":
		return ErrAlreadyRegistered
	case "invalid_token":
		return ErrInvalidToken
	case "no_subscriber":
		return ErrNoSubscriber
	case "unsupported_operation":
		return ErrUnsupportedOperation
	case "rate_limited":
		return ErrRateLimited
	case "invalid_argument":
		return ErrInvalidArgument
	case "superseded":
		return ErrSuperseded
	case "evicted":
		return ErrEvicted
	case "disconnected":
		return ErrDisconnected
	case "reregistered":
		return ErrReregistered
	case "subscription_closed":
		return ErrSubscriptionClosed
	case "broker_shutdown":
		return ErrBrokerShutdown
	default:
		return nil
	}
}
