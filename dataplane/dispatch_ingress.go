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
	"time"

	"github.com/alwitt/driverbroker/broker"
	"github.com/alwitt/driverbroker/common"
	"github.com/alwitt/driverbroker/core"
	"github.com/apex/log"
	"github.com/nats-io/nats.go"
)

// DispatchRequest NATS dispatch request body
type DispatchRequest struct {
	// Identity target driver
	Identity string `json:"identity"`
	// Operation operation name
	Operation string `json:"operation"`
}

// DispatchReply NATS dispatch reply body
type DispatchReply struct {
	broker.DispatchReceipt
	// Success whether the dispatch was accepted (delivered or no subscriber)
	Success bool `json:"success"`
	// ErrorType short error name when not successful
	ErrorType string `json:"error_type,omitempty"`
	// Error error detail when not successful
	Error string `json:"error,omitempty"`
}

// DispatchIngress accepts dispatch requests over NATS request / reply
type DispatchIngress interface {
	// Start begin listening for dispatch requests
	Start() error
	// Stop stop listening
	Stop() error
	// HandleRequest process one serialized DispatchRequest into a serialized DispatchReply
	HandleRequest(ctxt context.Context, request []byte) []byte
}

// dispatchIngressImpl implements DispatchIngress
type dispatchIngressImpl struct {
	common.Component
	client         *core.NatsClient
	service        broker.Service
	subject        string
	queueGroup     string
	requestTimeout time.Duration
	baseContext    context.Context
	lock           sync.Mutex
	sub            *nats.Subscription
}

// GetDispatchIngress define a DispatchIngress listening on "<subjectPrefix>.dispatch"
func GetDispatchIngress(
	baseContext context.Context,
	client *core.NatsClient,
	service broker.Service,
	subjectPrefix string,
	queueGroup string,
) (DispatchIngress, error) {
	subject := core.SubjectName(subjectPrefix, "dispatch")
	logTags := log.Fields{
		"module": "dataplane", "component": "dispatch-ingress", "instance": subject,
	}
	return &dispatchIngressImpl{
		Component:      common.Component{LogTags: logTags},
		client:         client,
		service:        service,
		subject:        subject,
		queueGroup:     queueGroup,
		requestTimeout: time.Second * 5,
		baseContext:    baseContext,
	}, nil
}

func (d *dispatchIngressImpl) Start() error {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.sub != nil {
		return fmt.Errorf("dispatch ingress on %s already started", d.subject)
	}
	sub, err := d.client.NATs().QueueSubscribe(d.subject, d.queueGroup, func(msg *nats.Msg) {
		ctxt, cancel := context.WithTimeout(d.baseContext, d.requestTimeout)
		defer cancel()
		reply := d.HandleRequest(ctxt, msg.Data)
		if msg.Reply == "" {
			return
		}
		if err := msg.Respond(reply); err != nil {
			log.WithError(err).WithFields(d.LogTags).Error("Failed to send dispatch reply")
		}
	})
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Unable to subscribe to %s", d.subject)
		return err
	}
	d.sub = sub
	log.WithFields(d.LogTags).Infof("Listening for dispatch requests on %s", d.subject)
	return nil
}

func (d *dispatchIngressImpl) Stop() error {
	d.lock.Lock()
	defer d.lock.Unlock()
	if d.sub == nil {
		return nil
	}
	err := d.sub.Unsubscribe()
	d.sub = nil
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Error("Unsubscribe failed")
	}
	return err
}

func (d *dispatchIngressImpl) HandleRequest(ctxt context.Context, request []byte) []byte {
	var reply DispatchReply
	var parsed DispatchRequest
	if err := json.Unmarshal(request, &parsed); err != nil {
		log.WithError(err).WithFields(d.LogTags).Error("Unable to parse dispatch request")
		reply.ErrorType = common.ErrorType(common.ErrInvalidArgument)
		reply.Error = err.Error()
	} else {
		receipt, err := d.service.Dispatch(ctxt, parsed.Identity, parsed.Operation)
		reply.DispatchReceipt = receipt
		if err != nil {
			reply.ErrorType = common.ErrorType(err)
			reply.Error = err.Error()
		} else {
			reply.Success = true
		}
	}
	serialized, err := json.Marshal(&reply)
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Error("Unable to serialize dispatch reply")
		return []byte(`{"success":false,"error_type":"internal"}`)
	}
	return serialized
}
