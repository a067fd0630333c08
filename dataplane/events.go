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
	"reflect"
	"sync"

	"github.com/alwitt/driverbroker/broker"
	"github.com/alwitt/driverbroker/common"
	"github.com/alwitt/driverbroker/core"
	"github.com/apex/log"
)

// MessagePublisher sends raw messages on a subject. *nats.Conn satisfies this.
type MessagePublisher interface {
	Publish(subject string, data []byte) error
}

// natsEventPublisher implements broker.EventPublisher by forwarding lifecycle
// events onto NATS from a background event loop
type natsEventPublisher struct {
	common.Component
	transport     MessagePublisher
	subjectPrefix string
	tp            common.TaskProcessor
}

// GetNATSEventPublisher define a broker.EventPublisher which publishes every
// lifecycle event as JSON on "<subjectPrefix>.events.<identity>"
func GetNATSEventPublisher(
	ctxt context.Context,
	transport MessagePublisher,
	subjectPrefix string,
	bufferSize int,
	wg *sync.WaitGroup,
) (broker.EventPublisher, error) {
	logTags := log.Fields{
		"module": "dataplane", "component": "event-publisher", "instance": subjectPrefix,
	}
	tp, err := common.GetNewTaskProcessorInstance("lifecycle-events", bufferSize, ctxt)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define task processor")
		return nil, err
	}
	instance := &natsEventPublisher{
		Component:     common.Component{LogTags: logTags},
		transport:     transport,
		subjectPrefix: subjectPrefix,
		tp:            tp,
	}
	if err := tp.AddToTaskExecutionMap(
		reflect.TypeOf(broker.LifecycleEvent{}), instance.processEvent,
	); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to install event handler")
		return nil, err
	}
	if err := tp.StartEventLoop(wg); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to start event loop")
		return nil, err
	}
	return instance, nil
}

// Publish queue an event for publication. Events are dropped if the queue is full.
func (p *natsEventPublisher) Publish(event broker.LifecycleEvent) {
	if !p.tp.TrySubmit(event) {
		log.WithFields(p.LogTags).Warnf("Dropped %s event of '%s'", event.Type, event.Identity)
	}
}

// processEvent event loop handler for broker.LifecycleEvent
func (p *natsEventPublisher) processEvent(param interface{}) error {
	event := param.(broker.LifecycleEvent)
	payload, err := json.Marshal(&event)
	if err != nil {
		log.WithError(err).WithFields(p.LogTags).Errorf("Failed to serialize %s event", event.Type)
		return err
	}
	subject := core.SubjectName(p.subjectPrefix, "events", event.Identity)
	if err := p.transport.Publish(subject, payload); err != nil {
		log.WithError(err).WithFields(p.LogTags).Errorf("Failed to publish on %s", subject)
		return err
	}
	log.WithFields(p.LogTags).Debugf("Published %s event on %s", event.Type, subject)
	return nil
}
