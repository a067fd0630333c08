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

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestTaskParamProcessing(t *testing.T) {
	assert := assert.New(t)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetNewTaskProcessorInstance("testing", 4, ctxt)
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.StopEventLoop())
	}()

	type testStruct1 struct{}
	type testStruct2 struct{}
	type testStruct3 struct{}

	// Case 1: no executor map
	{
		assert.NotNil(uut.ProcessNewTaskParam("hello"))
	}

	// Case 2: add handlers
	{
		assert.Nil(uut.AddToTaskExecutionMap(
			reflect.TypeOf(testStruct1{}), func(p interface{}) error { return nil },
		))
		assert.Nil(uut.AddToTaskExecutionMap(
			reflect.TypeOf(testStruct3{}), func(p interface{}) error { return fmt.Errorf("Dummy error") },
		))
		assert.Nil(uut.ProcessNewTaskParam(testStruct1{}))
		assert.NotNil(uut.ProcessNewTaskParam(testStruct2{}))
		assert.NotNil(uut.ProcessNewTaskParam(&testStruct1{}))
		assert.NotNil(uut.ProcessNewTaskParam(testStruct3{}))
	}
}

func TestTaskProcessorEventLoop(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	uut, err := GetNewTaskProcessorInstance("testing", 2, ctxt)
	assert.Nil(err)

	type testStruct struct {
		value int
	}
	results := make(chan int, 10)
	assert.Nil(uut.AddToTaskExecutionMap(
		reflect.TypeOf(testStruct{}), func(p interface{}) error {
			results <- p.(testStruct).value
			return nil
		},
	))

	// Case 1: buffered before the loop starts
	{
		assert.True(uut.TrySubmit(testStruct{value: 1}))
		assert.True(uut.TrySubmit(testStruct{value: 2}))
		assert.False(uut.TrySubmit(testStruct{value: 3}))
	}

	assert.Nil(uut.StartEventLoop(&wg))

	// Case 2: tasks are processed in order
	{
		for _, expected := range []int{1, 2} {
			select {
			case v := <-results:
				assert.Equal(expected, v)
			case <-time.After(time.Second):
				assert.Fail("task not processed")
			}
		}
		assert.True(uut.TrySubmit(testStruct{value: 4}))
		select {
		case v := <-results:
			assert.Equal(4, v)
		case <-time.After(time.Second):
			assert.Fail("task not processed")
		}
	}

	// Case 3: stopped processor rejects submissions
	assert.Nil(uut.StopEventLoop())
	assert.False(uut.TrySubmit(testStruct{value: 5}))
}
