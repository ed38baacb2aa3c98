// Copyright 2021-2022 The docwatch Authors
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

type testKeyedTask struct {
	key   string
	index int
}

func (t testKeyedTask) TaskKey() string {
	return t.key
}

func TestTaskProcessorDirectProcessing(t *testing.T) {
	assert := assert.New(t)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetNewTaskProcessorInstance(ctxt, "testing", 4)
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.StopEventLoop())
	}()

	type testStruct1 struct{}
	type testStruct2 struct{}

	// Case 0: no handler registered
	{
		assert.NotNil(uut.Process(ctxt, "hello"))
	}

	// Case 1: register handler
	{
		assert.Nil(uut.RegisterHandler(
			reflect.TypeOf(testStruct1{}),
			func(ctx context.Context, p interface{}) error { return nil },
		))
		assert.Nil(uut.Process(ctxt, testStruct1{}))
		assert.NotNil(uut.Process(ctxt, testStruct2{}))
		assert.NotNil(uut.Process(ctxt, &testStruct1{}))
	}

	// Case 2: handler error surfaces
	{
		assert.Nil(uut.RegisterHandler(
			reflect.TypeOf(testStruct2{}),
			func(ctx context.Context, p interface{}) error { return fmt.Errorf("dummy error") },
		))
		assert.NotNil(uut.Process(ctxt, testStruct2{}))
	}
}

func TestTaskProcessorSubmitAfterStop(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetNewTaskProcessorInstance(ctxt, "testing", 0)
	assert.Nil(err)
	assert.Nil(uut.StartEventLoop(&wg))
	assert.Nil(uut.StopEventLoop())

	// Case 0: unbuffered submit to a stopped processor fails
	{
		useContext, lclCancel := context.WithTimeout(context.Background(), time.Second)
		assert.NotNil(uut.Submit(useContext, "hello"))
		lclCancel()
	}
}

func TestTaskDemuxProcessing(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetNewTaskDemuxProcessorInstance(ctxt, "testing", 4, 3)
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.StopEventLoop())
	}()

	uutc := uut.(*taskDemuxProcessorImpl)
	assert.Equal(0, uutc.routeIdx)

	assert.Nil(uut.StartEventLoop(&wg))

	type testStruct1 struct{}

	testWG := sync.WaitGroup{}
	lock := sync.Mutex{}
	path1 := 0
	keyedOrder := map[string][]int{}

	assert.Nil(uut.RegisterHandler(
		reflect.TypeOf(testStruct1{}), func(ctx context.Context, p interface{}) error {
			lock.Lock()
			defer lock.Unlock()
			path1++
			testWG.Done()
			return nil
		},
	))
	assert.Nil(uut.RegisterHandler(
		reflect.TypeOf(testKeyedTask{}), func(ctx context.Context, p interface{}) error {
			task := p.(testKeyedTask)
			lock.Lock()
			defer lock.Unlock()
			keyedOrder[task.key] = append(keyedOrder[task.key], task.index)
			testWG.Done()
			return nil
		},
	))

	// Case 1: unkeyed tasks round-robin
	{
		testWG.Add(2)
		useContext, lclCancel := context.WithTimeout(context.Background(), time.Second)
		assert.Nil(uut.Submit(useContext, testStruct1{}))
		assert.Nil(uut.Submit(useContext, testStruct1{}))
		lclCancel()
		testWG.Wait()
		lock.Lock()
		assert.Equal(2, path1)
		lock.Unlock()
		uutc.lock.Lock()
		assert.Equal(2, uutc.routeIdx)
		uutc.lock.Unlock()
	}

	// Case 2: keyed tasks keep their order and do not move the round-robin index
	{
		testWG.Add(20)
		useContext, lclCancel := context.WithTimeout(context.Background(), time.Second)
		for itr := 0; itr < 10; itr++ {
			assert.Nil(uut.Submit(useContext, testKeyedTask{key: "res-a", index: itr}))
			assert.Nil(uut.Submit(useContext, testKeyedTask{key: "res-b", index: itr}))
		}
		lclCancel()
		testWG.Wait()
		lock.Lock()
		assert.Equal([]int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, keyedOrder["res-a"])
		assert.Equal([]int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, keyedOrder["res-b"])
		lock.Unlock()
		uutc.lock.Lock()
		assert.Equal(2, uutc.routeIdx)
		uutc.lock.Unlock()
	}
}
