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

package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/docwatch/common"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestMemoryGatewayContract(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	uut, err := GetMemoryGateway(ctx, &wg, time.Millisecond*20, common.GetRandomIndexChooser(0))
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.Close())
	}()

	testGatewayContract(t, uut)
}

func TestMemoryGatewayExpiry(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	uut, err := GetMemoryGateway(ctx, &wg, time.Millisecond*20, common.GetRandomIndexChooser(0))
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.Close())
	}()

	testGatewayExpiry(t, uut, time.Millisecond*100, time.Second)
}

func TestMemoryGatewayForcedExpiry(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	uut, err := GetMemoryGateway(ctx, &wg, time.Hour, func(n int) int { return n - 1 })
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.Close())
	}()

	events := make(chan ExpiryEvent, 2)
	watchCtx, watchCancel := context.WithCancel(ctx)
	watchDone := make(chan bool)
	go func() {
		assert.Nil(uut.WatchExpiry(watchCtx, "watcher:", func(event ExpiryEvent) {
			events <- event
		}))
		watchDone <- true
	}()
	time.Sleep(time.Millisecond * 50)

	// Case 0: unknown key
	{
		assert.False(uut.Expire("watcher:gdrive/w1"))
	}

	// Case 1: forced expiry reported
	{
		assert.Nil(uut.SetWithExpiry(ctx, "watcher:gdrive/w1", "sess-a", time.Hour))
		assert.True(uut.Expire("watcher:gdrive/w1"))
		select {
		case event := <-events:
			assert.Equal("watcher:gdrive/w1", event.Key)
			assert.Equal("sess-a", event.Value)
		case <-time.After(time.Second):
			assert.Fail("expiry not reported")
		}
	}

	// Case 2: the chooser drives random member selection
	{
		assert.Nil(uut.SetAdd(ctx, "watchers:gdrive/w1", "sess-a"))
		assert.Nil(uut.SetAdd(ctx, "watchers:gdrive/w1", "sess-c"))
		assert.Nil(uut.SetAdd(ctx, "watchers:gdrive/w1", "sess-b"))
		member, ok, err := uut.SetRandomMember(ctx, "watchers:gdrive/w1")
		assert.Nil(err)
		assert.True(ok)
		assert.Equal("sess-c", member)
	}

	watchCancel()
	<-watchDone
}
