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

package channels

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/docwatch/core"
	"github.com/apex/log"
	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// waitForEvents read count events from a connection, failing after the timeout
func waitForEvents(t *testing.T, conn *Connection, count int, timeout time.Duration) []Event {
	result := []Event{}
	deadline := time.After(timeout)
	for len(result) < count {
		select {
		case event := <-conn.Events():
			result = append(result, event)
		case <-deadline:
			require.FailNowf(t, "timed out", "received %d of %d events", len(result), count)
		}
	}
	return result
}

func TestNatsBusReplication(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	opts := natsserver.DefaultTestOptions
	opts.Port = -1
	server := natsserver.RunServer(&opts)
	defer server.Shutdown()

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	defineProcess := func(name string) (*NatsBus, *LocalBus) {
		client, err := core.GetNATSClient(core.NATSConnectParams{
			ServerURI:           server.ClientURL(),
			ConnectTimeout:      time.Second,
			MaxReconnectAttempt: -1,
			ReconnectWait:       time.Second,
		})
		require.Nil(t, err)
		local := GetLocalBus(name, testSampling(), nil)
		bus := GetNatsBus(client, "docwatch.test", local, nil)
		require.Nil(t, bus.Start(ctx, &wg))
		return bus, local
	}

	busA, localA := defineProcess("process-a")
	busB, localB := defineProcess("process-b")

	connA := NewConnection("sse", 64)
	connB := NewConnection("sse", 64)
	assert.Nil(busA.Subscribe(connA, "sess-a", "gdrive/w1"))
	assert.Nil(busB.Subscribe(connB, "sess-b", "gdrive/w1"))
	assert.Equal(1, localA.Subscribers("gdrive/w1"))
	assert.Equal(1, localB.Subscribers("gdrive/w1"))

	// Case 0: start twice
	{
		assert.NotNil(busA.Start(ctx, &wg))
	}

	// Case 1: a send reaches both processes, the sender included
	{
		assert.Nil(SendChanged(ctx, busA, "gdrive/w1", "gdrive/w1"))
		assert.Equal(EventChanged, waitForEvents(t, connA, 1, time.Second)[0].Kind)
		assert.Equal(EventChanged, waitForEvents(t, connB, 1, time.Second)[0].Kind)
	}

	// Case 2: session channels only reach their session
	{
		assert.Nil(SendNeedWatch(ctx, busA, "sess-b", "gdrive/w1"))
		received := waitForEvents(t, connB, 1, time.Second)
		assert.Equal(EventNeedWatch, received[0].Kind)
		flushCtx, flushCancel := context.WithTimeout(ctx, time.Second)
		assert.Nil(busA.Flush(flushCtx))
		flushCancel()
		time.Sleep(time.Millisecond * 50)
		assert.Empty(drain(connA))
	}

	// Case 3: events from one sender on one channel keep their order
	{
		for itr := 0; itr < 20; itr++ {
			assert.Nil(SendChanged(ctx, busB, "gdrive/w1", fmt.Sprintf("gdrive/w%d", itr)))
		}
		for _, conn := range []*Connection{connA, connB} {
			received := waitForEvents(t, conn, 20, time.Second*2)
			for itr, event := range received {
				assert.JSONEq(fmt.Sprintf(`{"id":"gdrive/w%d"}`, itr), string(event.Data))
			}
		}
	}
}
