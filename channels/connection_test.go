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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConnectionCloseHandlers(t *testing.T) {
	assert := assert.New(t)

	uut := NewConnection("sse", 2)
	order := []string{}

	reg1 := uut.OnClose(func() { order = append(order, "first") })
	reg2 := uut.OnClose(func() { order = append(order, "second") })
	_ = uut.OnClose(func() { order = append(order, "third") })

	// Case 0: cancel a registration
	{
		assert.True(reg2.Cancel())
		assert.False(reg2.Cancel())
	}

	// Case 1: handlers run once, in order
	{
		assert.False(uut.Closed())
		uut.Close()
		uut.Close()
		assert.True(uut.Closed())
		assert.Equal([]string{"first", "third"}, order)
		assert.False(reg1.Cancel())
	}

	// Case 2: registering after close runs immediately
	{
		ran := false
		_ = uut.OnClose(func() { ran = true })
		assert.True(ran)
	}
}

func TestConnectionSlowConsumer(t *testing.T) {
	assert := assert.New(t)

	uut := NewConnection("ws", 2)
	closed := 0
	_ = uut.OnClose(func() { closed++ })

	event, err := NewResourceEvent(EventChanged, "gdrive/w1")
	assert.Nil(err)

	// Case 0: buffer fills
	{
		assert.True(uut.Deliver(event))
		assert.True(uut.Deliver(event))
		assert.Equal(0, closed)
	}

	// Case 1: overflow closes the connection
	{
		assert.False(uut.Deliver(event))
		assert.Equal(1, closed)
		assert.True(uut.Closed())
		assert.False(uut.Deliver(event))
		assert.Equal(1, closed)
	}

	// Case 2: buffered events remain readable
	{
		received := <-uut.Events()
		assert.Equal(EventChanged, received.Kind)
		assert.JSONEq(`{"id":"gdrive/w1"}`, string(received.Data))
	}
}

func TestConnectionInterest(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	bus := GetLocalBus("testing", testSampling(), nil)
	uut := NewConnection("sse", 2)
	assert.Nil(bus.Subscribe(uut, "sess-1"))

	// Case 0: no handler
	{
		assert.Nil(SendInterest(ctx, bus, "sess-1", []string{"gdrive/w2"}))
		assert.Empty(drain(uut))
	}

	received := [][]string{}
	uut.OnInterest(func(resourceIDs []string) { received = append(received, resourceIDs) })

	// Case 1: the handler gets the IDs and nothing is queued
	{
		assert.Nil(SendInterest(ctx, bus, "sess-1", []string{"gdrive/w2", "gdrive/w3"}))
		assert.Equal([][]string{{"gdrive/w2", "gdrive/w3"}}, received)
		assert.Empty(drain(uut))
	}

	// Case 2: malformed payload
	{
		assert.False(uut.Deliver(Event{Kind: EventInterest, Data: []byte(`{"ids":"x"}`)}))
		assert.Len(received, 1)
	}
}
