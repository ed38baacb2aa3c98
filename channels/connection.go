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
	"encoding/json"
	"sync"

	"github.com/google/uuid"
)

// Connection a transport attached to the bus. Events are buffered; a connection whose
// buffer is full is closed.
type Connection struct {
	id        string
	transport string
	events    chan Event
	closed    chan struct{}
	closeOnce sync.Once

	lock          sync.Mutex
	closeHandlers map[int]func()
	handlerIdx    int
	onInterest    func(resourceIDs []string)
}

// NewConnection define a new connection for a transport
func NewConnection(transport string, buffer int) *Connection {
	return &Connection{
		id:            uuid.New().String(),
		transport:     transport,
		events:        make(chan Event, buffer),
		closed:        make(chan struct{}),
		closeHandlers: map[int]func(){},
	}
}

// ID connection ID
func (c *Connection) ID() string {
	return c.id
}

// Transport the transport the connection belongs to
func (c *Connection) Transport() string {
	return c.transport
}

// Events queued events for the transport to write
func (c *Connection) Events() <-chan Event {
	return c.events
}

// Done closed once the connection is closed
func (c *Connection) Done() <-chan struct{} {
	return c.closed
}

// Closed whether the connection is closed
func (c *Connection) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Deliver queue an event without blocking. A full buffer closes the connection.
//
// Interest events go to the interest handler instead of the queue.
func (c *Connection) Deliver(event Event) bool {
	if c.Closed() {
		return false
	}
	if event.Kind == EventInterest {
		return c.handleInterest(event)
	}
	select {
	case c.events <- event:
		return true
	default:
		c.Close()
		return false
	}
}

func (c *Connection) handleInterest(event Event) bool {
	c.lock.Lock()
	handler := c.onInterest
	c.lock.Unlock()
	if handler == nil {
		return false
	}
	var payload InterestPayload
	if err := json.Unmarshal(event.Data, &payload); err != nil || len(payload.IDs) == 0 {
		return false
	}
	handler(payload.IDs)
	return true
}

// OnInterest set the handler called with the resource IDs of each interest event
func (c *Connection) OnInterest(handler func(resourceIDs []string)) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.onInterest = handler
}

// CloseRegistration a registered close handler
type CloseRegistration struct {
	conn  *Connection
	index int
}

// Cancel deregister the handler. Returns false if the handler already ran or was cancelled.
func (r *CloseRegistration) Cancel() bool {
	r.conn.lock.Lock()
	defer r.conn.lock.Unlock()
	if _, ok := r.conn.closeHandlers[r.index]; !ok {
		return false
	}
	delete(r.conn.closeHandlers, r.index)
	return true
}

// OnClose register a handler run once when the connection closes. Registering on a closed
// connection runs the handler immediately.
func (c *Connection) OnClose(handler func()) *CloseRegistration {
	c.lock.Lock()
	c.handlerIdx++
	reg := &CloseRegistration{conn: c, index: c.handlerIdx}
	if c.Closed() {
		c.lock.Unlock()
		handler()
		return reg
	}
	c.closeHandlers[reg.index] = handler
	c.lock.Unlock()
	return reg
}

// Close close the connection and run the close handlers in registration order
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.lock.Lock()
		close(c.closed)
		handlers := c.closeHandlers
		last := c.handlerIdx
		c.closeHandlers = map[int]func(){}
		c.lock.Unlock()
		for idx := 1; idx <= last; idx++ {
			if handler, ok := handlers[idx]; ok {
				handler()
			}
		}
	})
}
