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
	"sync"

	"github.com/alwitt/docwatch/common"
	"github.com/alwitt/docwatch/metrics"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
)

// SamplingParams need-watch audience sampling parameters
type SamplingParams struct {
	// MaxNeedWatch max number of local recipients of one need-watch event
	MaxNeedWatch int `validate:"required,gte=1"`
	// SampleFactor candidates considered for sampling are bounded to SampleFactor * MaxNeedWatch
	SampleFactor int `validate:"required,gte=1"`
	// Chooser picks among the sampled candidates
	Chooser common.IndexChooser `validate:"required"`
}

// channelMembers connections attached to one channel, in attach order
type channelMembers struct {
	order []*Connection
	index map[string]bool
}

// Dispatcher local dispatch table mapping channel IDs to attached connections
type Dispatcher struct {
	goutils.Component
	lock     sync.RWMutex
	channels map[string]*channelMembers
	byConn   map[string][]string
	sampling SamplingParams
	metrics  *metrics.Collector
}

// NewDispatcher define a new local dispatch table
func NewDispatcher(name string, sampling SamplingParams, collector *metrics.Collector) *Dispatcher {
	return &Dispatcher{
		Component: goutils.Component{
			LogTags: log.Fields{"module": "channels", "component": "dispatcher", "instance": name},
		},
		channels: map[string]*channelMembers{},
		byConn:   map[string][]string{},
		sampling: sampling,
		metrics:  collector,
	}
}

// Subscribe attach a connection to channels. Repeated attaches are ignored.
func (d *Dispatcher) Subscribe(conn *Connection, channelIDs ...string) {
	d.lock.Lock()
	defer d.lock.Unlock()
	for _, channelID := range channelIDs {
		members, ok := d.channels[channelID]
		if !ok {
			members = &channelMembers{index: map[string]bool{}}
			d.channels[channelID] = members
		}
		if members.index[conn.ID()] {
			continue
		}
		members.index[conn.ID()] = true
		members.order = append(members.order, conn)
		d.byConn[conn.ID()] = append(d.byConn[conn.ID()], channelID)
	}
}

func (d *Dispatcher) detachLocked(conn *Connection, channelID string) {
	members, ok := d.channels[channelID]
	if !ok || !members.index[conn.ID()] {
		return
	}
	delete(members.index, conn.ID())
	for idx, member := range members.order {
		if member.ID() == conn.ID() {
			members.order = append(members.order[:idx], members.order[idx+1:]...)
			break
		}
	}
	if len(members.order) == 0 {
		delete(d.channels, channelID)
	}
}

// Unsubscribe detach a connection from channels. With no channels given, detach from all.
func (d *Dispatcher) Unsubscribe(conn *Connection, channelIDs ...string) {
	d.lock.Lock()
	defer d.lock.Unlock()
	attached := d.byConn[conn.ID()]
	if len(channelIDs) == 0 {
		channelIDs = attached
	}
	drop := map[string]bool{}
	for _, channelID := range channelIDs {
		d.detachLocked(conn, channelID)
		drop[channelID] = true
	}
	remaining := []string{}
	for _, channelID := range attached {
		if !drop[channelID] {
			remaining = append(remaining, channelID)
		}
	}
	if len(remaining) == 0 {
		delete(d.byConn, conn.ID())
	} else {
		d.byConn[conn.ID()] = remaining
	}
}

// Subscribers number of connections attached to a channel
func (d *Dispatcher) Subscribers(channelID string) int {
	d.lock.RLock()
	defer d.lock.RUnlock()
	if members, ok := d.channels[channelID]; ok {
		return len(members.order)
	}
	return 0
}

// recipients select the connections which should receive an event
func (d *Dispatcher) recipients(channelID string, kind EventKind) []*Connection {
	d.lock.RLock()
	defer d.lock.RUnlock()
	members, ok := d.channels[channelID]
	if !ok {
		return nil
	}
	if kind != EventNeedWatch || len(members.order) <= d.sampling.MaxNeedWatch {
		result := make([]*Connection, len(members.order))
		copy(result, members.order)
		return result
	}
	// Bound the candidate pool, then pick without replacement
	poolSize := d.sampling.SampleFactor * d.sampling.MaxNeedWatch
	if poolSize > len(members.order) {
		poolSize = len(members.order)
	}
	pool := make([]string, poolSize)
	byID := make(map[string]*Connection, poolSize)
	for idx := 0; idx < poolSize; idx++ {
		pool[idx] = members.order[idx].ID()
		byID[pool[idx]] = members.order[idx]
	}
	picked := common.ChooseWithoutReplacement(pool, d.sampling.MaxNeedWatch, d.sampling.Chooser)
	result := make([]*Connection, len(picked))
	for idx, connID := range picked {
		result[idx] = byID[connID]
	}
	return result
}

// Dispatch deliver an event to the local connections of a channel. Returns the number of
// connections the event was queued for.
func (d *Dispatcher) Dispatch(channelID string, event Event) int {
	delivered := 0
	for _, conn := range d.recipients(channelID, event.Kind) {
		if conn.Deliver(event) {
			delivered++
		} else {
			log.WithFields(d.LogTags).Warnf(
				"Connection %s dropped %s on %s", conn.ID(), event.Kind, channelID,
			)
		}
	}
	d.metrics.EventsDelivered(string(event.Kind), delivered)
	return delivered
}
