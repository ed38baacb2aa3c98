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
	"encoding/json"
	"fmt"
	"sort"

	"github.com/alwitt/docwatch/metrics"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/hashicorp/go-multierror"
)

// Bus per-channel multicast to attached connections
type Bus interface {
	// Send send an event to every connection attached to the channel, in any process
	// reachable by the bus. need-watch events go to a sampled subset.
	Send(ctx context.Context, channelID string, event Event) error
	// Subscribe attach a connection to channels
	Subscribe(conn *Connection, channelIDs ...string) error
	// Unsubscribe detach a connection from channels; all channels if none given
	Unsubscribe(conn *Connection, channelIDs ...string) error
}

// SendChanged send a changed event for a resource
func SendChanged(ctx context.Context, bus Bus, channelID, resourceID string) error {
	event, err := NewResourceEvent(EventChanged, resourceID)
	if err != nil {
		return err
	}
	return bus.Send(ctx, channelID, event)
}

// SendNeedWatch send a need-watch event for a resource
func SendNeedWatch(ctx context.Context, bus Bus, channelID, resourceID string) error {
	event, err := NewResourceEvent(EventNeedWatch, resourceID)
	if err != nil {
		return err
	}
	return bus.Send(ctx, channelID, event)
}

// SendDM send a direct message event carrying an arbitrary JSON payload
func SendDM(ctx context.Context, bus Bus, channelID string, payload json.RawMessage) error {
	return bus.Send(ctx, channelID, Event{Kind: EventDM, Data: payload})
}

// SendInterest tell the connection attached to a session about resources added to its
// interest
func SendInterest(ctx context.Context, bus Bus, sessionID string, resourceIDs []string) error {
	payload, err := json.Marshal(InterestPayload{IDs: resourceIDs})
	if err != nil {
		return err
	}
	return bus.Send(ctx, sessionID, Event{Kind: EventInterest, Data: payload})
}

// ==============================================================================

// LocalBus Bus that only reaches connections attached to this process
type LocalBus struct {
	goutils.Component
	dispatcher *Dispatcher
}

// GetLocalBus define a process local bus
func GetLocalBus(name string, sampling SamplingParams, collector *metrics.Collector) *LocalBus {
	return &LocalBus{
		Component: goutils.Component{
			LogTags: log.Fields{"module": "channels", "component": "local-bus", "instance": name},
		},
		dispatcher: NewDispatcher(name, sampling, collector),
	}
}

// Send dispatch to local connections
func (b *LocalBus) Send(ctx context.Context, channelID string, event Event) error {
	delivered := b.dispatcher.Dispatch(channelID, event)
	log.WithFields(b.LogTags).Debugf("Delivered %s on %s to %d", event.Kind, channelID, delivered)
	return nil
}

// Subscribe attach a connection to channels
func (b *LocalBus) Subscribe(conn *Connection, channelIDs ...string) error {
	b.dispatcher.Subscribe(conn, channelIDs...)
	return nil
}

// Unsubscribe detach a connection from channels
func (b *LocalBus) Unsubscribe(conn *Connection, channelIDs ...string) error {
	b.dispatcher.Unsubscribe(conn, channelIDs...)
	return nil
}

// Subscribers number of local connections attached to a channel
func (b *LocalBus) Subscribers(channelID string) int {
	return b.dispatcher.Subscribers(channelID)
}

// ==============================================================================

// MultiBus forwards sends to every distinct member bus. Each connection is attached to the
// member registered for its transport. Transports registered with the same member share its
// dispatch, so need-watch sampling covers all of their connections at once.
type MultiBus struct {
	members    []Bus
	transports map[string]Bus
}

// GetMultiBus define a bus forwarding to the members keyed by transport
func GetMultiBus(transports map[string]Bus) *MultiBus {
	names := make([]string, 0, len(transports))
	for transport := range transports {
		names = append(names, transport)
	}
	sort.Strings(names)
	seen := map[Bus]bool{}
	members := make([]Bus, 0, len(transports))
	for _, transport := range names {
		member := transports[transport]
		if seen[member] {
			continue
		}
		seen[member] = true
		members = append(members, member)
	}
	return &MultiBus{members: members, transports: transports}
}

// Send forward to every member, collecting all failures
func (b *MultiBus) Send(ctx context.Context, channelID string, event Event) error {
	var result *multierror.Error
	for _, member := range b.members {
		if err := member.Send(ctx, channelID, event); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (b *MultiBus) memberFor(conn *Connection) (Bus, error) {
	member, ok := b.transports[conn.Transport()]
	if !ok {
		return nil, fmt.Errorf("no bus for transport %s", conn.Transport())
	}
	return member, nil
}

// Subscribe attach a connection through its transport's member
func (b *MultiBus) Subscribe(conn *Connection, channelIDs ...string) error {
	member, err := b.memberFor(conn)
	if err != nil {
		return err
	}
	return member.Subscribe(conn, channelIDs...)
}

// Unsubscribe detach a connection through its transport's member
func (b *MultiBus) Unsubscribe(conn *Connection, channelIDs ...string) error {
	member, err := b.memberFor(conn)
	if err != nil {
		return err
	}
	return member.Unsubscribe(conn, channelIDs...)
}
