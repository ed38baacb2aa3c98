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
	"fmt"
)

// EventKind type of a channel event
type EventKind string

const (
	// EventChanged a watched resource changed
	EventChanged EventKind = "changed"
	// EventNeedWatch a resource has no watcher; the recipient should re-run ensure-watched
	EventNeedWatch EventKind = "need-watch"
	// EventDM a direct message relayed to every session of a resource
	EventDM EventKind = "dm"
	// EventInterest a session added resources to its interest. Handled by the connection
	// owning the session, never written to a transport.
	EventInterest EventKind = "interest"
)

// Event one event sent on a channel
type Event struct {
	// Kind event kind
	Kind EventKind `json:"event" validate:"required"`
	// Data event payload
	Data json.RawMessage `json:"data,omitempty"`
}

// ResourcePayload payload of changed and need-watch events
type ResourcePayload struct {
	// ID the resource ID
	ID string `json:"id"`
}

// InterestPayload payload of interest events
type InterestPayload struct {
	// IDs the added resource IDs
	IDs []string `json:"ids"`
}

// NewResourceEvent define an event about a resource
func NewResourceEvent(kind EventKind, resourceID string) (Event, error) {
	payload, err := json.Marshal(ResourcePayload{ID: resourceID})
	if err != nil {
		return Event{}, err
	}
	return Event{Kind: kind, Data: payload}, nil
}

// String toString function
func (e Event) String() string {
	return fmt.Sprintf("%s(%s)", e.Kind, e.Data)
}

// envelope an event addressed to a channel, as carried between processes
type envelope struct {
	ChannelID string `json:"channel_id" validate:"required"`
	Event     Event  `json:"event" validate:"required"`
}
