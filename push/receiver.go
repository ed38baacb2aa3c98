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

package push

import (
	"context"
	"net/http"
	"strings"

	"github.com/alwitt/docwatch/channels"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
)

// Push notification headers set by Drive
const (
	HeaderResourceState = "X-Goog-Resource-State"
	HeaderChanged       = "X-Goog-Changed"
	HeaderChannelID     = "X-Goog-Channel-ID"
	HeaderChannelToken  = "X-Goog-Channel-Token"
)

const (
	actionableState = "update"
	contentChange   = "content"
)

// Notification one push notification from an external provider
type Notification struct {
	// ResourceState what happened to the resource; only "update" is acted on
	ResourceState string
	// ChangedFields which parts of the resource changed
	ChangedFields []string
	// ChannelID the external channel the notification arrived on
	ChannelID string
	// ChannelToken the token minted when the channel was created
	ChannelToken string
}

// NotificationFromHeaders read a notification from the push request headers
func NotificationFromHeaders(headers http.Header) Notification {
	changed := []string{}
	for _, field := range strings.Split(headers.Get(HeaderChanged), ",") {
		if field = strings.TrimSpace(field); field != "" {
			changed = append(changed, field)
		}
	}
	return Notification{
		ResourceState: headers.Get(HeaderResourceState),
		ChangedFields: changed,
		ChannelID:     headers.Get(HeaderChannelID),
		ChannelToken:  headers.Get(HeaderChannelToken),
	}
}

// Actionable whether the notification reports a content change
func (n Notification) Actionable() bool {
	if n.ResourceState != actionableState {
		return false
	}
	for _, field := range n.ChangedFields {
		if field == contentChange {
			return true
		}
	}
	return false
}

// TokenUnpacker recovers the resource ID from a channel token
type TokenUnpacker interface {
	Unpack(token string) (string, error)
}

// Receiver turns push notifications into changed events
type Receiver struct {
	goutils.Component
	tokens TokenUnpacker
	bus    channels.Bus
}

// GetReceiver define a new push notification Receiver
func GetReceiver(tokens TokenUnpacker, bus channels.Bus) *Receiver {
	return &Receiver{
		Component: goutils.Component{
			LogTags: log.Fields{"module": "push", "component": "receiver"},
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		tokens: tokens,
		bus:    bus,
	}
}

// Receive process one notification. A changed event is sent on the resource's channel if the
// notification reports a content change. Returns whether an event was sent.
//
// A missing or invalid channel token is a KindInvalidInput error.
func (r *Receiver) Receive(ctx context.Context, notification Notification) (bool, error) {
	logTags := r.GetLogTagsForContext(ctx)
	resourceID, err := r.tokens.Unpack(notification.ChannelToken)
	if err != nil {
		log.WithError(err).WithFields(logTags).Warnf(
			"Rejected notification on channel %s", notification.ChannelID,
		)
		return false, err
	}
	if !notification.Actionable() {
		log.WithFields(logTags).Debugf(
			"Ignoring %s notification on %s", notification.ResourceState, resourceID,
		)
		return false, nil
	}
	if err := channels.SendChanged(ctx, r.bus, resourceID, resourceID); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to announce change of %s", resourceID)
		return false, err
	}
	log.WithFields(logTags).Debugf("Announced change of %s", resourceID)
	return true, nil
}
