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
	"sync"

	"github.com/alwitt/docwatch/core"
	"github.com/alwitt/docwatch/metrics"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
)

// NatsBus Bus replicated across processes over one NATS subject. Every process, the
// sender included, dispatches received events to its local bus.
type NatsBus struct {
	goutils.Component
	nats         *core.NatsClient
	subject      string
	local        Bus
	validate     *validator.Validate
	metrics      *metrics.Collector
	lock         sync.Mutex
	subscription *nats.Subscription
}

// GetNatsBus define a NATS replicated bus delivering to the local bus
func GetNatsBus(
	natsClient *core.NatsClient, subject string, local Bus, collector *metrics.Collector,
) *NatsBus {
	return &NatsBus{
		Component: goutils.Component{
			LogTags: log.Fields{"module": "channels", "component": "nats-bus", "instance": subject},
		},
		nats:     natsClient,
		subject:  subject,
		local:    local,
		validate: validator.New(),
		metrics:  collector,
	}
}

// Start begin receiving replicated events. The subscription ends when ctx is done.
func (b *NatsBus) Start(ctx context.Context, wg *sync.WaitGroup) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.subscription != nil {
		return errors.Errorf("already receiving on %s", b.subject)
	}
	sub, err := b.nats.NATs().Subscribe(b.subject, func(msg *nats.Msg) {
		var received envelope
		if err := json.Unmarshal(msg.Data, &received); err != nil {
			log.WithError(err).WithFields(b.LogTags).Errorf("Failed to parse event: %s", msg.Data)
			return
		}
		if err := b.validate.Struct(&received); err != nil {
			log.WithError(err).WithFields(b.LogTags).Errorf("Invalid event: %s", msg.Data)
			return
		}
		if err := b.local.Send(ctx, received.ChannelID, received.Event); err != nil {
			log.WithError(err).WithFields(b.LogTags).Errorf(
				"Local dispatch of %s on %s failed", received.Event.Kind, received.ChannelID,
			)
		}
	})
	if err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf("Failed to subscribe to %s", b.subject)
		return err
	}
	b.subscription = sub
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			log.WithError(err).WithFields(b.LogTags).Errorf("Failed to unsubscribe from %s", b.subject)
		}
		log.WithFields(b.LogTags).Infof("Stopped receiving on %s", b.subject)
	}()
	return nil
}

// Send publish the event to every process
func (b *NatsBus) Send(ctx context.Context, channelID string, event Event) error {
	payload, err := json.Marshal(envelope{ChannelID: channelID, Event: event})
	if err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf("Unable to serialize %s", event)
		return err
	}
	if err := b.nats.NATs().Publish(b.subject, payload); err != nil {
		log.WithError(err).WithFields(b.LogTags).Errorf("Failed to publish %s on %s", event, channelID)
		return errors.Wrapf(err, "publish %s on %s", event.Kind, channelID)
	}
	b.metrics.EventSent(string(event.Kind))
	log.WithFields(b.LogTags).Debugf("Published %s on %s", event.Kind, channelID)
	return nil
}

// Flush wait until published events are acknowledged by the server
func (b *NatsBus) Flush(ctx context.Context) error {
	return b.nats.NATs().FlushWithContext(ctx)
}

// Subscribe attach a connection to channels on the local bus
func (b *NatsBus) Subscribe(conn *Connection, channelIDs ...string) error {
	return b.local.Subscribe(conn, channelIDs...)
}

// Unsubscribe detach a connection from channels on the local bus
func (b *NatsBus) Unsubscribe(conn *Connection, channelIDs ...string) error {
	return b.local.Unsubscribe(conn, channelIDs...)
}
