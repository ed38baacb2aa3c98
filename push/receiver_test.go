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
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/alwitt/docwatch/auth"
	"github.com/alwitt/docwatch/channels"
	"github.com/alwitt/docwatch/common"
	"github.com/stretchr/testify/assert"
)

func TestNotificationFromHeaders(t *testing.T) {
	assert := assert.New(t)

	headers := http.Header{}
	headers.Set(HeaderResourceState, "update")
	headers.Set(HeaderChanged, "properties, content")
	headers.Set(HeaderChannelID, "chan-1")
	headers.Set(HeaderChannelToken, "token")

	parsed := NotificationFromHeaders(headers)
	assert.Equal("update", parsed.ResourceState)
	assert.Equal([]string{"properties", "content"}, parsed.ChangedFields)
	assert.Equal("chan-1", parsed.ChannelID)
	assert.Equal("token", parsed.ChannelToken)
	assert.True(parsed.Actionable())

	// Case 0: not an update
	parsed.ResourceState = "sync"
	assert.False(parsed.Actionable())

	// Case 1: no content change
	assert.False(Notification{ResourceState: "update", ChangedFields: []string{"permissions"}}.Actionable())
}

func TestReceiver(t *testing.T) {
	assert := assert.New(t)

	tokens, err := auth.GetTokenService("secret", "docwatch", time.Hour)
	assert.Nil(err)
	bus := channels.GetLocalBus("test", channels.SamplingParams{
		MaxNeedWatch: 1, SampleFactor: 1, Chooser: func(n int) int { return 0 },
	}, nil)
	conns := []*channels.Connection{}
	for itr := 0; itr < 4; itr++ {
		conn := channels.NewConnection("local", 4)
		assert.Nil(bus.Subscribe(conn, "gdrive/wfile-1"))
		conns = append(conns, conn)
	}
	uut := GetReceiver(tokens, bus)
	ctx := context.Background()

	token, err := tokens.Generate("gdrive/wfile-1")
	assert.Nil(err)

	// Case 0: content update reaches every subscriber
	{
		sent, err := uut.Receive(ctx, Notification{
			ResourceState: "update",
			ChangedFields: []string{"content"},
			ChannelID:     "chan-1",
			ChannelToken:  token,
		})
		assert.Nil(err)
		assert.True(sent)
		for _, conn := range conns {
			select {
			case event := <-conn.Events():
				assert.Equal(channels.EventChanged, event.Kind)
				var payload channels.ResourcePayload
				assert.Nil(json.Unmarshal(event.Data, &payload))
				assert.Equal("gdrive/wfile-1", payload.ID)
			default:
				assert.Fail("changed event not delivered")
			}
		}
	}

	// Case 1: sync notification is ignored
	{
		sent, err := uut.Receive(ctx, Notification{
			ResourceState: "sync", ChannelID: "chan-1", ChannelToken: token,
		})
		assert.Nil(err)
		assert.False(sent)
	}

	// Case 2: bad token
	{
		_, err := uut.Receive(ctx, Notification{
			ResourceState: "update",
			ChangedFields: []string{"content"},
			ChannelToken:  "forged",
		})
		assert.True(common.IsKind(err, common.KindInvalidInput))
		_, err = uut.Receive(ctx, Notification{ResourceState: "update"})
		assert.True(common.IsKind(err, common.KindInvalidInput))
	}

	for _, conn := range conns {
		assert.Len(conn.Events(), 0)
	}
}
