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

package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alwitt/docwatch/auth"
	"github.com/alwitt/docwatch/channels"
	"github.com/alwitt/docwatch/common"
	"github.com/alwitt/docwatch/provider"
	"github.com/alwitt/docwatch/provider/providertest"
	"github.com/alwitt/docwatch/storage"
	"github.com/alwitt/docwatch/watch"
	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	store    *storage.MemoryGateway
	bus      *channels.LocalBus
	provider *providertest.Provider
	creds    auth.Credentials
	uut      *Manager
}

func newTestEnv(t *testing.T, ctx context.Context, wg *sync.WaitGroup) testEnv {
	store, err := storage.GetMemoryGateway(ctx, wg, time.Hour, func(n int) int { return n - 1 })
	require.Nil(t, err)
	bus := channels.GetLocalBus("test", channels.SamplingParams{
		MaxNeedWatch: 5, SampleFactor: 20, Chooser: func(n int) int { return 0 },
	}, nil)
	fake := providertest.New("p", "tok")
	registry := provider.NewRegistry(fake)
	delegate := auth.GetDelegate(registry)
	tokens, err := auth.GetTokenService("secret", "docwatch", time.Hour)
	require.Nil(t, err)
	coordinator, err := watch.GetCoordinator(ctx, watch.CoordinatorParams{
		Store:          store,
		Bus:            bus,
		Auth:           delegate,
		Providers:      registry,
		Tokens:         tokens,
		Chooser:        func(n int) int { return 0 },
		WatcherTTL:     time.Hour,
		ExpiryClaimTTL: time.Minute,
		ExpiryWorkers:  1,
	})
	require.Nil(t, err)
	uut, err := GetManager(ManagerParams{
		Store:          store,
		Bus:            bus,
		Auth:           delegate,
		Watches:        coordinator,
		HandshakeTTL:   time.Minute,
		DMTTL:          time.Hour,
		CleanupTimeout: time.Second,
	}, wg)
	require.Nil(t, err)
	return testEnv{
		store:    store,
		bus:      bus,
		provider: fake,
		creds:    auth.Credentials{"p": providertest.RawAuth("tok")},
		uut:      uut,
	}
}

// drain read the events delivered within the wait
func drain(conn *channels.Connection, wait time.Duration) []channels.Event {
	events := []channels.Event{}
	for {
		select {
		case event := <-conn.Events():
			events = append(events, event)
		case <-time.After(wait):
			return events
		}
	}
}

func (e testEnv) waitDetached(t *testing.T, sessionID string) {
	assert.Eventually(t, func() bool {
		_, attached := e.uut.Attached(sessionID)
		if attached {
			return false
		}
		_, found, err := e.store.Get(context.Background(), SessionKey(sessionID))
		return err == nil && found
	}, time.Second, time.Millisecond*10)
}

func TestSessionLifecycle(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env := newTestEnv(t, ctx, &wg)
	resources := []string{"p/1", "p/2", "p/3"}

	sessionID, err := env.uut.Create(ctx, env.creds, resources, "")
	assert.Nil(err)
	assert.NotEmpty(sessionID)

	// Case 0: connect returns the interest
	conn := channels.NewConnection("local", 16)
	{
		ids, err := env.uut.Connect(ctx, sessionID, conn)
		assert.Nil(err)
		assert.Equal(resources, ids)
		assert.Equal(1, env.bus.Subscribers(sessionID))
		for _, resourceID := range resources {
			assert.Equal(1, env.bus.Subscribers(resourceID))
		}
	}

	// Case 1: second connect is rejected
	{
		_, err := env.uut.Connect(ctx, sessionID, channels.NewConnection("local", 16))
		assert.True(common.IsKind(err, common.KindUnauthorized))
	}

	// Case 2: disconnect, then resume
	{
		conn.Close()
		env.waitDetached(t, sessionID)
		assert.Equal(0, env.bus.Subscribers(sessionID))
		ids, err := env.uut.Connect(ctx, sessionID, channels.NewConnection("local", 16))
		assert.Nil(err)
		assert.Equal(resources, ids)
	}

	// Case 3: unknown session
	{
		_, err := env.uut.Connect(ctx, "unknown", channels.NewConnection("local", 16))
		assert.True(common.IsKind(err, common.KindUnauthorized))
	}
}

func TestSessionCreateFailures(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env := newTestEnv(t, ctx, &wg)
	env.provider.Editable["1"] = true

	// Case 0: no resources
	{
		_, err := env.uut.Create(ctx, env.creds, []string{}, "")
		assert.True(common.IsKind(err, common.KindInvalidInput))
	}

	// Case 1: bad auth
	{
		_, err := env.uut.Create(
			ctx, auth.Credentials{"p": providertest.RawAuth("x")}, []string{"p/1"}, "",
		)
		assert.True(common.IsKind(err, common.KindUnauthorized))
	}

	// Case 2: DM claim on a resource the caller may not edit has no side effects
	{
		_, err := env.uut.Create(ctx, env.creds, []string{"p/2"}, "p/2")
		assert.True(common.IsKind(err, common.KindUnauthorized))
		assert.Empty(env.provider.Watches())
		members, err := env.store.SetMembers(ctx, watch.CandidatesKey("p/2"))
		assert.Nil(err)
		assert.Empty(members)
	}

	// Case 3: DM claim with an unknown provider
	{
		_, err := env.uut.Create(ctx, env.creds, []string{"p/1"}, "q/1")
		assert.True(common.IsKind(err, common.KindInvalidInput))
		assert.Empty(env.provider.Watches())
	}

	// Case 4: failed watch leaves no handshake
	{
		env.provider.Missing["7"] = true
		_, err := env.uut.Create(ctx, env.creds, []string{"p/7"}, "p/1")
		assert.True(common.IsKind(err, common.KindInvalidInput))
	}

	// Case 5: a failed watch releases the resources already joined
	{
		env.provider.Missing["9"] = true
		_, err := env.uut.Create(ctx, env.creds, []string{"p/5", "p/9"}, "")
		assert.True(common.IsKind(err, common.KindInvalidInput))
		for _, resourceID := range []string{"p/5", "p/9"} {
			_, found, err := env.store.Get(ctx, watch.WatcherKey(resourceID))
			assert.Nil(err)
			assert.False(found)
			members, err := env.store.SetMembers(ctx, watch.CandidatesKey(resourceID))
			assert.Nil(err)
			assert.Empty(members)
		}
	}
}

func TestSessionWatcherFailover(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env := newTestEnv(t, ctx, &wg)
	resources := []string{"p/1", "p/2"}

	sessionA, err := env.uut.Create(ctx, env.creds, resources, "")
	assert.Nil(err)
	for _, resourceID := range resources {
		leader, _, err := env.store.Get(ctx, watch.WatcherKey(resourceID))
		assert.Nil(err)
		assert.Equal(sessionA, leader)
	}

	sessionB, err := env.uut.Create(ctx, env.creds, resources, "")
	assert.Nil(err)
	for _, resourceID := range resources {
		leader, _, err := env.store.Get(ctx, watch.WatcherKey(resourceID))
		assert.Nil(err)
		assert.Equal(sessionA, leader)
	}

	connA := channels.NewConnection("local", 16)
	_, err = env.uut.Connect(ctx, sessionA, connA)
	assert.Nil(err)
	connB := channels.NewConnection("local", 16)
	_, err = env.uut.Connect(ctx, sessionB, connB)
	assert.Nil(err)

	// A leaves; B gets one need-watch per resource
	connA.Close()
	env.waitDetached(t, sessionA)
	received := map[string]int{}
	for _, event := range drain(connB, time.Millisecond*100) {
		assert.Equal(channels.EventNeedWatch, event.Kind)
		var payload channels.ResourcePayload
		assert.Nil(json.Unmarshal(event.Data, &payload))
		received[payload.ID]++
	}
	assert.Equal(map[string]int{"p/1": 1, "p/2": 1}, received)

	// B answers
	assert.Nil(env.uut.AddWatch(ctx, sessionB, env.creds, resources))
	for _, resourceID := range resources {
		leader, _, err := env.store.Get(ctx, watch.WatcherKey(resourceID))
		assert.Nil(err)
		assert.Equal(sessionB, leader)
	}

	// B, the last candidate, leaves
	connB.Close()
	env.waitDetached(t, sessionB)
	for _, resourceID := range resources {
		_, found, err := env.store.Get(ctx, watch.WatcherKey(resourceID))
		assert.Nil(err)
		assert.False(found)
	}
}

func TestSessionAddWatch(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env := newTestEnv(t, ctx, &wg)

	sessionID, err := env.uut.Create(ctx, env.creds, []string{"p/1"}, "")
	assert.Nil(err)
	conn := channels.NewConnection("local", 16)
	_, err = env.uut.Connect(ctx, sessionID, conn)
	assert.Nil(err)

	// Case 0: input checks
	{
		err := env.uut.AddWatch(ctx, "", env.creds, []string{"p/2"})
		assert.True(common.IsKind(err, common.KindInvalidInput))
		err = env.uut.AddWatch(ctx, sessionID, env.creds, nil)
		assert.True(common.IsKind(err, common.KindInvalidInput))
		forged := auth.Credentials{"p": providertest.RawAuth("x")}
		err = env.uut.AddWatch(ctx, sessionID, forged, []string{"p/2"})
		assert.True(common.IsKind(err, common.KindUnauthorized))
	}

	// Case 1: the attached connection joins the new channel
	{
		assert.Nil(env.uut.AddWatch(ctx, sessionID, env.creds, []string{"p/1", "p/2"}))
		ids, ok := env.uut.Attached(sessionID)
		assert.True(ok)
		assert.Equal([]string{"p/1", "p/2"}, ids)
		assert.Nil(channels.SendChanged(ctx, env.bus, "p/2", "p/2"))
		events := drain(conn, time.Millisecond*50)
		assert.Len(events, 1)
		assert.Equal(channels.EventChanged, events[0].Kind)
	}

	// Case 2: disconnect releases the added interest too
	{
		conn.Close()
		env.waitDetached(t, sessionID)
		members, err := env.store.SetMembers(ctx, watch.CandidatesKey("p/2"))
		assert.Nil(err)
		assert.Empty(members)
		ids, err := env.uut.Connect(ctx, sessionID, channels.NewConnection("local", 16))
		assert.Nil(err)
		assert.Equal([]string{"p/1", "p/2"}, ids)
	}
}

func TestSessionAddWatchDetached(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env := newTestEnv(t, ctx, &wg)

	sessionID, err := env.uut.Create(ctx, env.creds, []string{"p/1"}, "")
	assert.Nil(err)

	// Case 0: interest added before the client connects
	assert.Nil(env.uut.AddWatch(ctx, sessionID, env.creds, []string{"p/2"}))
	leader, _, err := env.store.Get(ctx, watch.WatcherKey("p/2"))
	assert.Nil(err)
	assert.Equal(sessionID, leader)

	// Case 1: connect picks it up
	conn := channels.NewConnection("local", 16)
	{
		ids, err := env.uut.Connect(ctx, sessionID, conn)
		assert.Nil(err)
		assert.Equal([]string{"p/1", "p/2"}, ids)
		assert.Equal(1, env.bus.Subscribers("p/2"))
	}

	// Case 2: disconnect releases it
	{
		conn.Close()
		env.waitDetached(t, sessionID)
		for _, resourceID := range []string{"p/1", "p/2"} {
			_, found, err := env.store.Get(ctx, watch.WatcherKey(resourceID))
			assert.Nil(err)
			assert.False(found)
			members, err := env.store.SetMembers(ctx, watch.CandidatesKey(resourceID))
			assert.Nil(err)
			assert.Empty(members)
		}
		added, err := env.store.SetMembers(ctx, InterestKey(sessionID))
		assert.Nil(err)
		assert.Empty(added)
	}

	// Case 3: the resumed session keeps it
	{
		ids, err := env.uut.Connect(ctx, sessionID, channels.NewConnection("local", 16))
		assert.Nil(err)
		assert.Equal([]string{"p/1", "p/2"}, ids)
	}
}

func TestSessionAddWatchElsewhere(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env := newTestEnv(t, ctx, &wg)
	// Another process sharing the store and bus, without the session attached
	other, err := GetManager(env.uut.ManagerParams, &wg)
	require.Nil(t, err)

	sessionID, err := env.uut.Create(ctx, env.creds, []string{"p/1"}, "")
	assert.Nil(err)
	conn := channels.NewConnection("local", 16)
	_, err = env.uut.Connect(ctx, sessionID, conn)
	assert.Nil(err)

	// Case 0: the owning process extends the attached connection
	{
		assert.Nil(other.AddWatch(ctx, sessionID, env.creds, []string{"p/2"}))
		_, attached := other.Attached(sessionID)
		assert.False(attached)
		ids, ok := env.uut.Attached(sessionID)
		assert.True(ok)
		assert.Equal([]string{"p/1", "p/2"}, ids)
		assert.Empty(drain(conn, time.Millisecond*20))
	}

	// Case 1: disconnect on the owning process releases it
	{
		conn.Close()
		env.waitDetached(t, sessionID)
		_, found, err := env.store.Get(ctx, watch.WatcherKey("p/2"))
		assert.Nil(err)
		assert.False(found)
		members, err := env.store.SetMembers(ctx, watch.CandidatesKey("p/2"))
		assert.Nil(err)
		assert.Empty(members)
	}
}

func TestSessionDMEvent(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env := newTestEnv(t, ctx, &wg)
	env.provider.Editable["1"] = true

	dmSession, err := env.uut.Create(ctx, env.creds, []string{"p/1"}, "p/1")
	assert.Nil(err)
	playerSession, err := env.uut.Create(ctx, env.creds, []string{"p/1"}, "")
	assert.Nil(err)
	players := []*channels.Connection{}
	for itr := 0; itr < 3; itr++ {
		conn := channels.NewConnection("local", 16)
		assert.Nil(env.bus.Subscribe(conn, "p/1"))
		players = append(players, conn)
	}

	// Case 0: DM event reaches every session on the resource
	{
		payload := json.RawMessage(`{"roll":20}`)
		assert.Nil(env.uut.SendDMEvent(ctx, dmSession, payload))
		for _, conn := range players {
			events := drain(conn, time.Millisecond*20)
			assert.Len(events, 1)
			assert.Equal(channels.EventDM, events[0].Kind)
			assert.JSONEq(`{"roll":20}`, string(events[0].Data))
		}
	}

	// Case 1: not a DM
	{
		err := env.uut.SendDMEvent(ctx, playerSession, json.RawMessage(`{}`))
		assert.True(common.IsKind(err, common.KindUnauthorized))
	}

	// Case 2: not JSON
	{
		err := env.uut.SendDMEvent(ctx, dmSession, json.RawMessage(`{`))
		assert.True(common.IsKind(err, common.KindInvalidInput))
	}
}
