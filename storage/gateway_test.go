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

package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testGatewayContract exercise the behavior every Gateway implementation must share
func testGatewayContract(t *testing.T, uut Gateway) {
	assert := assert.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()

	ns := uuid.New().String()
	key := func(name string) string { return fmt.Sprintf("%s:%s", name, ns) }

	// Case 0: basic get / set / delete
	{
		_, ok, err := uut.Get(ctx, key("k0"))
		assert.Nil(err)
		assert.False(ok)
		assert.Nil(uut.SetWithExpiry(ctx, key("k0"), "v0", time.Minute))
		value, ok, err := uut.Get(ctx, key("k0"))
		assert.Nil(err)
		assert.True(ok)
		assert.Equal("v0", value)
		assert.Nil(uut.Delete(ctx, key("k0"), key("k0")))
		_, ok, err = uut.Get(ctx, key("k0"))
		assert.Nil(err)
		assert.False(ok)
	}

	// Case 1: batched operations run in order
	{
		results, err := uut.Exec(ctx, []Op{
			SetOp(key("k1"), "v1", time.Minute),
			SetOp(key("k2"), "v2", 0),
			GetOp(key("k1")),
			GetOp(key("k3")),
		})
		assert.Nil(err)
		assert.Len(results, 4)
		assert.Equal(OpResult{Value: "v1", Found: true}, results[2])
		assert.False(results[3].Found)

		results, err = uut.MultiGet(ctx, []string{key("k2"), key("k3"), key("k1")})
		assert.Nil(err)
		assert.Equal(
			[]OpResult{{Value: "v2", Found: true}, {}, {Value: "v1", Found: true}}, results,
		)
		assert.Nil(uut.Delete(ctx, key("k1"), key("k2")))
	}

	// Case 2: read-once semantics
	{
		assert.Nil(uut.SetWithExpiry(ctx, key("once"), "payload", time.Minute))
		value, ok, err := uut.GetAndDelete(ctx, key("once"))
		assert.Nil(err)
		assert.True(ok)
		assert.Equal("payload", value)
		_, ok, err = uut.GetAndDelete(ctx, key("once"))
		assert.Nil(err)
		assert.False(ok)
	}

	// Case 3: sets
	{
		set := key("set")
		members, err := uut.SetMembers(ctx, set)
		assert.Nil(err)
		assert.Empty(members)
		_, ok, err := uut.SetRandomMember(ctx, set)
		assert.Nil(err)
		assert.False(ok)

		assert.Nil(uut.SetAdd(ctx, set, "b"))
		assert.Nil(uut.SetAdd(ctx, set, "a"))
		assert.Nil(uut.SetAdd(ctx, set, "a"))
		members, err = uut.SetMembers(ctx, set)
		assert.Nil(err)
		assert.Equal([]string{"a", "b"}, members)

		member, ok, err := uut.SetRandomMember(ctx, set)
		assert.Nil(err)
		assert.True(ok)
		assert.Contains([]string{"a", "b"}, member)

		assert.Nil(uut.SetRemove(ctx, set, "a"))
		assert.Nil(uut.SetRemove(ctx, set, "unknown"))
		members, err = uut.SetMembers(ctx, set)
		assert.Nil(err)
		assert.Equal([]string{"b"}, members)
		assert.Nil(uut.SetRemove(ctx, set, "b"))
	}

	// Case 4: set-if-absent never overwrites
	{
		stored, err := uut.SetIfAbsent(ctx, key("leader"), "sess-a", time.Minute)
		assert.Nil(err)
		assert.Equal("sess-a", stored)
		stored, err = uut.SetIfAbsent(ctx, key("leader"), "sess-b", time.Minute)
		assert.Nil(err)
		assert.Equal("sess-a", stored)
		value, _, err := uut.Get(ctx, key("leader"))
		assert.Nil(err)
		assert.Equal("sess-a", value)
		assert.Nil(uut.Delete(ctx, key("leader")))
	}

	// Case 5: concurrent set-if-absent elects exactly one value
	{
		wg := sync.WaitGroup{}
		results := make([]string, 16)
		for itr := 0; itr < 16; itr++ {
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				stored, err := uut.SetIfAbsent(
					ctx, key("race"), fmt.Sprintf("sess-%d", idx), time.Minute,
				)
				assert.Nil(err)
				results[idx] = stored
			}(itr)
		}
		wg.Wait()
		for _, stored := range results {
			assert.Equal(results[0], stored)
		}
		assert.Nil(uut.Delete(ctx, key("race")))
	}

	// Case 6: promote watchers
	{
		t1 := PromotionTarget{LeaderKey: key("watcher-1"), CandidateSet: key("watchers-1")}
		t2 := PromotionTarget{LeaderKey: key("watcher-2"), CandidateSet: key("watchers-2")}
		t3 := PromotionTarget{LeaderKey: key("watcher-3"), CandidateSet: key("watchers-3")}
		assert.Nil(uut.SetWithExpiry(ctx, t1.LeaderKey, "sess-a", time.Minute))
		assert.Nil(uut.SetWithExpiry(ctx, t2.LeaderKey, "sess-a", time.Minute))
		assert.Nil(uut.SetWithExpiry(ctx, t3.LeaderKey, "sess-c", time.Minute))
		assert.Nil(uut.SetAdd(ctx, t1.CandidateSet, "sess-b"))
		assert.Nil(uut.SetAdd(ctx, t3.CandidateSet, "sess-b"))

		promotions, err := uut.PromoteWatchers(ctx, "sess-a", []PromotionTarget{t1, t2, t3, t1})
		assert.Nil(err)
		assert.Equal([]Promotion{{PromotionTarget: t1, NewLeader: "sess-b"}}, promotions)

		// Both records led by the leaving session are gone, the other is untouched
		results, err := uut.MultiGet(ctx, []string{t1.LeaderKey, t2.LeaderKey, t3.LeaderKey})
		assert.Nil(err)
		assert.False(results[0].Found)
		assert.False(results[1].Found)
		assert.Equal(OpResult{Value: "sess-c", Found: true}, results[2])

		// Nothing left to vacate
		promotions, err = uut.PromoteWatchers(ctx, "sess-a", []PromotionTarget{t1, t2})
		assert.Nil(err)
		assert.Empty(promotions)

		assert.Nil(uut.Delete(ctx, t3.LeaderKey))
		assert.Nil(uut.SetRemove(ctx, t1.CandidateSet, "sess-b"))
		assert.Nil(uut.SetRemove(ctx, t3.CandidateSet, "sess-b"))
	}

	// Case 7: store reachable
	{
		assert.Nil(uut.Ready(ctx))
	}
}

// testGatewayExpiry verify expiry is reported but explicit deletes are not
func testGatewayExpiry(t *testing.T, uut Gateway, ttl time.Duration, wait time.Duration) {
	assert := assert.New(t)
	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ns := uuid.New().String()
	prefix := fmt.Sprintf("expiring:%s:", ns)

	events := make(chan ExpiryEvent, 4)
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.Nil(uut.WatchExpiry(ctx, prefix, func(event ExpiryEvent) {
			events <- event
		}))
	}()
	// Allow the watch to register
	time.Sleep(time.Millisecond * 200)

	assert.Nil(uut.SetWithExpiry(ctx, prefix+"deleted", "sess-a", time.Minute))
	assert.Nil(uut.Delete(ctx, prefix+"deleted"))
	assert.Nil(uut.SetWithExpiry(ctx, fmt.Sprintf("other:%s", ns), "sess-a", ttl))
	assert.Nil(uut.SetWithExpiry(ctx, prefix+"expired", "sess-b", ttl))

	select {
	case event := <-events:
		assert.Equal(prefix+"expired", event.Key)
		assert.Equal("sess-b", event.Value)
		assert.Greater(event.Revision, int64(0))
	case <-time.After(wait):
		require.FailNow(t, "expiry not reported")
	}
	select {
	case event := <-events:
		assert.Failf("unexpected expiry", "%v", event)
	case <-time.After(time.Millisecond * 300):
	}
	_, ok, err := uut.Get(ctx, prefix+"expired")
	assert.Nil(err)
	assert.False(ok)
}
