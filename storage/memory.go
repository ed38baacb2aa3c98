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
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alwitt/docwatch/common"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
)

type memoryRecord struct {
	value     string
	expiresAt time.Time
}

func (r memoryRecord) expired(now time.Time) bool {
	return !r.expiresAt.IsZero() && !now.Before(r.expiresAt)
}

type expiryWatch struct {
	prefix  string
	handler ExpiryHandler
}

// MemoryGateway single process Gateway. Used for development and tests.
//
// Expired records are swept on an interval and reported to expiry watchers.
type MemoryGateway struct {
	goutils.Component
	lock     sync.Mutex
	records  map[string]memoryRecord
	sets     map[string]map[string]bool
	revision int64
	watches  map[int]expiryWatch
	watchIdx int
	chooser  common.IndexChooser
	now      func() time.Time
	sweeper  common.IntervalTimer
}

// GetMemoryGateway define a MemoryGateway which sweeps expired records every sweepInterval
func GetMemoryGateway(
	ctx context.Context, wg *sync.WaitGroup, sweepInterval time.Duration, chooser common.IndexChooser,
) (*MemoryGateway, error) {
	logTags := log.Fields{"module": "storage", "component": "memory-gateway"}
	sweeper, err := common.GetIntervalTimerInstance(ctx, wg, "memory-gateway-sweeper")
	if err != nil {
		return nil, err
	}
	instance := &MemoryGateway{
		Component: goutils.Component{LogTags: logTags},
		records:   map[string]memoryRecord{},
		sets:      map[string]map[string]bool{},
		watches:   map[int]expiryWatch{},
		chooser:   chooser,
		now:       time.Now,
		sweeper:   sweeper,
	}
	if err := sweeper.Start(sweepInterval, instance.sweep, false); err != nil {
		return nil, err
	}
	return instance, nil
}

// sweep remove every expired record
func (g *MemoryGateway) sweep() error {
	g.lock.Lock()
	now := g.now()
	expired := []string{}
	for key, record := range g.records {
		if record.expired(now) {
			expired = append(expired, key)
		}
	}
	sort.Strings(expired)
	events := g.expireLocked(expired)
	g.lock.Unlock()
	g.notify(events)
	return nil
}

// Expire force a record to expire now, as if its TTL lapsed
func (g *MemoryGateway) Expire(key string) bool {
	g.lock.Lock()
	_, ok := g.records[key]
	events := []ExpiryEvent{}
	if ok {
		events = g.expireLocked([]string{key})
	}
	g.lock.Unlock()
	g.notify(events)
	return ok
}

func (g *MemoryGateway) expireLocked(keys []string) []ExpiryEvent {
	events := []ExpiryEvent{}
	for _, key := range keys {
		record := g.records[key]
		delete(g.records, key)
		g.revision++
		if !record.expiresAt.IsZero() {
			events = append(events, ExpiryEvent{Key: key, Value: record.value, Revision: g.revision})
		}
	}
	return events
}

func (g *MemoryGateway) notify(events []ExpiryEvent) {
	if len(events) == 0 {
		return
	}
	g.lock.Lock()
	watches := make([]expiryWatch, 0, len(g.watches))
	for _, watch := range g.watches {
		watches = append(watches, watch)
	}
	g.lock.Unlock()
	for _, event := range events {
		for _, watch := range watches {
			if strings.HasPrefix(event.Key, watch.prefix) {
				watch.handler(event)
			}
		}
	}
}

// lookupLocked read a live record; expired records are left for the sweeper to report
func (g *MemoryGateway) lookupLocked(key string) (string, bool) {
	record, ok := g.records[key]
	if !ok || record.expired(g.now()) {
		return "", false
	}
	return record.value, true
}

func (g *MemoryGateway) setLocked(key, value string, ttl time.Duration) {
	record := memoryRecord{value: value}
	if ttl > 0 {
		record.expiresAt = g.now().Add(ttl)
	}
	g.records[key] = record
	g.revision++
}

func (g *MemoryGateway) deleteLocked(key string) {
	if _, ok := g.records[key]; ok {
		delete(g.records, key)
		g.revision++
	}
}

// Get read one key
func (g *MemoryGateway) Get(ctx context.Context, key string) (string, bool, error) {
	g.lock.Lock()
	defer g.lock.Unlock()
	value, ok := g.lookupLocked(key)
	return value, ok, nil
}

// SetWithExpiry write one key
func (g *MemoryGateway) SetWithExpiry(
	ctx context.Context, key, value string, ttl time.Duration,
) error {
	g.lock.Lock()
	defer g.lock.Unlock()
	g.setLocked(key, value, ttl)
	return nil
}

// Delete delete keys
func (g *MemoryGateway) Delete(ctx context.Context, keys ...string) error {
	g.lock.Lock()
	defer g.lock.Unlock()
	for _, key := range keys {
		g.deleteLocked(key)
	}
	return nil
}

// MultiGet read several keys
func (g *MemoryGateway) MultiGet(ctx context.Context, keys []string) ([]OpResult, error) {
	ops := make([]Op, len(keys))
	for idx, key := range keys {
		ops[idx] = GetOp(key)
	}
	return g.Exec(ctx, ops)
}

// Exec execute several operations in order under one lock
func (g *MemoryGateway) Exec(ctx context.Context, ops []Op) ([]OpResult, error) {
	g.lock.Lock()
	defer g.lock.Unlock()
	results := make([]OpResult, len(ops))
	for idx, op := range ops {
		switch op.Kind {
		case OpGet:
			value, ok := g.lookupLocked(op.Key)
			results[idx] = OpResult{Value: value, Found: ok}
		case OpSet:
			g.setLocked(op.Key, op.Value, op.TTL)
		case OpDelete:
			g.deleteLocked(op.Key)
		default:
			return nil, fmt.Errorf("unknown store operation %d", op.Kind)
		}
	}
	return results, nil
}

// GetAndDelete atomically read and delete one key
func (g *MemoryGateway) GetAndDelete(ctx context.Context, key string) (string, bool, error) {
	g.lock.Lock()
	defer g.lock.Unlock()
	value, ok := g.lookupLocked(key)
	if ok {
		g.deleteLocked(key)
	}
	return value, ok, nil
}

// SetAdd add a member to a set
func (g *MemoryGateway) SetAdd(ctx context.Context, set, member string) error {
	g.lock.Lock()
	defer g.lock.Unlock()
	members, ok := g.sets[set]
	if !ok {
		members = map[string]bool{}
		g.sets[set] = members
	}
	members[member] = true
	return nil
}

// SetRemove remove a member from a set
func (g *MemoryGateway) SetRemove(ctx context.Context, set, member string) error {
	g.lock.Lock()
	defer g.lock.Unlock()
	if members, ok := g.sets[set]; ok {
		delete(members, member)
		if len(members) == 0 {
			delete(g.sets, set)
		}
	}
	return nil
}

func (g *MemoryGateway) membersLocked(set string) []string {
	members := make([]string, 0, len(g.sets[set]))
	for member := range g.sets[set] {
		members = append(members, member)
	}
	sort.Strings(members)
	return members
}

// SetMembers list the members of a set in sorted order
func (g *MemoryGateway) SetMembers(ctx context.Context, set string) ([]string, error) {
	g.lock.Lock()
	defer g.lock.Unlock()
	return g.membersLocked(set), nil
}

// SetRandomMember pick a random member of a set
func (g *MemoryGateway) SetRandomMember(ctx context.Context, set string) (string, bool, error) {
	g.lock.Lock()
	defer g.lock.Unlock()
	members := g.membersLocked(set)
	if len(members) == 0 {
		return "", false, nil
	}
	return members[g.chooser(len(members))], true, nil
}

// SetIfAbsent set the key if unset, otherwise return the existing value
func (g *MemoryGateway) SetIfAbsent(
	ctx context.Context, key, value string, ttl time.Duration,
) (string, error) {
	g.lock.Lock()
	defer g.lock.Unlock()
	if existing, ok := g.lookupLocked(key); ok {
		return existing, nil
	}
	g.setLocked(key, value, ttl)
	return value, nil
}

// PromoteWatchers vacate the leader records held by leavingLeader, then pick new candidates
func (g *MemoryGateway) PromoteWatchers(
	ctx context.Context, leavingLeader string, targets []PromotionTarget,
) ([]Promotion, error) {
	g.lock.Lock()
	defer g.lock.Unlock()
	vacated := []PromotionTarget{}
	seen := map[string]bool{}
	for _, target := range targets {
		if seen[target.LeaderKey] {
			continue
		}
		seen[target.LeaderKey] = true
		if leader, ok := g.lookupLocked(target.LeaderKey); ok && leader == leavingLeader {
			g.deleteLocked(target.LeaderKey)
			vacated = append(vacated, target)
		}
	}
	promotions := []Promotion{}
	for _, target := range vacated {
		members := g.membersLocked(target.CandidateSet)
		if len(members) == 0 {
			continue
		}
		promotions = append(promotions, Promotion{
			PromotionTarget: target, NewLeader: members[g.chooser(len(members))],
		})
	}
	return promotions, nil
}

// WatchExpiry report expired records under the prefix until ctx is done
func (g *MemoryGateway) WatchExpiry(
	ctx context.Context, keyPrefix string, handler ExpiryHandler,
) error {
	g.lock.Lock()
	g.watchIdx++
	watchID := g.watchIdx
	g.watches[watchID] = expiryWatch{prefix: keyPrefix, handler: handler}
	g.lock.Unlock()

	<-ctx.Done()

	g.lock.Lock()
	delete(g.watches, watchID)
	g.lock.Unlock()
	return nil
}

// Ready always ready
func (g *MemoryGateway) Ready(ctx context.Context) error {
	return nil
}

// Close stop the sweeper
func (g *MemoryGateway) Close() error {
	return g.sweeper.Stop()
}
