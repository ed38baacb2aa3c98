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
	"time"
)

// OpKind type of a batched store operation
type OpKind int

const (
	// OpGet read one key
	OpGet OpKind = iota
	// OpSet write one key, with TTL if non-zero
	OpSet
	// OpDelete delete one key
	OpDelete
)

// Op one operation of a batched Exec call
type Op struct {
	Kind  OpKind
	Key   string
	Value string
	TTL   time.Duration
}

// GetOp define a read operation
func GetOp(key string) Op {
	return Op{Kind: OpGet, Key: key}
}

// SetOp define a write operation
func SetOp(key, value string, ttl time.Duration) Op {
	return Op{Kind: OpSet, Key: key, Value: value, TTL: ttl}
}

// DeleteOp define a delete operation
func DeleteOp(key string) Op {
	return Op{Kind: OpDelete, Key: key}
}

// OpResult result of one batched operation. Only meaningful for OpGet.
type OpResult struct {
	Value string
	Found bool
}

// PromotionTarget one leader record which may be vacated by PromoteWatchers
type PromotionTarget struct {
	// LeaderKey key holding the current leader's session ID
	LeaderKey string
	// CandidateSet set holding the remaining candidates for leadership
	CandidateSet string
}

// Promotion a vacated leader record and the candidate picked to replace the leader
type Promotion struct {
	PromotionTarget
	NewLeader string
}

// ExpiryEvent a TTL bearing record expired
type ExpiryEvent struct {
	// Key the expired key
	Key string
	// Value the value held before expiry
	Value string
	// Revision store revision of the expiry; identical across observers of the same expiry
	Revision int64
}

// ExpiryHandler callback invoked for each expired record
type ExpiryHandler func(event ExpiryEvent)

// Gateway wrapper around the shared key-value store. All coordination between processes
// is built on these operations.
//
// Every failure to reach the store is reported as a KindUnavailable OperationError.
type Gateway interface {
	// Get read one key
	Get(ctx context.Context, key string) (string, bool, error)
	// SetWithExpiry write one key. A zero TTL never expires.
	SetWithExpiry(ctx context.Context, key, value string, ttl time.Duration) error
	// Delete delete keys
	Delete(ctx context.Context, keys ...string) error
	// MultiGet read several keys in one round trip. The results align with keys.
	MultiGet(ctx context.Context, keys []string) ([]OpResult, error)
	// Exec execute several operations in order in one round trip. The results align with ops.
	Exec(ctx context.Context, ops []Op) ([]OpResult, error)
	// GetAndDelete atomically read and delete one key
	GetAndDelete(ctx context.Context, key string) (string, bool, error)

	// SetAdd add a member to a set
	SetAdd(ctx context.Context, set, member string) error
	// SetRemove remove a member from a set
	SetRemove(ctx context.Context, set, member string) error
	// SetMembers list the members of a set in sorted order
	SetMembers(ctx context.Context, set string) ([]string, error)
	// SetRandomMember pick a random member of a set
	SetRandomMember(ctx context.Context, set string) (string, bool, error)

	// SetIfAbsent if key is unset, set it to value with TTL and return value; otherwise
	// return the existing value unchanged.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (string, error)
	// PromoteWatchers for each target whose leader is leavingLeader, delete the leader record.
	// Then, in a later pass, pick a random remaining candidate for each vacated target.
	// Targets without a remaining candidate are omitted from the result.
	PromoteWatchers(
		ctx context.Context, leavingLeader string, targets []PromotionTarget,
	) ([]Promotion, error)

	// WatchExpiry report the expiry of records under the key prefix until ctx is done.
	// Explicit deletes are not reported.
	WatchExpiry(ctx context.Context, keyPrefix string, handler ExpiryHandler) error

	// Ready check whether the store is reachable
	Ready(ctx context.Context) error
	// Close release the store connection
	Close() error
}
