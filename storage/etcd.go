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
	"math"
	"strings"
	"time"

	"github.com/alwitt/docwatch/common"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// promotionChunkSize max number of conditional deletes in one etcd transaction
const promotionChunkSize = 64

// EtcdGatewayParams etcd gateway parameters
type EtcdGatewayParams struct {
	// Endpoints etcd endpoints
	Endpoints []string `validate:"required,min=1"`
	// DialTimeout max time to wait for connection
	DialTimeout time.Duration
	// RequestTimeout max time for one store operation
	RequestTimeout time.Duration `validate:"required"`
	// KeyPrefix prefix prepended to every key
	KeyPrefix string
	// Chooser picks random set members
	Chooser common.IndexChooser `validate:"required"`
}

// etcdGateway Gateway backed by etcd. TTLs are per-record leases.
type etcdGateway struct {
	goutils.Component
	client  *clientv3.Client
	timeout time.Duration
	prefix  string
	chooser common.IndexChooser
}

// GetEtcdGateway define an etcd backed Gateway
func GetEtcdGateway(params EtcdGatewayParams) (Gateway, error) {
	logTags := log.Fields{
		"module":    "storage",
		"component": "etcd-gateway",
		"instance":  strings.Join(params.Endpoints, ","),
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   params.Endpoints,
		DialTimeout: params.DialTimeout,
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to connect with etcd servers")
		return nil, common.Unavailable(err, "etcd connect failed")
	}
	log.WithFields(logTags).Info("Connected with etcd servers")
	return &etcdGateway{
		Component: goutils.Component{LogTags: logTags},
		client:    client,
		timeout:   params.RequestTimeout,
		prefix:    params.KeyPrefix,
		chooser:   params.Chooser,
	}, nil
}

func (d *etcdGateway) key(key string) string {
	return d.prefix + key
}

func (d *etcdGateway) memberKey(set, member string) string {
	return fmt.Sprintf("%s%s/%s", d.prefix, set, member)
}

func (d *etcdGateway) memberPrefix(set string) string {
	return fmt.Sprintf("%s%s/", d.prefix, set)
}

func ttlSeconds(ttl time.Duration) int64 {
	sec := int64(math.Ceil(ttl.Seconds()))
	if sec < 1 {
		return 1
	}
	return sec
}

// putOp build a put, granting a lease when a TTL is requested
func (d *etcdGateway) putOp(
	ctx context.Context, key, value string, ttl time.Duration,
) (clientv3.Op, clientv3.LeaseID, error) {
	if ttl <= 0 {
		return clientv3.OpPut(d.key(key), value), clientv3.NoLease, nil
	}
	lease, err := d.client.Grant(ctx, ttlSeconds(ttl))
	if err != nil {
		return clientv3.Op{}, clientv3.NoLease, err
	}
	return clientv3.OpPut(d.key(key), value, clientv3.WithLease(lease.ID)), lease.ID, nil
}

// Get read one key
func (d *etcdGateway) Get(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	resp, err := d.client.Get(ctx, d.key(key))
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Failed to GET %s", key)
		return "", false, common.Unavailable(err, "GET %s failed", key)
	}
	if len(resp.Kvs) == 0 {
		return "", false, nil
	}
	return string(resp.Kvs[0].Value), true, nil
}

// SetWithExpiry write one key
func (d *etcdGateway) SetWithExpiry(
	ctx context.Context, key, value string, ttl time.Duration,
) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	op, _, err := d.putOp(ctx, key, value, ttl)
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Failed to grant lease for %s", key)
		return common.Unavailable(err, "lease grant for %s failed", key)
	}
	if _, err := d.client.Do(ctx, op); err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Failed to SET %s", key)
		return common.Unavailable(err, "SET %s failed", key)
	}
	return nil
}

// Delete delete keys
func (d *etcdGateway) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ops := make([]Op, 0, len(keys))
	for _, key := range common.UniqueStrings(keys) {
		ops = append(ops, DeleteOp(key))
	}
	_, err := d.Exec(ctx, ops)
	return err
}

// MultiGet read several keys in one round trip
func (d *etcdGateway) MultiGet(ctx context.Context, keys []string) ([]OpResult, error) {
	ops := make([]Op, len(keys))
	for idx, key := range keys {
		ops[idx] = GetOp(key)
	}
	return d.Exec(ctx, ops)
}

// Exec execute several operations in order as one etcd transaction.
//
// Write operations must target distinct keys.
func (d *etcdGateway) Exec(ctx context.Context, ops []Op) ([]OpResult, error) {
	if len(ops) == 0 {
		return []OpResult{}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	txnOps := make([]clientv3.Op, len(ops))
	for idx, op := range ops {
		switch op.Kind {
		case OpGet:
			txnOps[idx] = clientv3.OpGet(d.key(op.Key))
		case OpDelete:
			txnOps[idx] = clientv3.OpDelete(d.key(op.Key))
		case OpSet:
			put, _, err := d.putOp(ctx, op.Key, op.Value, op.TTL)
			if err != nil {
				log.WithError(err).WithFields(d.LogTags).Errorf("Failed to grant lease for %s", op.Key)
				return nil, common.Unavailable(err, "lease grant for %s failed", op.Key)
			}
			txnOps[idx] = put
		default:
			return nil, fmt.Errorf("unknown store operation %d", op.Kind)
		}
	}
	resp, err := d.client.Txn(ctx).Then(txnOps...).Commit()
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Failed to EXEC %d operations", len(ops))
		return nil, common.Unavailable(err, "batch of %d operations failed", len(ops))
	}
	results := make([]OpResult, len(ops))
	for idx, op := range ops {
		if op.Kind != OpGet || idx >= len(resp.Responses) {
			continue
		}
		if rangeResp := resp.Responses[idx].GetResponseRange(); rangeResp != nil && len(rangeResp.Kvs) > 0 {
			results[idx] = OpResult{Value: string(rangeResp.Kvs[0].Value), Found: true}
		}
	}
	return results, nil
}

// GetAndDelete atomically read and delete one key
func (d *etcdGateway) GetAndDelete(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	resp, err := d.client.Delete(ctx, d.key(key), clientv3.WithPrevKV())
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Failed to GETDEL %s", key)
		return "", false, common.Unavailable(err, "GETDEL %s failed", key)
	}
	if len(resp.PrevKvs) == 0 {
		return "", false, nil
	}
	return string(resp.PrevKvs[0].Value), true, nil
}

// SetAdd add a member to a set. Each member is its own key under the set prefix.
func (d *etcdGateway) SetAdd(ctx context.Context, set, member string) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if _, err := d.client.Put(ctx, d.memberKey(set, member), member); err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Failed to SADD %s <== %s", set, member)
		return common.Unavailable(err, "SADD %s failed", set)
	}
	return nil
}

// SetRemove remove a member from a set
func (d *etcdGateway) SetRemove(ctx context.Context, set, member string) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if _, err := d.client.Delete(ctx, d.memberKey(set, member)); err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Failed to SREM %s <== %s", set, member)
		return common.Unavailable(err, "SREM %s failed", set)
	}
	return nil
}

// SetMembers list the members of a set in sorted order
func (d *etcdGateway) SetMembers(ctx context.Context, set string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	prefix := d.memberPrefix(set)
	resp, err := d.client.Get(
		ctx,
		prefix,
		clientv3.WithPrefix(),
		clientv3.WithKeysOnly(),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend),
	)
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Failed to SMEMBERS %s", set)
		return nil, common.Unavailable(err, "SMEMBERS %s failed", set)
	}
	members := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		members = append(members, strings.TrimPrefix(string(kv.Key), prefix))
	}
	return members, nil
}

// SetRandomMember pick a random member of a set
func (d *etcdGateway) SetRandomMember(ctx context.Context, set string) (string, bool, error) {
	members, err := d.SetMembers(ctx, set)
	if err != nil {
		return "", false, err
	}
	if len(members) == 0 {
		return "", false, nil
	}
	return members[d.chooser(len(members))], true, nil
}

// SetIfAbsent compare-and-set on the key's create revision
func (d *etcdGateway) SetIfAbsent(
	ctx context.Context, key, value string, ttl time.Duration,
) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	put, lease, err := d.putOp(ctx, key, value, ttl)
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf("Failed to grant lease for %s", key)
		return "", common.Unavailable(err, "lease grant for %s failed", key)
	}
	// A holder vanishing between the compare and the read gets one more round
	for attempt := 0; attempt < 2; attempt++ {
		resp, err := d.client.Txn(ctx).
			If(clientv3.Compare(clientv3.CreateRevision(d.key(key)), "=", 0)).
			Then(put).
			Else(clientv3.OpGet(d.key(key))).
			Commit()
		if err != nil {
			log.WithError(err).WithFields(d.LogTags).Errorf("Failed to SETNX %s", key)
			d.revokeUnused(ctx, key, lease)
			return "", common.Unavailable(err, "SETNX %s failed", key)
		}
		if resp.Succeeded {
			return value, nil
		}
		if len(resp.Responses) > 0 {
			rangeResp := resp.Responses[0].GetResponseRange()
			if rangeResp != nil && len(rangeResp.Kvs) > 0 {
				d.revokeUnused(ctx, key, lease)
				return string(rangeResp.Kvs[0].Value), nil
			}
		}
		log.WithFields(d.LogTags).Debugf("SETNX %s holder vanished, retrying", key)
	}
	d.revokeUnused(ctx, key, lease)
	return "", common.Unavailable(nil, "SETNX %s found no holder", key)
}

func (d *etcdGateway) revokeUnused(ctx context.Context, key string, lease clientv3.LeaseID) {
	if lease == clientv3.NoLease {
		return
	}
	if _, err := d.client.Revoke(ctx, lease); err != nil {
		log.WithError(err).WithFields(d.LogTags).Warnf("Failed to revoke unused lease for %s", key)
	}
}

// PromoteWatchers conditional deletes as nested transactions, then random candidate picks
func (d *etcdGateway) PromoteWatchers(
	ctx context.Context, leavingLeader string, targets []PromotionTarget,
) ([]Promotion, error) {
	unique := make([]PromotionTarget, 0, len(targets))
	seen := map[string]bool{}
	for _, target := range targets {
		if seen[target.LeaderKey] {
			continue
		}
		seen[target.LeaderKey] = true
		unique = append(unique, target)
	}

	vacated := []PromotionTarget{}
	for start := 0; start < len(unique); start += promotionChunkSize {
		end := start + promotionChunkSize
		if end > len(unique) {
			end = len(unique)
		}
		chunk := unique[start:end]
		ops := make([]clientv3.Op, len(chunk))
		for idx, target := range chunk {
			key := d.key(target.LeaderKey)
			ops[idx] = clientv3.OpTxn(
				[]clientv3.Cmp{clientv3.Compare(clientv3.Value(key), "=", leavingLeader)},
				[]clientv3.Op{clientv3.OpDelete(key)},
				nil,
			)
		}
		opCtx, cancel := context.WithTimeout(ctx, d.timeout)
		resp, err := d.client.Txn(opCtx).Then(ops...).Commit()
		cancel()
		if err != nil {
			log.WithError(err).WithFields(d.LogTags).Errorf(
				"Failed to vacate leader records of %s", leavingLeader,
			)
			return nil, common.Unavailable(err, "leader vacate for %s failed", leavingLeader)
		}
		for idx, target := range chunk {
			if idx >= len(resp.Responses) {
				break
			}
			if txnResp := resp.Responses[idx].GetResponseTxn(); txnResp != nil && txnResp.Succeeded {
				vacated = append(vacated, target)
			}
		}
	}

	promotions := []Promotion{}
	for _, target := range vacated {
		member, ok, err := d.SetRandomMember(ctx, target.CandidateSet)
		if err != nil {
			return nil, err
		}
		if ok {
			promotions = append(promotions, Promotion{PromotionTarget: target, NewLeader: member})
		}
	}
	return promotions, nil
}

// WatchExpiry follow deletes under the prefix, reporting those caused by lease expiry
func (d *etcdGateway) WatchExpiry(
	ctx context.Context, keyPrefix string, handler ExpiryHandler,
) error {
	watchPrefix := d.key(keyPrefix)
	for {
		watchCtx := clientv3.WithRequireLeader(ctx)
		events := d.client.Watch(
			watchCtx,
			watchPrefix,
			clientv3.WithPrefix(),
			clientv3.WithPrevKV(),
			clientv3.WithFilterPut(),
		)
		for resp := range events {
			if err := resp.Err(); err != nil {
				log.WithError(err).WithFields(d.LogTags).Errorf("Watch on %s reported error", keyPrefix)
				continue
			}
			for _, event := range resp.Events {
				d.processDeleteEvent(ctx, event, handler)
			}
		}
		if ctx.Err() != nil {
			log.WithFields(d.LogTags).Infof("Expiry watch on %s exiting", keyPrefix)
			return nil
		}
		log.WithFields(d.LogTags).Warnf("Expiry watch on %s closed. Restarting", keyPrefix)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Second):
		}
	}
}

func (d *etcdGateway) processDeleteEvent(
	ctx context.Context, event *clientv3.Event, handler ExpiryHandler,
) {
	if event.Type != mvccpb.DELETE || event.PrevKv == nil || event.PrevKv.Lease == 0 {
		return
	}
	// An explicit delete leaves the lease alive; an expiry removes it.
	lookupCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	ttl, err := d.client.TimeToLive(lookupCtx, clientv3.LeaseID(event.PrevKv.Lease))
	if err != nil {
		log.WithError(err).WithFields(d.LogTags).Errorf(
			"Unable to check lease of deleted key %s", string(event.Kv.Key),
		)
		return
	}
	if ttl.TTL != -1 {
		return
	}
	handler(ExpiryEvent{
		Key:      strings.TrimPrefix(string(event.Kv.Key), d.prefix),
		Value:    string(event.PrevKv.Value),
		Revision: event.Kv.ModRevision,
	})
}

// Ready check whether etcd is reachable
func (d *etcdGateway) Ready(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if _, err := d.client.Get(ctx, d.key("ready"), clientv3.WithCountOnly()); err != nil {
		return common.Unavailable(err, "etcd not reachable")
	}
	return nil
}

// Close release the etcd client
func (d *etcdGateway) Close() error {
	if err := d.client.Close(); err != nil {
		log.WithError(err).WithFields(d.LogTags).Error("Failed to close etcd client")
		return err
	}
	return nil
}
