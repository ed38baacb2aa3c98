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

package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/alwitt/docwatch/auth"
	"github.com/alwitt/docwatch/channels"
	"github.com/alwitt/docwatch/common"
	"github.com/alwitt/docwatch/metrics"
	"github.com/alwitt/docwatch/provider"
	"github.com/alwitt/docwatch/storage"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

const (
	watcherPrefix    = "watcher:"
	candidatesPrefix = "watchers:"
	channelPrefix    = "channel:"
	expiredPrefix    = "expired:"
)

// WatcherKey key holding the leader session of a resource
func WatcherKey(resourceID string) string {
	return watcherPrefix + resourceID
}

// CandidatesKey set holding the sessions interested in a resource
func CandidatesKey(resourceID string) string {
	return candidatesPrefix + resourceID
}

// ChannelKey key holding the record of an external watch channel
func ChannelKey(channelID string) string {
	return channelPrefix + channelID
}

func expiredKey(resourceID string, revision int64) string {
	return fmt.Sprintf("%s%s:%d", expiredPrefix, resourceID, revision)
}

func promotionTarget(resourceID string) storage.PromotionTarget {
	return storage.PromotionTarget{
		LeaderKey: WatcherKey(resourceID), CandidateSet: CandidatesKey(resourceID),
	}
}

// ChannelRecord an external watch channel created by a leader session
type ChannelRecord struct {
	ResourceID string `json:"resource_id"`
	SessionID  string `json:"session_id"`
}

// CoordinatorParams Coordinator dependencies and settings
type CoordinatorParams struct {
	Store     storage.Gateway
	Bus       channels.Bus
	Auth      *auth.Delegate
	Providers *provider.Registry
	Tokens    *auth.TokenService
	// Chooser picks the candidate asked to re-watch after an expiry
	Chooser common.IndexChooser
	// WatcherTTL lifetime of a watcher record; bounded by the external watch lifetime
	WatcherTTL time.Duration
	// ExpiryClaimTTL lifetime of the claim on handling one expiry
	ExpiryClaimTTL time.Duration
	// ExpiryWorkers number of parallel expiry handlers
	ExpiryWorkers int
	Metrics       *metrics.Collector
}

// Coordinator elects one leader session per resource to hold the external watch
type Coordinator struct {
	goutils.Component
	CoordinatorParams
	instanceID string
	expiries   common.TaskProcessor
}

// expiryTask handle the expiry of one watcher record
type expiryTask struct {
	resourceID     string
	previousLeader string
	revision       int64
}

// TaskKey expiries of one resource are handled in order
func (t expiryTask) TaskKey() string {
	return t.resourceID
}

// GetCoordinator define a new Coordinator
func GetCoordinator(ctx context.Context, params CoordinatorParams) (*Coordinator, error) {
	if params.Store == nil || params.Bus == nil || params.Auth == nil {
		return nil, fmt.Errorf("coordinator requires a store, bus, and auth delegate")
	}
	if params.Providers == nil || params.Tokens == nil || params.Chooser == nil {
		return nil, fmt.Errorf("coordinator requires providers, token service, and chooser")
	}
	if params.WatcherTTL <= 0 || params.ExpiryClaimTTL <= 0 {
		return nil, fmt.Errorf("coordinator TTLs must be positive")
	}
	if params.ExpiryWorkers < 1 {
		params.ExpiryWorkers = 1
	}
	instanceID := uuid.New().String()
	expiries, err := common.GetNewTaskDemuxProcessorInstance(
		ctx, "watch-expiry", params.ExpiryWorkers*4, params.ExpiryWorkers,
	)
	if err != nil {
		return nil, err
	}
	instance := &Coordinator{
		Component: goutils.Component{
			LogTags: log.Fields{
				"module": "watch", "component": "coordinator", "instance": instanceID,
			},
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		CoordinatorParams: params,
		instanceID:        instanceID,
		expiries:          expiries,
	}
	if err := expiries.RegisterHandler(
		reflect.TypeOf(expiryTask{}), instance.processExpiry,
	); err != nil {
		return nil, err
	}
	return instance, nil
}

// Start begin handling watcher record expiries until ctx is done
func (c *Coordinator) Start(ctx context.Context, wg *sync.WaitGroup) error {
	if err := c.expiries.StartEventLoop(wg); err != nil {
		return err
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		err := c.Store.WatchExpiry(ctx, watcherPrefix, func(event storage.ExpiryEvent) {
			task := expiryTask{
				resourceID:     strings.TrimPrefix(event.Key, watcherPrefix),
				previousLeader: event.Value,
				revision:       event.Revision,
			}
			if err := c.expiries.Submit(ctx, task); err != nil {
				log.WithError(err).WithFields(c.LogTags).Errorf(
					"Unable to queue expiry of %s", task.resourceID,
				)
			}
		})
		if err != nil {
			log.WithError(err).WithFields(c.LogTags).Error("Watcher expiry watch failed")
		}
	}()
	return nil
}

// Stop stop handling expiries
func (c *Coordinator) Stop() error {
	return c.expiries.StopEventLoop()
}

// EnsureWatched validate the auth, then make sure every resource has a live external watch
func (c *Coordinator) EnsureWatched(
	ctx context.Context, sessionID string, credentials auth.Credentials, resourceIDs []string,
) error {
	validated, err := c.Auth.Validate(ctx, credentials)
	if err != nil {
		return err
	}
	return c.EnsureWatchedWithAuth(ctx, sessionID, validated, resourceIDs)
}

// EnsureWatchedWithAuth make sure every resource has a live external watch, electing the
// session as leader of those without one. The session joins the candidates of each resource
// whose watch did not fail.
func (c *Coordinator) EnsureWatchedWithAuth(
	ctx context.Context, sessionID string, validated auth.ValidatedAuth, resourceIDs []string,
) error {
	logTags := c.GetLogTagsForContext(ctx)
	resourceIDs = common.UniqueStrings(resourceIDs)
	resources, err := provider.ParseResourceIDs(resourceIDs)
	if err != nil {
		return err
	}

	watcherKeys := make([]string, len(resourceIDs))
	for idx, resourceID := range resourceIDs {
		watcherKeys[idx] = WatcherKey(resourceID)
	}
	watchers, err := c.Store.MultiGet(ctx, watcherKeys)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to read watcher records")
		return err
	}

	failures := make([]error, len(resources))
	var group multierror.Group
	for idx := range resources {
		idx := idx
		group.Go(func() error {
			if !watchers[idx].Found {
				if err := c.watchOne(ctx, sessionID, validated, resources[idx]); err != nil {
					failures[idx] = err
					return err
				}
			}
			failures[idx] = c.Store.SetAdd(ctx, CandidatesKey(resourceIDs[idx]), sessionID)
			return failures[idx]
		})
	}
	if result := group.Wait(); result.ErrorOrNil() != nil {
		log.WithError(result).WithFields(logTags).Errorf(
			"Session %s unable to watch all resources", sessionID,
		)
		for _, err := range failures {
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// watchOne create an external watch and try to become the resource's leader
func (c *Coordinator) watchOne(
	ctx context.Context, sessionID string, validated auth.ValidatedAuth, resource provider.ResourceID,
) error {
	logTags := c.GetLogTagsForContext(ctx)
	gateway, err := c.Providers.Get(resource.Provider)
	if err != nil {
		return err
	}
	providerAuth, ok := validated.ForProvider(resource.Provider)
	if !ok {
		return common.Unauthorized(nil, "no %s auth given", resource.Provider)
	}
	token, err := c.Tokens.Generate(resource.String())
	if err != nil {
		return err
	}
	channelID := uuid.New().String()

	err = gateway.Watch(ctx, provider.WatchParams{
		Auth: providerAuth, Resource: resource, ChannelID: channelID, Token: token,
	})
	if err != nil {
		if errors.Is(err, provider.ErrResourceNotFound) {
			return common.InvalidInput(err, "no such resource '%s'", resource)
		}
		log.WithError(err).WithFields(logTags).Errorf("Unable to watch %s", resource)
		switch common.KindOf(err) {
		case common.KindInvalidInput, common.KindUnauthorized, common.KindUpstreamError:
			return err
		default:
			return common.UpstreamError(err, "unable to watch '%s'", resource)
		}
	}

	leader, err := c.Store.SetIfAbsent(ctx, WatcherKey(resource.String()), sessionID, c.WatcherTTL)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to elect watcher of %s", resource)
		return err
	}
	if leader != sessionID {
		// Lost the race; drop the duplicate external watch
		c.Metrics.ElectionLost()
		log.WithFields(logTags).Debugf("Session %s leads %s", leader, resource)
		if err := gateway.Unwatch(
			ctx, provider.UnwatchParams{Auth: providerAuth, ChannelID: channelID},
		); err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Unable to stop duplicate watch %s of %s", channelID, resource,
			)
		}
		return nil
	}

	c.Metrics.ElectionWon()
	log.WithFields(logTags).Debugf("Session %s now leads %s", sessionID, resource)
	record, err := json.Marshal(ChannelRecord{ResourceID: resource.String(), SessionID: sessionID})
	if err != nil {
		return err
	}
	return c.Store.SetWithExpiry(ctx, ChannelKey(channelID), string(record), c.WatcherTTL)
}

// Release remove the session from the candidates of the resources, then vacate the
// resources it leads. Each vacated resource with a remaining candidate gets one need-watch
// event on the picked candidate's session channel.
func (c *Coordinator) Release(ctx context.Context, sessionID string, resourceIDs []string) error {
	logTags := c.GetLogTagsForContext(ctx)
	resourceIDs = common.UniqueStrings(resourceIDs)

	var result *multierror.Error
	targets := make([]storage.PromotionTarget, 0, len(resourceIDs))
	for _, resourceID := range resourceIDs {
		if err := c.Store.SetRemove(ctx, CandidatesKey(resourceID), sessionID); err != nil {
			result = multierror.Append(result, err)
		}
		targets = append(targets, promotionTarget(resourceID))
	}
	if err := result.ErrorOrNil(); err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Unable to remove session %s from candidates", sessionID,
		)
		return err
	}

	return c.promote(ctx, sessionID, targets)
}

// promote vacate the targets led by the session, and ask the picked candidates to re-watch
func (c *Coordinator) promote(
	ctx context.Context, leavingLeader string, targets []storage.PromotionTarget,
) error {
	logTags := c.GetLogTagsForContext(ctx)
	promotions, err := c.Store.PromoteWatchers(ctx, leavingLeader, targets)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Unable to promote watchers after %s", leavingLeader,
		)
		return err
	}
	c.Metrics.Promoted(len(promotions))
	var result *multierror.Error
	for _, promotion := range promotions {
		resourceID := strings.TrimPrefix(promotion.LeaderKey, watcherPrefix)
		log.WithFields(logTags).Debugf(
			"Asking %s to take over %s from %s", promotion.NewLeader, resourceID, leavingLeader,
		)
		if err := channels.SendNeedWatch(ctx, c.Bus, promotion.NewLeader, resourceID); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// processExpiry ask one remaining candidate to re-watch a resource whose watcher record
// expired. Only the process claiming the expiry acts on it.
func (c *Coordinator) processExpiry(ctx context.Context, task interface{}) error {
	expiry, ok := task.(expiryTask)
	if !ok {
		return fmt.Errorf("unexpected task %s", reflect.TypeOf(task))
	}
	logTags := c.GetLogTagsForContext(ctx)

	claimant, err := c.Store.SetIfAbsent(
		ctx, expiredKey(expiry.resourceID, expiry.revision), c.instanceID, c.ExpiryClaimTTL,
	)
	if err != nil {
		return err
	}
	if claimant != c.instanceID {
		return nil
	}
	c.Metrics.Expired()

	candidates, err := c.Store.SetMembers(ctx, CandidatesKey(expiry.resourceID))
	if err != nil {
		return err
	}
	// A leader which expired without releasing is likely gone
	if len(candidates) > 1 {
		remaining := make([]string, 0, len(candidates))
		for _, candidate := range candidates {
			if candidate != expiry.previousLeader {
				remaining = append(remaining, candidate)
			}
		}
		candidates = remaining
	}
	if len(candidates) == 0 {
		log.WithFields(logTags).Debugf("Watch on %s expired with no candidates", expiry.resourceID)
		return nil
	}
	picked := candidates[c.Chooser(len(candidates))]
	log.WithFields(logTags).Infof(
		"Watch on %s expired. Asking %s to re-watch", expiry.resourceID, picked,
	)
	c.Metrics.Promoted(1)
	return channels.SendNeedWatch(ctx, c.Bus, picked, expiry.resourceID)
}

// DeleteChannel stop an external watch channel. If its creator still leads the resource,
// the remaining candidates are asked to re-watch.
func (c *Coordinator) DeleteChannel(
	ctx context.Context, channelID string, credentials auth.Credentials,
) error {
	logTags := c.GetLogTagsForContext(ctx)
	raw, found, err := c.Store.Get(ctx, ChannelKey(channelID))
	if err != nil {
		return err
	}
	if !found {
		return common.InvalidInput(nil, "no such channel '%s'", channelID)
	}
	var record ChannelRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return common.InvalidInput(err, "corrupt record of channel '%s'", channelID)
	}

	validated, err := c.Auth.Validate(ctx, credentials)
	if err != nil {
		return err
	}
	resource, err := provider.ParseResourceID(record.ResourceID)
	if err != nil {
		return err
	}
	gateway, err := c.Providers.Get(resource.Provider)
	if err != nil {
		return err
	}
	providerAuth, ok := validated.ForProvider(resource.Provider)
	if !ok {
		return common.Unauthorized(nil, "no %s auth given", resource.Provider)
	}
	if err := gateway.Unwatch(
		ctx, provider.UnwatchParams{Auth: providerAuth, ChannelID: channelID},
	); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to stop channel %s", channelID)
		if common.KindOf(err) == common.KindUnknown {
			return common.UpstreamError(err, "unable to stop channel '%s'", channelID)
		}
		return err
	}
	if err := c.Store.Delete(ctx, ChannelKey(channelID)); err != nil {
		return err
	}
	log.WithFields(logTags).Infof("Stopped channel %s on %s", channelID, resource)

	return c.promote(ctx, record.SessionID, []storage.PromotionTarget{
		promotionTarget(record.ResourceID),
	})
}
