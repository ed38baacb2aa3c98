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

package provider

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/alwitt/docwatch/common"
	"github.com/pkg/errors"
)

// ErrResourceNotFound the provider does not know the resource
var ErrResourceNotFound = errors.New("resource not found")

// WatchParams parameters for starting an external watch
type WatchParams struct {
	// Auth the provider's portion of the caller's auth
	Auth json.RawMessage
	// Resource the resource to watch
	Resource ResourceID
	// ChannelID the external channel ID identifying this watch
	ChannelID string
	// Token opaque channel token echoed back on each push notification
	Token string
}

// UnwatchParams parameters for stopping an external watch
type UnwatchParams struct {
	// Auth the provider's portion of the caller's auth
	Auth json.RawMessage
	// ChannelID the external channel ID of the watch
	ChannelID string
}

// Provider gateway to an external document provider
type Provider interface {
	// Name the provider tag used in resource IDs
	Name() string
	// Validate check the caller's auth for this provider
	Validate(ctx context.Context, auth json.RawMessage) error
	// VerifyCanEdit check whether the caller may edit the resource
	VerifyCanEdit(ctx context.Context, auth json.RawMessage, resource ResourceID) error
	// Watch start or replace an external watch on a resource.
	//
	// Returns ErrResourceNotFound if the provider does not know the resource.
	Watch(ctx context.Context, params WatchParams) error
	// Unwatch stop an external watch. Stopping an ended watch is not an error.
	Unwatch(ctx context.Context, params UnwatchParams) error
}

// Registry the set of known providers, keyed by name
type Registry struct {
	providers map[string]Provider
	lock      sync.RWMutex
}

// NewRegistry define a registry holding the providers
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider)}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

// Register add or replace a provider
func (r *Registry) Register(p Provider) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.providers[p.Name()] = p
}

// Get fetch a provider by name. An unknown name is a KindInvalidInput error.
func (r *Registry) Get(name string) (Provider, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, common.InvalidInput(nil, "unknown provider '%s'", name)
	}
	return p, nil
}

// Names the registered provider names in sorted order
func (r *Registry) Names() []string {
	r.lock.RLock()
	defer r.lock.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
