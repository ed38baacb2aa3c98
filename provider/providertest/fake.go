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

// Package providertest in-memory Provider for tests
package providertest

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/alwitt/docwatch/common"
	"github.com/alwitt/docwatch/provider"
)

// Auth auth accepted by the fake provider
type Auth struct {
	Token string `json:"token"`
}

// RawAuth the raw auth carrying the token
func RawAuth(token string) json.RawMessage {
	raw, _ := json.Marshal(Auth{Token: token})
	return raw
}

// Provider fake Provider recording every watch and unwatch
type Provider struct {
	// ProviderName provider tag
	ProviderName string
	// Accept the only token Validate accepts
	Accept string
	// Editable identifiers the caller may edit
	Editable map[string]bool
	// Missing identifiers the provider does not know
	Missing map[string]bool
	// WatchErr if set, every Watch fails with it
	WatchErr error

	lock      sync.Mutex
	watches   []provider.WatchParams
	unwatches []provider.UnwatchParams
}

// New define a fake provider accepting the token
func New(name, accept string) *Provider {
	return &Provider{
		ProviderName: name,
		Accept:       accept,
		Editable:     map[string]bool{},
		Missing:      map[string]bool{},
	}
}

// Name the provider tag
func (p *Provider) Name() string {
	return p.ProviderName
}

func (p *Provider) check(raw json.RawMessage) error {
	var auth Auth
	if err := json.Unmarshal(raw, &auth); err != nil {
		return common.InvalidInput(err, "malformed auth")
	}
	if auth.Token != p.Accept {
		return common.Unauthorized(nil, "token rejected")
	}
	return nil
}

// Validate accept only the configured token
func (p *Provider) Validate(ctx context.Context, auth json.RawMessage) error {
	return p.check(auth)
}

// VerifyCanEdit allow edit of Editable identifiers
func (p *Provider) VerifyCanEdit(
	ctx context.Context, auth json.RawMessage, resource provider.ResourceID,
) error {
	if err := p.check(auth); err != nil {
		return err
	}
	if !p.Editable[resource.Identifier] {
		return common.Unauthorized(nil, "not allowed to edit '%s'", resource)
	}
	return nil
}

// Watch record the watch
func (p *Provider) Watch(ctx context.Context, params provider.WatchParams) error {
	if p.WatchErr != nil {
		return p.WatchErr
	}
	if p.Missing[params.Resource.Identifier] {
		return provider.ErrResourceNotFound
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	p.watches = append(p.watches, params)
	return nil
}

// Unwatch record the unwatch
func (p *Provider) Unwatch(ctx context.Context, params provider.UnwatchParams) error {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.unwatches = append(p.unwatches, params)
	return nil
}

// Watches the recorded watches
func (p *Provider) Watches() []provider.WatchParams {
	p.lock.Lock()
	defer p.lock.Unlock()
	return append([]provider.WatchParams{}, p.watches...)
}

// Unwatches the recorded unwatches
func (p *Provider) Unwatches() []provider.UnwatchParams {
	p.lock.Lock()
	defer p.lock.Unlock()
	return append([]provider.UnwatchParams{}, p.unwatches...)
}
