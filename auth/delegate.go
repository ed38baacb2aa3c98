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

package auth

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/alwitt/docwatch/common"
	"github.com/alwitt/docwatch/provider"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/hashicorp/go-multierror"
)

// Credentials raw caller auth keyed by provider name
type Credentials map[string]json.RawMessage

// ValidatedAuth caller auth which passed validation by every provider it names
type ValidatedAuth struct {
	credentials Credentials
}

// ForProvider the validated auth for one provider
func (a ValidatedAuth) ForProvider(name string) (json.RawMessage, bool) {
	raw, ok := a.credentials[name]
	return raw, ok
}

// Credentials the validated auth, unchanged
func (a ValidatedAuth) Credentials() Credentials {
	return a.credentials
}

// Delegate routes auth checks to the provider named by the auth key or resource ID
type Delegate struct {
	goutils.Component
	providers *provider.Registry
}

// GetDelegate define an auth delegate over the providers
func GetDelegate(providers *provider.Registry) *Delegate {
	return &Delegate{
		Component: goutils.Component{
			LogTags: log.Fields{"module": "auth", "component": "delegate"},
		},
		providers: providers,
	}
}

// Validate validate the auth of every provider present concurrently. Any rejection fails the
// whole call with a KindUnauthorized error wrapping the first failure.
func (d *Delegate) Validate(ctx context.Context, credentials Credentials) (ValidatedAuth, error) {
	logTags := d.GetLogTagsForContext(ctx)
	if len(credentials) == 0 {
		return ValidatedAuth{}, common.Unauthorized(nil, "missing auth")
	}

	names := make([]string, 0, len(credentials))
	for name := range credentials {
		names = append(names, name)
	}
	sort.Strings(names)

	validators := make([]provider.Provider, len(names))
	for idx, name := range names {
		p, err := d.providers.Get(name)
		if err != nil {
			return ValidatedAuth{}, err
		}
		validators[idx] = p
	}

	failures := make([]error, len(names))
	var group multierror.Group
	for idx := range names {
		idx := idx
		group.Go(func() error {
			failures[idx] = validators[idx].Validate(ctx, credentials[names[idx]])
			return failures[idx]
		})
	}
	if result := group.Wait(); result.ErrorOrNil() != nil {
		log.WithError(result).WithFields(logTags).Debug("Auth rejected")
		for idx, err := range failures {
			if err != nil {
				return ValidatedAuth{}, common.Unauthorized(err, "%s auth rejected", names[idx])
			}
		}
	}

	return ValidatedAuth{credentials: credentials}, nil
}

// VerifyCanEdit check the caller may edit the resource, using the auth of the resource's
// provider. The provider's rejection is returned unchanged.
func (d *Delegate) VerifyCanEdit(ctx context.Context, auth ValidatedAuth, resourceID string) error {
	resource, err := provider.ParseResourceID(resourceID)
	if err != nil {
		return err
	}
	p, err := d.providers.Get(resource.Provider)
	if err != nil {
		return err
	}
	raw, ok := auth.ForProvider(resource.Provider)
	if !ok {
		return common.Unauthorized(nil, "no %s auth given", resource.Provider)
	}
	return p.VerifyCanEdit(ctx, raw, resource)
}
