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
	"fmt"
	"strings"

	"github.com/alwitt/docwatch/common"
)

// ResourceID parsed `provider/identifier` resource ID
type ResourceID struct {
	// Provider name of the provider hosting the resource
	Provider string
	// Identifier provider specific identifier
	Identifier string
}

// String toString function
func (r ResourceID) String() string {
	return fmt.Sprintf("%s/%s", r.Provider, r.Identifier)
}

// ParseResourceID parse a `provider/identifier` resource ID
func ParseResourceID(raw string) (ResourceID, error) {
	parts := strings.Split(raw, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return ResourceID{}, common.InvalidInput(nil, "malformed resource ID '%s'", raw)
	}
	return ResourceID{Provider: parts[0], Identifier: parts[1]}, nil
}

// ParseResourceIDs parse a list of resource IDs, failing on the first malformed one
func ParseResourceIDs(raw []string) ([]ResourceID, error) {
	result := make([]ResourceID, len(raw))
	for idx, oneID := range raw {
		parsed, err := ParseResourceID(oneID)
		if err != nil {
			return nil, err
		}
		result[idx] = parsed
	}
	return result, nil
}
