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

package common

import (
	"math/rand"
	"sync"
	"time"
)

// IndexChooser picks an index in [0, n). n is always > 0.
type IndexChooser func(n int) int

// GetRandomIndexChooser define an IndexChooser backed by a seeded PRNG.
//
// A seed of 0 uses the current time.
func GetRandomIndexChooser(seed int64) IndexChooser {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	lock := sync.Mutex{}
	source := rand.New(rand.NewSource(seed))
	return func(n int) int {
		lock.Lock()
		defer lock.Unlock()
		return source.Intn(n)
	}
}

// ChooseWithoutReplacement pick up to count distinct entries of candidates one at a time,
// each uniformly among the ones not yet picked. The input slice is not modified.
func ChooseWithoutReplacement(candidates []string, count int, chooser IndexChooser) []string {
	if count >= len(candidates) {
		result := make([]string, len(candidates))
		copy(result, candidates)
		return result
	}
	remaining := make([]string, len(candidates))
	copy(remaining, candidates)
	result := make([]string, 0, count)
	for len(result) < count {
		idx := chooser(len(remaining))
		result = append(result, remaining[idx])
		remaining[idx] = remaining[len(remaining)-1]
		remaining = remaining[:len(remaining)-1]
	}
	return result
}

// UniqueStrings drop duplicate entries, keeping first-seen order
func UniqueStrings(input []string) []string {
	seen := make(map[string]bool, len(input))
	result := make([]string, 0, len(input))
	for _, entry := range input {
		if seen[entry] {
			continue
		}
		seen[entry] = true
		result = append(result, entry)
	}
	return result
}
