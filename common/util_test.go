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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChooseWithoutReplacement(t *testing.T) {
	assert := assert.New(t)

	candidates := []string{"a", "b", "c", "d", "e"}
	first := func(n int) int { return 0 }
	last := func(n int) int { return n - 1 }

	// Case 0: fewer candidates than requested
	{
		result := ChooseWithoutReplacement(candidates[:2], 3, first)
		assert.Equal([]string{"a", "b"}, result)
	}

	// Case 1: always pick the first remaining
	{
		result := ChooseWithoutReplacement(candidates, 3, first)
		assert.Equal([]string{"a", "e", "d"}, result)
		assert.Equal([]string{"a", "b", "c", "d", "e"}, candidates)
	}

	// Case 2: always pick the last remaining
	{
		result := ChooseWithoutReplacement(candidates, 2, last)
		assert.Equal([]string{"e", "d"}, result)
	}

	// Case 3: random picks are distinct
	{
		chooser := GetRandomIndexChooser(42)
		for itr := 0; itr < 50; itr++ {
			result := ChooseWithoutReplacement(candidates, 4, chooser)
			assert.Len(result, 4)
			assert.Len(UniqueStrings(result), 4)
		}
	}
}

func TestUniqueStrings(t *testing.T) {
	assert := assert.New(t)

	assert.Equal([]string{}, UniqueStrings(nil))
	assert.Equal([]string{"b", "a", "c"}, UniqueStrings([]string{"b", "a", "b", "c", "a"}))
}
