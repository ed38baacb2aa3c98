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
	"testing"
	"time"

	"github.com/alwitt/docwatch/common"
	"github.com/stretchr/testify/assert"
)

func TestTokenService(t *testing.T) {
	assert := assert.New(t)

	// Case 0: missing secret
	{
		_, err := GetTokenService("", "docwatch", time.Hour)
		assert.True(common.IsKind(err, common.KindInvalidInput))
	}

	uut, err := GetTokenService("secret-1", "docwatch", time.Hour)
	assert.Nil(err)

	// Case 1: round trip
	{
		token, err := uut.Generate("gdrive/wfile-1")
		assert.Nil(err)
		resourceID, err := uut.Unpack(token)
		assert.Nil(err)
		assert.Equal("gdrive/wfile-1", resourceID)
	}

	// Case 2: wrong secret
	{
		other, err := GetTokenService("secret-2", "docwatch", time.Hour)
		assert.Nil(err)
		token, err := other.Generate("gdrive/wfile-1")
		assert.Nil(err)
		_, err = uut.Unpack(token)
		assert.True(common.IsKind(err, common.KindInvalidInput))
	}

	// Case 3: wrong issuer
	{
		other, err := GetTokenService("secret-1", "someone-else", time.Hour)
		assert.Nil(err)
		token, err := other.Generate("gdrive/wfile-1")
		assert.Nil(err)
		_, err = uut.Unpack(token)
		assert.True(common.IsKind(err, common.KindInvalidInput))
	}

	// Case 4: expired
	{
		token, err := uut.Generate("gdrive/wfile-1")
		assert.Nil(err)
		later, err := GetTokenService("secret-1", "docwatch", time.Hour)
		assert.Nil(err)
		later.now = func() time.Time { return time.Now().Add(time.Hour * 2) }
		_, err = later.Unpack(token)
		assert.True(common.IsKind(err, common.KindInvalidInput))
	}

	// Case 5: garbage
	{
		_, err := uut.Unpack("not-a-token")
		assert.True(common.IsKind(err, common.KindInvalidInput))
		_, err = uut.Unpack("")
		assert.True(common.IsKind(err, common.KindInvalidInput))
	}
}
