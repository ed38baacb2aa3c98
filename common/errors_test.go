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
	"fmt"
	"net/http"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestOperationErrorClassification(t *testing.T) {
	assert := assert.New(t)

	// Case 0: plain errors have no kind
	{
		err := fmt.Errorf("dummy error")
		assert.Equal(KindUnknown, KindOf(err))
		assert.False(IsKind(err, KindInvalidInput))
		assert.False(IsKind(nil, KindUnknown))
		assert.Equal(http.StatusInternalServerError, KindOf(err).HTTPStatus())
	}

	// Case 1: kind survives wrapping
	{
		cause := fmt.Errorf("connection refused")
		err := errors.Wrap(Unavailable(cause, "store read of %s failed", "watcher:a/b"), "ensure")
		assert.True(IsKind(err, KindUnavailable))
		assert.Equal(http.StatusServiceUnavailable, KindOf(err).HTTPStatus())
		assert.True(errors.Is(err, cause))
		assert.Contains(err.Error(), "watcher:a/b")
	}

	// Case 2: status mapping
	{
		assert.Equal(http.StatusBadRequest, KindOf(InvalidInput(nil, "x")).HTTPStatus())
		assert.Equal(http.StatusUnauthorized, KindOf(Unauthorized(nil, "x")).HTTPStatus())
		assert.Equal(http.StatusBadGateway, KindOf(UpstreamError(nil, "x")).HTTPStatus())
		assert.Equal("Unauthorized: no such session", Unauthorized(nil, "no such session").Error())
	}
}
