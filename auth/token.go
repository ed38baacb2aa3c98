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
	"time"

	"github.com/alwitt/docwatch/common"
	"github.com/golang-jwt/jwt/v5"
)

// channelClaims claims of a channel token
type channelClaims struct {
	FileID string `json:"fileId"`
	jwt.RegisteredClaims
}

// TokenService mints and unpacks the opaque channel tokens attached to external watches
type TokenService struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// GetTokenService define a TokenService signing with the secret
func GetTokenService(secret, issuer string, ttl time.Duration) (*TokenService, error) {
	if secret == "" {
		return nil, common.InvalidInput(nil, "channel token secret not provided")
	}
	if ttl <= 0 {
		return nil, common.InvalidInput(nil, "channel token TTL must be positive")
	}
	return &TokenService{secret: []byte(secret), issuer: issuer, ttl: ttl, now: time.Now}, nil
}

// Generate mint a token identifying the resource
func (s *TokenService) Generate(resourceID string) (string, error) {
	now := s.now()
	claims := channelClaims{
		FileID: resourceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", common.InvalidInput(err, "unable to sign channel token")
	}
	return signed, nil
}

// Unpack verify a token and return the resource ID it identifies
func (s *TokenService) Unpack(token string) (string, error) {
	if token == "" {
		return "", common.InvalidInput(nil, "missing channel token")
	}
	var claims channelClaims
	_, err := jwt.ParseWithClaims(
		token,
		&claims,
		func(t *jwt.Token) (interface{}, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return "", common.InvalidInput(err, "invalid channel token")
	}
	if claims.FileID == "" {
		return "", common.InvalidInput(nil, "channel token names no resource")
	}
	return claims.FileID, nil
}
