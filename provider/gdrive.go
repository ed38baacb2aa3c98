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
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/alwitt/docwatch/common"
	"github.com/alwitt/docwatch/storage"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/coreos/go-oidc"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// GDriveProviderName resource ID provider tag of Google Drive resources
const GDriveProviderName = "gdrive"

const (
	googleIssuer  = "https://accounts.google.com"
	googleKeysURL = "https://www.googleapis.com/oauth2/v3/certs"
)

// GDriveAuth caller auth for Google Drive
type GDriveAuth struct {
	AccessToken string `json:"access_token" validate:"required"`
	TokenType   string `json:"token_type,omitempty"`
	IDToken     string `json:"id_token" validate:"required"`
}

// IDTokenVerifier verifies an OpenID Connect ID token
type IDTokenVerifier interface {
	Verify(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)
}

// NewGoogleIDTokenVerifier define a verifier accepting Google ID tokens issued to the client ID
func NewGoogleIDTokenVerifier(ctx context.Context, clientID string) IDTokenVerifier {
	keySet := oidc.NewRemoteKeySet(ctx, googleKeysURL)
	return oidc.NewVerifier(googleIssuer, keySet, &oidc.Config{ClientID: clientID})
}

// GDriveParams Google Drive provider parameters
type GDriveParams struct {
	// PushURL address Drive delivers push notifications to
	PushURL string
	// WatchDuration lifetime requested for each watch
	WatchDuration time.Duration
	// Store records the Drive resource ID of each watch channel
	Store storage.Gateway
	// Verifier checks the caller's ID token
	Verifier IDTokenVerifier
	// ClientOptions additional Drive client options
	ClientOptions []option.ClientOption
}

// GDrive Google Drive Provider
type GDrive struct {
	goutils.Component
	GDriveParams
	validate *validator.Validate
}

// GetGDriveProvider define a Google Drive provider
func GetGDriveProvider(params GDriveParams) (*GDrive, error) {
	if params.PushURL == "" || params.WatchDuration <= 0 {
		return nil, fmt.Errorf("drive provider requires a push URL and watch duration")
	}
	if params.Store == nil || params.Verifier == nil {
		return nil, fmt.Errorf("drive provider requires a store and ID token verifier")
	}
	return &GDrive{
		Component: goutils.Component{
			LogTags: log.Fields{
				"module": "provider", "component": "gdrive", "instance": params.PushURL,
			},
		},
		GDriveParams: params,
		validate:     validator.New(),
	}, nil
}

// Name the provider tag used in resource IDs
func (g *GDrive) Name() string {
	return GDriveProviderName
}

// channelResourceKey store key holding the Drive resource ID of a watch channel
func channelResourceKey(channelID string) string {
	return fmt.Sprintf("gdrive:%s:res", channelID)
}

// fileID the Drive file ID of a resource. Drive identifiers carry a `w` prefix.
func fileID(resource ResourceID) (string, error) {
	if !strings.HasPrefix(resource.Identifier, "w") || len(resource.Identifier) < 2 {
		return "", common.InvalidInput(nil, "malformed Drive resource '%s'", resource)
	}
	return resource.Identifier[1:], nil
}

func (g *GDrive) parseAuth(raw json.RawMessage) (GDriveAuth, error) {
	var auth GDriveAuth
	if len(raw) == 0 {
		return auth, common.InvalidInput(nil, "missing Drive auth")
	}
	if err := json.Unmarshal(raw, &auth); err != nil {
		return auth, common.InvalidInput(err, "malformed Drive auth")
	}
	if err := g.validate.Struct(&auth); err != nil {
		return auth, common.InvalidInput(err, "incomplete Drive auth")
	}
	return auth, nil
}

// client define a Drive client acting with the caller's access token
func (g *GDrive) client(ctx context.Context, auth GDriveAuth) (*drive.Service, error) {
	tokenType := auth.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	tokens := oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: auth.AccessToken, TokenType: tokenType},
	)
	opts := append([]option.ClientOption{option.WithTokenSource(tokens)}, g.ClientOptions...)
	svc, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, common.UpstreamError(err, "unable to define Drive client")
	}
	return svc, nil
}

func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}

// Validate check the caller's ID token was issued to this service
func (g *GDrive) Validate(ctx context.Context, raw json.RawMessage) error {
	auth, err := g.parseAuth(raw)
	if err != nil {
		return err
	}
	if _, err := g.Verifier.Verify(ctx, auth.IDToken); err != nil {
		log.WithError(err).WithFields(g.LogTags).Debug("ID token rejected")
		return common.Unauthorized(err, "invalid Drive ID token")
	}
	return nil
}

// VerifyCanEdit check the caller has edit capability on the file
func (g *GDrive) VerifyCanEdit(
	ctx context.Context, raw json.RawMessage, resource ResourceID,
) error {
	auth, err := g.parseAuth(raw)
	if err != nil {
		return err
	}
	id, err := fileID(resource)
	if err != nil {
		return err
	}
	svc, err := g.client(ctx, auth)
	if err != nil {
		return err
	}
	file, err := svc.Files.Get(id).Fields("capabilities(canEdit)").Context(ctx).Do()
	if err != nil {
		if isNotFound(err) {
			return common.InvalidInput(err, "no such resource '%s'", resource)
		}
		log.WithError(err).WithFields(g.LogTags).Errorf("Unable to read capabilities of %s", resource)
		return common.UpstreamError(err, "unable to read capabilities of '%s'", resource)
	}
	if file.Capabilities == nil || !file.Capabilities.CanEdit {
		return common.Unauthorized(nil, "not allowed to edit '%s'", resource)
	}
	return nil
}

// Watch start a web_hook watch on the file, and record the Drive resource ID of the
// channel so the watch can be stopped early
func (g *GDrive) Watch(ctx context.Context, params WatchParams) error {
	auth, err := g.parseAuth(params.Auth)
	if err != nil {
		return err
	}
	id, err := fileID(params.Resource)
	if err != nil {
		return err
	}
	svc, err := g.client(ctx, auth)
	if err != nil {
		return err
	}
	channel := &drive.Channel{
		Id:         params.ChannelID,
		Token:      params.Token,
		Address:    g.PushURL,
		Type:       "web_hook",
		Expiration: time.Now().Add(g.WatchDuration).UnixMilli(),
	}
	result, err := svc.Files.Watch(id, channel).Context(ctx).Do()
	if err != nil {
		if isNotFound(err) {
			return ErrResourceNotFound
		}
		log.WithError(err).WithFields(g.LogTags).Errorf("Failed to watch %s", params.Resource)
		return common.UpstreamError(err, "unable to watch '%s'", params.Resource)
	}
	log.WithFields(g.LogTags).Debugf(
		"Watching %s on channel %s", params.Resource, params.ChannelID,
	)
	if result.ResourceId == "" {
		return nil
	}
	return g.Store.SetWithExpiry(
		ctx, channelResourceKey(params.ChannelID), result.ResourceId, g.WatchDuration,
	)
}

// Unwatch stop the watch on the channel, if it is still recorded
func (g *GDrive) Unwatch(ctx context.Context, params UnwatchParams) error {
	resourceID, found, err := g.Store.GetAndDelete(ctx, channelResourceKey(params.ChannelID))
	if err != nil {
		return err
	}
	if !found {
		log.WithFields(g.LogTags).Debugf("Channel %s already ended", params.ChannelID)
		return nil
	}
	auth, err := g.parseAuth(params.Auth)
	if err != nil {
		return err
	}
	svc, err := g.client(ctx, auth)
	if err != nil {
		return err
	}
	err = svc.Channels.Stop(&drive.Channel{Id: params.ChannelID, ResourceId: resourceID}).
		Context(ctx).
		Do()
	if err != nil && !isNotFound(err) {
		log.WithError(err).WithFields(g.LogTags).Errorf("Failed to stop channel %s", params.ChannelID)
		return common.UpstreamError(err, "unable to stop channel '%s'", params.ChannelID)
	}
	return nil
}
