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

package apis

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/docwatch/auth"
	"github.com/alwitt/docwatch/common"
	"github.com/alwitt/docwatch/push"
	"github.com/alwitt/docwatch/session"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// ReadinessProbe reports whether a dependency is usable
type ReadinessProbe func(ctx context.Context) error

// ChannelDeleter stops external watch channels
type ChannelDeleter interface {
	DeleteChannel(ctx context.Context, channelID string, credentials auth.Credentials) error
}

// PushHandlerParams dependencies of the push API
type PushHandlerParams struct {
	Sessions *session.Manager
	Channels ChannelDeleter
	Receiver *push.Receiver
	// ConnectionBuffer per-connection event buffer size
	ConnectionBuffer int
	// KeepAlive interval between stream keep-alive frames
	KeepAlive time.Duration
	// Probes checked by the readiness end-point
	Probes []ReadinessProbe
}

// APIRestPushHandler REST handler for sessions, push notifications, and channels
type APIRestPushHandler struct {
	goutils.RestAPIHandler
	PushHandlerParams
	validate    *validator.Validate
	upgrader    websocket.Upgrader
	baseContext context.Context
	wg          *sync.WaitGroup
}

// GetAPIRestPushHandler define APIRestPushHandler
func GetAPIRestPushHandler(
	baseContext context.Context,
	httpConfig *common.HTTPConfig,
	params PushHandlerParams,
	wg *sync.WaitGroup,
) (APIRestPushHandler, error) {
	logTags := log.Fields{
		"module":    "apis",
		"component": "push",
	}
	if params.ConnectionBuffer < 1 {
		params.ConnectionBuffer = 1
	}
	if params.KeepAlive <= 0 {
		params.KeepAlive = time.Second * 30
	}
	return APIRestPushHandler{
		RestAPIHandler: goutils.RestAPIHandler{
			Component: goutils.Component{
				LogTags: logTags,
				LogTagModifiers: []goutils.LogMetadataModifier{
					goutils.ModifyLogMetadataByRestRequestParam,
				},
			},
			CallRequestIDHeaderField: &httpConfig.Logging.RequestIDHeader,
			DoNotLogHeaders: func() map[string]bool {
				result := map[string]bool{}
				for _, v := range httpConfig.Logging.DoNotLogHeaders {
					result[v] = true
				}
				return result
			}(),
		},
		PushHandlerParams: params,
		validate:          validator.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		baseContext: baseContext,
		wg:          wg,
	}, nil
}

// failure define the response to an operation failure
func (h APIRestPushHandler) failure(r *http.Request, err error, msg string) (int, interface{}) {
	respCode := statusForError(err)
	return respCode, h.GetStdRESTErrorMsg(r.Context(), respCode, msg, err.Error())
}

// badRequest define the response to a malformed request
func (h APIRestPushHandler) badRequest(r *http.Request, err error, msg string) (int, interface{}) {
	return http.StatusBadRequest, h.GetStdRESTErrorMsg(
		r.Context(), http.StatusBadRequest, msg, err.Error(),
	)
}

// decodeBody parse and validate a JSON request body
func (h APIRestPushHandler) decodeBody(r *http.Request, target interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		return err
	}
	return h.validate.Struct(target)
}

// =======================================================================
// Sessions

// -----------------------------------------------------------------------

// CreateSessionRequest parameters for creating a session
type CreateSessionRequest struct {
	// Auth caller auth keyed by provider
	Auth auth.Credentials `json:"auth" validate:"required"`
	// IDs resources the session is interested in
	IDs []string `json:"ids" validate:"required,min=1,dive,required"`
	// DMID resource the session claims to be the DM of
	DMID string `json:"dm_id,omitempty"`
}

// CreateSessionResponse response to session creation
type CreateSessionResponse struct {
	goutils.RestAPIBaseResponse
	// SessionID the session to connect with
	SessionID string `json:"session_id"`
}

// CreateSession godoc
// @Summary Create a session
// @Description Validate the caller auth, make sure each resource is watched, and return a
// session ID to connect a stream with
// @tags Push
// @Accept json
// @Produce json
// @Param Docwatch-Request-ID header string false "User provided request ID to match against logs"
// @Param param body CreateSessionRequest true "Session parameters"
// @Success 200 {object} CreateSessionResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Failure 502 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/push/sessions [post]
func (h APIRestPushHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	var params CreateSessionRequest
	if err := h.decodeBody(r, &params); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode, respBody = h.badRequest(r, err, msg)
		return
	}

	sessionID, err := h.Sessions.Create(r.Context(), params.Auth, params.IDs, params.DMID)
	if err != nil {
		msg := "Unable to create session"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode, respBody = h.failure(r, err, msg)
		return
	}

	respCode = http.StatusOK
	respBody = CreateSessionResponse{
		RestAPIBaseResponse: h.GetStdRESTSuccessMsg(r.Context()), SessionID: sessionID,
	}
}

// CreateSessionHandler Wrapper around CreateSession
func (h APIRestPushHandler) CreateSessionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.CreateSession(w, r)
	}
}

// -----------------------------------------------------------------------

// AddWatchRequest parameters for extending a session's interest
type AddWatchRequest struct {
	// SessionID the session
	SessionID string `json:"session_id" validate:"required"`
	// Auth caller auth keyed by provider
	Auth auth.Credentials `json:"auth" validate:"required"`
	// IDs additional resources
	IDs []string `json:"ids" validate:"required,min=1,dive,required"`
}

// AddWatch godoc
// @Summary Extend a session's interest
// @Description Make sure each resource is watched, with the session as a candidate watcher.
// Clients also call this after receiving a need-watch event.
// @tags Push
// @Accept json
// @Produce json
// @Param Docwatch-Request-ID header string false "User provided request ID to match against logs"
// @Param param body AddWatchRequest true "Watch parameters"
// @Success 201 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Failure 502 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/push/sessions/watch [post]
func (h APIRestPushHandler) AddWatch(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	var params AddWatchRequest
	if err := h.decodeBody(r, &params); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode, respBody = h.badRequest(r, err, msg)
		return
	}

	if err := h.Sessions.AddWatch(
		r.Context(), params.SessionID, params.Auth, params.IDs,
	); err != nil {
		msg := "Unable to add watches"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode, respBody = h.failure(r, err, msg)
		return
	}

	respCode = http.StatusCreated
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// AddWatchHandler Wrapper around AddWatch
func (h APIRestPushHandler) AddWatchHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.AddWatch(w, r)
	}
}

// -----------------------------------------------------------------------

// SendDMEvent godoc
// @Summary Send a DM event
// @Description Relay an arbitrary JSON event from a DM session to every session on the
// DM's resource
// @tags Push
// @Accept json
// @Produce json
// @Param Docwatch-Request-ID header string false "User provided request ID to match against logs"
// @Param sessionId path string true "DM session ID"
// @Param event body object true "Event payload"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/push/sessions/{sessionId}/dm [post]
func (h APIRestPushHandler) SendDMEvent(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	sessionID := mux.Vars(r)["sessionId"]
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		msg := "Unable to read request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode, respBody = h.badRequest(r, err, msg)
		return
	}

	if err := h.Sessions.SendDMEvent(r.Context(), sessionID, payload); err != nil {
		msg := "Unable to send DM event"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode, respBody = h.failure(r, err, msg)
		return
	}

	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// SendDMEventHandler Wrapper around SendDMEvent
func (h APIRestPushHandler) SendDMEventHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.SendDMEvent(w, r)
	}
}

// =======================================================================
// Provider push notifications and channels

// -----------------------------------------------------------------------

// Notify godoc
// @Summary Receive a push notification
// @Description Webhook for provider push notifications. A content update is announced to
// every session on the resource.
// @tags Push
// @Produce json
// @Param X-Goog-Resource-State header string true "Resource state"
// @Param X-Goog-Changed header string false "Changed fields"
// @Param X-Goog-Channel-ID header string false "Channel ID"
// @Param X-Goog-Channel-Token header string true "Channel token"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/push/notify [post]
func (h APIRestPushHandler) Notify(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	notification := push.NotificationFromHeaders(r.Header)
	if _, err := h.Receiver.Receive(r.Context(), notification); err != nil {
		msg := "Unable to process notification"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode, respBody = h.failure(r, err, msg)
		return
	}

	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// NotifyHandler Wrapper around Notify
func (h APIRestPushHandler) NotifyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Notify(w, r)
	}
}

// -----------------------------------------------------------------------

// DeleteChannelRequest parameters for deleting a push channel
type DeleteChannelRequest struct {
	// Auth caller auth keyed by provider
	Auth auth.Credentials `json:"auth" validate:"required"`
}

// DeleteChannel godoc
// @Summary Delete a push channel
// @Description Stop the external watch behind a push channel. Remaining interested
// sessions are asked to re-watch.
// @tags Push
// @Accept json
// @Produce json
// @Param Docwatch-Request-ID header string false "User provided request ID to match against logs"
// @Param channelId path string true "Channel ID"
// @Param param body DeleteChannelRequest true "Caller auth"
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 400 {object} goutils.RestAPIBaseResponse "error"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Failure 502 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/push/channels/{channelId} [delete]
func (h APIRestPushHandler) DeleteChannel(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	channelID := mux.Vars(r)["channelId"]
	var params DeleteChannelRequest
	if err := h.decodeBody(r, &params); err != nil {
		msg := "Unable to parse request body"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode, respBody = h.badRequest(r, err, msg)
		return
	}

	if err := h.Channels.DeleteChannel(r.Context(), channelID, params.Auth); err != nil {
		msg := "Unable to delete channel"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode, respBody = h.failure(r, err, msg)
		return
	}

	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// DeleteChannelHandler Wrapper around DeleteChannel
func (h APIRestPushHandler) DeleteChannelHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.DeleteChannel(w, r)
	}
}

// =======================================================================
// Health Checks

// -----------------------------------------------------------------------

// Alive godoc
// @Summary For push REST API liveness check
// @Description Will return success to indicate push REST API module is live
// @tags Push
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/push/alive [get]
func (h APIRestPushHandler) Alive(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	if err := h.WriteRESTResponse(
		w, http.StatusOK, h.GetStdRESTSuccessMsg(r.Context()), nil,
	); err != nil {
		log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
	}
}

// AliveHandler Wrapper around Alive
func (h APIRestPushHandler) AliveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Alive(w, r)
	}
}

// -----------------------------------------------------------------------

// Ready godoc
// @Summary For push REST API readiness check
// @Description Will return success if the store and the bus are reachable
// @tags Push
// @Produce json
// @Success 200 {object} goutils.RestAPIBaseResponse "success"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/push/ready [get]
func (h APIRestPushHandler) Ready(w http.ResponseWriter, r *http.Request) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	var respCode int
	var respBody interface{}
	defer func() {
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
	}()

	for _, probe := range h.Probes {
		if err := probe(r.Context()); err != nil {
			msg := "not ready"
			log.WithError(err).WithFields(localLogTags).Warn(msg)
			respCode = http.StatusInternalServerError
			respBody = h.GetStdRESTErrorMsg(
				r.Context(), http.StatusInternalServerError, msg, err.Error(),
			)
			return
		}
	}

	respCode = http.StatusOK
	respBody = h.GetStdRESTSuccessMsg(r.Context())
}

// ReadyHandler Wrapper around Ready
func (h APIRestPushHandler) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.Ready(w, r)
	}
}

// =======================================================================

// RegisterPushRoutes register the push API end-points on the router
func RegisterPushRoutes(parentRouter *mux.Router, h APIRestPushHandler) {
	// Sessions
	_ = RegisterPathPrefix(parentRouter, "/v1/push/sessions", MethodHandlers{
		"post": h.CreateSessionHandler(),
	})
	_ = RegisterPathPrefix(parentRouter, "/v1/push/sessions/watch", MethodHandlers{
		"post": h.AddWatchHandler(),
	})
	sessionRouter := RegisterPathPrefix(
		parentRouter, "/v1/push/sessions/{sessionId}", MethodHandlers{
			"get": h.ConnectSSEHandler(),
		},
	)
	_ = RegisterPathPrefix(sessionRouter, "/ws", MethodHandlers{
		"get": h.ConnectWebSocketHandler(),
	})
	_ = RegisterPathPrefix(sessionRouter, "/dm", MethodHandlers{
		"post": h.SendDMEventHandler(),
	})

	// Provider push notifications
	_ = RegisterPathPrefix(parentRouter, "/v1/push/notify", MethodHandlers{
		"post": h.NotifyHandler(),
	})
	_ = RegisterPathPrefix(parentRouter, "/v1/push/channels/{channelId}", MethodHandlers{
		"delete": h.DeleteChannelHandler(),
	})

	// Health check
	_ = RegisterPathPrefix(parentRouter, "/v1/push/alive", MethodHandlers{
		"get": h.AliveHandler(),
	})
	_ = RegisterPathPrefix(parentRouter, "/v1/push/ready", MethodHandlers{
		"get": h.ReadyHandler(),
	})
}
