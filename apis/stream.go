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
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/alwitt/docwatch/channels"
	"github.com/apex/log"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

const (
	// TransportSSE server-sent events transport
	TransportSSE = "sse"
	// TransportWebSocket websocket transport
	TransportWebSocket = "ws"
)

// writeWait max duration of one websocket write
const writeWait = time.Second * 10

// connect attach a new transport connection to a session. On failure the error response
// is written.
func (h APIRestPushHandler) connect(
	w http.ResponseWriter, r *http.Request, transport string,
) (*channels.Connection, log.Fields, bool) {
	localLogTags := h.GetLogTagsForContext(r.Context())
	sessionID := mux.Vars(r)["sessionId"]
	localLogTags["session_id"] = sessionID
	localLogTags["transport"] = transport

	conn := channels.NewConnection(transport, h.ConnectionBuffer)
	if _, err := h.Sessions.Connect(r.Context(), sessionID, conn); err != nil {
		msg := "Unable to connect session"
		log.WithError(err).WithFields(localLogTags).Error(msg)
		respCode, respBody := h.failure(r, err, msg)
		if err := h.WriteRESTResponse(w, respCode, respBody, nil); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
		return nil, localLogTags, false
	}
	return conn, localLogTags, true
}

// -----------------------------------------------------------------------

// ConnectSSE godoc
// @Summary Connect a session over server-sent events
// @Description Consume the session handshake and stream the session's events. Each event
// is written as an SSE frame named after the event kind. Closing the stream ends the
// session's interest in its resources.
// @tags Push
// @Produce text/event-stream
// @Param Docwatch-Request-ID header string false "User provided request ID to match against logs"
// @Param sessionId path string true "Session ID"
// @Success 200 {string} string "event stream"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/push/sessions/{sessionId} [get]
func (h APIRestPushHandler) ConnectSSE(w http.ResponseWriter, r *http.Request) {
	writeFlusher, ok := w.(http.Flusher)
	if !ok {
		msg := "Streaming not supported"
		localLogTags := h.GetLogTagsForContext(r.Context())
		log.WithFields(localLogTags).Errorf(msg)
		if err := h.WriteRESTResponse(
			w,
			http.StatusInternalServerError,
			h.GetStdRESTErrorMsg(r.Context(), http.StatusInternalServerError, msg, msg),
			nil,
		); err != nil {
			log.WithError(err).WithFields(localLogTags).Error("Failed to form response")
		}
		return
	}

	conn, logTags, ok := h.connect(w, r, TransportSSE)
	if !ok {
		return
	}
	defer conn.Close()

	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	writeFlusher.Flush()

	keepAlive := time.NewTicker(h.KeepAlive)
	defer keepAlive.Stop()
	for {
		select {
		case <-h.baseContext.Done():
			log.WithFields(logTags).Info("Terminating SSE stream on server stop")
			return
		case <-r.Context().Done():
			log.WithFields(logTags).Info("Terminating SSE stream on request end")
			return
		case <-conn.Done():
			log.WithFields(logTags).Info("Terminating SSE stream on connection close")
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				log.WithError(err).WithFields(logTags).Error("Failed to transmit keep-alive")
				return
			}
			writeFlusher.Flush()
		case event := <-conn.Events():
			serialize, err := json.Marshal(&event)
			if err != nil {
				log.WithError(err).WithFields(logTags).Error("Failed to serialize event")
				continue
			}
			written, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Kind, serialize)
			writeFlusher.Flush()
			if err != nil {
				log.WithError(err).WithFields(logTags).Error("Failed to transmit event")
				return
			}
			log.WithFields(logTags).Debugf("Written %dB", written)
		}
	}
}

// ConnectSSEHandler Wrapper around ConnectSSE
func (h APIRestPushHandler) ConnectSSEHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ConnectSSE(w, r)
	}
}

// -----------------------------------------------------------------------

// ConnectWebSocket godoc
// @Summary Connect a session over websocket
// @Description Consume the session handshake and stream the session's events as JSON text
// frames. Closing the socket ends the session's interest in its resources.
// @tags Push
// @Param Docwatch-Request-ID header string false "User provided request ID to match against logs"
// @Param sessionId path string true "Session ID"
// @Success 101 {string} string "switching protocols"
// @Failure 401 {object} goutils.RestAPIBaseResponse "error"
// @Failure 500 {object} goutils.RestAPIBaseResponse "error"
// @Router /v1/push/sessions/{sessionId}/ws [get]
func (h APIRestPushHandler) ConnectWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, logTags, ok := h.connect(w, r, TransportWebSocket)
	if !ok {
		return
	}
	defer conn.Close()

	socket, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response
		log.WithError(err).WithFields(logTags).Error("Websocket upgrade failed")
		return
	}
	defer func() {
		_ = socket.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait),
		)
		_ = socket.Close()
	}()

	// Inbound frames are ignored. A read failure means the peer is gone.
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer conn.Close()
		for {
			if _, _, err := socket.ReadMessage(); err != nil {
				log.WithError(err).WithFields(logTags).Debug("Websocket read ended")
				return
			}
		}
	}()

	keepAlive := time.NewTicker(h.KeepAlive)
	defer keepAlive.Stop()
	for {
		select {
		case <-h.baseContext.Done():
			log.WithFields(logTags).Info("Terminating websocket on server stop")
			return
		case <-conn.Done():
			log.WithFields(logTags).Info("Terminating websocket on connection close")
			return
		case <-keepAlive.C:
			if err := socket.WriteControl(
				websocket.PingMessage, nil, time.Now().Add(writeWait),
			); err != nil {
				log.WithError(err).WithFields(logTags).Error("Failed to transmit ping")
				return
			}
		case event := <-conn.Events():
			_ = socket.SetWriteDeadline(time.Now().Add(writeWait))
			if err := socket.WriteJSON(&event); err != nil {
				log.WithError(err).WithFields(logTags).Error("Failed to transmit event")
				return
			}
		}
	}
}

// ConnectWebSocketHandler Wrapper around ConnectWebSocket
func (h APIRestPushHandler) ConnectWebSocketHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.ConnectWebSocket(w, r)
	}
}
