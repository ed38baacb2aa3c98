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

package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/docwatch/auth"
	"github.com/alwitt/docwatch/channels"
	"github.com/alwitt/docwatch/common"
	"github.com/alwitt/docwatch/metrics"
	"github.com/alwitt/docwatch/storage"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
)

// SessionKey key holding the handshake record of a session
func SessionKey(sessionID string) string {
	return "session:" + sessionID
}

// DMKey key holding the resource a session is the DM of
func DMKey(sessionID string) string {
	return "dm:" + sessionID
}

// InterestKey key of the set of resources added to a session after it was created
func InterestKey(sessionID string) string {
	return "interest:" + sessionID
}

// WatchCoordinator the watch operations sessions drive
type WatchCoordinator interface {
	// EnsureWatchedWithAuth make sure every resource has a live external watch
	EnsureWatchedWithAuth(
		ctx context.Context, sessionID string, validated auth.ValidatedAuth, resourceIDs []string,
	) error
	// Release give up the session's interest in the resources
	Release(ctx context.Context, sessionID string, resourceIDs []string) error
}

// ManagerParams Manager dependencies and settings
type ManagerParams struct {
	Store   storage.Gateway
	Bus     channels.Bus
	Auth    *auth.Delegate
	Watches WatchCoordinator
	// HandshakeTTL lifetime of a handshake record
	HandshakeTTL time.Duration
	// DMTTL lifetime of a DM binding
	DMTTL time.Duration
	// CleanupTimeout time allowed for cleanup after a transport disconnects
	CleanupTimeout time.Duration
	Metrics        *metrics.Collector
}

// attachedSession a session whose transport is attached to this process
type attachedSession struct {
	conn        *channels.Connection
	resourceIDs []string
}

// Manager drives the session create / connect / destroy protocol
type Manager struct {
	goutils.Component
	ManagerParams
	wg       *sync.WaitGroup
	lock     sync.Mutex
	attached map[string]*attachedSession
}

// GetManager define a new session Manager. Disconnect cleanup runs under the wait group.
func GetManager(params ManagerParams, wg *sync.WaitGroup) (*Manager, error) {
	if params.Store == nil || params.Bus == nil || params.Auth == nil || params.Watches == nil {
		return nil, fmt.Errorf("session manager requires a store, bus, auth delegate, and watches")
	}
	if params.HandshakeTTL <= 0 || params.DMTTL <= 0 || params.CleanupTimeout <= 0 {
		return nil, fmt.Errorf("session manager TTLs must be positive")
	}
	return &Manager{
		Component: goutils.Component{
			LogTags: log.Fields{"module": "session", "component": "manager"},
			LogTagModifiers: []goutils.LogMetadataModifier{
				goutils.ModifyLogMetadataByRestRequestParam,
			},
		},
		ManagerParams: params,
		wg:            wg,
		attached:      map[string]*attachedSession{},
	}, nil
}

// prepareSession the write of a handshake record
func (m *Manager) prepareSession(sessionID string, resourceIDs []string) (storage.Op, error) {
	serialized, err := json.Marshal(resourceIDs)
	if err != nil {
		return storage.Op{}, err
	}
	return storage.SetOp(SessionKey(sessionID), string(serialized), m.HandshakeTTL), nil
}

// Create validate the auth, make sure every resource is watched, and persist the handshake
// record the client later connects with.
//
// With a DM resource, the edit check runs before any side effect.
func (m *Manager) Create(
	ctx context.Context, credentials auth.Credentials, resourceIDs []string, dmResourceID string,
) (string, error) {
	logTags := m.GetLogTagsForContext(ctx)
	if len(resourceIDs) == 0 {
		return "", common.InvalidInput(nil, "resource IDs must not be empty")
	}
	resourceIDs = common.UniqueStrings(resourceIDs)

	validated, err := m.Auth.Validate(ctx, credentials)
	if err != nil {
		return "", err
	}
	if dmResourceID != "" {
		if err := m.Auth.VerifyCanEdit(ctx, validated, dmResourceID); err != nil {
			log.WithError(err).WithFields(logTags).Infof("DM claim on %s rejected", dmResourceID)
			return "", err
		}
	}

	sessionID := uuid.New().String()
	if err := m.Watches.EnsureWatchedWithAuth(ctx, sessionID, validated, resourceIDs); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Session %s watches failed", sessionID)
		// The session is never handed out; none of its watches may outlive this call
		if relErr := m.Watches.Release(ctx, sessionID, resourceIDs); relErr != nil {
			log.WithError(relErr).WithFields(logTags).Errorf(
				"Unable to release watches of failed session %s", sessionID,
			)
		}
		return "", err
	}

	ops := []storage.Op{}
	if dmResourceID != "" {
		ops = append(ops, storage.SetOp(DMKey(sessionID), dmResourceID, m.DMTTL))
	}
	handshake, err := m.prepareSession(sessionID, resourceIDs)
	if err != nil {
		return "", err
	}
	ops = append(ops, handshake)
	if _, err := m.Store.Exec(ctx, ops); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to persist session %s", sessionID)
		return "", err
	}

	m.Metrics.SessionCreated()
	log.WithFields(logTags).Infof("Created session %s on %d resources", sessionID, len(resourceIDs))
	return sessionID, nil
}

// Connect consume the handshake record and attach the transport connection to the session
// channel and each resource channel. Closing the connection destroys the session.
func (m *Manager) Connect(
	ctx context.Context, sessionID string, conn *channels.Connection,
) ([]string, error) {
	logTags := m.GetLogTagsForContext(ctx)
	raw, found, err := m.Store.GetAndDelete(ctx, SessionKey(sessionID))
	if err != nil {
		return nil, err
	}
	var resourceIDs []string
	if found {
		if err := json.Unmarshal([]byte(raw), &resourceIDs); err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Corrupt handshake for %s", sessionID)
		}
	}
	if len(resourceIDs) == 0 {
		m.Metrics.ConnectFailed()
		return nil, common.Unauthorized(nil, "no such session")
	}

	// Attached before subscribing so an interest event arriving on the session channel
	// finds the session
	m.lock.Lock()
	m.attached[sessionID] = &attachedSession{
		conn: conn, resourceIDs: append([]string{}, resourceIDs...),
	}
	m.lock.Unlock()
	conn.OnInterest(func(added []string) {
		if err := m.extendAttached(sessionID, conn, added); err != nil {
			log.WithError(err).WithFields(m.LogTags).Errorf("Unable to extend session %s", sessionID)
		}
	})

	if err := m.Bus.Subscribe(conn, append([]string{sessionID}, resourceIDs...)...); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to attach session %s", sessionID)
		m.lock.Lock()
		if session, ok := m.attached[sessionID]; ok && session.conn == conn {
			delete(m.attached, sessionID)
		}
		m.lock.Unlock()
		// Give the handshake back so the client may retry
		if handshake, prepErr := m.prepareSession(sessionID, resourceIDs); prepErr == nil {
			if _, prepErr := m.Store.Exec(ctx, []storage.Op{handshake}); prepErr != nil {
				log.WithError(prepErr).WithFields(logTags).Errorf(
					"Unable to restore handshake for %s", sessionID,
				)
			}
		}
		return nil, err
	}

	// Interest added while no connection was attached. Anything added from here on arrives
	// as an interest event.
	added, err := m.Store.SetMembers(ctx, InterestKey(sessionID))
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to read added interest of %s", sessionID)
	} else if err := m.extendAttached(sessionID, conn, added); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to extend session %s", sessionID)
	}

	m.Metrics.ConnectionOpened(conn.Transport())
	log.WithFields(logTags).Infof("Session %s attached on %s", sessionID, conn.Transport())

	conn.OnClose(func() {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.disconnect(sessionID, conn)
		}()
	})
	if current, ok := m.Attached(sessionID); ok {
		return current, nil
	}
	return resourceIDs, nil
}

// extendAttached subscribe the session's connection to resources it is not yet attached to
func (m *Manager) extendAttached(
	sessionID string, conn *channels.Connection, resourceIDs []string,
) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	session, ok := m.attached[sessionID]
	if !ok || session.conn != conn {
		return nil
	}
	known := map[string]bool{}
	for _, resourceID := range session.resourceIDs {
		known[resourceID] = true
	}
	added := []string{}
	for _, resourceID := range resourceIDs {
		if !known[resourceID] {
			known[resourceID] = true
			added = append(added, resourceID)
		}
	}
	if len(added) == 0 {
		return nil
	}
	if err := m.Bus.Subscribe(conn, added...); err != nil {
		return err
	}
	session.resourceIDs = append(session.resourceIDs, added...)
	return nil
}

// disconnect detach the connection and destroy the session
func (m *Manager) disconnect(sessionID string, conn *channels.Connection) {
	m.Metrics.ConnectionClosed(conn.Transport())
	m.lock.Lock()
	session, ok := m.attached[sessionID]
	if !ok || session.conn != conn {
		m.lock.Unlock()
		return
	}
	delete(m.attached, sessionID)
	m.lock.Unlock()
	if err := m.Bus.Unsubscribe(conn); err != nil {
		log.WithError(err).WithFields(m.LogTags).Errorf("Unable to detach session %s", sessionID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.CleanupTimeout)
	defer cancel()
	if err := m.Destroy(ctx, sessionID, session.resourceIDs); err != nil {
		log.WithError(err).WithFields(m.LogTags).Errorf("Unable to destroy session %s", sessionID)
		return
	}
	log.WithFields(m.LogTags).Infof("Session %s detached", sessionID)
}

// Destroy re-arm the handshake record so the client may resume the session, and release
// the session's interest in the resources.
//
// Interest added by AddWatch is folded into the handshake and released as well.
func (m *Manager) Destroy(ctx context.Context, sessionID string, resourceIDs []string) error {
	if len(resourceIDs) == 0 {
		return common.InvalidInput(nil, "resource IDs must not be empty")
	}
	var result *multierror.Error
	added, err := m.Store.SetMembers(ctx, InterestKey(sessionID))
	if err != nil {
		result = multierror.Append(result, err)
		added = nil
	}
	resourceIDs = common.UniqueStrings(append(append([]string{}, resourceIDs...), added...))

	handshake, err := m.prepareSession(sessionID, resourceIDs)
	if err == nil {
		_, err = m.Store.Exec(ctx, []storage.Op{handshake})
	}
	if err != nil {
		result = multierror.Append(result, err)
	} else {
		// Only the members read above; an entry added since then stays for the next round
		for _, resourceID := range added {
			if err := m.Store.SetRemove(ctx, InterestKey(sessionID), resourceID); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}
	if err := m.Watches.Release(ctx, sessionID, resourceIDs); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// AddWatch extend the interest of a session. The addition is recorded in the store, so it
// holds wherever the session is attached, or once it connects. The attached connection joins
// the new resource channels through an interest event on the session channel.
func (m *Manager) AddWatch(
	ctx context.Context, sessionID string, credentials auth.Credentials, resourceIDs []string,
) error {
	logTags := m.GetLogTagsForContext(ctx)
	if sessionID == "" {
		return common.InvalidInput(nil, "session ID not provided")
	}
	if len(resourceIDs) == 0 {
		return common.InvalidInput(nil, "resource IDs must not be empty")
	}
	resourceIDs = common.UniqueStrings(resourceIDs)

	validated, err := m.Auth.Validate(ctx, credentials)
	if err != nil {
		return err
	}
	// Recorded before watching, so Destroy covers whatever the watch step joins
	for _, resourceID := range resourceIDs {
		if err := m.Store.SetAdd(ctx, InterestKey(sessionID), resourceID); err != nil {
			log.WithError(err).WithFields(logTags).Errorf("Unable to record interest of %s", sessionID)
			return err
		}
	}
	if err := m.Watches.EnsureWatchedWithAuth(ctx, sessionID, validated, resourceIDs); err != nil {
		return err
	}
	if err := channels.SendInterest(ctx, m.Bus, sessionID, resourceIDs); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to notify session %s", sessionID)
		return err
	}
	return nil
}

// SendDMEvent relay an event from a DM session to every session on the DM's resource
func (m *Manager) SendDMEvent(ctx context.Context, sessionID string, payload json.RawMessage) error {
	if !json.Valid(payload) {
		return common.InvalidInput(nil, "DM event must be JSON")
	}
	resourceID, found, err := m.Store.Get(ctx, DMKey(sessionID))
	if err != nil {
		return err
	}
	if !found {
		return common.Unauthorized(nil, "no such DM session")
	}
	return channels.SendDM(ctx, m.Bus, resourceID, payload)
}

// Attached the interest of a session attached to this process
func (m *Manager) Attached(sessionID string) ([]string, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()
	session, ok := m.attached[sessionID]
	if !ok {
		return nil, false
	}
	return append([]string{}, session.resourceIDs...), true
}
