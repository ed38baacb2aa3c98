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

package cmd

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/docwatch/apis"
	"github.com/alwitt/docwatch/auth"
	"github.com/alwitt/docwatch/channels"
	"github.com/alwitt/docwatch/common"
	"github.com/alwitt/docwatch/core"
	"github.com/alwitt/docwatch/metrics"
	"github.com/alwitt/docwatch/provider"
	"github.com/alwitt/docwatch/push"
	"github.com/alwitt/docwatch/session"
	"github.com/alwitt/docwatch/storage"
	"github.com/alwitt/docwatch/watch"
	"github.com/apex/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Services the components of one server process, built once at startup
type Services struct {
	Store       storage.Gateway
	NATS        *core.NatsClient
	LocalBus    *channels.LocalBus
	Bus         *channels.NatsBus
	Providers   *provider.Registry
	Auth        *auth.Delegate
	Tokens      *auth.TokenService
	Watches     *watch.Coordinator
	Sessions    *session.Manager
	Receiver    *push.Receiver
	Metrics     *metrics.Collector
	MetricsRegs *prometheus.Registry
}

// defineStore connect to the configured store backend
func defineStore(
	ctx context.Context, config common.StoreConfig, chooser common.IndexChooser, wg *sync.WaitGroup,
) (storage.Gateway, error) {
	switch config.Backend {
	case "etcd":
		return storage.GetEtcdGateway(storage.EtcdGatewayParams{
			Endpoints:      config.Etcd.Endpoints,
			DialTimeout:    time.Second * time.Duration(config.Etcd.DialTimeout),
			RequestTimeout: time.Second * time.Duration(config.RequestTimeout),
			KeyPrefix:      config.KeyPrefix,
			Chooser:        chooser,
		})
	case "memory":
		return storage.GetMemoryGateway(
			ctx, wg, time.Millisecond*time.Duration(config.Memory.SweepInterval), chooser,
		)
	default:
		return nil, fmt.Errorf("unknown store backend %s", config.Backend)
	}
}

// DefineServices build every component of the server process
func DefineServices(
	ctx context.Context,
	config *common.SystemConfig,
	natsClient *core.NatsClient,
	wg *sync.WaitGroup,
) (*Services, error) {
	logTags := log.Fields{"module": "cmd", "component": "services"}
	chooser := common.GetRandomIndexChooser(0)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector, err := metrics.GetCollector(registry)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define metrics")
		return nil, err
	}

	store, err := defineStore(ctx, config.Store, chooser, wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Unable to define %s store", config.Store.Backend,
		)
		return nil, err
	}

	// Bus: the transports share one local dispatch, replicated over NATS
	sampling := channels.SamplingParams{
		MaxNeedWatch: config.Channels.MaxNeedWatchPerChannel,
		SampleFactor: config.Channels.SampleFactor,
		Chooser:      chooser,
	}
	localBus := channels.GetLocalBus("local", sampling, collector)
	members := map[string]channels.Bus{}
	for _, transport := range []string{apis.TransportSSE, apis.TransportWebSocket} {
		members[transport] = localBus
	}
	bus := channels.GetNatsBus(
		natsClient, config.Channels.Subject, channels.GetMultiBus(members), collector,
	)

	// Providers
	providers := provider.NewRegistry()
	if config.Providers.GDrive.Enabled {
		gdrive, err := provider.GetGDriveProvider(provider.GDriveParams{
			PushURL: config.Providers.GDrive.PushURL,
			WatchDuration: time.Second * time.Duration(
				config.Providers.GDrive.WatchDuration,
			),
			Store: store,
			Verifier: provider.NewGoogleIDTokenVerifier(
				ctx, config.Providers.GDrive.OAuthClientID,
			),
		})
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define Drive provider")
			return nil, err
		}
		providers.Register(gdrive)
	}
	if len(providers.Names()) == 0 {
		log.WithFields(logTags).Warn("No resource provider enabled")
	}
	delegate := auth.GetDelegate(providers)

	tokens, err := auth.GetTokenService(
		config.Token.Secret, config.Token.Issuer, time.Second*time.Duration(config.Token.TTL),
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define channel token service")
		return nil, err
	}

	coordinator, err := watch.GetCoordinator(ctx, watch.CoordinatorParams{
		Store:          store,
		Bus:            bus,
		Auth:           delegate,
		Providers:      providers,
		Tokens:         tokens,
		Chooser:        chooser,
		WatcherTTL:     time.Second * time.Duration(config.Watch.WatcherTTL),
		ExpiryClaimTTL: time.Second * time.Duration(config.Watch.ExpiryClaimTTL),
		ExpiryWorkers:  config.Watch.ExpiryWorkers,
		Metrics:        collector,
	})
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define watch coordinator")
		return nil, err
	}

	sessions, err := session.GetManager(session.ManagerParams{
		Store:          store,
		Bus:            bus,
		Auth:           delegate,
		Watches:        coordinator,
		HandshakeTTL:   time.Second * time.Duration(config.Session.HandshakeTTL),
		DMTTL:          time.Second * time.Duration(config.Session.DMTTL),
		CleanupTimeout: time.Second * time.Duration(config.Session.CleanupTimeout),
		Metrics:        collector,
	}, wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define session manager")
		return nil, err
	}

	return &Services{
		Store:       store,
		NATS:        natsClient,
		LocalBus:    localBus,
		Bus:         bus,
		Providers:   providers,
		Auth:        delegate,
		Tokens:      tokens,
		Watches:     coordinator,
		Sessions:    sessions,
		Receiver:    push.GetReceiver(tokens, bus),
		Metrics:     collector,
		MetricsRegs: registry,
	}, nil
}

// Start begin receiving replicated events and watcher expiries
func (s *Services) Start(ctx context.Context, wg *sync.WaitGroup) error {
	if err := s.Bus.Start(ctx, wg); err != nil {
		return err
	}
	return s.Watches.Start(ctx, wg)
}

// Close release the store and the NATS client. Call only after every background
// goroutine has exited.
func (s *Services) Close(ctx context.Context) error {
	err := s.Store.Close()
	s.NATS.Close(ctx)
	return err
}

// ReadinessProbes checks of the external dependencies
func (s *Services) ReadinessProbes() []apis.ReadinessProbe {
	return []apis.ReadinessProbe{
		s.Store.Ready,
		func(ctx context.Context) error {
			if !s.NATS.Connected() {
				return common.Unavailable(nil, "NATS not connected")
			}
			return nil
		},
	}
}
