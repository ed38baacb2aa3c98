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
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/docwatch/apis"
	"github.com/alwitt/docwatch/common"
	"github.com/apex/log"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// streamKeepAlive interval between keep-alive frames on session streams
const streamKeepAlive = time.Second * 30

// RunPushServer run the push server until the runtime context is cancelled. The caller
// closes the services once every goroutine in wg has exited.
func RunPushServer(
	runTimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	services *Services,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "push-server",
		"instance":  instance,
	}

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()

	if err := services.Start(localCtxt, wg); err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to start services")
		return err
	}
	defer func() {
		if err := services.Watches.Stop(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during watch coordinator stop")
		}
	}()

	httpHandler, err := apis.GetAPIRestPushHandler(
		localCtxt,
		&config.API.HTTPSetting,
		apis.PushHandlerParams{
			Sessions:         services.Sessions,
			Channels:         services.Watches,
			Receiver:         services.Receiver,
			ConnectionBuffer: config.Channels.ConnectionBuffer,
			KeepAlive:        streamKeepAlive,
			Probes:           services.ReadinessProbes(),
		},
		wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define HTTP handler")
		return err
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	router := mux.NewRouter()
	mainRouter := apis.RegisterPathPrefix(router, config.API.PathPrefix, nil)
	apis.RegisterPushRoutes(mainRouter, httpHandler)

	// Metrics
	router.Handle("/metrics", promhttp.HandlerFor(
		services.MetricsRegs, promhttp.HandlerOpts{Registry: services.MetricsRegs},
	))

	// Add logging
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(httpHandler, next)
	})

	withCORS := handlers.CORS(
		handlers.AllowedOrigins(config.API.CORSAllowedOrigins),
		handlers.AllowedMethods([]string{"GET", "POST", "DELETE", "OPTIONS"}),
		handlers.AllowedHeaders([]string{
			"Content-Type", config.API.HTTPSetting.Logging.RequestIDHeader,
		}),
	)(router)

	serverCfg := config.API.HTTPSetting.Server
	serverListen := fmt.Sprintf("%s:%d", serverCfg.ListenOn, serverCfg.Port)
	httpSrv := &http.Server{
		Addr:         serverListen,
		ReadTimeout:  time.Second * time.Duration(serverCfg.ReadTimeout),
		WriteTimeout: time.Second * time.Duration(serverCfg.WriteTimeout),
		IdleTimeout:  time.Second * time.Duration(serverCfg.IdleTimeout),
		Handler:      h2c.NewHandler(withCORS, &http2.Server{}),
	}

	// Cancel runtime context on shutdown
	httpSrv.RegisterOnShutdown(lclCancel)

	// Start the server
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).WithFields(logTags).Error("HTTP Server Failure")
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-runTimeContext.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during HTTP shutdown")
		}
	}

	// Publish anything left before the NATS client closes
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
		defer cancel()
		if err := services.Bus.Flush(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during bus flush")
		}
	}

	return nil
}
