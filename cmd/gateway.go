// Copyright 2022 The presence Authors
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

	"github.com/alwitt/presence/apis"
	"github.com/alwitt/presence/common"
	"github.com/alwitt/presence/management"
	"github.com/alwitt/presence/metrics"
	"github.com/alwitt/presence/presence"
	"github.com/alwitt/presence/relay"
	"github.com/apex/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// RunGatewayServer run the presence gateway
//
// The gateway holds the presence connection for its lifetime through its own aggregator,
// serves the REST API, and relays snapshots to the configured sinks.
func RunGatewayServer(
	runTimeContext context.Context,
	config common.SystemConfig,
	instance string,
	wg *sync.WaitGroup,
) error {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "gateway",
		"instance":  instance,
	}
	if config.Gateway == nil {
		return fmt.Errorf("gateway server can't start without its configurations")
	}

	localCtxt, lclCancel := context.WithCancel(runTimeContext)
	defer lclCancel()

	manager, err := defineManager(localCtxt, config.Socket, logTags)
	if err != nil {
		return err
	}
	defer closeManager(manager, logTags)

	collector := metrics.New("presence")
	if err := collector.Attach(manager); err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to count connection events")
		return err
	}

	aggregator, err := presence.NewAggregator(
		manager,
		func(uniqueVisitors int64, liveConnections int64) {
			log.WithFields(logTags).Debugf(
				"Presence now %d visitors on %d connections", uniqueVisitors, liveConnections,
			)
		},
		true,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define gateway aggregator")
		return err
	}
	defer func() {
		if err := aggregator.Close(); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failed to close gateway aggregator")
		}
	}()
	collector.ObserveSnapshot(aggregator.Snapshot())
	stopObserving := aggregator.Subscribe(collector.ObserveSnapshot)
	defer stopObserving()

	// -------------------------------------------------------------------
	// Relay

	var history management.SnapshotHistory
	if config.Relay != nil {
		var publishers []relay.Publisher
		publishers, history, err = relay.BuildPublishers(localCtxt, *config.Relay)
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Unable to define relay sinks")
			return err
		}
		if len(publishers) > 0 {
			snapshotRelay, err := relay.GetRelay(localCtxt, relay.Params{
				Source:     instance,
				Snapshots:  aggregator,
				Publishers: publishers,
				Heartbeat:  time.Second * time.Duration(config.Relay.HeartbeatInterval),
				Recorder:   collector,
			})
			if err != nil {
				log.WithError(err).WithFields(logTags).Error("Unable to define relay")
				return err
			}
			if err := snapshotRelay.Start(); err != nil {
				log.WithError(err).WithFields(logTags).Error("Unable to start relay")
				return err
			}
			defer func() {
				ctxt, cancel := context.WithTimeout(context.Background(), time.Second*10)
				defer cancel()
				if err := snapshotRelay.Stop(ctxt); err != nil {
					log.WithError(err).WithFields(logTags).Error("Failure during relay stop")
				}
			}()
		}
	}

	// -------------------------------------------------------------------
	// Start the HTTP server

	httpConfig := config.Gateway.HTTPSetting
	httpHandler, err := apis.GetAPIRestPresenceHandler(
		localCtxt, manager, aggregator, collector, history, &httpConfig,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Errorf("Unable to define HTTP handler")
		return err
	}
	router := apis.DefineGatewayRouter(httpHandler, config.Gateway.Endpoints.PathPrefix, collector)

	serverListen := fmt.Sprintf(
		"%s:%d", httpConfig.Server.ListenOn, httpConfig.Server.Port,
	)
	httpSrv := &http.Server{
		Addr:         serverListen,
		ReadTimeout:  time.Second * time.Duration(httpConfig.Server.ReadTimeout),
		WriteTimeout: time.Second * time.Duration(httpConfig.Server.WriteTimeout),
		IdleTimeout:  time.Second * time.Duration(httpConfig.Server.IdleTimeout),
		Handler:      h2c.NewHandler(router, &http2.Server{}),
	}

	// Cancel runtime context on shutdown
	httpSrv.RegisterOnShutdown(lclCancel)

	// Start the server
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).WithFields(logTags).Error("HTTP Server Failure")
			lclCancel()
		}
	}()

	log.WithFields(logTags).Infof("Started HTTP server on http://%s", serverListen)

	// ============================================================================

	<-localCtxt.Done()

	// Stop the HTTP server
	{
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).WithFields(logTags).Error("Failure during HTTP shutdown")
		}
	}

	return nil
}
