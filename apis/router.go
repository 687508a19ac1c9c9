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

package apis

import (
	"net/http"

	"github.com/alwitt/presence/common"
	"github.com/alwitt/presence/metrics"
	"github.com/apex/log"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
)

// DefineGatewayRouter define the gateway API routes under the path prefix
//
// When a collector is given, every route is counted and "/metrics" is exposed.
func DefineGatewayRouter(
	handler APIRestPresenceHandler, pathPrefix string, collector *metrics.Collector,
) *mux.Router {
	instrument := func(name string, fn http.HandlerFunc) http.HandlerFunc {
		fn = handler.LoggingMiddleware(fn)
		if collector == nil {
			return fn
		}
		return collector.Instrument(name, fn).ServeHTTP
	}

	router := mux.NewRouter()
	mainRouter := RegisterPathPrefix(router, pathPrefix, nil)

	// Presence
	presenceRouter := RegisterPathPrefix(mainRouter, "/v1/presence", MethodHandlers{
		"get": instrument("presence", handler.GetPresenceHandler()),
	})
	_ = RegisterPathPrefix(presenceRouter, "/stream", MethodHandlers{
		"get": instrument("stream", handler.StreamPresenceHandler()),
	})
	_ = RegisterPathPrefix(presenceRouter, "/history", MethodHandlers{
		"get": instrument("history", handler.GetPresenceHistoryHandler()),
	})

	// Emit
	_ = RegisterPathPrefix(mainRouter, "/v1/emit/{eventName}", MethodHandlers{
		"post": instrument("emit", handler.EmitEventHandler()),
	})

	// Health check
	_ = RegisterPathPrefix(mainRouter, "/alive", MethodHandlers{
		"get": instrument("alive", handler.AliveHandler()),
	})
	_ = RegisterPathPrefix(mainRouter, "/ready", MethodHandlers{
		"get": instrument("ready", handler.ReadyHandler()),
	})

	if collector != nil {
		_ = RegisterPathPrefix(mainRouter, "/metrics", MethodHandlers{
			"get": collector.Handler().ServeHTTP,
		})
	}

	// Add logging
	accessLog := AccessLogWriter{
		Component: common.Component{LogTags: log.Fields{"module": "rest", "component": "access-log"}},
	}
	router.Use(func(next http.Handler) http.Handler {
		return handlers.CombinedLoggingHandler(accessLog, next)
	})

	return router
}
