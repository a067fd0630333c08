// Copyright 2026 The driverbroker Authors
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

	"github.com/gorilla/mux"
)

// BuildBrokerRouter install the broker API routes under pathPrefix
func BuildBrokerRouter(
	parentRouter *mux.Router, pathPrefix string, handler APIRestBrokerHandler,
) *mux.Router {
	mainRouter := RegisterPathPrefix(parentRouter, pathPrefix, nil)

	restRouter := mainRouter.NewRoute().Subrouter()
	restRouter.Use(func(next http.Handler) http.Handler {
		return handler.LoggingMiddleware(next.ServeHTTP)
	})

	// Subscription streams
	subscribeRouter := RegisterPathPrefix(
		restRouter, "/v1/driver/{identity}/subscribe", MethodHandlers{
			http.MethodGet: handler.SubscribeHandler(),
		},
	)
	_ = RegisterPathPrefix(subscribeRouter, "/ws", MethodHandlers{
		http.MethodGet: handler.SubscribeWebSocketHandler(),
	})

	// Driver registration and introspection
	driverRouter := RegisterPathPrefix(restRouter, "/v1/driver", MethodHandlers{
		http.MethodPost: handler.RegisterDriverHandler(),
		http.MethodGet:  handler.ListDriversHandler(),
	})
	perDriverRouter := RegisterPathPrefix(driverRouter, "/{identity}", MethodHandlers{
		http.MethodGet:    handler.GetDriverHandler(),
		http.MethodDelete: handler.DisconnectDriverHandler(),
	})
	_ = RegisterPathPrefix(perDriverRouter, "/heartbeat", MethodHandlers{
		http.MethodPost: handler.HeartbeatHandler(),
	})
	_ = RegisterPathPrefix(perDriverRouter, "/state", MethodHandlers{
		http.MethodPut: handler.UpdateStateHandler(),
	})

	// Dispatch
	_ = RegisterPathPrefix(perDriverRouter, "/operation", MethodHandlers{
		http.MethodPost: handler.DispatchOperationHandler(),
	})

	// Health check
	_ = RegisterPathPrefix(restRouter, "/alive", MethodHandlers{
		http.MethodGet: handler.AliveHandler(),
	})
	_ = RegisterPathPrefix(restRouter, "/ready", MethodHandlers{
		http.MethodGet: handler.ReadyHandler(),
	})

	return mainRouter
}
