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

package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/alwitt/driverbroker/apis"
	"github.com/alwitt/driverbroker/broker"
	"github.com/alwitt/driverbroker/common"
	"github.com/alwitt/driverbroker/core"
	"github.com/alwitt/driverbroker/dataplane"
	"github.com/alwitt/driverbroker/metrics"
	"github.com/apex/log"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"
)

// eventBufferSize number of lifecycle events buffered for NATS publication
const eventBufferSize = 1024

// recoveryLogger routes panics recovered by gorilla/handlers into apex/log
type recoveryLogger struct {
	common.Component
}

func (l recoveryLogger) Println(v ...interface{}) {
	log.WithFields(l.LogTags).Error(fmt.Sprint(v...))
}

// BrokerServer the assembled driver broker process
type BrokerServer struct {
	common.Component
	config  *common.SystemConfig
	service broker.Service
	ingress dataplane.DispatchIngress
	router  *mux.Router
	cancel  context.CancelFunc
}

// DefineBrokerServer assemble the broker, its optional NATS bridge, and its HTTP router.
// natsClient may be nil when NATS is disabled.
func DefineBrokerServer(
	runTimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	natsClient *core.NatsClient,
	wg *sync.WaitGroup,
) (*BrokerServer, error) {
	logTags := log.Fields{
		"module":    "cmd",
		"component": "broker-server",
		"instance":  instance,
	}

	validate, err := common.GetValidator()
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define validator")
		return nil, err
	}
	if err := validate.Struct(config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid config")
		return nil, err
	}

	// Metrics
	promRegistry := prometheus.NewRegistry()
	collector := metrics.GetNoopCollector()
	if config.Metrics.Enabled {
		promRegistry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		collector = metrics.GetPrometheusCollector(promRegistry)
	}

	localCtxt, lclCancel := context.WithCancel(runTimeContext)

	// Lifecycle events
	events := broker.GetNoopEventPublisher()
	if natsClient != nil {
		events, err = dataplane.GetNATSEventPublisher(
			localCtxt, natsClient.NATs(), config.NATS.SubjectPrefix, eventBufferSize, wg,
		)
		if err != nil {
			lclCancel()
			log.WithError(err).WithFields(logTags).Error("Unable to define event publisher")
			return nil, err
		}
	}

	service, err := broker.GetService(
		localCtxt, config.Broker, common.GetRealClock(), collector, events, wg,
	)
	if err != nil {
		lclCancel()
		log.WithError(err).WithFields(logTags).Error("Unable to define broker service")
		return nil, err
	}

	readiness := []apis.ReadinessCheck{}
	var ingress dataplane.DispatchIngress
	if natsClient != nil {
		ingress, err = dataplane.GetDispatchIngress(
			localCtxt, natsClient, service, config.NATS.SubjectPrefix, config.NATS.DispatchQueueGroup,
		)
		if err != nil {
			lclCancel()
			log.WithError(err).WithFields(logTags).Error("Unable to define dispatch ingress")
			return nil, err
		}
		readiness = append(readiness, func() error {
			if !natsClient.Connected() {
				return fmt.Errorf("NATS connection to %s is down", config.NATS.ServerURI)
			}
			return nil
		})
	}

	httpHandler, err := apis.GetAPIRestBrokerHandler(
		localCtxt, service, &config.API.HTTPSetting, readiness, wg,
	)
	if err != nil {
		lclCancel()
		log.WithError(err).WithFields(logTags).Error("Unable to define HTTP handler")
		return nil, err
	}

	router := mux.NewRouter()
	_ = apis.BuildBrokerRouter(router, config.API.Endpoints.PathPrefix, httpHandler)
	if config.Metrics.Enabled {
		router.Handle(
			"/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}),
		).Methods(http.MethodGet)
	}

	return &BrokerServer{
		Component: common.Component{LogTags: logTags},
		config:    config,
		service:   service,
		ingress:   ingress,
		router:    router,
		cancel:    lclCancel,
	}, nil
}

// Handler the complete HTTP handler: router, panic recovery, and h2c
func (s *BrokerServer) Handler() http.Handler {
	recovery := handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLogger{Component: s.Component}),
		handlers.PrintRecoveryStack(true),
	)
	return h2c.NewHandler(recovery(s.router), &http2.Server{})
}

// Run serve until runTimeContext ends, then shut down gracefully
func (s *BrokerServer) Run(runTimeContext context.Context) error {
	defer s.cancel()

	if err := s.service.Start(); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to start broker")
		return err
	}
	if s.ingress != nil {
		if err := s.ingress.Start(); err != nil {
			log.WithError(err).WithFields(s.LogTags).Error("Unable to start dispatch ingress")
			_ = s.service.Stop()
			return err
		}
	}

	serverCfg := s.config.API.HTTPSetting.Server
	serverListen := fmt.Sprintf("%s:%d", serverCfg.ListenOn, serverCfg.Port)
	httpSrv := &http.Server{
		Addr:         serverListen,
		ReadTimeout:  time.Second * time.Duration(serverCfg.ReadTimeout),
		WriteTimeout: time.Second * time.Duration(serverCfg.WriteTimeout),
		IdleTimeout:  time.Second * time.Duration(serverCfg.IdleTimeout),
		Handler:      s.Handler(),
	}

	// Cancel runtime context on shutdown
	httpSrv.RegisterOnShutdown(s.cancel)

	group, groupCtxt := errgroup.WithContext(runTimeContext)

	// Start the server
	group.Go(func() error {
		log.WithFields(s.LogTags).Infof("Started HTTP server on http://%s", serverListen)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).WithFields(s.LogTags).Error("HTTP Server Failure")
			return err
		}
		return nil
	})

	// Stop everything once the runtime context ends or the server fails
	group.Go(func() error {
		<-groupCtxt.Done()
		if s.ingress != nil {
			if err := s.ingress.Stop(); err != nil {
				log.WithError(err).WithFields(s.LogTags).Error("Failure stopping dispatch ingress")
			}
		}
		// Closes every subscription stream with broker_shutdown
		if err := s.service.Stop(); err != nil {
			log.WithError(err).WithFields(s.LogTags).Error("Failure stopping broker")
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*10)
		defer cancel()
		if err := httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).WithFields(s.LogTags).Error("Failure during HTTP shutdown")
			return err
		}
		log.WithFields(s.LogTags).Info("HTTP server stopped")
		return nil
	})

	return group.Wait()
}

// RunBrokerServer assemble and run the broker until runTimeContext ends
func RunBrokerServer(
	runTimeContext context.Context,
	config *common.SystemConfig,
	instance string,
	natsClient *core.NatsClient,
	wg *sync.WaitGroup,
) error {
	shutdownTracing, err := SetupTracing(runTimeContext, config.Tracing)
	if err != nil {
		log.WithError(err).Error("Unable to setup tracing")
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			log.WithError(err).Error("Failure flushing traces")
		}
	}()

	server, err := DefineBrokerServer(runTimeContext, config, instance, natsClient, wg)
	if err != nil {
		return err
	}
	return server.Run(runTimeContext)
}
