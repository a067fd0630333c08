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

package common

import (
	"time"

	"github.com/spf13/viper"
)

// ===============================================================================
// Broker Core Related Config

// DispatchRateLimitConfig defines the per-driver dispatch token bucket
type DispatchRateLimitConfig struct {
	// RatePerSec is the sustained number of dispatches allowed per driver per second.
	// A value of 0 disables rate limiting.
	RatePerSec float64 `mapstructure:"rate_per_sec" json:"rate_per_sec" validate:"gte=0"`
	// Burst is the max number of dispatches allowed in a burst
	Burst int `mapstructure:"burst" json:"burst" validate:"gte=1"`
}

// BrokerConfig defines the driver broker core parameters
type BrokerConfig struct {
	// HeartbeatWindow is the max duration between heartbeats before a driver
	// session is considered dead, in seconds
	HeartbeatWindow int `mapstructure:"heartbeat_window" json:"heartbeat_window" validate:"gte=1"`
	// SweepInterval is the interval between liveness sweeps in seconds. If zero,
	// half of HeartbeatWindow is used.
	SweepInterval int `mapstructure:"sweep_interval" json:"sweep_interval" validate:"gte=0"`
	// DispatchQueueCapacity is the max number of pending operations buffered per subscription
	DispatchQueueCapacity int `mapstructure:"dispatch_queue_capacity" json:"dispatch_queue_capacity" validate:"gte=1"`
	// DispatchRateLimit defines the per-driver dispatch rate limit
	DispatchRateLimit DispatchRateLimitConfig `mapstructure:"dispatch_rate_limit" json:"dispatch_rate_limit" validate:"required"`
}

// HeartbeatWindowDuration returns the heartbeat window as a time.Duration
func (c BrokerConfig) HeartbeatWindowDuration() time.Duration {
	return time.Second * time.Duration(c.HeartbeatWindow)
}

// SweepIntervalDuration returns the effective liveness sweep interval
func (c BrokerConfig) SweepIntervalDuration() time.Duration {
	if c.SweepInterval > 0 {
		return time.Second * time.Duration(c.SweepInterval)
	}
	interval := c.HeartbeatWindowDuration() / 2
	if interval <= 0 {
		interval = time.Second
	}
	return interval
}

// ===============================================================================
// NATS Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSConfig defines parameters for connecting to NATS server
type NATSConfig struct {
	// Enabled whether to bridge the broker onto NATS
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required"`
	// SubjectPrefix is the prefix of all subjects used by the broker
	SubjectPrefix string `mapstructure:"subject_prefix" json:"subject_prefix" validate:"required"`
	// DispatchQueueGroup is the queue group used when listening for dispatch requests
	DispatchQueueGroup string `mapstructure:"dispatch_queue_group" json:"dispatch_queue_group" validate:"required"`
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	//
	// Subscribe streams are long lived; keep this at zero unless a proxy
	// in front of the broker enforces its own limit.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required"`
}

// EndpointConfig defines broker API endpoint config
type EndpointConfig struct {
	// PathPrefix is the end-point path prefix for the broker APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// APIServerConfig defines configuration for the broker API server
type APIServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required"`
	// Endpoints is the API endpoint config parameters
	Endpoints EndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required"`
}

// ===============================================================================
// Observability Related Config

// MetricsConfig defines Prometheus metrics parameters
type MetricsConfig struct {
	// Enabled whether to serve /metrics
	Enabled bool `mapstructure:"enabled" json:"enabled"`
}

// TracingConfig defines OpenTelemetry tracing parameters
type TracingConfig struct {
	// Enabled whether to export traces
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// ServiceName is the service name attached to exported spans
	ServiceName string `mapstructure:"service_name" json:"service_name" validate:"required"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete broker config
type SystemConfig struct {
	// Broker are the broker core parameters
	Broker BrokerConfig `mapstructure:"broker" json:"broker" validate:"required"`
	// API are the REST API server configs
	API APIServerConfig `mapstructure:"api" json:"api" validate:"required"`
	// NATS are the NATS related config parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required"`
	// Metrics are the metrics config parameters
	Metrics MetricsConfig `mapstructure:"metrics" json:"metrics"`
	// Tracing are the tracing config parameters
	Tracing TracingConfig `mapstructure:"tracing" json:"tracing" validate:"required"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default broker settings
	viper.SetDefault("broker.heartbeat_window", 30)
	viper.SetDefault("broker.sweep_interval", 0)
	viper.SetDefault("broker.dispatch_queue_capacity", 256)
	viper.SetDefault("broker.dispatch_rate_limit.rate_per_sec", 0)
	viper.SetDefault("broker.dispatch_rate_limit.burst", 1)

	// Default API server settings
	viper.SetDefault("api.endpoint_config.path_prefix", "/")
	viper.SetDefault("api.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("api.api_server.server_config.listen_port", 3000)
	viper.SetDefault("api.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("api.api_server.server_config.write_timeout_sec", 0)
	viper.SetDefault("api.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"api.api_server.logging_config.request_id_header", "Driverbroker-Request-ID",
	)
	viper.SetDefault(
		"api.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)

	// Default NATS settings
	viper.SetDefault("nats.enabled", false)
	viper.SetDefault("nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.connect_timeout_sec", 30)
	viper.SetDefault("nats.reconnect.max_attempts", -1)
	viper.SetDefault("nats.reconnect.wait_interval_sec", 15)
	viper.SetDefault("nats.subject_prefix", "driverbroker")
	viper.SetDefault("nats.dispatch_queue_group", "driverbroker")

	// Default observability settings
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("tracing.enabled", false)
	viper.SetDefault("tracing.service_name", "driverbroker")
}
