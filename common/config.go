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

package common

import (
	"time"

	"github.com/spf13/viper"
)

// ===============================================================================
// Socket Related Config

// SocketReconnectConfig defines the bounded reconnect budget
type SocketReconnectConfig struct {
	// MaxAttempts is the number of reconnect attempts after the first failure
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=0"`
	// InitialDelay is the first backoff delay between attempts in milliseconds
	InitialDelay int `mapstructure:"initial_delay_ms" json:"initial_delay_ms" validate:"gte=1"`
	// MaxDelay caps the backoff delay between attempts in milliseconds
	MaxDelay int `mapstructure:"max_delay_ms" json:"max_delay_ms" validate:"gtefield=InitialDelay"`
}

// SocketConfig defines how the presence connection locates and reaches the server
type SocketConfig struct {
	// URL is the explicit socket origin override. Its path, if any, names the namespace.
	URL string `mapstructure:"url" json:"url" validate:"omitempty,url"`
	// Namespace is the explicit namespace override
	Namespace string `mapstructure:"namespace" json:"namespace" validate:"omitempty,startswith=/"`
	// Path is the Engine.IO endpoint path on the origin
	Path string `mapstructure:"path" json:"path" validate:"required,startswith=/"`
	// Transports is the comma separated list of allowed transports: polling, websocket
	Transports string `mapstructure:"transports" json:"transports"`
	// APIBaseURL is the REST API base URL, used to derive the origin when URL is not set
	APIBaseURL string `mapstructure:"api_base_url" json:"api_base_url"`
	// PageOrigin is the last resort origin when neither URL nor APIBaseURL provide one
	PageOrigin string `mapstructure:"page_origin" json:"page_origin" validate:"omitempty,url"`
	// ConnectTimeout is the per attempt connect timeout in milliseconds
	ConnectTimeout int `mapstructure:"connect_timeout_ms" json:"connect_timeout_ms" validate:"gte=1"`
	// EmitBufferSize is the max number of emits held while offline
	EmitBufferSize int `mapstructure:"emit_buffer_size" json:"emit_buffer_size" validate:"gte=0"`
	// Reconnect defines the reconnect budget
	Reconnect SocketReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required,dive"`
}

// ConnectTimeoutDuration return the connect timeout as a time.Duration
func (c SocketConfig) ConnectTimeoutDuration() time.Duration {
	return time.Millisecond * time.Duration(c.ConnectTimeout)
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
	// writes of the response in seconds. Streaming responses are exempt.
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
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required,dive"`
}

// GatewayEndpointConfig defines gateway API endpoint config
type GatewayEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the gateway APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// GatewayServerConfig defines configuration for the presence gateway API server
type GatewayServerConfig struct {
	// HTTPSetting is the HTTP API / server parameters for the gateway API server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Endpoints is the API endpoint config parameters for the gateway API server
	Endpoints GatewayEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
}

// ===============================================================================
// Relay Related Config

// NATSReconnectConfig defines reconnect parameters
type NATSReconnectConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// WaitInterval is the duration between reconnect attempts in seconds
	WaitInterval int `mapstructure:"wait_interval_sec" json:"wait_interval_sec" validate:"gte=1"`
}

// NATSHistoryConfig defines the JetStream stream retaining relayed snapshots
type NATSHistoryConfig struct {
	// Stream is the JetStream stream name
	Stream string `mapstructure:"stream" json:"stream" validate:"required"`
	// MaxMsgs is the max number of snapshots retained
	MaxMsgs int64 `mapstructure:"max_msgs" json:"max_msgs" validate:"gte=1"`
	// MaxAge is the max age of a retained snapshot in seconds. Zero keeps them until
	// MaxMsgs is reached.
	MaxAge int `mapstructure:"max_age_sec" json:"max_age_sec" validate:"gte=0"`
}

// NATSRelayConfig defines the NATS relay sink
type NATSRelayConfig struct {
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required,dive"`
	// Subject is the subject presence snapshots are published on
	Subject string `mapstructure:"subject" json:"subject" validate:"required"`
	// History optionally retains the relayed snapshots in a JetStream stream
	History *NATSHistoryConfig `mapstructure:"history,omitempty" json:"history,omitempty" validate:"omitempty,dive"`
}

// RedisRelayConfig defines the Redis relay sink
type RedisRelayConfig struct {
	// Address is the Redis server host:port
	Address string `mapstructure:"address" json:"address" validate:"required,hostname_port"`
	// Password is the optional Redis password
	Password string `mapstructure:"password" json:"-"`
	// DB is the Redis logical database
	DB int `mapstructure:"db" json:"db" validate:"gte=0"`
	// Channel is the pub/sub channel presence snapshots are published on
	Channel string `mapstructure:"channel" json:"channel" validate:"required"`
	// Key is the optional key holding the latest snapshot
	Key string `mapstructure:"key" json:"key"`
	// KeyTTL is the TTL of the latest snapshot key in seconds
	KeyTTL int `mapstructure:"key_ttl_sec" json:"key_ttl_sec" validate:"gte=0"`
}

// RelayConfig defines where presence snapshots are republished
type RelayConfig struct {
	// HeartbeatInterval is the period for republishing an unchanged snapshot in seconds.
	// Zero disables the heartbeat.
	HeartbeatInterval int `mapstructure:"heartbeat_interval_sec" json:"heartbeat_interval_sec" validate:"gte=0"`
	// NATS is the NATS sink
	NATS *NATSRelayConfig `mapstructure:"nats,omitempty" json:"nats,omitempty" validate:"omitempty,dive"`
	// Redis is the Redis sink
	Redis *RedisRelayConfig `mapstructure:"redis,omitempty" json:"redis,omitempty" validate:"omitempty,dive"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config
type SystemConfig struct {
	// Socket are the presence connection config parameters
	Socket SocketConfig `mapstructure:"socket" json:"socket" validate:"required,dive"`
	// Gateway are the gateway API server configs
	Gateway *GatewayServerConfig `mapstructure:"gateway,omitempty" json:"gateway,omitempty" validate:"omitempty,dive"`
	// Relay are the relay sink configs
	Relay *RelayConfig `mapstructure:"relay,omitempty" json:"relay,omitempty" validate:"omitempty,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default socket settings
	viper.SetDefault("socket.url", "")
	viper.SetDefault("socket.namespace", "")
	viper.SetDefault("socket.path", "/socket.io/")
	viper.SetDefault("socket.transports", "polling")
	viper.SetDefault("socket.api_base_url", "")
	viper.SetDefault("socket.page_origin", "http://127.0.0.1:3000")
	viper.SetDefault("socket.connect_timeout_ms", 20000)
	viper.SetDefault("socket.emit_buffer_size", 256)
	viper.SetDefault("socket.reconnect.max_attempts", 5)
	viper.SetDefault("socket.reconnect.initial_delay_ms", 1000)
	viper.SetDefault("socket.reconnect.max_delay_ms", 5000)

	// Default gateway server settings
	viper.SetDefault("gateway.endpoint_config.path_prefix", "/")
	viper.SetDefault("gateway.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("gateway.api_server.server_config.listen_port", 3080)
	viper.SetDefault("gateway.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("gateway.api_server.server_config.write_timeout_sec", 60)
	viper.SetDefault("gateway.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"gateway.api_server.logging_config.request_id_header", "Presence-Request-ID",
	)
	viper.SetDefault(
		"gateway.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
}

// InstallRelayDefaultConfigValues installs default relay sink parameters in viper
//
// Must be called after the config file is read. Defaults are only installed for the sinks
// the config names, as installing any relay key enables that sink.
func InstallRelayDefaultConfigValues() {
	if !viper.IsSet("relay") {
		return
	}
	viper.SetDefault("relay.heartbeat_interval_sec", 30)
	if viper.IsSet("relay.nats") {
		viper.SetDefault("relay.nats.server_uri", "nats://127.0.0.1:4222")
		viper.SetDefault("relay.nats.connect_timeout_sec", 30)
		viper.SetDefault("relay.nats.reconnect.max_attempts", -1)
		viper.SetDefault("relay.nats.reconnect.wait_interval_sec", 15)
		viper.SetDefault("relay.nats.subject", "presence.snapshot")
		if viper.IsSet("relay.nats.history") {
			viper.SetDefault("relay.nats.history.stream", "presence-history")
			viper.SetDefault("relay.nats.history.max_msgs", 1000)
			viper.SetDefault("relay.nats.history.max_age_sec", 86400)
		}
	}
	if viper.IsSet("relay.redis") {
		viper.SetDefault("relay.redis.address", "127.0.0.1:6379")
		viper.SetDefault("relay.redis.db", 0)
		viper.SetDefault("relay.redis.channel", "presence:snapshot")
		viper.SetDefault("relay.redis.key", "presence:latest")
		viper.SetDefault("relay.redis.key_ttl_sec", 120)
	}
}
