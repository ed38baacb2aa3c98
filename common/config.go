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

package common

import "github.com/spf13/viper"

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
	// ServerURI is the NATS connection URI
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// ConnectTimeout is the max duration for connecting to NATS server in seconds
	ConnectTimeout int `mapstructure:"connect_timeout_sec" json:"connect_timeout_sec" validate:"gte=1"`
	// Reconnect defines reconnect parameters
	Reconnect NATSReconnectConfig `mapstructure:"reconnect" json:"reconnect" validate:"required"`
}

// ===============================================================================
// Store Related Config

// EtcdStoreConfig defines parameters for connecting to etcd
type EtcdStoreConfig struct {
	// Endpoints is the list of etcd endpoints
	Endpoints []string `mapstructure:"endpoints" json:"endpoints" validate:"required,min=1,dive,required"`
	// DialTimeout is the max duration for connecting to etcd in seconds
	DialTimeout int `mapstructure:"dial_timeout_sec" json:"dial_timeout_sec" validate:"gte=1"`
}

// MemoryStoreConfig defines parameters for the in-process store
type MemoryStoreConfig struct {
	// SweepInterval is the interval between expired record sweeps in milliseconds
	SweepInterval int `mapstructure:"sweep_interval_ms" json:"sweep_interval_ms" validate:"gte=10"`
}

// StoreConfig defines the atomic store parameters
type StoreConfig struct {
	// Backend selects the store implementation
	Backend string `mapstructure:"backend" json:"backend" validate:"required,oneof=etcd memory"`
	// KeyPrefix is prepended to every key written by this system
	KeyPrefix string `mapstructure:"key_prefix" json:"key_prefix"`
	// RequestTimeout is the I/O timeout for a single store operation in seconds
	RequestTimeout int `mapstructure:"request_timeout_sec" json:"request_timeout_sec" validate:"gte=1"`
	// Etcd defines the etcd connection parameters
	Etcd EtcdStoreConfig `mapstructure:"etcd" json:"etcd" validate:"required"`
	// Memory defines the in-process store parameters
	Memory MemoryStoreConfig `mapstructure:"memory" json:"memory" validate:"required"`
}

// ===============================================================================
// Coordination Related Config

// SessionConfig defines session manager parameters
type SessionConfig struct {
	// HandshakeTTL is the lifetime of a session handshake record in seconds
	HandshakeTTL int `mapstructure:"handshake_ttl_sec" json:"handshake_ttl_sec" validate:"gte=1"`
	// DMTTL is the lifetime of a DM binding in seconds
	DMTTL int `mapstructure:"dm_ttl_sec" json:"dm_ttl_sec" validate:"gte=1"`
	// CleanupTimeout is the max duration of disconnect cleanup in seconds
	CleanupTimeout int `mapstructure:"cleanup_timeout_sec" json:"cleanup_timeout_sec" validate:"gte=1"`
}

// WatchConfig defines watch coordinator parameters
type WatchConfig struct {
	// WatcherTTL is the lifetime of a watcher record in seconds
	WatcherTTL int `mapstructure:"watcher_ttl_sec" json:"watcher_ttl_sec" validate:"gte=1"`
	// ExpiryWorkers is the number of workers processing watcher expiry
	ExpiryWorkers int `mapstructure:"expiry_workers" json:"expiry_workers" validate:"gte=1"`
	// ExpiryClaimTTL is the lifetime of an expiry de-duplication claim in seconds
	ExpiryClaimTTL int `mapstructure:"expiry_claim_ttl_sec" json:"expiry_claim_ttl_sec" validate:"gte=1"`
}

// ChannelsConfig defines channel bus parameters
type ChannelsConfig struct {
	// MaxNeedWatchPerChannel is the max number of local recipients of one need-watch event
	MaxNeedWatchPerChannel int `mapstructure:"max_need_watch_per_channel" json:"max_need_watch_per_channel" validate:"gte=1"`
	// SampleFactor bounds the candidate pool for need-watch sampling to SampleFactor * max
	SampleFactor int `mapstructure:"sample_factor" json:"sample_factor" validate:"gte=1"`
	// Subject is the NATS subject all bus events are broadcast on
	Subject string `mapstructure:"subject" json:"subject" validate:"required"`
	// ConnectionBuffer is the per-connection event buffer size
	ConnectionBuffer int `mapstructure:"connection_buffer" json:"connection_buffer" validate:"gte=1"`
}

// TokenConfig defines channel token parameters
type TokenConfig struct {
	// Secret is the HMAC signing secret
	Secret string `mapstructure:"secret" json:"secret"`
	// Issuer is the token issuer
	Issuer string `mapstructure:"issuer" json:"issuer" validate:"required"`
	// TTL is the token lifetime in seconds
	TTL int `mapstructure:"ttl_sec" json:"ttl_sec" validate:"gte=1"`
}

// GDriveProviderConfig defines Google Drive provider parameters
type GDriveProviderConfig struct {
	// Enabled whether the provider is registered
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// OAuthClientID is the expected audience of client ID tokens
	OAuthClientID string `mapstructure:"oauth_client_id" json:"oauth_client_id" validate:"required_if=Enabled true"`
	// PushURL is the webhook address given to Drive
	PushURL string `mapstructure:"push_url" json:"push_url" validate:"required_if=Enabled true"`
	// WatchDuration is the lifetime of a Drive watch channel in seconds
	WatchDuration int `mapstructure:"watch_duration_sec" json:"watch_duration_sec" validate:"gte=1"`
}

// ProvidersConfig defines the set of resource providers
type ProvidersConfig struct {
	// GDrive is the Google Drive provider config
	GDrive GDriveProviderConfig `mapstructure:"gdrive" json:"gdrive" validate:"required"`
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
	// writes of the response in seconds. A zero value means there will
	// be no timeout; streaming sessions require zero.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
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

// APIConfig defines the push API server
type APIConfig struct {
	// HTTPSetting is the HTTP API / server parameters
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required"`
	// PathPrefix is the end-point path prefix for the APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
	// CORSAllowedOrigins is the list of origins allowed by CORS
	CORSAllowedOrigins []string `mapstructure:"cors_allowed_origins" json:"cors_allowed_origins"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config
type SystemConfig struct {
	// NATS are the NATS related config parameters
	NATS NATSConfig `mapstructure:"nats" json:"nats" validate:"required"`
	// Store are the atomic store parameters
	Store StoreConfig `mapstructure:"store" json:"store" validate:"required"`
	// Session are the session manager parameters
	Session SessionConfig `mapstructure:"session" json:"session" validate:"required"`
	// Watch are the watch coordinator parameters
	Watch WatchConfig `mapstructure:"watch" json:"watch" validate:"required"`
	// Channels are the channel bus parameters
	Channels ChannelsConfig `mapstructure:"channels" json:"channels" validate:"required"`
	// Token are the channel token parameters
	Token TokenConfig `mapstructure:"token" json:"token" validate:"required"`
	// Providers are the resource provider parameters
	Providers ProvidersConfig `mapstructure:"providers" json:"providers" validate:"required"`
	// API are the push API server configs
	API APIConfig `mapstructure:"api" json:"api" validate:"required"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default NATS settings
	viper.SetDefault("nats.server_uri", "nats://127.0.0.1:4222")
	viper.SetDefault("nats.connect_timeout_sec", 30)
	viper.SetDefault("nats.reconnect.max_attempts", -1)
	viper.SetDefault("nats.reconnect.wait_interval_sec", 15)

	// Default store settings
	viper.SetDefault("store.backend", "etcd")
	viper.SetDefault("store.key_prefix", "docwatch/")
	viper.SetDefault("store.request_timeout_sec", 5)
	viper.SetDefault("store.etcd.endpoints", []string{"127.0.0.1:2379"})
	viper.SetDefault("store.etcd.dial_timeout_sec", 5)
	viper.SetDefault("store.memory.sweep_interval_ms", 500)

	// Default coordination settings
	viper.SetDefault("session.handshake_ttl_sec", 300)
	viper.SetDefault("session.dm_ttl_sec", 18000)
	viper.SetDefault("session.cleanup_timeout_sec", 10)
	viper.SetDefault("watch.watcher_ttl_sec", 14400)
	viper.SetDefault("watch.expiry_workers", 2)
	viper.SetDefault("watch.expiry_claim_ttl_sec", 60)
	viper.SetDefault("channels.max_need_watch_per_channel", 5)
	viper.SetDefault("channels.sample_factor", 20)
	viper.SetDefault("channels.subject", "docwatch.channels")
	viper.SetDefault("channels.connection_buffer", 64)
	viper.SetDefault("token.issuer", "docwatch")
	viper.SetDefault("token.ttl_sec", 21600)

	// Default provider settings
	viper.SetDefault("providers.gdrive.enabled", false)
	viper.SetDefault("providers.gdrive.watch_duration_sec", 14400)

	// Default API server settings
	viper.SetDefault("api.path_prefix", "/")
	viper.SetDefault("api.cors_allowed_origins", []string{"*"})
	viper.SetDefault("api.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("api.api_server.server_config.listen_port", 3000)
	viper.SetDefault("api.api_server.server_config.read_timeout_sec", 60)
	viper.SetDefault("api.api_server.server_config.write_timeout_sec", 0)
	viper.SetDefault("api.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"api.api_server.logging_config.request_id_header", "Docwatch-Request-ID",
	)
	viper.SetDefault(
		"api.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)
}
