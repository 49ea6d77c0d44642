// Package config loads and validates the gateway/adapter's configuration
// (spec.md §6's exhaustive field list) from a YAML file with environment
// variable expansion, merging in defaults for anything left unset.
package config

import "time"

// Config is the fully resolved, validated configuration for one process
// (Client Gateway and/or Exchange Adapter — both binaries load the same
// file and only read the sections relevant to their role).
type Config struct {
	// ListenAddress is the Client Gateway's HTTP/WebSocket bind address.
	ListenAddress string `yaml:"listen_address"`

	// Upstream holds the exchange's spot/futures endpoints.
	Upstream UpstreamConfig `yaml:"upstream_endpoints"`

	// DBConnection is a libpq-style connection string.
	DBConnection string `yaml:"db_connection"`

	// APIKey is the exchange-issued API key sent as X-MBX-APIKEY on signed calls.
	APIKey string `yaml:"api_key"`

	// PrivateKeyMaterial is PEM-encoded key bytes (or a raw HMAC secret),
	// used to sign authenticated REST/WS calls.
	PrivateKeyMaterial string `yaml:"private_key_material"`

	// PrivateKeyPassphrase decrypts PrivateKeyMaterial if it's an
	// encrypted PEM block. Empty for unencrypted keys and HMAC secrets.
	PrivateKeyPassphrase string `yaml:"private_key_passphrase,omitempty"`

	// SignatureType selects the signing algorithm: HMAC_SHA256, RSA_SHA256,
	// or ED25519. The lower-case forms hmac, rsa and ed25519 are rejected
	// by validation.
	SignatureType string `yaml:"signature_type"`

	// SnapshotInterval is how often the account user-stream re-fetches a
	// full REST snapshot (default 300s).
	SnapshotInterval time.Duration `yaml:"snapshot_interval,omitempty"`

	// ReconcileWindowMS is the Exchange Adapter's subscription-change
	// coalescing window in milliseconds (default 250).
	ReconcileWindowMS int `yaml:"reconcile_window_ms,omitempty"`

	// SessionOutboundCapacity bounds each client session's outbound frame
	// queue (default 1024).
	SessionOutboundCapacity int `yaml:"session_outbound_capacity,omitempty"`

	// SlowConsumerGraceMS is how long a session's outbound queue may stay
	// full before the session is closed with SLOW_CONSUMER (default 5000).
	SlowConsumerGraceMS int `yaml:"slow_consumer_grace_ms,omitempty"`

	// PingIntervalS is the client heartbeat ping interval (default 20).
	PingIntervalS int `yaml:"ping_interval_s,omitempty"`

	// PingTimeoutS is how long a session waits for a pong before it's
	// considered dead (default 60).
	PingTimeoutS int `yaml:"ping_timeout_s,omitempty"`

	// TaskWorkerCount is the Exchange Adapter's task-queue worker pool
	// size (default = CPU count).
	TaskWorkerCount int `yaml:"task_worker_count,omitempty"`

	// TaskMaxAttempts bounds retries before a task is marked terminally
	// FAILED (default 3).
	TaskMaxAttempts int `yaml:"task_max_attempts,omitempty"`

	configPath string
}

// UpstreamConfig holds the two market families' base REST/WS URLs.
type UpstreamConfig struct {
	SpotREST       string `yaml:"spot_rest"`
	SpotWS         string `yaml:"spot_ws"`
	FuturesREST    string `yaml:"futures_rest"`
	FuturesWS      string `yaml:"futures_ws"`
}

// ConfigPath returns the file this Config was loaded from.
func (c *Config) ConfigPath() string {
	return c.configPath
}
