package config

import (
	"runtime"
	"time"

	"github.com/quantframe/marketbus/pkg/exchange"
)

// Default values applied to any field left unset in the loaded YAML.
const (
	DefaultSnapshotInterval        = 300 * time.Second
	DefaultReconcileWindowMS       = 250
	DefaultSessionOutboundCapacity = 1024
	DefaultSlowConsumerGraceMS     = 5000
	DefaultPingIntervalS           = 20
	DefaultPingTimeoutS            = 60
	DefaultTaskMaxAttempts         = 3
)

// DefaultSignatureType is the signing algorithm assumed when the config
// omits signature_type.
var DefaultSignatureType = string(exchange.SignatureHMACSHA256)

// defaultConfig returns a Config populated with every default value. It is
// merged onto the loaded YAML with mergo (fields already set by the user
// are left untouched; zero-valued fields take the default).
func defaultConfig() *Config {
	return &Config{
		SnapshotInterval:        DefaultSnapshotInterval,
		ReconcileWindowMS:       DefaultReconcileWindowMS,
		SessionOutboundCapacity: DefaultSessionOutboundCapacity,
		SlowConsumerGraceMS:     DefaultSlowConsumerGraceMS,
		PingIntervalS:           DefaultPingIntervalS,
		PingTimeoutS:            DefaultPingTimeoutS,
		TaskWorkerCount:         runtime.NumCPU(),
		TaskMaxAttempts:         DefaultTaskMaxAttempts,
		SignatureType:           DefaultSignatureType,
	}
}
