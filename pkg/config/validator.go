package config

import (
	"fmt"

	"github.com/quantframe/marketbus/pkg/exchange"
)

// validSignatureTypes enumerates the signing algorithms pkg/exchange.NewSigner understands.
var validSignatureTypes = map[string]bool{
	string(exchange.SignatureHMACSHA256): true,
	string(exchange.SignatureRSASHA256):  true,
	string(exchange.SignatureEd25519):    true,
}

// validate performs top-level validation on a loaded Config. It checks
// required fields and enumerated values; it does not attempt to dial the
// database or upstream endpoints (that happens at startup, not load time).
func validate(cfg *Config) error {
	if cfg.ListenAddress == "" {
		return NewValidationError("config", "", "listen_address", ErrMissingRequiredField)
	}
	if cfg.DBConnection == "" {
		return NewValidationError("config", "", "db_connection", ErrMissingRequiredField)
	}
	if cfg.Upstream.SpotREST == "" && cfg.Upstream.FuturesREST == "" {
		return NewValidationError("upstream_endpoints", "", "spot_rest/futures_rest", ErrMissingRequiredField)
	}
	if cfg.APIKey == "" {
		return NewValidationError("config", "", "api_key", ErrMissingRequiredField)
	}
	if cfg.PrivateKeyMaterial == "" {
		return NewValidationError("config", "", "private_key_material", ErrMissingRequiredField)
	}
	if !validSignatureTypes[cfg.SignatureType] {
		return NewValidationError("config", "", "signature_type",
			fmt.Errorf("%w: %q (want one of %s, %s, %s)", ErrInvalidValue, cfg.SignatureType,
				exchange.SignatureHMACSHA256, exchange.SignatureRSASHA256, exchange.SignatureEd25519))
	}
	if cfg.TaskWorkerCount < 1 {
		return NewValidationError("config", "", "task_worker_count", ErrInvalidValue)
	}
	if cfg.TaskMaxAttempts < 1 {
		return NewValidationError("config", "", "task_max_attempts", ErrInvalidValue)
	}
	return nil
}
