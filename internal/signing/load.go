package signing

import (
	"log/slog"
)

// Config selects the key pair used for log signing.
type Config struct {
	Enabled        bool
	PrivateKeyPath string
	PublicKeyPath  string
}

// Load reads the configured keys once. Signing that is disabled, or whose keys
// cannot be read, yields a nil Signer and the entries stay unsigned; the
// failure is logged, never returned. The Verifier is nil when no usable public
// key is configured.
func Load(cfg Config, logger *slog.Logger) (*Signer, *Verifier) {
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.Enabled {
		return nil, nil
	}

	var signer *Signer
	if cfg.PrivateKeyPath == "" {
		logger.Error("log signing enabled without private_key_path; entries will be unsigned")
	} else if key, err := LoadPrivateKey(cfg.PrivateKeyPath); err != nil {
		logger.Error("failed to load signing key; entries will be unsigned", "path", cfg.PrivateKeyPath, "error", err)
	} else if signer, err = NewSigner(key); err != nil {
		logger.Error("unusable signing key; entries will be unsigned", "path", cfg.PrivateKeyPath, "error", err)
		signer = nil
	}

	var verifier *Verifier
	switch {
	case cfg.PublicKeyPath != "":
		pub, err := LoadPublicKey(cfg.PublicKeyPath)
		if err != nil {
			logger.Error("failed to load verification key", "path", cfg.PublicKeyPath, "error", err)
			break
		}
		if verifier, err = NewVerifier(pub); err != nil {
			logger.Error("unusable verification key", "path", cfg.PublicKeyPath, "error", err)
			verifier = nil
		}
	case signer != nil:
		verifier, _ = NewVerifier(signer.Public())
	default:
		logger.Warn("log signing enabled without public_key_path; signatures cannot be verified")
	}
	return signer, verifier
}
