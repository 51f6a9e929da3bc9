package server

import (
	"crypto/subtle"
	"crypto/tls"

	"go.uber.org/zap"

	"github.com/Bldg-7/airsentry/internal/config"
)

// AuthValidator decides whether a sensor's claimed identity and password are
// acceptable. A nil validator admits every authenticated message type.
type AuthValidator func(sid, password string) bool

// StaticPasswordValidator accepts any sensor presenting the shared password.
func StaticPasswordValidator(password string) AuthValidator {
	return func(_, presented string) bool {
		return subtle.ConstantTimeCompare([]byte(password), []byte(presented)) == 1
	}
}

// LoadTLSConfig builds the listener TLS configuration, or nil when TLS is
// disabled. An unloadable cert or key downgrades to plain TCP with a
// warning rather than refusing to start.
func LoadTLSConfig(cfg config.TLSConfig, logger *zap.Logger) *tls.Config {
	if !cfg.Enabled {
		return nil
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertPath, cfg.KeyPath)
	if err != nil {
		if logger != nil {
			logger.Warn("tls keypair unavailable, falling back to plain tcp",
				zap.String("cert", cfg.CertPath),
				zap.String("key", cfg.KeyPath),
				zap.Error(err),
			)
		}
		return nil
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
}
