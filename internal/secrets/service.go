// Package secrets provides age-based encryption for target secrets bundles.
// Secret values are encrypted with the age public key on the API side and
// stored as ciphertext; only the deploy worker holds the private key and
// decrypts them, just long enough to render a target's env file. Plaintext
// never rests in the database and is never transmitted through the CI
// trigger.
package secrets

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"filippo.io/age"
)

var (
	// ErrNoPublicKey is returned when no public key is configured for encryption.
	ErrNoPublicKey = errors.New("no public key configured for encryption")
	// ErrNoPrivateKey is returned when no private key is configured for decryption.
	ErrNoPrivateKey = errors.New("no private key configured for decryption")
	// ErrDecryptionFailed is returned when decryption fails.
	ErrDecryptionFailed = errors.New("decryption failed")
	// ErrEncryptionFailed is returned when encryption fails.
	ErrEncryptionFailed = errors.New("encryption failed")
	// ErrInvalidKey is returned when a key is invalid.
	ErrInvalidKey = errors.New("invalid key format")
)

// Service encrypts and decrypts secret values with an age X25519 keypair.
// The control plane side holds only the recipient (encrypt); the host side
// holds the identity (decrypt).
type Service struct {
	recipient *age.X25519Recipient
	identity  *age.X25519Identity
	logger    *slog.Logger
}

// Config holds the age keypair configuration for the secrets service.
type Config struct {
	// AgePublicKey is the age recipient for encryption. Format: age1...
	AgePublicKey string
	// AgePrivateKey is the age identity for decryption. Format: AGE-SECRET-KEY-1...
	AgePrivateKey string
}

// NewService creates a secrets service. At least one of public key (for
// encryption) or private key (for decryption) must be provided.
func NewService(cfg *Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}

	svc := &Service{logger: logger}

	if cfg.AgePublicKey != "" {
		recipient, err := age.ParseX25519Recipient(cfg.AgePublicKey)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid public key: %v", ErrInvalidKey, err)
		}
		svc.recipient = recipient
	}

	if cfg.AgePrivateKey != "" {
		identity, err := age.ParseX25519Identity(cfg.AgePrivateKey)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid private key: %v", ErrInvalidKey, err)
		}
		svc.identity = identity
	}

	if svc.recipient == nil && svc.identity == nil {
		return nil, fmt.Errorf("%w: neither public nor private key configured", ErrInvalidKey)
	}

	return svc, nil
}

// Encrypt encrypts a secret value with the configured public key.
func (s *Service) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	if s.recipient == nil {
		return nil, ErrNoPublicKey
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, s.recipient)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	return buf.Bytes(), nil
}

// Decrypt decrypts an age-encrypted secret value with the configured private
// key. Only the deployment target side is expected to hold the private key.
func (s *Service) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	if s.identity == nil {
		return nil, ErrNoPrivateKey
	}

	r, err := age.Decrypt(bytes.NewReader(ciphertext), s.identity)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	return plaintext, nil
}

// DecryptBundle decrypts every value of an encrypted secrets bundle into the
// flat key-value map loaded into the unit's environment.
func (s *Service) DecryptBundle(ctx context.Context, bundle map[string][]byte) (map[string]string, error) {
	vars := make(map[string]string, len(bundle))
	for key, ciphertext := range bundle {
		plaintext, err := s.Decrypt(ctx, ciphertext)
		if err != nil {
			return nil, fmt.Errorf("decrypting secret %q: %w", key, err)
		}
		vars[key] = string(plaintext)
	}
	return vars, nil
}

// CanEncrypt returns true if the service is configured for encryption.
func (s *Service) CanEncrypt() bool {
	return s.recipient != nil
}

// CanDecrypt returns true if the service is configured for decryption.
func (s *Service) CanDecrypt() bool {
	return s.identity != nil
}

// PublicKey returns the configured public key string, or empty if not configured.
func (s *Service) PublicKey() string {
	if s.recipient == nil {
		return ""
	}
	return s.recipient.String()
}

// GenerateKeyPair generates a new age keypair.
// Returns the public key (for encryption) and private key (for decryption).
func GenerateKeyPair() (publicKey, privateKey string, err error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return "", "", fmt.Errorf("generating age key pair: %w", err)
	}
	return identity.Recipient().String(), identity.String(), nil
}
