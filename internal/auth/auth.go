// Package auth authenticates operators calling the control-plane API, either
// with a short-lived JWT or a long-lived API key.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// Common errors returned by the auth service.
var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrExpiredToken     = errors.New("token has expired")
	ErrInvalidAPIKey    = errors.New("invalid API key")
	ErrMissingClaims    = errors.New("missing required claims")
	ErrInvalidSignature = errors.New("invalid token signature")
)

// APIKeyPrefix identifies keys minted by this system.
const APIKeyPrefix = "smt_"

// Operator is an authenticated caller of the control-plane API.
type Operator struct {
	Name string `json:"name"`
}

// Claims are the validated contents of an operator JWT.
type Claims struct {
	Operator string    `json:"operator"`
	Exp      time.Time `json:"exp"`
}

// KeyHashStore looks up the stored bcrypt hash for an API key ID. The
// Postgres settings table backs this in production.
type KeyHashStore interface {
	GetKeyHash(ctx context.Context, keyID string) (string, error)
}

// Config holds authentication configuration.
type Config struct {
	JWTSecret   []byte
	TokenExpiry time.Duration
}

// Service validates operator JWTs and API keys.
type Service struct {
	jwtSecret   []byte
	tokenExpiry time.Duration
	keyStore    KeyHashStore
	logger      *slog.Logger
}

// NewService creates a new authentication service.
func NewService(cfg *Config, keyStore KeyHashStore, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		jwtSecret:   cfg.JWTSecret,
		tokenExpiry: cfg.TokenExpiry,
		keyStore:    keyStore,
		logger:      logger,
	}
}

// GenerateToken creates a new JWT for the named operator.
func (s *Service) GenerateToken(operator string) (string, error) {
	if operator == "" {
		return "", ErrMissingClaims
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"sub": operator,
		"iat": now.Unix(),
		"exp": now.Add(s.tokenExpiry).Unix(),
		"nbf": now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		s.logger.Error("failed to sign token", "error", err)
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// ValidateToken validates a JWT and returns its claims.
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrInvalidToken
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		if errors.Is(err, jwt.ErrSignatureInvalid) {
			return nil, ErrInvalidSignature
		}
		return nil, ErrInvalidToken
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}
	operator, ok := mapClaims["sub"].(string)
	if !ok || operator == "" {
		return nil, ErrMissingClaims
	}
	expFloat, ok := mapClaims["exp"].(float64)
	if !ok {
		return nil, ErrMissingClaims
	}

	return &Claims{
		Operator: operator,
		Exp:      time.Unix(int64(expFloat), 0),
	}, nil
}

// ValidateAPIKey checks a raw API key against the stored bcrypt hash and
// returns the operator it belongs to. Keys look like "smt_<id>.<secret>".
func (s *Service) ValidateAPIKey(ctx context.Context, apiKey string) (*Operator, error) {
	if s.keyStore == nil || !strings.HasPrefix(apiKey, APIKeyPrefix) {
		return nil, ErrInvalidAPIKey
	}

	keyID, secret, found := strings.Cut(strings.TrimPrefix(apiKey, APIKeyPrefix), ".")
	if !found || keyID == "" || secret == "" {
		return nil, ErrInvalidAPIKey
	}

	hash, err := s.keyStore.GetKeyHash(ctx, keyID)
	if err != nil {
		s.logger.Debug("API key lookup failed", "key_id", keyID, "error", err)
		return nil, ErrInvalidAPIKey
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)); err != nil {
		return nil, ErrInvalidAPIKey
	}

	return &Operator{Name: keyID}, nil
}

// GenerateAPIKey mints a new API key for the named operator, returning the
// raw key (shown once, never stored) and the bcrypt hash to store.
func GenerateAPIKey(keyID string) (raw, hash string, err error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", "", fmt.Errorf("generating random bytes: %w", err)
	}
	secret := base64.RawURLEncoding.EncodeToString(bytes)

	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("hashing key: %w", err)
	}
	return APIKeyPrefix + keyID + "." + secret, string(h), nil
}

// HashWebhookSecret is a stable digest used to compare stored webhook secrets
// without logging them.
func HashWebhookSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// ExtractBearerToken extracts the token from a Bearer authorization header.
func ExtractBearerToken(authHeader string) string {
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// SecureCompare performs a constant-time comparison of two strings.
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
