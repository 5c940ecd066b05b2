// Package token mints and verifies the short-lived chat tokens that let a
// traveler open a conversation socket from a shared trip link.
package token

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/golang-jwt/jwt/v5"

	"github.com/voyagedesk/voyagedesk/internal/platform/id"
)

var (
	// ErrInvalid indicates a token that fails signature, structure, or
	// claim checks.
	ErrInvalid = errors.New("chat token is invalid")
	// ErrExpired indicates a structurally valid token past its expiry.
	ErrExpired = errors.New("chat token is expired")
)

// Environment variable names for chat token configuration.
const (
	EnvIssuer     = "VOYAGEDESK_CHAT_TOKEN_ISSUER"
	EnvAudience   = "VOYAGEDESK_CHAT_TOKEN_AUDIENCE"
	EnvPrivateKey = "VOYAGEDESK_CHAT_TOKEN_PRIVATE_KEY"
	EnvPublicKey  = "VOYAGEDESK_CHAT_TOKEN_PUBLIC_KEY"
	EnvTTL        = "VOYAGEDESK_CHAT_TOKEN_TTL"
)

// tokenEnv holds raw env values before post-parse validation.
type tokenEnv struct {
	Issuer     string        `env:"VOYAGEDESK_CHAT_TOKEN_ISSUER"`
	Audience   string        `env:"VOYAGEDESK_CHAT_TOKEN_AUDIENCE"`
	PrivateKey string        `env:"VOYAGEDESK_CHAT_TOKEN_PRIVATE_KEY"`
	PublicKey  string        `env:"VOYAGEDESK_CHAT_TOKEN_PUBLIC_KEY"`
	TTL        time.Duration `env:"VOYAGEDESK_CHAT_TOKEN_TTL" envDefault:"1h"`
}

// Config defines how chat tokens are minted and verified. PrivateKey may be
// nil on verify-only deployments.
type Config struct {
	Issuer     string
	Audience   string
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
	TTL        time.Duration
	Now        func() time.Time
}

// Claims captures the validated identity a chat token grants.
type Claims struct {
	TripID         string
	ClientID       string
	ClientName     string
	ConversationID string
	OrgID          string
	ExpiresAt      time.Time
	JWTID          string
}

// tokenClaims is the internal claims type used for JWT parsing.
type tokenClaims struct {
	jwt.RegisteredClaims
	TripID         string `json:"trip_id"`
	ClientID       string `json:"client_id"`
	ClientName     string `json:"client_name"`
	ConversationID string `json:"conversation_id"`
	OrgID          string `json:"org_id"`
}

// LoadConfigFromEnv reads chat token configuration from the environment.
func LoadConfigFromEnv(now func() time.Time) (Config, error) {
	var raw tokenEnv
	if err := env.Parse(&raw); err != nil {
		return Config{}, fmt.Errorf("parse chat token env: %w", err)
	}
	issuer := strings.TrimSpace(raw.Issuer)
	audience := strings.TrimSpace(raw.Audience)
	publicKey := strings.TrimSpace(raw.PublicKey)
	if issuer == "" {
		return Config{}, fmt.Errorf("VOYAGEDESK_CHAT_TOKEN_ISSUER is required")
	}
	if audience == "" {
		return Config{}, fmt.Errorf("VOYAGEDESK_CHAT_TOKEN_AUDIENCE is required")
	}
	if publicKey == "" {
		return Config{}, fmt.Errorf("VOYAGEDESK_CHAT_TOKEN_PUBLIC_KEY is required")
	}
	publicBytes, err := decodeBase64(publicKey)
	if err != nil {
		return Config{}, fmt.Errorf("decode chat token public key: %w", err)
	}
	if len(publicBytes) != ed25519.PublicKeySize {
		return Config{}, fmt.Errorf("chat token public key must be %d bytes", ed25519.PublicKeySize)
	}
	cfg := Config{
		Issuer:    issuer,
		Audience:  audience,
		PublicKey: ed25519.PublicKey(publicBytes),
		TTL:       raw.TTL,
	}
	if privateKey := strings.TrimSpace(raw.PrivateKey); privateKey != "" {
		privateBytes, err := decodeBase64(privateKey)
		if err != nil {
			return Config{}, fmt.Errorf("decode chat token private key: %w", err)
		}
		if len(privateBytes) != ed25519.PrivateKeySize {
			return Config{}, fmt.Errorf("chat token private key must be %d bytes", ed25519.PrivateKeySize)
		}
		cfg.PrivateKey = ed25519.PrivateKey(privateBytes)
	}
	if now == nil {
		now = time.Now
	}
	cfg.Now = now
	return cfg, nil
}

// Mint signs a chat token for the given claims. TTL comes from the config;
// the jti is a fresh id.
func Mint(claims Claims, cfg Config) (string, error) {
	if len(cfg.PrivateKey) != ed25519.PrivateKeySize {
		return "", errors.New("chat token signer is not configured")
	}
	if cfg.Issuer == "" || cfg.Audience == "" {
		return "", errors.New("chat token issuer and audience are required")
	}
	if strings.TrimSpace(claims.TripID) == "" {
		return "", errors.New("trip id is required")
	}
	if strings.TrimSpace(claims.ClientID) == "" {
		return "", errors.New("client id is required")
	}
	if strings.TrimSpace(claims.ConversationID) == "" {
		return "", errors.New("conversation id is required")
	}
	if strings.TrimSpace(claims.OrgID) == "" {
		return "", errors.New("org id is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}

	jti, err := id.NewID()
	if err != nil {
		return "", fmt.Errorf("generate chat token id: %w", err)
	}
	now := cfg.Now().UTC()
	signed := jwt.NewWithClaims(jwt.SigningMethodEdDSA, tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.Issuer,
			Audience:  jwt.ClaimStrings{cfg.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        jti,
		},
		TripID:         claims.TripID,
		ClientID:       claims.ClientID,
		ClientName:     claims.ClientName,
		ConversationID: claims.ConversationID,
		OrgID:          claims.OrgID,
	})
	token, err := signed.SignedString(cfg.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("sign chat token: %w", err)
	}
	return token, nil
}

// Validate verifies a chat token and returns the identity it grants.
func Validate(token string, cfg Config) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, fmt.Errorf("%w: token is required", ErrInvalid)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Issuer == "" || cfg.Audience == "" || len(cfg.PublicKey) != ed25519.PublicKeySize {
		return Claims{}, errors.New("chat token verifier is not configured")
	}

	var parsed tokenClaims
	_, err := jwt.ParseWithClaims(token, &parsed, func(token *jwt.Token) (any, error) {
		return cfg.PublicKey, nil
	},
		jwt.WithValidMethods([]string{"EdDSA"}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return Claims{}, mapJWTError(err)
	}

	if parsed.Issuer == "" || parsed.Issuer != cfg.Issuer {
		return Claims{}, fmt.Errorf("%w: issuer mismatch", ErrInvalid)
	}
	if !audienceContains(parsed.Audience, cfg.Audience) {
		return Claims{}, fmt.Errorf("%w: audience mismatch", ErrInvalid)
	}
	if parsed.ID == "" {
		return Claims{}, fmt.Errorf("%w: jti is required", ErrInvalid)
	}
	if parsed.ExpiresAt == nil {
		return Claims{}, fmt.Errorf("%w: exp is required", ErrInvalid)
	}

	now := cfg.Now().UTC()
	exp := parsed.ExpiresAt.Time.UTC()
	if !exp.After(now) {
		return Claims{}, ErrExpired
	}
	if parsed.NotBefore != nil && now.Before(parsed.NotBefore.Time.UTC()) {
		return Claims{}, fmt.Errorf("%w: token not active yet", ErrInvalid)
	}

	if strings.TrimSpace(parsed.TripID) == "" {
		return Claims{}, fmt.Errorf("%w: trip_id is required", ErrInvalid)
	}
	if strings.TrimSpace(parsed.ClientID) == "" {
		return Claims{}, fmt.Errorf("%w: client_id is required", ErrInvalid)
	}
	if strings.TrimSpace(parsed.ConversationID) == "" {
		return Claims{}, fmt.Errorf("%w: conversation_id is required", ErrInvalid)
	}
	if strings.TrimSpace(parsed.OrgID) == "" {
		return Claims{}, fmt.Errorf("%w: org_id is required", ErrInvalid)
	}

	return Claims{
		TripID:         parsed.TripID,
		ClientID:       parsed.ClientID,
		ClientName:     parsed.ClientName,
		ConversationID: parsed.ConversationID,
		OrgID:          parsed.OrgID,
		ExpiresAt:      exp,
		JWTID:          parsed.ID,
	}, nil
}

// mapJWTError translates jwt library errors to package sentinels.
func mapJWTError(err error) error {
	if errors.Is(err, jwt.ErrTokenSignatureInvalid) || errors.Is(err, jwt.ErrEd25519Verification) {
		return fmt.Errorf("%w: signature is invalid", ErrInvalid)
	}
	if errors.Is(err, jwt.ErrTokenUnverifiable) {
		return fmt.Errorf("%w: alg is invalid", ErrInvalid)
	}
	return fmt.Errorf("%w: %v", ErrInvalid, err)
}

// audienceContains reports whether the audience list contains the given value.
func audienceContains(aud jwt.ClaimStrings, value string) bool {
	for _, item := range aud {
		if item == value {
			return true
		}
	}
	return false
}

func decodeBase64(value string) ([]byte, error) {
	if value == "" {
		return nil, errors.New("empty base64 value")
	}
	decoded, err := base64.RawStdEncoding.DecodeString(value)
	if err == nil {
		return decoded, nil
	}
	return base64.StdEncoding.DecodeString(value)
}
