package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/evcharge/chargelink/internal/config"
	"github.com/evcharge/chargelink/pkg/crypto"
)

const issuer = "chargelink-agent"

// ErrInvalidKey is returned when an API key does not match the configured hash
var ErrInvalidKey = errors.New("invalid api key")

// JWTManager manages JWT tokens for control API clients
type JWTManager struct {
	config  *config.JWTConfig
	keyHash string
}

// NewJWTManager creates a new JWT manager. keyHash is the bcrypt hash of
// the API key clients exchange for tokens.
func NewJWTManager(cfg *config.JWTConfig, keyHash string) *JWTManager {
	return &JWTManager{
		config:  cfg,
		keyHash: keyHash,
	}
}

// Claims represents JWT claims
type Claims struct {
	jwt.RegisteredClaims
	Client string `json:"client"`
}

// Login verifies the API key and issues an access token for client
func (m *JWTManager) Login(apiKey, client string) (string, error) {
	if m.keyHash == "" || !crypto.VerifyPassword(apiKey, m.keyHash) {
		return "", ErrInvalidKey
	}
	return m.GenerateToken(client)
}

// GenerateToken generates an access token
func (m *JWTManager) GenerateToken(client string) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   client,
			ExpiresAt: jwt.NewNumericDate(now.Add(m.config.AccessTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
			ID:        uuid.New().String(),
		},
		Client: client,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(m.config.Secret))
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return signed, nil
}

// ValidateToken validates a token
func (m *JWTManager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(m.config.Secret), nil
	}, jwt.WithIssuer(issuer))

	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	return claims, nil
}
