package models

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const TokenTypeTransaction = "transaction"

// TransactionClaims are the signed contents of a transaction token.
type TransactionClaims struct {
	jwt.RegisteredClaims
	HealthCheckID string       `json:"health_check_id"`
	SecurityScore int          `json:"security_score"`
	DeviceStatus  DeviceStatus `json:"device_status"`
	MaxAmount     int64        `json:"max_amount"`
	Nonce         string       `json:"nonce"`
	TokenType     string       `json:"token_type"`
}

// RemainingLifetime is how long until exp, zero once expired.
func (c *TransactionClaims) RemainingLifetime(now time.Time) time.Duration {
	if c.ExpiresAt == nil {
		return 0
	}
	if d := c.ExpiresAt.Time.Sub(now); d > 0 {
		return d
	}
	return 0
}

type TransactionToken struct {
	Token         string    `json:"token"`
	ExpiresAt     time.Time `json:"expires_at"`
	ExpiresIn     int64     `json:"expires_in"`
	HealthCheckID string    `json:"health_check_id"`
	SecurityScore int       `json:"security_score"`
	MaxAmount     int64     `json:"max_amount"`
}

// TokenUsage is stored in the single-use registry under the token's jti.
type TokenUsage struct {
	DeviceID      string    `json:"device_id"`
	UsedAt        time.Time `json:"used_at"`
	TransactionID string    `json:"transaction_id"`
}
