package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"device-trust-service/internal/audit"
	"device-trust-service/internal/config"
	"device-trust-service/internal/models"
	"device-trust-service/internal/repository"
	"device-trust-service/internal/util"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultTokenTTL    = 5 * time.Minute
	defaultTokenIssuer = "device-trust-service"
	minTokenSecretLen  = 32
)

// MaxAmountForScore is the per-transaction ceiling, in minor units, for a
// security score.
func MaxAmountForScore(score int) int64 {
	switch {
	case score >= 90:
		return 1_000_000
	case score >= 80:
		return 500_000
	case score >= 70:
		return 200_000
	case score >= 60:
		return 100_000
	}
	return 0
}

// TokenService issues and checks single-use transaction tokens.
type TokenService struct {
	devices         *DeviceService
	registry        repository.TokenRegistry
	recorder        *audit.Recorder
	logger          *zap.Logger
	secret          []byte
	issuer          string
	ttl             time.Duration
	expiryThreshold time.Duration
	now             func() time.Time
}

func NewTokenService(
	cfg config.TokenConfig,
	devices *DeviceService,
	registry repository.TokenRegistry,
	recorder *audit.Recorder,
	logger *zap.Logger,
) (*TokenService, error) {
	if len(cfg.Secret) < minTokenSecretLen {
		return nil, fmt.Errorf("%w: token secret must be at least %d bytes", ErrInvalidInput, minTokenSecretLen)
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	issuer := cfg.Issuer
	if issuer == "" {
		issuer = defaultTokenIssuer
	}
	return &TokenService{
		devices:         devices,
		registry:        registry,
		recorder:        recorder,
		logger:          logger,
		secret:          []byte(cfg.Secret),
		issuer:          issuer,
		ttl:             ttl,
		expiryThreshold: cfg.ExpiryThreshold,
		now:             time.Now,
	}, nil
}

// GenerateToken signs a token bound to the device and the health check that
// justified it.
func (s *TokenService) GenerateToken(ctx context.Context, deviceID string, hc *models.HealthCheck) (*models.TransactionToken, error) {
	if hc == nil {
		return nil, fmt.Errorf("%w: health check is required", ErrInvalidInput)
	}
	if hc.DeviceID != deviceID {
		return nil, fmt.Errorf("%w: health check belongs to another device", ErrInvalidInput)
	}
	if hc.SecurityScore < TransactionScoreThreshold {
		return nil, fmt.Errorf("%w: %d", ErrScoreTooLow, hc.SecurityScore)
	}
	device, err := s.devices.Get(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if device.Status != models.DeviceStatusActive {
		return nil, fmt.Errorf("%w: device is %s", ErrDeviceNotActive, device.Status)
	}

	now := s.now().UTC().Truncate(time.Second)
	expiresAt := now.Add(s.ttl)
	claims := &models.TransactionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Issuer:    s.issuer,
			Subject:   deviceID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		HealthCheckID: hc.ID,
		SecurityScore: hc.SecurityScore,
		DeviceStatus:  device.Status,
		MaxAmount:     MaxAmountForScore(hc.SecurityScore),
		Nonce:         uuid.New().String(),
		TokenType:     models.TokenTypeTransaction,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}

	s.recorder.Success(ctx, models.OpTokenIssued, deviceID, deviceID,
		fmt.Sprintf("jti=%s score=%d max_amount=%d", claims.ID, claims.SecurityScore, claims.MaxAmount))
	s.logger.Info("Transaction token issued",
		util.DeviceID(deviceID),
		util.String("jti", claims.ID),
		util.Int("security_score", hc.SecurityScore),
	)

	return &models.TransactionToken{
		Token:         signed,
		ExpiresAt:     expiresAt,
		ExpiresIn:     int64(s.ttl / time.Second),
		HealthCheckID: hc.ID,
		SecurityScore: hc.SecurityScore,
		MaxAmount:     claims.MaxAmount,
	}, nil
}

// VerifyToken checks signature, validity window, subject, type and the
// single-use registry. A registry that cannot be read rejects the token.
func (s *TokenService) VerifyToken(ctx context.Context, tokenString, deviceID string) (*models.TransactionClaims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}

	claims := &models.TransactionClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims,
		func(*jwt.Token) (interface{}, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims.Subject != deviceID {
		return nil, ErrTokenDeviceMismatch
	}
	if claims.TokenType != models.TokenTypeTransaction {
		return nil, ErrInvalidTokenType
	}
	if claims.ID == "" {
		return nil, fmt.Errorf("%w: missing jti", ErrInvalidToken)
	}

	used, err := s.registry.IsUsed(ctx, claims.ID)
	if err != nil {
		s.logger.Error("Token registry read failed", util.String("jti", claims.ID), util.ErrorField(err))
		return nil, fmt.Errorf("%w: %v", ErrTokenRegistry, err)
	}
	if used {
		return nil, ErrTokenAlreadyUsed
	}
	return claims, nil
}

// MarkTokenUsed records single use for the rest of the token's lifetime.
// Losing the race to another caller is ErrTokenAlreadyUsed; a registry
// outage is only logged.
func (s *TokenService) MarkTokenUsed(ctx context.Context, claims *models.TransactionClaims, transactionID string) error {
	now := s.now().UTC()
	ttl := claims.RemainingLifetime(now)
	if ttl <= 0 {
		ttl = time.Second
	}
	usage := &models.TokenUsage{
		DeviceID:      claims.Subject,
		UsedAt:        now,
		TransactionID: transactionID,
	}

	won, err := s.registry.MarkUsed(ctx, claims.ID, usage, ttl)
	if err != nil {
		s.logger.Warn("Failed to record token usage",
			util.String("jti", claims.ID), util.String("transaction_id", transactionID), util.ErrorField(err))
		return nil
	}
	if !won {
		return ErrTokenAlreadyUsed
	}
	s.logger.Debug("Token marked used", util.String("jti", claims.ID), util.String("transaction_id", transactionID))
	return nil
}

// ExpiringSoon reports whether the token's remaining lifetime is within the
// configured threshold.
func (s *TokenService) ExpiringSoon(claims *models.TransactionClaims) bool {
	if s.expiryThreshold <= 0 {
		return false
	}
	return claims.RemainingLifetime(s.now()) <= s.expiryThreshold
}
