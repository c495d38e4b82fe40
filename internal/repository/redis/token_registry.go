package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"device-trust-service/internal/client"
	"device-trust-service/internal/models"
	"device-trust-service/internal/util"
)

const usedTokenPrefix = "used_token:"

// TokenRegistry stores consumed token ids with SETNX so the first consumer
// wins across every service replica. Entries expire with the token.
type TokenRegistry struct {
	client *client.RedisClient
}

func NewTokenRegistry(client *client.RedisClient) *TokenRegistry {
	return &TokenRegistry{client: client}
}

func (r *TokenRegistry) MarkUsed(ctx context.Context, jti string, usage *models.TokenUsage, ttl time.Duration) (bool, error) {
	payload, err := json.Marshal(usage)
	if err != nil {
		return false, fmt.Errorf("failed to encode token usage: %w", err)
	}
	if ttl <= 0 {
		ttl = time.Second
	}

	won, err := r.client.SetNX(ctx, usedTokenPrefix+jti, payload, ttl)
	if err != nil {
		util.Error("Failed to mark token used", util.String("jti", jti), util.ErrorField(err))
		return false, fmt.Errorf("failed to mark token used: %w", err)
	}
	if !won {
		util.Warn("Token replay rejected", util.String("jti", jti), util.DeviceID(usage.DeviceID))
	}
	return won, nil
}

func (r *TokenRegistry) IsUsed(ctx context.Context, jti string) (bool, error) {
	used, err := r.client.Exists(ctx, usedTokenPrefix+jti)
	if err != nil {
		return false, fmt.Errorf("failed to check token usage: %w", err)
	}
	return used, nil
}
