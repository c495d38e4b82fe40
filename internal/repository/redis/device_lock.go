package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"device-trust-service/internal/client"
	"device-trust-service/internal/config"
	"device-trust-service/internal/repository"
	"device-trust-service/internal/util"
)

const deviceLockPrefix = "device_lock:"

// releaseScript deletes the lock only if the caller still owns it.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0`

// DeviceLocker is a SETNX lease lock shared by all replicas. The TTL bounds
// how long a crashed holder can block a device.
type DeviceLocker struct {
	client     *client.RedisClient
	ttl        time.Duration
	retryDelay time.Duration
	maxWait    time.Duration
}

func NewDeviceLocker(client *client.RedisClient, cfg config.LockConfig) *DeviceLocker {
	return &DeviceLocker{
		client:     client,
		ttl:        cfg.TTL,
		retryDelay: cfg.RetryDelay,
		maxWait:    cfg.MaxWait,
	}
}

func (l *DeviceLocker) Lock(ctx context.Context, deviceID string) (func(), error) {
	key := deviceLockPrefix + deviceID
	owner := uuid.New().String()
	deadline := time.Now().Add(l.maxWait)

	for {
		ok, err := l.client.SetNX(ctx, key, owner, l.ttl)
		if err != nil {
			return nil, fmt.Errorf("failed to acquire device lock: %w", err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return nil, repository.ErrLockTimeout
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.retryDelay):
		}
	}

	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := l.client.Eval(releaseCtx, releaseScript, []string{key}, owner); err != nil {
			util.Warn("Failed to release device lock, waiting for TTL",
				util.DeviceID(deviceID), util.ErrorField(err))
		}
	}, nil
}
