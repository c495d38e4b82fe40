package memory

import (
	"context"
	"sync"

	"device-trust-service/internal/bucketing"
)

// StripedLocker guards devices with a fixed pool of mutexes chosen by
// murmur3 stripe. Two devices may share a stripe; one device never maps to
// two stripes.
type StripedLocker struct {
	buckets *bucketing.BucketingManager
	stripes []chan struct{}
}

func NewStripedLocker(buckets *bucketing.BucketingManager) *StripedLocker {
	stripes := make([]chan struct{}, buckets.LockStripes())
	for i := range stripes {
		stripes[i] = make(chan struct{}, 1)
	}
	return &StripedLocker{buckets: buckets, stripes: stripes}
}

func (l *StripedLocker) Lock(ctx context.Context, deviceID string) (func(), error) {
	stripe := l.stripes[l.buckets.LockStripe(deviceID)]
	select {
	case stripe <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() { once.Do(func() { <-stripe }) }, nil
}
