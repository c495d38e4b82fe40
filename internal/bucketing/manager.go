package bucketing

import (
	"hash"
	"sync"
	"time"

	"device-trust-service/internal/config"

	"github.com/spaolacci/murmur3"
)

// BucketingManager maps device ids onto fixed partition and stripe spaces.
// The mapping must never change for a deployed keyspace.
type BucketingManager struct {
	deviceBuckets int
	lockStripes   int
	hasherPool    sync.Pool
}

func NewBucketingManager(cfg *config.Config) *BucketingManager {
	return New(cfg.Bucketing.DeviceBuckets, cfg.Bucketing.LockStripes)
}

func New(deviceBuckets, lockStripes int) *BucketingManager {
	if deviceBuckets <= 0 {
		deviceBuckets = 64
	}
	if lockStripes <= 0 {
		lockStripes = 256
	}
	bm := &BucketingManager{
		deviceBuckets: deviceBuckets,
		lockStripes:   lockStripes,
	}
	bm.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}
	return bm
}

// DeviceBucket is the Scylla partition bucket of a device row.
func (bm *BucketingManager) DeviceBucket(deviceID string) int {
	return bm.getBucket(deviceID, bm.deviceBuckets)
}

// LockStripe picks the in-process mutex guarding a device.
func (bm *BucketingManager) LockStripe(deviceID string) int {
	return bm.getBucket(deviceID, bm.lockStripes)
}

// EventBucket spreads audit rows for one day across partitions.
func (bm *BucketingManager) EventBucket(key string) int {
	return bm.getBucket(key, bm.deviceBuckets)
}

// DateBucket returns the UTC day a timestamp falls in.
func (bm *BucketingManager) DateBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func (bm *BucketingManager) DeviceBuckets() int {
	return bm.deviceBuckets
}

func (bm *BucketingManager) LockStripes() int {
	return bm.lockStripes
}

func (bm *BucketingManager) getBucket(key string, numBuckets int) int {
	return int(bm.getHash(key) % uint64(numBuckets))
}

func (bm *BucketingManager) getHash(key string) uint64 {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	hasher.Write([]byte(key))
	return hasher.Sum64()
}
