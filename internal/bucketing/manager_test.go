package bucketing

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDeviceBucket_StableAndInRange(t *testing.T) {
	bm := New(16, 32)
	for i := 0; i < 500; i++ {
		id := fmt.Sprintf("device-%d", i)
		b := bm.DeviceBucket(id)
		assert.GreaterOrEqual(t, b, 0)
		assert.Less(t, b, 16)
		assert.Equal(t, b, bm.DeviceBucket(id))

		s := bm.LockStripe(id)
		assert.Less(t, s, 32)
	}
}

func TestDeviceBucket_Spreads(t *testing.T) {
	bm := New(8, 8)
	seen := map[int]bool{}
	for i := 0; i < 200; i++ {
		seen[bm.DeviceBucket(fmt.Sprintf("d%d", i))] = true
	}
	assert.Len(t, seen, 8)
}

func TestDefaultsAndDateBucket(t *testing.T) {
	bm := New(0, 0)
	assert.Equal(t, 64, bm.DeviceBuckets())
	assert.Equal(t, 256, bm.LockStripes())
	assert.Equal(t, "2026-03-01", bm.DateBucket(time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)))
}
