package dedupe

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCache_BeginProcessing(t *testing.T) {
	c := NewCache()

	assert.True(t, c.BeginProcessing("msg-1"), "first claim should succeed")
	assert.False(t, c.BeginProcessing("msg-1"), "duplicate claim should be rejected")
	assert.True(t, c.BeginProcessing("msg-2"), "distinct id should claim independently")
	assert.False(t, c.BeginProcessing(""), "empty id is never claimable")
}

func TestCache_ClaimExpires(t *testing.T) {
	now := time.Now()
	c := NewCache(WithNow(func() time.Time { return now }), WithTTL(5*time.Second))

	assert.True(t, c.BeginProcessing("msg-1"))

	now = now.Add(4 * time.Second)
	assert.False(t, c.BeginProcessing("msg-1"), "claim should still hold before expiry")

	now = now.Add(2 * time.Second)
	assert.True(t, c.BeginProcessing("msg-1"), "expired claim should be reclaimable")
}

func TestCache_Forget(t *testing.T) {
	c := NewCache()

	c.BeginProcessing("msg-1")
	c.Forget("msg-1")
	assert.True(t, c.BeginProcessing("msg-1"), "forgotten id should be claimable again")
}

func TestCache_Rename(t *testing.T) {
	c := NewCache()

	c.BeginProcessing("tmp-1")
	c.Rename("tmp-1", "real-1")

	assert.False(t, c.Contains("tmp-1"))
	assert.False(t, c.BeginProcessing("real-1"), "renamed claim should still block the confirmed id")

	c.Rename("missing", "other")
	assert.False(t, c.Contains("other"), "renaming an unclaimed id is a no-op")
}

func TestCache_SweepDropsExpired(t *testing.T) {
	now := time.Now()
	c := NewCache(WithNow(func() time.Time { return now }), WithTTL(time.Second))

	for i := 0; i < sweepThreshold; i++ {
		c.BeginProcessing(fmt.Sprintf("msg-%d", i))
	}
	assert.Equal(t, sweepThreshold, c.Len())

	now = now.Add(2 * time.Second)
	c.BeginProcessing("fresh")
	assert.Equal(t, 1, c.Len(), "expired claims should be swept on insert")
}
