package nectar

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestThrottleCeilingFloor(t *testing.T) {
	low := int64(100)
	th := newThrottle(&low, 1024) // 2*bufferSize=2048 > maxSpeed
	assert.Equal(t, int64(2048), th.ceiling())
}

func TestThrottleCeilingNormal(t *testing.T) {
	speed := int64(100_000)
	th := newThrottle(&speed, 1024)
	assert.Equal(t, speed-2*1024, th.ceiling())
}

func TestThrottleSleepsWhenOverCeiling(t *testing.T) {
	speed := int64(2048) // tiny, floor dominates -> ceiling = 2*512=1024
	th := newThrottle(&speed, 512)

	start := time.Now()
	th.OnChunk(2000) // exceeds ceiling immediately
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 400*time.Millisecond)
}

func TestThrottleUnthrottledIsNoop(t *testing.T) {
	th := newThrottle(nil, 512)
	start := time.Now()
	th.OnChunk(10_000_000)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}
