package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_MonotoneAndCapped(t *testing.T) {
	lo, hi := time.Second, 60*time.Second
	prev := time.Duration(0)
	for n := 0; n <= 10; n++ {
		d := Backoff(n, lo, hi)
		if d < prev {
			t.Fatalf("Backoff(%d)=%v < Backoff(%d)=%v", n, d, n-1, prev)
		}
		if d > hi {
			t.Fatalf("Backoff(%d)=%v exceeds max %v", n, d, hi)
		}
		prev = d
	}
	assert.Equal(t, lo, Backoff(0, lo, hi))
	assert.Equal(t, 2*time.Second, Backoff(1, lo, hi))
	assert.Equal(t, 32*time.Second, Backoff(5, lo, hi))
	assert.Equal(t, hi, Backoff(6, lo, hi))
	assert.Equal(t, hi, Backoff(100, lo, hi))
	assert.Equal(t, lo, Backoff(-1, lo, hi))
}

func TestBackoff_ShiftStopsAtSix(t *testing.T) {
	lo, hi := time.Millisecond, time.Hour
	assert.Equal(t, 64*time.Millisecond, Backoff(6, lo, hi))
	assert.Equal(t, 64*time.Millisecond, Backoff(7, lo, hi))
}

func TestUpdateEMA_SeedsThenBlends(t *testing.T) {
	v := UpdateEMA(nil, 120, 0.3)
	if *v != 120 {
		t.Fatalf("seed: got %v, want 120", *v)
	}
	v = UpdateEMA(v, 20, 0.3)
	assert.InDelta(t, 0.3*20+0.7*120, *v, 1e-9)
}

func TestConfigWithDefaults(t *testing.T) {
	c := Config{MinBackoff: 10 * time.Second, MaxBackoff: time.Second, Alpha: 1.5}.withDefaults()
	assert.Equal(t, DefaultInterval, c.Interval)
	assert.Equal(t, 10*time.Second, c.MaxBackoff)
	assert.Equal(t, DefaultAlpha, c.Alpha)
	assert.Equal(t, DefaultWorkers, c.Workers)
	assert.Equal(t, DefaultYield, c.Yield)
	assert.True(t, c.has(CheckTCP))
	assert.True(t, c.has(CheckURL))

	c = Config{Checks: []Check{CheckTCP}, Yield: -1}.withDefaults()
	assert.False(t, c.has(CheckURL))
	assert.Zero(t, c.Yield)
}
