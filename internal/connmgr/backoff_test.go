package connmgr

import (
	"math/rand"
	"testing"
	"time"
)

func zeroJitterRand() *rand.Rand { return rand.New(rand.NewSource(1)) }

func TestComputeBackoffExponentialGrowth(t *testing.T) {
	base := 100 * time.Millisecond
	max := 10 * time.Second

	prev := time.Duration(0)
	for attempt := 0; attempt < 6; attempt++ {
		d := computeBackoff(attempt, base, max, 0, zeroJitterRand())
		if d < prev {
			t.Fatalf("attempt %d: backoff %v shrank below previous %v", attempt, d, prev)
		}
		prev = d
	}
}

func TestComputeBackoffClampsToMax(t *testing.T) {
	base := 100 * time.Millisecond
	max := 500 * time.Millisecond

	d := computeBackoff(20, base, max, 0, zeroJitterRand())
	if d != max {
		t.Fatalf("expected clamp to max %v, got %v", max, d)
	}
}

func TestComputeBackoffNeverBelowBase(t *testing.T) {
	base := 250 * time.Millisecond
	max := 10 * time.Second

	d := computeBackoff(0, base, max, 0, zeroJitterRand())
	if d != base {
		t.Fatalf("expected base %v at attempt 0, got %v", base, d)
	}
}

func TestComputeBackoffExponentCapsAtTen(t *testing.T) {
	base := 10 * time.Millisecond
	max := time.Hour

	at10 := computeBackoff(10, base, max, 0, zeroJitterRand())
	at50 := computeBackoff(50, base, max, 0, zeroJitterRand())
	if at10 != at50 {
		t.Fatalf("expected attempt 10 and 50 to produce equal backoff (exponent capped), got %v vs %v", at10, at50)
	}
}

func TestComputeBackoffJitterStaysWithinBounds(t *testing.T) {
	base := 200 * time.Millisecond
	max := 10 * time.Second
	jitter := 0.3
	rnd := rand.New(rand.NewSource(42))

	lower := time.Duration(float64(base) * (1 - jitter))
	upper := time.Duration(float64(base) * (1 + jitter))

	for i := 0; i < 50; i++ {
		d := computeBackoff(0, base, max, jitter, rnd)
		if d < lower || d > upper {
			t.Fatalf("jittered backoff %v outside [%v,%v]", d, lower, upper)
		}
	}
}

func TestComputeBackoffNeverNegative(t *testing.T) {
	d := computeBackoff(0, 10*time.Millisecond, time.Second, 1.0, rand.New(rand.NewSource(7)))
	if d < 0 {
		t.Fatalf("backoff must never be negative, got %v", d)
	}
}
