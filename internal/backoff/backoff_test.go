package backoff

import (
	"math/rand"
	"testing"
	"time"
)

const s = time.Second

func TestDelayFixed(t *testing.T) {
	tests := []struct {
		name     string
		base     time.Duration
		max      time.Duration
		attempts int
		want     time.Duration
	}{
		{"base 5 max 10", 5 * s, 10 * s, 0, 5 * s},
		{"base 5 max 10 many attempts", 5 * s, 10 * s, 100, 5 * s},
		{"base exceeds max", 20 * s, 10 * s, 0, 10 * s},
		{"zero base defaults to 1s", 0, 10 * s, 0, s},
		{"negative base defaults to 1s", -5 * s, 10 * s, 0, s},
		{"zero max equals base", 5 * s, 0, 0, 5 * s},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rng := rand.New(rand.NewSource(42))
			if got := Delay(Fixed, tt.base, tt.max, tt.attempts, rng); got != tt.want {
				t.Errorf("Delay(fixed) = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestDelayLinear(t *testing.T) {
	tests := []struct {
		name     string
		attempts int
		max      time.Duration
		want     time.Duration
	}{
		{"zero attempts", 0, 100 * s, 5 * s},
		{"one attempt", 1, 100 * s, 5 * s},
		{"three attempts", 3, 100 * s, 15 * s},
		{"capped at max", 10, 20 * s, 20 * s},
		{"negative attempts treated as zero", -1, 100 * s, 5 * s},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Delay(Linear, 5*s, tt.max, tt.attempts, nil); got != tt.want {
				t.Errorf("Delay(linear) = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestDelayExponential(t *testing.T) {
	tests := []struct {
		attempts int
		max      time.Duration
		want     time.Duration
	}{
		{0, 1000 * s, 5 * s},
		{1, 1000 * s, 10 * s},
		{3, 1000 * s, 40 * s},
		{10, 50 * s, 50 * s},
		{200, 50 * s, 50 * s},
	}

	for _, tt := range tests {
		if got := Delay(Exponential, 5*s, tt.max, tt.attempts, nil); got != tt.want {
			t.Errorf("Delay(exponential, %d) = %s, want %s", tt.attempts, got, tt.want)
		}
	}
}

func TestDelayJitterBounds(t *testing.T) {
	tests := []struct {
		policy   string
		attempts int
		min, max time.Duration
	}{
		{ExpEqualJitter, 0, 2500 * time.Millisecond, 5 * s},
		{ExpEqualJitter, 2, 10 * s, 20 * s},
		{ExpFullJitter, 0, 0, 5 * s},
		{ExpFullJitter, 2, 0, 20 * s},
		{"unknown_policy", 2, 0, 20 * s},
	}

	for _, tt := range tests {
		t.Run(tt.policy, func(t *testing.T) {
			rng := rand.New(rand.NewSource(42))
			for i := 0; i < 50; i++ {
				got := Delay(tt.policy, 5*s, 1000*s, tt.attempts, rng)
				if got < tt.min || got > tt.max {
					t.Fatalf("Delay(%s) = %s, want between %s and %s", tt.policy, got, tt.min, tt.max)
				}
			}
		})
	}
}

func TestDelaySubSecond(t *testing.T) {
	got := Delay(Exponential, 10*time.Millisecond, 200*time.Millisecond, 2, nil)
	if got != 40*time.Millisecond {
		t.Fatalf("Delay = %s, want 40ms", got)
	}
}
