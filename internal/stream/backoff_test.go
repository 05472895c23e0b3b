package stream

import (
	"testing"
	"time"
)

func TestDelay_ExponentialWithCap(t *testing.T) {
	base := 1 * time.Second
	max := 30 * time.Second

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second}, // 32s 触顶
		{6, 30 * time.Second},
		{20, 30 * time.Second},
		{63, 30 * time.Second}, // 大 attempt 不得溢出
	}
	for _, tt := range cases {
		if got := Delay(base, max, tt.attempt); got != tt.want {
			t.Errorf("Delay(1s, 30s, %d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestDelay_CustomBase(t *testing.T) {
	if got := Delay(500*time.Millisecond, 30*time.Second, 2); got != 2*time.Second {
		t.Errorf("Delay(500ms, 30s, 2) = %v, want 2s", got)
	}
}

func TestDelay_EdgeCases(t *testing.T) {
	if got := Delay(0, 30*time.Second, 3); got != 0 {
		t.Errorf("zero base should yield 0, got %v", got)
	}
	if got := Delay(-time.Second, 30*time.Second, 3); got != 0 {
		t.Errorf("negative base should yield 0, got %v", got)
	}
	if got := Delay(time.Minute, 30*time.Second, 0); got != 30*time.Second {
		t.Errorf("base above max should clamp to max, got %v", got)
	}
	if got := Delay(time.Second, 30*time.Second, -5); got != time.Second {
		t.Errorf("negative attempt treated as 0, got %v", got)
	}
}
