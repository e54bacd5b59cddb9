package pricefeed

import (
	"testing"
	"time"
)

func TestBackoff(t *testing.T) {
	tests := []struct {
		retry int
		want  time.Duration
	}{
		{-1, time.Second},
		{0, time.Second},
		{1, 2 * time.Second},
		{3, 8 * time.Second},
		{5, 32 * time.Second},
		{6, 60 * time.Second},
		{31, 60 * time.Second},
		{1000, 60 * time.Second},
	}
	for _, tt := range tests {
		if got := Backoff(tt.retry, 0, 0); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.retry, got, tt.want)
		}
	}

	if got := Backoff(2, 10*time.Millisecond, 25*time.Millisecond); got != 25*time.Millisecond {
		t.Errorf("custom cap not applied: %v", got)
	}
}
