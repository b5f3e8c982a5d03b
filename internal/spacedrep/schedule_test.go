package spacedrep

import (
	"testing"
	"time"
)

func TestLadder_Values(t *testing.T) {
	expected := []int{1, 3, 7, 14, 30}
	if len(Ladder) != len(expected) {
		t.Fatalf("expected %d rungs, got %d", len(expected), len(Ladder))
	}
	for i, v := range expected {
		if Ladder[i] != v {
			t.Errorf("Ladder[%d] = %d, want %d", i, Ladder[i], v)
		}
	}
}

func TestQuality(t *testing.T) {
	fast := 10 * time.Second
	tests := []struct {
		name     string
		correct  bool
		response time.Duration
		expected int
	}{
		{"fast correct", true, 3 * time.Second, QualityFast},
		{"boundary is fast", true, fast, QualityFast},
		{"slow correct", true, 20 * time.Second, QualitySlow},
		{"incorrect", false, time.Second, QualityIncorrect},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Quality(tt.correct, tt.response, fast); got != tt.expected {
				t.Errorf("Quality = %d, want %d", got, tt.expected)
			}
		})
	}
}

func TestNextEase(t *testing.T) {
	tests := []struct {
		ef       float64
		quality  int
		expected float64
	}{
		{2.5, QualityFast, 2.6},
		{2.5, QualitySlow, 2.5},
		{2.5, QualityIncorrect, 2.18},
		{1.4, QualityIncorrect, MinEaseFactor},
	}
	for _, tt := range tests {
		got := NextEase(tt.ef, tt.quality)
		if diff := got - tt.expected; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("NextEase(%v, %d) = %v, want %v", tt.ef, tt.quality, got, tt.expected)
		}
	}
}

func TestAdvance_ClimbsLadder(t *testing.T) {
	stage, interval, ef := 0, Ladder[0], DefaultEaseFactor
	for i := 1; i < len(Ladder); i++ {
		stage, interval, ef = advance(stage, interval, ef, QualityFast)
		if interval != Ladder[i] {
			t.Errorf("step %d: interval = %d, want %d", i, interval, Ladder[i])
		}
		if ef != DefaultEaseFactor {
			t.Errorf("step %d: ease changed on the ladder: %v", i, ef)
		}
	}

	// Past the ladder the interval grows by the updated ease.
	_, interval, ef = advance(stage, interval, ef, QualityFast)
	if diff := ef - 2.6; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("ease = %v, want 2.6", ef)
	}
	if interval != 78 {
		t.Errorf("interval = %d, want 78", interval)
	}
}

func TestAdvance_LapseResets(t *testing.T) {
	stage, interval, ef := advance(6, 90, 2.5, QualityIncorrect)
	if stage != 0 || interval != LapseIntervalDays {
		t.Errorf("got stage %d interval %d, want 0 and %d", stage, interval, LapseIntervalDays)
	}
	if ef >= 2.5 {
		t.Errorf("ease should drop after a lapse, got %v", ef)
	}
}

func TestAdvance_AlwaysGrows(t *testing.T) {
	_, interval, _ := advance(len(Ladder), 1, MinEaseFactor, QualitySlow)
	if interval <= 1 {
		t.Errorf("interval = %d, want > 1", interval)
	}
}

func TestReviewItem_Check(t *testing.T) {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	valid := ReviewItem{Key: "k", IntervalDays: 3, EaseFactor: DefaultEaseFactor, DueAt: at.Add(days(3))}
	if err := valid.check(at); err != nil {
		t.Fatalf("valid item rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*ReviewItem)
	}{
		{"zero interval", func(it *ReviewItem) { it.IntervalDays = 0 }},
		{"due at outcome", func(it *ReviewItem) { it.DueAt = at }},
		{"ease below floor", func(it *ReviewItem) { it.EaseFactor = 1.2 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			it := valid
			tt.mutate(&it)
			err := it.check(at)
			if _, ok := err.(*InvariantError); !ok {
				t.Errorf("check() = %v, want *InvariantError", err)
			}
		})
	}
}
