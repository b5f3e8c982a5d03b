package spacedrep

import (
	"math"
	"time"
)

// Ladder defines the fixed interval schedule in days. Stage 0 is the
// first review after an item is scheduled.
var Ladder = []int{1, 3, 7, 14, 30}

// Ease factor bounds.
const (
	DefaultEaseFactor = 2.5
	MinEaseFactor     = 1.3
)

// Review quality grades.
const (
	QualityFast      = 5
	QualitySlow      = 4
	QualityIncorrect = 2
)

// LapseIntervalDays is the interval after an incorrect outcome.
const LapseIntervalDays = 1

// Config tunes the scheduler.
type Config struct {
	// FastResponse separates fast from slow correct answers.
	FastResponse time.Duration `koanf:"fast_response"`
	// TokenHistory bounds the idempotency tokens kept per item.
	TokenHistory int `koanf:"token_history"`
}

// DefaultConfig returns the default scheduler settings.
func DefaultConfig() Config {
	return Config{
		FastResponse: 10 * time.Second,
		TokenHistory: 32,
	}
}

// Quality grades an outcome from correctness and response time.
func Quality(correct bool, responseTime, fast time.Duration) int {
	switch {
	case !correct:
		return QualityIncorrect
	case responseTime <= fast:
		return QualityFast
	default:
		return QualitySlow
	}
}

// NextEase applies the SM-2 ease update and clamps at MinEaseFactor.
func NextEase(ef float64, quality int) float64 {
	d := float64(5 - quality)
	ef += 0.1 - d*(0.08+d*0.02)
	return math.Max(ef, MinEaseFactor)
}

// advance computes the next stage, interval and ease of an item after an
// outcome graded q. Correct answers climb the ladder; past its end the
// interval grows by the ease factor. Incorrect answers drop back to the
// first rung with a one-day interval.
func advance(stage, intervalDays int, ef float64, q int) (int, int, float64) {
	if q < QualitySlow {
		return 0, LapseIntervalDays, NextEase(ef, q)
	}
	stage++
	if stage < len(Ladder) {
		return stage, Ladder[stage], ef
	}
	ef = NextEase(ef, q)
	next := int(math.Round(float64(intervalDays) * ef))
	if next <= intervalDays {
		next = intervalDays + 1
	}
	return stage, next, ef
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}
