package mistakes

import (
	"fmt"
	"time"
)

// Event is a mistake reported by the editor host.
type Event struct {
	MistakeID string // optional; generated when empty
	UserID    string
	Timestamp time.Time // optional; stamped with the aggregator clock
	Language  string
	ErrorKind string
	Snippet   string // code around the mistake, used for the shape fingerprint
}

// Record is a persisted mistake.
type Record struct {
	MistakeID          string    `json:"mistake_id"`
	UserID             string    `json:"user_id"`
	Timestamp          time.Time `json:"timestamp"`
	Language           string    `json:"language"`
	ErrorKind          string    `json:"error_kind"`
	ContextFingerprint string    `json:"context_fingerprint"`
	Resolved           bool      `json:"resolved"`
	ReviewCount        int       `json:"review_count"`
	EaseFactor         float64   `json:"ease_factor"`
	NextReviewAt       time.Time `json:"next_review_at,omitempty"`
}

// Pattern is a cluster of records sharing a fingerprint. Patterns are
// derived from records and never stored as a source of truth.
type Pattern struct {
	PatternKey       string    `json:"pattern_key"`
	UserID           string    `json:"user_id"`
	Language         string    `json:"language"`
	ErrorKind        string    `json:"error_kind"`
	Fingerprint      string    `json:"fingerprint"`
	MemberMistakeIDs []string  `json:"member_mistake_ids"`
	Frequency        int       `json:"frequency"`
	RecentFrequency  int       `json:"recent_frequency"` // members inside the recency window
	FirstSeenAt      time.Time `json:"first_seen_at"`
	LastSeenAt       time.Time `json:"last_seen_at"`
	Severity         float64   `json:"severity"`
}

// NeedsReinforcement reports whether p has enough recent members.
func (p *Pattern) NeedsReinforcement(cfg Config) bool {
	return p.RecentFrequency >= cfg.ReinforceThreshold
}

// ValidationError reports a malformed mistake event.
type ValidationError struct {
	Field string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("mistakes: %s is required", e.Field)
}

// Config tunes clustering and reinforcement.
type Config struct {
	RecencyWindow      time.Duration `koanf:"recency_window"`
	ReinforceThreshold int           `koanf:"reinforce_threshold"`
	SeverityHalfLife   time.Duration `koanf:"severity_half_life"`
	QueueSize          int           `koanf:"queue_size"` // per-user job buffer
}

// DefaultConfig returns the default aggregator settings.
func DefaultConfig() Config {
	return Config{
		RecencyWindow:      90 * 24 * time.Hour,
		ReinforceThreshold: 3,
		SeverityHalfLife:   14 * 24 * time.Hour,
		QueueSize:          64,
	}
}
