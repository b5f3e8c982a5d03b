// Package notify announces qualified mistake patterns and due reviews to
// quiz-delivery collaborators over NATS.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/abhisek/codecoach/internal/mistakes"
	"github.com/abhisek/codecoach/internal/spacedrep"
)

// DefaultSubjectPrefix is the root of every published subject.
const DefaultSubjectPrefix = "codecoach"

// Publisher announces learning events.
type Publisher interface {
	PatternQualified(ctx context.Context, p mistakes.Pattern) error
	ReviewDue(ctx context.Context, item *spacedrep.ReviewItem) error
}

// PatternMessage is published when a pattern first needs reinforcement.
type PatternMessage struct {
	UserID     string    `json:"user_id"`
	PatternKey string    `json:"pattern_key"`
	Language   string    `json:"language"`
	ErrorKind  string    `json:"error_kind"`
	Frequency  int       `json:"frequency"`
	Severity   float64   `json:"severity"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// DueMessage is published for a review item that is due.
type DueMessage struct {
	UserID       string    `json:"user_id"`
	Key          string    `json:"key"`
	Kind         string    `json:"kind"`
	DueAt        time.Time `json:"due_at"`
	IntervalDays int       `json:"interval_days"`
	Severity     float64   `json:"severity"`
}

// Config holds NATS connection settings.
type Config struct {
	URL           string        `koanf:"url"`
	SubjectPrefix string        `koanf:"subject_prefix"`
	MaxReconnects int           `koanf:"max_reconnects"`
	ReconnectWait time.Duration `koanf:"reconnect_wait"`
}

// DefaultConfig returns settings for a local NATS server.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		SubjectPrefix: DefaultSubjectPrefix,
		MaxReconnects: 5,
		ReconnectWait: time.Second,
	}
}

// Connect dials the NATS server in cfg.
func Connect(cfg Config, logger *zap.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name("codecoach"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}
	logger.Info("Connected to NATS", zap.String("url", cfg.URL))
	return nc, nil
}

// NATSPublisher publishes JSON messages on per-user subjects:
//
//	{prefix}.{user}.pattern.qualified
//	{prefix}.{user}.review.due
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
	logger *zap.Logger
}

// NewNATSPublisher creates a publisher on nc.
func NewNATSPublisher(nc *nats.Conn, prefix string, logger *zap.Logger) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSPublisher{nc: nc, prefix: prefix, logger: logger}
}

// PatternSubject returns the subject for pattern notices of userID.
func (p *NATSPublisher) PatternSubject(userID string) string {
	return fmt.Sprintf("%s.%s.pattern.qualified", p.prefix, token(userID))
}

// DueSubject returns the subject for due reviews of userID.
func (p *NATSPublisher) DueSubject(userID string) string {
	return fmt.Sprintf("%s.%s.review.due", p.prefix, token(userID))
}

func (p *NATSPublisher) PatternQualified(ctx context.Context, pat mistakes.Pattern) error {
	return p.publish(ctx, p.PatternSubject(pat.UserID), PatternMessage{
		UserID:     pat.UserID,
		PatternKey: pat.PatternKey,
		Language:   pat.Language,
		ErrorKind:  pat.ErrorKind,
		Frequency:  pat.Frequency,
		Severity:   pat.Severity,
		LastSeenAt: pat.LastSeenAt,
	})
}

func (p *NATSPublisher) ReviewDue(ctx context.Context, it *spacedrep.ReviewItem) error {
	return p.publish(ctx, p.DueSubject(it.UserID), DueMessage{
		UserID:       it.UserID,
		Key:          it.Key,
		Kind:         string(it.Kind),
		DueAt:        it.DueAt,
		IntervalDays: it.IntervalDays,
		Severity:     it.Severity,
	})
}

func (p *NATSPublisher) publish(ctx context.Context, subject string, msg any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", subject, err)
	}
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	p.logger.Debug("published", zap.String("subject", subject))
	return nil
}

// SubscribeDue delivers the user's due reviews to fn until the returned
// subscription is drained.
func (p *NATSPublisher) SubscribeDue(userID string, fn func(DueMessage)) (*nats.Subscription, error) {
	return p.nc.Subscribe(p.DueSubject(userID), func(m *nats.Msg) {
		var msg DueMessage
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			p.logger.Warn("dropping malformed due message", zap.String("subject", m.Subject), zap.Error(err))
			return
		}
		fn(msg)
	})
}

// token makes s safe as a single subject token.
func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}

// Nop discards every notice.
type Nop struct{}

func (Nop) PatternQualified(context.Context, mistakes.Pattern) error { return nil }
func (Nop) ReviewDue(context.Context, *spacedrep.ReviewItem) error { return nil }
