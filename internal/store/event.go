package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	entsql "entgo.io/ent/dialect/sql"
)

// Event kinds.
const (
	EventLLMRequest = "llm_request"
	EventHint       = "hint"
	EventMistake    = "mistake"
	EventReview     = "review"
)

// QueryOpts narrows an event query. Zero fields do not filter.
// After and Before bound the sequence exclusively; From and To bound the
// timestamp inclusively.
type QueryOpts struct {
	Limit  int
	After  int64
	Before int64
	From   time.Time
	To     time.Time
	Owner  string
}

// LLMRequestEventData describes one call to the hint generator.
type LLMRequestEventData struct {
	Provider     string  `json:"provider"`
	Model        string  `json:"model"`
	Purpose      string  `json:"purpose"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	LatencyMs    int64   `json:"latency_ms"`
	Success      bool    `json:"success"`
	ErrorMessage string  `json:"error_message,omitempty"`
	CostUSD      float64 `json:"cost_usd,omitempty"`
	RequestBody  string  `json:"request_body,omitempty"`
	ResponseBody string  `json:"response_body,omitempty"`
}

// LLMEvent is a stored LLM request event.
type LLMEvent struct {
	ID        int64
	Timestamp time.Time
	LLMRequestEventData
}

// HintEventData records a hint served to a learner.
type HintEventData struct {
	UserID     string `json:"user_id"`
	ContextKey string `json:"context_key"`
	Language   string `json:"language"`
	ErrorKind  string `json:"error_kind,omitempty"`
	Level      int    `json:"level"`
	Trigger    string `json:"trigger"`
	Source     string `json:"source"` // cache, generator, fallback, none
	Gated      bool   `json:"gated"`
}

// MistakeEventData records a reported mistake.
type MistakeEventData struct {
	UserID      string `json:"user_id"`
	MistakeID   string `json:"mistake_id"`
	Language    string `json:"language"`
	ErrorKind   string `json:"error_kind"`
	Fingerprint string `json:"fingerprint"`
}

// ReviewEventData records a review outcome.
type ReviewEventData struct {
	UserID       string  `json:"user_id"`
	Key          string  `json:"key"`
	Correct      bool    `json:"correct"`
	Quality      int     `json:"quality"`
	IntervalDays int     `json:"interval_days"`
	EaseFactor   float64 `json:"ease_factor"`
}

// Event is a stored event of any kind with its raw JSON payload.
type Event struct {
	Sequence  int64
	Kind      string
	Owner     string
	Timestamp time.Time
	Payload   json.RawMessage
}

// EventRepo is the append-only log of generator calls and learner
// activity.
type EventRepo interface {
	AppendLLMRequest(ctx context.Context, data LLMRequestEventData) error
	AppendHintEvent(ctx context.Context, data HintEventData) error
	AppendMistakeEvent(ctx context.Context, data MistakeEventData) error
	AppendReviewEvent(ctx context.Context, data ReviewEventData) error

	// QueryLLMEvents returns LLM events, most recent first.
	QueryLLMEvents(ctx context.Context, opts QueryOpts) ([]LLMEvent, error)

	// GetLLMEvent returns the LLM event with sequence id, or nil.
	GetLLMEvent(ctx context.Context, id int64) (*LLMEvent, error)

	// QueryEvents returns events of kind (all kinds when empty) in sequence order.
	QueryEvents(ctx context.Context, kind string, opts QueryOpts) ([]Event, error)

	// DeleteOwnerEvents removes every event recorded for owner.
	DeleteOwnerEvents(ctx context.Context, owner string) (int, error)
}

// The event sequence lives in a reserved records row so it survives
// deletions at the tail of the log. Sequences start at 1 and never repeat.
const (
	seqBucket = "_store"
	seqKey    = "event_sequence"
)

// sequence hands out event sequence numbers shared by every kind, so
// hints, mistakes and reviews of one learner interleave in a single order.
type sequence struct {
	mu sync.Mutex
	db *sql.DB
}

func newSequence(db *sql.DB) (*sequence, error) {
	_, err := db.Exec(fmt.Sprintf(
		`INSERT OR IGNORE INTO %s (%s, %s, %s, %s, %s, %s) VALUES (?, ?, ?, x'', 0, 0)`,
		recordsTable, colBucket, colKey, colOwner, colValue, colVersion, colUpdatedAt,
	), seqBucket, seqKey, seqBucket)
	if err != nil {
		return nil, fmt.Errorf("seed event sequence: %w", err)
	}
	return &sequence{db: db}, nil
}

func (s *sequence) next(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(
		`UPDATE %[1]s SET %[2]s = %[2]s + 1 WHERE %[3]s = ? AND %[4]s = ? RETURNING %[2]s`,
		recordsTable, colVersion, colBucket, colKey,
	), seqBucket, seqKey).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("next event sequence: %w", err)
	}
	return n, nil
}

// eventRepo implements EventRepo on the events table.
type eventRepo struct {
	db  *sql.DB
	seq *sequence
}

func (r *eventRepo) append(ctx context.Context, kind, owner string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", kind, err)
	}

	seqNum, err := r.seq.next(ctx)
	if err != nil {
		return err
	}

	query, args := builder().
		Insert(eventsTable).
		Columns(colSequence, colKind, colOwner, colPayload, colCreatedAt).
		Values(seqNum, kind, owner, payload, time.Now().UnixMilli()).
		Query()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("save %s event: %w", kind, err)
	}
	return nil
}

func (r *eventRepo) AppendLLMRequest(ctx context.Context, data LLMRequestEventData) error {
	return r.append(ctx, EventLLMRequest, "", data)
}

func (r *eventRepo) AppendHintEvent(ctx context.Context, data HintEventData) error {
	return r.append(ctx, EventHint, data.UserID, data)
}

func (r *eventRepo) AppendMistakeEvent(ctx context.Context, data MistakeEventData) error {
	return r.append(ctx, EventMistake, data.UserID, data)
}

func (r *eventRepo) AppendReviewEvent(ctx context.Context, data ReviewEventData) error {
	return r.append(ctx, EventReview, data.UserID, data)
}

func (r *eventRepo) selectEvents(kind string, opts QueryOpts, desc bool) (string, []any) {
	preds := []*entsql.Predicate{}
	if kind != "" {
		preds = append(preds, entsql.EQ(colKind, kind))
	}
	if opts.Owner != "" {
		preds = append(preds, entsql.EQ(colOwner, opts.Owner))
	}
	if opts.After > 0 {
		preds = append(preds, entsql.GT(colSequence, opts.After))
	}
	if opts.Before > 0 {
		preds = append(preds, entsql.LT(colSequence, opts.Before))
	}
	if !opts.From.IsZero() {
		preds = append(preds, entsql.GTE(colCreatedAt, opts.From.UnixMilli()))
	}
	if !opts.To.IsZero() {
		preds = append(preds, entsql.LTE(colCreatedAt, opts.To.UnixMilli()))
	}

	sel := builder().
		Select(colSequence, colKind, colOwner, colPayload, colCreatedAt).
		From(entsql.Table(eventsTable))
	if len(preds) > 0 {
		sel = sel.Where(entsql.And(preds...))
	}
	if desc {
		sel = sel.OrderBy(entsql.Desc(colSequence))
	} else {
		sel = sel.OrderBy(colSequence)
	}
	if opts.Limit > 0 {
		sel = sel.Limit(opts.Limit)
	}
	return sel.Query()
}

func (r *eventRepo) scan(ctx context.Context, query string, args []any) ([]Event, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e       Event
			payload []byte
			created int64
		)
		if err := rows.Scan(&e.Sequence, &e.Kind, &e.Owner, &payload, &created); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Payload = payload
		e.Timestamp = fromMillis(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *eventRepo) QueryEvents(ctx context.Context, kind string, opts QueryOpts) ([]Event, error) {
	query, args := r.selectEvents(kind, opts, false)
	return r.scan(ctx, query, args)
}

func (r *eventRepo) QueryLLMEvents(ctx context.Context, opts QueryOpts) ([]LLMEvent, error) {
	query, args := r.selectEvents(EventLLMRequest, opts, true)
	events, err := r.scan(ctx, query, args)
	if err != nil {
		return nil, err
	}
	return toLLMEvents(events)
}

func (r *eventRepo) GetLLMEvent(ctx context.Context, id int64) (*LLMEvent, error) {
	query, args := builder().
		Select(colSequence, colKind, colOwner, colPayload, colCreatedAt).
		From(entsql.Table(eventsTable)).
		Where(entsql.And(entsql.EQ(colSequence, id), entsql.EQ(colKind, EventLLMRequest))).
		Query()
	events, err := r.scan(ctx, query, args)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, nil
	}
	out, err := toLLMEvents(events)
	if err != nil {
		return nil, err
	}
	return &out[0], nil
}

func (r *eventRepo) DeleteOwnerEvents(ctx context.Context, owner string) (int, error) {
	query, args := builder().
		Delete(eventsTable).
		Where(entsql.EQ(colOwner, owner)).
		Query()
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete owner events: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func toLLMEvents(events []Event) ([]LLMEvent, error) {
	out := make([]LLMEvent, 0, len(events))
	for _, e := range events {
		le := LLMEvent{ID: e.Sequence, Timestamp: e.Timestamp}
		if err := json.Unmarshal(e.Payload, &le.LLMRequestEventData); err != nil {
			return nil, fmt.Errorf("decode llm event %d: %w", e.Sequence, err)
		}
		out = append(out, le)
	}
	return out, nil
}
