package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// MemoryEventRepo is an in-process EventRepo.
type MemoryEventRepo struct {
	mu     sync.Mutex
	next   int64
	events []Event
}

// NewMemoryEventRepo creates an empty in-memory event log.
func NewMemoryEventRepo() *MemoryEventRepo {
	return &MemoryEventRepo{next: 1}
}

func (m *MemoryEventRepo) append(kind, owner string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", kind, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, Event{
		Sequence:  m.next,
		Kind:      kind,
		Owner:     owner,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	})
	m.next++
	return nil
}

func (m *MemoryEventRepo) AppendLLMRequest(_ context.Context, data LLMRequestEventData) error {
	return m.append(EventLLMRequest, "", data)
}

func (m *MemoryEventRepo) AppendHintEvent(_ context.Context, data HintEventData) error {
	return m.append(EventHint, data.UserID, data)
}

func (m *MemoryEventRepo) AppendMistakeEvent(_ context.Context, data MistakeEventData) error {
	return m.append(EventMistake, data.UserID, data)
}

func (m *MemoryEventRepo) AppendReviewEvent(_ context.Context, data ReviewEventData) error {
	return m.append(EventReview, data.UserID, data)
}

func (m *MemoryEventRepo) match(e Event, kind string, opts QueryOpts) bool {
	switch {
	case kind != "" && e.Kind != kind:
		return false
	case opts.Owner != "" && e.Owner != opts.Owner:
		return false
	case opts.After > 0 && e.Sequence <= opts.After:
		return false
	case opts.Before > 0 && e.Sequence >= opts.Before:
		return false
	case !opts.From.IsZero() && e.Timestamp.Before(opts.From):
		return false
	case !opts.To.IsZero() && e.Timestamp.After(opts.To):
		return false
	}
	return true
}

func (m *MemoryEventRepo) QueryEvents(_ context.Context, kind string, opts QueryOpts) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, e := range m.events {
		if !m.match(e, kind, opts) {
			continue
		}
		out = append(out, e)
		if opts.Limit > 0 && len(out) == opts.Limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryEventRepo) QueryLLMEvents(_ context.Context, opts QueryOpts) ([]LLMEvent, error) {
	m.mu.Lock()
	var matched []Event
	for i := len(m.events) - 1; i >= 0; i-- {
		e := m.events[i]
		if !m.match(e, EventLLMRequest, opts) {
			continue
		}
		matched = append(matched, e)
		if opts.Limit > 0 && len(matched) == opts.Limit {
			break
		}
	}
	m.mu.Unlock()
	return toLLMEvents(matched)
}

func (m *MemoryEventRepo) GetLLMEvent(_ context.Context, id int64) (*LLMEvent, error) {
	m.mu.Lock()
	var found []Event
	for _, e := range m.events {
		if e.Sequence == id && e.Kind == EventLLMRequest {
			found = append(found, e)
			break
		}
	}
	m.mu.Unlock()
	if len(found) == 0 {
		return nil, nil
	}
	out, err := toLLMEvents(found)
	if err != nil {
		return nil, err
	}
	return &out[0], nil
}

func (m *MemoryEventRepo) DeleteOwnerEvents(_ context.Context, owner string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.events[:0]
	n := 0
	for _, e := range m.events {
		if e.Owner == owner {
			n++
			continue
		}
		kept = append(kept, e)
	}
	m.events = kept
	return n, nil
}
