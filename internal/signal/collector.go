// Package signal normalizes raw editor input into a typed event stream and
// keeps a short rolling window of recent events per open document.
package signal

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/abhisek/codecoach/internal/codeshape"
)

// Config controls the rolling window kept per document.
type Config struct {
	WindowSize    int           `koanf:"window_size"`
	WindowHorizon time.Duration `koanf:"window_horizon"`
}

// DefaultConfig returns the default collector settings.
func DefaultConfig() Config {
	return Config{
		WindowSize:    512,
		WindowHorizon: 10 * time.Second,
	}
}

// hardCapFactor bounds the window when a burst exceeds WindowSize within
// the horizon.
const hardCapFactor = 4

// Sink receives every accepted event, in order.
type Sink func(EditorEvent)

// Option configures a Collector.
type Option func(*Collector)

// WithClock overrides the time source used to stamp events.
func WithClock(now func() time.Time) Option {
	return func(c *Collector) { c.now = now }
}

// WithSink forwards accepted events to sink.
func WithSink(sink Sink) Option {
	return func(c *Collector) { c.sink = sink }
}

type document struct {
	language string
	events   []EditorEvent
}

// Collector validates raw events for open documents.
type Collector struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
	sink   Sink

	mu   sync.Mutex
	docs map[string]*document
}

// NewCollector creates a collector. A nil logger disables logging.
func NewCollector(cfg Config, logger *zap.Logger, opts ...Option) *Collector {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultConfig().WindowSize
	}
	if cfg.WindowHorizon <= 0 {
		cfg.WindowHorizon = DefaultConfig().WindowHorizon
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		docs:   make(map[string]*document),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OpenDocument starts accepting events for documentID.
func (c *Collector) OpenDocument(documentID, language string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.docs[documentID]; ok {
		d.language = language
		return
	}
	c.docs[documentID] = &document{language: language}
}

// CloseDocument stops accepting events for documentID and drops its window.
func (c *Collector) CloseDocument(documentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.docs, documentID)
}

// IsOpen reports whether documentID is currently tracked.
func (c *Collector) IsOpen(documentID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.docs[documentID]
	return ok
}

// Language returns the language registered for an open document.
func (c *Collector) Language(documentID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.docs[documentID]; ok {
		return d.language
	}
	return ""
}

// Ingest validates raw and returns the normalized event. The second return
// is false when the event was dropped; drops are logged at debug level.
func (c *Collector) Ingest(raw RawEvent) (EditorEvent, bool) {
	kind := Kind(raw.Kind)
	if !kind.Valid() {
		c.logger.Debug("dropping event with unknown kind", zap.String("kind", raw.Kind))
		return EditorEvent{}, false
	}
	if raw.DocumentID == "" {
		c.logger.Debug("dropping event without document")
		return EditorEvent{}, false
	}
	if raw.Span != nil && (raw.Span.Start < 0 || raw.Span.End < raw.Span.Start) {
		c.logger.Debug("dropping event with invalid span",
			zap.String("document", raw.DocumentID),
			zap.Int("start", raw.Span.Start),
			zap.Int("end", raw.Span.End))
		return EditorEvent{}, false
	}
	if kind == KindDiagnosticRaised && (raw.Diagnostic == nil || raw.Diagnostic.Code == "") {
		c.logger.Debug("dropping diagnostic without code", zap.String("document", raw.DocumentID))
		return EditorEvent{}, false
	}

	c.mu.Lock()
	doc, ok := c.docs[raw.DocumentID]
	if !ok {
		c.mu.Unlock()
		c.logger.Debug("dropping event for unknown document", zap.String("document", raw.DocumentID))
		return EditorEvent{}, false
	}

	ev := EditorEvent{
		Timestamp:   raw.Timestamp,
		Kind:        kind,
		DocumentID:  raw.DocumentID,
		ContextKey:  raw.ContextKey,
		Diagnostic:  raw.Diagnostic,
		ContentHash: raw.ContentHash,
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = c.now()
	}
	if ev.ContextKey == "" {
		ev.ContextKey = raw.DocumentID
	}
	if raw.Span != nil {
		ev.Span = *raw.Span
	}
	if raw.Content != "" {
		ev.ContentHash = codeshape.Hash(doc.language, raw.Content)
	}

	doc.events = append(doc.events, ev)
	c.trim(doc, ev.Timestamp)
	sink := c.sink
	c.mu.Unlock()

	if sink != nil {
		sink(ev)
	}
	return ev, true
}

// trim evicts events beyond the window size that are also older than the
// horizon. Events inside the horizon are kept up to a hard cap.
func (c *Collector) trim(doc *document, now time.Time) {
	cutoff := now.Add(-c.cfg.WindowHorizon)
	drop := 0
	for drop < len(doc.events) && len(doc.events)-drop > c.cfg.WindowSize {
		if !doc.events[drop].Timestamp.Before(cutoff) && len(doc.events)-drop <= c.cfg.WindowSize*hardCapFactor {
			break
		}
		drop++
	}
	if drop > 0 {
		doc.events = append(doc.events[:0:0], doc.events[drop:]...)
	}
}

// Window returns a copy of the retained events for documentID.
func (c *Collector) Window(documentID string) []EditorEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	doc, ok := c.docs[documentID]
	if !ok {
		return nil
	}
	out := make([]EditorEvent, len(doc.events))
	copy(out, doc.events)
	return out
}
