// Package struggle turns the editor event stream into struggle signals by
// fusing independent behavioral detectors.
package struggle

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/abhisek/codecoach/internal/signal"
)

const instrumentationName = "github.com/abhisek/codecoach/internal/struggle"

// Config holds detector thresholds and emission rules.
type Config struct {
	PauseThreshold     time.Duration `koanf:"pause_threshold"`
	DeleteWindow       time.Duration `koanf:"delete_window"`
	DeleteThreshold    int           `koanf:"delete_threshold"`
	RepeatThreshold    int           `koanf:"repeat_threshold"`
	RepeatIncrement    float64       `koanf:"repeat_increment"`
	CircularConfidence float64       `koanf:"circular_confidence"`
	TriggerThreshold   float64       `koanf:"trigger_threshold"`
	Cooldown           time.Duration `koanf:"cooldown"`
	HistorySize        int           `koanf:"history_size"` // Content hashes remembered per document
}

// DefaultConfig returns the default classifier settings.
func DefaultConfig() Config {
	return Config{
		PauseThreshold:     30 * time.Second,
		DeleteWindow:       10 * time.Second,
		DeleteThreshold:    5,
		RepeatThreshold:    3,
		RepeatIncrement:    0.1,
		CircularConfidence: 0.6,
		TriggerThreshold:   0.5,
		Cooldown:           60 * time.Second,
		HistorySize:        256,
	}
}

type docState struct {
	lastEditAt  time.Time
	lastContext string
	deletes     []time.Time
	hashes      map[string]struct{}
	hashOrder   []string
	lastHash    string
	errorCounts map[string]int // contextKey + "\x00" + code
}

// Classifier keeps per-document state and emits signals.
type Classifier struct {
	cfg       Config
	detectors []Detector
	logger    *zap.Logger

	mu       sync.Mutex
	docs     map[string]*docState
	lastEmit map[string]time.Time // by context key

	meter         metric.Meter
	signalCounter metric.Int64Counter
}

// NewClassifier creates a classifier with the default detectors.
func NewClassifier(cfg Config, logger *zap.Logger) *Classifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Classifier{
		cfg:       cfg,
		detectors: DefaultDetectors(cfg),
		logger:    logger,
		docs:      make(map[string]*docState),
		lastEmit:  make(map[string]time.Time),
		meter:     otel.Meter(instrumentationName),
	}
	c.initMetrics()
	return c
}

func (c *Classifier) initMetrics() {
	var err error
	c.signalCounter, err = c.meter.Int64Counter(
		"codecoach.struggle.signals_total",
		metric.WithDescription("Total number of struggle signals emitted"),
		metric.WithUnit("{signal}"),
	)
	if err != nil {
		c.logger.Warn("failed to create signal counter", zap.Error(err))
	}
}

func (c *Classifier) state(documentID string) *docState {
	st, ok := c.docs[documentID]
	if !ok {
		st = &docState{
			hashes:      make(map[string]struct{}),
			errorCounts: make(map[string]int),
		}
		c.docs[documentID] = st
	}
	return st
}

// Observe folds ev into the document's state and returns a signal when the
// fused confidence crosses the trigger threshold outside the cooldown.
func (c *Classifier) Observe(ev signal.EditorEvent) *Signal {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.state(ev.DocumentID)
	in := &Input{
		Now:        ev.Timestamp,
		Event:      &ev,
		LastEditAt: st.lastEditAt,
	}

	switch ev.Kind {
	case signal.KindDelete:
		st.deletes = append(st.deletes, ev.Timestamp)
		st.deletes = pruneBefore(st.deletes, ev.Timestamp.Add(-c.cfg.DeleteWindow))
	case signal.KindDiagnosticRaised:
		if ev.Diagnostic == nil {
			break
		}
		key := ev.ContextKey + "\x00" + ev.Diagnostic.Code
		st.errorCounts[key]++
		in.ErrorCount = st.errorCounts[key]
	case signal.KindRevert:
		in.Reverted = true
	}
	in.Deletes = st.deletes

	if ev.ContentHash != "" && ev.ContentHash != st.lastHash {
		if _, seen := st.hashes[ev.ContentHash]; seen {
			in.Reverted = true
		}
		c.remember(st, ev.ContentHash)
	}

	sig := c.evaluate(in, ev.DocumentID, ev.ContextKey)

	if ev.Kind.IsEdit() {
		st.lastEditAt = ev.Timestamp
	}
	st.lastContext = ev.ContextKey
	return sig
}

// Tick evaluates idle documents so a learner who stopped typing still
// produces pause signals.
func (c *Classifier) Tick(now time.Time) []*Signal {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(c.docs))
	for id := range c.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []*Signal
	for _, id := range ids {
		st := c.docs[id]
		if st.lastEditAt.IsZero() || st.lastContext == "" {
			continue
		}
		in := &Input{
			Now:        now,
			LastEditAt: st.lastEditAt,
			Deletes:    st.deletes,
		}
		if sig := c.evaluate(in, id, st.lastContext); sig != nil {
			out = append(out, sig)
		}
	}
	return out
}

// Manual builds the signal for an explicit hint request. It does not touch
// classifier state or cooldowns.
func (c *Classifier) Manual(documentID, contextKey string, now time.Time) *Signal {
	c.count(ReasonManual)
	return &Signal{
		Timestamp:  now,
		DocumentID: documentID,
		ContextKey: contextKey,
		Confidence: 1,
		Reasons:    []Reason{ReasonManual},
	}
}

// Forget drops all state for documentID.
func (c *Classifier) Forget(documentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.docs, documentID)
}

func (c *Classifier) remember(st *docState, hash string) {
	st.lastHash = hash
	if _, ok := st.hashes[hash]; ok {
		return
	}
	st.hashes[hash] = struct{}{}
	st.hashOrder = append(st.hashOrder, hash)
	if c.cfg.HistorySize > 0 && len(st.hashOrder) > c.cfg.HistorySize {
		oldest := st.hashOrder[0]
		st.hashOrder = st.hashOrder[1:]
		delete(st.hashes, oldest)
	}
}

type scored struct {
	reason Reason
	conf   float64
}

// evaluate runs all detectors, fuses by max and applies the trigger
// threshold and per-context cooldown. Caller holds c.mu.
func (c *Classifier) evaluate(in *Input, documentID, contextKey string) *Signal {
	var fired []scored
	fused := 0.0
	for _, d := range c.detectors {
		conf := d.Detect(in)
		if conf <= 0 {
			continue
		}
		fired = append(fired, scored{d.Reason(), conf})
		if conf > fused {
			fused = conf
		}
	}
	if fused < c.cfg.TriggerThreshold {
		return nil
	}
	if last, ok := c.lastEmit[contextKey]; ok && in.Now.Sub(last) < c.cfg.Cooldown {
		c.logger.Debug("struggle signal suppressed by cooldown",
			zap.String("context", contextKey),
			zap.Float64("confidence", fused))
		return nil
	}
	c.lastEmit[contextKey] = in.Now

	sort.SliceStable(fired, func(i, j int) bool { return fired[i].conf > fired[j].conf })
	reasons := make([]Reason, len(fired))
	for i, f := range fired {
		reasons[i] = f.reason
		c.count(f.reason)
	}

	return &Signal{
		Timestamp:  in.Now,
		DocumentID: documentID,
		ContextKey: contextKey,
		Confidence: fused,
		Reasons:    reasons,
	}
}

func (c *Classifier) count(r Reason) {
	if c.signalCounter != nil {
		c.signalCounter.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("reason", string(r))))
	}
}

func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	return ts[i:]
}
