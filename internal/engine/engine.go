// Package engine wires the adaptive-learning components together: editor
// events flow through the collector and classifier into the hint
// controller, and mistakes flow through the aggregator into the review
// scheduler.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/abhisek/codecoach/internal/hints"
	"github.com/abhisek/codecoach/internal/mistakes"
	"github.com/abhisek/codecoach/internal/notify"
	"github.com/abhisek/codecoach/internal/signal"
	"github.com/abhisek/codecoach/internal/spacedrep"
	"github.com/abhisek/codecoach/internal/store"
	"github.com/abhisek/codecoach/internal/struggle"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("engine: closed")

// ErrUnknownDocument is returned for hint requests on documents that are
// not open.
var ErrUnknownDocument = errors.New("engine: unknown document")

// Config gathers the settings of every component.
type Config struct {
	Signal    signal.Config    `koanf:"signal"`
	Struggle  struggle.Config  `koanf:"struggle"`
	Hints     hints.Config     `koanf:"hints"`
	Mistakes  mistakes.Config  `koanf:"mistakes"`
	Scheduler spacedrep.Config `koanf:"scheduler"`

	// Workers run classifier-triggered hint requests.
	Workers   int `koanf:"workers"`
	QueueSize int `koanf:"queue_size"`
}

// DefaultConfig returns the default settings of every component.
func DefaultConfig() Config {
	return Config{
		Signal:    signal.DefaultConfig(),
		Struggle:  struggle.DefaultConfig(),
		Hints:     hints.DefaultConfig(),
		Mistakes:  mistakes.DefaultConfig(),
		Scheduler: spacedrep.DefaultConfig(),
		Workers:   2,
		QueueSize: 32,
	}
}

// HintResult is delivered to the OnHint callback for every hint the
// classifier triggered.
type HintResult struct {
	DocumentID string
	ContextKey string
	Signal     *struggle.Signal
	Hint       *hints.Hint
	Err        error
}

// HintRequest is an explicit request from the editor host.
type HintRequest struct {
	DocumentID string
	ContextKey string        // defaults to DocumentID
	Trigger    hints.Trigger // defaults to manual
	Code       string        // overrides the last content seen
	ErrorKind  string        // overrides the last diagnostic seen
}

type document struct {
	userID   string
	language string
	contexts map[string]struct{}
}

// contextState is the latest code and diagnostic seen for a context.
type contextState struct {
	documentID string
	code       string
	errorKind  string
}

type hintJob struct {
	ctx context.Context
	sig *struggle.Signal
}

// Option configures an Engine.
type Option func(*options)

type options struct {
	events    store.EventRepo
	publisher notify.Publisher
	cache     hints.Cache
	fallback  *hints.FallbackLibrary
	now       func() time.Time
	onHint    func(HintResult)
}

// WithEventRepo records hints, mistakes and reviews as events.
func WithEventRepo(repo store.EventRepo) Option {
	return func(o *options) { o.events = repo }
}

// WithPublisher announces qualified patterns and due reviews.
func WithPublisher(p notify.Publisher) Option {
	return func(o *options) { o.publisher = p }
}

// WithHintCache replaces the in-memory hint cache.
func WithHintCache(c hints.Cache) Option {
	return func(o *options) { o.cache = c }
}

// WithFallback replaces the default fallback hint library.
func WithFallback(lib *hints.FallbackLibrary) Option {
	return func(o *options) { o.fallback = lib }
}

// WithClock overrides time.Now in every component.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// OnHint receives classifier-triggered hints.
func OnHint(fn func(HintResult)) Option {
	return func(o *options) { o.onHint = fn }
}

// Engine is the facade used by the editor host and quiz delivery.
type Engine struct {
	collector  *signal.Collector
	classifier *struggle.Classifier
	hints      *hints.Controller
	mistakes   *mistakes.Aggregator
	scheduler  *spacedrep.Scheduler

	repo      store.Repo
	events    store.EventRepo
	publisher notify.Publisher
	logger    *zap.Logger
	now       func() time.Time
	onHint    func(HintResult)

	mu       sync.Mutex
	docs     map[string]*document
	contexts map[string]*contextState
	closed   bool // no more queued signals
	done     bool

	jobs   chan hintJob
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New builds an engine persisting to repo. gen may be nil, in which case
// hints come from the cache and fallback library only.
func New(repo store.Repo, gen hints.Generator, cfg Config, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.publisher == nil {
		o.publisher = notify.Nop{}
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		repo:      repo,
		events:    o.events,
		publisher: o.publisher,
		logger:    logger,
		now:       o.now,
		onHint:    o.onHint,
		docs:      make(map[string]*document),
		contexts:  make(map[string]*contextState),
		jobs:      make(chan hintJob, cfg.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
	}

	e.classifier = struggle.NewClassifier(cfg.Struggle, logger.Named("struggle"))
	e.collector = signal.NewCollector(cfg.Signal, logger.Named("signal"),
		signal.WithClock(o.now),
		signal.WithSink(e.observe))

	hintOpts := []hints.Option{hints.WithClock(o.now)}
	if o.cache != nil {
		hintOpts = append(hintOpts, hints.WithCache(o.cache))
	}
	if o.fallback != nil {
		hintOpts = append(hintOpts, hints.WithFallback(o.fallback))
	}
	if o.events != nil {
		hintOpts = append(hintOpts, hints.WithEventRepo(o.events))
	}
	e.hints = hints.NewController(gen, cfg.Hints, logger.Named("hints"), hintOpts...)

	schedOpts := []spacedrep.Option{spacedrep.WithClock(o.now)}
	aggOpts := []mistakes.Option{mistakes.WithClock(o.now), mistakes.WithNotifier(mistakes.NotifierFunc(e.patternQualified))}
	if o.events != nil {
		schedOpts = append(schedOpts, spacedrep.WithEventRepo(o.events))
		aggOpts = append(aggOpts, mistakes.WithEventRepo(o.events))
	}
	e.scheduler = spacedrep.NewScheduler(repo, cfg.Scheduler, logger.Named("scheduler"), schedOpts...)
	e.mistakes = mistakes.NewAggregator(repo, cfg.Mistakes, logger.Named("mistakes"), aggOpts...)

	for i := 0; i < cfg.Workers; i++ {
		e.wg.Add(1)
		go e.processLoop()
	}
	return e
}

// Hints exposes the hint controller.
func (e *Engine) Hints() *hints.Controller { return e.hints }

// Scheduler exposes the review scheduler.
func (e *Engine) Scheduler() *spacedrep.Scheduler { return e.scheduler }

// Mistakes exposes the mistake aggregator.
func (e *Engine) Mistakes() *mistakes.Aggregator { return e.mistakes }

// OpenDocument starts tracking a document edited by userID.
func (e *Engine) OpenDocument(documentID, userID, language string) {
	e.mu.Lock()
	if d, ok := e.docs[documentID]; ok {
		d.userID, d.language = userID, language
	} else {
		e.docs[documentID] = &document{userID: userID, language: language, contexts: make(map[string]struct{})}
	}
	e.mu.Unlock()
	e.collector.OpenDocument(documentID, language)
}

// CloseDocument stops tracking a document and cancels hint work on its
// contexts.
func (e *Engine) CloseDocument(documentID string) {
	e.collector.CloseDocument(documentID)
	e.classifier.Forget(documentID)

	e.mu.Lock()
	d, ok := e.docs[documentID]
	delete(e.docs, documentID)
	var keys []string
	if ok {
		for key := range d.contexts {
			keys = append(keys, key)
			delete(e.contexts, key)
		}
	}
	e.mu.Unlock()

	for _, key := range keys {
		e.hints.Cancel(key)
	}
}

// Ingest accepts a raw editor event. It never blocks on hint generation:
// classifier signals are queued for the worker pool.
func (e *Engine) Ingest(raw signal.RawEvent) (signal.EditorEvent, bool) {
	e.remember(raw)
	return e.collector.Ingest(raw)
}

// remember keeps the latest code and diagnostic of the event's context.
func (e *Engine) remember(raw signal.RawEvent) {
	kind := signal.Kind(raw.Kind)
	if !kind.Valid() {
		return
	}
	key := raw.ContextKey
	if key == "" {
		key = raw.DocumentID
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.docs[raw.DocumentID]
	if !ok {
		return
	}
	d.contexts[key] = struct{}{}
	cs, ok := e.contexts[key]
	if !ok {
		cs = &contextState{documentID: raw.DocumentID}
		e.contexts[key] = cs
	}
	if raw.Content != "" {
		cs.code = raw.Content
	}
	switch kind {
	case signal.KindDiagnosticRaised:
		if raw.Diagnostic != nil {
			cs.errorKind = raw.Diagnostic.Code
		}
	case signal.KindDiagnosticCleared:
		cs.errorKind = ""
	}
}

// observe is the collector sink.
func (e *Engine) observe(ev signal.EditorEvent) {
	if sig := e.classifier.Observe(ev); sig != nil {
		e.dispatch(sig)
	}
}

// Tick lets idle documents produce pause signals.
func (e *Engine) Tick(now time.Time) int {
	sigs := e.classifier.Tick(now)
	for _, sig := range sigs {
		e.dispatch(sig)
	}
	return len(sigs)
}

// dispatch queues an automatic hint request. A full queue drops the
// signal; the next one for the context will retry.
func (e *Engine) dispatch(sig *struggle.Signal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	select {
	case e.jobs <- hintJob{ctx: e.ctx, sig: sig}:
	default:
		e.logger.Warn("hint queue full, dropping struggle signal",
			zap.String("context_key", sig.ContextKey))
	}
}

func (e *Engine) processLoop() {
	defer e.wg.Done()
	for job := range e.jobs {
		res := HintResult{DocumentID: job.sig.DocumentID, ContextKey: job.sig.ContextKey, Signal: job.sig}
		req, err := e.buildRequest(HintRequest{
			DocumentID: job.sig.DocumentID,
			ContextKey: job.sig.ContextKey,
			Trigger:    hints.TriggerAuto,
		}, job.sig.Reasons)
		if err != nil {
			res.Err = err
		} else {
			res.Hint, res.Err = e.hints.RequestHint(job.ctx, req)
		}
		if res.Err != nil {
			e.logger.Debug("automatic hint failed",
				zap.String("context_key", res.ContextKey), zap.Error(res.Err))
		}
		if e.onHint != nil && (res.Hint != nil || res.Err != nil) {
			e.onHint(res)
		}
	}
}

// RequestHint serves an explicit request from the editor host.
func (e *Engine) RequestHint(ctx context.Context, r HintRequest) (*hints.Hint, error) {
	e.mu.Lock()
	done := e.done
	e.mu.Unlock()
	if done {
		return nil, ErrClosed
	}
	if r.Trigger == "" {
		r.Trigger = hints.TriggerManual
	}
	var reasons []struggle.Reason
	if r.Trigger == hints.TriggerManual {
		key := r.ContextKey
		if key == "" {
			key = r.DocumentID
		}
		reasons = e.classifier.Manual(r.DocumentID, key, e.now()).Reasons
	}
	req, err := e.buildRequest(r, reasons)
	if err != nil {
		return nil, err
	}
	return e.hints.RequestHint(ctx, req)
}

func (e *Engine) buildRequest(r HintRequest, reasons []struggle.Reason) (hints.Request, error) {
	key := r.ContextKey
	if key == "" {
		key = r.DocumentID
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.docs[r.DocumentID]
	if !ok {
		return hints.Request{}, fmt.Errorf("%w: %s", ErrUnknownDocument, r.DocumentID)
	}
	req := hints.Request{
		ContextKey: key,
		UserID:     d.userID,
		Language:   d.language,
		Code:       r.Code,
		ErrorKind:  r.ErrorKind,
		Trigger:    r.Trigger,
		Reasons:    reasons,
	}
	if cs, ok := e.contexts[key]; ok {
		if req.Code == "" {
			req.Code = cs.code
		}
		if req.ErrorKind == "" {
			req.ErrorKind = cs.errorKind
		}
	}
	if r.Code != "" {
		d.contexts[key] = struct{}{}
		cs, ok := e.contexts[key]
		if !ok {
			cs = &contextState{documentID: r.DocumentID}
			e.contexts[key] = cs
		}
		cs.code = r.Code
	}
	return req, nil
}

// Sweep ends hint episodes idle past their cooldown.
func (e *Engine) Sweep(now time.Time) int {
	return e.hints.Sweep(now)
}

// RecordMistake stores a mistake and reclusters the user's patterns.
func (e *Engine) RecordMistake(ctx context.Context, ev mistakes.Event) (*mistakes.Record, error) {
	return e.mistakes.RecordMistake(ctx, ev)
}

// PatternsNeedingReinforcement returns the user's qualifying patterns.
func (e *Engine) PatternsNeedingReinforcement(ctx context.Context, userID string) ([]mistakes.Pattern, error) {
	return e.mistakes.PatternsNeedingReinforcement(ctx, userID)
}

// patternQualified schedules a pattern the first time it qualifies.
func (e *Engine) patternQualified(ctx context.Context, p mistakes.Pattern) error {
	item, err := e.scheduler.Schedule(ctx, spacedrep.Schedulable{
		Key:       p.PatternKey,
		Kind:      spacedrep.KindPattern,
		UserID:    p.UserID,
		Severity:  p.Severity,
		CreatedAt: e.now(),
	})
	if err != nil {
		return fmt.Errorf("schedule pattern: %w", err)
	}
	e.logger.Info("pattern scheduled for review",
		zap.String("user_id", p.UserID),
		zap.String("pattern_key", p.PatternKey),
		zap.Time("due_at", item.DueAt))
	if err := e.publisher.PatternQualified(ctx, p); err != nil {
		e.logger.Warn("failed to publish pattern", zap.String("pattern_key", p.PatternKey), zap.Error(err))
	}
	return nil
}

// Schedule adds a mistake or pattern to the user's review queue.
func (e *Engine) Schedule(ctx context.Context, s spacedrep.Schedulable) (*spacedrep.ReviewItem, error) {
	return e.scheduler.Schedule(ctx, s)
}

// DueNow returns the user's reviews due at asOf.
func (e *Engine) DueNow(ctx context.Context, userID string, asOf time.Time) ([]*spacedrep.ReviewItem, error) {
	return e.scheduler.DueNow(ctx, userID, asOf)
}

// RecordOutcome advances a review item and mirrors the new state onto
// the mistake records it covers.
func (e *Engine) RecordOutcome(ctx context.Context, o spacedrep.Outcome) (*spacedrep.ReviewItem, error) {
	item, err := e.scheduler.RecordOutcome(ctx, o)
	if err != nil {
		return nil, err
	}

	ids := []string{item.Key}
	if item.Kind == spacedrep.KindPattern {
		p, ok, err := e.mistakes.Pattern(ctx, item.UserID, item.Key)
		if err != nil {
			e.logger.Warn("review not mirrored to pattern",
				zap.String("user_id", item.UserID), zap.String("pattern_key", item.Key), zap.Error(err))
			return item, nil
		}
		if !ok {
			return item, nil
		}
		ids = p.MemberMistakeIDs
	}
	upd := mistakes.ReviewUpdate{
		ReviewCount:  item.ReviewCount,
		EaseFactor:   item.EaseFactor,
		NextReviewAt: item.DueAt,
	}
	for _, id := range ids {
		if err := e.mistakes.ApplyReview(ctx, item.UserID, id, upd); err != nil {
			e.logger.Debug("review not mirrored to mistake", zap.String("mistake_id", id), zap.Error(err))
		}
	}
	return item, nil
}

// Disable stops reviews of a pattern or mistake for good.
func (e *Engine) Disable(ctx context.Context, userID, key string) (*spacedrep.ReviewItem, error) {
	return e.scheduler.Disable(ctx, userID, key)
}

// PublishDue announces every review due at asOf and returns how many were
// published.
func (e *Engine) PublishDue(ctx context.Context, userID string, asOf time.Time) (int, error) {
	due, err := e.scheduler.DueNow(ctx, userID, asOf)
	if err != nil {
		return 0, err
	}
	for i, it := range due {
		if err := e.publisher.ReviewDue(ctx, it); err != nil {
			return i, err
		}
	}
	return len(due), nil
}

// EraseUser deletes every mistake, review item, event and pending write
// of the user.
func (e *Engine) EraseUser(ctx context.Context, userID string) (int, error) {
	e.hints.ForgetUser(userID)
	e.scheduler.Forget(userID)
	if err := e.mistakes.Forget(ctx, userID); err != nil {
		return 0, err
	}
	n, err := e.repo.DeleteOwner(ctx, userID)
	if err != nil {
		return n, fmt.Errorf("erase records: %w", err)
	}
	if e.events != nil {
		m, err := e.events.DeleteOwnerEvents(ctx, userID)
		n += m
		if err != nil {
			return n, fmt.Errorf("erase events: %w", err)
		}
	}
	e.logger.Info("user data erased", zap.String("user_id", userID), zap.Int("removed", n))
	return n, nil
}

// Flush retries writes queued while the store was unavailable and
// returns how many are still pending.
func (e *Engine) Flush(ctx context.Context) (int, error) {
	m, merr := e.mistakes.Flush(ctx)
	s, serr := e.scheduler.Flush(ctx)
	return m + s, errors.Join(merr, serr)
}

// Drain stops accepting struggle signals and waits for queued automatic
// hints to finish. Explicit requests keep working until Close.
func (e *Engine) Drain() {
	e.stopIntake()
	e.wg.Wait()
}

func (e *Engine) stopIntake() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.jobs)
	}
}

// Close stops the worker pool, cancelling in-flight automatic hints.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.done {
		e.mu.Unlock()
		return
	}
	e.done = true
	e.mu.Unlock()

	e.stopIntake()
	e.cancel()
	e.wg.Wait()
	e.mistakes.Close()
}
