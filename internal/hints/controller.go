// Package hints implements the progressive hint state machine: one
// episode per context key, levels 1 to 4, a content-addressed cache in
// front of the generator and a local fallback when the generator fails.
package hints

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/abhisek/codecoach/internal/codeshape"
	"github.com/abhisek/codecoach/internal/llm"
	"github.com/abhisek/codecoach/internal/store"
)

const instrumentationName = "github.com/abhisek/codecoach/internal/hints"

// ErrInvariantViolation is returned when internal state is inconsistent.
// Nothing is served or cached when it occurs.
var ErrInvariantViolation = errors.New("hints: invariant violation")

// episode is the arena record behind a context key.
type episode struct {
	Context
	shingles     codeshape.Shingles
	served       int // highest level actually delivered in this episode
	lastActivity time.Time
	generation   uint64

	ctx    context.Context // cancelled when the episode ends
	cancel context.CancelFunc
}

// Option configures a Controller.
type Option func(*Controller)

// WithCache replaces the default in-memory cache.
func WithCache(cache Cache) Option {
	return func(c *Controller) { c.cache = cache }
}

// WithFallback replaces the default fallback library.
func WithFallback(lib *FallbackLibrary) Option {
	return func(c *Controller) { c.fallback = lib }
}

// WithEventRepo records every served hint.
func WithEventRepo(repo store.EventRepo) Option {
	return func(c *Controller) { c.events = repo }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// Controller owns the hint contexts.
type Controller struct {
	cfg      Config
	gen      Generator
	cache    Cache
	fallback *FallbackLibrary
	events   store.EventRepo
	logger   *zap.Logger
	now      func() time.Time

	mu       sync.Mutex
	arena    map[string]*episode
	nextGen  uint64
	history  map[string][]string // user -> recent struggle reasons
	limiters map[string]*rate.Limiter

	flight singleflight.Group

	meter          metric.Meter
	requestCounter metric.Int64Counter
	cacheHits      metric.Int64Counter
}

// NewController creates a controller. gen may be nil, in which case every
// cache miss is served from the fallback library.
func NewController(gen Generator, cfg Config, logger *zap.Logger, opts ...Option) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Controller{
		cfg:      cfg,
		gen:      gen,
		logger:   logger,
		now:      time.Now,
		arena:    make(map[string]*episode),
		history:  make(map[string][]string),
		limiters: make(map[string]*rate.Limiter),
		meter:    otel.Meter(instrumentationName),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.cache == nil {
		c.cache = NewMemoryCache(cfg.CacheSize, cfg.CacheTTL)
	}
	if c.fallback == nil {
		c.fallback = DefaultFallbackLibrary()
	}
	c.initMetrics()
	return c
}

func (c *Controller) initMetrics() {
	var err error
	c.requestCounter, err = c.meter.Int64Counter(
		"codecoach.hints.requests_total",
		metric.WithDescription("Total number of hints served, by source"),
		metric.WithUnit("{hint}"),
	)
	if err != nil {
		c.logger.Warn("failed to create hint request counter", zap.Error(err))
	}
	c.cacheHits, err = c.meter.Int64Counter(
		"codecoach.hints.cache_hits_total",
		metric.WithDescription("Total number of hint cache hits"),
		metric.WithUnit("{hit}"),
	)
	if err != nil {
		c.logger.Warn("failed to create cache hit counter", zap.Error(err))
	}
}

// snapshot is what RequestHint needs from the arena after the state
// transition, copied out so the lock is not held across I/O.
type snapshot struct {
	key        CacheKey
	generation uint64
	epCtx      context.Context
	history    []string
	code       string
}

// RequestHint resolves the context, applies the trigger and returns the
// hint for the resulting level. When the generator fails the returned
// Hint carries fallback content and err says why (ErrUpstreamTimeout,
// ErrUpstreamRejected, ErrUpstreamUnavailable or *RateLimitError).
func (c *Controller) RequestHint(ctx context.Context, req Request) (*Hint, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	snap, err := c.transition(req)
	if err != nil {
		return nil, err
	}
	level := snap.key.Level
	base := Hint{
		ContextKey: req.ContextKey,
		Level:      level,
		Episode:    snap.generation,
		CreatedAt:  c.now(),
	}

	if level == SolutionLevel && req.Trigger != TriggerShowSolution {
		base.Gated = true
		base.Source = SourceNone
		c.markServed(req.ContextKey, snap.generation, level)
		return c.finish(ctx, req, &base), nil
	}

	if e, ok, err := c.cache.Get(ctx, snap.key); err != nil {
		c.logger.Warn("hint cache read failed", zap.String("key", snap.key.String()), zap.Error(err))
	} else if ok {
		c.countHit()
		h := base
		h.fill(e, SourceCache)
		c.markServed(req.ContextKey, snap.generation, level)
		return c.finish(ctx, req, &h), nil
	}

	if c.gen == nil {
		return c.degrade(ctx, req, base, snap, nil)
	}
	if wait, ok := c.allow(req.UserID); !ok {
		return c.degrade(ctx, req, base, snap, &RateLimitError{RetryAfter: wait})
	}

	res, err := c.generateShared(ctx, req.ContextKey, snap)
	if err != nil {
		if errors.Is(err, ErrEpisodeReset) || ctx.Err() != nil {
			return nil, err
		}
		return c.degrade(ctx, req, base, snap, err)
	}

	h := base
	h.fill(res, SourceGenerator)
	if !c.markServed(req.ContextKey, snap.generation, level) {
		return nil, ErrEpisodeReset
	}
	return c.finish(ctx, req, &h), nil
}

func validate(req Request) error {
	if req.ContextKey == "" {
		return &ValidationError{Field: "context_key", Reason: "empty"}
	}
	if !req.Trigger.Valid() {
		return &ValidationError{Field: "trigger", Reason: fmt.Sprintf("unknown trigger %q", req.Trigger)}
	}
	return nil
}

// transition applies the request to the arena and returns the resolved
// cache key for the level to serve.
func (c *Controller) transition(req Request) (*snapshot, error) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	ep := c.arena[req.ContextKey]
	if ep != nil && c.idle(ep, now) {
		c.endLocked(req.ContextKey)
		ep = nil
	}

	switch req.Trigger {
	case TriggerNextLevel, TriggerShowSolution:
		if ep == nil {
			return nil, fmt.Errorf("%w: no active episode for %q", ErrInvalidContext, req.ContextKey)
		}
	case TriggerNewProblem:
		if ep != nil {
			c.endLocked(req.ContextKey)
			ep = nil
		}
	}

	if ep != nil && req.Code != "" && c.changed(ep, req) {
		c.logger.Debug("code changed materially, starting new episode",
			zap.String("context_key", req.ContextKey))
		c.endLocked(req.ContextKey)
		ep = nil
	}

	if ep == nil {
		if req.Language == "" {
			return nil, &ValidationError{Field: "language", Reason: "required to start an episode"}
		}
		ep = c.startLocked(req, now)
	} else if req.Code != "" {
		ep.CodeHash = codeshape.Hash(ep.Language, req.Code)
		ep.shingles = codeshape.ShinglesOf(ep.Language, req.Code, codeshape.DefaultShingleSize)
	}
	if req.ErrorKind != "" {
		ep.ErrorKind = req.ErrorKind
	}

	if req.Trigger == TriggerNextLevel {
		c.escalateLocked(ep, now)
	}
	if ep.Level < MinLevel || ep.Level > MaxLevel {
		c.logger.Error("hint level out of range",
			zap.String("context_key", req.ContextKey), zap.Int("level", ep.Level))
		return nil, fmt.Errorf("%w: level %d", ErrInvariantViolation, ep.Level)
	}
	ep.lastActivity = now

	history := c.rememberLocked(req)

	return &snapshot{
		key: CacheKey{
			Language:  ep.Language,
			CodeHash:  ep.CodeHash,
			ErrorKind: ep.ErrorKind,
			Level:     ep.Level,
		},
		generation: ep.generation,
		epCtx:      ep.ctx,
		history:    history,
		code:       req.Code,
	}, nil
}

func (c *Controller) startLocked(req Request, now time.Time) *episode {
	c.nextGen++
	epCtx, cancel := context.WithCancel(context.Background())
	ep := &episode{
		Context: Context{
			Key:              req.ContextKey,
			Language:         req.Language,
			CodeHash:         codeshape.Hash(req.Language, req.Code),
			ErrorKind:        req.ErrorKind,
			Level:            MinLevel,
			LevelRequestedAt: now,
		},
		shingles:     codeshape.ShinglesOf(req.Language, req.Code, codeshape.DefaultShingleSize),
		lastActivity: now,
		generation:   c.nextGen,
		ctx:          epCtx,
		cancel:       cancel,
	}
	c.arena[req.ContextKey] = ep
	return ep
}

// escalateLocked moves to the next level. A level that was never served
// is not skipped. Only manual escalation raises the level, so the
// solution level is never reached by automatic triggers.
func (c *Controller) escalateLocked(ep *episode, now time.Time) {
	if ep.served < ep.Level || ep.Level >= MaxLevel {
		return
	}
	ep.Level++
	ep.LevelRequestedAt = now
}

func (c *Controller) changed(ep *episode, req Request) bool {
	if req.Language != "" && req.Language != ep.Language {
		return true
	}
	if codeshape.Hash(ep.Language, req.Code) == ep.CodeHash {
		return false
	}
	cur := codeshape.ShinglesOf(ep.Language, req.Code, codeshape.DefaultShingleSize)
	return codeshape.Similarity(ep.shingles, cur) < c.cfg.SimilarityThreshold
}

func (c *Controller) idle(ep *episode, now time.Time) bool {
	return c.cfg.EpisodeCooldown > 0 && !now.Before(ep.lastActivity.Add(c.cfg.EpisodeCooldown))
}

func (c *Controller) endLocked(key string) {
	if ep, ok := c.arena[key]; ok {
		ep.cancel()
		delete(c.arena, key)
	}
}

func (c *Controller) rememberLocked(req Request) []string {
	if req.UserID == "" {
		return nil
	}
	h := c.history[req.UserID]
	for _, r := range req.Reasons {
		h = append(h, string(r))
	}
	if n := c.cfg.HistorySize; n > 0 && len(h) > n {
		h = h[len(h)-n:]
	}
	c.history[req.UserID] = h
	return append([]string(nil), h...)
}

// markServed records that level was delivered. It reports false when the
// episode ended in the meantime.
func (c *Controller) markServed(key string, generation uint64, level int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ep, ok := c.arena[key]
	if !ok || ep.generation != generation {
		return false
	}
	if level > ep.served {
		ep.served = level
	}
	return true
}

func (c *Controller) allow(userID string) (time.Duration, bool) {
	if c.cfg.UserRate <= 0 {
		return 0, true
	}
	c.mu.Lock()
	lim, ok := c.limiters[userID]
	if !ok {
		burst := c.cfg.UserBurst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(c.cfg.UserRate/60), burst)
		c.limiters[userID] = lim
	}
	c.mu.Unlock()

	now := c.now()
	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return time.Minute, false
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return d, false
	}
	return 0, true
}

type flightResult struct {
	key   CacheKey
	entry *Entry
}

// generateShared runs at most one generator call per episode. Flights
// are keyed by generation, so a request of a fresh episode never joins a
// call its predecessor still has running. A caller that joined a flight
// for a different level waits for it and then starts its own.
func (c *Controller) generateShared(ctx context.Context, contextKey string, snap *snapshot) (*Entry, error) {
	flightKey := contextKey + "#" + strconv.FormatUint(snap.generation, 10)
	for {
		ch := c.flight.DoChan(flightKey, func() (any, error) {
			return c.generate(contextKey, snap)
		})
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-ch:
			if res.Err != nil {
				return nil, res.Err
			}
			fr := res.Val.(*flightResult)
			if fr.key != snap.key {
				continue
			}
			return fr.entry, nil
		}
	}
}

func (c *Controller) generate(contextKey string, snap *snapshot) (*flightResult, error) {
	callCtx, cancel := context.WithTimeout(snap.epCtx, c.cfg.UpstreamTimeout)
	defer cancel()

	resp, err := c.gen.Generate(callCtx, GenerateRequest{
		Language:  snap.key.Language,
		Code:      sanitizeCode(snap.code, c.cfg.MaxContextLines, c.cfg.MaxContextBytes),
		ErrorKind: snap.key.ErrorKind,
		Level:     snap.key.Level,
		History:   snap.history,
	})
	if err != nil {
		return nil, classify(err, snap.epCtx, callCtx)
	}

	entry := &Entry{
		Content:            resp.Content,
		RelatedDocs:        resp.RelatedDocs,
		NextLevelAvailable: resp.NextLevelAvailable,
	}

	c.mu.Lock()
	ep, ok := c.arena[contextKey]
	current := ok && ep.generation == snap.generation
	c.mu.Unlock()
	if !current {
		return nil, ErrEpisodeReset
	}

	if err := c.cache.Set(snap.epCtx, snap.key, *entry); err != nil {
		c.logger.Warn("hint cache write failed", zap.String("key", snap.key.String()), zap.Error(err))
	}
	return &flightResult{key: snap.key, entry: entry}, nil
}

func classify(err error, epCtx, callCtx context.Context) error {
	if epCtx.Err() != nil {
		return ErrEpisodeReset
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
	}
	var rl *llm.ErrRateLimit
	if errors.As(err, &rl) {
		return &RateLimitError{RetryAfter: rl.RetryAfter}
	}
	if llm.IsRejected(err) {
		return fmt.Errorf("%w: %v", ErrUpstreamRejected, err)
	}
	return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
}

// degrade serves the fallback library, or the "no hint" placeholder, and
// passes cause through to the caller.
func (c *Controller) degrade(ctx context.Context, req Request, base Hint, snap *snapshot, cause error) (*Hint, error) {
	if cause != nil {
		c.logger.Info("hint generation degraded",
			zap.String("context_key", req.ContextKey),
			zap.Int("level", base.Level),
			zap.Error(cause))
	}

	h := base
	if s, ok := c.fallback.Lookup(snap.key.Language, snap.key.ErrorKind, base.Level); ok {
		h.Content = s
		h.Source = SourceFallback
		h.NextLevelAvailable = base.Level < MaxLevel
		c.markServed(req.ContextKey, snap.generation, base.Level)
	} else {
		h.Content = NoHintContent
		h.Source = SourceNone
	}
	return c.finish(ctx, req, &h), cause
}

func (h *Hint) fill(e *Entry, src Source) {
	h.Content = e.Content
	h.RelatedDocs = e.RelatedDocs
	h.NextLevelAvailable = e.NextLevelAvailable && h.Level < MaxLevel
	h.Source = src
}

func (c *Controller) finish(ctx context.Context, req Request, h *Hint) *Hint {
	if c.requestCounter != nil {
		c.requestCounter.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("source", string(h.Source)),
			attribute.String("trigger", string(req.Trigger)),
		))
	}
	if c.events != nil {
		data := store.HintEventData{
			UserID:     req.UserID,
			ContextKey: req.ContextKey,
			Language:   req.Language,
			ErrorKind:  req.ErrorKind,
			Level:      h.Level,
			Trigger:    string(req.Trigger),
			Source:     string(h.Source),
			Gated:      h.Gated,
		}
		if err := c.events.AppendHintEvent(context.WithoutCancel(ctx), data); err != nil {
			c.logger.Warn("failed to log hint event", zap.Error(err))
		}
	}
	return h
}

func (c *Controller) countHit() {
	if c.cacheHits != nil {
		c.cacheHits.Add(context.Background(), 1)
	}
}

// Cancel ends the episode for key, cancelling any in-flight generation.
func (c *Controller) Cancel(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endLocked(key)
}

// Sweep ends every episode idle for at least EpisodeCooldown and returns
// how many were evicted.
func (c *Controller) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for key, ep := range c.arena {
		if c.idle(ep, now) {
			c.endLocked(key)
			n++
		}
	}
	return n
}

// ForgetUser drops the struggle history and rate limiter of a user.
func (c *Controller) ForgetUser(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.history, userID)
	delete(c.limiters, userID)
}

// Lookup returns a copy of the context state for key.
func (c *Controller) Lookup(key string) (Context, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ep, ok := c.arena[key]
	if !ok {
		return Context{}, false
	}
	return ep.Context, true
}

// Active returns the number of live episodes.
func (c *Controller) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.arena)
}
