package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/abhisek/codecoach/internal/config"
	"github.com/abhisek/codecoach/internal/engine"
	"github.com/abhisek/codecoach/internal/hints"
	"github.com/abhisek/codecoach/internal/llm"
	"github.com/abhisek/codecoach/internal/logging"
	"github.com/abhisek/codecoach/internal/notify"
	"github.com/abhisek/codecoach/internal/store"
)

const flushTimeout = 5 * time.Second

// coach holds everything a command needs: config, store and engine.
type coach struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
	repo   store.Repo
	events store.EventRepo
	engine *engine.Engine

	rdb *redis.Client
	nc  *nats.Conn
	pub *notify.NATSPublisher
}

type coachOptions struct {
	// llm enables the hint generator. Without it hints come from the
	// cache and fallback library only.
	llm    bool
	onHint func(engine.HintResult)
}

// openCoach loads config, opens the store and builds the engine.
func openCoach(cmd *cobra.Command, o coachOptions) (*coach, error) {
	ctx := cmd.Context()

	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	dbPath, err := resolveDBPath(cmd, cfg)
	if err != nil {
		return nil, fmt.Errorf("resolve DB path: %w", err)
	}
	st, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	c := &coach{
		cfg:    cfg,
		logger: logger,
		store:  st,
		repo:   store.WithRetry(st.Repo(), cfg.Store.Retry, logger.Named("store")),
		events: st.EventRepo(),
	}

	opts := []engine.Option{engine.WithEventRepo(c.events)}
	if o.onHint != nil {
		opts = append(opts, engine.OnHint(o.onHint))
	}

	lib, err := cfg.FallbackLibrary()
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("load fallback hints: %w", err)
	}
	opts = append(opts, engine.WithFallback(lib))

	if cache := c.hintCache(); cache != nil {
		opts = append(opts, engine.WithHintCache(cache))
	}

	if cfg.Notify.Enabled {
		nc, err := notify.Connect(cfg.Notify.NATS, logger.Named("notify"))
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("connect to NATS: %w", err)
		}
		c.nc = nc
		c.pub = notify.NewNATSPublisher(nc, cfg.Notify.NATS.SubjectPrefix, logger.Named("notify"))
		opts = append(opts, engine.WithPublisher(c.pub))
	}

	var gen hints.Generator
	if o.llm {
		if llmCfg, ok := llm.Resolve(cfg.LLM); ok {
			provider, err := llm.NewProvider(ctx, llmCfg, c.events, logger.Named("llm"))
			if err != nil {
				fmt.Fprintln(os.Stderr, "LLM provider not configured:", err)
			} else {
				gen = hints.NewLLMGenerator(provider, cfg.Generator)
			}
		} else {
			fmt.Fprintln(os.Stderr, "No LLM provider configured, serving fallback hints only.")
		}
	}

	c.engine = engine.New(c.repo, gen, cfg.Engine, logger, opts...)
	return c, nil
}

// hintCache builds the configured cache. nil means the engine default.
func (c *coach) hintCache() hints.Cache {
	ttl := c.cfg.Engine.Hints.CacheTTL
	switch c.cfg.Cache.Backend {
	case "store":
		return hints.NewStoreCache(c.repo, ttl)
	case "redis":
		r := c.cfg.Cache.Redis
		c.rdb = hints.NewRedisClient(r.Addr, r.Password, r.DB)
		return hints.NewRedisCache(c.rdb, r.Prefix, ttl)
	}
	return nil
}

// Close flushes pending writes and releases every connection.
func (c *coach) Close() {
	if c.engine != nil {
		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		left, err := c.engine.Flush(ctx)
		cancel()
		if err != nil || left > 0 {
			c.logger.Warn("pending writes not flushed", zap.Int("pending", left), zap.Error(err))
		}
		c.engine.Close()
	}
	if c.rdb != nil {
		_ = c.rdb.Close()
	}
	if c.nc != nil {
		c.nc.Close()
	}
	_ = c.store.Close()
	_ = c.logger.Sync()
}

// parseAt parses the --at flag. Empty means now.
func parseAt(cmd *cobra.Command) (time.Time, error) {
	s, _ := cmd.Flags().GetString("at")
	if s == "" {
		return time.Now(), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --at %q: want RFC3339", s)
	}
	return t, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
