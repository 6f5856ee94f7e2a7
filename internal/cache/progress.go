package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"wablast/internal/dispatch"
	"wablast/pkg/logx"
)

// Config configures the optional redis progress cache.
type Config struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration // 0 means 2s
}

// ProgressCache keeps submission aggregates in redis so hot progress polling
// doesn't hit sqlite on every request. Entries are written by reads and
// invalidated on every item outcome, so a hit always equals the durable
// state. All errors degrade to a miss.
type ProgressCache struct {
	rdb *redis.Client
	ttl time.Duration
	log logx.Logger
}

func New(cfg Config, log logx.Logger) *ProgressCache {
	if log.IsZero() {
		log = logx.Nop()
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 2 * time.Second
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &ProgressCache{rdb: rdb, ttl: ttl, log: log}
}

// NewWithClient exists for tests (miniredis).
func NewWithClient(rdb *redis.Client, ttl time.Duration, log logx.Logger) *ProgressCache {
	if log.IsZero() {
		log = logx.Nop()
	}
	if ttl <= 0 {
		ttl = 2 * time.Second
	}
	return &ProgressCache{rdb: rdb, ttl: ttl, log: log}
}

func key(submissionID string) string { return "progress:" + submissionID }

func (c *ProgressCache) Get(ctx context.Context, submissionID string) (dispatch.Progress, bool) {
	b, err := c.rdb.Get(ctx, key(submissionID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.log.Debug("progress cache get failed", logx.Err(err))
		}
		return dispatch.Progress{}, false
	}
	var p dispatch.Progress
	if err := json.Unmarshal(b, &p); err != nil {
		return dispatch.Progress{}, false
	}
	return p, true
}

func (c *ProgressCache) Set(ctx context.Context, p dispatch.Progress) {
	b, err := json.Marshal(p)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, key(p.SubmissionID), b, c.ttl).Err(); err != nil {
		c.log.Debug("progress cache set failed", logx.Err(err))
	}
}

func (c *ProgressCache) Invalidate(ctx context.Context, submissionID string) {
	if err := c.rdb.Del(ctx, key(submissionID)).Err(); err != nil {
		c.log.Debug("progress cache invalidate failed", logx.Err(err))
	}
}

func (c *ProgressCache) Close() error { return c.rdb.Close() }
