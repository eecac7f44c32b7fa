package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/itsneelabh/geomind/core"
)

// ErrNotFound is returned by RedisSink.Get for unknown or expired names.
var ErrNotFound = errors.New("artifact not found")

// RedisSink registers handoff records in Redis so display collaborators can
// list recent artifacts. Records live at <prefix><name>; a sorted set at
// <prefix>@index orders names by creation time.
type RedisSink struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger core.Logger
}

// NewRedisSink connects using cfg.URL and verifies the connection.
func NewRedisSink(cfg core.RedisConfig, logger core.Logger) (*RedisSink, error) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("redis URL is required: %w", core.ErrMissingConfiguration)
	}
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", core.ErrInvalidConfiguration)
	}
	if cfg.DB > 0 {
		opt.DB = cfg.DB
	}
	opt.MaxRetries = 3
	opt.MinRetryBackoff = 100 * time.Millisecond
	opt.MaxRetryBackoff = time.Second
	opt.DialTimeout = 5 * time.Second
	opt.ReadTimeout = 5 * time.Second
	opt.WriteTimeout = 5 * time.Second

	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Error("Failed to connect to Redis", map[string]interface{}{
			"operation":  "artifact.redis.connect",
			"error":      err,
			"error_type": fmt.Sprintf("%T", err),
			"db":         opt.DB,
		})
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis DB %d: %w", opt.DB, core.ErrConnectionFailed)
	}

	logger.Info("Artifact registry connected", map[string]interface{}{
		"operation":  "artifact.redis.connect",
		"db":         opt.DB,
		"key_prefix": cfg.KeyPrefix,
	})
	return NewRedisSinkFromClient(client, cfg.KeyPrefix, cfg.TTL, logger), nil
}

// NewRedisSinkFromClient wraps an existing client. A zero ttl keeps records forever.
func NewRedisSinkFromClient(client *redis.Client, prefix string, ttl time.Duration, logger core.Logger) *RedisSink {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &RedisSink{client: client, prefix: prefix, ttl: ttl, logger: logger}
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) key(name string) string { return s.prefix + name }

func (s *RedisSink) indexKey() string { return s.prefix + "@index" }

// Store writes the record and indexes it atomically.
func (s *RedisSink) Store(ctx context.Context, h Handoff) error {
	data, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("failed to marshal handoff %s: %w", h.Name, err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.key(h.Name), data, s.ttl)
	pipe.ZAdd(ctx, s.indexKey(), &redis.Z{Score: float64(h.CreatedAt.UnixNano()), Member: h.Name})
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Error("Failed to register artifact", map[string]interface{}{
			"operation": "artifact.redis.store",
			"name":      h.Name,
			"error":     err,
		})
		return err
	}

	s.logger.Debug("Artifact registered", map[string]interface{}{
		"operation":   "artifact.redis.store",
		"name":        h.Name,
		"produced_by": h.ProducedBy,
	})
	return nil
}

// Get loads one record by name.
func (s *RedisSink) Get(ctx context.Context, name string) (Handoff, error) {
	var h Handoff
	data, err := s.client.Get(ctx, s.key(name)).Bytes()
	if errors.Is(err, redis.Nil) {
		return h, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	if err != nil {
		return h, err
	}
	if err := json.Unmarshal(data, &h); err != nil {
		return h, fmt.Errorf("corrupt record %s: %w", name, err)
	}
	return h, nil
}

// Recent returns up to n records, newest first. Index entries whose record
// has expired are pruned.
func (s *RedisSink) Recent(ctx context.Context, n int) ([]Handoff, error) {
	if n <= 0 {
		return nil, nil
	}
	names, err := s.client.ZRevRange(ctx, s.indexKey(), 0, int64(n-1)).Result()
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, nil
	}
	keys := make([]string, len(names))
	for i, name := range names {
		keys[i] = s.key(name)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	out := make([]Handoff, 0, len(values))
	var stale []interface{}
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			stale = append(stale, names[i])
			continue
		}
		var h Handoff
		if err := json.Unmarshal([]byte(str), &h); err != nil {
			continue
		}
		out = append(out, h)
	}
	if len(stale) > 0 {
		s.client.ZRem(ctx, s.indexKey(), stale...)
	}
	return out, nil
}

// Close releases the client.
func (s *RedisSink) Close() error {
	return s.client.Close()
}
