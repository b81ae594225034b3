package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wolfman30/titration-sim/pkg/logging"
)

const defaultCacheTTL = 7 * 24 * time.Hour

// CachingClient memoises responses in Redis keyed by a hash of the request.
// Used for the evaluators so re-scoring an identical transcript is free and
// deterministic. Redis failures are logged and bypassed.
type CachingClient struct {
	next   Client
	redis  *redis.Client
	ttl    time.Duration
	tracer trace.Tracer
	logger *logging.Logger
}

func NewCachingClient(next Client, rdb *redis.Client, ttl time.Duration, logger *logging.Logger) *CachingClient {
	if rdb == nil {
		panic("llm: redis client cannot be nil")
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &CachingClient{
		next:   next,
		redis:  rdb,
		ttl:    ttl,
		tracer: otel.Tracer("titration.internal.llm.cache"),
		logger: logger,
	}
}

func (c *CachingClient) Complete(ctx context.Context, req Request) (Response, error) {
	ctx, span := c.tracer.Start(ctx, "llm.cache")
	defer span.End()

	key, err := cacheKey(req)
	if err != nil {
		return c.next.Complete(ctx, req)
	}

	data, err := c.redis.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var resp Response
		if jerr := json.Unmarshal(data, &resp); jerr == nil {
			span.SetAttributes(attribute.Bool("titration.llm.cache_hit", true))
			resp.Cached = true
			return resp, nil
		}
	case !errors.Is(err, redis.Nil):
		span.RecordError(err)
		c.logger.Warn("llm cache read failed", "purpose", req.Purpose, "error", err.Error())
	}
	span.SetAttributes(attribute.Bool("titration.llm.cache_hit", false))

	resp, err := c.next.Complete(ctx, req)
	if err != nil {
		return Response{}, err
	}
	if payload, merr := json.Marshal(resp); merr == nil {
		if serr := c.redis.Set(ctx, key, payload, c.ttl).Err(); serr != nil {
			span.RecordError(serr)
			c.logger.Warn("llm cache write failed", "purpose", req.Purpose, "error", serr.Error())
		}
	}
	return resp, nil
}

func cacheKey(req Request) (string, error) {
	payload, err := json.Marshal(struct {
		Purpose string
		Request
	}{req.Purpose, req})
	if err != nil {
		return "", fmt.Errorf("llm: cache key: %w", err)
	}
	sum := sha256.Sum256(payload)
	return "titration:llm:" + hex.EncodeToString(sum[:]), nil
}
