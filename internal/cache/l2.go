package cache

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/velocimex/hftcore/internal/model"
)

const l2KeyPrefix = "hftcore:cache:"

// l2OpTimeout bounds every redis round trip so the hot path never waits
// on a slow tier.
const l2OpTimeout = 5 * time.Millisecond

// decoder turns the stored JSON back into the concrete kind.
type decoder func([]byte) (any, error)

// L2Tier is the optional redis-backed second cache tier. Values are
// stored as JSON; decoding is driven by an explicit kind registry
// populated once at construction.
type L2Tier struct {
	client   redis.UniversalClient
	ttl      time.Duration
	decoders map[Kind]decoder
	logger   *zap.Logger

	hits   int64
	misses int64
	errors int64
}

// NewL2Tier wraps a redis client as the L2 cache tier.
func NewL2Tier(client redis.UniversalClient, ttl time.Duration, logger *zap.Logger) *L2Tier {
	if ttl <= 0 {
		ttl = time.Second
	}
	return &L2Tier{
		client: client,
		ttl:    ttl,
		logger: logger.Named("cache-l2"),
		decoders: map[Kind]decoder{
			KindTick: func(b []byte) (any, error) {
				var v model.MarketTick
				err := json.Unmarshal(b, &v)
				return v, err
			},
			KindOrder: func(b []byte) (any, error) {
				var v model.OrderRecord
				err := json.Unmarshal(b, &v)
				return v, err
			},
			KindPosition: func(b []byte) (any, error) {
				var v model.PositionRecord
				err := json.Unmarshal(b, &v)
				return v, err
			},
		},
	}
}

func (t *L2Tier) get(ctx context.Context, key string) (any, bool) {
	decode, ok := t.decoders[KindOf(key)]
	if !ok {
		return nil, false
	}
	opCtx, cancel := context.WithTimeout(ctx, l2OpTimeout)
	defer cancel()

	data, err := t.client.Get(opCtx, l2KeyPrefix+key).Bytes()
	if err != nil {
		if err != redis.Nil {
			atomic.AddInt64(&t.errors, 1)
			t.logger.Warn("l2 get failed", zap.String("key", key), zap.Error(err))
		}
		atomic.AddInt64(&t.misses, 1)
		return nil, false
	}
	v, err := decode(data)
	if err != nil {
		atomic.AddInt64(&t.errors, 1)
		t.logger.Warn("l2 decode failed", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	atomic.AddInt64(&t.hits, 1)
	return v, true
}

func (t *L2Tier) set(key string, value any) {
	data, err := json.Marshal(value)
	if err != nil {
		atomic.AddInt64(&t.errors, 1)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), l2OpTimeout)
	defer cancel()
	if err := t.client.Set(ctx, l2KeyPrefix+key, data, t.ttl).Err(); err != nil {
		atomic.AddInt64(&t.errors, 1)
		t.logger.Warn("l2 set failed", zap.String("key", key), zap.Error(err))
	}
}

func (t *L2Tier) del(keys ...string) {
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = l2KeyPrefix + k
	}
	ctx, cancel := context.WithTimeout(context.Background(), l2OpTimeout)
	defer cancel()
	if err := t.client.Del(ctx, prefixed...).Err(); err != nil {
		atomic.AddInt64(&t.errors, 1)
		t.logger.Warn("l2 del failed", zap.Strings("keys", keys), zap.Error(err))
	}
}
