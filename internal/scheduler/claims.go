package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/valeevte/PriceTracker/internal/logger"
)

// ErrScheduleConflict means another cycle already holds the product.
var ErrScheduleConflict = errors.New("product already claimed")

// Claimer grants per-product exclusivity. Claim returns ErrScheduleConflict
// when the product is held; release must be called exactly once otherwise.
type Claimer interface {
	Claim(ctx context.Context, productID int64) (release func(), err error)
}

// LocalClaims is an in-process lock map.
type LocalClaims struct {
	mu   sync.Mutex
	held map[int64]struct{}
}

func NewLocalClaims() *LocalClaims {
	return &LocalClaims{held: make(map[int64]struct{})}
}

func (l *LocalClaims) Claim(_ context.Context, productID int64) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[productID]; ok {
		return nil, ErrScheduleConflict
	}
	l.held[productID] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, productID)
			l.mu.Unlock()
		})
	}, nil
}

// releaseScript deletes the key only if it still holds our token, so an
// expired claim taken over by another instance is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisClaims shares claims between instances with SET NX PX.
type RedisClaims struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	log    *logger.Logger
}

func NewRedisClaims(client *redis.Client, ttl time.Duration, log *logger.Logger) *RedisClaims {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisClaims{client: client, prefix: "pricetracker:claim:", ttl: ttl, log: log.With("component", "claims")}
}

func (r *RedisClaims) key(productID int64) string {
	return r.prefix + strconv.FormatInt(productID, 10)
}

func (r *RedisClaims) Claim(ctx context.Context, productID int64) (func(), error) {
	key := r.key(productID)
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis claim %s: %w", key, err)
	}
	if !ok {
		return nil, ErrScheduleConflict
	}
	return r.releaser(key, token), nil
}

// releaser deletes the key only while it still holds token. A failed
// release leaves the claim in place until its TTL expires.
func (r *RedisClaims) releaser(key, token string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			rctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := releaseScript.Run(rctx, r.client, []string{key}, token).Err(); err != nil {
				r.log.Warn("release claim failed", "key", key, "ttl", r.ttl, "error", err)
			}
		})
	}
}

// Chain acquires every claimer in order. All must succeed.
func Chain(claimers ...Claimer) Claimer {
	return chain(claimers)
}

type chain []Claimer

func (c chain) Claim(ctx context.Context, productID int64) (func(), error) {
	releases := make([]func(), 0, len(c))
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	for _, cl := range c {
		release, err := cl.Claim(ctx, productID)
		if err != nil {
			releaseAll()
			return nil, err
		}
		releases = append(releases, release)
	}
	return releaseAll, nil
}
