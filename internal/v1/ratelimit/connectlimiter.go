package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/signalhub/hub/internal/v1/logging"
	"github.com/signalhub/hub/internal/v1/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	limiterv3 "github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"
)

// ConnectLimiter bounds WebSocket upgrade attempts per IP per minute,
// ahead of (and distinct from) the concurrent-connection caps enforced
// later in the admission pipeline. It is backed by Redis when configured,
// so the limit is shared across replicas of this process, and falls back
// to an in-memory store for single-instance deployments. Redis calls are
// wrapped in a circuit breaker; on an open breaker or any store error the
// gate fails open rather than rejecting connections it cannot evaluate.
type ConnectLimiter struct {
	limiter     *limiterv3.Limiter
	redisClient *redis.Client
	breaker     *gobreaker.CircuitBreaker
}

// NewConnectLimiter builds a ConnectLimiter allowing maxAttempts upgrade
// attempts per IP per minute. maxAttempts <= 0 disables the gate entirely
// (Allow always returns true). redisAddr, if non-empty, backs the limiter
// with a shared Redis store; otherwise an in-memory store is used.
func NewConnectLimiter(maxAttempts int, redisAddr, redisPassword string) (*ConnectLimiter, error) {
	if maxAttempts <= 0 {
		return &ConnectLimiter{}, nil
	}

	rate := limiterv3.Rate{
		Period: time.Minute,
		Limit:  int64(maxAttempts),
	}

	var store limiterv3.Store
	var client *redis.Client
	var breaker *gobreaker.CircuitBreaker

	if redisAddr != "" {
		client = redis.NewClient(&redis.Options{
			Addr:     redisAddr,
			Password: redisPassword,
		})

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to connect-rate limiter Redis store: %w", err)
		}

		s, err := sredis.NewStoreWithOptions(client, limiterv3.StoreOptions{Prefix: "signalhub:connectlimit:"})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s

		breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "connectlimit-redis",
			MaxRequests: 5,
			Interval:    time.Minute,
			Timeout:     15 * time.Second,
			OnStateChange: func(name string, from, to gobreaker.State) {
				var stateVal float64
				switch to {
				case gobreaker.StateClosed:
					stateVal = 0
				case gobreaker.StateOpen:
					stateVal = 1
				case gobreaker.StateHalfOpen:
					stateVal = 2
				}
				metrics.CircuitBreakerState.WithLabelValues("connectlimit-redis").Set(stateVal)
			},
		})

		logging.Info(context.Background(), "connect-rate limiter using Redis store")
	} else {
		store = memory.NewStore()
		logging.Info(context.Background(), "connect-rate limiter using in-memory store")
	}

	return &ConnectLimiter{
		limiter:     limiterv3.New(store, rate),
		redisClient: client,
		breaker:     breaker,
	}, nil
}

// Allow reports whether a new connection attempt from ip should proceed,
// and if not, how many seconds the caller should wait before retrying.
func (c *ConnectLimiter) Allow(ctx context.Context, ip string) (allowed bool, retryAfterSeconds int64) {
	if c == nil || c.limiter == nil {
		return true, 0
	}

	run := func() (limiterv3.Context, error) {
		return c.limiter.Get(ctx, ip)
	}

	var lctx limiterv3.Context
	var err error
	if c.breaker != nil {
		var res any
		res, err = c.breaker.Execute(func() (any, error) {
			return run()
		})
		if err == nil {
			lctx = res.(limiterv3.Context)
		}
	} else {
		lctx, err = run()
	}

	if err != nil {
		if err == gobreaker.ErrOpenState {
			logging.Warn(ctx, "connect-rate limiter circuit open, failing open")
		} else {
			logging.Error(ctx, "connect-rate limiter store failed, failing open", zap.Error(err))
		}
		return true, 0
	}

	if lctx.Reached {
		metrics.RateLimitExceeded.WithLabelValues("connect").Inc()
		retryAfter := lctx.Reset - time.Now().Unix()
		if retryAfter < 0 {
			retryAfter = 0
		}
		return false, retryAfter
	}

	return true, 0
}

// Ping verifies the limiter's backing Redis connection, used by the
// readiness probe. A limiter with no Redis store (in-memory or disabled)
// is always considered healthy.
func (c *ConnectLimiter) Ping(ctx context.Context) error {
	if c == nil || c.redisClient == nil {
		return nil
	}
	return c.redisClient.Ping(ctx).Err()
}
