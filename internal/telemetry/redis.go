package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
)

var redisErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Name:      "redis_errors_total",
	Help:      "Failed Redis commands by command name.",
}, []string{"cmd"})

// MonitorRedis instruments r with tracing, metrics and a logging hook.
func MonitorRedis(r redis.UniversalClient) error {
	if err := redisotel.InstrumentTracing(r); err != nil {
		return fmt.Errorf("instrument tracing: %w", err)
	}
	if err := redisotel.InstrumentMetrics(r); err != nil {
		return fmt.Errorf("instrument metrics: %w", err)
	}
	r.AddHook(RedisHook{})
	return nil
}

// RedisHook logs commands at debug level and failures at warn level. A cache miss is not a
// failure.
type RedisHook struct{}

func (RedisHook) DialHook(hook redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := hook(ctx, network, addr)
		if err != nil {
			slog.WarnContext(ctx, fmt.Sprintf("redis: dial %s %s failed", network, addr), "error", err)
			return nil, err
		}
		slog.DebugContext(ctx, fmt.Sprintf("redis: dialed %s %s", network, addr))
		return conn, nil
	}
}

func (RedisHook) ProcessHook(hook redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		start := time.Now()
		err := hook(ctx, cmd)
		observeRedis(ctx, cmd, start, err)
		return err
	}
}

func (RedisHook) ProcessPipelineHook(hook redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		start := time.Now()
		err := hook(ctx, cmds)
		for _, cmd := range cmds {
			observeRedis(ctx, cmd, start, cmd.Err())
		}
		return err
	}
}

func observeRedis(ctx context.Context, cmd redis.Cmder, start time.Time, err error) {
	if err != nil && !errors.Is(err, redis.Nil) {
		redisErrors.WithLabelValues(cmd.Name()).Inc()
		slog.WarnContext(ctx, fmt.Sprintf("redis: %s failed", cmd.Name()), "error", err, "elapsed", time.Since(start))
		return
	}
	slog.DebugContext(ctx, fmt.Sprintf("redis: %s", cmd.Name()), "elapsed", time.Since(start))
}
