package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/latticerun/scheduler/internal/platform/logger"
)

// RedisBus is the production Bus, grounded directly on the teacher's
// internal/realtime/bus.redisBus: one channel for outbound optimization
// events, one for inbound plan updates.
type RedisBus struct {
	log         *logger.Logger
	rdb         *goredis.Client
	outChannel  string
	inChannel   string
}

// RedisBusConfig configures a RedisBus.
type RedisBusConfig struct {
	Addr        string
	OutChannel  string
	InChannel   string
	DialTimeout time.Duration
}

// NewRedisBus connects to Redis and verifies the connection with a Ping,
// the same fail-fast construction the teacher's NewRedisBus performs.
func NewRedisBus(log *logger.Logger, cfg RedisBusConfig) (*RedisBus, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, fmt.Errorf("missing redis address")
	}
	outCh := strings.TrimSpace(cfg.OutChannel)
	if outCh == "" {
		outCh = "scheduler:dynamic-optimization"
	}
	inCh := strings.TrimSpace(cfg.InChannel)
	if inCh == "" {
		inCh = "scheduler:plan-update"
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: dialTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisBus{
		log:        log.With("service", "RedisEventBus"),
		rdb:        rdb,
		outChannel: outCh,
		inChannel:  inCh,
	}, nil
}

func (b *RedisBus) PublishOptimizationEvent(ctx context.Context, ev DynamicOptimizationEventMessage) error {
	if b == nil || b.rdb == nil {
		return fmt.Errorf("redis event bus not initialized")
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.outChannel, raw).Err()
}

func (b *RedisBus) StartForwarder(ctx context.Context, onMsg func(UpdatePhysicalPlanEventMessage)) error {
	if b == nil || b.rdb == nil {
		return fmt.Errorf("redis event bus not initialized")
	}
	if onMsg == nil {
		return fmt.Errorf("onMsg callback required")
	}

	sub := b.rdb.Subscribe(ctx, b.inChannel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					_ = sub.Close()
					return
				}
				var ev UpdatePhysicalPlanEventMessage
				if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
					b.log.Warn("bad redis plan-update payload", "error", err)
					continue
				}
				onMsg(ev)
			}
		}
	}()

	return nil
}

func (b *RedisBus) Close() error {
	if b == nil || b.rdb == nil {
		return nil
	}
	return b.rdb.Close()
}
