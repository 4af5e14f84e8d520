// Package rqfanout distributes engine events across more than one façade
// process sharing a workspace, using Redis Pub/Sub so a client connected to
// façade B sees events produced by an Add/Stop/etc. issued against façade A.
// Grounded on internal/fabric's RedisEventBus/GoRedisAdapter pairing,
// narrowed to the one channel this system needs instead of a typed event
// bus with per-type subscriptions.
package rqfanout

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ocx/backend/internal/engineapi"
)

const channel = "runqueue:events"

// Relay publishes local engine events to Redis and re-publishes events
// received from Redis to a local channel, so callers can merge remote
// events into the same Subscribe fan-out used for local-only delivery.
type Relay struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// NewRelay connects to addr and verifies reachability with a short ping.
func NewRelay(addr string, logger *slog.Logger) (*Relay, error) {
	if logger == nil {
		logger = slog.Default()
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("rqfanout: redis ping %s: %w", addr, err)
	}

	return &Relay{rdb: rdb, logger: logger}, nil
}

// Close shuts down the underlying Redis client.
func (r *Relay) Close() error {
	return r.rdb.Close()
}

// PublishLoop drains local and republishes each to Redis. Meant to run in
// its own goroutine for the engine subscription's lifetime.
func (r *Relay) PublishLoop(local <-chan engineapi.Event) {
	ctx := context.Background()
	for ev := range local {
		body, err := json.Marshal(ev)
		if err != nil {
			r.logger.Warn("rqfanout: failed to marshal event, dropping", "kind", ev.Kind, "error", err)
			continue
		}
		if err := r.rdb.Publish(ctx, channel, body).Err(); err != nil {
			r.logger.Warn("rqfanout: publish failed", "error", err)
		}
	}
}

// Subscribe returns a channel fed by every event any process (including
// this one) publishes to the shared channel. Callers merge this with the
// local engine subscription to reconcile state across façade instances.
func (r *Relay) Subscribe(ctx context.Context) <-chan engineapi.Event {
	out := make(chan engineapi.Event, 64)
	sub := r.rdb.Subscribe(ctx, channel)

	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var ev engineapi.Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					r.logger.Warn("rqfanout: failed to unmarshal event", "error", err)
					continue
				}
				out <- ev
			}
		}
	}()

	return out
}
