package event

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// RedisSink publishes events to a Redis pub/sub channel so out-of-process
// consumers (other UI backends, audit tooling) can subscribe. Best-effort:
// publishing happens on a background goroutine, and events are dropped when
// the buffer fills or the publish fails, so the settlement path never blocks
// on the network.
type RedisSink struct {
	rdb     *redis.Client
	channel string
	out     chan []byte
}

// NewRedisSink creates a sink publishing to the given channel and starts
// its publish loop.
func NewRedisSink(rdb *redis.Client, channel string) *RedisSink {
	s := &RedisSink{
		rdb:     rdb,
		channel: channel,
		out:     make(chan []byte, 256),
	}
	go s.pump()
	return s
}

func (s *RedisSink) Publish(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	select {
	case s.out <- data:
	default:
		// Drop if buffer full to avoid blocking the publisher.
	}
}

func (s *RedisSink) pump() {
	for data := range s.out {
		if err := s.rdb.Publish(context.Background(), s.channel, data).Err(); err != nil {
			slog.Warn("redis event publish failed", "err", err)
		}
	}
}
