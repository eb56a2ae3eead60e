// Package telemetry provides an optional, publish-only progress sink
// that forwards transfer events to Redis. Nothing is ever read back
// through this path — it is telemetry, not persistence.
package telemetry

import (
	"context"
	"fmt"
	"log"

	"github.com/fxamacker/cbor/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/aelmosalamy/lora-image-link/pkg/transfer"
)

// wireEvent is the CBOR-encoded shape published for each transfer.Event.
type wireEvent struct {
	Kind    string `cbor:"kind"`
	Message string `cbor:"message"`
	Seq     uint16 `cbor:"seq"`
	AtUnix  int64  `cbor:"at_unix_ns"`
}

// RedisSink publishes CBOR-encoded Events to a per-session Redis
// channel.
type RedisSink struct {
	client  *goredis.Client
	ctx     context.Context
	channel string
}

// NewRedisSink connects to addr and returns a sink that publishes to
// "lora:transfer:<sessionID>". The connection is verified with a Ping
// before NewRedisSink returns.
func NewRedisSink(addr, password string, db int, sessionID string) (*RedisSink, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("telemetry: connect to redis at %s: %w", addr, err)
	}

	return &RedisSink{
		client:  client,
		ctx:     ctx,
		channel: fmt.Sprintf("lora:transfer:%s", sessionID),
	}, nil
}

// Publish implements transfer.ProgressSink. Encoding or publish
// failures are logged, not returned, so telemetry never fails a
// transfer. The publish is synchronous: each call waits for the Redis
// round trip before returning.
func (s *RedisSink) Publish(e transfer.Event) {
	payload := wireEvent{Kind: e.Kind, Message: e.Message, Seq: e.Seq, AtUnix: e.At.UnixNano()}

	data, err := cbor.Marshal(payload)
	if err != nil {
		log.Printf("telemetry: failed to marshal CBOR event: %v", err)
		return
	}
	if err := s.client.Publish(s.ctx, s.channel, data).Err(); err != nil {
		log.Printf("telemetry: failed to publish event: %v", err)
	}
}

// Close closes the underlying Redis connection.
func (s *RedisSink) Close() error {
	return s.client.Close()
}

var _ transfer.ProgressSink = (*RedisSink)(nil)
