package adapter

import (
	"context"
	"os"
	"strings"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// RedisBroker backs streams with Redis consumer groups, so submissions
// survive restarts and multiple conductor processes can share a stream.
type RedisBroker struct {
	cli      *redis.Client
	group    string
	consumer string
	logger   *zap.Logger
}

func NewRedisBroker(addr, password string, db int, group string, logger *zap.Logger) *RedisBroker {
	if logger == nil {
		logger = zap.NewNop()
	}
	consumer, err := os.Hostname()
	if err != nil || consumer == "" {
		consumer = uuid.NewString()
	}
	return &RedisBroker{
		cli:      redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		group:    group,
		consumer: consumer,
		logger:   logger,
	}
}

// Ping verifies the connection so startup can fail fast on a bad address.
func (b *RedisBroker) Ping(ctx context.Context) error {
	return errors.Wrap(b.cli.Ping(ctx).Err(), "redis ping failed")
}

func (b *RedisBroker) Publish(ctx context.Context, stream, key string, body []byte) error {
	err := b.cli.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{key: body},
	}).Err()
	return errors.Wrapf(err, "failed to publish to stream %s", stream)
}

func (b *RedisBroker) Consume(ctx context.Context, stream string, fn HandlerFunc) error {
	if err := b.cli.XGroupCreateMkStream(ctx, stream, b.group, "0").Err(); err != nil {
		if !strings.Contains(err.Error(), "exists") {
			return errors.Wrapf(err, "failed to create consumer group on stream %s", stream)
		}
	}
	// First pass replays messages delivered to this consumer but never
	// acknowledged, then the loop blocks on new entries.
	ids := "0"
	for {
		if ctx.Err() != nil {
			return nil
		}
		streams, err := b.cli.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.group,
			Consumer: b.consumer,
			Streams:  []string{stream, ids},
			Block:    0,
		}).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrapf(err, "failed to read stream %s", stream)
		}
		pending := 0
		for _, s := range streams {
			pending += len(s.Messages)
			for _, msg := range s.Messages {
				if b.handle(ctx, stream, msg, fn) {
					if err := b.cli.XAck(ctx, stream, b.group, msg.ID).Err(); err != nil {
						b.logger.Warn("failed to ack message",
							zap.String("stream", stream),
							zap.String("id", msg.ID),
							zap.Error(err))
					}
				}
			}
		}
		if pending == 0 {
			ids = ">"
		}
	}
}

func (b *RedisBroker) handle(ctx context.Context, stream string, msg redis.XMessage, fn HandlerFunc) bool {
	for key, v := range msg.Values {
		val, ok := v.(string)
		if !ok {
			continue
		}
		if err := fn(ctx, key, []byte(val)); err != nil {
			b.logger.Warn("message handler failed, leaving message pending",
				zap.String("stream", stream),
				zap.String("id", msg.ID),
				zap.Error(err))
			return false
		}
	}
	return true
}

func (b *RedisBroker) Close() error {
	return b.cli.Close()
}
