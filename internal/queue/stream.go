package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	StreamName    = "webhook-deliveries"
	ConsumerGroup = "dispatchers"

	// Stream entries are wake-up hints; the delivery table is the source of
	// truth, so old entries can be trimmed freely.
	maxStreamLen = 100_000
)

// Stream notifies dispatcher processes of new or requeued deliveries over a
// Redis stream consumer group.
type Stream struct {
	rdb *redis.Client
}

func NewStream(rdb *redis.Client) *Stream {
	return &Stream{rdb: rdb}
}

// Schedule publishes deliveryID to the stream.
func (s *Stream) Schedule(ctx context.Context, deliveryID uuid.UUID) error {
	err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamName,
		MaxLen: maxStreamLen,
		Approx: true,
		Values: map[string]any{"delivery_id": deliveryID.String()},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish delivery: %w", err)
	}
	return nil
}

// EnsureGroup creates the consumer group (and stream) if missing.
func (s *Stream) EnsureGroup(ctx context.Context) error {
	err := s.rdb.XGroupCreateMkStream(ctx, StreamName, ConsumerGroup, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

// Consume reads the stream as consumer until ctx is done, calling handle for
// each delivery id. Messages are acknowledged after handle returns.
func (s *Stream) Consume(ctx context.Context, consumer string, handle func(context.Context, uuid.UUID)) {
	for {
		if ctx.Err() != nil {
			return
		}

		streams, err := s.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    ConsumerGroup,
			Consumer: consumer,
			Streams:  []string{StreamName, ">"},
			Count:    10,
			Block:    5 * time.Second,
		}).Result()
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				continue
			}
			log.Error().Err(err).Str("consumer", consumer).Msg("xreadgroup error")
			time.Sleep(time.Second)
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				s.dispatch(ctx, msg, handle)
				s.rdb.XAck(ctx, StreamName, ConsumerGroup, msg.ID)
			}
		}
	}
}

func (s *Stream) dispatch(ctx context.Context, msg redis.XMessage, handle func(context.Context, uuid.UUID)) {
	raw, ok := msg.Values["delivery_id"].(string)
	if !ok {
		log.Error().Str("msg_id", msg.ID).Msg("invalid delivery_id in stream message")
		return
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		log.Error().Err(err).Str("value", raw).Msg("failed to parse delivery_id")
		return
	}
	handle(ctx, id)
}
