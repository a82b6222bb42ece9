// Package queue publishes trial lifecycle events to a Redis stream so
// other processes can follow a running study.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sbenjam1n/studysync/internal/study"
)

const (
	// StreamTrialEvents is the Redis stream every study publishes to.
	StreamTrialEvents = "trial_events"
	// GroupWatchers is the consumer group used by `study events tail`.
	GroupWatchers = "study_watchers"
)

// ErrNoEvents is returned by Read when the block timeout passes without a
// new event.
var ErrNoEvents = errors.New("no events")

// Queue reads and writes the trial event stream.
type Queue struct {
	client *redis.Client
	maxLen int64
}

// New creates a Queue from a Redis client. maxLen caps the stream length
// (approximately); zero leaves it unbounded.
func New(client *redis.Client, maxLen int64) *Queue {
	return &Queue{client: client, maxLen: maxLen}
}

// ConnectRedis creates a Redis client from a URL.
func ConnectRedis(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	return redis.NewClient(opts), nil
}

// EnsureStream creates the watcher consumer group if it doesn't exist.
func (q *Queue) EnsureStream(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, StreamTrialEvents, GroupWatchers, "0").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return fmt.Errorf("create group %s on %s: %w", GroupWatchers, StreamTrialEvents, err)
	}
	return nil
}

// Publish adds ev to the stream. It satisfies study.EventSink.
func (q *Queue) Publish(ctx context.Context, ev study.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: StreamTrialEvents,
		Values: map[string]any{
			"kind":         string(ev.Kind),
			"study":        ev.Study,
			"trial_number": strconv.Itoa(ev.TrialNumber),
			"payload":      string(payload),
		},
	}
	if q.maxLen > 0 {
		args.MaxLen = q.maxLen
		args.Approx = true
	}
	if err := q.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Read waits up to block for the next event delivered to consumer.
func (q *Queue) Read(ctx context.Context, consumer string, block time.Duration) (*study.Event, string, error) {
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    GroupWatchers,
		Consumer: consumer,
		Streams:  []string{StreamTrialEvents, ">"},
		Count:    1,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, "", ErrNoEvents
	}
	if err != nil {
		return nil, "", fmt.Errorf("read event: %w", err)
	}

	for _, stream := range streams {
		for _, msg := range stream.Messages {
			ev, err := decodeEvent(msg.Values)
			if err != nil {
				return nil, msg.ID, err
			}
			return ev, msg.ID, nil
		}
	}
	return nil, "", ErrNoEvents
}

// Ack acknowledges an event.
func (q *Queue) Ack(ctx context.Context, msgID string) error {
	return q.client.XAck(ctx, StreamTrialEvents, GroupWatchers, msgID).Err()
}

// Status reports the stream length and how many delivered events the
// watcher group has not acknowledged.
func (q *Queue) Status(ctx context.Context) (length, pending int64, err error) {
	length, err = q.client.XLen(ctx, StreamTrialEvents).Result()
	if err != nil {
		return 0, 0, err
	}
	p, err := q.client.XPending(ctx, StreamTrialEvents, GroupWatchers).Result()
	if err != nil {
		// No group yet means nothing is pending.
		if isNoGroup(err) {
			return length, 0, nil
		}
		return 0, 0, err
	}
	return length, p.Count, nil
}

func decodeEvent(values map[string]any) (*study.Event, error) {
	raw := getString(values, "payload")
	if raw == "" {
		return nil, fmt.Errorf("event without payload")
	}
	var ev study.Event
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return &ev, nil
}

func getString(values map[string]any, key string) string {
	if v, ok := values[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func isNoGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "NOGROUP")
}
