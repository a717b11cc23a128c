package counter

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
)

const (
	// EventCountersKey is the Redis hash holding "<event type>|<result>" counters.
	EventCountersKey = "billing:counters:events"
	fieldSeparator   = "|"
)

// EventCounters counts processed webhook events per type and outcome.
type EventCounters struct {
	rdb *redis.Client
	key string
}

func NewEventCounters(rdb *redis.Client) *EventCounters {
	return &EventCounters{rdb: rdb, key: EventCountersKey}
}

// RecordEvent increments the counter for one event outcome. Failures are
// logged only; counters must never fail event processing.
func (c *EventCounters) RecordEvent(ctx context.Context, eventType, result string) {
	if c == nil || c.rdb == nil {
		return
	}
	field := eventType + fieldSeparator + result
	if err := c.rdb.HIncrBy(ctx, c.key, field, 1).Err(); err != nil {
		log.Warnf("[Metrics] Failed to count %s: %v", field, err)
	}
}

// Snapshot returns the counters grouped by event type then result.
func (c *EventCounters) Snapshot(ctx context.Context) (map[string]map[string]int64, error) {
	data, err := c.rdb.HGetAll(ctx, c.key).Result()
	if err != nil {
		return nil, err
	}
	return groupCounters(data), nil
}

// Drain returns the counters and resets them. The hash is renamed to a
// temporary key first so increments racing with the drain are not lost.
func (c *EventCounters) Drain(ctx context.Context) (map[string]map[string]int64, error) {
	tmpKey := fmt.Sprintf("%s:tmp:%d", c.key, time.Now().UnixNano())
	if err := c.rdb.Rename(ctx, c.key, tmpKey).Err(); err != nil {
		// If key does not exist, nothing to drain
		if errors.Is(err, redis.Nil) || strings.Contains(strings.ToLower(err.Error()), "no such key") {
			return map[string]map[string]int64{}, nil
		}
		return nil, err
	}
	defer c.rdb.Del(ctx, tmpKey)

	data, err := c.rdb.HGetAll(ctx, tmpKey).Result()
	if err != nil {
		return nil, err
	}
	return groupCounters(data), nil
}

func groupCounters(data map[string]string) map[string]map[string]int64 {
	out := make(map[string]map[string]int64)
	for field, raw := range data {
		eventType, result, ok := strings.Cut(field, fieldSeparator)
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n == 0 {
			continue
		}
		if out[eventType] == nil {
			out[eventType] = make(map[string]int64)
		}
		out[eventType][result] += n
	}
	return out
}
