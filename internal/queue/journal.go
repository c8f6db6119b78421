package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"clinic-queue/internal/models"

	"github.com/redis/go-redis/v9"
)

const journalTTL = 48 * time.Hour

// RedisJournal appends every event to a per-day Redis stream, keyed by entry id and version.
type RedisJournal struct {
	client *redis.Client
	prefix string
	maxLen int64
}

func NewRedisJournal(client *redis.Client, prefix string, maxLen int64) *RedisJournal {
	if prefix == "" {
		prefix = "queue:events:"
	}
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &RedisJournal{client: client, prefix: prefix, maxLen: maxLen}
}

func (j *RedisJournal) stream(serviceDate string) string {
	return j.prefix + strings.ReplaceAll(serviceDate, "-", "")
}

func (j *RedisJournal) Append(ctx context.Context, ev models.TransitionEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	stream := j.stream(ev.ServiceDate)
	pipe := j.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: j.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"entry_id": ev.EntryID,
			"version":  strconv.FormatInt(ev.Version, 10),
			"data":     string(data),
		},
	})
	pipe.Expire(ctx, stream, journalTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("xadd %s: %w", stream, err)
	}
	return nil
}

// Read returns the journaled events of a service date in append order.
func (j *RedisJournal) Read(ctx context.Context, serviceDate string) ([]models.TransitionEvent, error) {
	msgs, err := j.client.XRange(ctx, j.stream(serviceDate), "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("xrange %s: %w", j.stream(serviceDate), err)
	}

	out := make([]models.TransitionEvent, 0, len(msgs))
	for _, msg := range msgs {
		raw, ok := msg.Values["data"].(string)
		if !ok {
			continue
		}
		var ev models.TransitionEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, fmt.Errorf("decode journal message %s: %w", msg.ID, err)
		}
		out = append(out, ev)
	}
	return out, nil
}

// Seeder accepts recorded history without treating it as new events.
type Seeder interface {
	Seed(events []models.TransitionEvent)
}

// Restore loads a service date's journal into s, so a restarted process can replay what
// displays missed before it went down.
func (j *RedisJournal) Restore(ctx context.Context, serviceDate string, s Seeder) (int, error) {
	events, err := j.Read(ctx, serviceDate)
	if err != nil {
		return 0, err
	}
	s.Seed(events)
	return len(events), nil
}
