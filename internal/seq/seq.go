// Package seq is the shared ordering authority for the distribution gateway.
// Per-channel sequence numbers and per-identity offline queues live in Redis
// so every gateway node hands out the same ordering.
package seq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	backend "github.com/redis/go-redis/v9"
)

const keyPrefix = "arclight:"

// QueuedMessage is one buffered channel message awaiting replay.
type QueuedMessage struct {
	Sequence   uint64          `json:"seq"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Authority allocates sequence numbers and manages offline queues.
type Authority struct {
	client   *backend.Client
	queueMax int
	queueAge time.Duration
}

// New connects to Redis at addr.
func New(addr string, db int, queueMax int, queueAge time.Duration) *Authority {
	client := backend.NewClient(&backend.Options{
		Addr: addr,
		DB:   db,
	})
	return NewFromClient(client, queueMax, queueAge)
}

// NewFromClient wraps an existing Redis client.
func NewFromClient(client *backend.Client, queueMax int, queueAge time.Duration) *Authority {
	return &Authority{client: client, queueMax: queueMax, queueAge: queueAge}
}

func seqKey(channel string) string {
	return keyPrefix + "seq:" + channel
}

func queueKey(identity, channel string) string {
	return keyPrefix + "queue:" + identity + ":" + channel
}

// Next allocates the next sequence number for a channel. Sequences start at 1
// and never repeat or regress for the lifetime of the Redis state.
func (a *Authority) Next(ctx context.Context, channel string) (uint64, error) {
	n, err := a.client.Incr(ctx, seqKey(channel)).Result()
	if err != nil {
		return 0, fmt.Errorf("allocate sequence for %s: %w", channel, err)
	}
	return uint64(n), nil
}

// Current returns the most recently allocated sequence for a channel, 0 if
// none has been allocated.
func (a *Authority) Current(ctx context.Context, channel string) (uint64, error) {
	n, err := a.client.Get(ctx, seqKey(channel)).Uint64()
	if err == backend.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read sequence for %s: %w", channel, err)
	}
	return n, nil
}

// Enqueue buffers a sequenced message for an offline identity. When the queue
// exceeds its bound it is discarded whole; the identity has already lost the
// contiguous history, so replay will demand a resync instead.
func (a *Authority) Enqueue(ctx context.Context, identity, channel string, seq uint64, payload json.RawMessage) error {
	member, err := json.Marshal(QueuedMessage{
		Sequence:   seq,
		Payload:    payload,
		EnqueuedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal queued message: %w", err)
	}

	key := queueKey(identity, channel)
	if err := a.client.ZAdd(ctx, key, backend.Z{
		Score:  float64(seq),
		Member: string(member),
	}).Err(); err != nil {
		return fmt.Errorf("enqueue for %s/%s: %w", identity, channel, err)
	}

	n, err := a.client.ZCard(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("measure queue %s/%s: %w", identity, channel, err)
	}
	if int(n) > a.queueMax {
		if err := a.client.Del(ctx, key).Err(); err != nil {
			return fmt.Errorf("drop overflowed queue %s/%s: %w", identity, channel, err)
		}
	}
	return nil
}

// Replay returns the messages an identity missed on a channel after afterSeq,
// in sequence order. resync is true when the queue cannot cover the gap
// (overflow, expiry, or a reconnect from before the queue's horizon); the
// caller must then send the client a full snapshot instead of a replay.
func (a *Authority) Replay(ctx context.Context, identity, channel string, afterSeq uint64) (msgs []QueuedMessage, resync bool, err error) {
	cur, err := a.Current(ctx, channel)
	if err != nil {
		return nil, false, err
	}
	if cur <= afterSeq {
		return nil, false, nil
	}

	raw, err := a.client.ZRangeByScore(ctx, queueKey(identity, channel), &backend.ZRangeBy{
		Min: fmt.Sprintf("%d", afterSeq+1),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, false, fmt.Errorf("replay %s/%s: %w", identity, channel, err)
	}

	for _, r := range raw {
		var m QueuedMessage
		if err := json.Unmarshal([]byte(r), &m); err != nil {
			return nil, false, fmt.Errorf("decode queued message on %s/%s: %w", identity, channel, err)
		}
		msgs = append(msgs, m)
	}

	// The queue must cover the gap contiguously from afterSeq+1 up to the
	// channel head, otherwise the client's view cannot be repaired by replay.
	if len(msgs) == 0 || msgs[0].Sequence != afterSeq+1 || msgs[len(msgs)-1].Sequence != cur {
		return nil, true, nil
	}
	return msgs, false, nil
}

// ClearQueue drops an identity's buffered messages for a channel. Called once
// a replay has been delivered or a resync makes the queue moot.
func (a *Authority) ClearQueue(ctx context.Context, identity, channel string) error {
	if err := a.client.Del(ctx, queueKey(identity, channel)).Err(); err != nil {
		return fmt.Errorf("clear queue %s/%s: %w", identity, channel, err)
	}
	return nil
}

// SweepExpired removes queued messages older than the queue age bound across
// all offline queues. Returns the number of messages removed.
func (a *Authority) SweepExpired(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-a.queueAge)
	var removed int

	var cursor uint64
	for {
		keys, next, err := a.client.Scan(ctx, cursor, keyPrefix+"queue:*", 100).Result()
		if err != nil {
			return removed, fmt.Errorf("scan offline queues: %w", err)
		}
		for _, key := range keys {
			n, err := a.sweepQueue(ctx, key, cutoff)
			if err != nil {
				return removed, err
			}
			removed += n
		}
		if next == 0 {
			return removed, nil
		}
		cursor = next
	}
}

func (a *Authority) sweepQueue(ctx context.Context, key string, cutoff time.Time) (int, error) {
	raw, err := a.client.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("read queue %s: %w", key, err)
	}

	var stale []interface{}
	for _, r := range raw {
		var m QueuedMessage
		if err := json.Unmarshal([]byte(r), &m); err != nil {
			// Undecodable entries are garbage; sweep them too.
			stale = append(stale, r)
			continue
		}
		if m.EnqueuedAt.Before(cutoff) {
			stale = append(stale, r)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	if err := a.client.ZRem(ctx, key, stale...).Err(); err != nil {
		return 0, fmt.Errorf("sweep queue %s: %w", key, err)
	}
	return len(stale), nil
}

// Close releases the Redis connection.
func (a *Authority) Close() error {
	return a.client.Close()
}
