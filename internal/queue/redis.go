package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const promoteBatch = 100

// promoteScript moves due members of a sorted set back onto the pending
// list. When a third key is given the member is also removed from that list
// (expired in-flight deliveries).
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, m in ipairs(due) do
  redis.call('ZREM', KEYS[1], m)
  if KEYS[3] then
    redis.call('LREM', KEYS[3], 1, m)
  end
  redis.call('RPUSH', KEYS[2], m)
end
return #due
`)

// sweepScript requeues processing entries that never made it into the
// in-flight set, which happens when a receiver dies between the move and the
// tracking write. An entry is marked on first sight and requeued once it has
// stayed untracked for the grace period.
var sweepScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local requeued = 0
for _, m in ipairs(redis.call('LRANGE', KEYS[1], -tonumber(ARGV[3]), -1)) do
  if redis.call('ZSCORE', KEYS[2], m) then
    redis.call('HDEL', KEYS[3], m)
  else
    local seen = redis.call('HGET', KEYS[3], m)
    if not seen then
      redis.call('HSET', KEYS[3], m, ARGV[1])
    elseif now - tonumber(seen) >= tonumber(ARGV[2]) then
      redis.call('LREM', KEYS[1], 1, m)
      redis.call('HDEL', KEYS[3], m)
      redis.call('RPUSH', KEYS[4], m)
      requeued = requeued + 1
    end
  end
end
return requeued
`)

// settleScript finishes a delivery. The processing and in-flight entries are
// only touched while the in-flight score still equals the delivery's own
// deadline, so a settle arriving after a redelivery leaves the new holder
// alone. Dead letters are always recorded.
var settleScript = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[2], ARGV[1])
local owned = score and tonumber(score) == tonumber(ARGV[2])
if owned then
  redis.call('ZREM', KEYS[2], ARGV[1])
  redis.call('LREM', KEYS[1], 1, ARGV[1])
  if ARGV[4] == 'nack' then
    redis.call('ZADD', KEYS[4], tonumber(ARGV[5]), ARGV[1])
  else
    redis.call('HDEL', KEYS[3], ARGV[3])
  end
end
if ARGV[4] == 'dead' then
  redis.call('LPUSH', KEYS[5], ARGV[5])
end
if owned then
  return 1
end
return 0
`)

type RedisOptions struct {
	Prefix string
	// PollTimeout bounds each blocking pop so delayed and expired messages
	// get promoted while the queue is idle.
	PollTimeout time.Duration
	// VisibilityTimeout is how long a received message may stay
	// unacknowledged before it is redelivered.
	VisibilityTimeout time.Duration
	// OrphanGrace is how long a processing entry may go untracked before it
	// is requeued.
	OrphanGrace time.Duration
}

// Redis is a reliable list queue. Received messages are moved to a
// processing list and tracked in an in-flight set until they are acked,
// nacked or dead-lettered.
type Redis struct {
	client redis.UniversalClient
	opts   RedisOptions
	logger *slog.Logger
	now    func() time.Time
}

func NewRedis(client redis.UniversalClient, opts RedisOptions, logger *slog.Logger) *Redis {
	if opts.Prefix == "" {
		opts.Prefix = "pixelpipe"
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 5 * time.Second
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 15 * time.Minute
	}
	if opts.OrphanGrace <= 0 {
		opts.OrphanGrace = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{client: client, opts: opts, logger: logger, now: time.Now}
}

// WithClock replaces the clock used for delays and visibility deadlines.
func (q *Redis) WithClock(now func() time.Time) *Redis {
	q.now = now
	return q
}

func (q *Redis) key(name string) string {
	return fmt.Sprintf("%s:queue:%s", q.opts.Prefix, name)
}

func (q *Redis) Publish(ctx context.Context, body []byte) (string, error) {
	env := envelope{MessageID: uuid.NewString(), PublishedAt: q.now().UTC(), Body: body}
	payload, err := encodeEnvelope(env)
	if err != nil {
		return "", fmt.Errorf("encode message: %w", err)
	}
	if err := q.client.LPush(ctx, q.key("pending"), payload).Err(); err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return env.MessageID, nil
}

func (q *Redis) Receive(ctx context.Context) (*Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := q.Promote(ctx); err != nil && !errors.Is(err, context.Canceled) {
			q.logger.Warn("failed to promote delayed messages", "error", err)
		}

		payload, err := q.client.BLMove(ctx, q.key("pending"), q.key("processing"), "RIGHT", "LEFT", q.opts.PollTimeout).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("receive message: %w", err)
		}
		return q.track(ctx, payload)
	}
}

func (q *Redis) track(ctx context.Context, payload string) (*Delivery, error) {
	now := q.now().UTC()
	d := &Delivery{ReceivedAt: now, payload: payload}

	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil || env.MessageID == "" {
		// Foreign payload: hand it over as-is so validation dead-letters it.
		d.MessageID = "raw-" + uuid.NewString()
		d.Body = []byte(payload)
	} else {
		d.MessageID = env.MessageID
		d.Body = env.Body
	}

	d.deadline = now.Add(q.opts.VisibilityTimeout).UnixMilli()
	var attempts *redis.IntCmd
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, q.key("inflight"), redis.Z{Score: float64(d.deadline), Member: payload})
		attempts = pipe.HIncrBy(ctx, q.key("deliveries"), d.MessageID, 1)
		pipe.HDel(ctx, q.key("orphans"), payload)
		return nil
	})
	if err != nil {
		q.putBack(ctx, payload, d.MessageID)
		return nil, fmt.Errorf("track delivery %s: %w", d.MessageID, err)
	}
	d.Attempt = int(attempts.Val())
	return d, nil
}

// putBack returns an untracked payload to the front of the pending list. If
// that fails too the orphan sweep picks it up.
func (q *Redis) putBack(ctx context.Context, payload, messageID string) {
	ctx = context.WithoutCancel(ctx)
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.key("processing"), 1, payload)
		pipe.RPush(ctx, q.key("pending"), payload)
		return nil
	})
	if err != nil {
		q.logger.Warn("failed to return untracked message", "message_id", messageID, "error", err)
	}
}

// Promote requeues delayed messages that are due and in-flight messages whose
// visibility timeout passed.
func (q *Redis) Promote(ctx context.Context) error {
	now := strconv.FormatInt(q.now().UnixMilli(), 10)
	if err := promoteScript.Run(ctx, q.client,
		[]string{q.key("delayed"), q.key("pending")}, now, promoteBatch).Err(); err != nil {
		return fmt.Errorf("promote delayed: %w", err)
	}
	n, err := promoteScript.Run(ctx, q.client,
		[]string{q.key("inflight"), q.key("pending"), q.key("processing")}, now, promoteBatch).Int()
	if err != nil {
		return fmt.Errorf("reclaim expired: %w", err)
	}
	if n > 0 {
		q.logger.Warn("redelivering messages past visibility timeout", "count", n)
	}
	n, err = sweepScript.Run(ctx, q.client,
		[]string{q.key("processing"), q.key("inflight"), q.key("orphans"), q.key("pending")},
		now, q.opts.OrphanGrace.Milliseconds(), promoteBatch).Int()
	if err != nil {
		return fmt.Errorf("sweep untracked: %w", err)
	}
	if n > 0 {
		q.logger.Warn("requeued messages that were never tracked", "count", n)
	}
	return nil
}

func (q *Redis) Ack(ctx context.Context, d *Delivery) error {
	if err := q.settle(ctx, d, "ack", ""); err != nil {
		return fmt.Errorf("ack %s: %w", d.MessageID, err)
	}
	return nil
}

func (q *Redis) Nack(ctx context.Context, d *Delivery, delay time.Duration) error {
	due := strconv.FormatInt(q.now().Add(delay).UnixMilli(), 10)
	if err := q.settle(ctx, d, "nack", due); err != nil {
		return fmt.Errorf("nack %s: %w", d.MessageID, err)
	}
	return nil
}

func (q *Redis) DeadLetter(ctx context.Context, d *Delivery, reason string) error {
	entry, err := json.Marshal(DeadLetter{
		MessageID:      d.MessageID,
		Reason:         reason,
		Attempt:        d.Attempt,
		Body:           d.Body,
		DeadLetteredAt: q.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	if err := q.settle(ctx, d, "dead", string(entry)); err != nil {
		return fmt.Errorf("dead-letter %s: %w", d.MessageID, err)
	}
	return nil
}

func (q *Redis) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 50
	}
	raw, err := q.client.LRange(ctx, q.key("dead"), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	out := make([]DeadLetter, 0, len(raw))
	for _, item := range raw {
		var dl DeadLetter
		if err := json.Unmarshal([]byte(item), &dl); err != nil {
			q.logger.Warn("skipping undecodable dead letter", "error", err)
			continue
		}
		out = append(out, dl)
	}
	return out, nil
}

func (q *Redis) settle(ctx context.Context, d *Delivery, mode, arg string) error {
	owned, err := settleScript.Run(ctx, q.client,
		[]string{q.key("processing"), q.key("inflight"), q.key("deliveries"), q.key("delayed"), q.key("dead")},
		d.payload, d.deadline, d.MessageID, mode, arg).Int()
	if err != nil {
		return err
	}
	if owned == 0 {
		q.logger.Warn("delivery no longer held, settle skipped", "message_id", d.MessageID, "mode", mode)
	}
	return nil
}
