package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/imalyk/pixelpipe/pkg/job"
)

const (
	taskFieldPrefix = "task:"
	maxTxRetries    = 5
)

// claimScript creates or re-claims the job hash in one step and moves the
// record between the per-state counters in KEYS[2]. A live claim, a terminal
// state or a FAILED record without a scheduled retry leave the hash untouched.
var claimScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then
  redis.call('HSET', KEYS[1], 'job_id', ARGV[5], 'state', 'RECEIVED', 'attempt_count', '0',
    'created_at', ARGV[4], 'updated_at', ARGV[4], 'claim_token', ARGV[1], 'claim_expires_at', ARGV[3])
  redis.call('HINCRBY', KEYS[2], 'RECEIVED', 1)
  return 1
end
if state == 'COMPLETED' or state == 'PARTIALLY_FAILED' or state == 'DEAD_LETTERED' then
  return 0
end
if state == 'FAILED' then
  local retryAt = redis.call('HGET', KEYS[1], 'retry_at')
  if not retryAt or retryAt == '' then
    return 0
  end
else
  local token = redis.call('HGET', KEYS[1], 'claim_token')
  local expires = tonumber(redis.call('HGET', KEYS[1], 'claim_expires_at') or '0') or 0
  if token and token ~= '' and expires > tonumber(ARGV[2]) then
    return 0
  end
end
redis.call('HSET', KEYS[1], 'state', 'RECEIVED', 'updated_at', ARGV[4], 'claim_token', ARGV[1], 'claim_expires_at', ARGV[3])
redis.call('HDEL', KEYS[1], 'retry_at')
if state ~= 'RECEIVED' then
  redis.call('HINCRBY', KEYS[2], state, -1)
  redis.call('HINCRBY', KEYS[2], 'RECEIVED', 1)
end
return 1
`)

// Redis stores one hash per job at {prefix}:job:{id}. Task results live in
// task:{task_id} fields holding JSON. {prefix}:stats counts records per state.
type Redis struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = "pixelpipe"
	}
	return &Redis{client: client, prefix: prefix, now: time.Now}
}

// WithClock replaces the clock used for lease expiry and timestamps.
func (r *Redis) WithClock(now func() time.Time) *Redis {
	r.now = now
	return r
}

func (r *Redis) jobKey(id string) string {
	return fmt.Sprintf("%s:job:%s", r.prefix, id)
}

func (r *Redis) statsKey() string {
	return r.prefix + ":stats"
}

func (r *Redis) ClaimOrGet(ctx context.Context, jobID string, lease time.Duration) (Claim, error) {
	now := r.now().UTC()
	token := uuid.NewString()
	claimed, err := claimScript.Run(ctx, r.client, []string{r.jobKey(jobID), r.statsKey()},
		token,
		now.UnixMilli(),
		now.Add(lease).UnixMilli(),
		now.Format(time.RFC3339Nano),
		jobID,
	).Int()
	if err != nil {
		return Claim{}, fmt.Errorf("claim job %s: %w", jobID, err)
	}

	rec, err := r.Get(ctx, jobID)
	if err != nil {
		return Claim{}, err
	}
	if claimed == 1 {
		return Claim{Claimed: true, Token: token, Record: rec}, nil
	}
	return Claim{Record: rec}, nil
}

func (r *Redis) Update(ctx context.Context, jobID, token string, mutate Mutation) (job.Record, error) {
	key := r.jobKey(jobID)
	var out job.Record

	txf := func(tx *redis.Tx) error {
		vals, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if len(vals) == 0 {
			return ErrNotFound
		}
		rec, err := decodeRecord(vals)
		if err != nil {
			return err
		}
		if err := checkOwnership(rec, token); err != nil {
			return err
		}
		next := copyRecord(rec)
		if err := mutate(&next); err != nil {
			return err
		}
		next.JobID = rec.JobID
		next.CreatedAt = rec.CreatedAt
		next.UpdatedAt = r.now().UTC()

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.HSet(ctx, key, encodeRecord(next))
			if next.State != rec.State {
				pipe.HIncrBy(ctx, r.statsKey(), string(rec.State), -1)
				pipe.HIncrBy(ctx, r.statsKey(), string(next.State), 1)
			}
			return nil
		})
		if err != nil {
			return err
		}
		out = next
		return nil
	}

	for i := 0; i < maxTxRetries; i++ {
		err := r.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return job.Record{}, err
		}
		return out, nil
	}
	return job.Record{}, fmt.Errorf("update job %s: too many concurrent modifications", jobID)
}

func (r *Redis) Get(ctx context.Context, jobID string) (job.Record, error) {
	vals, err := r.client.HGetAll(ctx, r.jobKey(jobID)).Result()
	if err != nil {
		return job.Record{}, fmt.Errorf("get job %s: %w", jobID, err)
	}
	if len(vals) == 0 {
		return job.Record{}, ErrNotFound
	}
	return decodeRecord(vals)
}

func (r *Redis) Counts(ctx context.Context) (map[job.State]int64, error) {
	vals, err := r.client.HGetAll(ctx, r.statsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("load job counts: %w", err)
	}
	counts := make(map[job.State]int64, len(vals))
	for state, v := range vals {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("decode count for %s: %w", state, err)
		}
		counts[job.State(state)] = n
	}
	return counts, nil
}

func encodeRecord(rec job.Record) map[string]interface{} {
	fields := map[string]interface{}{
		"job_id":           rec.JobID,
		"state":            string(rec.State),
		"attempt_count":    strconv.Itoa(rec.AttemptCount),
		"releases":         strconv.Itoa(rec.Releases),
		"created_at":       rec.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":       rec.UpdatedAt.Format(time.RFC3339Nano),
		"last_error":       rec.LastError,
		"cause":            rec.Cause,
		"claim_token":      rec.ClaimToken,
		"claim_expires_at": strconv.FormatInt(rec.ClaimExpiresAt.UnixMilli(), 10),
	}
	if rec.ClaimExpiresAt.IsZero() {
		fields["claim_expires_at"] = "0"
	}
	if rec.RetryAt != nil {
		fields["retry_at"] = rec.RetryAt.Format(time.RFC3339Nano)
	}
	for id, res := range rec.TaskResults {
		payload, _ := json.Marshal(res)
		fields[taskFieldPrefix+id] = string(payload)
	}
	return fields
}

func decodeRecord(vals map[string]string) (job.Record, error) {
	rec := job.Record{
		JobID:      vals["job_id"],
		State:      job.State(vals["state"]),
		LastError:  vals["last_error"],
		Cause:      vals["cause"],
		ClaimToken: vals["claim_token"],
	}
	if v := vals["attempt_count"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return job.Record{}, fmt.Errorf("decode attempt_count: %w", err)
		}
		rec.AttemptCount = n
	}
	if v := vals["releases"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return job.Record{}, fmt.Errorf("decode releases: %w", err)
		}
		rec.Releases = n
	}
	var err error
	if rec.CreatedAt, err = parseTime(vals["created_at"]); err != nil {
		return job.Record{}, err
	}
	if rec.UpdatedAt, err = parseTime(vals["updated_at"]); err != nil {
		return job.Record{}, err
	}
	if v := vals["retry_at"]; v != "" {
		at, err := parseTime(v)
		if err != nil {
			return job.Record{}, err
		}
		rec.RetryAt = &at
	}
	if v := vals["claim_expires_at"]; v != "" && v != "0" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return job.Record{}, fmt.Errorf("decode claim_expires_at: %w", err)
		}
		rec.ClaimExpiresAt = time.UnixMilli(ms).UTC()
	}
	for field, v := range vals {
		id, ok := strings.CutPrefix(field, taskFieldPrefix)
		if !ok {
			continue
		}
		var res job.TaskResult
		if err := json.Unmarshal([]byte(v), &res); err != nil {
			return job.Record{}, fmt.Errorf("decode task result %s: %w", id, err)
		}
		rec.SetTaskResult(id, res)
	}
	return rec, nil
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("decode timestamp %q: %w", v, err)
	}
	return t, nil
}
