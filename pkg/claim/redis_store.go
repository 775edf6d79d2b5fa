package claim

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// claimScript performs the conditional create atomically in Redis.
// KEYS[1] = claim key
// ARGV[1] = pending record JSON
// ARGV[2] = pending TTL (seconds)
//
// Returns {allowed, status, payload}. A failed record is deleted and
// re-claimed inside the script, so the failed -> pending handover
// cannot race another claimant.
var claimScript = redis.NewScript(`
local key = KEYS[1]
local raw = redis.call("GET", key)
if raw then
    local rec = cjson.decode(raw)
    if rec.status == "pending" or rec.status == "completed" then
        return {0, rec.status, raw}
    end
    -- failed: clear the stale record and fall through to re-claim
    redis.call("DEL", key)
end
local ok = redis.call("SET", key, ARGV[1], "NX", "EX", tonumber(ARGV[2]))
if ok then
    return {1, "pending", ""}
end
local raced = redis.call("GET", key)
if raced then
    local rec = cjson.decode(raced)
    return {0, rec.status, raced}
end
return {0, "", ""}
`)

// RedisStore implements Store against a shared Redis instance. Expiry
// and garbage collection come from Redis TTLs; nothing is ever
// explicitly deleted except on the failed -> retry transition.
type RedisStore struct {
	client *redis.Client
	ttl    TTLConfig
}

// NewRedisStore creates a claim store backed by Redis.
func NewRedisStore(client *redis.Client, ttl TTLConfig) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) CheckAndClaim(ctx context.Context, entityID, idempotencyKey, tenantID string) (Decision, error) {
	rec := record{
		Status:    StatusPending,
		TenantID:  tenantID,
		CreatedAt: time.Now().UTC(),
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return Decision{}, fmt.Errorf("claim: marshal pending record: %w", err)
	}

	key := claimKey(entityID, idempotencyKey)
	res, err := claimScript.Run(ctx, s.client, []string{key}, payload, int(s.ttl.Pending.Seconds())).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("claim: conditional create: %w", err)
	}

	results, ok := res.([]interface{})
	if !ok || len(results) != 3 {
		return Decision{}, fmt.Errorf("claim: invalid script response %T", res)
	}

	allowed, _ := results[0].(int64)
	status, _ := results[1].(string)
	raw, _ := results[2].(string)

	if allowed == 1 {
		return Decision{Allowed: true}, nil
	}

	d := Decision{Status: Status(status)}
	if d.Status == StatusCompleted {
		var stored record
		if err := json.Unmarshal([]byte(raw), &stored); err != nil {
			return Decision{}, fmt.Errorf("claim: corrupt completed record at %s: %w", key, err)
		}
		d.WasReplay = true
		d.CachedResult = stored.Result
	}
	return d, nil
}

func (s *RedisStore) MarkCompleted(ctx context.Context, entityID, idempotencyKey string, result json.RawMessage) error {
	rec := record{
		Status:    StatusCompleted,
		Result:    result,
		CreatedAt: time.Now().UTC(),
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("claim: marshal completed record: %w", err)
	}
	// SET XX: only overwrite a live record. An expired claim means
	// someone else will retry; not a fatal condition.
	_, err = s.client.SetXX(ctx, claimKey(entityID, idempotencyKey), payload, s.ttl.Completed).Result()
	if err != nil {
		return fmt.Errorf("claim: mark completed: %w", err)
	}
	return nil
}

func (s *RedisStore) MarkFailed(ctx context.Context, entityID, idempotencyKey string, cause error) error {
	rec := record{
		Status:    StatusFailed,
		CreatedAt: time.Now().UTC(),
	}
	if cause != nil {
		rec.Error = cause.Error()
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("claim: marshal failed record: %w", err)
	}
	_, err = s.client.SetXX(ctx, claimKey(entityID, idempotencyKey), payload, s.ttl.Failed).Result()
	if err != nil {
		return fmt.Errorf("claim: mark failed: %w", err)
	}
	return nil
}
