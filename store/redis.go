package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agentpay/agentpay/types"
)

const recordKeyPrefix = "agentpay:payment:"

// casScript swaps the stored record for the updated one only while the
// current status still matches. Running it server-side keeps the check
// and the write atomic across facilitator processes.
var casScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then
  return false
end
local rec = cjson.decode(raw)
if rec['status'] ~= ARGV[1] then
  return {raw, 0}
end
redis.call('SET', KEYS[1], ARGV[2])
return {ARGV[2], 1}
`)

var _ Store = (*RedisStore)(nil)

// RedisStore backs settlement records with Redis so terminal outcomes
// survive process restarts and are shared between facilitator replicas.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, types.Errorf(types.ErrNetwork, "failed to connect to redis: %v", err)
	}
	return &RedisStore{client: client}, nil
}

func recordKey(id string) string { return recordKeyPrefix + id }

func (r *RedisStore) Create(ctx context.Context, record *types.SettlementRecord) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}
	ok, err := r.client.SetNX(ctx, recordKey(record.ID), raw, 0).Result()
	if err != nil {
		return types.Errorf(types.ErrNetwork, "redis create failed: %v", err)
	}
	if !ok {
		return types.Errorf(types.ErrStoreConflict, "record %s already exists", record.ID)
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, id string) (*types.SettlementRecord, error) {
	raw, err := r.client.Get(ctx, recordKey(id)).Bytes()
	if err == redis.Nil {
		return nil, types.Errorf(types.ErrNotFound, "record %s not found", id)
	}
	if err != nil {
		return nil, types.Errorf(types.ErrNetwork, "redis get failed: %v", err)
	}
	var rec types.SettlementRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, types.Errorf(types.ErrNetwork, "corrupt record %s: %v", id, err)
	}
	return &rec, nil
}

func (r *RedisStore) CompareAndSet(ctx context.Context, id string, expect types.Status, update Update) (*types.SettlementRecord, bool, error) {
	// Read, apply, then swap under the script's status check. A
	// concurrent writer changes the status, the script refuses the
	// stale write, and we report the race to the caller.
	current, err := r.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if current.Status != expect {
		return current, false, nil
	}
	updated := current.Clone()
	applyUpdate(updated, update)
	raw, err := json.Marshal(updated)
	if err != nil {
		return nil, false, err
	}

	res, err := casScript.Run(ctx, r.client, []string{recordKey(id)}, string(expect), string(raw)).Result()
	if err == redis.Nil || res == nil {
		return nil, false, types.Errorf(types.ErrNotFound, "record %s not found", id)
	}
	if err != nil {
		return nil, false, types.Errorf(types.ErrNetwork, "redis compare-and-set failed: %v", err)
	}

	pair, ok := res.([]interface{})
	if !ok || len(pair) != 2 {
		return nil, false, types.Errorf(types.ErrNetwork, "unexpected compare-and-set reply")
	}
	storedRaw, _ := pair[0].(string)
	swapped, _ := pair[1].(int64)

	var stored types.SettlementRecord
	if err := json.Unmarshal([]byte(storedRaw), &stored); err != nil {
		return nil, false, types.Errorf(types.ErrNetwork, "corrupt record %s: %v", id, err)
	}
	return &stored, swapped == 1, nil
}

func (r *RedisStore) SweepExpired(ctx context.Context, now time.Time, ttl time.Duration) (int, error) {
	removed := 0
	iter := r.client.Scan(ctx, 0, recordKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		raw, err := r.client.Get(ctx, key).Bytes()
		if err != nil {
			continue
		}
		var rec types.SettlementRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		if rec.Status != types.StatusProcessing || now.Sub(rec.CreatedAt) <= ttl {
			continue
		}
		// Delete through the script so a record finalized between the
		// read and the delete is left alone.
		if _, swapped, err := r.CompareAndSet(ctx, rec.ID, types.StatusProcessing, Update{Status: types.StatusExpired}); err == nil && swapped {
			r.client.Del(ctx, key)
			removed++
		}
	}
	if err := iter.Err(); err != nil {
		return removed, types.Errorf(types.ErrNetwork, "redis scan failed: %v", err)
	}
	return removed, nil
}

func (r *RedisStore) Close() error { return r.client.Close() }
