package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"signout/internal/ledger/models"
	id "signout/pkg/domain"
	"signout/pkg/platform/sentinel"
)

const (
	entryKeyPrefix  = "ledger:"
	pendingIndexKey = "ledger_idx:pending"
	recordedIdxKey  = "ledger_idx:recorded"

	maxTxRetries = 5
)

// Redis keeps entries as JSON under ledger:<direction>:<id>. Two sorted sets
// scored by recorded time index outbound pending entries and all entries.
type Redis struct {
	client *redis.Client
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func member(direction models.Direction, notificationID id.NotificationID) string {
	return string(direction) + ":" + notificationID.String()
}

func entryKey(direction models.Direction, notificationID id.NotificationID) string {
	return entryKeyPrefix + member(direction, notificationID)
}

func score(t time.Time) float64 { return float64(t.UnixMilli()) }

// recordScript inserts the entry only if absent and indexes it in the same
// step, so no reader ever sees an entry missing from its indexes.
//
// KEYS: entry, recorded index, pending index.
// ARGV: payload, score, member, "1" when the entry is outbound and pending.
var recordScript = redis.NewScript(`
if not redis.call('SET', KEYS[1], ARGV[1], 'NX') then
  return 0
end
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
if ARGV[4] == '1' then
  redis.call('ZADD', KEYS[3], ARGV[2], ARGV[3])
end
return 1
`)

func (r *Redis) Record(ctx context.Context, entry *models.Entry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal ledger entry: %w", err)
	}
	key := entry.Key()
	pending := "0"
	if entry.Direction == models.DirectionOutbound && entry.Status == models.StatusPending {
		pending = "1"
	}
	inserted, err := recordScript.Run(ctx, r.client,
		[]string{entryKey(key.Direction, key.NotificationID), recordedIdxKey, pendingIndexKey},
		payload, strconv.FormatInt(entry.RecordedAt.UnixMilli(), 10), member(key.Direction, key.NotificationID), pending,
	).Int()
	if err != nil {
		return fmt.Errorf("record ledger entry: %w", err)
	}
	if inserted == 0 {
		return fmt.Errorf("ledger entry %s/%s: %w", key.Direction, key.NotificationID, sentinel.ErrAlreadyExists)
	}
	return nil
}

func (r *Redis) Find(ctx context.Context, direction models.Direction, notificationID id.NotificationID) (*models.Entry, error) {
	raw, err := r.client.Get(ctx, entryKey(direction, notificationID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("ledger entry %s/%s: %w", direction, notificationID, sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find ledger entry: %w", err)
	}
	return decodeEntry(raw)
}

func (r *Redis) UpdateStatus(ctx context.Context, notificationID id.NotificationID, status models.Status, attempts int, now time.Time) error {
	key := entryKey(models.DirectionOutbound, notificationID)
	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("ledger entry %s: %w", notificationID, sentinel.ErrNotFound)
		}
		if err != nil {
			return err
		}
		entry, err := decodeEntry(raw)
		if err != nil {
			return err
		}
		entry.Status = status
		entry.Attempts = attempts
		entry.UpdatedAt = now
		payload, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("marshal ledger entry: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SetArgs(ctx, key, payload, redis.SetArgs{KeepTTL: true})
			m := member(models.DirectionOutbound, notificationID)
			if status == models.StatusPending {
				pipe.ZAdd(ctx, pendingIndexKey, redis.Z{Score: score(entry.RecordedAt), Member: m})
			} else {
				pipe.ZRem(ctx, pendingIndexKey, m)
			}
			return nil
		})
		return err
	}

	var err error
	for i := 0; i < maxTxRetries; i++ {
		err = r.client.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return err
}

func (r *Redis) ListPending(ctx context.Context, cutoff time.Time, limit int) ([]*models.Entry, error) {
	opt := &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.UnixMilli(), 10),
	}
	if limit > 0 {
		opt.Count = int64(limit)
	}
	members, err := r.client.ZRangeByScore(ctx, pendingIndexKey, opt).Result()
	if err != nil {
		return nil, fmt.Errorf("list pending ledger entries: %w", err)
	}
	entries, _, missing, err := r.load(ctx, members)
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		if err := r.client.ZRem(ctx, pendingIndexKey, missing...).Err(); err != nil {
			return nil, fmt.Errorf("prune pending index: %w", err)
		}
	}
	return entries, nil
}

// Purge removes terminal entries recorded before cutoff, along with index
// members whose entry no longer exists.
func (r *Redis) Purge(ctx context.Context, cutoff time.Time) (int, error) {
	members, err := r.client.ZRangeByScore(ctx, recordedIdxKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("list expired ledger entries: %w", err)
	}
	entries, loaded, missing, err := r.load(ctx, members)
	if err != nil {
		return 0, err
	}

	pipe := r.client.TxPipeline()
	if len(missing) > 0 {
		pipe.ZRem(ctx, recordedIdxKey, missing...)
		pipe.ZRem(ctx, pendingIndexKey, missing...)
	}
	n := 0
	for i, e := range entries {
		if !e.Status.IsTerminal() {
			continue
		}
		m := loaded[i]
		pipe.Del(ctx, entryKeyPrefix+m)
		pipe.ZRem(ctx, recordedIdxKey, m)
		n++
	}
	if n == 0 && len(missing) == 0 {
		return 0, nil
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("purge ledger entries: %w", err)
	}
	return n, nil
}

// load returns the decoded entries, the index members they came from, and
// the members whose entry is gone.
func (r *Redis) load(ctx context.Context, members []string) ([]*models.Entry, []string, []any, error) {
	if len(members) == 0 {
		return nil, nil, nil, nil
	}
	keys := make([]string, len(members))
	for i, m := range members {
		keys[i] = entryKeyPrefix + m
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load ledger entries: %w", err)
	}
	entries := make([]*models.Entry, 0, len(vals))
	loaded := make([]string, 0, len(vals))
	var missing []any
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			missing = append(missing, members[i])
			continue
		}
		e, err := decodeEntry([]byte(str))
		if err != nil {
			return nil, nil, nil, err
		}
		entries = append(entries, e)
		loaded = append(loaded, members[i])
	}
	return entries, loaded, missing, nil
}

func decodeEntry(raw []byte) (*models.Entry, error) {
	var e models.Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decode ledger entry: %w", err)
	}
	return &e, nil
}
