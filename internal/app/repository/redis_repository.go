package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sifan077/kisalt/internal/app/model"
)

const (
	urlKeyPrefix  = "url:"
	metaKeyPrefix = "meta:"

	scanBatch     = 500
	loadBatch     = 200
	touchAttempts = 3
)

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

// createScript writes both halves of a record only if the url key is absent.
// ARGV[3] is the TTL in milliseconds, 0 for none.
var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
local ttl = tonumber(ARGV[3])
if ttl > 0 then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ttl)
	redis.call('SET', KEYS[2], ARGV[2], 'PX', ttl)
else
	redis.call('SET', KEYS[1], ARGV[1])
	redis.call('SET', KEYS[2], ARGV[2])
end
return 1
`)

// RedisRepository stores every record as two keys, url:<code> holding the
// target and meta:<code> holding a JSON Meta blob. Both carry the same TTL.
type RedisRepository struct {
	client *redis.Client
}

var _ URLRepository = (*RedisRepository)(nil)

// NewRedisRepository returns a Redis-backed URLRepository.
func NewRedisRepository(client *redis.Client) *RedisRepository {
	return &RedisRepository{client: client}
}

func urlKey(code string) string  { return urlKeyPrefix + code }
func metaKey(code string) string { return metaKeyPrefix + code }

func ttlOf(rec *model.URLRecord) time.Duration {
	if rec.ExpiresAt == nil {
		return 0
	}
	ttl := rec.TTL(time.Now())
	if ttl < time.Millisecond {
		// Already due; let Redis drop it right away rather than keeping it forever.
		ttl = time.Millisecond
	}
	return ttl
}

func (r *RedisRepository) Get(ctx context.Context, code string) (*model.URLRecord, error) {
	vals, err := r.client.MGet(ctx, urlKey(code), metaKey(code)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: get %q: %w", code, err)
	}
	return decodeRecord(code, vals[0], vals[1])
}

func decodeRecord(code string, rawURL, rawMeta interface{}) (*model.URLRecord, error) {
	target, ok := rawURL.(string)
	if !ok || target == "" {
		return nil, ErrNotFound
	}

	rec := &model.URLRecord{Code: code, OriginalURL: target}
	if metaStr, ok := rawMeta.(string); ok && metaStr != "" {
		var meta model.Meta
		if err := json.Unmarshal([]byte(metaStr), &meta); err != nil {
			return nil, fmt.Errorf("redis: decode meta %q: %w", code, err)
		}
		rec.CreatedAt = meta.CreatedAt
		rec.LastAccessedAt = meta.LastAccessedAt
		rec.ExpiresAt = meta.ExpiresAt
		rec.Clicks = meta.Clicks
	}
	return rec, nil
}

func (r *RedisRepository) Create(ctx context.Context, rec *model.URLRecord) error {
	meta, err := json.Marshal(rec.Meta())
	if err != nil {
		return fmt.Errorf("redis: encode meta %q: %w", rec.Code, err)
	}

	created, err := createScript.Run(ctx, r.client,
		[]string{urlKey(rec.Code), metaKey(rec.Code)},
		rec.OriginalURL, meta, ttlOf(rec).Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("redis: create %q: %w", rec.Code, err)
	}
	if created == 0 {
		return ErrCodeExists
	}
	return nil
}

func (r *RedisRepository) Put(ctx context.Context, rec *model.URLRecord) error {
	meta, err := json.Marshal(rec.Meta())
	if err != nil {
		return fmt.Errorf("redis: encode meta %q: %w", rec.Code, err)
	}

	ttl := ttlOf(rec)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, urlKey(rec.Code), rec.OriginalURL, ttl)
		pipe.Set(ctx, metaKey(rec.Code), meta, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: put %q: %w", rec.Code, err)
	}
	return nil
}

func (r *RedisRepository) Touch(ctx context.Context, code string, accessedAt time.Time, delta int64) error {
	key := metaKey(code)

	touch := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		var meta model.Meta
		if err := json.Unmarshal(raw, &meta); err != nil {
			return fmt.Errorf("decode meta: %w", err)
		}
		if accessedAt.After(meta.LastAccessedAt) {
			meta.LastAccessedAt = accessedAt
		}
		meta.Clicks += delta

		data, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, redis.KeepTTL)
			return nil
		})
		return err
	}

	var err error
	for i := 0; i < touchAttempts; i++ {
		err = r.client.Watch(ctx, touch, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("redis: touch %q: %w", code, err)
	}
	return nil
}

func (r *RedisRepository) Delete(ctx context.Context, codes ...string) (int64, error) {
	if len(codes) == 0 {
		return 0, nil
	}

	urlKeys := make([]string, len(codes))
	metaKeys := make([]string, len(codes))
	for i, code := range codes {
		urlKeys[i] = urlKey(code)
		metaKeys[i] = metaKey(code)
	}

	var removed *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.Del(ctx, urlKeys...)
		pipe.Del(ctx, metaKeys...)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("redis: delete: %w", err)
	}
	return removed.Val(), nil
}

func (r *RedisRepository) Keys(ctx context.Context, prefix string) ([]string, error) {
	match := urlKeyPrefix + globEscaper.Replace(prefix) + "*"

	var codes []string
	iter := r.client.Scan(ctx, 0, match, scanBatch).Iterator()
	for iter.Next(ctx) {
		codes = append(codes, strings.TrimPrefix(iter.Val(), urlKeyPrefix))
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis: scan keys: %w", err)
	}
	return codes, nil
}

func (r *RedisRepository) Load(ctx context.Context) ([]model.URLRecord, error) {
	codes, err := r.Keys(ctx, "")
	if err != nil {
		return nil, err
	}

	records := make([]model.URLRecord, 0, len(codes))
	for start := 0; start < len(codes); start += loadBatch {
		end := min(start+loadBatch, len(codes))
		batch := codes[start:end]

		keys := make([]string, 0, 2*len(batch))
		for _, code := range batch {
			keys = append(keys, urlKey(code), metaKey(code))
		}

		vals, err := r.client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, fmt.Errorf("redis: load: %w", err)
		}
		for i, code := range batch {
			rec, err := decodeRecord(code, vals[2*i], vals[2*i+1])
			if errors.Is(err, ErrNotFound) {
				// expired between SCAN and MGET
				continue
			}
			if err != nil {
				return nil, err
			}
			records = append(records, *rec)
		}
	}
	return records, nil
}
