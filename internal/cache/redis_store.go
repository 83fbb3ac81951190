package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a Backend on Redis. Entries are hashes expired natively with
// PEXPIREAT, so DeleteExpired has nothing left to remove.
type RedisStore struct {
	rc     *redis.Client
	prefix string
}

// RedisOptions configures OpenRedis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Namespace prefixes every key. Defaults to "place2polygon:".
	Namespace string
}

// OpenRedis connects and pings the server.
func OpenRedis(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	rc := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := rc.Ping(ctx).Err(); err != nil {
		rc.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", opts.Addr, err)
	}
	return NewRedisStore(rc, opts.Namespace), nil
}

// NewRedisStore wraps an existing client.
func NewRedisStore(rc *redis.Client, namespace string) *RedisStore {
	if namespace == "" {
		namespace = "place2polygon:"
	}
	return &RedisStore{rc: rc, prefix: namespace}
}

// touchScript bumps the hit count only while the entry exists, so a key that
// expired mid-call is not recreated without a TTL.
var touchScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return redis.call('HINCRBY', KEYS[1], 'hits', 1)
end
return 0
`)

// purgeScript deletes the entry only if its stored expiry is at or before
// ARGV[1] (unix millis).
var purgeScript = redis.NewScript(`
local exp = redis.call('HGET', KEYS[1], 'expires')
if exp and tonumber(exp) <= tonumber(ARGV[1]) then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

func (s *RedisStore) entryKey(key string) string { return s.prefix + "entry:" + key }
func (s *RedisStore) statKey(name string) string { return s.prefix + "stat:" + name }
func (s *RedisStore) entryID(redisKey string) string {
	return redisKey[len(s.prefix+"entry:"):]
}

func (s *RedisStore) Load(ctx context.Context, key string) (Entry, bool, error) {
	vals, err := s.rc.HGetAll(ctx, s.entryKey(key)).Result()
	if err != nil {
		return Entry{}, false, fmt.Errorf("load %q: %w", key, err)
	}
	v, ok := vals["v"]
	if !ok {
		return Entry{}, false, nil
	}
	created, _ := strconv.ParseInt(vals["created"], 10, 64)
	expires, _ := strconv.ParseInt(vals["expires"], 10, 64)
	hits, _ := strconv.ParseInt(vals["hits"], 10, 64)
	return Entry{
		Key:         key,
		Value:       []byte(v),
		CreatedAt:   fromMillis(created),
		ExpiresAt:   fromMillis(expires),
		AccessCount: hits,
	}, true, nil
}

func (s *RedisStore) Store(ctx context.Context, e Entry) error {
	k := s.entryKey(e.Key)
	_, err := s.rc.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, k)
		p.HSet(ctx, k,
			"v", string(e.Value),
			"created", millis(e.CreatedAt),
			"expires", millis(e.ExpiresAt),
			"hits", 0,
		)
		p.PExpireAt(ctx, k, e.ExpiresAt)
		return nil
	})
	if err != nil {
		return fmt.Errorf("store %q: %w", e.Key, err)
	}
	return nil
}

func (s *RedisStore) Touch(ctx context.Context, key string, _ time.Time) error {
	if err := touchScript.Run(ctx, s.rc, []string{s.entryKey(key)}).Err(); err != nil {
		return fmt.Errorf("touch %q: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) (bool, error) {
	n, err := s.rc.Del(ctx, s.entryKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("delete %q: %w", key, err)
	}
	return n > 0, nil
}

func (s *RedisStore) DeleteIfExpired(ctx context.Context, key string, now time.Time) (bool, error) {
	n, err := purgeScript.Run(ctx, s.rc, []string{s.entryKey(key)}, millis(now)).Int64()
	if err != nil {
		return false, fmt.Errorf("purge %q: %w", key, err)
	}
	return n > 0, nil
}

func (s *RedisStore) DeleteExpired(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func (s *RedisStore) Truncate(ctx context.Context) error {
	keys, err := s.scan(ctx, s.prefix+"*")
	if err != nil {
		return fmt.Errorf("truncate: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.rc.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("truncate: %w", err)
	}
	return nil
}

func (s *RedisStore) Incr(ctx context.Context, counter string, _ time.Time) error {
	if err := s.rc.Incr(ctx, s.statKey(counter)).Err(); err != nil {
		return fmt.Errorf("increment %s: %w", counter, err)
	}
	return nil
}

func (s *RedisStore) Stats(ctx context.Context, _ time.Time) (BackendStats, error) {
	out := BackendStats{Counters: map[string]int64{}}

	for _, name := range []string{counterHits, counterMisses} {
		n, err := s.rc.Get(ctx, s.statKey(name)).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return out, fmt.Errorf("counter %s: %w", name, err)
		}
		out.Counters[name] = n
	}

	keys, err := s.scan(ctx, s.entryKey("*"))
	if err != nil {
		return out, fmt.Errorf("entry stats: %w", err)
	}
	cmds := make([]*redis.SliceCmd, len(keys))
	_, err = s.rc.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, k := range keys {
			cmds[i] = p.HMGet(ctx, k, "v", "hits")
		}
		return nil
	})
	if err != nil {
		return out, fmt.Errorf("entry stats: %w", err)
	}

	var accessed []KeyCount
	for i, cmd := range cmds {
		vals := cmd.Val()
		if len(vals) != 2 || vals[0] == nil {
			continue // expired between SCAN and HMGET
		}
		out.TotalEntries++
		if v, ok := vals[0].(string); ok {
			out.TotalSizeBytes += int64(len(v))
		}
		if h, ok := vals[1].(string); ok {
			if n, _ := strconv.ParseInt(h, 10, 64); n > 0 {
				accessed = append(accessed, KeyCount{Key: s.entryID(keys[i]), AccessCount: n})
			}
		}
	}
	sort.Slice(accessed, func(i, j int) bool {
		if accessed[i].AccessCount != accessed[j].AccessCount {
			return accessed[i].AccessCount > accessed[j].AccessCount
		}
		return accessed[i].Key < accessed[j].Key
	})
	if len(accessed) > topAccessed {
		accessed = accessed[:topAccessed]
	}
	out.MostAccessed = accessed
	return out, nil
}

func (s *RedisStore) scan(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.rc.Scan(ctx, 0, pattern, 200).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	return keys, iter.Err()
}

func (s *RedisStore) Close() error {
	return s.rc.Close()
}
