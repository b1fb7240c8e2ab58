package cachestore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds connection settings for the Redis store.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string // Key prefix for all cache keys
}

// Redis keeps each generation in one hash, <prefix>gen:<name>, and the set
// of generation names in <prefix>generations.
type Redis struct {
	client *redis.Client
	prefix string
}

// Writes are refused once the generation has left the names set.
var putIfLive = redis.NewScript(`
if redis.call('SISMEMBER', KEYS[1], ARGV[1]) == 0 then
  return 0
end
for i = 2, #ARGV, 2 do
  redis.call('HSET', KEYS[2], ARGV[i], ARGV[i+1])
end
return 1
`)

func NewRedis(cfg RedisConfig) (*Redis, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = "assetproxy:"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &Redis{client: client, prefix: cfg.Prefix}, nil
}

func (rs *Redis) namesKey() string          { return rs.prefix + "generations" }
func (rs *Redis) genKey(name string) string { return rs.prefix + "gen:" + name }

func (rs *Redis) Open(ctx context.Context, name string) (Generation, error) {
	if err := rs.client.SAdd(ctx, rs.namesKey(), name).Err(); err != nil {
		return nil, fmt.Errorf("open generation %q: %w", name, err)
	}
	return &redisGeneration{store: rs, name: name}, nil
}

func (rs *Redis) Has(ctx context.Context, name string) (bool, error) {
	return rs.client.SIsMember(ctx, rs.namesKey(), name).Result()
}

func (rs *Redis) Names(ctx context.Context) ([]string, error) {
	names, err := rs.client.SMembers(ctx, rs.namesKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func (rs *Redis) Delete(ctx context.Context, name string) (bool, error) {
	var removed *redis.IntCmd
	_, err := rs.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.SRem(ctx, rs.namesKey(), name)
		pipe.Del(ctx, rs.genKey(name))
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("delete generation %q: %w", name, err)
	}
	return removed.Val() > 0, nil
}

func (rs *Redis) Close() error {
	return rs.client.Close()
}

type redisGeneration struct {
	store *Redis
	name  string
}

func (g *redisGeneration) Name() string { return g.name }

func (g *redisGeneration) Match(ctx context.Context, key string) (Entry, bool, error) {
	b, err := g.store.client.HGet(ctx, g.store.genKey(g.name), key).Bytes()
	if err == redis.Nil {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	var ent Entry
	if err := json.Unmarshal(b, &ent); err != nil {
		return Entry{}, false, fmt.Errorf("decode %q: %w", key, err)
	}
	return ent, true, nil
}

func (g *redisGeneration) Put(ctx context.Context, key string, ent Entry) error {
	return g.PutBatch(ctx, []Record{{Key: key, Entry: ent}})
}

func (g *redisGeneration) PutBatch(ctx context.Context, recs []Record) error {
	if len(recs) == 0 {
		return nil
	}
	args := make([]any, 0, 1+2*len(recs))
	args = append(args, g.name)
	for _, r := range recs {
		b, err := json.Marshal(r.Entry)
		if err != nil {
			return fmt.Errorf("encode %q: %w", r.Key, err)
		}
		args = append(args, r.Key, b)
	}
	ok, err := putIfLive.Run(ctx, g.store.client, []string{g.store.namesKey(), g.store.genKey(g.name)}, args...).Int()
	if err != nil {
		return fmt.Errorf("store in Redis: %w", err)
	}
	if ok == 0 {
		return ErrGenerationGone
	}
	return nil
}

func (g *redisGeneration) Keys(ctx context.Context) ([]string, error) {
	keys, err := g.store.client.HKeys(ctx, g.store.genKey(g.name)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}
