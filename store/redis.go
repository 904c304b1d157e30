package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	admission "github.com/jassus213/go-admission"
)

// DefaultRedisKeyPrefix namespaces quota records in a shared Redis.
const DefaultRedisKeyPrefix = "admission:quota:"

// conditionalPutLua compares the stored version with ARGV[1] and, if they
// match, writes the record and sets its absolute expiry (seconds).
// A missing key has version 0.
const conditionalPutLua = `
	local cur = redis.call("HGET", KEYS[1], "v")
	local version = 0
	if cur then
		version = tonumber(cur)
	end
	if version ~= tonumber(ARGV[1]) then
		return 0
	end
	redis.call("HSET", KEYS[1], "v", version + 1, "d", ARGV[2], "a", ARGV[3])
	if tonumber(ARGV[4]) > 0 then
		redis.call("EXPIREAT", KEYS[1], ARGV[4])
	end
	return 1
`

// RedisStore implements admission.Store and admission.Scanner using Redis as the backend.
// It is suitable for distributed systems where multiple application instances need to share
// a common quota state. Each record is a hash holding its version, its JSON body and
// its last request time; conditional writes run as a Lua script to stay atomic.
type RedisStore struct {
	client    redis.UniversalClient
	prefix    string
	scanCount int64
	putScript *redis.Script
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix sets the key namespace.
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithScanCount sets the COUNT hint used when scanning keys.
func WithScanCount(n int64) RedisOption {
	return func(s *RedisStore) {
		if n > 0 {
			s.scanCount = n
		}
	}
}

// NewRedis creates a new instance of RedisStore.
// It pre-compiles the conditional write script.
func NewRedis(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client:    client,
		prefix:    DefaultRedisKeyPrefix,
		scanCount: 500,
		putScript: redis.NewScript(conditionalPutLua),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get reads the record hash stored under key.
func (s *RedisStore) Get(ctx context.Context, key string) (*admission.Record, error) {
	vals, err := s.client.HMGet(ctx, s.prefix+key, "v", "d").Result()
	if err != nil {
		return nil, fmt.Errorf("%w: redis hmget: %w", admission.ErrStoreUnavailable, err)
	}
	return decodeRedisRecord(vals)
}

// ConditionalPut executes the pre-compiled Lua script.
func (s *RedisStore) ConditionalPut(ctx context.Context, rec *admission.Record, expectedVersion int64) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", rec.Key, err)
	}

	res, err := s.putScript.Run(ctx, s.client,
		[]string{s.prefix + rec.Key},
		expectedVersion, data, rec.LastRequestAtMs, rec.TTLEpochSeconds,
	).Int64()
	if err != nil {
		return fmt.Errorf("%w: redis conditional put: %w", admission.ErrStoreUnavailable, err)
	}
	if res != 1 {
		return admission.ErrConflict
	}
	return nil
}

// Scan walks every key under the prefix with SCAN. In cluster mode each
// master is scanned.
func (s *RedisStore) Scan(ctx context.Context, filter admission.ScanFilter) ([]admission.Record, error) {
	cluster, ok := s.client.(*redis.ClusterClient)
	if !ok {
		return s.scanNode(ctx, s.client, filter)
	}

	var (
		mu  sync.Mutex
		out []admission.Record
	)
	err := cluster.ForEachMaster(ctx, func(ctx context.Context, node *redis.Client) error {
		recs, err := s.scanNode(ctx, node, filter)
		if err != nil {
			return err
		}
		mu.Lock()
		out = append(out, recs...)
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *RedisStore) scanNode(ctx context.Context, node redis.Cmdable, filter admission.ScanFilter) ([]admission.Record, error) {
	var (
		out    []admission.Record
		cursor uint64
	)
	for {
		keys, next, err := node.Scan(ctx, cursor, s.prefix+"*", s.scanCount).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: redis scan: %w", admission.ErrStoreUnavailable, err)
		}

		if len(keys) > 0 {
			recs, err := s.fetch(ctx, node, keys, filter)
			if err != nil {
				return nil, err
			}
			out = append(out, recs...)
		}

		cursor = next
		if cursor == 0 {
			return out, nil
		}
	}
}

// fetch loads a batch of keys in one pipeline. The last request time is read
// first so inactive records are not decoded.
func (s *RedisStore) fetch(ctx context.Context, node redis.Cmdable, keys []string, filter admission.ScanFilter) ([]admission.Record, error) {
	pipe := node.Pipeline()
	cmds := make([]*redis.SliceCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.HMGet(ctx, key, "a", "v", "d")
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("%w: redis pipeline: %w", admission.ErrStoreUnavailable, err)
	}

	out := make([]admission.Record, 0, len(keys))
	for i, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil || len(vals) != 3 {
			continue
		}
		if last, ok := parseRedisInt(vals[0]); !ok || last < filter.ActiveSinceMs {
			continue
		}
		rec, err := decodeRedisRecord(vals[1:])
		if err != nil {
			// Key vanished between SCAN and HMGET.
			continue
		}
		if rec.Key == "" {
			rec.Key = strings.TrimPrefix(keys[i], s.prefix)
		}
		if filter.Matches(rec) {
			out = append(out, *rec)
		}
	}
	return out, nil
}

// Ping checks the connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func decodeRedisRecord(vals []interface{}) (*admission.Record, error) {
	if len(vals) != 2 || vals[1] == nil {
		return nil, admission.ErrRecordNotFound
	}
	version, ok := parseRedisInt(vals[0])
	if !ok {
		return nil, admission.ErrRecordNotFound
	}
	data, _ := vals[1].(string)

	var rec admission.Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	rec.Version = version
	return &rec, nil
}

func parseRedisInt(v interface{}) (int64, bool) {
	s, ok := v.(string)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(s, 10, 64)
	return n, err == nil
}
