package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hupe1980/agentbridge/core"
	"github.com/hupe1980/agentbridge/logging"
)

// casScript writes the hash only when the stored version equals ARGV[1].
// Returns the new version or -1 on mismatch.
var casScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'version')
if not current then current = '0' end
if current ~= ARGV[1] then return -1 end
local next = tonumber(current) + 1
redis.call('HSET', KEYS[1], 'version', next, 'data', ARGV[2])
local ttl = tonumber(ARGV[3])
if ttl > 0 then redis.call('PEXPIRE', KEYS[1], ttl) end
return next
`)

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
	// TTL expires idle conversations. Zero keeps them forever.
	TTL    time.Duration
	Logger logging.Logger
}

// RedisStore keeps each conversation in a hash with "version" and "data"
// fields. Writes go through a Lua compare-and-set script so concurrent
// writers across processes observe the same conflict semantics as the
// in-memory store.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

var _ core.SessionStore = (*RedisStore)(nil)

// NewRedisStore dials Redis and verifies the connection with PING.
func NewRedisStore(ctx context.Context, optFns ...func(o *RedisOptions)) (*RedisStore, error) {
	opts := RedisOptions{Address: "localhost:6379", KeyPrefix: "agentbridge:session:", Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Address == "" {
		return nil, errors.New("redis address must not be empty")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Address,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}
	opts.Logger.Info("session store initialized", "driver", "redis", "addr", opts.Address)
	return NewRedisStoreFromClient(client, opts.KeyPrefix, opts.TTL), nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, prefix: prefix, ttl: ttl, now: time.Now}
}

func (s *RedisStore) key(conversationID string) string { return s.prefix + conversationID }

// Get loads the state for conversationID or returns nil when absent.
func (s *RedisStore) Get(ctx context.Context, conversationID string) (*core.SessionState, error) {
	fields, err := s.client.HGetAll(ctx, s.key(conversationID)).Result()
	if err != nil {
		return nil, fmt.Errorf("loading session %q: %w", conversationID, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	version, err := strconv.ParseInt(fields["version"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decoding session %q version: %w", conversationID, err)
	}
	state := &core.SessionState{}
	if err := json.Unmarshal([]byte(fields["data"]), state); err != nil {
		return nil, fmt.Errorf("decoding session %q: %w", conversationID, err)
	}
	state.Version = version
	return state, nil
}

// Put writes state if the stored version equals expectedVersion.
func (s *RedisStore) Put(ctx context.Context, conversationID string, state *core.SessionState, expectedVersion int64) (int64, error) {
	if state == nil {
		return 0, fmt.Errorf("session: nil state for conversation %q", conversationID)
	}
	snapshot := *state
	snapshot.UpdatedAt = s.now()
	data, err := json.Marshal(&snapshot)
	if err != nil {
		return 0, fmt.Errorf("encoding session %q: %w", conversationID, err)
	}

	next, err := casScript.Run(ctx, s.client, []string{s.key(conversationID)},
		strconv.FormatInt(expectedVersion, 10), string(data), s.ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("writing session %q: %w", conversationID, err)
	}
	if next < 0 {
		return 0, fmt.Errorf("%w: conversation %q expected version %d", core.ErrVersionConflict, conversationID, expectedVersion)
	}
	return next, nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error { return s.client.Close() }
