package thread

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mnemo-oss/mnemo/internal/message"
)

// RedisStore keeps each thread as a hash of message ID to JSON plus a list
// holding the order of IDs, so processes can share threads.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(addr, password string, db int, prefix string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisStoreWithClient(client, prefix), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "mnemo"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) dataKey(threadID string) string  { return s.prefix + ":thread:" + threadID + ":data" }
func (s *RedisStore) orderKey(threadID string) string { return s.prefix + ":thread:" + threadID + ":order" }
func (s *RedisStore) indexKey() string                { return s.prefix + ":threads" }

// appendScript stores one message and, the first time its ID is seen,
// pushes the ID onto the order list. Running it as a script keeps the body
// and the order entry in one atomic step, so a failed call can be retried.
//
//	KEYS: data hash, order list, thread index
//	ARGV: message ID, message JSON, thread ID
var appendScript = redis.NewScript(`
if redis.call('HSETNX', KEYS[1], ARGV[1], ARGV[2]) == 1 then
	redis.call('RPUSH', KEYS[2], ARGV[1])
else
	redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
end
redis.call('SADD', KEYS[3], ARGV[3])
return 1
`)

// Append writes each message. Only the first write of an ID extends the
// order list; later writes replace the stored body.
func (s *RedisStore) Append(ctx context.Context, threadID string, msgs ...message.Message) error {
	keys := []string{s.dataKey(threadID), s.orderKey(threadID), s.indexKey()}
	for _, m := range message.Add(nil, msgs...) {
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("marshal message: %w", err)
		}
		if err := appendScript.Run(ctx, s.client, keys, m.ID, string(data), threadID).Err(); err != nil {
			return fmt.Errorf("append message: %w", err)
		}
	}
	return nil
}

func (s *RedisStore) Messages(ctx context.Context, threadID string) ([]message.Message, error) {
	ids, err := s.client.LRange(ctx, s.orderKey(threadID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	msgs := []message.Message{}
	if len(ids) == 0 {
		return msgs, nil
	}

	values, err := s.client.HMGet(ctx, s.dataKey(threadID), ids...).Result()
	if err != nil {
		return nil, err
	}
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var m message.Message
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func (s *RedisStore) List(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *RedisStore) Delete(ctx context.Context, threadID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.dataKey(threadID), s.orderKey(threadID))
	pipe.SRem(ctx, s.indexKey(), threadID)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
