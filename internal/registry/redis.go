package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix Redis key 前綴
const DefaultKeyPrefix = "duo:code:"

// compareAndDelete 只在值仍指向同一個房間時刪除
var compareAndDelete = redis.NewScript(`
	local v = redis.call('GET', KEYS[1])
	if not v then
		return 0
	end
	local ok, entry = pcall(cjson.decode, v)
	if ok and entry['roomId'] == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// RedisStore 以 Redis 儲存代碼對應
//
// 值為 Entry 的 JSON，SET 時附帶 PX 過期時間；
// 即使行程重啟遺失計時器，對應仍會由 Redis 自行清除。
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore 創建 Redis 儲存
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(code string) string {
	return s.prefix + code
}

// Get 讀取對應
func (s *RedisStore) Get(ctx context.Context, code string) (Entry, bool, error) {
	data, err := s.client.Get(ctx, s.key(code)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("redis get %s: %w", code, err)
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, false, fmt.Errorf("decode entry %s: %w", code, err)
	}
	return e, true, nil
}

// Put 寫入對應
func (s *RedisStore) Put(ctx context.Context, entry Entry, ttl time.Duration) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode entry %s: %w", entry.Code, err)
	}
	if err := s.client.Set(ctx, s.key(entry.Code), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", entry.Code, err)
	}
	return nil
}

// CompareAndDelete 比對後刪除（Lua 腳本保證原子性）
func (s *RedisStore) CompareAndDelete(ctx context.Context, code, roomID string) (bool, error) {
	n, err := compareAndDelete.Run(ctx, s.client, []string{s.key(code)}, roomID).Int64()
	if err != nil {
		return false, fmt.Errorf("redis compare-and-delete %s: %w", code, err)
	}
	return n == 1, nil
}
