package registry

import (
	"context"
	"sync"
	"time"
)

// Entry 代碼與房間的對應
type Entry struct {
	Code      string    `json:"code"`
	RoomID    string    `json:"roomId"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store 代碼對應的儲存介面
//
// 實作必須提供：
//   - Put 覆寫既有對應，並在 ttl 後自行失效（作為計時器之外的保險）
//   - CompareAndDelete 只在對應仍指向 roomID 時刪除，回傳是否刪除
type Store interface {
	Get(ctx context.Context, code string) (Entry, bool, error)
	Put(ctx context.Context, entry Entry, ttl time.Duration) error
	CompareAndDelete(ctx context.Context, code, roomID string) (bool, error)
}

// MemoryStore 行程內的儲存（預設）
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	Entry
	expiresAt time.Time
}

// NewMemoryStore 創建記憶體儲存
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// Get 讀取對應，已過期視為不存在
func (s *MemoryStore) Get(_ context.Context, code string) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[code]
	if !ok {
		return Entry{}, false, nil
	}
	if !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		delete(s.entries, code)
		return Entry{}, false, nil
	}
	return e.Entry, true, nil
}

// Put 寫入對應
func (s *MemoryStore) Put(_ context.Context, entry Entry, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = s.now().Add(ttl)
	}
	s.entries[entry.Code] = memoryEntry{Entry: entry, expiresAt: expiresAt}
	return nil
}

// CompareAndDelete 比對後刪除
func (s *MemoryStore) CompareAndDelete(_ context.Context, code, roomID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[code]
	if !ok || e.RoomID != roomID {
		return false, nil
	}
	delete(s.entries, code)
	return true, nil
}

// Len 目前的對應數量（含尚未清除的過期項目）
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
