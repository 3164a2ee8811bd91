// Package registry 實現好友代碼到房間的對應
package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/koopa0/system-design/14-duo-match/internal/code"
	"github.com/koopa0/system-design/14-duo-match/internal/room"
	apperrors "github.com/koopa0/system-design/14-duo-match/pkg/errors"
)

// 系統設計問題：
//   兩位玩家同時輸入同一個代碼，如何保證只建立一個房間？
//
// 核心挑戰：
//   1. 檢查與建立必須是原子的：同一代碼的併發預約只能建立一次房間
//   2. 過期：代碼在 TTL 後失效，之後同一代碼會得到新房間
//   3. 過期計時器與覆寫的競爭：舊計時器不能刪掉新的對應
//
// 解決方案：
//   - singleflight 以代碼為 key 合併併發預約，儲存層本身有鎖
//   - 每個對應各自排定 time.AfterFunc
//   - 計時器觸發時以 CompareAndDelete(code, roomID) 重新驗證
//
// 房間本身不擁有代碼對應；對應過期不會關閉房間，房間由 directory 回收。

// DefaultTTL 代碼對應的預設有效期
const DefaultTTL = time.Hour

// RoomCreator 建立房間的底層（由 directory 實作）
type RoomCreator interface {
	CreateRoom(ctx context.Context, kind string, opts room.Options) (string, error)
}

// roomLookup 底層若能查詢房間，指向已回收房間的對應會被新房間取代
type roomLookup interface {
	Room(id string) (*room.Room, error)
}

// Options 代碼註冊表參數
type Options struct {
	TTL   time.Duration
	Kind  string
	Clock func() time.Time
}

// Registry 代碼註冊表
type Registry struct {
	store   Store
	creator RoomCreator
	ttl     time.Duration
	kind    string
	now     func() time.Time
	logger  *slog.Logger

	group singleflight.Group

	mu     sync.Mutex
	timers map[string]expiry // code -> 待觸發的過期
	closed bool
}

type expiry struct {
	roomID string
	timer  *time.Timer
}

// New 創建代碼註冊表
func New(store Store, creator RoomCreator, opts Options, logger *slog.Logger) *Registry {
	if store == nil {
		store = NewMemoryStore()
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Kind == "" {
		opts.Kind = "duo"
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Registry{
		store:   store,
		creator: creator,
		ttl:     opts.TTL,
		kind:    opts.Kind,
		now:     opts.Clock,
		logger:  logger,
		timers:  make(map[string]expiry),
	}
}

// TTL 代碼有效期
func (r *Registry) TTL() time.Duration { return r.ttl }

// Reserve 預約代碼，回傳對應的房間 ID
//
// 代碼未過期時回傳既有房間，否則建立新房間並記錄對應。
// 建立失敗時回傳 RESERVATION_FAILED，不留下任何對應。
func (r *Registry) Reserve(ctx context.Context, raw string) (string, error) {
	return r.ReserveKind(ctx, raw, r.kind)
}

// ReserveKind 以指定的房間類型預約代碼
//
// 代碼已存在時忽略 kind，回傳既有房間。
func (r *Registry) ReserveKind(ctx context.Context, raw, kind string) (string, error) {
	c := code.Normalize(raw)
	if c == "" {
		return "", apperrors.ErrInvalidCode.WithDetails("code required")
	}
	if r.isClosed() {
		return "", apperrors.ErrUnavailable.WithDetails("registry closed")
	}

	v, err, shared := r.group.Do(c, func() (any, error) {
		// 共享的工作不隨單一呼叫者取消
		return r.reserve(context.WithoutCancel(ctx), c, kind)
	})
	if err != nil {
		return "", err
	}
	if shared {
		r.logger.Debug("reservation shared", "code", c)
	}
	return v.(string), nil
}

func (r *Registry) reserve(ctx context.Context, c, kind string) (string, error) {
	entry, ok, err := r.store.Get(ctx, c)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrCodeReservationFailed, "lookup code")
	}
	if ok {
		if r.roomAlive(entry.RoomID) {
			return entry.RoomID, nil
		}
		r.logger.Warn("code points to missing room, replacing", "code", c, "room_id", entry.RoomID)
	}

	roomID, err := r.creator.CreateRoom(ctx, kind, room.Options{
		Kind:    kind,
		Code:    c,
		Private: true,
	})
	if err != nil {
		r.logger.Error("room creation failed", "code", c, "error", err)
		return "", apperrors.Wrap(err, apperrors.ErrCodeReservationFailed, "create room")
	}

	if err := r.put(ctx, Entry{Code: c, RoomID: roomID, CreatedAt: r.now()}); err != nil {
		return "", err
	}

	r.logger.Info("code reserved", "code", c, "room_id", roomID, "ttl", r.ttl)
	return roomID, nil
}

func (r *Registry) roomAlive(roomID string) bool {
	rl, ok := r.creator.(roomLookup)
	if !ok {
		return true
	}
	_, err := rl.Room(roomID)
	return err == nil
}

// Bind 直接將代碼指向 roomID（覆寫既有對應），重新排定過期
func (r *Registry) Bind(ctx context.Context, raw, roomID string) error {
	c := code.Normalize(raw)
	if c == "" {
		return apperrors.ErrInvalidCode.WithDetails("code required")
	}
	if roomID == "" {
		return apperrors.New(apperrors.ErrCodeValidation, "room id required")
	}
	if r.isClosed() {
		return apperrors.ErrUnavailable.WithDetails("registry closed")
	}

	if err := r.put(ctx, Entry{Code: c, RoomID: roomID, CreatedAt: r.now()}); err != nil {
		return err
	}
	r.logger.Info("code bound", "code", c, "room_id", roomID)
	return nil
}

// Lookup 查詢代碼對應（唯讀）
func (r *Registry) Lookup(ctx context.Context, raw string) (Entry, error) {
	c := code.Normalize(raw)
	if c == "" {
		return Entry{}, apperrors.ErrInvalidCode.WithDetails("code required")
	}

	entry, ok, err := r.store.Get(ctx, c)
	if err != nil {
		return Entry{}, apperrors.Wrap(err, apperrors.ErrCodeInternal, "lookup code")
	}
	if !ok {
		return Entry{}, apperrors.New(apperrors.ErrCodeNotFound, "code not found")
	}
	return entry, nil
}

// Pending 尚未觸發的過期計時器數量
func (r *Registry) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}

// Close 停止所有過期計時器
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true
	for c, e := range r.timers {
		e.timer.Stop()
		delete(r.timers, c)
	}
	r.logger.Info("registry closed")
}

// put 寫入對應並排定過期
func (r *Registry) put(ctx context.Context, entry Entry) error {
	if err := r.store.Put(ctx, entry, r.ttl); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeReservationFailed, "store code")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	if old, ok := r.timers[entry.Code]; ok {
		old.timer.Stop()
	}
	c, roomID := entry.Code, entry.RoomID
	r.timers[c] = expiry{
		roomID: roomID,
		timer:  time.AfterFunc(r.ttl, func() { r.expire(c, roomID) }),
	}
	return nil
}

// expire 計時器觸發：只刪除仍指向 roomID 的對應
func (r *Registry) expire(c, roomID string) {
	r.mu.Lock()
	if e, ok := r.timers[c]; ok && e.roomID == roomID {
		delete(r.timers, c)
	}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	deleted, err := r.store.CompareAndDelete(ctx, c, roomID)
	if err != nil {
		r.logger.Error("code expiry failed", "code", c, "room_id", roomID, "error", err)
		return
	}
	if deleted {
		r.logger.Info("code expired", "code", c, "room_id", roomID)
	}
}

func (r *Registry) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}
