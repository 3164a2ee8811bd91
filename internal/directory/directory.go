// Package directory 管理所有對戰房間
package directory

import (
	"context"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/koopa0/system-design/14-duo-match/internal/room"
	apperrors "github.com/koopa0/system-design/14-duo-match/pkg/errors"
)

// 系統設計問題：
//   房間從哪裡來、何時消失、快速配對如何找到有空位的房間？
//
// 職責：
//   - 建立房間（好友代碼與快速配對共用同一個入口）
//   - 依 ID 查詢房間，尚未建立的房間回傳 NOT_FOUND
//   - 快速配對：找一個有空位的公開房間，沒有就建立
//   - 回收：定期清除長時間無人的房間
//
// 座位保留：
//   快速配對回傳房間 ID 到玩家真正連上之間有時間差，
//   這段期間保留座位，避免三個人被配到同一個兩人房間。

const (
	// DefaultMaxRooms 房間數量上限
	DefaultMaxRooms = 10000

	// DefaultEmptyTTL 無人房間保留時間
	DefaultEmptyTTL = 5 * time.Minute

	// DefaultMaxLifetime 房間最長存活時間（僅在無人時生效）
	DefaultMaxLifetime = 30 * time.Minute

	// DefaultCleanupInterval 清理週期
	DefaultCleanupInterval = time.Minute

	// DefaultSeatHold 快速配對的座位保留時間
	DefaultSeatHold = 15 * time.Second
)

// Options 房間目錄參數
type Options struct {
	Kinds           []string
	MaxRooms        int
	Countdown       time.Duration
	EmptyTTL        time.Duration
	MaxLifetime     time.Duration
	CleanupInterval time.Duration
	SeatHold        time.Duration
	Clock           func() time.Time
}

// Summary 房間摘要（列表與查詢用，不含好友代碼）
type Summary struct {
	RoomID    string     `json:"roomId"`
	Kind      string     `json:"kind"`
	Private   bool       `json:"private"`
	Phase     room.Phase `json:"phase"`
	Players   int        `json:"players"`
	Capacity  int        `json:"capacity"`
	CreatedAt time.Time  `json:"createdAt"`
}

// Directory 房間目錄
type Directory struct {
	out    room.Broadcaster
	opts   Options
	logger *slog.Logger

	mu    sync.RWMutex
	rooms map[string]*room.Room  // roomID -> Room
	holds map[string][]time.Time // roomID -> 快速配對保留的座位到期時間
	kinds map[string]struct{}

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New 創建房間目錄並啟動清理 goroutine
func New(out room.Broadcaster, opts Options, logger *slog.Logger) *Directory {
	if opts.MaxRooms <= 0 {
		opts.MaxRooms = DefaultMaxRooms
	}
	if opts.Countdown <= 0 {
		opts.Countdown = room.DefaultCountdown
	}
	if opts.EmptyTTL <= 0 {
		opts.EmptyTTL = DefaultEmptyTTL
	}
	if opts.MaxLifetime <= 0 {
		opts.MaxLifetime = DefaultMaxLifetime
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = DefaultCleanupInterval
	}
	if opts.SeatHold <= 0 {
		opts.SeatHold = DefaultSeatHold
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if len(opts.Kinds) == 0 {
		opts.Kinds = []string{"duo"}
	}
	if logger == nil {
		logger = slog.Default()
	}

	d := &Directory{
		out:    out,
		opts:   opts,
		logger: logger,
		rooms:  make(map[string]*room.Room),
		holds:  make(map[string][]time.Time),
		kinds:  make(map[string]struct{}, len(opts.Kinds)),
		stopCh: make(chan struct{}),
	}
	for _, k := range opts.Kinds {
		d.kinds[k] = struct{}{}
	}

	// 啟動清理 goroutine
	d.wg.Add(1)
	go d.cleanupLoop()

	return d
}

// CreateRoom 建立房間，回傳房間 ID
func (d *Directory) CreateRoom(_ context.Context, kind string, opts room.Options) (string, error) {
	if _, ok := d.kinds[kind]; !ok {
		return "", apperrors.New(apperrors.ErrCodeValidation, "unknown room kind").
			WithDetails("unknown room kind: " + kind)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	r, err := d.createLocked(kind, opts)
	if err != nil {
		return "", err
	}
	return r.ID(), nil
}

func (d *Directory) createLocked(kind string, opts room.Options) (*room.Room, error) {
	if len(d.rooms) >= d.opts.MaxRooms {
		return nil, apperrors.ErrUnavailable.WithDetails("room limit reached")
	}

	opts.Kind = kind
	if opts.Countdown <= 0 {
		opts.Countdown = d.opts.Countdown
	}
	if opts.Clock == nil {
		opts.Clock = d.opts.Clock
	}

	id := room.NewID()
	r := room.New(id, opts, d.out, d.logger)
	d.rooms[id] = r

	d.logger.Info("room created",
		"room_id", id,
		"kind", kind,
		"code", opts.Code,
		"private", opts.Private)

	return r, nil
}

// Room 依 ID 取得房間
func (d *Directory) Room(id string) (*room.Room, error) {
	d.mu.RLock()
	r, ok := d.rooms[id]
	d.mu.RUnlock()

	if !ok {
		return nil, apperrors.ErrRoomNotFound
	}
	return r, nil
}

// JoinOrCreate 快速配對：找一個有空位的公開房間，沒有就建立
//
// 回傳前為呼叫者保留一個座位，玩家連上後以 Claim 兌現。
// 私人（好友代碼）房間不會被配到。
func (d *Directory) JoinOrCreate(_ context.Context, kind string) (string, error) {
	if _, ok := d.kinds[kind]; !ok {
		return "", apperrors.New(apperrors.ErrCodeValidation, "unknown room kind").
			WithDetails("unknown room kind: " + kind)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.opts.Clock()

	// 依建立時間挑選最早的房間，讓先到的玩家先被配對
	var candidates []*room.Room
	for id, r := range d.rooms {
		if r.Kind() != kind || r.Private() {
			continue
		}
		if r.SeatCount()+d.activeHoldsLocked(id, now) < room.Capacity {
			candidates = append(candidates, r)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].State().CreatedAt.Before(candidates[j].State().CreatedAt)
	})

	var target *room.Room
	for _, r := range candidates {
		if !r.IsExpired(d.opts.EmptyTTL, d.opts.MaxLifetime) {
			target = r
			break
		}
	}

	if target == nil {
		r, err := d.createLocked(kind, room.Options{})
		if err != nil {
			return "", err
		}
		target = r
	}

	d.holds[target.ID()] = append(d.holds[target.ID()], now.Add(d.opts.SeatHold))
	d.logger.Info("quickmatch", "room_id", target.ID(), "kind", kind)

	return target.ID(), nil
}

// Claim 玩家已入座，兌現一個保留座位（沒有保留時不做任何事）
func (d *Directory) Claim(roomID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	holds := d.holds[roomID]
	if len(holds) == 0 {
		return
	}
	holds = holds[1:]
	if len(holds) == 0 {
		delete(d.holds, roomID)
		return
	}
	d.holds[roomID] = holds
}

// HeldSeats 房間目前未到期的保留座位數
func (d *Directory) HeldSeats(roomID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.activeHoldsLocked(roomID, d.opts.Clock())
}

// activeHoldsLocked 未到期的保留座位數（順便丟棄已到期的保留）
func (d *Directory) activeHoldsLocked(roomID string, now time.Time) int {
	holds := slices.DeleteFunc(d.holds[roomID], func(exp time.Time) bool {
		return !now.Before(exp)
	})
	if len(holds) == 0 {
		delete(d.holds, roomID)
		return 0
	}
	d.holds[roomID] = holds
	return len(holds)
}

// ListRooms 列出房間（kind 為空時列出全部），依建立時間排序
func (d *Directory) ListRooms(kind string) []Summary {
	d.mu.RLock()
	rooms := make([]*room.Room, 0, len(d.rooms))
	for _, r := range d.rooms {
		if kind != "" && r.Kind() != kind {
			continue
		}
		rooms = append(rooms, r)
	}
	d.mu.RUnlock()

	result := make([]Summary, 0, len(rooms))
	for _, r := range rooms {
		result = append(result, summarize(r))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

// Describe 單一房間摘要
func (d *Directory) Describe(id string) (Summary, error) {
	r, err := d.Room(id)
	if err != nil {
		return Summary{}, err
	}
	return summarize(r), nil
}

func summarize(r *room.Room) Summary {
	s := r.State()
	return Summary{
		RoomID:    s.RoomID,
		Kind:      s.Kind,
		Private:   r.Private(),
		Phase:     s.Phase,
		Players:   len(s.Seats),
		Capacity:  room.Capacity,
		CreatedAt: s.CreatedAt,
	}
}

// Count 房間數量
func (d *Directory) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.rooms)
}

// Stats 獲取統計資訊
func (d *Directory) Stats() map[string]any {
	d.mu.RLock()
	rooms := make([]*room.Room, 0, len(d.rooms))
	for _, r := range d.rooms {
		rooms = append(rooms, r)
	}
	d.mu.RUnlock()

	phaseCount := make(map[room.Phase]int)
	kindCount := make(map[string]int)
	totalPlayers, private := 0, 0

	for _, r := range rooms {
		phaseCount[r.Phase()]++
		kindCount[r.Kind()]++
		totalPlayers += r.SeatCount()
		if r.Private() {
			private++
		}
	}

	return map[string]any{
		"total_rooms":   len(rooms),
		"total_players": totalPlayers,
		"private_rooms": private,
		"by_phase":      phaseCount,
		"by_kind":       kindCount,
	}
}

// cleanupLoop 清理過期房間
func (d *Directory) cleanupLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.opts.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.cleanup()
		case <-d.stopCh:
			return
		}
	}
}

// Cleanup 執行清理（公開方法供測試使用），回傳移除的房間數
func (d *Directory) Cleanup() int {
	return d.cleanup()
}

func (d *Directory) cleanup() int {
	now := d.opts.Clock()

	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0
	for id, r := range d.rooms {
		// 仍有保留座位的房間，玩家可能正在連線
		if d.activeHoldsLocked(id, now) > 0 {
			continue
		}
		if !r.IsExpired(d.opts.EmptyTTL, d.opts.MaxLifetime) {
			continue
		}
		r.Close()
		delete(d.rooms, id)
		removed++
		d.logger.Info("room reaped", "room_id", id, "kind", r.Kind())
	}
	return removed
}

// Stop 停止清理並關閉所有房間
func (d *Directory) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
	})
	d.wg.Wait()

	d.mu.Lock()
	for _, r := range d.rooms {
		r.Close()
	}
	d.mu.Unlock()

	d.logger.Info("room directory stopped")
}
