package registry_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/koopa0/system-design/14-duo-match/internal/directory"
	"github.com/koopa0/system-design/14-duo-match/internal/registry"
	"github.com/koopa0/system-design/14-duo-match/internal/room"
	"github.com/koopa0/system-design/14-duo-match/internal/testutils"
	apperrors "github.com/koopa0/system-design/14-duo-match/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCreator 記錄建立次數的房間底層
type fakeCreator struct {
	calls atomic.Int32
	delay time.Duration
	err   error

	mu   sync.Mutex
	opts []room.Options
}

func (f *fakeCreator) CreateRoom(_ context.Context, kind string, opts room.Options) (string, error) {
	n := f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return "", f.err
	}
	f.mu.Lock()
	f.opts = append(f.opts, opts)
	f.mu.Unlock()
	return fmt.Sprintf("%s_room_%d", kind, n), nil
}

func newRegistry(t *testing.T, creator registry.RoomCreator, ttl time.Duration) (*registry.Registry, *registry.MemoryStore) {
	t.Helper()
	store := registry.NewMemoryStore()
	r := registry.New(store, creator, registry.Options{TTL: ttl}, testutils.Logger())
	t.Cleanup(r.Close)
	return r, store
}

// TestRegistry_Reserve 測試預約
func TestRegistry_Reserve(t *testing.T) {
	tests := []struct {
		name     string
		creator  *fakeCreator
		setup    func(t *testing.T, r *registry.Registry)
		code     string
		validate func(t *testing.T, roomID string, err error, c *fakeCreator, store *registry.MemoryStore)
	}{
		{
			name:    "new code creates private room",
			creator: &fakeCreator{},
			code:    "AB12",
			validate: func(t *testing.T, roomID string, err error, c *fakeCreator, store *registry.MemoryStore) {
				require.NoError(t, err)
				assert.Equal(t, "duo_room_1", roomID)
				assert.Equal(t, int32(1), c.calls.Load())
				require.Len(t, c.opts, 1)
				assert.Equal(t, "AB12", c.opts[0].Code)
				assert.True(t, c.opts[0].Private)
				assert.Equal(t, 1, store.Len())
			},
		},
		{
			name:    "existing code returns same room",
			creator: &fakeCreator{},
			setup: func(t *testing.T, r *registry.Registry) {
				_, err := r.Reserve(context.Background(), "AB12")
				require.NoError(t, err)
			},
			code: "AB12",
			validate: func(t *testing.T, roomID string, err error, c *fakeCreator, _ *registry.MemoryStore) {
				require.NoError(t, err)
				assert.Equal(t, "duo_room_1", roomID)
				assert.Equal(t, int32(1), c.calls.Load())
			},
		},
		{
			name:    "code normalized before lookup",
			creator: &fakeCreator{},
			setup: func(t *testing.T, r *registry.Registry) {
				_, err := r.Reserve(context.Background(), "AB12")
				require.NoError(t, err)
			},
			code: "ab 12!",
			validate: func(t *testing.T, roomID string, err error, c *fakeCreator, _ *registry.MemoryStore) {
				require.NoError(t, err)
				assert.Equal(t, "duo_room_1", roomID)
				assert.Equal(t, int32(1), c.calls.Load())
			},
		},
		{
			name:    "empty code rejected",
			creator: &fakeCreator{},
			code:    " !! ",
			validate: func(t *testing.T, _ string, err error, c *fakeCreator, store *registry.MemoryStore) {
				require.Error(t, err)
				assert.True(t, apperrors.IsValidation(err))
				assert.Zero(t, c.calls.Load())
				assert.Zero(t, store.Len())
			},
		},
		{
			name:    "creation failure leaves no entry",
			creator: &fakeCreator{err: errors.New("substrate down")},
			code:    "ZZ99",
			validate: func(t *testing.T, _ string, err error, _ *fakeCreator, store *registry.MemoryStore) {
				require.Error(t, err)
				assert.True(t, apperrors.IsReservationFailed(err))
				assert.ErrorContains(t, err, "substrate down")
				assert.Zero(t, store.Len())
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, store := newRegistry(t, tt.creator, time.Hour)
			if tt.setup != nil {
				tt.setup(t, r)
			}
			roomID, err := r.Reserve(context.Background(), tt.code)
			tt.validate(t, roomID, err, tt.creator, store)
		})
	}
}

// TestRegistry_ReserveAfterFailure 測試失敗後可重新預約
func TestRegistry_ReserveAfterFailure(t *testing.T) {
	creator := &fakeCreator{err: errors.New("boom")}
	r, _ := newRegistry(t, creator, time.Hour)

	_, err := r.Reserve(context.Background(), "AB12")
	require.Error(t, err)

	creator.err = nil
	roomID, err := r.Reserve(context.Background(), "AB12")
	require.NoError(t, err)
	assert.NotEmpty(t, roomID)
}

// TestRegistry_ConcurrentReserve 測試併發預約同一代碼只建立一個房間
func TestRegistry_ConcurrentReserve(t *testing.T) {
	creator := &fakeCreator{delay: 20 * time.Millisecond}
	r, _ := newRegistry(t, creator, time.Hour)

	const callers = 50
	ids := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := r.Reserve(context.Background(), "ab12")
			assert.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), creator.calls.Load())
	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

// TestRegistry_ReapedRoomReplaced 測試房間被回收後，未過期的代碼改指向新房間
func TestRegistry_ReapedRoomReplaced(t *testing.T) {
	var now atomic.Int64
	now.Store(time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC).UnixNano())
	clock := func() time.Time { return time.Unix(0, now.Load()) }

	dir := directory.New(nil, directory.Options{
		EmptyTTL:        time.Minute,
		CleanupInterval: time.Hour,
		Clock:           clock,
	}, testutils.Logger())
	t.Cleanup(dir.Stop)

	r := registry.New(nil, dir, registry.Options{}, testutils.Logger())
	t.Cleanup(r.Close)

	first, err := r.Reserve(context.Background(), "AB12")
	require.NoError(t, err)

	now.Add(int64(2 * time.Minute))
	require.Equal(t, 1, dir.Cleanup())

	second, err := r.Reserve(context.Background(), "ab12")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	_, err = dir.Room(second)
	assert.NoError(t, err)
}

// TestRegistry_DistinctCodes 測試不同代碼互不影響
func TestRegistry_DistinctCodes(t *testing.T) {
	creator := &fakeCreator{}
	r, _ := newRegistry(t, creator, time.Hour)

	a, err := r.Reserve(context.Background(), "AAAA")
	require.NoError(t, err)
	b, err := r.Reserve(context.Background(), "BBBB")
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.Equal(t, int32(2), creator.calls.Load())
}

// TestRegistry_TTL 測試過期後同一代碼得到新房間
func TestRegistry_TTL(t *testing.T) {
	creator := &fakeCreator{}
	r, store := newRegistry(t, creator, 50*time.Millisecond)

	first, err := r.Reserve(context.Background(), "AB12")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return store.Len() == 0 && r.Pending() == 0
	}, time.Second, 10*time.Millisecond)

	second, err := r.Reserve(context.Background(), "AB12")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	assert.Equal(t, int32(2), creator.calls.Load())
}

// TestRegistry_BindOverwriteSurvivesOldTimer 測試覆寫後舊計時器不會刪除新對應
func TestRegistry_BindOverwriteSurvivesOldTimer(t *testing.T) {
	creator := &fakeCreator{}
	r, _ := newRegistry(t, creator, 150*time.Millisecond)
	ctx := context.Background()

	_, err := r.Reserve(ctx, "AB12")
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, r.Bind(ctx, "AB12", "room_rebound"))

	// 原本的過期時間已過，新對應仍在
	time.Sleep(100 * time.Millisecond)
	entry, err := r.Lookup(ctx, "AB12")
	require.NoError(t, err)
	assert.Equal(t, "room_rebound", entry.RoomID)

	// 新對應依自己的 TTL 過期
	assert.Eventually(t, func() bool {
		_, err := r.Lookup(ctx, "AB12")
		return apperrors.IsNotFound(err)
	}, time.Second, 10*time.Millisecond)
}

// gatedStore 第二次 Put 寫入後，等舊計時器的刪除嘗試結束才返回，
// 讓舊計時器在覆寫期間觸發；底層保存期限固定為一小時，過期只由計時器驅動
type gatedStore struct {
	*registry.MemoryStore
	puts atomic.Int32

	once     sync.Once
	firstCAD chan struct{}

	mu       sync.Mutex
	attempts []string
	deleted  []bool
}

func newGatedStore() *gatedStore {
	return &gatedStore{MemoryStore: registry.NewMemoryStore(), firstCAD: make(chan struct{})}
}

func (s *gatedStore) Put(ctx context.Context, entry registry.Entry, _ time.Duration) error {
	if err := s.MemoryStore.Put(ctx, entry, time.Hour); err != nil {
		return err
	}
	if s.puts.Add(1) == 2 {
		select {
		case <-s.firstCAD:
		case <-time.After(2 * time.Second):
			return errors.New("old timer never fired")
		}
	}
	return nil
}

func (s *gatedStore) CompareAndDelete(ctx context.Context, c, roomID string) (bool, error) {
	deleted, err := s.MemoryStore.CompareAndDelete(ctx, c, roomID)
	s.mu.Lock()
	s.attempts = append(s.attempts, roomID)
	s.deleted = append(s.deleted, deleted)
	s.mu.Unlock()
	s.once.Do(func() { close(s.firstCAD) })
	return deleted, err
}

func (s *gatedStore) results() ([]string, []bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.attempts...), append([]bool(nil), s.deleted...)
}

// TestRegistry_StaleTimerDuringOverwrite 測試覆寫途中觸發的舊計時器只比對刪除，不會刪掉新對應
func TestRegistry_StaleTimerDuringOverwrite(t *testing.T) {
	store := newGatedStore()
	r := registry.New(store, &fakeCreator{}, registry.Options{TTL: 50 * time.Millisecond}, testutils.Logger())
	t.Cleanup(r.Close)
	ctx := context.Background()

	require.NoError(t, r.Bind(ctx, "AB12", "room_old"))
	require.NoError(t, r.Bind(ctx, "AB12", "room_new"))

	attempts, deleted := store.results()
	require.Len(t, attempts, 1)
	assert.Equal(t, "room_old", attempts[0])
	assert.False(t, deleted[0])

	entry, err := r.Lookup(ctx, "AB12")
	require.NoError(t, err)
	assert.Equal(t, "room_new", entry.RoomID)
	assert.Equal(t, 1, r.Pending())

	// 新對應依自己的計時器過期
	require.Eventually(t, func() bool {
		a, _ := store.results()
		return len(a) == 2
	}, time.Second, 10*time.Millisecond)

	_, err = r.Lookup(ctx, "AB12")
	assert.True(t, apperrors.IsNotFound(err))

	attempts, deleted = store.results()
	assert.Equal(t, "room_new", attempts[1])
	assert.True(t, deleted[1])
}

// TestRegistry_Lookup 測試查詢
func TestRegistry_Lookup(t *testing.T) {
	r, _ := newRegistry(t, &fakeCreator{}, time.Hour)
	ctx := context.Background()

	_, err := r.Lookup(ctx, "NONE")
	assert.True(t, apperrors.IsNotFound(err))

	_, err = r.Lookup(ctx, "")
	assert.True(t, apperrors.IsValidation(err))

	roomID, err := r.Reserve(ctx, "AB12")
	require.NoError(t, err)

	entry, err := r.Lookup(ctx, "ab12")
	require.NoError(t, err)
	assert.Equal(t, "AB12", entry.Code)
	assert.Equal(t, roomID, entry.RoomID)
	assert.False(t, entry.CreatedAt.IsZero())
}

// TestRegistry_Bind 測試參數驗證
func TestRegistry_Bind(t *testing.T) {
	r, _ := newRegistry(t, &fakeCreator{}, time.Hour)
	ctx := context.Background()

	assert.True(t, apperrors.IsValidation(r.Bind(ctx, "", "room_1")))
	assert.True(t, apperrors.IsValidation(r.Bind(ctx, "AB12", "")))
	require.NoError(t, r.Bind(ctx, "AB12", "room_1"))

	// 已綁定的代碼直接回傳，不建立房間
	creator := &fakeCreator{}
	r2, _ := newRegistry(t, creator, time.Hour)
	require.NoError(t, r2.Bind(ctx, "CD34", "room_fixed"))
	id, err := r2.Reserve(ctx, "CD34")
	require.NoError(t, err)
	assert.Equal(t, "room_fixed", id)
	assert.Zero(t, creator.calls.Load())
}

// TestRegistry_Close 測試關閉後停止計時器並拒絕預約
func TestRegistry_Close(t *testing.T) {
	r, store := newRegistry(t, &fakeCreator{}, 30*time.Millisecond)
	ctx := context.Background()

	_, err := r.Reserve(ctx, "AB12")
	require.NoError(t, err)
	require.Equal(t, 1, r.Pending())

	r.Close()
	assert.Zero(t, r.Pending())

	_, err = r.Reserve(ctx, "CD34")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeUnavailable, apperrors.CodeOf(err))

	// 計時器已停止，記憶體項目仍在（由 TTL 保險在讀取時過濾）
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, store.Len())

	r.Close()
}

// TestMemoryStore_CompareAndDelete 測試比對刪除
func TestMemoryStore_CompareAndDelete(t *testing.T) {
	store := registry.NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, registry.Entry{Code: "AB12", RoomID: "new"}, time.Hour))

	deleted, err := store.CompareAndDelete(ctx, "AB12", "old")
	require.NoError(t, err)
	assert.False(t, deleted, "stale room id must not delete")

	e, ok, err := store.Get(ctx, "AB12")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "new", e.RoomID)

	deleted, err = store.CompareAndDelete(ctx, "AB12", "new")
	require.NoError(t, err)
	assert.True(t, deleted)

	_, ok, err = store.Get(ctx, "AB12")
	require.NoError(t, err)
	assert.False(t, ok)

	deleted, err = store.CompareAndDelete(ctx, "MISSING", "x")
	require.NoError(t, err)
	assert.False(t, deleted)
}

// TestMemoryStore_TTLSafetyNet 測試計時器之外的過期保險
func TestMemoryStore_TTLSafetyNet(t *testing.T) {
	store := registry.NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, registry.Entry{Code: "AB12", RoomID: "r"}, 20*time.Millisecond))
	time.Sleep(40 * time.Millisecond)

	_, ok, err := store.Get(ctx, "AB12")
	require.NoError(t, err)
	assert.False(t, ok)
}
