package directory_test

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/koopa0/system-design/14-duo-match/internal/directory"
	"github.com/koopa0/system-design/14-duo-match/internal/registry"
	"github.com/koopa0/system-design/14-duo-match/internal/room"
	"github.com/koopa0/system-design/14-duo-match/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestStress_ConcurrentRoomCreation 測試併發創建房間
func TestStress_ConcurrentRoomCreation(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping stress test in short mode")
	}

	d, _ := newDirectory(t, directory.Options{})

	const (
		numGoroutines     = 100
		roomsPerGoroutine = 10
	)

	var (
		wg           sync.WaitGroup
		successCount atomic.Int32
		errorCount   atomic.Int32
	)

	start := time.Now()

	for range numGoroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range roomsPerGoroutine {
				if _, err := d.CreateRoom(context.Background(), "duo", room.Options{}); err != nil {
					errorCount.Add(1)
				} else {
					successCount.Add(1)
				}
			}
		}()
	}

	wg.Wait()
	duration := time.Since(start)

	t.Logf("創建房間壓力測試結果:")
	t.Logf("  成功: %d", successCount.Load())
	t.Logf("  失敗: %d", errorCount.Load())
	t.Logf("  耗時: %v", duration)

	assert.EqualValues(t, numGoroutines*roomsPerGoroutine, successCount.Load())
	assert.Zero(t, errorCount.Load())
	assert.Equal(t, numGoroutines*roomsPerGoroutine, d.Stats()["total_rooms"])
}

// TestStress_SeatContention 測試多人搶同一房間的座位
func TestStress_SeatContention(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping stress test in short mode")
	}

	d, _ := newDirectory(t, directory.Options{})

	const (
		numRooms       = 50
		playersPerRoom = 6
	)

	ids := make([]string, numRooms)
	for i := range ids {
		id, err := d.CreateRoom(context.Background(), "duo", room.Options{})
		require.NoError(t, err)
		ids[i] = id
	}

	var (
		wg       sync.WaitGroup
		accepted atomic.Int32
	)

	for _, id := range ids {
		r, err := d.Room(id)
		require.NoError(t, err)

		for p := range playersPerRoom {
			wg.Add(1)
			go func(r *room.Room, pid string) {
				defer wg.Done()
				time.Sleep(time.Duration(rand.IntN(3)) * time.Millisecond)
				if r.Join(pid) == nil {
					accepted.Add(1)
				}
			}(r, fmt.Sprintf("%s_p%d", id, p))
		}
	}

	wg.Wait()

	assert.EqualValues(t, numRooms*room.Capacity, accepted.Load())
	for _, id := range ids {
		r, err := d.Room(id)
		require.NoError(t, err)
		assert.Equal(t, room.Capacity, r.SeatCount(), "room %s", id)
	}
	assert.Equal(t, numRooms*room.Capacity, d.Stats()["total_players"])
}

// TestStress_FriendCodes 測試大量玩家同時輸入相同代碼
func TestStress_FriendCodes(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping stress test in short mode")
	}

	d, _ := newDirectory(t, directory.Options{})
	reg := registry.New(nil, d, registry.Options{}, testutils.Logger())
	t.Cleanup(reg.Close)

	const (
		numCodes      = 100
		callersPerKey = 10
	)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		byCode  = make(map[string]map[string]struct{})
		failure atomic.Int32
	)

	for i := range numCodes {
		c := fmt.Sprintf("C%03d", i)
		for range callersPerKey {
			wg.Add(1)
			go func() {
				defer wg.Done()
				id, err := reg.Reserve(context.Background(), c)
				if err != nil {
					failure.Add(1)
					return
				}
				mu.Lock()
				if byCode[c] == nil {
					byCode[c] = make(map[string]struct{})
				}
				byCode[c][id] = struct{}{}
				mu.Unlock()
			}()
		}
	}

	wg.Wait()

	require.Zero(t, failure.Load())
	assert.Len(t, byCode, numCodes)
	for c, rooms := range byCode {
		assert.Len(t, rooms, 1, "code %s mapped to multiple rooms", c)
	}
	assert.Equal(t, numCodes, d.Count())
	assert.Equal(t, numCodes, d.Stats()["private_rooms"])
}

// TestStress_QuickMatchPairs 測試快速配對在高併發下仍兩兩成對
func TestStress_QuickMatchPairs(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping stress test in short mode")
	}

	d, _ := newDirectory(t, directory.Options{})

	const numPlayers = 200

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		perRoom = make(map[string]int)
	)

	for range numPlayers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := d.JoinOrCreate(context.Background(), "duo")
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			perRoom[id]++
			mu.Unlock()
		}()
	}

	wg.Wait()

	assert.Len(t, perRoom, numPlayers/room.Capacity)
	for id, n := range perRoom {
		assert.Equal(t, room.Capacity, n, "room %s", id)
	}
}
