// Package transport 以 WebSocket 連接玩家與房間
package transport

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/koopa0/system-design/14-duo-match/internal/room"
)

// 系統設計問題：
//   房間狀態的每一次轉換，如何即時且依序送到兩位玩家手上？
//
// 核心挑戰：
//   1. 順序：房間在持有鎖時廣播，傳輸層不能阻塞也不能重排
//   2. 心跳：偵測死連接（網路中斷、瀏覽器崩潰）
//   3. 身分：連線時由伺服器指派參與者 ID，客戶端無法偽造
//
// 設計方案：
//   ✅ Hub 模式 - 集中管理所有房間的所有連接
//   ✅ 每個連接一個緩衝 channel + 專屬寫入 goroutine（非阻塞廣播）
//   ✅ Ping/Pong 心跳（54s/60s）
//   ✅ 升級前檢查：房間不存在 404、已滿 409，客戶端依狀態碼決定是否重試

const (
	// DefaultPingPeriod 發送 Ping 的間隔，必須小於 PongWait
	DefaultPingPeriod = 54 * time.Second

	// DefaultPongWait 等待任何訊息（含 Pong）的期限
	DefaultPongWait = 60 * time.Second

	// DefaultWriteWait 單次寫入期限
	DefaultWriteWait = 10 * time.Second

	// DefaultSendBuffer 每個連接的發送緩衝
	DefaultSendBuffer = 256

	// maxMessageSize 客戶端訊息大小上限
	maxMessageSize = 4096
)

// Rooms 傳輸層需要的房間查詢（由 directory 實作）
type Rooms interface {
	Room(id string) (*room.Room, error)
	Claim(roomID string)
}

// Options Hub 參數
type Options struct {
	AllowedOrigin string
	PingPeriod    time.Duration
	PongWait      time.Duration
	WriteWait     time.Duration
	SendBuffer    int
}

// Hub WebSocket 連接中心
//
// 連接映射：map[roomID]map[participantID]*Connection
//   - 廣播頻繁（讀鎖），註冊/註銷少（寫鎖）
//   - Send channel 只在寫鎖下關閉並同時移出映射，廣播不會寫入已關閉的 channel
//
// Hub 實作 room.Broadcaster：房間在持有自身鎖時呼叫，Hub 不會反向呼叫房間，
// 因此鎖順序固定為 room → hub。
type Hub struct {
	opts        Options
	logger      *slog.Logger
	upgrader    websocket.Upgrader
	connections map[string]map[string]*Connection // roomID -> participantID -> Connection
	mu          sync.RWMutex
	stopped     bool
}

// Connection 單一玩家的 WebSocket 連接
type Connection struct {
	ParticipantID string
	RoomID        string
	Conn          *websocket.Conn
	Send          chan []byte
	Hub           *Hub
	LastPing      time.Time
	mu            sync.Mutex
	closeOnce     sync.Once
}

// NewHub 創建 WebSocket Hub
func NewHub(opts Options, logger *slog.Logger) *Hub {
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = DefaultPingPeriod
	}
	if opts.PongWait <= 0 {
		opts.PongWait = DefaultPongWait
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = DefaultWriteWait
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = DefaultSendBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}

	hub := &Hub{
		opts:        opts,
		logger:      logger,
		connections: make(map[string]map[string]*Connection),
	}
	hub.upgrader = websocket.Upgrader{
		CheckOrigin:     hub.checkOrigin,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	return hub
}

// checkOrigin 未設定或設為 * 時允許所有來源；沒有 Origin 的非瀏覽器客戶端一律允許
func (hub *Hub) checkOrigin(r *http.Request) bool {
	allowed := hub.opts.AllowedOrigin
	if allowed == "" || allowed == "*" {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range strings.Split(allowed, ",") {
		if strings.EqualFold(strings.TrimSpace(o), origin) {
			return true
		}
	}
	return false
}

// ServeWS 處理 /ws/rooms/{room_id} 的連線
//
// 流程：
//  1. 檢查 ID 格式（錯誤 → 400），查詢房間（不存在 → 404，已滿 → 409），此時尚未升級
//  2. 升級連線，指派參與者 ID
//  3. 入座（room.JoinWith）；座位確定後才註冊連線並送出 welcome，
//     之後的 joined/state 廣播都排在 welcome 之後
//  4. 入座被拒（升級期間房間已滿或已回收）只送出 error 並關閉
//  5. 兌現快速配對的保留座位，啟動讀寫 goroutine；讀取結束時離開房間
func (hub *Hub) ServeWS(rooms Rooms) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := chi.URLParam(r, "room_id")
		if !room.ValidID(roomID) {
			http.Error(w, "malformed room id", http.StatusBadRequest)
			return
		}

		rm, err := rooms.Room(roomID)
		if err != nil {
			http.Error(w, "room not found", http.StatusNotFound)
			return
		}
		if rm.IsFull() {
			http.Error(w, "room is full", http.StatusConflict)
			return
		}
		if hub.isStopped() {
			http.Error(w, "server shutting down", http.StatusServiceUnavailable)
			return
		}

		conn, err := hub.upgrader.Upgrade(w, r, nil)
		if err != nil {
			hub.logger.Error("websocket upgrade failed", "room_id", roomID, "error", err)
			return
		}

		c := &Connection{
			ParticipantID: uuid.NewString(),
			RoomID:        roomID,
			Conn:          conn,
			Send:          make(chan []byte, hub.opts.SendBuffer),
			Hub:           hub,
			LastPing:      time.Now(),
		}

		err = rm.JoinWith(c.ParticipantID, func() {
			hub.register(c)
			hub.Send(roomID, c.ParticipantID, room.MustEnvelope(room.TypeWelcome, room.WelcomePayload{
				SessionID: c.ParticipantID,
				RoomID:    roomID,
			}))
		})
		if err != nil {
			hub.logger.Warn("join rejected after upgrade",
				"room_id", roomID,
				"participant", c.ParticipantID,
				"error", err)
			hub.reject(conn, err)
			return
		}
		rooms.Claim(roomID)

		go c.writePump()
		go c.readPump(rm)

		hub.logger.Info("websocket connected",
			"room_id", roomID,
			"participant", c.ParticipantID)
	}
}

// reject 對尚未註冊的連線送出 error 與 close frame 後關閉
func (hub *Hub) reject(conn *websocket.Conn, err error) {
	defer conn.Close()

	if err := conn.SetWriteDeadline(time.Now().Add(hub.opts.WriteWait)); err != nil {
		return
	}
	if err := conn.WriteJSON(room.ErrorEnvelope(err)); err != nil {
		return
	}
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "join rejected"))
}

// Broadcast 廣播到房間內所有連接（實作 room.Broadcaster）
func (hub *Hub) Broadcast(roomID string, msg room.Envelope) {
	data, err := json.Marshal(msg)
	if err != nil {
		hub.logger.Error("marshal broadcast failed", "room_id", roomID, "type", msg.Type, "error", err)
		return
	}

	hub.mu.RLock()
	defer hub.mu.RUnlock()

	for _, c := range hub.connections[roomID] {
		hub.enqueue(c, data)
	}
}

// Send 發送給單一參與者（實作 room.Broadcaster）
func (hub *Hub) Send(roomID, participantID string, msg room.Envelope) {
	data, err := json.Marshal(msg)
	if err != nil {
		hub.logger.Error("marshal message failed", "room_id", roomID, "type", msg.Type, "error", err)
		return
	}

	hub.mu.RLock()
	defer hub.mu.RUnlock()

	if c, ok := hub.connections[roomID][participantID]; ok {
		hub.enqueue(c, data)
	}
}

// enqueue 非阻塞寫入（需持有讀鎖）；緩衝區滿時丟棄，避免慢客戶端拖累整個房間
func (hub *Hub) enqueue(c *Connection, data []byte) {
	select {
	case c.Send <- data:
	default:
		hub.logger.Warn("send buffer full",
			"room_id", c.RoomID,
			"participant", c.ParticipantID)
	}
}

// register 註冊連接
func (hub *Hub) register(c *Connection) {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	if hub.connections[c.RoomID] == nil {
		hub.connections[c.RoomID] = make(map[string]*Connection)
	}
	hub.connections[c.RoomID][c.ParticipantID] = c
}

// unregister 取消註冊連接並關閉 Send channel
func (hub *Hub) unregister(c *Connection) {
	hub.mu.Lock()
	defer hub.mu.Unlock()

	roomConns, ok := hub.connections[c.RoomID]
	if !ok {
		return
	}
	if actual, ok := roomConns[c.ParticipantID]; !ok || actual != c {
		return
	}

	delete(roomConns, c.ParticipantID)
	c.closeSend()

	if len(roomConns) == 0 {
		delete(hub.connections, c.RoomID)
	}
}

// ConnectionCount 每個房間的連接數
func (hub *Hub) ConnectionCount() map[string]int {
	hub.mu.RLock()
	defer hub.mu.RUnlock()

	counts := make(map[string]int, len(hub.connections))
	for roomID, conns := range hub.connections {
		counts[roomID] = len(conns)
	}
	return counts
}

// Stop 關閉所有連接，之後的連線回傳 503
func (hub *Hub) Stop() {
	hub.mu.Lock()
	hub.stopped = true
	for _, roomConns := range hub.connections {
		for _, c := range roomConns {
			// 先關閉 Send channel，寫入 goroutine 會送出 close frame
			c.closeSend()
		}
	}
	hub.connections = make(map[string]map[string]*Connection)
	hub.mu.Unlock()

	hub.logger.Info("websocket hub stopped")
}

func (hub *Hub) isStopped() bool {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return hub.stopped
}

func (c *Connection) closeSend() {
	c.closeOnce.Do(func() {
		close(c.Send)
	})
}

// readPump 讀取客戶端訊息並交給房間
//
// 心跳（讀取端）：PongWait 內沒有收到任何訊息（包括 Pong）就關閉連接；
// 收到 Pong 時延長期限。讀取結束（斷線、逾時、伺服器關閉）時離開房間。
func (c *Connection) readPump(rm *room.Room) {
	hub := c.Hub
	defer func() {
		hub.unregister(c)
		rm.Leave(c.ParticipantID)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	if err := c.Conn.SetReadDeadline(time.Now().Add(hub.opts.PongWait)); err != nil {
		hub.logger.Error("set read deadline failed", "error", err)
	}
	c.Conn.SetPongHandler(func(string) error {
		if err := c.Conn.SetReadDeadline(time.Now().Add(hub.opts.PongWait)); err != nil {
			hub.logger.Error("set read deadline failed", "error", err)
		}
		c.mu.Lock()
		c.LastPing = time.Now()
		c.mu.Unlock()
		return nil
	})

	for {
		messageType, data, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				hub.logger.Error("websocket read failed",
					"error", err,
					"room_id", c.RoomID,
					"participant", c.ParticipantID)
			}
			return
		}

		if messageType == websocket.TextMessage {
			c.handleMessage(rm, data)
		}
	}
}

// handleMessage 解析外層格式並分派；格式錯誤只記錄，不回應
func (c *Connection) handleMessage(rm *room.Room, data []byte) {
	var msg room.Envelope
	if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
		c.Hub.logger.Warn("malformed client message dropped",
			"room_id", c.RoomID,
			"participant", c.ParticipantID,
			"error", err)
		return
	}

	if err := rm.Handle(c.ParticipantID, msg); err != nil {
		c.Hub.logger.Debug("client message rejected",
			"room_id", c.RoomID,
			"participant", c.ParticipantID,
			"type", msg.Type,
			"error", err)
		c.Hub.Send(c.RoomID, c.ParticipantID, room.ErrorEnvelope(err))
	}
}

// writePump 將 Send channel 的訊息寫到客戶端，並定期發送 Ping
//
// 心跳（發送端）：每 PingPeriod 發送一次 Ping，客戶端自動回覆 Pong，
// readPump 收到後重置期限。Send 被關閉時送出 close frame 並結束。
func (c *Connection) writePump() {
	hub := c.Hub
	ticker := time.NewTicker(hub.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			if err := c.Conn.SetWriteDeadline(time.Now().Add(hub.opts.WriteWait)); err != nil {
				hub.logger.Error("set write deadline failed", "error", err)
			}
			if !ok {
				// Hub 關閉了通道，嘗試優雅關閉（連接可能已斷）
				_ = c.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			if err := c.Conn.SetWriteDeadline(time.Now().Add(hub.opts.WriteWait)); err != nil {
				hub.logger.Error("set write deadline failed", "error", err)
			}
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
