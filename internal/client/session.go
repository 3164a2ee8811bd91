package client

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koopa0/system-design/14-duo-match/internal/room"
	apperrors "github.com/koopa0/system-design/14-duo-match/pkg/errors"
)

const (
	welcomeWait   = 10 * time.Second
	writeWait     = 10 * time.Second
	messageBuffer = 64
)

// Session 已加入房間的連線
//
// 讀取 goroutine 把伺服器訊息送進 Messages()，連線中斷時關閉 channel。
// 寫入方法可併發呼叫。
type Session struct {
	id     string
	roomID string
	conn   *websocket.Conn
	logger *slog.Logger

	messages chan room.Envelope
	done     chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// newSession 讀取 welcome 取得自己的參與者 ID，之後啟動讀取 goroutine
func newSession(conn *websocket.Conn, roomID string, logger *slog.Logger) (*Session, error) {
	if err := conn.SetReadDeadline(time.Now().Add(welcomeWait)); err != nil {
		conn.Close()
		return nil, err
	}

	var welcome room.Envelope
	if err := conn.ReadJSON(&welcome); err != nil {
		conn.Close()
		return nil, fmt.Errorf("read welcome: %w", err)
	}
	if welcome.Type == room.TypeError {
		conn.Close()
		return nil, rejection(welcome)
	}
	if welcome.Type != room.TypeWelcome {
		conn.Close()
		return nil, fmt.Errorf("expected welcome, got %q", welcome.Type)
	}
	var p room.WelcomePayload
	if err := welcome.Decode(&p); err != nil || p.SessionID == "" {
		conn.Close()
		return nil, fmt.Errorf("malformed welcome: %v", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	s := &Session{
		id:       p.SessionID,
		roomID:   roomID,
		conn:     conn,
		logger:   logger.With("room_id", roomID, "participant", p.SessionID),
		messages: make(chan room.Envelope, messageBuffer),
		done:     make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// rejection 將升級後的入座拒絕轉成帶錯誤碼的錯誤
func rejection(env room.Envelope) error {
	var p room.ErrorPayload
	if err := env.Decode(&p); err != nil || p.Code == "" {
		return apperrors.New(apperrors.ErrCodeInternal, "join rejected")
	}
	return apperrors.New(p.Code, p.Message)
}

// ID 伺服器指派的參與者 ID
func (s *Session) ID() string { return s.id }

// RoomID 所在房間
func (s *Session) RoomID() string { return s.roomID }

// Messages 伺服器送來的訊息（不含 welcome）
func (s *Session) Messages() <-chan room.Envelope { return s.messages }

// Ready 表示準備好
func (s *Session) Ready() error {
	return s.send(room.Envelope{Type: room.TypeReady})
}

// SubmitScore 回報本局分數；duration 為 0 時不附上遊戲時間
func (s *Session) SubmitScore(score float64, duration time.Duration) error {
	p := room.ScorePayload{Score: score}
	if duration > 0 {
		ms := float64(duration.Milliseconds())
		p.DurationMs = &ms
	}
	return s.sendPayload(room.TypeScore, p)
}

// Chat 發送聊天訊息（任意可序列化的值）
func (s *Session) Chat(v any) error {
	return s.sendPayload(room.TypeChat, v)
}

// Ping 應用層心跳，伺服器回 pong
func (s *Session) Ping() error {
	return s.send(room.Envelope{Type: room.TypePing})
}

// Close 關閉連線，伺服器端會讓玩家離開房間
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		s.writeMu.Unlock()

		close(s.done)
		err = s.conn.Close()
	})
	return err
}

func (s *Session) sendPayload(t room.MessageType, payload any) error {
	env, err := room.NewEnvelope(t, payload)
	if err != nil {
		return err
	}
	return s.send(env)
}

func (s *Session) send(env room.Envelope) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.conn.WriteJSON(env)
}

// readLoop 讀取伺服器訊息直到連線關閉
func (s *Session) readLoop() {
	defer close(s.messages)

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("connection closed unexpectedly", "error", err)
			}
			return
		}

		var env room.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.logger.Warn("malformed server message", "error", err)
			continue
		}

		select {
		case s.messages <- env:
		case <-s.done:
			return
		}
	}
}
