package room

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	apperrors "github.com/koopa0/system-design/14-duo-match/pkg/errors"
)

// MessageType 訊息類型（線上協定的標籤）
type MessageType string

const (
	// 雙向
	TypeChat MessageType = "chat"

	// 客戶端 → 房間
	TypeReady MessageType = "ready"
	TypeScore MessageType = "score"
	TypePing  MessageType = "ping"

	// 房間 → 客戶端
	TypeStart   MessageType = "start"
	TypeResult  MessageType = "result"
	TypeWelcome MessageType = "welcome"
	TypeJoined  MessageType = "joined"
	TypeLeft    MessageType = "left"
	TypeState   MessageType = "state"
	TypeError   MessageType = "error"
	TypePong    MessageType = "pong"
)

// Envelope 所有訊息共用的外層格式
//
//	{"type": "score", "payload": {"score": 12, "durationMs": 10000}}
//
// Payload 保留原始 JSON，依 Type 再解碼成固定結構。
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope 建立訊息
func NewEnvelope(t MessageType, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Type: t}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return Envelope{Type: t, Payload: data}, nil
}

// MustEnvelope 建立訊息，payload 無法序列化時 panic（僅用於本套件定義的結構）
func MustEnvelope(t MessageType, payload any) Envelope {
	env, err := NewEnvelope(t, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// Decode 將 payload 解碼到 v
func (e Envelope) Decode(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", e.Type)
	}
	return json.Unmarshal(e.Payload, v)
}

// StartPayload 倒數結束、正式開始的時間（epoch 毫秒）
type StartPayload struct {
	At int64 `json:"at"`
}

// ScorePayload 玩家回報的分數
type ScorePayload struct {
	Score      float64  `json:"score"`
	DurationMs *float64 `json:"durationMs,omitempty"`
}

// ChatPayload 聊天廣播（附上發送者）
type ChatPayload struct {
	From    string          `json:"from"`
	Message json.RawMessage `json:"message"`
}

// WelcomePayload 連線建立後告知玩家自己的識別碼
type WelcomePayload struct {
	SessionID string `json:"sessionId"`
	RoomID    string `json:"roomId"`
}

// PresencePayload 加入 / 離開通知
type PresencePayload struct {
	SessionID string   `json:"sessionId"`
	Seats     []string `json:"seats"`
}

// ErrorPayload 回給單一玩家的錯誤
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorEnvelope 將錯誤轉成 error 訊息
func ErrorEnvelope(err error) Envelope {
	msg := err.Error()
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		msg = appErr.Message
		if appErr.Details != "" {
			msg = appErr.Details
		}
	}
	return MustEnvelope(TypeError, ErrorPayload{
		Code:    apperrors.CodeOf(err),
		Message: msg,
	})
}

// DecodeScore 寬鬆解碼 score 訊息
//
// 規則：
//   - payload 缺少或不是物件 → 分數 0
//   - score 缺少或為 null → 0
//   - score 為數字或數字字串 → 該值
//   - score 為其他型別（文字、布林、物件）→ ErrInvalidScore
//   - durationMs 無法解析時視為未提供
func DecodeScore(raw json.RawMessage) (ScorePayload, error) {
	var fields map[string]json.RawMessage
	if len(raw) == 0 || json.Unmarshal(raw, &fields) != nil {
		return ScorePayload{}, nil
	}

	score, err := coerceNumber(fields["score"])
	if err != nil {
		return ScorePayload{}, apperrors.ErrInvalidScore.WithDetails(err.Error())
	}

	p := ScorePayload{Score: score}
	if d, ok := fields["durationMs"]; ok && !isNull(d) {
		if v, err := coerceNumber(d); err == nil {
			p.DurationMs = &v
		}
	}
	return p, nil
}

func coerceNumber(raw json.RawMessage) (float64, error) {
	if isNull(raw) {
		return 0, nil
	}

	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		s = strings.TrimSpace(s)
		if s == "" {
			return 0, nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, fmt.Errorf("score %q is not a number", s)
		}
		return v, nil
	}

	return 0, fmt.Errorf("score must be a number, got %s", string(raw))
}

func isNull(raw json.RawMessage) bool {
	t := bytes.TrimSpace(raw)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}
