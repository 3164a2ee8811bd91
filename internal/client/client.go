// Package client 是配對服務的加入端
//
// 系統設計：
//
//	JoinByCode ──► POST /match ──► roomId ──► JoinByID ──► WebSocket Session
//	QuickMatch ──► POST /quickmatch ───────────┘
//
// 重試策略：
//   - 只有握手回應 404（房間尚未可見）或升級後收到 NOT_FOUND 才重試，
//     最多 Attempts 次，每次間隔 Delay
//   - 等待以 select 同時監聽 context 與計時器，取消時立即返回
//   - 409（已滿）、400（ID 格式錯誤）、網路錯誤、升級後的其他拒絕不重試，直接回傳 JoinFailed
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koopa0/system-design/14-duo-match/internal/code"
	apperrors "github.com/koopa0/system-design/14-duo-match/pkg/errors"
)

const (
	// DefaultAttempts 握手 404 時的最多嘗試次數
	DefaultAttempts = 8

	// DefaultDelay 每次重試間隔
	DefaultDelay = 200 * time.Millisecond

	// DefaultTimeout HTTP 請求與握手的逾時
	DefaultTimeout = 10 * time.Second
)

// Config 客戶端設定
type Config struct {
	BaseURL  string // 例如 http://localhost:2567；WebSocket 位址由此推導
	Attempts int
	Delay    time.Duration

	HTTPClient *http.Client
	Dialer     *websocket.Dialer
	Logger     *slog.Logger
}

// Client 配對服務客戶端（可併發使用）
type Client struct {
	httpURL *url.URL
	wsURL   *url.URL
	cfg     Config
	logger  *slog.Logger
}

// New 創建客戶端
func New(cfg Config) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}

	ws := *u
	switch u.Scheme {
	case "http":
		ws.Scheme = "ws"
	case "https":
		ws.Scheme = "wss"
	default:
		return nil, fmt.Errorf("base url scheme must be http or https, got %q", u.Scheme)
	}

	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultAttempts
	}
	if cfg.Delay <= 0 {
		cfg.Delay = DefaultDelay
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultTimeout}
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: DefaultTimeout,
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{httpURL: u, wsURL: &ws, cfg: cfg, logger: logger}, nil
}

// matchResponse /match 與 /quickmatch 的回應
type matchResponse struct {
	OK     bool   `json:"ok"`
	RoomID string `json:"roomId"`
	Error  string `json:"error"`
}

// Reserve 預約好友代碼，回傳房間 ID
func (c *Client) Reserve(ctx context.Context, raw string) (string, error) {
	cd, err := code.Validate(raw)
	if err != nil {
		return "", err
	}
	return c.post(ctx, "/match", map[string]string{"code": cd})
}

// JoinByCode 以好友代碼加入房間
func (c *Client) JoinByCode(ctx context.Context, raw string) (*Session, error) {
	roomID, err := c.Reserve(ctx, raw)
	if err != nil {
		return nil, err
	}
	return c.JoinByID(ctx, roomID)
}

// QuickMatch 快速配對；slug 為空時使用預設遊戲
func (c *Client) QuickMatch(ctx context.Context, slug string) (*Session, error) {
	body := map[string]string{}
	if slug != "" {
		body["slug"] = slug
	}
	roomID, err := c.post(ctx, "/quickmatch", body)
	if err != nil {
		return nil, err
	}
	return c.JoinByID(ctx, roomID)
}

// post 呼叫配對 API，非 200 視為預約失敗並帶上伺服器訊息
func (c *Client) post(ctx context.Context, path string, body any) (string, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.httpURL.String()+path, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.ErrCodeReservationFailed, "reservation request failed")
	}
	defer resp.Body.Close()

	var mr matchResponse
	decodeErr := json.NewDecoder(resp.Body).Decode(&mr)

	if resp.StatusCode != http.StatusOK || !mr.OK {
		msg := mr.Error
		if msg == "" {
			msg = resp.Status
		}
		return "", apperrors.ErrReservationFailed.WithDetails(msg)
	}
	if decodeErr != nil || mr.RoomID == "" {
		return "", apperrors.ErrReservationFailed.WithDetails("malformed response")
	}
	return mr.RoomID, nil
}

// JoinByID 以房間 ID 建立 WebSocket 連線
//
// 房間可能剛建立、尚未對連線端可見，因此握手 404 會等待後重試。
func (c *Client) JoinByID(ctx context.Context, roomID string) (*Session, error) {
	if roomID == "" {
		return nil, apperrors.New(apperrors.ErrCodeValidation, "room id required")
	}

	target := c.wsURL.String() + "/ws/rooms/" + url.PathEscape(roomID)

	var lastErr error
	for attempt := 1; attempt <= c.cfg.Attempts; attempt++ {
		conn, resp, err := c.cfg.Dialer.DialContext(ctx, target, nil)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err == nil {
			s, err := newSession(conn, roomID, c.logger)
			if err == nil {
				return s, nil
			}
			// 升級後才被拒絕：房間已回收視同尚不可見，其餘直接失敗
			if !apperrors.IsNotFound(err) {
				return nil, apperrors.Wrap(err, apperrors.ErrCodeJoinFailed, "join failed")
			}
			lastErr = err
		} else {
			if resp == nil || resp.StatusCode != http.StatusNotFound {
				return nil, apperrors.Wrap(handshakeError(err, resp), apperrors.ErrCodeJoinFailed, "join failed")
			}
			lastErr = apperrors.Wrap(err, apperrors.ErrCodeNotFound, "room not found")
		}

		c.logger.Debug("room not visible yet, retrying",
			"room_id", roomID,
			"attempt", attempt,
			"max_attempts", c.cfg.Attempts)

		if attempt == c.cfg.Attempts {
			break
		}

		timer := time.NewTimer(c.cfg.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, apperrors.Wrap(ctx.Err(), apperrors.ErrCodeJoinFailed, "join cancelled")
		case <-timer.C:
		}
	}

	return nil, apperrors.Wrap(lastErr, apperrors.ErrCodeJoinFailed,
		fmt.Sprintf("join failed after %d attempts", c.cfg.Attempts))
}

// handshakeError 為非 404 的握手失敗附上狀態碼分類
func handshakeError(err error, resp *http.Response) error {
	if resp == nil {
		return err
	}
	switch resp.StatusCode {
	case http.StatusConflict:
		return apperrors.Wrap(err, apperrors.ErrCodeCapacityExceeded, "room is full")
	case http.StatusBadRequest:
		return apperrors.Wrap(err, apperrors.ErrCodeValidation, "malformed room id")
	default:
		return fmt.Errorf("handshake status %d: %w", resp.StatusCode, err)
	}
}
