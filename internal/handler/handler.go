// Package handler 提供配對服務的 HTTP 介面
package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/koopa0/system-design/14-duo-match/internal/code"
	"github.com/koopa0/system-design/14-duo-match/internal/directory"
	"github.com/koopa0/system-design/14-duo-match/internal/games"
	"github.com/koopa0/system-design/14-duo-match/internal/leaderboard"
	"github.com/koopa0/system-design/14-duo-match/internal/registry"
	"github.com/koopa0/system-design/14-duo-match/internal/transport"
	apperrors "github.com/koopa0/system-design/14-duo-match/pkg/errors"
	"github.com/koopa0/system-design/14-duo-match/pkg/logger"
)

const (
	// GuestCookie 訪客 ID 的 cookie 名稱
	GuestCookie = "qid"

	guestMaxAge  = 180 * 24 * time.Hour
	maxBodyBytes = 1 << 20
)

// Deps 處理器依賴
type Deps struct {
	Registry     *registry.Registry
	Rooms        *directory.Directory
	Hub          *transport.Hub
	Games        *games.Catalog
	Board        *leaderboard.Board // 未設定 Redis 時為 nil，排行榜 API 回傳 503
	Origin       string             // CORS 允許的來源，逗號分隔；空字串或 * 表示不限制
	SecureCookie bool
}

// Handler HTTP 請求處理器
type Handler struct {
	deps   Deps
	logger *slog.Logger
}

// New 創建 HTTP 處理器
func New(deps Deps, logger *slog.Logger) *Handler {
	if deps.Games == nil {
		deps.Games = games.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{deps: deps, logger: logger}
}

// Routes 設定路由
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	// 中間件鏈
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.loggerMiddleware)
	r.Use(h.recoverer)
	r.Use(h.cors)

	r.Get("/", h.root)
	r.Get("/health", h.health)
	r.Get("/stats", h.stats)

	// 遊戲目錄
	r.Get("/games", h.listGames)
	r.Get("/games/{slug}", h.getGame)

	// 配對
	r.Post("/match", h.match)
	r.Post("/quickmatch", h.quickMatch)

	// 房間
	r.Get("/rooms", h.listRooms)
	r.Get("/rooms/{room_id}", h.getRoom)
	r.Get("/ws/rooms/{room_id}", h.deps.Hub.ServeWS(h.deps.Rooms))

	// 訪客與排行榜
	r.Route("/api", func(r chi.Router) {
		r.Get("/guest", h.guest)
		r.Post("/score", h.submitScore)
		r.Get("/leaderboard", h.leaderboard)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		h.errorResponse(w, apperrors.New(apperrors.ErrCodeNotFound, "route not found"))
	})

	return r
}

// 請求結構
type matchRequest struct {
	Code code.Input `json:"code"`
	Slug string     `json:"slug,omitempty"`
}

type quickMatchRequest struct {
	Slug string `json:"slug,omitempty"`
}

type scoreRequest struct {
	GameID     string   `json:"gameId"`
	Score      *float64 `json:"score"`
	DurationMs *float64 `json:"durationMs,omitempty"`
}

// root 存活確認
func (h *Handler) root(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// match 好友代碼配對：預約代碼並回傳房間 ID
func (h *Handler) match(w http.ResponseWriter, r *http.Request) {
	var req matchRequest
	if err := h.decode(r, &req); err != nil {
		h.errorResponse(w, err)
		return
	}

	c := code.Normalize(string(req.Code))
	if c == "" {
		h.errorResponse(w, apperrors.ErrInvalidCode.WithDetails("code required"))
		return
	}

	game, err := h.game(req.Slug)
	if err != nil {
		h.errorResponse(w, err)
		return
	}
	if !game.Modes.Friend {
		h.errorResponse(w, apperrors.New(apperrors.ErrCodeValidation, "friend codes not supported").
			WithDetails(game.Slug+" does not support friend codes"))
		return
	}

	roomID, err := h.deps.Registry.ReserveKind(r.Context(), c, game.RoomName)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "reserve code failed", "code", c, "error", err)
		h.errorResponse(w, err)
		return
	}

	h.jsonResponse(w, map[string]any{
		"ok":     true,
		"roomId": roomID,
		"code":   c,
	}, http.StatusOK)
}

// quickMatch 快速配對：加入有空位的公開房間或建立新房間
func (h *Handler) quickMatch(w http.ResponseWriter, r *http.Request) {
	var req quickMatchRequest
	if err := h.decode(r, &req); err != nil {
		h.errorResponse(w, err)
		return
	}

	game, err := h.game(req.Slug)
	if err != nil {
		h.errorResponse(w, err)
		return
	}
	if !game.Modes.Quick {
		h.errorResponse(w, apperrors.New(apperrors.ErrCodeValidation, "quickmatch not supported").
			WithDetails(game.Slug+" does not support quickmatch"))
		return
	}

	roomID, err := h.deps.Rooms.JoinOrCreate(r.Context(), game.RoomName)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "quickmatch failed", "slug", game.Slug, "error", err)
		h.errorResponse(w, err)
		return
	}

	h.jsonResponse(w, map[string]any{
		"ok":     true,
		"roomId": roomID,
	}, http.StatusOK)
}

// game 依 slug 取得遊戲；未知的 slug 是請求錯誤
func (h *Handler) game(slug string) (games.Game, error) {
	g, err := h.deps.Games.Get(strings.TrimSpace(slug))
	if err != nil {
		return games.Game{}, apperrors.New(apperrors.ErrCodeValidation, "unknown game").
			WithDetails("unknown game: " + slug)
	}
	return g, nil
}

// listGames 遊戲目錄
func (h *Handler) listGames(w http.ResponseWriter, _ *http.Request) {
	h.jsonResponse(w, map[string]any{
		"ok":    true,
		"games": h.deps.Games.List(),
	}, http.StatusOK)
}

// getGame 單一遊戲
func (h *Handler) getGame(w http.ResponseWriter, r *http.Request) {
	g, err := h.deps.Games.Get(chi.URLParam(r, "slug"))
	if err != nil {
		h.errorResponse(w, err)
		return
	}
	h.jsonResponse(w, g, http.StatusOK)
}

// listRooms 列出房間（可用 ?kind= 過濾）
func (h *Handler) listRooms(w http.ResponseWriter, r *http.Request) {
	rooms := h.deps.Rooms.ListRooms(r.URL.Query().Get("kind"))
	h.jsonResponse(w, map[string]any{
		"rooms": rooms,
		"total": len(rooms),
	}, http.StatusOK)
}

// getRoom 房間詳情
func (h *Handler) getRoom(w http.ResponseWriter, r *http.Request) {
	s, err := h.deps.Rooms.Describe(chi.URLParam(r, "room_id"))
	if err != nil {
		h.errorResponse(w, err)
		return
	}
	h.jsonResponse(w, s, http.StatusOK)
}

// health 健康檢查
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status": "healthy",
		"time":   time.Now().Unix(),
	}
	if h.deps.Board != nil {
		if err := h.deps.Board.Ping(r.Context()); err != nil {
			resp["status"] = "degraded"
			resp["redis"] = err.Error()
		} else {
			resp["redis"] = "ok"
		}
	}
	h.jsonResponse(w, resp, http.StatusOK)
}

// stats 統計資訊
func (h *Handler) stats(w http.ResponseWriter, _ *http.Request) {
	stats := h.deps.Rooms.Stats()

	connections := 0
	for _, n := range h.deps.Hub.ConnectionCount() {
		connections += n
	}
	stats["connections"] = connections
	stats["pending_codes"] = h.deps.Registry.Pending()

	h.jsonResponse(w, stats, http.StatusOK)
}

// guest 取得或發放訪客 ID
func (h *Handler) guest(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, map[string]any{"id": h.ensureGuestID(w, r)}, http.StatusOK)
}

// ensureGuestID 回傳既有的訪客 cookie，沒有時發放新的
func (h *Handler) ensureGuestID(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(GuestCookie); err == nil && c.Value != "" {
		return c.Value
	}

	id := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     GuestCookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.deps.SecureCookie,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(guestMaxAge.Seconds()),
	})
	h.logger.InfoContext(logger.WithGuestID(r.Context(), id), "guest issued")
	return id
}

// submitScore 提交分數到排行榜
func (h *Handler) submitScore(w http.ResponseWriter, r *http.Request) {
	if h.deps.Board == nil {
		h.errorResponse(w, apperrors.ErrUnavailable.WithDetails("leaderboard disabled"))
		return
	}

	var req scoreRequest
	if err := h.decode(r, &req); err != nil {
		h.errorResponse(w, err)
		return
	}
	if req.GameID == "" || req.Score == nil {
		h.errorResponse(w, apperrors.New(apperrors.ErrCodeValidation, "invalid payload").
			WithDetails("gameId and numeric score required"))
		return
	}

	c, err := r.Cookie(GuestCookie)
	if err != nil || c.Value == "" {
		h.jsonResponse(w, map[string]any{"ok": false, "error": "no guest id"}, http.StatusUnauthorized)
		return
	}

	ctx := logger.WithGuestID(r.Context(), c.Value)
	if err := h.deps.Board.Submit(ctx, req.GameID, c.Value, *req.Score, req.DurationMs); err != nil {
		h.logger.WarnContext(ctx, "score rejected", "game", req.GameID, "error", err)
		h.errorResponse(w, err)
		return
	}

	h.jsonResponse(w, map[string]any{"ok": true}, http.StatusOK)
}

// leaderboard 查詢排行榜 ?game=&period=&limit=
func (h *Handler) leaderboard(w http.ResponseWriter, r *http.Request) {
	if h.deps.Board == nil {
		h.errorResponse(w, apperrors.ErrUnavailable.WithDetails("leaderboard disabled"))
		return
	}

	q := r.URL.Query()
	game := q.Get("game")
	if game == "" {
		game = games.DefaultSlug
	}
	period, err := leaderboard.ParsePeriod(q.Get("period"))
	if err != nil {
		h.errorResponse(w, err)
		return
	}
	limit := leaderboard.DefaultLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			h.errorResponse(w, apperrors.New(apperrors.ErrCodeValidation, "invalid limit").
				WithDetails("limit must be a positive integer"))
			return
		}
		limit = n
	}

	entries, err := h.deps.Board.Top(r.Context(), game, period, limit)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "leaderboard query failed", "game", game, "error", err)
		h.errorResponse(w, err)
		return
	}

	h.jsonResponse(w, map[string]any{
		"ok":     true,
		"gameId": game,
		"period": period,
		"data":   entries,
	}, http.StatusOK)
}

// decode 解析 JSON 請求；空 body 視為空物件
func (h *Handler) decode(r *http.Request, v any) error {
	body := http.MaxBytesReader(nil, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return apperrors.New(apperrors.ErrCodeValidation, "invalid request body").WithDetails(err.Error())
	}
	return nil
}

// jsonResponse 返回 JSON 響應
func (h *Handler) jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("encode json failed", "error", err)
	}
}

// errorResponse 依錯誤分類返回 {ok:false, error, code}
func (h *Handler) errorResponse(w http.ResponseWriter, err error) {
	msg := err.Error()
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		msg = appErr.Message
		if appErr.Details != "" {
			msg = appErr.Details
		}
	}

	h.jsonResponse(w, map[string]any{
		"ok":    false,
		"error": msg,
		"code":  apperrors.CodeOf(err),
	}, apperrors.HTTPStatus(err))
}

// loggerMiddleware 日誌中間件
//
// 使用 chi 的 WrapResponseWriter 取得狀態碼，它保留 http.Hijacker，WebSocket 升級不受影響。
func (h *Handler) loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		h.logger.InfoContext(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"duration", time.Since(start))
	})
}

// recoverer panic 恢復中間件
func (h *Handler) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				h.logger.ErrorContext(r.Context(), "panic while handling request",
					"error", rec,
					"method", r.Method,
					"path", r.URL.Path)

				h.errorResponse(w, apperrors.New(apperrors.ErrCodeInternal, "internal server error"))
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// cors 跨來源設定；指定來源時允許攜帶 cookie
func (h *Handler) cors(next http.Handler) http.Handler {
	allowed := strings.TrimSpace(h.deps.Origin)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		switch {
		case allowed == "" || allowed == "*":
			w.Header().Set("Access-Control-Allow-Origin", "*")
		case origin != "" && originAllowed(allowed, origin):
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func originAllowed(allowed, origin string) bool {
	for _, o := range strings.Split(allowed, ",") {
		if strings.EqualFold(strings.TrimSpace(o), origin) {
			return true
		}
	}
	return false
}
