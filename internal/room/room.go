// Package room 實現雙人對戰房間的狀態機
package room

import (
	"encoding/json"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	apperrors "github.com/koopa0/system-design/14-duo-match/pkg/errors"
)

// 系統設計問題：
//   兩位玩家如何在同一個房間內完成「準備 → 倒數 → 遊戲 → 結算 → 再來一局」？
//
// 核心挑戰：
//   1. 準備握手：兩人都按下 ready 才開始，重複的 ready 不能再次觸發倒數
//   2. 同步倒數：伺服器只廣播開始時間，各客戶端自行倒數
//   3. 結算：兩份分數都到齊才判定勝負，平手時沒有贏家
//   4. 再來一局：結算後立即清空回合狀態，座位保留，不需重新加入
//
// 信任邊界：
//   房間決定「誰的分數算數」與「平手規則」，不負責遊戲時間的強制執行，
//   倒數結束後房間只被動等待 score 訊息。

// Phase 房間階段
//
//	waiting_for_seats → ready_handshake → countdown → playing → resolved
//	                          ↑__________________________________↓
//
// 階段由狀態推導，不單獨儲存：
//   - 座位未滿 → waiting_for_seats
//   - 有開始時間且尚未到達 → countdown；已到達 → playing
//   - 有結果 → resolved（兩人再次 ready 即開始下一局）
//   - 其餘 → ready_handshake
type Phase string

const (
	PhaseWaitingForSeats Phase = "waiting_for_seats"
	PhaseReadyHandshake  Phase = "ready_handshake"
	PhaseCountdown       Phase = "countdown"
	PhasePlaying         Phase = "playing"
	PhaseResolved        Phase = "resolved"
)

const (
	// Capacity 每個房間的座位數，勝負判定只比較兩份分數
	Capacity = 2

	// DefaultCountdown 雙方準備後到正式開始的延遲
	DefaultCountdown = 1500 * time.Millisecond
)

// Broadcaster 房間對外發送訊息的介面（由傳輸層實作）
//
// 實作必須是非阻塞的：房間在持有鎖的情況下呼叫，保證訊息順序與狀態轉換順序一致。
type Broadcaster interface {
	Broadcast(roomID string, msg Envelope)
	Send(roomID, participantID string, msg Envelope)
}

// Options 建立房間的參數
type Options struct {
	Kind      string
	Code      string
	Private   bool
	Countdown time.Duration
	Clock     func() time.Time
}

// Result 最近一局的結算
type Result struct {
	Scores  map[string]float64 `json:"scores"`
	Winner  *string            `json:"winner"`
	Forfeit string             `json:"forfeit,omitempty"`
}

// State 房間狀態快照（每次狀態轉換後廣播給所有玩家）
type State struct {
	RoomID    string    `json:"roomId"`
	Kind      string    `json:"kind"`
	Code      string    `json:"code,omitempty"`
	Phase     Phase     `json:"phase"`
	Seats     []string  `json:"seats"`
	Ready     []string  `json:"ready"`
	StartedAt *int64    `json:"startedAt,omitempty"`
	Results   *Result   `json:"results,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Room 雙人對戰房間
//
// 不變量：
//   - len(seats) ≤ 2，順序為加入順序
//   - ready ⊆ seats，scores 的 key ⊆ seats
//   - results 只在一局結算後存在，直到下一次倒數開始才清除
//
// 併發控制：
//   所有操作在 mu 之下執行，「檢查 ready 數量再轉換」與「檢查分數數量再結算」
//   都是原子的；不同房間之間沒有共享狀態。
type Room struct {
	id        string
	kind      string
	code      string
	private   bool
	countdown time.Duration
	now       func() time.Time
	out       Broadcaster
	logger    *slog.Logger

	mu         sync.Mutex
	seats      []string
	ready      map[string]struct{}
	scores     map[string]float64
	startedAt  *time.Time
	results    *Result
	createdAt  time.Time
	lastActive time.Time
	closed     bool
}

// New 創建房間
func New(id string, opts Options, out Broadcaster, logger *slog.Logger) *Room {
	if opts.Countdown <= 0 {
		opts.Countdown = DefaultCountdown
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}

	now := opts.Clock()
	return &Room{
		id:         id,
		kind:       opts.Kind,
		code:       opts.Code,
		private:    opts.Private,
		countdown:  opts.Countdown,
		now:        opts.Clock,
		out:        out,
		logger:     logger.With("room_id", id),
		seats:      make([]string, 0, Capacity),
		ready:      make(map[string]struct{}, Capacity),
		scores:     make(map[string]float64, Capacity),
		createdAt:  now,
		lastActive: now,
	}
}

// ID 房間 ID
func (r *Room) ID() string { return r.id }

// Kind 房間類型（遊戲 slug 對應的 room name）
func (r *Room) Kind() string { return r.kind }

// Code 建立房間時的好友代碼（quickmatch 房間為空）
func (r *Room) Code() string { return r.code }

// Private 私人房間不會被 quickmatch 配到
func (r *Room) Private() bool { return r.private }

// Join 玩家入座
//
// 座位已滿時回傳 ErrRoomFull；傳輸層應在呼叫前先檢查 IsFull，
// 這裡的檢查保證任何情況下都不會出現第三個座位。
func (r *Room) Join(participantID string) error {
	return r.JoinWith(participantID, nil)
}

// JoinWith 入座，seated 在座位確定後、廣播 joined 之前執行（持有房間鎖）
//
// 傳輸層藉此在入座成功時才註冊連線並送出 welcome，
// 被拒絕的連線只會收到 error。
func (r *Room) JoinWith(participantID string, seated func()) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return apperrors.ErrRoomNotFound
	}
	if slices.Contains(r.seats, participantID) {
		return apperrors.New(apperrors.ErrCodeValidation, "participant already seated")
	}
	if len(r.seats) >= Capacity {
		return apperrors.ErrRoomFull
	}

	r.seats = append(r.seats, participantID)
	r.lastActive = r.now()
	if seated != nil {
		seated()
	}

	r.logger.Info("player joined", "participant", participantID, "seats", len(r.seats))
	r.broadcast(TypeJoined, PresencePayload{SessionID: participantID, Seats: slices.Clone(r.seats)})
	r.publishState()
	return nil
}

// Leave 玩家離開
//
// 回合進行中（已廣播 start）離開時以棄權結算：留下的玩家獲勝，
// 回合狀態清空，房間回到等待座位。
func (r *Room) Leave(participantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := slices.Index(r.seats, participantID)
	if idx < 0 {
		return
	}

	r.seats = slices.Delete(r.seats, idx, idx+1)
	delete(r.ready, participantID)
	delete(r.scores, participantID)
	r.lastActive = r.now()

	r.logger.Info("player left", "participant", participantID, "seats", len(r.seats))
	r.broadcast(TypeLeft, PresencePayload{SessionID: participantID, Seats: slices.Clone(r.seats)})

	if r.startedAt != nil && len(r.seats) == 1 {
		winner := r.seats[0]
		r.resolve(&winner, participantID)
		return
	}
	if len(r.seats) == 0 {
		r.resetRound()
	}
	r.publishState()
}

// Handle 依訊息類型分派
func (r *Room) Handle(sender string, msg Envelope) error {
	switch msg.Type {
	case TypeReady:
		return r.Ready(sender)
	case TypeScore:
		p, err := DecodeScore(msg.Payload)
		if err != nil {
			return err
		}
		return r.Score(sender, p)
	case TypeChat:
		r.Chat(sender, msg.Payload)
		return nil
	case TypePing:
		if r.out != nil {
			r.out.Send(r.id, sender, Envelope{Type: TypePong})
		}
		return nil
	default:
		return apperrors.New(apperrors.ErrCodeValidation, "unknown message type").
			WithDetails("unknown message type: " + string(msg.Type))
	}
}

// Ready 玩家準備
//
// 兩個座位都 ready 且尚未排定倒數時，計算 startedAt = now + countdown 並廣播一次 start。
// 重複的 ready 不會重新排定倒數。
func (r *Room) Ready(sender string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !slices.Contains(r.seats, sender) {
		return apperrors.ErrNotSeated
	}

	r.ready[sender] = struct{}{}
	r.lastActive = r.now()

	if len(r.ready) < Capacity || r.startedAt != nil {
		r.publishState()
		return nil
	}

	at := r.now().Add(r.countdown)
	r.startedAt = &at
	r.results = nil

	r.logger.Info("round starting", "at", at.UnixMilli())
	r.broadcast(TypeStart, StartPayload{At: at.UnixMilli()})
	r.publishState()
	return nil
}

// Score 玩家回報分數
//
// 負數視為 0；同一玩家重複回報時以最後一次為準。
// 所有座位都有分數時立即結算。
func (r *Room) Score(sender string, p ScorePayload) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !slices.Contains(r.seats, sender) {
		return apperrors.ErrNotSeated
	}

	score := p.Score
	if math.IsNaN(score) {
		score = 0
	}
	r.scores[sender] = max(0, score)
	r.lastActive = r.now()

	if len(r.seats) < Capacity {
		return nil
	}
	for _, id := range r.seats {
		if _, ok := r.scores[id]; !ok {
			return nil
		}
	}

	a, b := r.seats[0], r.seats[1]
	var winner *string
	switch {
	case r.scores[a] > r.scores[b]:
		winner = &a
	case r.scores[b] > r.scores[a]:
		winner = &b
	}
	r.resolve(winner, "")
	return nil
}

// Chat 轉發聊天訊息，不改變狀態、不檢查內容
func (r *Room) Chat(sender string, message json.RawMessage) {
	if len(message) == 0 {
		message = json.RawMessage("null")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcast(TypeChat, ChatPayload{From: sender, Message: message})
}

// State 房間狀態快照
func (r *Room) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stateLocked()
}

// Phase 目前階段
func (r *Room) Phase() Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phaseLocked()
}

// SeatCount 已入座人數
func (r *Room) SeatCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seats)
}

// IsFull 座位是否已滿
func (r *Room) IsFull() bool {
	return r.SeatCount() >= Capacity
}

// IsExpired 檢查房間是否可回收
//
//   - 已關閉
//   - 存在超過 maxLifetime 且無人
//   - 無人超過 emptyTTL
func (r *Room) IsExpired(emptyTTL, maxLifetime time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return true
	}
	if len(r.seats) > 0 {
		return false
	}

	now := r.now()
	if maxLifetime > 0 && now.Sub(r.createdAt) > maxLifetime {
		return true
	}
	return now.Sub(r.lastActive) > emptyTTL
}

// Close 關閉房間，之後的 Join 會失敗
func (r *Room) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

// resolve 結算並立即重置回合（需持有鎖）
func (r *Room) resolve(winner *string, forfeit string) {
	scores := make(map[string]float64, len(r.scores))
	for id, v := range r.scores {
		scores[id] = v
	}

	r.results = &Result{Scores: scores, Winner: winner, Forfeit: forfeit}

	attrs := []any{"scores", scores, "forfeit", forfeit}
	if winner != nil {
		attrs = append(attrs, "winner", *winner)
	}
	r.logger.Info("round resolved", attrs...)

	r.broadcast(TypeResult, r.results)
	r.resetRound()
	r.publishState()
}

// resetRound 清空 ready、scores、startedAt（需持有鎖）
func (r *Room) resetRound() {
	clear(r.ready)
	clear(r.scores)
	r.startedAt = nil
}

func (r *Room) phaseLocked() Phase {
	if r.startedAt != nil {
		if r.now().Before(*r.startedAt) {
			return PhaseCountdown
		}
		return PhasePlaying
	}
	if len(r.seats) < Capacity {
		return PhaseWaitingForSeats
	}
	if r.results != nil {
		return PhaseResolved
	}
	return PhaseReadyHandshake
}

func (r *Room) stateLocked() State {
	s := State{
		RoomID:    r.id,
		Kind:      r.kind,
		Code:      r.code,
		Phase:     r.phaseLocked(),
		Seats:     slices.Clone(r.seats),
		Ready:     make([]string, 0, len(r.ready)),
		CreatedAt: r.createdAt,
	}
	for _, id := range r.seats {
		if _, ok := r.ready[id]; ok {
			s.Ready = append(s.Ready, id)
		}
	}
	if r.startedAt != nil {
		at := r.startedAt.UnixMilli()
		s.StartedAt = &at
	}
	if r.results != nil {
		res := *r.results
		s.Results = &res
	}
	return s
}

func (r *Room) publishState() {
	r.broadcast(TypeState, r.stateLocked())
}

func (r *Room) broadcast(t MessageType, payload any) {
	if r.out == nil {
		return
	}
	r.out.Broadcast(r.id, MustEnvelope(t, payload))
}
