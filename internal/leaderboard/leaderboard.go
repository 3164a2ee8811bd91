// Package leaderboard 以 Redis sorted set 記錄每位玩家的最佳分數
package leaderboard

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/koopa0/system-design/14-duo-match/pkg/errors"
)

// 系統設計：
//   每個遊戲、每個期間一個 sorted set，member 為訪客 ID，score 為最佳分數。
//
//   lb:{game}:all
//   lb:{game}:daily:YYYYMMDD    （UTC）
//   lb:{game}:weekly:YYYYWW     （ISO 週，UTC）
//
//   寫入使用 ZADD GT：只有比現有分數高才更新，三個期間在同一個 pipeline 完成。
//   日榜與週榜設定過期時間，舊期間的 key 會自行消失。

// Period 排行榜期間
type Period string

const (
	PeriodDaily  Period = "daily"
	PeriodWeekly Period = "weekly"
	PeriodAll    Period = "all"
)

// Periods 每次寫入更新的所有期間
var Periods = []Period{PeriodDaily, PeriodWeekly, PeriodAll}

const (
	// DefaultLimit 查詢筆數預設值
	DefaultLimit = 10

	// DefaultMaxLimit 查詢筆數上限
	DefaultMaxLimit = 50

	// DefaultMinDuration / DefaultMaxDuration 一局遊戲時間的合理範圍（10 秒 ± 1 秒）
	DefaultMinDuration = 9 * time.Second
	DefaultMaxDuration = 11 * time.Second

	dailyRetention  = 48 * time.Hour
	weeklyRetention = 15 * 24 * time.Hour
)

// ParsePeriod 解析期間，空字串視為 daily
func ParsePeriod(s string) (Period, error) {
	switch p := Period(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PeriodDaily, nil
	case PeriodDaily, PeriodWeekly, PeriodAll:
		return p, nil
	default:
		return "", apperrors.New(apperrors.ErrCodeValidation, "invalid period").
			WithDetails("period must be daily, weekly or all")
	}
}

// KeyFor 計算排行榜 key
func KeyFor(game string, p Period, now time.Time) string {
	now = now.UTC()
	switch p {
	case PeriodDaily:
		return fmt.Sprintf("lb:%s:daily:%s", game, now.Format("20060102"))
	case PeriodWeekly:
		year, week := now.ISOWeek()
		return fmt.Sprintf("lb:%s:weekly:%d%02d", game, year, week)
	default:
		return fmt.Sprintf("lb:%s:all", game)
	}
}

// Entry 排行榜的一列
type Entry struct {
	Rank   int     `json:"rank"`
	UserID string  `json:"userId"`
	Score  float64 `json:"score"`
}

// Options 排行榜參數
type Options struct {
	MinDuration time.Duration
	MaxDuration time.Duration
	MaxLimit    int
	Clock       func() time.Time
}

// Board 排行榜
type Board struct {
	client *redis.Client
	opts   Options
	logger *slog.Logger
}

// New 創建排行榜
func New(client *redis.Client, opts Options, logger *slog.Logger) *Board {
	if opts.MinDuration <= 0 {
		opts.MinDuration = DefaultMinDuration
	}
	if opts.MaxDuration <= 0 {
		opts.MaxDuration = DefaultMaxDuration
	}
	if opts.MaxLimit <= 0 {
		opts.MaxLimit = DefaultMaxLimit
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Board{client: client, opts: opts, logger: logger}
}

// Submit 提交分數，每個期間只保留玩家的最佳分數
//
// durationMs 為 nil 或 0 時不檢查遊戲時間。
func (b *Board) Submit(ctx context.Context, game, player string, score float64, durationMs *float64) error {
	if game == "" {
		return apperrors.New(apperrors.ErrCodeValidation, "game required")
	}
	if player == "" {
		return apperrors.New(apperrors.ErrCodeValidation, "player required")
	}
	if math.IsNaN(score) || math.IsInf(score, 0) || score < 0 {
		return apperrors.ErrInvalidScore.WithDetails("score must be a finite non-negative number")
	}
	if err := b.checkDuration(durationMs); err != nil {
		return err
	}

	now := b.opts.Clock()
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, p := range Periods {
			key := KeyFor(game, p, now)
			pipe.ZAddGT(ctx, key, redis.Z{Score: score, Member: player})
			switch p {
			case PeriodDaily:
				pipe.Expire(ctx, key, dailyRetention)
			case PeriodWeekly:
				pipe.Expire(ctx, key, weeklyRetention)
			}
		}
		return nil
	})
	if err != nil {
		b.logger.Error("submit score failed", "game", game, "player", player, "error", err)
		return apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "leaderboard unavailable")
	}

	b.logger.Debug("score submitted", "game", game, "player", player, "score", score)
	return nil
}

func (b *Board) checkDuration(durationMs *float64) error {
	if durationMs == nil || *durationMs == 0 {
		return nil
	}
	d := time.Duration(*durationMs * float64(time.Millisecond))
	if d < b.opts.MinDuration || d > b.opts.MaxDuration {
		return apperrors.New(apperrors.ErrCodeValidation, "invalid duration").
			WithDetails(fmt.Sprintf("duration %v outside %v-%v", d, b.opts.MinDuration, b.opts.MaxDuration))
	}
	return nil
}

// Top 取得排行榜前 limit 名（limit ≤ 0 用預設值，超過上限時截斷）
func (b *Board) Top(ctx context.Context, game string, p Period, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	limit = min(limit, b.opts.MaxLimit)

	rows, err := b.client.ZRevRangeWithScores(ctx, KeyFor(game, p, b.opts.Clock()), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "leaderboard unavailable")
	}

	entries := make([]Entry, 0, len(rows))
	for i, z := range rows {
		member, _ := z.Member.(string)
		entries = append(entries, Entry{Rank: i + 1, UserID: member, Score: z.Score})
	}
	return entries, nil
}

// Ping 檢查 Redis 連線
func (b *Board) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}
