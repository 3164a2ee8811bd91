package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/koopa0/system-design/14-duo-match/internal/client"
	"github.com/koopa0/system-design/14-duo-match/internal/room"
	"github.com/koopa0/system-design/14-duo-match/pkg/logger"
)

var joinOpts struct {
	server    string
	code      string
	quick     bool
	slug      string
	autoReady bool
	score     float64
	duration  time.Duration
}

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "加入房間並印出收到的訊息",
	Example: `  duo join --code AB12 --auto-ready --score 12
  duo join --quick`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if (joinOpts.code == "") == !joinOpts.quick {
			return errors.New("exactly one of --code or --quick is required")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		return join(ctx, cmd)
	},
}

func init() {
	f := joinCmd.Flags()
	f.StringVar(&joinOpts.server, "server", "http://localhost:2567", "伺服器位址")
	f.StringVar(&joinOpts.code, "code", "", "好友代碼（4-8 字元）")
	f.BoolVar(&joinOpts.quick, "quick", false, "快速配對")
	f.StringVar(&joinOpts.slug, "game", "", "遊戲 slug（快速配對用）")
	f.BoolVar(&joinOpts.autoReady, "auto-ready", false, "連線後立即準備，開始後回報 --score")
	f.Float64Var(&joinOpts.score, "score", 0, "自動回報的分數")
	f.DurationVar(&joinOpts.duration, "duration", 10*time.Second, "自動回報的遊戲時間")
}

func join(ctx context.Context, cmd *cobra.Command) error {
	level := logLevel
	if level == "" {
		level = "warn"
	}
	log := logger.New(logger.Options{Level: level, Output: cmd.ErrOrStderr()})

	c, err := client.New(client.Config{BaseURL: joinOpts.server, Logger: log})
	if err != nil {
		return err
	}

	var s *client.Session
	if joinOpts.quick {
		s, err = c.QuickMatch(ctx, joinOpts.slug)
	} else {
		s, err = c.JoinByCode(ctx, joinOpts.code)
	}
	if err != nil {
		return err
	}
	defer s.Close()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "joined room %s as %s\n", s.RoomID(), s.ID())

	if joinOpts.autoReady {
		if err := s.Ready(); err != nil {
			return fmt.Errorf("send ready: %w", err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-s.Messages():
			if !ok {
				fmt.Fprintln(out, "connection closed")
				return nil
			}
			fmt.Fprintf(out, "%s %s\n", msg.Type, msg.Payload)

			switch msg.Type {
			case room.TypeStart:
				if joinOpts.autoReady {
					waitUntilStart(ctx, msg)
					if err := s.SubmitScore(joinOpts.score, joinOpts.duration); err != nil {
						return fmt.Errorf("submit score: %w", err)
					}
				}
			case room.TypeResult:
				if joinOpts.autoReady {
					return nil
				}
			}
		}
	}
}

// waitUntilStart 等到倒數結束
func waitUntilStart(ctx context.Context, msg room.Envelope) {
	var p room.StartPayload
	if err := msg.Decode(&p); err != nil {
		return
	}
	timer := time.NewTimer(time.Until(time.UnixMilli(p.At)))
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
