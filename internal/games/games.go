// Package games 定義可遊玩的遊戲目錄
//
// 新增遊戲只需要在 Default 中加入一筆；slug 是對外識別，
// RoomName 是建立房間時使用的房間類型。
package games

import (
	"fmt"
	"slices"

	apperrors "github.com/koopa0/system-design/14-duo-match/pkg/errors"
)

// DefaultSlug 未指定遊戲時使用
const DefaultSlug = "duo"

// Modes 支援的配對方式
type Modes struct {
	Quick  bool `json:"quick"`
	Friend bool `json:"friend"`
}

// Game 遊戲描述
type Game struct {
	Slug        string `json:"slug"`
	Title       string `json:"title"`
	RoomName    string `json:"roomName"`
	Modes       Modes  `json:"modes"`
	Description string `json:"description,omitempty"`
}

// Catalog 遊戲目錄（建立後唯讀，可併發讀取）
type Catalog struct {
	games  []Game
	bySlug map[string]Game
}

// NewCatalog 創建遊戲目錄
func NewCatalog(games ...Game) (*Catalog, error) {
	c := &Catalog{bySlug: make(map[string]Game, len(games))}
	for _, g := range games {
		if g.Slug == "" || g.RoomName == "" {
			return nil, fmt.Errorf("game %q: slug and room name required", g.Title)
		}
		if _, dup := c.bySlug[g.Slug]; dup {
			return nil, fmt.Errorf("duplicate game slug %q", g.Slug)
		}
		c.bySlug[g.Slug] = g
		c.games = append(c.games, g)
	}
	return c, nil
}

// Default 內建目錄
func Default() *Catalog {
	c, err := NewCatalog(Game{
		Slug:        "duo",
		Title:       "Quickmatch Duo",
		RoomName:    "duo",
		Modes:       Modes{Quick: true, Friend: true},
		Description: "Two-player tapper demo with quickmatch or friend code.",
	})
	if err != nil {
		panic(err)
	}
	return c
}

// Get 依 slug 取得遊戲，空字串視為預設遊戲
func (c *Catalog) Get(slug string) (Game, error) {
	if slug == "" {
		slug = DefaultSlug
	}
	g, ok := c.bySlug[slug]
	if !ok {
		return Game{}, apperrors.New(apperrors.ErrCodeNotFound, "game not found").
			WithDetails("unknown game: " + slug)
	}
	return g, nil
}

// List 依定義順序列出所有遊戲
func (c *Catalog) List() []Game {
	return slices.Clone(c.games)
}

// RoomNames 所有遊戲使用的房間類型（去重）
func (c *Catalog) RoomNames() []string {
	var names []string
	for _, g := range c.games {
		if !slices.Contains(names, g.RoomName) {
			names = append(names, g.RoomName)
		}
	}
	return names
}
