package games_test

import (
	"testing"

	"github.com/koopa0/system-design/14-duo-match/internal/games"
	apperrors "github.com/koopa0/system-design/14-duo-match/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestCatalog_Get 測試查詢遊戲
func TestCatalog_Get(t *testing.T) {
	c := games.Default()

	tests := []struct {
		name     string
		slug     string
		validate func(t *testing.T, g games.Game, err error)
	}{
		{
			name: "duo",
			slug: "duo",
			validate: func(t *testing.T, g games.Game, err error) {
				require.NoError(t, err)
				assert.Equal(t, "Quickmatch Duo", g.Title)
				assert.Equal(t, "duo", g.RoomName)
				assert.True(t, g.Modes.Quick)
				assert.True(t, g.Modes.Friend)
			},
		},
		{
			name: "empty slug falls back to default",
			slug: "",
			validate: func(t *testing.T, g games.Game, err error) {
				require.NoError(t, err)
				assert.Equal(t, games.DefaultSlug, g.Slug)
			},
		},
		{
			name: "unknown slug",
			slug: "chess",
			validate: func(t *testing.T, _ games.Game, err error) {
				require.Error(t, err)
				assert.True(t, apperrors.IsNotFound(err))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := c.Get(tt.slug)
			tt.validate(t, g, err)
		})
	}
}

// TestCatalog_List 測試列表是副本
func TestCatalog_List(t *testing.T) {
	c := games.Default()

	list := c.List()
	require.Len(t, list, 1)
	list[0].Title = "mutated"

	g, err := c.Get("duo")
	require.NoError(t, err)
	assert.Equal(t, "Quickmatch Duo", g.Title)
	assert.Equal(t, []string{"duo"}, c.RoomNames())
}

// TestNewCatalog 測試目錄驗證
func TestNewCatalog(t *testing.T) {
	_, err := games.NewCatalog(games.Game{Slug: "a", RoomName: "duo"}, games.Game{Slug: "a", RoomName: "duo"})
	assert.Error(t, err)

	_, err = games.NewCatalog(games.Game{Slug: "a"})
	assert.Error(t, err)

	c, err := games.NewCatalog(
		games.Game{Slug: "a", RoomName: "duo"},
		games.Game{Slug: "b", RoomName: "duo"},
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"duo"}, c.RoomNames())
	assert.Len(t, c.List(), 2)
}
