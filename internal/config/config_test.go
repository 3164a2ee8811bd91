package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/koopa0/system-design/14-duo-match/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// TestDefaults 測試預設值
func TestDefaults(t *testing.T) {
	c := config.Defaults()

	assert.Equal(t, 2567, c.Server.Port)
	assert.Equal(t, time.Hour, c.Registry.TTL)
	assert.Equal(t, "memory", c.Registry.Backend)
	assert.Equal(t, 1500*time.Millisecond, c.Room.Countdown)
	assert.Equal(t, 5*time.Minute, c.Room.EmptyTTL)
	assert.Equal(t, 30*time.Minute, c.Room.MaxLifetime)
	assert.Equal(t, 9*time.Second, c.Leaderboard.MinDuration)
	assert.Equal(t, 11*time.Second, c.Leaderboard.MaxDuration)
	assert.False(t, c.RedisEnabled())
	require.NoError(t, c.Validate())
}

// TestLoad 測試載入順序
func TestLoad(t *testing.T) {
	tests := []struct {
		name     string
		yaml     string
		env      map[string]string
		validate func(t *testing.T, c *config.Config, err error)
	}{
		{
			name: "missing file uses defaults",
			validate: func(t *testing.T, c *config.Config, err error) {
				require.NoError(t, err)
				assert.Equal(t, 2567, c.Server.Port)
			},
		},
		{
			name: "yaml overrides defaults",
			yaml: `
server:
  port: 8080
registry:
  ttl: 30m
room:
  countdown: 3s
  max_rooms: 50
log:
  level: debug
  format: json
`,
			validate: func(t *testing.T, c *config.Config, err error) {
				require.NoError(t, err)
				assert.Equal(t, 8080, c.Server.Port)
				assert.Equal(t, 30*time.Minute, c.Registry.TTL)
				assert.Equal(t, 3*time.Second, c.Room.Countdown)
				assert.Equal(t, 50, c.Room.MaxRooms)
				assert.Equal(t, "debug", c.Log.Level)
				// 未設定的欄位保留預設值
				assert.Equal(t, 5*time.Minute, c.Room.EmptyTTL)
			},
		},
		{
			name: "env overrides yaml",
			yaml: "server:\n  port: 8080\n",
			env: map[string]string{
				"PORT":           "9090",
				"REDIS_ADDR":     "localhost:6379",
				"CODE_TTL":       "10m",
				"ALLOWED_ORIGIN": "https://play.example.com",
			},
			validate: func(t *testing.T, c *config.Config, err error) {
				require.NoError(t, err)
				assert.Equal(t, 9090, c.Server.Port)
				assert.Equal(t, ":9090", c.Addr())
				assert.Equal(t, "localhost:6379", c.Redis.Addr)
				assert.True(t, c.RedisEnabled())
				assert.Equal(t, 10*time.Minute, c.Registry.TTL)
				assert.Equal(t, "https://play.example.com", c.Server.AllowedOrigin)
			},
		},
		{
			name: "invalid PORT",
			env:  map[string]string{"PORT": "http"},
			validate: func(t *testing.T, _ *config.Config, err error) {
				assert.ErrorContains(t, err, "PORT")
			},
		},
		{
			name: "invalid CODE_TTL",
			env:  map[string]string{"CODE_TTL": "forever"},
			validate: func(t *testing.T, _ *config.Config, err error) {
				assert.ErrorContains(t, err, "CODE_TTL")
			},
		},
		{
			name: "malformed yaml",
			yaml: "server: [",
			validate: func(t *testing.T, _ *config.Config, err error) {
				assert.ErrorContains(t, err, "parse config")
			},
		},
		{
			name: "redis backend without addr",
			yaml: "registry:\n  backend: redis\n",
			validate: func(t *testing.T, _ *config.Config, err error) {
				assert.ErrorContains(t, err, "redis.addr")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			t.Chdir(dir)

			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			path := filepath.Join(dir, "config.yaml")
			if tt.yaml != "" {
				path = writeFile(t, dir, "config.yaml", tt.yaml)
			}

			c, err := config.Load(path)
			tt.validate(t, c, err)
		})
	}
}

// TestLoad_DotEnv 測試 .env 載入且不覆蓋既有環境變數
func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	writeFile(t, dir, ".env", "LOG_FORMAT=json\nPORT=7000\n")

	t.Setenv("PORT", "7100")
	t.Cleanup(func() { _ = os.Unsetenv("LOG_FORMAT") })

	c, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, "json", c.Log.Format)
	assert.Equal(t, 7100, c.Server.Port)
}

// TestValidate 測試設定檢查
func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *config.Config)
	}{
		{"zero port", func(c *config.Config) { c.Server.Port = 0 }},
		{"port too large", func(c *config.Config) { c.Server.Port = 70000 }},
		{"zero ttl", func(c *config.Config) { c.Registry.TTL = 0 }},
		{"unknown backend", func(c *config.Config) { c.Registry.Backend = "etcd" }},
		{"zero countdown", func(c *config.Config) { c.Room.Countdown = 0 }},
		{"zero empty ttl", func(c *config.Config) { c.Room.EmptyTTL = 0 }},
		{"inverted duration window", func(c *config.Config) { c.Leaderboard.MinDuration = time.Minute }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := config.Defaults()
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}
