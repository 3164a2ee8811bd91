// Package config 載入配對服務的設定
//
// 載入順序（後者覆蓋前者）：
//  1. Defaults()
//  2. YAML 設定檔（路徑不存在時略過）
//  3. .env（godotenv，不覆蓋已存在的環境變數）
//  4. 環境變數 PORT、REDIS_ADDR、REDIS_PASSWORD、LOG_LEVEL、LOG_FORMAT、CODE_TTL、ALLOWED_ORIGIN
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config 整個應用的配置
type Config struct {
	Server struct {
		Port          int           `yaml:"port"`
		ReadTimeout   time.Duration `yaml:"read_timeout"`
		WriteTimeout  time.Duration `yaml:"write_timeout"`
		AllowedOrigin string        `yaml:"allowed_origin"` // 逗號分隔，空字串或 * 表示不限制
		SecureCookie  bool          `yaml:"secure_cookie"`  // 訪客 cookie 只在 HTTPS 傳送
	} `yaml:"server"`

	Registry struct {
		TTL       time.Duration `yaml:"ttl"`
		Backend   string        `yaml:"backend"` // "memory" 或 "redis"
		KeyPrefix string        `yaml:"key_prefix"`
	} `yaml:"registry"`

	Room struct {
		Countdown       time.Duration `yaml:"countdown"`
		MaxRooms        int           `yaml:"max_rooms"`
		EmptyTTL        time.Duration `yaml:"empty_ttl"`
		MaxLifetime     time.Duration `yaml:"max_lifetime"`
		CleanupInterval time.Duration `yaml:"cleanup_interval"`
		SeatHold        time.Duration `yaml:"seat_hold"`
	} `yaml:"room"`

	Redis struct {
		Addr         string        `yaml:"addr"` // 空字串表示不使用 Redis
		Password     string        `yaml:"password"`
		DB           int           `yaml:"db"`
		PoolSize     int           `yaml:"pool_size"`
		MinIdleConns int           `yaml:"min_idle_conns"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"redis"`

	Leaderboard struct {
		Enabled     bool          `yaml:"enabled"`
		MinDuration time.Duration `yaml:"min_duration"`
		MaxDuration time.Duration `yaml:"max_duration"`
		MaxLimit    int           `yaml:"max_limit"`
	} `yaml:"leaderboard"`

	Log struct {
		Level     string `yaml:"level"`
		Format    string `yaml:"format"`
		AddSource bool   `yaml:"add_source"`
	} `yaml:"log"`
}

// Defaults 預設設定
func Defaults() *Config {
	var c Config

	c.Server.Port = 2567
	c.Server.ReadTimeout = 15 * time.Second
	c.Server.WriteTimeout = 15 * time.Second
	c.Server.AllowedOrigin = "*"

	c.Registry.TTL = time.Hour
	c.Registry.Backend = "memory"
	c.Registry.KeyPrefix = "duo:code:"

	c.Room.Countdown = 1500 * time.Millisecond
	c.Room.MaxRooms = 10000
	c.Room.EmptyTTL = 5 * time.Minute
	c.Room.MaxLifetime = 30 * time.Minute
	c.Room.CleanupInterval = time.Minute
	c.Room.SeatHold = 15 * time.Second

	c.Redis.PoolSize = 10
	c.Redis.MinIdleConns = 2
	c.Redis.ReadTimeout = 3 * time.Second
	c.Redis.WriteTimeout = 3 * time.Second

	c.Leaderboard.Enabled = true
	c.Leaderboard.MinDuration = 9 * time.Second
	c.Leaderboard.MaxDuration = 11 * time.Second
	c.Leaderboard.MaxLimit = 50

	c.Log.Level = "info"
	c.Log.Format = "text"

	return &c
}

// Load 載入設定；path 為空或檔案不存在時只使用預設值與環境變數
func Load(path string) (*Config, error) {
	c := Defaults()

	if path != "" {
		// #nosec G304 - path 來自命令列參數，由操作者指定
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, c); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	// .env 不存在是正常情況
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	if err := c.applyEnv(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// applyEnv 環境變數覆蓋（生產環境常用）
func (c *Config) applyEnv() error {
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
	if v := os.Getenv("CODE_TTL"); v != "" {
		ttl, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid CODE_TTL %q: %w", v, err)
		}
		c.Registry.TTL = ttl
	}
	if v := os.Getenv("ALLOWED_ORIGIN"); v != "" {
		c.Server.AllowedOrigin = v
	}
	return nil
}

// Validate 檢查設定
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Registry.TTL <= 0 {
		return fmt.Errorf("registry.ttl must be positive, got %v", c.Registry.TTL)
	}
	switch c.Registry.Backend {
	case "memory":
	case "redis":
		if c.Redis.Addr == "" {
			return errors.New("registry.backend redis requires redis.addr")
		}
	default:
		return fmt.Errorf("registry.backend must be memory or redis, got %q", c.Registry.Backend)
	}
	if c.Room.Countdown <= 0 {
		return fmt.Errorf("room.countdown must be positive, got %v", c.Room.Countdown)
	}
	if c.Room.EmptyTTL <= 0 || c.Room.MaxLifetime <= 0 || c.Room.CleanupInterval <= 0 {
		return errors.New("room.empty_ttl, room.max_lifetime and room.cleanup_interval must be positive")
	}
	if c.Leaderboard.MinDuration > c.Leaderboard.MaxDuration {
		return fmt.Errorf("leaderboard.min_duration %v exceeds max_duration %v",
			c.Leaderboard.MinDuration, c.Leaderboard.MaxDuration)
	}
	return nil
}

// RedisEnabled 是否設定了 Redis
func (c *Config) RedisEnabled() bool {
	return c.Redis.Addr != ""
}

// Addr HTTP 監聽位址
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}
