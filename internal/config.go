package internal

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 整個應用的配置
type Config struct {
	Server struct {
		Port         int           `yaml:"port"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
		IdleTimeout  time.Duration `yaml:"idle_timeout"`
	} `yaml:"server"`

	Log struct {
		Level  string `yaml:"level"`  // debug, info, warn, error
		Format string `yaml:"format"` // text, json, pretty
	} `yaml:"log"`

	Room struct {
		RoundTimeout time.Duration `yaml:"round_timeout"`
		MaxPlayers   int           `yaml:"max_players"`
		SendBuffer   int           `yaml:"send_buffer"`
		ReadLimit    int64         `yaml:"read_limit"`
		PongWait     time.Duration `yaml:"pong_wait"`
	} `yaml:"room"`

	Session struct {
		Secret    string        `yaml:"secret"`
		TTL       time.Duration `yaml:"ttl"`
		TicketTTL time.Duration `yaml:"ticket_ttl"`
		// 設定後以 HMAC 驗證客戶端簽名，否則只檢查簽名存在
		SignatureSecret string `yaml:"signature_secret"`
	} `yaml:"session"`

	History struct {
		Driver    string        `yaml:"driver"` // none, postgres, mongo
		QueueSize int           `yaml:"queue_size"`
		Timeout   time.Duration `yaml:"timeout"`
	} `yaml:"history"`

	Postgres struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		DBName   string `yaml:"dbname"`
		MaxConns int32  `yaml:"max_conns"`
		MinConns int32  `yaml:"min_conns"`
	} `yaml:"postgres"`

	Mongo struct {
		URL         string `yaml:"url"`
		Database    string `yaml:"database"`
		MinPoolSize uint64 `yaml:"min_pool_size"`
		MaxPoolSize uint64 `yaml:"max_pool_size"`
	} `yaml:"mongo"`

	Redis struct {
		Enabled      bool          `yaml:"enabled"`
		Addr         string        `yaml:"addr"`
		Password     string        `yaml:"password"`
		DB           int           `yaml:"db"`
		PoolSize     int           `yaml:"pool_size"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
		RecentLimit  int           `yaml:"recent_limit"`
	} `yaml:"redis"`

	NATS struct {
		URL     string `yaml:"url"` // 空字串表示不發佈
		Subject string `yaml:"subject"`
	} `yaml:"nats"`

	Debug struct {
		Statsviz bool `yaml:"statsviz"` // /debug/statsviz/
	} `yaml:"debug"`
}

// DefaultConfig 預設配置，配置檔只需要覆蓋差異
func DefaultConfig() *Config {
	var c Config

	c.Server.Port = 8080
	c.Server.ReadTimeout = 15 * time.Second
	c.Server.WriteTimeout = 15 * time.Second
	c.Server.IdleTimeout = 60 * time.Second

	c.Log.Level = "info"
	c.Log.Format = "text"

	c.Room.RoundTimeout = DefaultRoundTimeout
	c.Room.MaxPlayers = 8
	c.Room.SendBuffer = 256
	c.Room.ReadLimit = 64 << 10
	c.Room.PongWait = 60 * time.Second

	c.Session.TTL = 30 * time.Minute
	c.Session.TicketTTL = 30 * time.Second

	c.History.Driver = "none"
	c.History.QueueSize = 256
	c.History.Timeout = 5 * time.Second

	c.Postgres.Host = "localhost"
	c.Postgres.Port = 5432
	c.Postgres.User = "postgres"
	c.Postgres.DBName = "lobby"
	c.Postgres.MaxConns = 10
	c.Postgres.MinConns = 2

	c.Mongo.URL = "mongodb://localhost:27017"
	c.Mongo.Database = "lobby"
	c.Mongo.MinPoolSize = 1
	c.Mongo.MaxPoolSize = 20

	c.Redis.Addr = "localhost:6379"
	c.Redis.PoolSize = 10
	c.Redis.ReadTimeout = 3 * time.Second
	c.Redis.WriteTimeout = 3 * time.Second
	c.Redis.RecentLimit = 20

	c.NATS.Subject = "lobby.matches"

	return &c
}

// LoadConfig 載入配置檔案；path 為空時只使用預設值與環境變數
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()

	if path != "" {
		// #nosec G304 - path 來自命令列參數
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// 支援環境變數覆蓋（生產環境常用）
	if secret := os.Getenv("LOBBY_SESSION_SECRET"); secret != "" {
		config.Session.Secret = secret
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate 檢查配置
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port 超出範圍: %d", c.Server.Port))
	}
	switch c.Log.Format {
	case "text", "json", "pretty":
	default:
		errs = append(errs, fmt.Errorf("log.format 不支援: %q", c.Log.Format))
	}
	if c.Room.RoundTimeout <= 0 {
		errs = append(errs, errors.New("room.round_timeout 必須大於 0"))
	}
	if c.Room.MaxPlayers < 0 {
		errs = append(errs, errors.New("room.max_players 不可為負數"))
	}
	if c.Session.Secret == "" {
		errs = append(errs, errors.New("session.secret 未設定（可用 LOBBY_SESSION_SECRET）"))
	}
	if c.Session.TTL <= 0 || c.Session.TicketTTL <= 0 {
		errs = append(errs, errors.New("session.ttl 與 session.ticket_ttl 必須大於 0"))
	}
	switch c.History.Driver {
	case "none", "postgres", "mongo":
	default:
		errs = append(errs, fmt.Errorf("history.driver 不支援: %q", c.History.Driver))
	}

	return errors.Join(errs...)
}

// PostgresDSN 生成 PostgreSQL 連線字串
func (c *Config) PostgresDSN() string {
	// 支援環境變數覆蓋（生產環境常用）
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		return dsn
	}

	// golang-migrate 只接受 URL 格式
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.Postgres.User, c.Postgres.Password),
		Host:     net.JoinHostPort(c.Postgres.Host, strconv.Itoa(c.Postgres.Port)),
		Path:     "/" + c.Postgres.DBName,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

// RoomSettings 由配置產生房間參數（Recorder 由呼叫端填入）
func (c *Config) RoomSettings() RoomSettings {
	return RoomSettings{
		RoundTimeout: c.Room.RoundTimeout,
		MaxPlayers:   c.Room.MaxPlayers,
	}
}

// HubConfig 由配置產生傳輸層參數
func (c *Config) HubConfig() HubConfig {
	return HubConfig{
		SendBuffer: c.Room.SendBuffer,
		ReadLimit:  c.Room.ReadLimit,
		PongWait:   c.Room.PongWait,
	}
}
