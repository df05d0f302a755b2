package infra

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"crypto_sync/internal/domain"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultUserAgent is a browser-like user agent string to avoid bot detection
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

	defaultHeartbeatSec   = 10
	defaultPongTimeoutSec = 30
	defaultLoginTimeout   = 5
	defaultReconcileSec   = 10
	defaultStopTimeoutSec = 5
	defaultSampleMS       = 1000
)

// Config는 애플리케이션의 모든 설정을 담습니다.
// LoadConfig로 로드된 후에 환경 변수를 통해 민감 내용을 덮어씁니다.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	OKX struct {
		Demo       bool   `yaml:"demo"`
		APIKey     string `yaml:"api_key"`
		SecretKey  string `yaml:"secret_key"`
		Passphrase string `yaml:"passphrase"`
		Channel    string `yaml:"channel"`
		Endpoints  struct {
			Public   string `yaml:"public"`
			Private  string `yaml:"private"`
			Business string `yaml:"business"`
		} `yaml:"endpoints"`
		HeartbeatIntervalSec int     `yaml:"heartbeat_interval_sec"`
		PongTimeoutSec       int     `yaml:"pong_timeout_sec"`
		LoginTimeoutSec      int     `yaml:"login_timeout_sec"`
		OpsPerSecond         float64 `yaml:"ops_per_second"`
		Reconnect            struct {
			Enabled    bool `yaml:"enabled"`
			MinDelayMS int  `yaml:"min_delay_ms"`
			MaxDelayMS int  `yaml:"max_delay_ms"`
		} `yaml:"reconnect"`
	} `yaml:"okx"`

	Orchestrator struct {
		IntervalSec    int `yaml:"interval_sec"`
		StopTimeoutSec int `yaml:"stop_timeout_sec"`
	} `yaml:"orchestrator"`

	Worker struct {
		SampleIntervalMS int    `yaml:"sample_interval_ms"`
		SMAShort         int    `yaml:"sma_short"`
		SMALong          int    `yaml:"sma_long"`
		OrderQty         string `yaml:"order_qty"`
		Paper            struct {
			Enabled  bool              `yaml:"enabled"`
			FeeRate  string            `yaml:"fee_rate"`
			Deposits map[string]string `yaml:"deposits"` // currency -> amount
		} `yaml:"paper"`
	} `yaml:"worker"`

	Storage struct {
		Driver string `yaml:"driver"` // sqlite | postgres
		DSN    string `yaml:"dsn"`    // empty: default sqlite path
	} `yaml:"storage"`

	// Workers are seeded into storage on startup when not yet present.
	Workers []domain.WorkerConfiguration `yaml:"workers"`

	Logging struct {
		Level string `yaml:"level"`
		Dir   string `yaml:"dir"`
	} `yaml:"logging"`

	Pprof struct {
		Addr string `yaml:"addr"`
	} `yaml:"pprof"`
}

// LoadConfig는 설정 파일을 읽고 파싱합니다.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", domain.ErrConfigNotFound, path)
		}
		return nil, err
	}

	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, err
	}

	// .env is optional; real environment variables still win.
	_ = godotenv.Load()

	// 4원칙: 보안 우선 - 환경 변수 오버라이드 지원
	overrideWithEnv(cfg)

	// 5원칙: 설정 유효성 검사
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// ParseConfig decodes YAML and fills defaults without touching the environment.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.OKX.Channel == "" {
		c.OKX.Channel = "books"
	}
	if c.OKX.HeartbeatIntervalSec == 0 {
		c.OKX.HeartbeatIntervalSec = defaultHeartbeatSec
	}
	if c.OKX.PongTimeoutSec == 0 {
		c.OKX.PongTimeoutSec = defaultPongTimeoutSec
	}
	if c.OKX.LoginTimeoutSec == 0 {
		c.OKX.LoginTimeoutSec = defaultLoginTimeout
	}
	if c.OKX.Reconnect.MinDelayMS == 0 {
		c.OKX.Reconnect.MinDelayMS = 1000
	}
	if c.OKX.Reconnect.MaxDelayMS == 0 {
		c.OKX.Reconnect.MaxDelayMS = 60000
	}
	if c.Orchestrator.IntervalSec == 0 {
		c.Orchestrator.IntervalSec = defaultReconcileSec
	}
	if c.Orchestrator.StopTimeoutSec == 0 {
		c.Orchestrator.StopTimeoutSec = defaultStopTimeoutSec
	}
	if c.Worker.SampleIntervalMS == 0 {
		c.Worker.SampleIntervalMS = defaultSampleMS
	}
	if c.Worker.OrderQty == "" {
		c.Worker.OrderQty = "0.001"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Logging.Dir == "" {
		c.Logging.Dir = "logs"
	}
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	for field, url := range map[string]string{
		"okx.endpoints.public":   c.OKX.Endpoints.Public,
		"okx.endpoints.private":  c.OKX.Endpoints.Private,
		"okx.endpoints.business": c.OKX.Endpoints.Business,
	} {
		if url != "" && !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
			return &domain.ConfigError{Field: field, Err: fmt.Errorf("invalid WS URL: %s", url)}
		}
	}

	if c.OKX.HeartbeatIntervalSec < 0 || c.OKX.PongTimeoutSec < 0 {
		return &domain.ConfigError{Field: "okx.heartbeat", Err: errors.New("intervals must be positive")}
	}
	if c.OKX.PongTimeoutSec > 0 && c.OKX.PongTimeoutSec <= c.OKX.HeartbeatIntervalSec {
		return &domain.ConfigError{Field: "okx.pong_timeout_sec", Err: errors.New("must exceed heartbeat interval")}
	}
	if c.OKX.OpsPerSecond < 0 {
		return &domain.ConfigError{Field: "okx.ops_per_second", Err: errors.New("must not be negative")}
	}

	if c.Orchestrator.IntervalSec <= 0 {
		return &domain.ConfigError{Field: "orchestrator.interval_sec", Err: errors.New("must be positive")}
	}
	if c.Worker.SampleIntervalMS <= 0 {
		return &domain.ConfigError{Field: "worker.sample_interval_ms", Err: errors.New("must be positive")}
	}
	if c.Worker.SMAShort > 0 && c.Worker.SMAShort >= c.Worker.SMALong {
		return &domain.ConfigError{Field: "worker.sma_short", Err: errors.New("must be less than sma_long")}
	}

	switch c.Storage.Driver {
	case "sqlite":
	case "postgres":
		if c.Storage.DSN == "" {
			return &domain.ConfigError{Field: "storage.dsn", Err: errors.New("required for postgres")}
		}
	default:
		return &domain.ConfigError{Field: "storage.driver", Err: fmt.Errorf("unknown driver %q", c.Storage.Driver)}
	}

	seen := make(map[string]struct{}, len(c.Workers))
	for _, w := range c.Workers {
		if w.WorkerID == "" || w.Symbol == "" || w.MarketType == "" {
			return &domain.ConfigError{Field: "workers", Err: fmt.Errorf("incomplete worker %+v", w)}
		}
		if _, dup := seen[w.WorkerID]; dup {
			return &domain.ConfigError{Field: "workers", Err: fmt.Errorf("duplicate worker id %s", w.WorkerID)}
		}
		seen[w.WorkerID] = struct{}{}
	}

	return nil
}

// HeartbeatInterval returns the ping period.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.OKX.HeartbeatIntervalSec) * time.Second
}

// PongTimeout returns the missed-pong watchdog limit.
func (c *Config) PongTimeout() time.Duration {
	return time.Duration(c.OKX.PongTimeoutSec) * time.Second
}

// LoginTimeout returns how long to wait for a login acknowledgement.
func (c *Config) LoginTimeout() time.Duration {
	return time.Duration(c.OKX.LoginTimeoutSec) * time.Second
}

// ReconnectMinDelay returns the first reconnect backoff delay.
func (c *Config) ReconnectMinDelay() time.Duration {
	return time.Duration(c.OKX.Reconnect.MinDelayMS) * time.Millisecond
}

// ReconnectMaxDelay caps the reconnect backoff delay.
func (c *Config) ReconnectMaxDelay() time.Duration {
	return time.Duration(c.OKX.Reconnect.MaxDelayMS) * time.Millisecond
}

// ReconcileInterval returns the orchestrator tick period.
func (c *Config) ReconcileInterval() time.Duration {
	return time.Duration(c.Orchestrator.IntervalSec) * time.Second
}

// StopTimeout bounds how long a worker stop waits for the loop to exit.
func (c *Config) StopTimeout() time.Duration {
	return time.Duration(c.Orchestrator.StopTimeoutSec) * time.Second
}

// SampleInterval returns the worker sampling period.
func (c *Config) SampleInterval() time.Duration {
	return time.Duration(c.Worker.SampleIntervalMS) * time.Millisecond
}

// overrideWithEnv는 환경 변수가 존재할 경우 설정 값을 덮어씁니다.
func overrideWithEnv(cfg *Config) {
	if key := os.Getenv("CRYPTO_OKX_KEY"); key != "" {
		cfg.OKX.APIKey = key
	}
	if secret := os.Getenv("CRYPTO_OKX_SECRET"); secret != "" {
		cfg.OKX.SecretKey = secret
	}
	if pass := os.Getenv("CRYPTO_OKX_PASSPHRASE"); pass != "" {
		cfg.OKX.Passphrase = pass
	}
	if dsn := os.Getenv("CRYPTO_STORAGE_DSN"); dsn != "" {
		cfg.Storage.DSN = dsn
	}
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		cfg.Logging.Level = lvl
	}
}
