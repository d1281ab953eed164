package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/shouni/go-web-watch/internal/pipeline"
	"github.com/shouni/go-web-watch/pkg/batch"
	"github.com/shouni/go-web-watch/pkg/client"
	"github.com/shouni/go-web-watch/pkg/retry"
	"github.com/shouni/go-web-watch/pkg/rule"
	"github.com/shouni/go-web-watch/pkg/store"
)

// 環境変数名
const (
	EnvDatabaseURL = "DATABASE_URL"
	EnvAPIKey      = "MY_SECRET_KEY"
	EnvAddr        = "WEBWATCH_ADDR"
	EnvStoreDriver = "WEBWATCH_STORE_DRIVER"
	EnvRecordsFile = "WEBWATCH_RECORDS_FILE"
	EnvLogLevel    = "WEBWATCH_LOG_LEVEL"
)

// Config はアプリケーション全体の設定です。
type Config struct {
	Fetch   FetchConfig   `yaml:"fetch"`
	Batch   BatchConfig   `yaml:"batch"`
	Rule    RuleConfig    `yaml:"rule"`
	Store   StoreConfig   `yaml:"store"`
	Server  ServerConfig  `yaml:"server"`
	Logging LoggingConfig `yaml:"logging"`
}

// FetchConfig は1件の取得に関する設定です。
type FetchConfig struct {
	Timeout      Duration `yaml:"timeout"`
	UserAgent    string   `yaml:"user_agent"`
	Accept       string   `yaml:"accept"`
	MaxBodyBytes int64    `yaml:"max_body_bytes"`
}

// BatchConfig は並列取得と抽出のワーカー数です。
type BatchConfig struct {
	Workers int `yaml:"workers"`
}

// RuleConfig は抽出ルールの評価に関する設定です。
type RuleConfig struct {
	Timeout      Duration `yaml:"timeout"`
	MaxCallStack int      `yaml:"max_call_stack"`
	MaxMemory    int64    `yaml:"max_memory"` // バイト
	MissingRule  string   `yaml:"missing_rule"`
}

// StoreConfig はレコードストアの設定です。
type StoreConfig struct {
	Driver         string `yaml:"driver"`
	DSN            string `yaml:"dsn"`
	Path           string `yaml:"path"`
	AutoMigrate    bool   `yaml:"auto_migrate"`
	ConnectRetries uint64 `yaml:"connect_retries"`
}

// ServerConfig は HTTP API の設定です。
type ServerConfig struct {
	Addr            string   `yaml:"addr"`
	APIKey          string   `yaml:"api_key"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig はログ出力の設定です。
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Default はデフォルト設定を返します。
func Default() Config {
	return Config{
		Fetch: FetchConfig{
			Timeout:      DurationFrom(client.DefaultTimeout),
			UserAgent:    client.DefaultUserAgent,
			Accept:       client.DefaultAccept,
			MaxBodyBytes: client.DefaultMaxBodySize,
		},
		Batch: BatchConfig{Workers: batch.DefaultMaxConcurrency},
		Rule: RuleConfig{
			Timeout:      DurationFrom(rule.DefaultTimeout),
			MaxCallStack: rule.DefaultMaxCallStackSize,
			MaxMemory:    rule.DefaultMaxMemory,
			MissingRule:  string(pipeline.MissingRuleError),
		},
		Store: StoreConfig{
			Driver:         store.DriverFile,
			AutoMigrate:    true,
			ConnectRetries: retry.DefaultMaxRetries,
		},
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: DurationFrom(10 * time.Second),
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load は .env を読み込んだうえで、YAML ファイル (path が空ならデフォルト値) と環境変数から設定を構築します。
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf(".env の読み込みに失敗しました: %w", err)
	}

	var raw []byte
	if path != "" {
		var err error
		raw, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("設定ファイルを開けません: %w", err)
		}
	}
	return LoadFromReader(bytes.NewReader(raw), os.Getenv)
}

// LoadFromReader は r の YAML をデフォルト値に上書きし、getenv で環境変数を適用します。
func LoadFromReader(r io.Reader, getenv func(string) string) (*Config, error) {
	cfg := Default()

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("設定ファイルのパースに失敗しました: %w", err)
	}

	cfg.applyEnv(getenv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv(EnvDatabaseURL); v != "" {
		c.Store.DSN = v
		// DSN だけが指定された場合は postgres として扱う
		if c.Store.Driver == store.DriverFile {
			c.Store.Driver = store.DriverPostgres
		}
	}
	if v := getenv(EnvStoreDriver); v != "" {
		c.Store.Driver = v
	}
	if v := getenv(EnvRecordsFile); v != "" {
		c.Store.Path = v
	}
	if v := getenv(EnvAPIKey); v != "" {
		c.Server.APIKey = v
	}
	if v := getenv(EnvAddr); v != "" {
		c.Server.Addr = v
	}
	if v := getenv(EnvLogLevel); v != "" {
		c.Logging.Level = v
	}
}

// Validate は設定値の整合性を検証します。
func (c Config) Validate() error {
	if c.Fetch.Timeout.Duration <= 0 {
		return fmt.Errorf("fetch.timeout は 0 より大きい必要があります (got %s)", c.Fetch.Timeout)
	}
	if c.Fetch.MaxBodyBytes <= 0 {
		return fmt.Errorf("fetch.max_body_bytes は 0 より大きい必要があります (got %d)", c.Fetch.MaxBodyBytes)
	}
	if c.Batch.Workers <= 0 {
		return fmt.Errorf("batch.workers は 0 より大きい必要があります (got %d)", c.Batch.Workers)
	}
	if c.Rule.Timeout.Duration <= 0 {
		return fmt.Errorf("rule.timeout は 0 より大きい必要があります (got %s)", c.Rule.Timeout)
	}
	if c.Rule.MaxCallStack <= 0 {
		return fmt.Errorf("rule.max_call_stack は 0 より大きい必要があります (got %d)", c.Rule.MaxCallStack)
	}
	if c.Rule.MaxMemory <= 0 {
		return fmt.Errorf("rule.max_memory は 0 より大きい必要があります (got %d)", c.Rule.MaxMemory)
	}
	if _, err := pipeline.ParseMissingRulePolicy(c.Rule.MissingRule); err != nil {
		return fmt.Errorf("rule.missing_rule: %w", err)
	}
	switch c.Store.Driver {
	case store.DriverFile:
	case store.DriverPostgres, store.DriverSQLite:
		if strings.TrimSpace(c.Store.DSN) == "" {
			return fmt.Errorf("store.driver=%s には store.dsn または %s が必要です", c.Store.Driver, EnvDatabaseURL)
		}
	default:
		return fmt.Errorf("store.driver が不明です: %q", c.Store.Driver)
	}
	if c.Server.ShutdownTimeout.Duration <= 0 {
		return fmt.Errorf("server.shutdown_timeout は 0 より大きい必要があります (got %s)", c.Server.ShutdownTimeout)
	}
	if _, err := zerolog.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	return nil
}

// ClientConfig は取得クライアントの設定を返します。
func (c Config) ClientConfig() client.Config {
	return client.Config{
		Timeout:     c.Fetch.Timeout.Duration,
		UserAgent:   c.Fetch.UserAgent,
		Accept:      c.Fetch.Accept,
		MaxBodySize: c.Fetch.MaxBodyBytes,
	}
}

// StoreConfig はレコードストアの接続設定を返します。
func (c Config) StoreConfig() store.Config {
	return store.Config{
		Driver:         c.Store.Driver,
		DSN:            c.Store.DSN,
		Path:           c.Store.Path,
		AutoMigrate:    c.Store.AutoMigrate,
		ConnectRetries: c.Store.ConnectRetries,
	}
}

// MissingRulePolicy は検証済みの missing_rule をポリシーとして返します。
func (c Config) MissingRulePolicy() pipeline.MissingRulePolicy {
	p, err := pipeline.ParseMissingRulePolicy(c.Rule.MissingRule)
	if err != nil {
		return pipeline.MissingRuleError
	}
	return p
}

// LogLevel は検証済みのログレベルを返します。
func (c Config) LogLevel() zerolog.Level {
	level, err := zerolog.ParseLevel(c.Logging.Level)
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}
