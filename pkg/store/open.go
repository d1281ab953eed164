package store

import (
	"context"
	"fmt"
)

// Config はストアの接続設定です。
type Config struct {
	Driver         string
	DSN            string
	Path           string
	AutoMigrate    bool
	ConnectRetries uint64
}

// New は cfg.Driver に応じたストアを開きます。
// "file" は cfg.Path の YAML ファイル (空ならメモリ上) を、それ以外は cfg.DSN のデータベースを使います。
func New(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", DriverFile:
		return NewFileStore(cfg.Path)
	case DriverPostgres, DriverSQLite:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("ドライバー %q には DSN (DATABASE_URL) が必要です", cfg.Driver)
		}
		return Open(ctx, cfg.Driver, cfg.DSN, cfg.AutoMigrate, cfg.ConnectRetries)
	default:
		return nil, fmt.Errorf("未対応のストアドライバーです: %q", cfg.Driver)
	}
}
