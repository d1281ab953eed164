package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/shouni/go-web-watch/pkg/retry"
	"github.com/shouni/go-web-watch/pkg/types"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverFile     = "file"
)

// urlRow は url_list テーブルの1行です。
type urlRow struct {
	ID        uint    `gorm:"primaryKey"`
	Name      string  `gorm:"column:name;not null"`
	URL       string  `gorm:"column:url;not null"`
	IsActive  bool    `gorm:"column:is_active;not null"`
	HasFilter bool    `gorm:"column:has_filter;not null"`
	Filter    *string `gorm:"column:filter"`
}

func (urlRow) TableName() string { return "url_list" }

func rowFromRecord(rec types.URLRecord) urlRow {
	return urlRow{
		ID:        rec.ID,
		Name:      rec.Name,
		URL:       rec.URL,
		IsActive:  rec.IsActive,
		HasFilter: rec.HasFilter,
		Filter:    normalizeFilter(rec.FilterRule),
	}
}

func (r urlRow) record() types.URLRecord {
	return types.URLRecord{
		ID:         r.ID,
		Name:       r.Name,
		URL:        r.URL,
		IsActive:   r.IsActive,
		HasFilter:  r.HasFilter,
		FilterRule: r.Filter,
	}
}

// GormStore は gorm を使って url_list テーブルにレコードを保存します。
type GormStore struct {
	db *gorm.DB
}

// NewGormStore は接続済みの *gorm.DB から GormStore を生成します。
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Open はドライバーに応じた接続を開き、疎通を確認してから GormStore を返します。
// 接続の確立と ping は retries 回までリトライされます。
func Open(ctx context.Context, driver, dsn string, autoMigrate bool, retries uint64) (*GormStore, error) {
	var dialector gorm.Dialector
	switch driver {
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	case DriverSQLite:
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("未対応のデータベースドライバーです: %q", driver)
	}

	log := zerolog.Ctx(ctx)
	cfg := retry.DefaultConfig()
	cfg.MaxRetries = retries
	cfg.Notify = func(err error, next time.Duration) {
		log.Warn().Err(err).Dur("next", next).Str("driver", driver).Msg("データベース接続をリトライします")
	}

	var db *gorm.DB
	err := retry.Do(ctx, cfg, "データベース接続", func() error {
		conn, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)})
		if err != nil {
			return err
		}
		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		if err := sqlDB.PingContext(ctx); err != nil {
			_ = sqlDB.Close()
			return err
		}
		db = conn
		return nil
	}, func(error) bool { return true })
	if err != nil {
		return nil, err
	}

	s := NewGormStore(db)
	if autoMigrate {
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
	}
	log.Debug().Str("driver", driver).Msg("データベースに接続しました")
	return s, nil
}

// Migrate は url_list テーブルを作成または更新します。
func (s *GormStore) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&urlRow{}); err != nil {
		return fmt.Errorf("url_list のマイグレーションに失敗しました: %w", err)
	}
	return nil
}

func (s *GormStore) List(ctx context.Context) ([]types.URLRecord, error) {
	return s.find(s.db.WithContext(ctx))
}

func (s *GormStore) ListActive(ctx context.Context) ([]types.URLRecord, error) {
	return s.find(s.db.WithContext(ctx).Where("is_active = ?", true))
}

func (s *GormStore) find(q *gorm.DB) ([]types.URLRecord, error) {
	var rows []urlRow
	if err := q.Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("レコード一覧の取得に失敗しました: %w", err)
	}
	records := make([]types.URLRecord, 0, len(rows))
	for _, r := range rows {
		records = append(records, r.record())
	}
	return records, nil
}

func (s *GormStore) Get(ctx context.Context, id uint) (types.URLRecord, error) {
	var row urlRow
	err := s.db.WithContext(ctx).First(&row, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return types.URLRecord{}, fmt.Errorf("id=%d: %w", id, ErrNotFound)
	}
	if err != nil {
		return types.URLRecord{}, fmt.Errorf("レコード (id=%d) の取得に失敗しました: %w", id, err)
	}
	return row.record(), nil
}

func (s *GormStore) Create(ctx context.Context, rec types.URLRecord) (types.URLRecord, error) {
	if err := Validate(rec); err != nil {
		return types.URLRecord{}, err
	}
	row := rowFromRecord(rec)
	row.ID = 0
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return types.URLRecord{}, fmt.Errorf("レコードの作成に失敗しました: %w", err)
	}
	return row.record(), nil
}

func (s *GormStore) Update(ctx context.Context, id uint, patch Patch) (types.URLRecord, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return types.URLRecord{}, err
	}
	if patch.Empty() {
		return current, nil
	}

	updated := patch.Apply(current)
	if err := Validate(updated); err != nil {
		return types.URLRecord{}, err
	}

	row := rowFromRecord(updated)
	columns := map[string]interface{}{}
	if patch.Name != nil {
		columns["name"] = row.Name
	}
	if patch.URL != nil {
		columns["url"] = row.URL
	}
	if patch.IsActive != nil {
		columns["is_active"] = row.IsActive
	}
	if patch.HasFilter != nil {
		columns["has_filter"] = row.HasFilter
	}
	if patch.Filter != nil {
		columns["filter"] = row.Filter
	}

	result := s.db.WithContext(ctx).Model(&urlRow{}).Where("id = ?", id).Updates(columns)
	if result.Error != nil {
		return types.URLRecord{}, fmt.Errorf("レコード (id=%d) の更新に失敗しました: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return types.URLRecord{}, fmt.Errorf("id=%d: %w", id, ErrNotFound)
	}
	return updated, nil
}

func (s *GormStore) Delete(ctx context.Context, id uint) error {
	result := s.db.WithContext(ctx).Delete(&urlRow{}, id)
	if result.Error != nil {
		return fmt.Errorf("レコード (id=%d) の削除に失敗しました: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("id=%d: %w", id, ErrNotFound)
	}
	return nil
}

// Close は下位のデータベース接続を閉じます。
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
