package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shouni/go-web-watch/pkg/types"
)

// ----------------------------------------------------------------------
// エラーとインターフェース
// ----------------------------------------------------------------------

var (
	// ErrNotFound は、指定したIDのレコードが存在しない場合のエラーです。
	ErrNotFound = errors.New("レコードが見つかりません")
	// ErrInvalidRecord は、必須項目が欠けたレコードを保存しようとした場合のエラーです。
	ErrInvalidRecord = errors.New("レコードが不正です")
)

// Store は監視対象 URL レコードの CRUD を提供します。
// List 系のメソッドは常に ID の昇順でレコードを返します。
type Store interface {
	List(ctx context.Context) ([]types.URLRecord, error)
	ListActive(ctx context.Context) ([]types.URLRecord, error)
	Get(ctx context.Context, id uint) (types.URLRecord, error)
	Create(ctx context.Context, rec types.URLRecord) (types.URLRecord, error)
	Update(ctx context.Context, id uint, patch Patch) (types.URLRecord, error)
	Delete(ctx context.Context, id uint) error
	Close() error
}

// Patch はレコードの部分更新です。nil のフィールドは変更しません。
// Filter に空白のみの文字列を指定すると、ルールは削除されます。
type Patch struct {
	Name      *string `json:"name"`
	URL       *string `json:"url"`
	IsActive  *bool   `json:"is_active"`
	HasFilter *bool   `json:"has_filter"`
	Filter    *string `json:"filter"`
}

// Empty は、変更するフィールドがない場合に true を返します。
func (p Patch) Empty() bool {
	return p.Name == nil && p.URL == nil && p.IsActive == nil && p.HasFilter == nil && p.Filter == nil
}

// Apply は rec に変更を適用した新しいレコードを返します。
func (p Patch) Apply(rec types.URLRecord) types.URLRecord {
	if p.Name != nil {
		rec.Name = *p.Name
	}
	if p.URL != nil {
		rec.URL = *p.URL
	}
	if p.IsActive != nil {
		rec.IsActive = *p.IsActive
	}
	if p.HasFilter != nil {
		rec.HasFilter = *p.HasFilter
	}
	if p.Filter != nil {
		rec.FilterRule = normalizeFilter(p.Filter)
	}
	return rec
}

// Validate は、レコードに名前と URL が設定されているかを検証します。
func Validate(rec types.URLRecord) error {
	if strings.TrimSpace(rec.Name) == "" {
		return fmt.Errorf("%w: name は必須です", ErrInvalidRecord)
	}
	if strings.TrimSpace(rec.URL) == "" {
		return fmt.Errorf("%w: url は必須です", ErrInvalidRecord)
	}
	return nil
}

// normalizeFilter は空白のみのルールを nil に揃え、呼び出し元とポインタを共有しないようにコピーします。
func normalizeFilter(filter *string) *string {
	if filter == nil || strings.TrimSpace(*filter) == "" {
		return nil
	}
	s := *filter
	return &s
}

// cloneRecord は FilterRule を含めてレコードを複製します。
func cloneRecord(rec types.URLRecord) types.URLRecord {
	rec.FilterRule = normalizeFilter(rec.FilterRule)
	return rec
}
