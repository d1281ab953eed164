package feed

import (
	"strings"

	"github.com/mmcdole/gofeed"

	"github.com/shouni/go-web-watch/pkg/types"
)

// FeedAdapter は gofeed.Feed から監視対象のリンクを取り出すためのアダプターです。
// gofeed.Feed の具体的な構造への依存を内部に閉じ込めます。
type FeedAdapter struct {
	*gofeed.Feed
}

// NewFeedAdapter は gofeed.Feed から新しいアダプターを作成します。
func NewFeedAdapter(feed *gofeed.Feed) *FeedAdapter {
	return &FeedAdapter{Feed: feed}
}

// GetLinks は gofeed.Feed からリンクを出現順に抽出します。空のリンクは無視されます。
func (a *FeedAdapter) GetLinks() []string {
	if a.Feed == nil || len(a.Items) == 0 {
		return []string{}
	}

	urls := make([]string, 0, len(a.Items))
	for _, item := range a.Items {
		if item != nil && item.Link != "" {
			urls = append(urls, item.Link)
		}
	}
	return urls
}

// Records は各アイテムを有効な URLRecord に変換します。
// 名前にはアイテムのタイトルを使い、タイトルがない場合はリンクを使います。
// rule が nil でなければ、すべてのレコードに同じ抽出ルールを設定します。
func (a *FeedAdapter) Records(rule *string) []types.URLRecord {
	if a.Feed == nil {
		return []types.URLRecord{}
	}

	records := make([]types.URLRecord, 0, len(a.Items))
	for _, item := range a.Items {
		if item == nil || item.Link == "" {
			continue
		}
		name := strings.TrimSpace(item.Title)
		if name == "" {
			name = item.Link
		}
		records = append(records, types.URLRecord{
			Name:       name,
			URL:        item.Link,
			IsActive:   true,
			HasFilter:  rule != nil,
			FilterRule: rule,
		})
	}
	return records
}
