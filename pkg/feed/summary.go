package feed

import (
	"time"
)

// Summarize はフィードの XML をパースし、ルールから扱いやすい形に要約します。
// 戻り値は {title, link, items: [{title, link, published}]} の形です。
// published は RFC3339 形式で、日付がない場合は空文字になります。
func Summarize(xml string) (map[string]any, error) {
	feed, err := Parse([]byte(xml))
	if err != nil {
		return nil, err
	}

	items := make([]any, 0, len(feed.Items))
	for _, item := range feed.Items {
		if item == nil {
			continue
		}
		published := ""
		if item.PublishedParsed != nil {
			published = item.PublishedParsed.UTC().Format(time.RFC3339)
		}
		items = append(items, map[string]any{
			"title":     item.Title,
			"link":      item.Link,
			"published": published,
		})
	}

	return map[string]any{
		"title": feed.Title,
		"link":  feed.Link,
		"items": items,
	}, nil
}
