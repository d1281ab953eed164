package batch

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/shouni/go-web-watch/pkg/types"
)

const (
	// DefaultMaxConcurrency は、並列取得のデフォルトの最大同時実行数を定義します。
	DefaultMaxConcurrency = 16
)

// Fetcher は、1件のURLを取得する機能のインターフェースです。
// エラーが返された場合、そのURLの結果は存在しないものとして扱われます。
type Fetcher interface {
	Fetch(ctx context.Context, address string) (*types.FetchOutcome, error)
}

// Result は FetchAll の結果です。
// Fetched は入力順を保った部分列で、Failures は除外されたレコードを入力順で保持します。
type Result struct {
	Fetched  []types.FetchedRecord
	Failures []types.FetchFailure
}

// ParallelFetcher は、レコードの集合を上限付きの並列数で取得します。
type ParallelFetcher struct {
	fetcher        Fetcher
	maxConcurrency int // 最大並列数を保持するフィールド
}

// NewParallelFetcher は ParallelFetcher を初期化します。
// 依存性として Fetcher と、最大同時実行数を受け取ります。
func NewParallelFetcher(fetcher Fetcher, maxConcurrency int) (*ParallelFetcher, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("batch.NewParallelFetcher: Fetcher cannot be nil")
	}
	if maxConcurrency <= 0 {
		maxConcurrency = DefaultMaxConcurrency
	}
	return &ParallelFetcher{
		fetcher:        fetcher,
		maxConcurrency: maxConcurrency,
	}, nil
}

// Workers は、n 件のレコードに対して実際に使用されるワーカー数を返します。
func (p *ParallelFetcher) Workers(n int) int {
	return min(n, p.maxConcurrency)
}

// slot は1件の取得結果を保持します。各ワーカーは自分のスロットにのみ書き込みます。
type slot struct {
	outcome *types.FetchOutcome
	err     error
}

// FetchAll は全レコードのURLを並列に取得し、成功したものだけを入力順で返します。
// 1件の失敗が他の取得や全体の処理を中断させることはありません。
func (p *ParallelFetcher) FetchAll(ctx context.Context, records []types.URLRecord) Result {
	if len(records) == 0 {
		return Result{}
	}

	slots := make([]slot, len(records))

	var g errgroup.Group
	g.SetLimit(p.Workers(len(records)))

	for i := range records {
		g.Go(func() error {
			outcome, err := p.fetcher.Fetch(ctx, records[i].URL)
			if err == nil && outcome == nil {
				err = types.NewError(types.KindFetchTransport, fmt.Errorf("URL %s の取得結果が空です", records[i].URL))
			}
			slots[i] = slot{outcome: outcome, err: err}
			// 失敗は兄弟の取得をキャンセルしない
			return nil
		})
	}
	_ = g.Wait()

	// 元の順序に並べ直して、成功したものだけを残す
	var result Result
	for i, s := range slots {
		if s.err != nil {
			kind := types.KindOf(s.err)
			if kind == types.KindUnknown {
				kind = types.KindFetchTransport
			}
			result.Failures = append(result.Failures, types.FetchFailure{
				Record:  records[i],
				Kind:    kind,
				Message: s.err.Error(),
			})
			continue
		}
		result.Fetched = append(result.Fetched, types.FetchedRecord{
			Record:  records[i],
			Outcome: *s.outcome,
		})
	}
	return result
}
