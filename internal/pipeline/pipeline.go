package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/shouni/go-web-watch/pkg/batch"
	"github.com/shouni/go-web-watch/pkg/types"
)

// ----------------------------------------------------------------------
// 依存性の定義 (DIP)
// ----------------------------------------------------------------------

// BatchFetcher は、レコードの集合を取得し、成功したものだけを入力順で返します。
type BatchFetcher interface {
	FetchAll(ctx context.Context, records []types.URLRecord) batch.Result
}

// Extractor は、1件の取得結果に抽出ルールを適用します。
type Extractor interface {
	Extract(ctx context.Context, outcome types.FetchOutcome, source string) (any, error)
}

// RecordLister は、バッチ対象の有効なレコードを返します。
type RecordLister interface {
	ListActive(ctx context.Context) ([]types.URLRecord, error)
}

// MissingRulePolicy は、ルールを持たないレコードの取得が成功した場合の扱いです。
type MissingRulePolicy string

const (
	// MissingRuleError は NoRuleDefined のエラー結果を出力します。
	MissingRuleError MissingRulePolicy = "error"
	// MissingRulePassthrough は取得したボディをそのまま値として出力します。
	MissingRulePassthrough MissingRulePolicy = "passthrough"
)

// ParseMissingRulePolicy は設定値の文字列をポリシーに変換します。空文字はデフォルトの error です。
func ParseMissingRulePolicy(s string) (MissingRulePolicy, error) {
	switch MissingRulePolicy(s) {
	case "", MissingRuleError:
		return MissingRuleError, nil
	case MissingRulePassthrough:
		return MissingRulePassthrough, nil
	default:
		return "", fmt.Errorf("不明な missing_rule ポリシーです: %q (error または passthrough)", s)
	}
}

// ----------------------------------------------------------------------
// Pipeline
// ----------------------------------------------------------------------

// Pipeline は、取得と抽出を組み合わせて1回のバッチを実行します。
type Pipeline struct {
	fetcher     BatchFetcher
	extractor   Extractor
	concurrency int
	missingRule MissingRulePolicy
	now         func() time.Time
}

// Option は Pipeline の設定を行うための関数型です。
type Option func(*Pipeline)

// WithConcurrency は抽出の最大同時実行数を設定します。
func WithConcurrency(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithMissingRulePolicy はルールを持たないレコードの扱いを設定します。
func WithMissingRulePolicy(policy MissingRulePolicy) Option {
	return func(p *Pipeline) {
		if policy != "" {
			p.missingRule = policy
		}
	}
}

// New は Pipeline を初期化します。
func New(fetcher BatchFetcher, extractor Extractor, opts ...Option) (*Pipeline, error) {
	if fetcher == nil {
		return nil, errors.New("pipeline.New: BatchFetcher cannot be nil")
	}
	if extractor == nil {
		return nil, errors.New("pipeline.New: Extractor cannot be nil")
	}
	p := &Pipeline{
		fetcher:     fetcher,
		extractor:   extractor,
		concurrency: batch.DefaultMaxConcurrency,
		missingRule: MissingRuleError,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// RunActive はストアから有効なレコードを取得し、バッチを実行します。
// 返されるエラーはレコード一覧の取得失敗のみで、バッチ自体は常に完了します。
func (p *Pipeline) RunActive(ctx context.Context, lister RecordLister) (*types.Report, error) {
	records, err := lister.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("有効なレコードの取得に失敗しました: %w", err)
	}
	return p.Run(ctx, records), nil
}

// Run は全レコードを取得し、成功したものに抽出ルールを適用します。
// 結果は取得に成功したレコードの入力順に並び、取得の失敗は Failures にのみ記録されます。
func (p *Pipeline) Run(ctx context.Context, records []types.URLRecord) *types.Report {
	report := &types.Report{
		BatchID:      uuid.NewString(),
		StartedAt:    p.now(),
		TotalRecords: len(records),
		Results:      []types.ExtractionResult{},
		Failures:     []types.FetchFailure{},
	}

	log := zerolog.Ctx(ctx).With().Str("batch_id", report.BatchID).Logger()
	ctx = log.WithContext(ctx)
	log.Info().Int("records", len(records)).Msg("バッチを開始します")

	// 1. 取得 (レコードと結果の組を保ったまま)
	fetched := p.fetcher.FetchAll(ctx, records)
	report.FetchedCount = len(fetched.Fetched)
	if fetched.Failures != nil {
		report.Failures = fetched.Failures
	}
	for _, f := range report.Failures {
		log.Warn().Uint("id", f.Record.ID).Str("url", f.Record.URL).Str("kind", string(f.Kind)).
			Msg(f.Message)
	}

	// 2. 抽出
	report.Results = p.extractAll(ctx, fetched.Fetched)
	report.FinishedAt = p.now()

	log.Info().
		Int("total", report.TotalRecords).
		Int("fetched", report.FetchedCount).
		Int("fetch_failures", len(report.Failures)).
		Int("extract_errors", report.ErrorCount()).
		Dur("elapsed", report.FinishedAt.Sub(report.StartedAt)).
		Msg("バッチが完了しました")
	return report
}

// extractAll は各組に抽出ルールを並列に適用し、入力と同じ順序で結果を返します。
func (p *Pipeline) extractAll(ctx context.Context, pairs []types.FetchedRecord) []types.ExtractionResult {
	results := make([]types.ExtractionResult, len(pairs))
	if len(pairs) == 0 {
		return results
	}

	var g errgroup.Group
	g.SetLimit(min(len(pairs), p.concurrency))
	for i := range pairs {
		g.Go(func() error {
			results[i] = p.extractOne(ctx, pairs[i])
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// extractOne は1件の組に抽出ルールを適用します。失敗はエラー結果として返し、他の組には影響しません。
func (p *Pipeline) extractOne(ctx context.Context, pair types.FetchedRecord) types.ExtractionResult {
	res := types.ExtractionResult{
		RecordID:   pair.Record.ID,
		Name:       pair.Record.Name,
		URL:        pair.Record.URL,
		StatusCode: pair.Outcome.StatusCode,
	}

	source, ok := pair.Record.Rule()
	if !ok {
		if p.missingRule == MissingRulePassthrough {
			res.Value = pair.Outcome.Body
			return res
		}
		res.Err = types.NewError(types.KindNoRuleDefined,
			fmt.Errorf("レコード (id=%d) に抽出ルールが定義されていません", pair.Record.ID))
		return res
	}

	value, err := p.extractor.Extract(ctx, pair.Outcome, source)
	if err != nil {
		zerolog.Ctx(ctx).Debug().Err(err).Uint("id", pair.Record.ID).Str("kind", string(types.KindOf(err))).
			Msg("抽出ルールの評価に失敗しました")
		res.Err = err
		return res
	}
	res.Value = value
	return res
}
