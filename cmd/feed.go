package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/rs/zerolog"
	"github.com/shouni/go-http-kit/pkg/httpkit"
	"github.com/spf13/cobra"

	"github.com/shouni/go-web-watch/pkg/feed"
	"github.com/shouni/go-web-watch/pkg/store"
)

const defaultFeedMaxRetries = 3

var (
	feedURL        string
	feedRule       string
	feedMaxRetries int
	feedDryRun     bool
)

// runParsePipeline は、フィードの取得とパースを実行するメインロジックです。
func runParsePipeline(ctx context.Context, url string, parser *feed.Parser, overallTimeout time.Duration) (*gofeed.Feed, error) {
	ctx, cancel := context.WithTimeout(ctx, overallTimeout)
	defer cancel()

	parsedFeed, err := parser.FetchAndParse(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("フィードの取得およびパースエラー (URL: %s): %w", url, err)
	}
	return parsedFeed, nil
}

// importRecords はレコードをストアに追加し、追加できた件数を返します。
func importRecords(ctx context.Context, st store.Store, adapter *feed.FeedAdapter, rule *string) (int, error) {
	log := zerolog.Ctx(ctx)
	created := 0
	for _, rec := range adapter.Records(rule) {
		saved, err := st.Create(ctx, rec)
		if err != nil {
			return created, fmt.Errorf("レコードの追加エラー (URL: %s): %w", rec.URL, err)
		}
		log.Debug().Uint("id", saved.ID).Str("url", saved.URL).Msg("レコードを追加しました")
		created++
	}
	return created, nil
}

var importFeedCmd = &cobra.Command{
	Use:   "import-feed",
	Short: "RSS/Atomフィードの記事URLを監視対象として登録します",
	Long:  `指定されたURLからRSSまたはAtomフィードを取得し、各記事のリンクを有効なレコードとしてレコードストアに追加します。--rule を指定すると全レコードに同じ抽出ルールを設定します。`,
	Args:  cobra.NoArgs,

	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg := appConfig

		processedURL, err := ensureScheme(feedURL)
		if err != nil {
			return fmt.Errorf("URLスキームの処理エラー: %w", err)
		}
		overallTimeout := cfg.Fetch.Timeout.Duration * overallTimeoutFactor * time.Duration(feedMaxRetries+1)
		zerolog.Ctx(ctx).Info().Str("url", processedURL).Dur("timeout", overallTimeout).Msg("フィードを取得します")

		// 1. 依存性の初期化 (リトライ付きクライアント)
		httpClient := httpkit.New(cfg.Fetch.Timeout.Duration, httpkit.WithMaxRetries(uint64(feedMaxRetries)))
		parser := feed.NewParser(httpClient)

		// 2. フィードの取得
		parsedFeed, err := runParsePipeline(ctx, processedURL, parser, overallTimeout)
		if err != nil {
			return fmt.Errorf("フィード解析パイプラインの実行エラー: %w", err)
		}
		adapter := feed.NewFeedAdapter(parsedFeed)

		var rule *string
		if feedRule != "" {
			if _, err := newEngine(cfg).Compile(feedRule); err != nil {
				return err
			}
			rule = &feedRule
		}

		if feedDryRun {
			fmt.Printf("フィードタイトル: %s\n", parsedFeed.Title)
			for i, link := range adapter.GetLinks() {
				fmt.Printf("[%d] %s\n", i+1, link)
			}
			return nil
		}

		// 3. ストアへの登録
		st, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		created, err := importRecords(ctx, st, adapter, rule)
		if err != nil {
			return err
		}
		fmt.Printf("フィード %q から %d 件のレコードを追加しました\n", parsedFeed.Title, created)
		return nil
	},
}

func init() {
	importFeedCmd.Flags().StringVarP(&feedURL, "url", "u", "", "取り込み対象のフィード (RSS/Atom) URL")
	importFeedCmd.Flags().StringVarP(&feedRule, "rule", "r", "", "追加するレコードに設定する抽出ルール")
	importFeedCmd.Flags().IntVar(&feedMaxRetries, "max-retries", defaultFeedMaxRetries, "フィード取得のリトライ最大回数")
	importFeedCmd.Flags().BoolVar(&feedDryRun, "dry-run", false, "ストアに登録せずにリンクを表示する")
	_ = importFeedCmd.MarkFlagRequired("url")
}
