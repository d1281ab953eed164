package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/shouni/go-web-watch/pkg/client"
	"github.com/shouni/go-web-watch/pkg/rule"
)

var (
	checkURL      string
	checkRule     string
	checkRuleFile string
)

// runCheck は1つのURLを取得し、抽出ルールを適用した値を返します。
func runCheck(ctx context.Context, fetcher *client.Client, engine *rule.Engine, rawURL, source string) (any, error) {
	compiled, err := engine.Compile(source)
	if err != nil {
		return nil, err
	}

	outcome, err := fetcher.Fetch(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("取得エラー (URL: %s): %w", rawURL, err)
	}
	zerolog.Ctx(ctx).Debug().Str("url", outcome.URL).Int("status", outcome.StatusCode).Int("bytes", len(outcome.Body)).Msg("取得しました")

	return engine.Evaluate(ctx, compiled, *outcome)
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "1つのURLを取得し、抽出ルールを試験的に適用します",
	Long:  `--url のページを取得し、--rule (または --rule-file) の抽出ルールを適用した結果を JSON で表示します。ルールを登録する前の動作確認に使います。`,
	Args:  cobra.NoArgs,

	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := appConfig

		// 1. 入力の決定
		processedURL, err := ensureScheme(checkURL)
		if err != nil {
			return fmt.Errorf("URLスキームの処理エラー: %w", err)
		}
		source := checkRule
		if checkRuleFile != "" {
			b, err := os.ReadFile(checkRuleFile)
			if err != nil {
				return fmt.Errorf("ルールファイルの読み込みエラー: %w", err)
			}
			source = string(b)
		}
		if source == "" {
			return fmt.Errorf("--rule または --rule-file を指定してください")
		}

		// 2. 全体のタイムアウトは取得と評価の合計
		overall := cfg.Fetch.Timeout.Duration + cfg.Rule.Timeout.Duration
		ctx, cancel := context.WithTimeout(cmd.Context(), overall+time.Second)
		defer cancel()

		// 3. メインロジックの実行
		value, err := runCheck(ctx, client.New(cfg.ClientConfig()), newEngine(cfg), processedURL, source)
		if err != nil {
			return fmt.Errorf("ルールの適用エラー (URL: %s): %w", processedURL, err)
		}

		// 4. 結果の出力
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(value)
	},
}

func init() {
	checkCmd.Flags().StringVarP(&checkURL, "url", "u", "", "取得対象のURL")
	checkCmd.Flags().StringVarP(&checkRule, "rule", "r", "", "抽出ルール (JavaScript)")
	checkCmd.Flags().StringVar(&checkRuleFile, "rule-file", "", "抽出ルールを読み込むファイル")
	_ = checkCmd.MarkFlagRequired("url")
}
