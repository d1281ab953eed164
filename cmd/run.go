package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/shouni/go-web-watch/pkg/store"
	"github.com/shouni/go-web-watch/pkg/types"
)

// コマンドラインフラグ変数を定義
var (
	recordsFile string // --records レコードファイル (YAML)
	jsonOutput  bool   // --json 結果を JSON で出力
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "有効なレコードのURLを並列で取得し、抽出ルールを適用します",
	Long: `レコードストア (または --records で指定した YAML ファイル) の有効なレコードを取得し、
各レコードの抽出ルールを適用した結果を入力順に出力します。取得に失敗したURLは結果から除外されます。`,
	Args: cobra.NoArgs,

	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg := appConfig

		// 1. 依存性の初期化
		if recordsFile != "" {
			cfg.Store.Driver = store.DriverFile
			cfg.Store.Path = recordsFile
		}
		st, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		p, err := newPipeline(cfg, newEngine(cfg))
		if err != nil {
			return err
		}

		// 2. メインロジックの実行
		report, err := p.RunActive(ctx, st)
		if err != nil {
			return fmt.Errorf("バッチの実行エラー: %w", err)
		}

		// 3. 結果の出力
		if jsonOutput {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		}
		printReport(os.Stdout, report)
		zerolog.Ctx(ctx).Debug().Str("batch_id", report.BatchID).Msg("結果を出力しました")
		return nil
	},
}

// printReport はレポートを人が読める形式で出力します。
func printReport(w io.Writer, report *types.Report) {
	fmt.Fprintf(w, "--- バッチ実行結果 (%s) ---\n", report.BatchID)

	for i, res := range report.Results {
		if res.Err != nil {
			fmt.Fprintf(w, "❌ [%d] %s (%s)\n", i+1, res.Name, res.URL)
			fmt.Fprintf(w, "     エラー: %v\n", res.Err)
			continue
		}
		fmt.Fprintf(w, "✅ [%d] %s (%s) status=%d\n", i+1, res.Name, res.URL, res.StatusCode)
		fmt.Fprintf(w, "     値: %s\n", preview(res.Value))
	}

	for _, f := range report.Failures {
		fmt.Fprintf(w, "⚠️  取得失敗 id=%d %s: %s (%s)\n", f.Record.ID, f.Record.URL, f.Message, f.Kind)
	}

	fmt.Fprintln(w, "-------------------------------")
	fmt.Fprintf(w, "完了: 対象 %d 件, 取得成功 %d 件, 抽出エラー %d 件, 取得失敗 %d 件\n",
		report.TotalRecords, report.FetchedCount, report.ErrorCount(), len(report.Failures))
}

// unprintableValue は JSON にできない値の代わりに表示する文字列です。
const unprintableValue = "<表示できない値>"

// preview は値を JSON にして、長すぎる場合は切り詰めます。
func preview(v any) string {
	const limit = 100
	b, err := json.Marshal(v)
	if err != nil {
		return unprintableValue
	}
	s := []rune(string(b))
	if len(s) > limit {
		return string(s[:limit]) + "..."
	}
	return string(s)
}

func init() {
	runCmd.Flags().StringVarP(&recordsFile, "records", "r", "", "レコードを読み込む YAML ファイル (指定時はストア設定より優先)")
	runCmd.Flags().BoolVar(&jsonOutput, "json", false, "結果を JSON で出力する")
}
