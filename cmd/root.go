package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	clibase "github.com/shouni/go-cli-base"
	"github.com/spf13/cobra"

	"github.com/shouni/go-web-watch/internal/config"
	"github.com/shouni/go-web-watch/internal/pipeline"
	"github.com/shouni/go-web-watch/pkg/batch"
	"github.com/shouni/go-web-watch/pkg/client"
	"github.com/shouni/go-web-watch/pkg/rule"
	"github.com/shouni/go-web-watch/pkg/store"
)

// --- グローバル定数 ---

const (
	appName = "web-watch"

	// フィード取得など単発処理の全体タイムアウト係数 (取得タイムアウトの倍数)
	overallTimeoutFactor = 2
)

// --- グローバル変数とフラグ構造体 ---

// AppFlags はこのアプリケーション固有の永続フラグを保持します。
// 0 または空文字のフラグは設定ファイルの値を上書きしません。
type AppFlags struct {
	ConfigPath    string // --config 設定ファイル (YAML)
	TimeoutSec    int    // --timeout 取得タイムアウト (秒)
	Workers       int    // --workers 同時取得数
	RuleTimeoutMs int    // --rule-timeout ルール評価のタイムアウト (ミリ秒)
}

var Flags AppFlags

// appConfig は PersistentPreRunE で読み込まれた設定です。
var appConfig *config.Config

// --- 初期化とロジック (clibaseへのコールバックとして利用) ---

// addAppPersistentFlags は、アプリケーション固有の永続フラグをルートコマンドに追加します。
func addAppPersistentFlags(rootCmd *cobra.Command) {
	rootCmd.PersistentFlags().StringVar(&Flags.ConfigPath, "config", "", "設定ファイル (YAML) のパス")
	rootCmd.PersistentFlags().IntVar(&Flags.TimeoutSec, "timeout", 0, "URLごとの取得タイムアウト（秒）")
	rootCmd.PersistentFlags().IntVar(&Flags.Workers, "workers", 0, "同時に取得するURLの最大数")
	rootCmd.PersistentFlags().IntVar(&Flags.RuleTimeoutMs, "rule-timeout", 0, "抽出ルール1回の評価時間の上限（ミリ秒）")
}

// initAppPreRunE は、clibase共通処理の後に実行される、アプリケーション固有のPersistentPreRunEです。
// NOTE: clibaseの PersistentPreRunE チェーンにより、clibase.Flags.Verbose はこの関数実行前に設定済み
func initAppPreRunE(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(Flags.ConfigPath)
	if err != nil {
		return err
	}
	applyFlagOverrides(cfg, Flags)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("設定が不正です: %w", err)
	}
	appConfig = cfg

	logger := newLogger(cfg, os.Stderr, clibase.Flags.Verbose)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cmd.SetContext(logger.WithContext(ctx))

	logger.Debug().
		Dur("fetch_timeout", cfg.Fetch.Timeout.Duration).
		Int("workers", cfg.Batch.Workers).
		Dur("rule_timeout", cfg.Rule.Timeout.Duration).
		Int64("rule_max_memory", cfg.Rule.MaxMemory).
		Str("store", cfg.Store.Driver).
		Msg("設定を読み込みました")
	return nil
}

// applyFlagOverrides は指定されたフラグで設定を上書きします。
func applyFlagOverrides(cfg *config.Config, f AppFlags) {
	if f.TimeoutSec > 0 {
		cfg.Fetch.Timeout = config.DurationFrom(time.Duration(f.TimeoutSec) * time.Second)
	}
	if f.Workers > 0 {
		cfg.Batch.Workers = f.Workers
	}
	if f.RuleTimeoutMs > 0 {
		cfg.Rule.Timeout = config.DurationFrom(time.Duration(f.RuleTimeoutMs) * time.Millisecond)
	}
}

// newLogger は設定に応じた zerolog.Logger を生成します。verbose の場合は debug レベルになります。
func newLogger(cfg *config.Config, out io.Writer, verbose bool) zerolog.Logger {
	if cfg.Logging.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	level := cfg.LogLevel()
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(out).Level(level).With().Timestamp().Str("app", appName).Logger()
}

// --- 依存性の組み立て ---

func newEngine(cfg *config.Config) *rule.Engine {
	return rule.NewEngine(
		rule.WithTimeout(cfg.Rule.Timeout.Duration),
		rule.WithMaxCallStackSize(cfg.Rule.MaxCallStack),
		rule.WithMaxMemory(cfg.Rule.MaxMemory),
	)
}

// newPipeline は設定からパイプラインを組み立てます。
func newPipeline(cfg *config.Config, engine *rule.Engine) (*pipeline.Pipeline, error) {
	fetcher, err := batch.NewParallelFetcher(client.New(cfg.ClientConfig()), cfg.Batch.Workers)
	if err != nil {
		return nil, fmt.Errorf("並列フェッチャーの初期化エラー: %w", err)
	}
	return pipeline.New(fetcher, engine,
		pipeline.WithConcurrency(cfg.Batch.Workers),
		pipeline.WithMissingRulePolicy(cfg.MissingRulePolicy()),
	)
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	st, err := store.New(ctx, cfg.StoreConfig())
	if err != nil {
		return nil, fmt.Errorf("レコードストアを開けません: %w", err)
	}
	return st, nil
}

// --- エントリポイント ---

// Execute は、rootCmd を実行するメイン関数です。clibaseのExecuteを使用する。
func Execute() {
	clibase.Execute(
		appName,
		addAppPersistentFlags,
		initAppPreRunE,
		runCmd,
		serveCmd,
		checkCmd,
		importFeedCmd,
	)
}
