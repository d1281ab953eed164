package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/shouni/go-web-watch/internal/server"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "レコード管理とバッチ実行のための HTTP API を起動します",
	Long:  `HTTP API を起動します。すべての /api/ ルートには X-API-KEY ヘッダー (MY_SECRET_KEY) が必要です。SIGINT/SIGTERM でグレースフルに停止します。`,
	Args:  cobra.NoArgs,

	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		cfg := appConfig
		log := zerolog.Ctx(ctx)

		addr := cfg.Server.Addr
		if serveAddr != "" {
			addr = serveAddr
		}
		if cfg.Server.APIKey == "" {
			log.Warn().Msg("API キーが設定されていないため、すべてのリクエストが拒否されます")
		}

		// 1. 依存性の初期化
		st, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		engine := newEngine(cfg)
		p, err := newPipeline(cfg, engine)
		if err != nil {
			return err
		}

		// 2. サーバーの起動 (ctx の終了まで待機)
		srv := server.New(st, p, engine, cfg.Server.APIKey)
		if err := srv.ListenAndServe(ctx, addr, cfg.Server.ShutdownTimeout.Duration); err != nil {
			return fmt.Errorf("サーバーの実行エラー: %w", err)
		}
		log.Info().Msg("サーバーを停止しました")
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVarP(&serveAddr, "addr", "a", "", "待ち受けアドレス (例: :8080)")
}
