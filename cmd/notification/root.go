package main

import (
	"github.com/spf13/cobra"

	"github.com/nao1215/sonic/internal/config"
)

// globalOptions は全サブコマンド共通のフラグ。
type globalOptions struct {
	configPath string
	logLevel   string
}

// loadConfig は設定を読み込み、--log-levelが指定されていれば上書きする。
func (o *globalOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	return cfg, nil
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:   "notification",
		Short: "リアルタイム通知サービス",
		Long: `注文状況や新作のお知らせなどの通知を保存し、
接続中のクライアントへWebSocketでリアルタイムに配信する。

設定はYAMLファイル（--config）と SONIC_ プレフィックスの環境変数から読み込む。`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "設定ファイルのパス（YAML）")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "ログレベル（debug, info, warn, error）")

	cmd.AddCommand(
		newServeCmd(opts),
		newSeedCmd(opts),
		newSendCmd(opts),
		newTokenCmd(opts),
	)
	return cmd
}
