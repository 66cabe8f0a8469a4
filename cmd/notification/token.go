package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nao1215/sonic/pkg/middleware"
)

func newTokenCmd(opts *globalOptions) *cobra.Command {
	var (
		userID string
		email  string
		role   string
		ttl    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "開発用のJWTを発行する",
		Long: `設定のjwt_secretで署名したJWTを発行する。
WebSocket接続（?token=...）やREST APIの動作確認に使う。
内部APIを呼ぶには --role admin を指定する。`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			token, err := middleware.GenerateJWTWithRole(cfg.JWTSecret, userID, email, role, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "トークンに含めるユーザーID")
	cmd.Flags().StringVar(&email, "email", "", "トークンに含めるメールアドレス")
	cmd.Flags().StringVar(&role, "role", "", "トークンに含めるロール（admin）")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "有効期間")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
