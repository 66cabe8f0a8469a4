package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/nao1215/sonic/internal/notification"
	"github.com/nao1215/sonic/pkg/httpclient"
	"github.com/nao1215/sonic/pkg/middleware"
)

type sendOptions struct {
	url     string
	token   string
	as      string
	request notification.SendRequest
}

func newSendCmd(opts *globalOptions) *cobra.Command {
	so := &sendOptions{}

	cmd := &cobra.Command{
		Use:   "send",
		Short: "稼働中の通知サービスへ通知の送信を依頼する",
		Example: `  notification send --type-id 1 --title "Order #1042 shipped" --user 42
  notification send --type-id 3 --title "New collection" --all --exclude 7`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSend(cmd.Context(), opts, so, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&so.url, "url", "http://localhost:8086", "通知サービスのURL")
	cmd.Flags().StringVar(&so.token, "token", "", "Bearerトークン（省略時は設定のjwt_secretで発行する）")
	cmd.Flags().StringVar(&so.as, "as", "admin", "トークンを発行する場合のユーザーID")
	cmd.Flags().Int64Var(&so.request.NotificationTypeID, "type-id", 0, "通知種別のID")
	cmd.Flags().StringVar(&so.request.Title, "title", "", "通知のタイトル")
	cmd.Flags().StringVar(&so.request.Message, "message", "", "通知本文")
	cmd.Flags().StringSliceVar(&so.request.UserIDs, "user", nil, "通知先のユーザーID（複数指定可）")
	cmd.Flags().BoolVar(&so.request.SendToAll, "all", false, "有効な全ユーザーに送る")
	cmd.Flags().StringSliceVar(&so.request.ExcludeIDs, "exclude", nil, "--allの対象から除外するユーザーID")
	_ = cmd.MarkFlagRequired("type-id")
	_ = cmd.MarkFlagRequired("title")
	cmd.MarkFlagsOneRequired("user", "all")
	return cmd
}

func runSend(ctx context.Context, opts *globalOptions, so *sendOptions, out io.Writer) error {
	token := so.token
	if token == "" {
		cfg, err := opts.loadConfig()
		if err != nil {
			return err
		}
		token, err = middleware.GenerateJWTWithRole(cfg.JWTSecret, so.as, "", middleware.RoleAdmin, 5*time.Minute)
		if err != nil {
			return err
		}
	}

	client := httpclient.New(so.url, httpclient.WithToken(token))
	var result json.RawMessage
	err := client.PostJSON(ctx, "/api/v1/internal/send", so.request, &result)

	var statusErr *httpclient.StatusError
	if errors.As(err, &statusErr) {
		// 通知種別が無い場合などは本文に結果が入っている
		fmt.Fprintln(out, statusErr.Body)
		return err
	}
	if err != nil {
		return fmt.Errorf("通知の送信に失敗: %w", err)
	}
	fmt.Fprintln(out, string(result))
	return nil
}
