package main

import (
	"context"
	"fmt"
	"io"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/spf13/cobra"

	"github.com/nao1215/sonic/internal/notification"
	"github.com/nao1215/sonic/pkg/logging"
)

type seedOptions struct {
	users     int
	userIDs   []string
	randSeed  int64
	withNotes bool
}

func newSeedCmd(opts *globalOptions) *cobra.Command {
	so := &seedOptions{}

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "既定の通知種別とテスト用の受信者を登録する",
		Long: `既定の通知種別（Order Update など）を作成し、gofakeitで生成した受信者を登録する。
何度実行しても通知種別は重複しない。`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSeed(cmd.Context(), opts, so, cmd.OutOrStdout())
		},
	}

	cmd.Flags().IntVar(&so.users, "users", 10, "生成する受信者数")
	cmd.Flags().StringSliceVar(&so.userIDs, "user-id", nil, "追加で登録する受信者ID（複数指定可）")
	cmd.Flags().Int64Var(&so.randSeed, "rand-seed", 0, "乱数シード（0なら毎回異なる）")
	cmd.Flags().BoolVar(&so.withNotes, "with-notifications", false, "受信者ごとにウェルカム通知を1件作成する")
	return cmd
}

func runSeed(ctx context.Context, opts *globalOptions, so *seedOptions, out io.Writer) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	logger, closeLog, err := logging.New(cfg.Log.Level, cfg.Log.File)
	if err != nil {
		return err
	}
	defer closeLog()

	store, err := notification.OpenStore(ctx, cfg.DatabasePath, logger)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck

	created := 0
	for _, name := range notification.DefaultCategories {
		_, isNew, err := store.GetOrCreateCategory(ctx, name)
		if err != nil {
			return fmt.Errorf("通知種別 %q の作成に失敗: %w", name, err)
		}
		if isNew {
			created++
		}
	}
	fmt.Fprintf(out, "通知種別: %d件作成（既存 %d件）\n", created, len(notification.DefaultCategories)-created)

	faker := gofakeit.New(so.randSeed)
	recipients := make([]notification.Recipient, 0, so.users+len(so.userIDs))
	for _, id := range so.userIDs {
		recipients = append(recipients, notification.Recipient{
			ID:       id,
			Username: faker.Username(),
			Email:    faker.Email(),
			IsActive: true,
		})
	}
	for range so.users {
		recipients = append(recipients, notification.Recipient{
			ID:       faker.UUID(),
			Username: faker.Username(),
			Email:    faker.Email(),
			IsActive: true,
		})
	}
	for _, r := range recipients {
		if err := store.UpsertRecipient(ctx, r); err != nil {
			return err
		}
	}
	fmt.Fprintf(out, "受信者: %d件登録\n", len(recipients))

	if !so.withNotes || len(recipients) == 0 {
		return nil
	}
	ids := make([]string, 0, len(recipients))
	for _, r := range recipients {
		ids = append(ids, r.ID)
	}
	// seedでは接続中のクライアントが無いためHubへ直接配信する
	dispatcher := notification.NewDispatcher(store, notification.NewHub(logger), logger)
	result := dispatcher.SendToCategoryName(ctx, ids, "Account Activity", "Welcome to Sonic", faker.Sentence(8))
	if !result.Success {
		return fmt.Errorf("ウェルカム通知の作成に失敗: %s", result.Error)
	}
	fmt.Fprintf(out, "通知: %d件作成\n", result.NotificationsCreated)
	return nil
}
