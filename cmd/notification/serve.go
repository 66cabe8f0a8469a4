package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/nao1215/sonic/internal/notification"
	"github.com/nao1215/sonic/internal/orderevents"
	"github.com/nao1215/sonic/internal/relay"
	"github.com/nao1215/sonic/internal/telemetry"
	"github.com/nao1215/sonic/pkg/logging"
)

func newServeCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "通知サービスを起動する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

// runServe は通知サービスを起動し、SIGINTまたはSIGTERMを受け取るまでブロックする。
func runServe(ctx context.Context, opts *globalOptions) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}

	logger, closeLog, err := logging.New(cfg.Log.Level, cfg.Log.File)
	if err != nil {
		return err
	}
	defer closeLog()
	logger = logger.With().Str("service", "notification").Logger()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn().Err(err).Msg("トレース出力の停止に失敗しました")
		}
	}()

	store, err := notification.OpenStore(ctx, cfg.DatabasePath, logger)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck

	hub := notification.NewHub(logger)

	rl, err := relay.New(ctx, cfg.Relay, hub, logger)
	if err != nil {
		return err
	}
	defer rl.Close() //nolint:errcheck

	var dispatcherOpts []notification.DispatcherOption
	if cfg.Kafka.Enabled {
		sink := orderevents.NewSink(cfg.Kafka.Brokers, cfg.Kafka.SentTopic, logger)
		defer sink.Close() //nolint:errcheck
		dispatcherOpts = append(dispatcherOpts, notification.WithEventSink(sink))
	}
	dispatcher := notification.NewDispatcher(store, rl, logger, dispatcherOpts...)

	var wg sync.WaitGroup
	runBackground(ctx, &wg, logger, "relay", rl.Run)
	if cfg.Kafka.Enabled {
		consumer := orderevents.NewConsumer(cfg.Kafka, orderevents.NewHandler(dispatcher, logger, orderevents.WithEventLog(store)), logger)
		runBackground(ctx, &wg, logger, "order-consumer", consumer.Run)
	}

	server := notification.NewServer(cfg, store, hub, dispatcher, logger,
		notification.WithHealthCheck("relay", rl.Ready))
	err = server.Run(ctx)
	stop()
	wg.Wait()
	if err != nil {
		return fmt.Errorf("通知サービスが異常終了しました: %w", err)
	}
	logger.Info().Msg("通知サービスを停止しました")
	return nil
}

// runBackground はctxが終わるまで動く処理をゴルーチンで起動する。
func runBackground(ctx context.Context, wg *sync.WaitGroup, logger zerolog.Logger, name string, run func(context.Context) error) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Str("worker", name).Msg("バックグラウンド処理が停止しました")
		}
	}()
}
