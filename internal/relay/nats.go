package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/nao1215/sonic/internal/notification"
)

// natsSubjectPrefix は受信者ごとのサブジェクトの接頭辞。
const natsSubjectPrefix = "sonic.notifications."

// NATSSubject は受信者のサブジェクトを返す。
func NATSSubject(recipientID string) string {
	return natsSubjectPrefix + subjectToken(recipientID)
}

// DialNATS はNATSに接続する。切断と再接続はログに記録する。
func DialNATS(url string, logger zerolog.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("sonic-notification"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATSから切断されました")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATSに再接続しました")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("NATS %s への接続に失敗: %w", url, err)
	}
	return nc, nil
}

// NATS はNATS経由でレプリカ間にペイロードを中継する。
type NATS struct {
	nc     *nats.Conn
	hub    Deliverer
	sub    *subscription
	logger zerolog.Logger
}

// NewNATS は新しいNATSを生成する。
func NewNATS(nc *nats.Conn, hub Deliverer, logger zerolog.Logger) *NATS {
	return &NATS{nc: nc, hub: hub, sub: newSubscription(logger), logger: logger}
}

// Push は受信者のサブジェクトへペイロードを発行する。
func (n *NATS) Push(ctx context.Context, recipientID string, p notification.Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encode(recipientID, p)
	if err != nil {
		return err
	}
	if err := n.nc.Publish(NATSSubject(recipientID), data); err != nil {
		return fmt.Errorf("NATSへの発行に失敗: %w", err)
	}
	return nil
}

// Run は全受信者のサブジェクトを購読し、ctxがキャンセルされるまでHubへ配信する。
func (n *NATS) Run(ctx context.Context) error {
	return n.sub.run(ctx, n.subscribe)
}

// subscribe は1回分の購読を行い、ctxがキャンセルされるまでブロックする。
// 切断中の購読はnats.goが再接続時に復元する。
func (n *NATS) subscribe(ctx context.Context, onReady func()) error {
	ch := make(chan *nats.Msg, 256)
	sub, err := n.nc.ChanSubscribe(natsSubjectPrefix+"*", ch)
	if err != nil {
		return fmt.Errorf("NATSの購読に失敗: %w", err)
	}
	defer sub.Unsubscribe() //nolint:errcheck

	// Pushより先に購読がサーバーへ届いていることを保証する
	if err := n.nc.Flush(); err != nil {
		return fmt.Errorf("NATSの購読登録に失敗: %w", err)
	}
	onReady()
	n.logger.Info().Str("subject", natsSubjectPrefix+"*").Msg("中継サブジェクトを購読しました")

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-ch:
			deliver(n.hub, msg.Data, n.logger)
		}
	}
}

// Ready は購読中かつNATSに接続していればnilを返す。
func (n *NATS) Ready(context.Context) error {
	if err := n.sub.readyErr(); err != nil {
		return err
	}
	if !n.nc.IsConnected() {
		return fmt.Errorf("NATSに接続していません: %s", n.nc.Status())
	}
	return nil
}

// Close は未送信のメッセージを送り切ってから接続を閉じる。
func (n *NATS) Close() error {
	if err := n.nc.Drain(); err != nil {
		n.nc.Close()
		return fmt.Errorf("NATS接続のクローズに失敗: %w", err)
	}
	return nil
}
