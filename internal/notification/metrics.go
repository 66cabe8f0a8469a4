package notification

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sonic",
		Subsystem: "ws",
		Name:      "connections",
		Help:      "開いているWebSocket接続数",
	})
	metricGroups = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sonic",
		Subsystem: "hub",
		Name:      "groups",
		Help:      "接続中のメンバーを持つ受信者グループ数",
	})
	metricDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sonic",
		Subsystem: "hub",
		Name:      "deliveries_total",
		Help:      "ライブ接続への配信数（result=delivered|dropped）",
	}, []string{"result"})
	metricCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sonic",
		Subsystem: "ws",
		Name:      "commands_total",
		Help:      "受信したクライアントコマンド数",
	}, []string{"kind"})
	metricDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sonic",
		Subsystem: "dispatch",
		Name:      "recipients_total",
		Help:      "配信対象の受信者数（result=created|skipped|failed）",
	}, []string{"result"})
)
