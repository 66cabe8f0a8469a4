// Package config は通知サービスの設定を読み込む。
//
// YAMLファイル（任意）と環境変数から設定を構築する。環境変数は SONIC_ プレフィックス付きの
// キー（例: SONIC_RELAY_DRIVER）に加え、従来の PORT と JWT_SECRET も受け付ける。
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config は通知サービス全体の設定。
type Config struct {
	// Port はHTTPサーバーのリッスンポート。
	Port string `mapstructure:"port"`
	// DatabasePath はSQLiteデータベースファイルのパス。":memory:" も指定できる。
	DatabasePath string `mapstructure:"database_path"`
	// JWTSecret はJWT検証用の秘密鍵。
	JWTSecret string `mapstructure:"jwt_secret"`
	// AllowedOrigins はCORSとWebSocketハンドシェイクで許可するオリジン。
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	// Log はログ出力の設定。
	Log LogConfig `mapstructure:"log"`
	// WebSocket は接続ごとの送受信設定。
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	// Relay はプロセス間の通知中継設定。
	Relay RelayConfig `mapstructure:"relay"`
	// Kafka は注文イベント購読と送信済みイベント発行の設定。
	Kafka KafkaConfig `mapstructure:"kafka"`
	// Telemetry はトレース出力の設定。
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// LogConfig はログ出力の設定。
type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// WebSocketConfig はWebSocket接続の設定。
type WebSocketConfig struct {
	// SendBuffer は接続ごとの送信キューの長さ。溢れたクライアントは切断される。
	SendBuffer int `mapstructure:"send_buffer"`
	// WriteTimeout は1フレームの書き込み期限。
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// ReadTimeout は受信待ちの期限。0の場合は無期限（キープアライブはクライアント任せ）。
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// MaxMessageBytes は受信メッセージの最大サイズ。
	MaxMessageBytes int64 `mapstructure:"max_message_bytes"`
}

// RelayDriver は通知中継の実装種別。
type RelayDriver string

const (
	// RelayLocal はプロセス内のHubへ直接配信する。
	RelayLocal RelayDriver = "local"
	// RelayRedis はRedis Pub/Sub経由で全レプリカへ配信する。
	RelayRedis RelayDriver = "redis"
	// RelayNATS はNATS経由で全レプリカへ配信する。
	RelayNATS RelayDriver = "nats"
)

// RelayConfig はプロセス間の通知中継設定。
type RelayConfig struct {
	Driver    RelayDriver `mapstructure:"driver"`
	RedisAddr string      `mapstructure:"redis_addr"`
	NATSURL   string      `mapstructure:"nats_url"`
}

// KafkaConfig はKafka接続の設定。
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	GroupID string   `mapstructure:"group_id"`
	// OrdersTopic は注文イベントを購読するトピック。
	OrdersTopic string `mapstructure:"orders_topic"`
	// SentTopic はNotificationSentイベントを発行するトピック。
	SentTopic string `mapstructure:"sent_topic"`
}

// TelemetryConfig はOpenTelemetryの設定。
type TelemetryConfig struct {
	// OTLPEndpoint が空の場合、トレースは出力しない。
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	ServiceName  string  `mapstructure:"service_name"`
	SampleRatio  float64 `mapstructure:"sample_ratio"`
}

// setDefaults はviperに既定値を設定する。
func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8086")
	v.SetDefault("database_path", "/data/notification.db")
	v.SetDefault("jwt_secret", "dev-secret-key")
	v.SetDefault("allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("websocket.send_buffer", 32)
	v.SetDefault("websocket.write_timeout", 10*time.Second)
	v.SetDefault("websocket.read_timeout", time.Duration(0))
	v.SetDefault("websocket.max_message_bytes", int64(64*1024))
	v.SetDefault("relay.driver", string(RelayLocal))
	v.SetDefault("relay.redis_addr", "localhost:6379")
	v.SetDefault("relay.nats_url", "nats://localhost:4222")
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.group_id", "sonic-notification")
	v.SetDefault("kafka.orders_topic", "sonic.orders")
	v.SetDefault("kafka.sent_topic", "sonic.notifications.sent")
	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.service_name", "sonic-notification")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Load は設定を読み込む。pathが空、またはファイルが存在しない場合は既定値と環境変数のみを使う。
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SONIC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// 既存サービスと同じ環境変数名も受け付ける
	_ = v.BindEnv("port", "SONIC_PORT", "PORT")
	_ = v.BindEnv("jwt_secret", "SONIC_JWT_SECRET", "JWT_SECRET")

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("設定ファイル %s の読み込みに失敗: %w", path, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("設定の解析に失敗: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate は設定値の整合性を検証する。
func (c *Config) Validate() error {
	switch c.Relay.Driver {
	case RelayLocal, RelayRedis, RelayNATS:
	default:
		return fmt.Errorf("未対応のrelay.driverです: %q", c.Relay.Driver)
	}
	if c.WebSocket.SendBuffer <= 0 {
		return fmt.Errorf("websocket.send_bufferは1以上である必要があります: %d", c.WebSocket.SendBuffer)
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratioは0から1の範囲である必要があります: %v", c.Telemetry.SampleRatio)
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return errors.New("kafka.enabledの場合はkafka.brokersが必要です")
	}
	return nil
}
