// Package notification はリアルタイム通知サービスの中核を提供する。
//
// 通知の永続化（Store）、受信者ごとのライブ接続の管理（Hub）、
// WebSocket接続ごとの状態遷移とコマンド処理（Conn）、
// そして業務ロジックから呼ばれる通知の一斉配信（Dispatcher）から構成される。
//
// 配信はストレージへは少なくとも1回、接続中のクライアントへは高々1回。
// オフラインの受信者は次回接続時に一覧APIで未読通知を取得する。
package notification
