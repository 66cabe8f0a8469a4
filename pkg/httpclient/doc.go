// Package httpclient は通知サービスのHTTP APIを呼び出すクライアントを提供する。
//
// CLIの send サブコマンドが稼働中のサーバーの内部APIへ通知送信を依頼する際に使用する。
// JSONのシリアライズ、Bearerトークンの付与、2xx以外のステータスのエラー化を共通化する。
package httpclient
