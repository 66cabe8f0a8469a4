// Package middleware はGinベースのHTTP APIで使用する共通ミドルウェアを提供する。
//
// JWT認証トークンの検証と発行、構造化アクセスログ、パニックリカバリ、
// CORS設定を含む。トークン解析関数はWebSocketハンドシェイクでも使用する。
package middleware
