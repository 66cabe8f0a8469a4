// Package logging はzerologベースの構造化ロガーを生成する。
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

// New はJSON形式でログを出力するロガーを生成する。
// fileが空の場合は標準出力に書き込む。戻り値の関数でログファイルを閉じる。
//
// levelには debug, info, warn, error, fatal のいずれかを指定する。
func New(level, file string) (zerolog.Logger, func(), error) {
	closer := func() {}

	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Logger{}, closer, fmt.Errorf("ログレベルの解析に失敗: %w", err)
	}

	var writer io.Writer = os.Stdout
	if file != "" {
		if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
			return zerolog.Logger{}, closer, fmt.Errorf("ログディレクトリの作成に失敗: %w", err)
		}
		f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Logger{}, closer, fmt.Errorf("ログファイルのオープンに失敗: %w", err)
		}
		closer = func() { _ = f.Close() }
		writer = f
	}

	return NewWithWriter(writer, lvl), closer, nil
}

// NewWithWriter は任意のWriterに出力するロガーを生成する。テストで使用する。
func NewWithWriter(w io.Writer, lvl zerolog.Level) zerolog.Logger {
	return zerolog.New(w).
		With().
		Timestamp().
		Logger().
		Level(lvl)
}
