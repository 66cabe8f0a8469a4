// 通知サービスのエントリポイント。
// サブコマンドを省略するとserveとして動作し、WebSocketとREST APIで通知を配信する。
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "エラー: %v\n", err)
		os.Exit(1)
	}
}
