// mihariのエントリポイント。
// エラーイベントを取り込み、購読・通知設定・アラートルールに基づいて
// 通知メールの配送をディスパッチするAPIサーバーを起動する。
package main

import (
	"log"
	"os"

	"github.com/nao1215/mihari/internal/api"
)

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	server, err := api.NewServer(port)
	if err != nil {
		log.Fatalf("APIサーバーの初期化に失敗: %v", err)
	}
	defer server.Close()

	log.Printf("mihariを起動します: :%s", port)
	if err := server.Run(); err != nil {
		log.Fatalf("APIサーバーの起動に失敗: %v", err)
	}
}
