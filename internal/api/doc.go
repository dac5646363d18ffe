// Package api は通知パイプラインのHTTP APIサーバーを提供する。
//
// イベントの取り込み、Issueの購読、参加者の照会、通知設定の更新を
// JWT認証付きのREST APIとして公開する。取り込まれたイベントは
// アラートルールの通知先ごとにディスパッチャへ引き渡される。
package api
