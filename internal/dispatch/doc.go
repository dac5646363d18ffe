// Package dispatch はイベントから通知メールへの配送を組み立てる。
// ターゲット解決・ダイジェスト蓄積・パーソナライズを束ね、
// メール中継サービスへの送信を受信者ごとに分離して実行する。
package dispatch
