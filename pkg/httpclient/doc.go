// Package httpclient は外部サービスへのHTTP通信クライアントを提供する。
//
// メール中継サービスへの配送依頼の送信など、JSONベースの
// 外部API呼び出しのパターンを統一する。
package httpclient
