// Package digest は通知のまとめ配信（ダイジェスト）を提供する。
//
// イベントとマッチしたルールの記録をキー単位の共有バッファに蓄積し、
// 増分遅延と最大遅延の設定に基づいて即時配信か遅延フラッシュかを決定する。
// フラッシュされたダイジェストは受信者ごとの参加資格でフィルタされ、
// ユーザー単位の配信内容になる。
package digest
