// Package subscription はユーザーとIssueの購読関係を管理する。
//
// 購読行の作成は冪等であり、同時書き込みの競合に対しては有限回のリトライで
// 整合性を保つ。また、購読行と通知設定を突き合わせて、Issueのワークフロー
// 通知を受け取るべき参加者の集合を解決する。
package subscription
