// Package settings はユーザーごとの通知設定の読み出しを提供する。
// 設定はスコープ（project / organization / default）単位で保持され、
// 最も具体的なスコープの値が優先される。
package settings

// Channel は通知チャンネルを表す。
type Channel string

const (
	// ChannelEmail はメールによる通知チャンネルを表す。
	ChannelEmail Channel = "email"
)

// Type は通知種別を表す。
type Type string

const (
	// TypeWorkflow はIssueの購読に基づくワークフロー通知を表す。
	TypeWorkflow Type = "workflow"
	// TypeIssueAlerts はアラートルールに基づくIssueアラート通知を表す。
	TypeIssueAlerts Type = "issue_alerts"
	// TypeDeploy はデプロイ通知を表す。
	TypeDeploy Type = "deploy"
)

// ScopeType は設定のスコープ種別を表す。
type ScopeType string

const (
	// ScopeProject はプロジェクト単位のスコープを表す。
	ScopeProject ScopeType = "project"
	// ScopeOrganization は組織単位のスコープを表す。
	ScopeOrganization ScopeType = "organization"
	// ScopeDefault はユーザーの既定スコープを表す。
	ScopeDefault ScopeType = "default"
)

// Value は通知設定の値を表す。
type Value string

const (
	// ValueDefault は明示的な指定がないことを表す。
	ValueDefault Value = "default"
	// ValueNever は通知を受け取らないことを表す。
	ValueNever Value = "never"
	// ValueAlways は常に通知を受け取ることを表す。
	ValueAlways Value = "always"
)

// Setting は1件の通知設定レコードを表す。
type Setting struct {
	// UserID は設定の対象ユーザーのID。
	UserID string
	// Channel は通知チャンネル。
	Channel Channel
	// Type は通知種別。
	Type Type
	// ScopeType は設定のスコープ種別。
	ScopeType ScopeType
	// ScopeID はスコープの対象ID。defaultスコープの場合は空文字。
	ScopeID string
	// Value は設定値。
	Value Value
}

// ByUser は設定レコード群をユーザーID→スコープ種別→値のマップに変換する。
func ByUser(rows []Setting) map[string]map[ScopeType]Value {
	result := make(map[string]map[ScopeType]Value)
	for _, row := range rows {
		byScope, ok := result[row.UserID]
		if !ok {
			byScope = make(map[ScopeType]Value)
			result[row.UserID] = byScope
		}
		byScope[row.ScopeType] = row.Value
	}
	return result
}

// Resolve はスコープ別の設定値から最終的な値を決定する。
// project > organization > default の順で具体的なスコープが優先され、
// どのスコープにも設定がない場合はValueDefaultを返す。
func Resolve(byScope map[ScopeType]Value) Value {
	for _, scope := range []ScopeType{ScopeProject, ScopeOrganization, ScopeDefault} {
		if v, ok := byScope[scope]; ok && v != ValueDefault {
			return v
		}
	}
	return ValueDefault
}
