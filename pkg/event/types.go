package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Level はイベントの深刻度を表す。
type Level string

const (
	// LevelDebug はデバッグレベルのイベントを表す。
	LevelDebug Level = "debug"
	// LevelInfo は情報レベルのイベントを表す。
	LevelInfo Level = "info"
	// LevelWarning は警告レベルのイベントを表す。
	LevelWarning Level = "warning"
	// LevelError はエラーレベルのイベントを表す。
	LevelError Level = "error"
	// LevelFatal は致命的エラーレベルのイベントを表す。
	LevelFatal Level = "fatal"
)

// Event はエラートラッキングにおける1件の発生イベントを表す。
// 同種のイベントはGroupID（Issue）単位に集約される。
type Event struct {
	// ID はイベントの一意識別子（UUID）。
	ID string `json:"id"`
	// GroupID は集約先のIssue（Group）の識別子。
	GroupID string `json:"group_id"`
	// ProjectID はイベントが属するプロジェクトの識別子。
	ProjectID string `json:"project_id"`
	// Title はイベントの表題（例外名やエラーメッセージの先頭行）。
	Title string `json:"title"`
	// Level はイベントの深刻度。
	Level Level `json:"level"`
	// Environment はイベントが発生した環境（production等）。空の場合もある。
	Environment string `json:"environment,omitempty"`
	// Tags はイベントに付与されたキー・バリューのタグ。
	Tags map[string]string `json:"tags,omitempty"`
	// Data はイベント固有のペイロード（スタックトレース等、JSON形式）。
	Data json.RawMessage `json:"data,omitempty"`
	// Timestamp はイベントの発生日時。
	Timestamp time.Time `json:"timestamp"`
}

// EmailSubject は通知メールの件名として使用する文字列を返す。
func (e *Event) EmailSubject() string {
	return fmt.Sprintf("[%s] %s", e.Level, e.Title)
}

// CacheKey はイベント処理ストアで使用するキャッシュキーを返す。
// プロジェクトIDとイベントIDの組でイベントを一意に特定する。
func (e *Event) CacheKey() string {
	return fmt.Sprintf("e:%s:%s", e.ProjectID, e.ID)
}
