// Package ownership はイベントの属性からIssueの担当者を決定するルールを提供する。
// ルールが1件も設定されていないプロジェクトでは「全員」が担当者となる。
package ownership

import (
	"context"
	"database/sql"
	"fmt"
	"path"
	"strings"

	"github.com/nao1215/mihari/pkg/event"
)

// OwnerType は担当者の種別を表す。
type OwnerType string

const (
	// OwnerUser は個人ユーザーの担当者を表す。
	OwnerUser OwnerType = "user"
	// OwnerTeam はチームの担当者を表す。
	OwnerTeam OwnerType = "team"
)

// Owner は1件の担当者を表す。
type Owner struct {
	// Type は担当者の種別。
	Type OwnerType
	// ID は担当者（ユーザーまたはチーム）のID。
	ID string
}

// Rule は1件のオーナーシップルールを表す。
type Rule struct {
	// ID はルールの一意識別子。
	ID int64
	// ProjectID は所属するプロジェクトのID。
	ProjectID string
	// MatcherType はマッチ対象（"tag:KEY" または "title"）。
	MatcherType string
	// Pattern はグロブ形式のマッチパターン。
	Pattern string
	// Owner はルールにマッチした場合の担当者。
	Owner Owner
}

// Store はオーナーシップルールの評価を提供する。
type Store struct {
	// db はSQLiteデータベース接続。
	db *sql.DB
}

// NewStore は新しいオーナーシップストアを生成する。
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateRule はオーナーシップルールを登録する。
func (s *Store) CreateRule(ctx context.Context, r *Rule) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO ownership_rules (project_id, matcher_type, pattern, owner_type, owner_id)
		VALUES (?, ?, ?, ?, ?)`,
		r.ProjectID, r.MatcherType, r.Pattern, string(r.Owner.Type), r.Owner.ID,
	); err != nil {
		return fmt.Errorf("オーナーシップルールの登録に失敗: %w", err)
	}
	return nil
}

// GetOwners はイベントにマッチするルールを評価し、担当者の集合を返す。
// everyone=true はプロジェクトにルールが1件も設定されていないことを表し、
// 呼び出し側は「全員」への通知にフォールバックする。ルールが設定されていて
// どれにもマッチしない場合は空の担当者集合を返す（フォールバックしない）。
func (s *Store) GetOwners(ctx context.Context, projectID string, ev *event.Event) (owners []Owner, everyone bool, err error) {
	rules, err := s.listRules(ctx, projectID)
	if err != nil {
		return nil, false, err
	}
	if len(rules) == 0 {
		return nil, true, nil
	}

	seen := make(map[Owner]bool)
	for _, rule := range rules {
		if !matches(rule, ev) {
			continue
		}
		if !seen[rule.Owner] {
			seen[rule.Owner] = true
			owners = append(owners, rule.Owner)
		}
	}
	return owners, false, nil
}

// listRules はプロジェクトのオーナーシップルール一覧を返す。
func (s *Store) listRules(ctx context.Context, projectID string) ([]Rule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, matcher_type, pattern, owner_type, owner_id
		FROM ownership_rules WHERE project_id = ? ORDER BY id`, projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("オーナーシップルールの取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var rules []Rule
	for rows.Next() {
		var (
			r         Rule
			ownerType string
		)
		if err := rows.Scan(&r.ID, &r.ProjectID, &r.MatcherType, &r.Pattern, &ownerType, &r.Owner.ID); err != nil {
			return nil, fmt.Errorf("オーナーシップルールの読み出しに失敗: %w", err)
		}
		r.Owner.Type = OwnerType(ownerType)
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// matches はルールがイベントにマッチするかを判定する。
func matches(r Rule, ev *event.Event) bool {
	var subject string
	switch {
	case r.MatcherType == "title":
		subject = ev.Title
	case strings.HasPrefix(r.MatcherType, "tag:"):
		subject = ev.Tags[strings.TrimPrefix(r.MatcherType, "tag:")]
	default:
		return false
	}
	if subject == "" {
		return false
	}

	ok, err := path.Match(r.Pattern, subject)
	if err != nil {
		// 不正なパターンはマッチしないものとして扱う
		return false
	}
	return ok
}
