// Package directory は組織・プロジェクト・チーム・ユーザーの台帳を提供する。
// 通知コアが必要とするメンバーシップの照会と、ダイジェスト設定の読み出しを担当する。
package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound は対象のレコードが存在しないことを表す。
var ErrNotFound = errors.New("directory: レコードが見つかりません")

// Project はプロジェクトと通知ダイジェストの設定を表す。
type Project struct {
	// ID はプロジェクトの一意識別子。
	ID string
	// OrganizationID は所属する組織のID。
	OrganizationID string
	// Slug はURL等で使用するスラッグ。
	Slug string
	// DigestsEnabled はダイジェスト配信の有効フラグ。
	DigestsEnabled bool
	// DigestIncrementDelay はダイジェストの増分遅延。
	DigestIncrementDelay time.Duration
	// DigestMaximumDelay はダイジェストの最大遅延。
	DigestMaximumDelay time.Duration
	// SubjectPrefix は通知メール件名のプレフィックス。
	SubjectPrefix string
}

// Group は同種のエラーイベントの集約先となるIssueを表す。
type Group struct {
	// ID はIssueの一意識別子。
	ID string
	// ProjectID は所属するプロジェクトのID。
	ProjectID string
	// ShortID は件名等で使用する短縮ID。
	ShortID string
	// Title はIssueの表題。
	Title string
	// Level はIssueの深刻度。
	Level string
}

// AlertRule はイベントを通知先ターゲットに結びつけるアラートルールを表す。
type AlertRule struct {
	// ID はルールの一意識別子。
	ID string
	// ProjectID は所属するプロジェクトのID。
	ProjectID string
	// Label はルールの表示名。
	Label string
	// TargetType は通知先ターゲット種別（issue_owners / team / member）。
	TargetType string
	// TargetIdentifier はターゲット種別がteam/memberの場合の対象ID。
	TargetIdentifier string
}

// Store はディレクトリ台帳への問い合わせを提供する。
type Store struct {
	// db はSQLiteデータベース接続。
	db *sql.DB
}

// NewStore は新しいディレクトリストアを生成する。
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// GetProject は指定IDのプロジェクトを取得する。
// 存在しない場合はErrNotFoundを返す。
func (s *Store) GetProject(ctx context.Context, id string) (*Project, error) {
	var (
		p              Project
		enabled        int
		incrementDelay int64
		maximumDelay   int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, organization_id, slug, digests_enabled,
		       digest_increment_delay, digest_maximum_delay, subject_prefix
		FROM projects WHERE id = ?`, id,
	).Scan(&p.ID, &p.OrganizationID, &p.Slug, &enabled, &incrementDelay, &maximumDelay, &p.SubjectPrefix)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("プロジェクトの取得に失敗: %w", err)
	}

	p.DigestsEnabled = enabled != 0
	p.DigestIncrementDelay = time.Duration(incrementDelay) * time.Second
	p.DigestMaximumDelay = time.Duration(maximumDelay) * time.Second
	return &p, nil
}

// GetGroup は指定IDのIssueを取得する。
// 存在しない場合はErrNotFoundを返す。
func (s *Store) GetGroup(ctx context.Context, id string) (*Group, error) {
	var g Group
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, short_id, title, level
		FROM groups WHERE id = ?`, id,
	).Scan(&g.ID, &g.ProjectID, &g.ShortID, &g.Title, &g.Level)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("Issueの取得に失敗: %w", err)
	}
	return &g, nil
}

// UpsertGroup はIssueを挿入する。既に存在する場合はlast_seenのみ更新する。
// イベント取り込み時に呼び出される。
func (s *Store) UpsertGroup(ctx context.Context, g *Group) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO groups (id, project_id, short_id, title, level)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET last_seen = datetime('now')`,
		g.ID, g.ProjectID, g.ShortID, g.Title, g.Level,
	)
	if err != nil {
		return fmt.Errorf("Issueの保存に失敗: %w", err)
	}
	return nil
}

// ProjectHasTeams はプロジェクトに1つ以上のチームが紐づいているかを返す。
func (s *Store) ProjectHasTeams(ctx context.Context, projectID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM project_teams WHERE project_id = ?", projectID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("プロジェクトのチーム数取得に失敗: %w", err)
	}
	return count > 0, nil
}

// ListProjectMemberIDs はプロジェクトのチームに所属する有効なユーザーIDの一覧を返す。
// 複数チームに所属するユーザーは1回だけ現れる。
func (s *Store) ListProjectMemberIDs(ctx context.Context, projectID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT tm.user_id
		FROM project_teams pt
		JOIN team_members tm ON tm.team_id = pt.team_id
		JOIN users u ON u.id = tm.user_id
		WHERE pt.project_id = ? AND u.is_active = 1
		ORDER BY tm.user_id`, projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("プロジェクトメンバーの取得に失敗: %w", err)
	}
	return scanIDs(rows)
}

// ListTeamMemberIDs はチームに所属する有効なユーザーIDの一覧を返す。
func (s *Store) ListTeamMemberIDs(ctx context.Context, teamID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tm.user_id
		FROM team_members tm
		JOIN users u ON u.id = tm.user_id
		WHERE tm.team_id = ? AND u.is_active = 1
		ORDER BY tm.user_id`, teamID,
	)
	if err != nil {
		return nil, fmt.Errorf("チームメンバーの取得に失敗: %w", err)
	}
	return scanIDs(rows)
}

// TeamExistsInProject はチームが指定プロジェクトに紐づいているかを返す。
func (s *Store) TeamExistsInProject(ctx context.Context, teamID, projectID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM project_teams
		WHERE team_id = ? AND project_id = ?`, teamID, projectID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("チームの照会に失敗: %w", err)
	}
	return count > 0, nil
}

// MemberExistsInProject はユーザーがプロジェクトのいずれかのチームに所属しているかを返す。
func (s *Store) MemberExistsInProject(ctx context.Context, userID, projectID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM team_members tm
		JOIN project_teams pt ON pt.team_id = tm.team_id
		JOIN users u ON u.id = tm.user_id
		WHERE tm.user_id = ? AND pt.project_id = ? AND u.is_active = 1`,
		userID, projectID,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("メンバーの照会に失敗: %w", err)
	}
	return count > 0, nil
}

// ListAlertRules はプロジェクトのアラートルール一覧を返す。
func (s *Store) ListAlertRules(ctx context.Context, projectID string) ([]AlertRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, label, target_type, target_identifier
		FROM alert_rules WHERE project_id = ? ORDER BY id`, projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("アラートルールの取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var rules []AlertRule
	for rows.Next() {
		var r AlertRule
		if err := rows.Scan(&r.ID, &r.ProjectID, &r.Label, &r.TargetType, &r.TargetIdentifier); err != nil {
			return nil, fmt.Errorf("アラートルールの読み出しに失敗: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// scanIDs は単一カラムのID結果セットをスライスに変換する。
func scanIDs(rows *sql.Rows) ([]string, error) {
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("IDの読み出しに失敗: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
