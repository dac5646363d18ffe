package subscription

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nao1215/mihari/internal/directory"
	"github.com/nao1215/mihari/internal/settings"
)

// bulkSubscribeMaxAttempts は一括購読の最大試行回数。
// 同時実行される購読処理との競合で一意性制約違反が発生した場合、
// 既存行を再照会して挿入対象を絞り込みながらこの回数まで再試行する。
const bulkSubscribeMaxAttempts = 5

// Subscription はユーザーとIssueの購読関係の1行を表す。
type Subscription struct {
	// ID は購読行の一意識別子。
	ID int64
	// ProjectID は所属するプロジェクトのID。
	ProjectID string
	// GroupID は購読対象のIssueのID。
	GroupID string
	// UserID は購読者のユーザーID。
	UserID string
	// IsActive は購読が有効かを表す。明示的な購読解除でfalseになる。
	IsActive bool
	// Reason は購読理由コード。
	Reason Reason
	// CreatedAt は購読行の作成日時。
	CreatedAt time.Time
}

// Store は購読行の永続化と参加者解決を提供する。
type Store struct {
	// db はSQLiteデータベース接続。
	db *sql.DB
	// dir はチーム展開とメンバーシップ照会に使用するディレクトリストア。
	dir *directory.Store
	// settings は参加者解決に使用する通知設定ストア。
	settings *settings.Store
}

// NewStore は新しい購読ストアを生成する。
func NewStore(db *sql.DB, dir *directory.Store, settingsStore *settings.Store) *Store {
	return &Store{db: db, dir: dir, settings: settingsStore}
}

// Subscribe はユーザーをIssueに購読させる。
// 既に購読行が存在する場合は何もせず成功として扱う（冪等）。
func (s *Store) Subscribe(ctx context.Context, group *directory.Group, userID string, reason Reason) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO group_subscriptions (project_id, group_id, user_id, is_active, reason)
		VALUES (?, ?, ?, 1, ?)`,
		group.ProjectID, group.ID, userID, int(reason),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil
		}
		return fmt.Errorf("購読行の作成に失敗: %w", err)
	}
	return nil
}

// BulkSubscribe は複数のユーザーをIssueに購読させる。
// 既に購読しているユーザーは挿入対象から除外する。同時実行される購読処理との
// 競合で一意性制約違反が発生した場合は、既存行を再照会して挿入対象を
// 絞り込みながら最大5回まで再試行する。再試行を使い切った場合は
// 最後の競合エラーをそのまま返す。
func (s *Store) BulkSubscribe(ctx context.Context, group *directory.Group, userIDs []string, reason Reason) error {
	targets := make(map[string]bool, len(userIDs))
	for _, id := range userIDs {
		targets[id] = true
	}
	if len(targets) == 0 {
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond

	attempt := 0
	op := func() error {
		attempt++

		existing, err := s.existingUserIDs(ctx, group.ID, targets)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("既存の購読行の照会に失敗: %w", err))
		}

		var remaining []string
		for id := range targets {
			if !existing[id] {
				remaining = append(remaining, id)
			}
		}
		if len(remaining) == 0 {
			return nil
		}

		if err := s.insertBatch(ctx, group, remaining, reason); err != nil {
			if isUniqueViolation(err) {
				log.Printf("[Subscription] 一括購読で競合が発生しました（試行 %d/%d）: group=%s",
					attempt, bulkSubscribeMaxAttempts, group.ID)
				return err
			}
			return backoff.Permanent(fmt.Errorf("購読行の一括作成に失敗: %w", err))
		}
		return nil
	}

	return backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(bo, bulkSubscribeMaxAttempts-1), ctx))
}

// SubscribeActor はアクター（個人ユーザーまたはチーム）をIssueに購読させる。
// チームの場合はメンバー全員の一括購読に展開する。
func (s *Store) SubscribeActor(ctx context.Context, group *directory.Group, actor Actor, reason Reason) error {
	switch a := actor.(type) {
	case IndividualActor:
		return s.Subscribe(ctx, group, a.UserID, reason)
	case TeamActor:
		memberIDs, err := s.dir.ListTeamMemberIDs(ctx, a.TeamID)
		if err != nil {
			return fmt.Errorf("チームメンバーの展開に失敗: %w", err)
		}
		return s.BulkSubscribe(ctx, group, memberIDs, reason)
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedActor, actor)
	}
}

// ListForGroup はIssueの購読行一覧を返す。
func (s *Store) ListForGroup(ctx context.Context, groupID string) ([]Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, group_id, user_id, is_active, reason, created_at
		FROM group_subscriptions WHERE group_id = ?`, groupID,
	)
	if err != nil {
		return nil, fmt.Errorf("購読行の取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var subs []Subscription
	for rows.Next() {
		var (
			sub      Subscription
			isActive int
			reason   int
		)
		if err := rows.Scan(&sub.ID, &sub.ProjectID, &sub.GroupID, &sub.UserID,
			&isActive, &reason, &sub.CreatedAt); err != nil {
			return nil, fmt.Errorf("購読行の読み出しに失敗: %w", err)
		}
		sub.IsActive = isActive != 0
		sub.Reason = Reason(reason)
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// existingUserIDs は対象ユーザーのうち既に購読行を持つユーザーの集合を返す。
func (s *Store) existingUserIDs(ctx context.Context, groupID string, targets map[string]bool) (map[string]bool, error) {
	ids := make([]string, 0, len(targets))
	for id := range targets {
		ids = append(ids, id)
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]

	query := fmt.Sprintf(
		"SELECT user_id FROM group_subscriptions WHERE group_id = ? AND user_id IN (%s)",
		placeholders)

	args := make([]any, 0, len(ids)+1)
	args = append(args, groupID)
	for _, id := range ids {
		args = append(args, id)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	existing := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		existing[id] = true
	}
	return existing, rows.Err()
}

// insertBatch は購読行を1トランザクションで一括挿入する。
func (s *Store) insertBatch(ctx context.Context, group *directory.Group, userIDs []string, reason Reason) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, userID := range userIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO group_subscriptions (project_id, group_id, user_id, is_active, reason)
			VALUES (?, ?, ?, 1, ?)`,
			group.ProjectID, group.ID, userID, int(reason),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// isUniqueViolation はエラーがSQLiteの一意性制約違反かを返す。
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
