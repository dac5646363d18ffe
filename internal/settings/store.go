package settings

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Store は通知設定レコードの読み書きを提供する。
type Store struct {
	// db はSQLiteデータベース接続。
	db *sql.DB
}

// NewStore は新しい通知設定ストアを生成する。
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Set は通知設定を登録または更新する。
// 同じ（ユーザー・チャンネル・種別・スコープ）の既存設定は値を上書きする。
func (s *Store) Set(ctx context.Context, setting Setting) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO notification_settings (user_id, channel, type, scope_type, scope_id, value)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, channel, type, scope_type, scope_id)
		DO UPDATE SET value = excluded.value`,
		setting.UserID, string(setting.Channel), string(setting.Type),
		string(setting.ScopeType), setting.ScopeID, string(setting.Value),
	); err != nil {
		return fmt.Errorf("通知設定の保存に失敗: %w", err)
	}
	return nil
}

// GetForUsersByParent は指定ユーザー群の通知設定を親スコープに沿って取得する。
// プロジェクトスコープ（projectID）、組織スコープ（organizationID）、
// ユーザー既定スコープの3階層分のレコードを返す。
func (s *Store) GetForUsersByParent(
	ctx context.Context,
	channel Channel,
	typ Type,
	projectID, organizationID string,
	userIDs []string,
) ([]Setting, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat("?,", len(userIDs))
	placeholders = placeholders[:len(placeholders)-1]

	query := fmt.Sprintf(`
		SELECT user_id, channel, type, scope_type, scope_id, value
		FROM notification_settings
		WHERE channel = ? AND type = ?
		  AND user_id IN (%s)
		  AND (
		      (scope_type = 'project' AND scope_id = ?)
		      OR (scope_type = 'organization' AND scope_id = ?)
		      OR scope_type = 'default'
		  )`, placeholders)

	args := make([]any, 0, len(userIDs)+4)
	args = append(args, string(channel), string(typ))
	for _, id := range userIDs {
		args = append(args, id)
	}
	args = append(args, projectID, organizationID)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("通知設定の取得に失敗: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []Setting
	for rows.Next() {
		var (
			row                        Setting
			channel, typ, scope, value string
		)
		if err := rows.Scan(&row.UserID, &channel, &typ, &scope, &row.ScopeID, &value); err != nil {
			return nil, fmt.Errorf("通知設定の読み出しに失敗: %w", err)
		}
		row.Channel = Channel(channel)
		row.Type = Type(typ)
		row.ScopeType = ScopeType(scope)
		row.Value = Value(value)
		result = append(result, row)
	}
	return result, rows.Err()
}
