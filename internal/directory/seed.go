package directory

import (
	"context"
	"fmt"
)

// CreateOrganization は組織を登録する。
func (s *Store) CreateOrganization(ctx context.Context, id, slug string) error {
	if _, err := s.db.ExecContext(ctx,
		"INSERT INTO organizations (id, slug) VALUES (?, ?)", id, slug,
	); err != nil {
		return fmt.Errorf("組織の登録に失敗: %w", err)
	}
	return nil
}

// CreateProject はプロジェクトを登録する。
func (s *Store) CreateProject(ctx context.Context, p *Project) error {
	enabled := 0
	if p.DigestsEnabled {
		enabled = 1
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO projects
			(id, organization_id, slug, digests_enabled,
			 digest_increment_delay, digest_maximum_delay, subject_prefix)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.OrganizationID, p.Slug, enabled,
		int64(p.DigestIncrementDelay.Seconds()), int64(p.DigestMaximumDelay.Seconds()),
		p.SubjectPrefix,
	); err != nil {
		return fmt.Errorf("プロジェクトの登録に失敗: %w", err)
	}
	return nil
}

// CreateTeam はチームを登録する。
func (s *Store) CreateTeam(ctx context.Context, id, organizationID, slug string) error {
	if _, err := s.db.ExecContext(ctx,
		"INSERT INTO teams (id, organization_id, slug) VALUES (?, ?, ?)",
		id, organizationID, slug,
	); err != nil {
		return fmt.Errorf("チームの登録に失敗: %w", err)
	}
	return nil
}

// AddTeamToProject はチームをプロジェクトに紐づける。
func (s *Store) AddTeamToProject(ctx context.Context, teamID, projectID string) error {
	if _, err := s.db.ExecContext(ctx,
		"INSERT INTO project_teams (project_id, team_id) VALUES (?, ?)",
		projectID, teamID,
	); err != nil {
		return fmt.Errorf("チームとプロジェクトの紐づけに失敗: %w", err)
	}
	return nil
}

// CreateUser はユーザーを登録する。
func (s *Store) CreateUser(ctx context.Context, id, email, name string, active bool) error {
	isActive := 0
	if active {
		isActive = 1
	}
	if _, err := s.db.ExecContext(ctx,
		"INSERT INTO users (id, email, name, is_active) VALUES (?, ?, ?, ?)",
		id, email, name, isActive,
	); err != nil {
		return fmt.Errorf("ユーザーの登録に失敗: %w", err)
	}
	return nil
}

// AddTeamMember はユーザーをチームに所属させる。
func (s *Store) AddTeamMember(ctx context.Context, teamID, userID string) error {
	if _, err := s.db.ExecContext(ctx,
		"INSERT INTO team_members (team_id, user_id) VALUES (?, ?)",
		teamID, userID,
	); err != nil {
		return fmt.Errorf("チームメンバーの登録に失敗: %w", err)
	}
	return nil
}

// CreateAlertRule はアラートルールを登録する。
func (s *Store) CreateAlertRule(ctx context.Context, r *AlertRule) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO alert_rules (id, project_id, label, target_type, target_identifier)
		VALUES (?, ?, ?, ?, ?)`,
		r.ID, r.ProjectID, r.Label, r.TargetType, r.TargetIdentifier,
	); err != nil {
		return fmt.Errorf("アラートルールの登録に失敗: %w", err)
	}
	return nil
}
