package subscription

import (
	"context"
	"fmt"

	"github.com/nao1215/mihari/internal/directory"
	"github.com/nao1215/mihari/internal/settings"
)

// GetParticipants はIssueのワークフロー通知を受け取るべき参加者を解決する。
// プロジェクトの全メンバーについて、明示的な購読行と通知設定を突き合わせ、
// ユーザーID→購読理由のマップを返す。明示的な購読行を持たない参加者の理由は
// ReasonImplicitになる。
func (s *Store) GetParticipants(ctx context.Context, group *directory.Group) (map[string]Reason, error) {
	project, err := s.dir.GetProject(ctx, group.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("プロジェクトの取得に失敗: %w", err)
	}

	memberIDs, err := s.dir.ListProjectMemberIDs(ctx, project.ID)
	if err != nil {
		return nil, fmt.Errorf("プロジェクトメンバーの取得に失敗: %w", err)
	}
	if len(memberIDs) == 0 {
		return map[string]Reason{}, nil
	}

	subs, err := s.ListForGroup(ctx, group.ID)
	if err != nil {
		return nil, err
	}
	subsByUser := make(map[string]*Subscription, len(subs))
	for i := range subs {
		subsByUser[subs[i].UserID] = &subs[i]
	}

	rows, err := s.settings.GetForUsersByParent(
		ctx, settings.ChannelEmail, settings.TypeWorkflow,
		project.ID, project.OrganizationID, memberIDs,
	)
	if err != nil {
		return nil, err
	}
	settingsByUser := settings.ByUser(rows)

	participants := make(map[string]Reason)
	for _, userID := range memberIDs {
		sub := subsByUser[userID]
		value := settings.Resolve(settingsByUser[userID])
		if !shouldBeParticipating(sub, value) {
			continue
		}
		if sub != nil {
			participants[userID] = sub.Reason
		} else {
			participants[userID] = ReasonImplicit
		}
	}
	return participants, nil
}

// shouldBeParticipating はユーザーがIssueの参加者となるべきかを判定する。
//
//   - 明示的な購読行がある場合: 購読が有効かつ設定値がneverでなければ参加する。
//   - 購読行がない場合: 設定値がalwaysのときに限り暗黙的に参加する。
//     設定値がdefault（未設定を含む）では参加しない。暗黙の参加には明示的な
//     always設定が必要であり、オプトアウトしていないだけでは不十分。
func shouldBeParticipating(sub *Subscription, value settings.Value) bool {
	if sub != nil {
		return sub.IsActive && value != settings.ValueNever
	}
	return value == settings.ValueAlways
}
