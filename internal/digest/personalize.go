package digest

import (
	"context"
	"fmt"
	"log"

	"github.com/nao1215/mihari/internal/directory"
	"github.com/nao1215/mihari/internal/subscription"
	"github.com/nao1215/mihari/internal/target"
)

// ParticipantResolver はIssueの参加者解決を抽象化する。
type ParticipantResolver interface {
	// GetParticipants はIssueの参加者をユーザーID→購読理由のマップで返す。
	GetParticipants(ctx context.Context, group *directory.Group) (map[string]subscription.Reason, error)
}

// GroupStore はIssueの取得を抽象化する。
type GroupStore interface {
	// GetGroup は指定IDのIssueを取得する。
	GetGroup(ctx context.Context, id string) (*directory.Group, error)
}

// UserDigest は1人の受信者向けにフィルタされたダイジェスト。
type UserDigest struct {
	// UserID は受信者のユーザーID。
	UserID string
	// Digest は受信者の参加資格でフィルタされたダイジェスト。
	Digest Digest
}

// Personalizer は蓄積されたダイジェストを受信者ごとの配信内容に変換する。
type Personalizer struct {
	// participants は参加資格の判定に使用する参加者リゾルバ。
	participants ParticipantResolver
	// groups はIssueの取得先。
	groups GroupStore
}

// NewPersonalizer は新しいパーソナライザを生成する。
func NewPersonalizer(participants ParticipantResolver, groups GroupStore) *Personalizer {
	return &Personalizer{participants: participants, groups: groups}
}

// Personalize は候補ユーザーごとにダイジェストをフィルタして返す。
//
// issue_ownersターゲットでは、Issueごとの参加資格（明示的な購読と通知設定）を
// 再適用し、ユーザーが資格を持つIssueの記録だけを残す。フィルタの結果が
// 空になったユーザーは結果から除外されるため、呼び出し側は結果が0件になる
// ケースを処理しなければならない。team/memberターゲットは明示的な宛先指定
// であり、フィルタせず全員に完全なダイジェストを返す。
func (p *Personalizer) Personalize(ctx context.Context, targetType target.Type, projectID string, d Digest, userIDs []string) ([]UserDigest, error) {
	if len(userIDs) == 0 || len(d) == 0 {
		return nil, nil
	}

	if targetType != target.TypeIssueOwners {
		result := make([]UserDigest, 0, len(userIDs))
		for _, userID := range userIDs {
			result = append(result, UserDigest{UserID: userID, Digest: d})
		}
		return result, nil
	}

	eligible, err := p.eligibleUsersByGroup(ctx, d)
	if err != nil {
		return nil, err
	}

	var result []UserDigest
	for _, userID := range userIDs {
		filtered := filterForUser(d, eligible, userID)
		if len(filtered) == 0 {
			continue
		}
		result = append(result, UserDigest{UserID: userID, Digest: filtered})
	}
	return result, nil
}

// eligibleUsersByGroup はダイジェストに現れる各Issueについて参加資格を持つ
// ユーザーの集合を1回だけ解決する。個別Issueの解決失敗はそのIssueの記録が
// 誰にも届かなくなるだけで、他のIssueの処理は継続する。
func (p *Personalizer) eligibleUsersByGroup(ctx context.Context, d Digest) (map[string]map[string]bool, error) {
	eligible := make(map[string]map[string]bool)
	for _, byGroup := range d {
		for groupID := range byGroup {
			if _, done := eligible[groupID]; done {
				continue
			}

			group, err := p.groups.GetGroup(ctx, groupID)
			if err != nil {
				log.Printf("[Digest] Issueの取得に失敗したため記録を除外します: group=%s, err=%v", groupID, err)
				eligible[groupID] = map[string]bool{}
				continue
			}

			participants, err := p.participants.GetParticipants(ctx, group)
			if err != nil {
				return nil, fmt.Errorf("参加者解決に失敗: %w", err)
			}

			users := make(map[string]bool, len(participants))
			for userID := range participants {
				users[userID] = true
			}
			eligible[groupID] = users
		}
	}
	return eligible, nil
}

// filterForUser はユーザーが資格を持つIssueの記録だけを残したダイジェストを返す。
func filterForUser(d Digest, eligible map[string]map[string]bool, userID string) Digest {
	filtered := make(Digest)
	for ruleID, byGroup := range d {
		for groupID, records := range byGroup {
			if !eligible[groupID][userID] {
				continue
			}
			if filtered[ruleID] == nil {
				filtered[ruleID] = make(map[string][]Record)
			}
			filtered[ruleID][groupID] = records
		}
	}
	return filtered
}
