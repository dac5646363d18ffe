// Package target は通知先ターゲット指定を具体的な受信者集合に展開する。
//
// ターゲット種別（issue_owners / team / member）ごとにオーナーシップルール・
// チームメンバーシップ・ユーザーの通知無効設定を突き合わせ、通知を届けるべき
// ユーザーIDの集合を返す。
package target

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/nao1215/mihari/internal/directory"
	"github.com/nao1215/mihari/internal/ownership"
	"github.com/nao1215/mihari/internal/settings"
	"github.com/nao1215/mihari/pkg/event"
)

// Type は通知先ターゲットの種別を表す。
type Type string

const (
	// TypeIssueOwners はオーナーシップルールで決まる担当者宛てを表す。
	TypeIssueOwners Type = "issue_owners"
	// TypeTeam は特定チームのメンバー宛てを表す。
	TypeTeam Type = "team"
	// TypeMember は特定ユーザー宛てを表す。
	TypeMember Type = "member"
)

// ParseType は文字列をターゲット種別に変換する。
func ParseType(s string) (Type, error) {
	switch Type(s) {
	case TypeIssueOwners, TypeTeam, TypeMember:
		return Type(s), nil
	default:
		return "", fmt.Errorf("未知のターゲット種別です: %q", s)
	}
}

// sendableCacheTTL は「全員」宛て送信先リストのキャッシュ有効期間。
// イベントのバースト中に同じ照会を繰り返さないための短いTTL。
const sendableCacheTTL = 60 * time.Second

// OwnershipEvaluator はオーナーシップルールの評価を抽象化する。
type OwnershipEvaluator interface {
	// GetOwners はイベントの担当者集合を返す。everyone=trueは全員を表す。
	GetOwners(ctx context.Context, projectID string, ev *event.Event) (owners []ownership.Owner, everyone bool, err error)
}

// Resolver は通知先ターゲットの解決を提供する。
type Resolver struct {
	// dir はメンバーシップ照会に使用するディレクトリストア。
	dir *directory.Store
	// settings は通知無効設定の照会に使用する通知設定ストア。
	settings *settings.Store
	// ownership はissue_ownersターゲットの評価器。
	ownership OwnershipEvaluator
	// cache は「全員」宛て送信先リストのキャッシュ。
	cache Cache
}

// NewResolver は新しいターゲットリゾルバを生成する。
func NewResolver(dir *directory.Store, settingsStore *settings.Store, evaluator OwnershipEvaluator, cache Cache) *Resolver {
	return &Resolver{dir: dir, settings: settingsStore, ownership: evaluator, cache: cache}
}

// Resolve はターゲット指定を受信者のユーザーID集合に展開する。
// プロジェクトが無い、またはチームを持たない場合は空集合を返す（エラーではない）。
// issue_ownersでイベントコンテキストが無い場合は「全員」にフォールバックする。
func (r *Resolver) Resolve(ctx context.Context, project *directory.Project, targetType Type, targetIdentifier string, ev *event.Event) (map[string]bool, error) {
	if project == nil {
		log.Printf("[Target] プロジェクトコンテキストがないため解決をスキップします")
		return map[string]bool{}, nil
	}
	hasTeams, err := r.dir.ProjectHasTeams(ctx, project.ID)
	if err != nil {
		return nil, err
	}
	if !hasTeams {
		log.Printf("[Target] チームを持たないプロジェクトへの通知をスキップします: project=%s", project.ID)
		return map[string]bool{}, nil
	}

	switch targetType {
	case TypeIssueOwners:
		if ev == nil {
			return r.everyoneSendable(ctx, project)
		}
		return r.resolveOwners(ctx, project, ev)
	case TypeTeam:
		return r.resolveTeam(ctx, project, targetIdentifier)
	case TypeMember:
		return r.resolveMember(ctx, project, targetIdentifier)
	default:
		return map[string]bool{}, nil
	}
}

// ShouldNotify は通知を送るべき相手がいるかを返す。
// memberターゲットは常に通知する。それ以外は送信可能なユーザーの有無で決まる。
func (r *Resolver) ShouldNotify(ctx context.Context, targetType Type, project *directory.Project) (bool, error) {
	if targetType == TypeMember {
		return true, nil
	}
	sendable, err := r.everyoneSendable(ctx, project)
	if err != nil {
		return false, err
	}
	return len(sendable) > 0, nil
}

// resolveOwners はオーナーシップルールの評価結果を受信者集合に展開する。
// 「全員」センチネルは全員送信にフォールバックし、明示的な空集合は
// 空のまま返す（通知なし）。
func (r *Resolver) resolveOwners(ctx context.Context, project *directory.Project, ev *event.Event) (map[string]bool, error) {
	owners, everyone, err := r.ownership.GetOwners(ctx, project.ID, ev)
	if err != nil {
		return nil, fmt.Errorf("担当者の評価に失敗: %w", err)
	}
	if everyone {
		return r.everyoneSendable(ctx, project)
	}
	if len(owners) == 0 {
		return map[string]bool{}, nil
	}

	sendTo := make(map[string]bool)
	for _, owner := range owners {
		switch owner.Type {
		case ownership.OwnerUser:
			sendTo[owner.ID] = true
		case ownership.OwnerTeam:
			memberIDs, err := r.dir.ListTeamMemberIDs(ctx, owner.ID)
			if err != nil {
				return nil, fmt.Errorf("担当チームの展開に失敗: %w", err)
			}
			for _, id := range memberIDs {
				sendTo[id] = true
			}
		}
	}

	disabled, err := r.disabledUsers(ctx, project)
	if err != nil {
		return nil, err
	}
	for id := range disabled {
		delete(sendTo, id)
	}
	return sendTo, nil
}

// resolveTeam はチームターゲットを受信者集合に展開する。
// プロジェクトに紐づかないチームは空集合となる。
func (r *Resolver) resolveTeam(ctx context.Context, project *directory.Project, teamID string) (map[string]bool, error) {
	if teamID == "" {
		return map[string]bool{}, nil
	}
	exists, err := r.dir.TeamExistsInProject(ctx, teamID, project.ID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return map[string]bool{}, nil
	}

	memberIDs, err := r.dir.ListTeamMemberIDs(ctx, teamID)
	if err != nil {
		return nil, err
	}

	sendTo := make(map[string]bool, len(memberIDs))
	for _, id := range memberIDs {
		sendTo[id] = true
	}

	disabled, err := r.disabledUsers(ctx, project)
	if err != nil {
		return nil, err
	}
	for id := range disabled {
		delete(sendTo, id)
	}
	return sendTo, nil
}

// resolveMember は特定ユーザーターゲットを受信者集合に展開する。
// ユーザーはプロジェクトのいずれかのチームに所属している必要がある。
// 明示的なターゲット指定は本人の通知無効設定より優先されるため、
// 無効設定のフィルタは適用しない。
func (r *Resolver) resolveMember(ctx context.Context, project *directory.Project, userID string) (map[string]bool, error) {
	if userID == "" {
		return map[string]bool{}, nil
	}
	exists, err := r.dir.MemberExistsInProject(ctx, userID, project.ID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return map[string]bool{}, nil
	}
	return map[string]bool{userID: true}, nil
}

// everyoneSendable はプロジェクトの全メンバーのうち通知を受け取れるユーザーの
// 集合を返す。結果は短いTTLでキャッシュされる。
func (r *Resolver) everyoneSendable(ctx context.Context, project *directory.Project) (map[string]bool, error) {
	cacheKey := "mail:send_to:" + project.ID

	ids, ok := r.cache.Get(cacheKey)
	if !ok {
		var err error
		ids, err = r.sendableUserIDs(ctx, project)
		if err != nil {
			return nil, err
		}
		r.cache.Set(cacheKey, ids, sendableCacheTTL)
	}

	sendTo := make(map[string]bool, len(ids))
	for _, id := range ids {
		sendTo[id] = true
	}
	return sendTo, nil
}

// sendableUserIDs はIssueアラート通知を受け取れるプロジェクトメンバーの一覧を返す。
// 解決済みの設定値がneverのユーザーを除外する。
func (r *Resolver) sendableUserIDs(ctx context.Context, project *directory.Project) ([]string, error) {
	memberIDs, err := r.dir.ListProjectMemberIDs(ctx, project.ID)
	if err != nil {
		return nil, err
	}
	if len(memberIDs) == 0 {
		return nil, nil
	}

	rows, err := r.settings.GetForUsersByParent(
		ctx, settings.ChannelEmail, settings.TypeIssueAlerts,
		project.ID, project.OrganizationID, memberIDs,
	)
	if err != nil {
		return nil, err
	}
	byUser := settings.ByUser(rows)

	var sendable []string
	for _, id := range memberIDs {
		if settings.Resolve(byUser[id]) != settings.ValueNever {
			sendable = append(sendable, id)
		}
	}
	return sendable, nil
}

// disabledUsers はプロジェクトスコープでIssueアラート通知を無効にした
// メンバーの集合を返す。より広いスコープの設定はここでは考慮しない。
func (r *Resolver) disabledUsers(ctx context.Context, project *directory.Project) (map[string]bool, error) {
	memberIDs, err := r.dir.ListProjectMemberIDs(ctx, project.ID)
	if err != nil {
		return nil, err
	}
	if len(memberIDs) == 0 {
		return map[string]bool{}, nil
	}

	rows, err := r.settings.GetForUsersByParent(
		ctx, settings.ChannelEmail, settings.TypeIssueAlerts,
		project.ID, project.OrganizationID, memberIDs,
	)
	if err != nil {
		return nil, err
	}

	disabled := make(map[string]bool)
	for _, row := range rows {
		if row.ScopeType == settings.ScopeProject && row.Value == settings.ValueNever {
			disabled[row.UserID] = true
		}
	}
	return disabled, nil
}
