package dispatch

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/nao1215/mihari/internal/digest"
	"github.com/nao1215/mihari/internal/directory"
	"github.com/nao1215/mihari/internal/subscription"
	"github.com/nao1215/mihari/internal/target"
	"github.com/nao1215/mihari/pkg/event"
)

// defaultSubjectPrefix はプロジェクトに件名プレフィックスが未設定の場合の既定値。
const defaultSubjectPrefix = "[mihari] "

// unsubscribeHint は個別通知の末尾に添える購読解除の案内文。
const unsubscribeHint = "このIssueの購読を解除すると、以後このIssueの通知は届きません。"

// Dispatcher はイベント発生から通知メール送信までの配送パイプラインを束ねる。
type Dispatcher struct {
	// dir は台帳ストア。
	dir *directory.Store
	// subs は購読ストア。購読理由の解決に使用する。
	subs *subscription.Store
	// resolver は通知先ターゲットの解決器。
	resolver *target.Resolver
	// accumulator はダイジェストの蓄積器。
	accumulator *digest.Accumulator
	// personalizer はダイジェストの受信者別絞り込み器。
	personalizer *digest.Personalizer
	// mailer はメール配送依頼の送信先。
	mailer Mailer
	// now は現在時刻の取得関数。テストで差し替える。
	now func() time.Time
}

// NewDispatcher は新しいDispatcherを生成する。
func NewDispatcher(
	dir *directory.Store,
	subs *subscription.Store,
	resolver *target.Resolver,
	accumulator *digest.Accumulator,
	personalizer *digest.Personalizer,
	mailer Mailer,
) *Dispatcher {
	return &Dispatcher{
		dir:          dir,
		subs:         subs,
		resolver:     resolver,
		accumulator:  accumulator,
		personalizer: personalizer,
		mailer:       mailer,
		now:          time.Now,
	}
}

// RuleNotify はアラートルールにマッチしたイベントの通知を処理する。
// プロジェクトのダイジェストが有効な場合は蓄積バッファに追記し、
// 即時配信枠であればその場でバッファを排出して配信する。
// ダイジェストが無効な場合は即座に個別通知を送信する。
func (d *Dispatcher) RuleNotify(
	ctx context.Context,
	ev *event.Event,
	group *directory.Group,
	targetType target.Type,
	targetIdentifier string,
	rules []directory.AlertRule,
) error {
	project, err := d.dir.GetProject(ctx, ev.ProjectID)
	if err != nil {
		return fmt.Errorf("プロジェクトの取得に失敗: %w", err)
	}

	ok, err := d.resolver.ShouldNotify(ctx, targetType, project)
	if err != nil {
		return err
	}
	if !ok {
		log.Printf("[Dispatch] 送信可能な受信者がいないため通知をスキップします: project=%s", project.ID)
		return nil
	}

	if !project.DigestsEnabled {
		return d.Notify(ctx, project, group, ev, targetType, targetIdentifier)
	}

	key := digest.Key{
		ProjectID:        project.ID,
		TargetType:       targetType,
		TargetIdentifier: targetIdentifier,
	}
	record := digest.Record{Timestamp: d.now(), Event: ev, Rules: rules}

	immediate, err := d.accumulator.Add(ctx, key, record,
		project.DigestIncrementDelay, project.DigestMaximumDelay)
	if err != nil {
		return fmt.Errorf("ダイジェストへの追記に失敗: %w", err)
	}
	if !immediate {
		log.Printf("[Dispatch] ダイジェストに蓄積しました: key=%s", key)
		return nil
	}

	// ウィンドウ先頭の記録はその場で排出して配信する
	records, err := d.accumulator.Drain(ctx, key)
	if err != nil {
		return fmt.Errorf("ダイジェストの排出に失敗: %w", err)
	}
	if len(records) == 0 {
		return nil
	}
	return d.notifyDigest(ctx, project, key, digest.Build(records))
}

// Notify はイベント1件の個別通知を即座に送信する。
// 受信者のうち1人への送信が失敗しても、残りの受信者への送信は継続する。
func (d *Dispatcher) Notify(
	ctx context.Context,
	project *directory.Project,
	group *directory.Group,
	ev *event.Event,
	targetType target.Type,
	targetIdentifier string,
) error {
	recipients, err := d.resolver.Resolve(ctx, project, targetType, targetIdentifier, ev)
	if err != nil {
		return fmt.Errorf("通知先の解決に失敗: %w", err)
	}
	if len(recipients) == 0 {
		log.Printf("[Dispatch] 受信者がいないため通知をスキップします: project=%s, target=%s", project.ID, targetType)
		return nil
	}

	reasons := make(map[string]subscription.Reason)
	if group != nil {
		subs, err := d.subs.ListForGroup(ctx, group.ID)
		if err != nil {
			return err
		}
		for _, sub := range subs {
			reasons[sub.UserID] = sub.Reason
		}
	}

	sent := 0
	for _, userID := range sortedKeys(recipients) {
		reason, ok := reasons[userID]
		if !ok {
			reason = subscription.ReasonImplicit
		}
		req := d.buildAlertDelivery(project, group, ev, userID, reason)
		if err := d.mailer.Send(ctx, req); err != nil {
			log.Printf("[Dispatch] 通知の送信に失敗しました: user=%s, err=%v", userID, err)
			continue
		}
		sent++
	}
	log.Printf("[Dispatch] 通知を送信しました: project=%s, recipients=%d/%d", project.ID, sent, len(recipients))
	return nil
}

// FlushKey は予約されたフラッシュの実行時に呼ばれ、ダイジェストの
// ウィンドウを閉じてバッファ内の全記録を集約配信する。
// digest.TimerSchedulerのFlushFuncとして登録して使用する。
func (d *Dispatcher) FlushKey(key digest.Key) {
	ctx := context.Background()

	d.accumulator.Expire(key)
	records, err := d.accumulator.Drain(ctx, key)
	if err != nil {
		log.Printf("[Dispatch] ダイジェストの排出に失敗しました: key=%s, err=%v", key, err)
		return
	}
	if len(records) == 0 {
		return
	}

	project, err := d.dir.GetProject(ctx, key.ProjectID)
	if err != nil {
		log.Printf("[Dispatch] プロジェクトの取得に失敗しました: key=%s, err=%v", key, err)
		return
	}
	if err := d.notifyDigest(ctx, project, key, digest.Build(records)); err != nil {
		log.Printf("[Dispatch] ダイジェストの配信に失敗しました: key=%s, err=%v", key, err)
	}
}

// notifyDigest はダイジェストを受信者別に絞り込んで配信する。
// 受信者のダイジェストが単一Issueのみの場合は、最新の記録を使って
// 通常のアラート通知に畳み込む。
func (d *Dispatcher) notifyDigest(ctx context.Context, project *directory.Project, key digest.Key, dgst digest.Digest) error {
	recipients, err := d.resolver.Resolve(ctx, project, key.TargetType, key.TargetIdentifier, nil)
	if err != nil {
		return fmt.Errorf("通知先の解決に失敗: %w", err)
	}
	if len(recipients) == 0 {
		log.Printf("[Dispatch] 受信者がいないためダイジェストをスキップします: key=%s", key)
		return nil
	}

	userDigests, err := d.personalizer.Personalize(ctx, key.TargetType, project.ID, dgst, sortedKeys(recipients))
	if err != nil {
		return fmt.Errorf("ダイジェストのパーソナライズに失敗: %w", err)
	}

	sent := 0
	for _, ud := range userDigests {
		start, _, counts := digest.Metadata(ud.Digest)
		if len(counts) == 1 {
			if d.sendCollapsed(ctx, project, ud) {
				sent++
			}
			continue
		}

		req, err := d.buildDigestDelivery(ctx, project, ud, start, counts)
		if err != nil {
			log.Printf("[Dispatch] ダイジェストの組み立てに失敗しました: user=%s, err=%v", ud.UserID, err)
			continue
		}
		if err := d.mailer.Send(ctx, req); err != nil {
			log.Printf("[Dispatch] ダイジェストの送信に失敗しました: user=%s, err=%v", ud.UserID, err)
			continue
		}
		sent++
	}
	log.Printf("[Dispatch] ダイジェストを配信しました: key=%s, recipients=%d/%d", key, sent, len(userDigests))
	return nil
}

// sendCollapsed は単一Issueのダイジェストを通常のアラート通知として送信する。
func (d *Dispatcher) sendCollapsed(ctx context.Context, project *directory.Project, ud digest.UserDigest) bool {
	_, _, counts := digest.Metadata(ud.Digest)
	for groupID := range counts {
		record, ok := digest.LatestRecord(ud.Digest, groupID)
		if !ok {
			return false
		}
		group, err := d.dir.GetGroup(ctx, groupID)
		if err != nil {
			log.Printf("[Dispatch] Issueの取得に失敗しました: group=%s, err=%v", groupID, err)
			return false
		}
		req := d.buildAlertDelivery(project, group, record.Event, ud.UserID, subscription.ReasonImplicit)
		if err := d.mailer.Send(ctx, req); err != nil {
			log.Printf("[Dispatch] 通知の送信に失敗しました: user=%s, err=%v", ud.UserID, err)
			return false
		}
	}
	return true
}

// buildAlertDelivery はイベント1件の個別通知の配送依頼を組み立てる。
func (d *Dispatcher) buildAlertDelivery(
	project *directory.Project,
	group *directory.Group,
	ev *event.Event,
	userID string,
	reason subscription.Reason,
) DeliveryRequest {
	deliveryCtx := map[string]any{
		"event_id":         ev.ID,
		"project":          project.Slug,
		"title":            ev.Title,
		"level":            string(ev.Level),
		"environment":      ev.Environment,
		"reason":           reason.Description(),
		"unsubscribe_hint": unsubscribeHint,
	}
	headers := map[string]string{
		"X-Mihari-Project": project.Slug,
	}

	var referenceID string
	if group != nil {
		deliveryCtx["group_id"] = group.ID
		deliveryCtx["short_id"] = group.ShortID
		headers["X-Mihari-Group"] = group.ID
		referenceID = group.ID
	}

	return DeliveryRequest{
		ID:          uuid.NewString(),
		UserID:      userID,
		Subject:     d.subject(project, ev.EmailSubject()),
		TemplateRef: "mail/alert",
		Context:     deliveryCtx,
		Headers:     headers,
		ReferenceID: referenceID,
	}
}

// buildDigestDelivery は複数Issueを集約したダイジェスト通知の配送依頼を組み立てる。
func (d *Dispatcher) buildDigestDelivery(
	ctx context.Context,
	project *directory.Project,
	ud digest.UserDigest,
	start time.Time,
	counts map[string]int,
) (DeliveryRequest, error) {
	group, err := d.dir.GetGroup(ctx, primaryGroupID(counts))
	if err != nil {
		return DeliveryRequest{}, fmt.Errorf("Issueの取得に失敗: %w", err)
	}

	return DeliveryRequest{
		ID:          uuid.NewString(),
		UserID:      ud.UserID,
		Subject:     d.subject(project, digestSubject(group, len(counts), start)),
		TemplateRef: "mail/digest",
		Context: map[string]any{
			"project":     project.Slug,
			"start":       start,
			"issue_count": len(counts),
			"counts":      counts,
		},
		Headers: map[string]string{
			"X-Mihari-Project": project.Slug,
		},
		ReferenceID: group.ID,
	}, nil
}

// subject はプロジェクトのプレフィックスを付与した件名を返す。
func (d *Dispatcher) subject(project *directory.Project, base string) string {
	prefix := project.SubjectPrefix
	if prefix == "" {
		prefix = defaultSubjectPrefix
	}
	return prefix + base
}

// digestSubject はダイジェスト通知の件名を組み立てる。
func digestSubject(group *directory.Group, issueCount int, start time.Time) string {
	noun := "alert"
	if issueCount != 1 {
		noun = "alerts"
	}
	return fmt.Sprintf("%s - %d new %s since %s",
		group.ShortID, issueCount, noun, start.Format("Jan 2, 2006 15:04 MST"))
}

// primaryGroupID は件名に使用する代表Issueを選ぶ。
// 記録数が最も多いIssueを選び、同数の場合はIDの昇順で決定する。
func primaryGroupID(counts map[string]int) string {
	var (
		primary string
		max     int
	)
	for groupID, count := range counts {
		if count > max || (count == max && (primary == "" || groupID < primary)) {
			primary = groupID
			max = count
		}
	}
	return primary
}

// sortedKeys は受信者集合をID昇順のスライスに変換する。
func sortedKeys(set map[string]bool) []string {
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
