package digest

import (
	"context"
	"testing"
	"time"

	"github.com/nao1215/mihari/internal/directory"
	"github.com/nao1215/mihari/internal/subscription"
	"github.com/nao1215/mihari/internal/target"
	"github.com/nao1215/mihari/pkg/event"
)

// fakeParticipants はIssueごとの参加者を固定で返すテスト用リゾルバ。
type fakeParticipants struct {
	byGroup map[string][]string
}

func (f *fakeParticipants) GetParticipants(_ context.Context, group *directory.Group) (map[string]subscription.Reason, error) {
	participants := make(map[string]subscription.Reason)
	for _, userID := range f.byGroup[group.ID] {
		participants[userID] = subscription.ReasonImplicit
	}
	return participants, nil
}

// fakeGroups はIssueをIDからそのまま返すテスト用ストア。
type fakeGroups struct{}

func (fakeGroups) GetGroup(_ context.Context, id string) (*directory.Group, error) {
	return &directory.Group{ID: id, ProjectID: "proj-1"}, nil
}

func buildTestDigest() Digest {
	rule := directory.AlertRule{ID: "rule-a"}
	base := time.Now()
	return Build([]Record{
		{Timestamp: base, Event: &event.Event{ID: "ev-1", GroupID: "group-1"}, Rules: []directory.AlertRule{rule}},
		{Timestamp: base.Add(time.Second), Event: &event.Event{ID: "ev-2", GroupID: "group-2"}, Rules: []directory.AlertRule{rule}},
	})
}

func TestPersonalizeIssueOwners(t *testing.T) {
	// user-1は両方のIssueに、user-2はgroup-2のみに参加している
	participants := &fakeParticipants{byGroup: map[string][]string{
		"group-1": {"user-1"},
		"group-2": {"user-1", "user-2"},
	}}
	p := NewPersonalizer(participants, fakeGroups{})

	userDigests, err := p.Personalize(t.Context(), target.TypeIssueOwners, "proj-1",
		buildTestDigest(), []string{"user-1", "user-2", "user-3"})
	if err != nil {
		t.Fatalf("パーソナライズに失敗: %v", err)
	}

	byUser := make(map[string]Digest)
	for _, ud := range userDigests {
		byUser[ud.UserID] = ud.Digest
	}

	if len(byUser) != 2 {
		t.Fatalf("受信者数が一致しません: got=%d, want=2", len(byUser))
	}
	if _, _, counts := Metadata(byUser["user-1"]); len(counts) != 2 {
		t.Errorf("user-1は両方のIssueを受け取るべきです: got=%d", len(counts))
	}
	if _, _, counts := Metadata(byUser["user-2"]); len(counts) != 1 || counts["group-2"] != 1 {
		t.Errorf("user-2はgroup-2のみ受け取るべきです: got=%v", counts)
	}
	// どのIssueにも参加していないuser-3は配信から除外される
	if _, ok := byUser["user-3"]; ok {
		t.Error("参加しているIssueがないユーザーは除外されるべきです")
	}
}

func TestPersonalizeExplicitTarget(t *testing.T) {
	// チーム・メンバーターゲットは明示的な宛先指定のため絞り込まない
	p := NewPersonalizer(&fakeParticipants{}, fakeGroups{})

	userDigests, err := p.Personalize(t.Context(), target.TypeTeam, "proj-1",
		buildTestDigest(), []string{"user-1", "user-2"})
	if err != nil {
		t.Fatalf("パーソナライズに失敗: %v", err)
	}

	if len(userDigests) != 2 {
		t.Fatalf("受信者数が一致しません: got=%d, want=2", len(userDigests))
	}
	for _, ud := range userDigests {
		if _, _, counts := Metadata(ud.Digest); len(counts) != 2 {
			t.Errorf("%sは全Issueを受け取るべきです: got=%d", ud.UserID, len(counts))
		}
	}
}

func TestPersonalizeEmpty(t *testing.T) {
	p := NewPersonalizer(&fakeParticipants{}, fakeGroups{})

	userDigests, err := p.Personalize(t.Context(), target.TypeIssueOwners, "proj-1", Digest{}, []string{"user-1"})
	if err != nil {
		t.Fatalf("パーソナライズに失敗: %v", err)
	}
	if len(userDigests) != 0 {
		t.Errorf("空のダイジェストは受信者を生まないべきです: got=%d", len(userDigests))
	}

	userDigests, err = p.Personalize(t.Context(), target.TypeIssueOwners, "proj-1", buildTestDigest(), nil)
	if err != nil {
		t.Fatalf("パーソナライズに失敗: %v", err)
	}
	if len(userDigests) != 0 {
		t.Errorf("受信者候補が空の場合は何も返さないべきです: got=%d", len(userDigests))
	}
}
