package digest

import (
	"testing"
	"time"

	"github.com/nao1215/mihari/internal/directory"
	"github.com/nao1215/mihari/internal/target"
	"github.com/nao1215/mihari/pkg/event"
)

func TestKeyString(t *testing.T) {
	tests := []struct {
		name string
		key  Key
		want string
	}{
		{
			name: "Issue担当者ターゲット",
			key:  Key{ProjectID: "proj-1", TargetType: target.TypeIssueOwners},
			want: "mail:p:proj-1:issue_owners:",
		},
		{
			name: "チームターゲット",
			key:  Key{ProjectID: "proj-1", TargetType: target.TypeTeam, TargetIdentifier: "team-1"},
			want: "mail:p:proj-1:team:team-1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.key.String(); got != tt.want {
				t.Errorf("キー文字列が一致しません: got=%s, want=%s", got, tt.want)
			}
		})
	}
}

func TestBuild(t *testing.T) {
	base := time.Now()
	ruleA := directory.AlertRule{ID: "rule-a", Label: "エラー全般"}
	ruleB := directory.AlertRule{ID: "rule-b", Label: "重大エラー"}

	records := []Record{
		{
			Timestamp: base,
			Event:     &event.Event{ID: "ev-1", GroupID: "group-1"},
			Rules:     []directory.AlertRule{ruleA},
		},
		{
			Timestamp: base.Add(time.Second),
			Event:     &event.Event{ID: "ev-2", GroupID: "group-1"},
			Rules:     []directory.AlertRule{ruleA, ruleB},
		},
		{
			Timestamp: base.Add(2 * time.Second),
			Event:     &event.Event{ID: "ev-3", GroupID: "group-2"},
			Rules:     []directory.AlertRule{ruleB},
		},
	}

	d := Build(records)

	if len(d) != 2 {
		t.Fatalf("ルール数が一致しません: got=%d, want=2", len(d))
	}
	if got := len(d["rule-a"]["group-1"]); got != 2 {
		t.Errorf("rule-a/group-1の記録数が一致しません: got=%d, want=2", got)
	}
	// 複数ルールにマッチした記録は各ルールの配下に現れる
	if got := len(d["rule-b"]["group-1"]); got != 1 {
		t.Errorf("rule-b/group-1の記録数が一致しません: got=%d, want=1", got)
	}
	if got := len(d["rule-b"]["group-2"]); got != 1 {
		t.Errorf("rule-b/group-2の記録数が一致しません: got=%d, want=1", got)
	}
}

func TestMetadata(t *testing.T) {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	ruleA := directory.AlertRule{ID: "rule-a"}
	ruleB := directory.AlertRule{ID: "rule-b"}

	d := Build([]Record{
		{
			Timestamp: base.Add(time.Minute),
			Event:     &event.Event{ID: "ev-1", GroupID: "group-1"},
			Rules:     []directory.AlertRule{ruleA, ruleB},
		},
		{
			Timestamp: base,
			Event:     &event.Event{ID: "ev-2", GroupID: "group-2"},
			Rules:     []directory.AlertRule{ruleA},
		},
	})

	start, end, counts := Metadata(d)
	if !start.Equal(base) {
		t.Errorf("開始時刻が一致しません: got=%v, want=%v", start, base)
	}
	if !end.Equal(base.Add(time.Minute)) {
		t.Errorf("終了時刻が一致しません: got=%v, want=%v", end, base.Add(time.Minute))
	}
	// ルールをまたいだ合計のため、ev-1は2回カウントされる
	if counts["group-1"] != 2 {
		t.Errorf("group-1の出現数が一致しません: got=%d, want=2", counts["group-1"])
	}
	if counts["group-2"] != 1 {
		t.Errorf("group-2の出現数が一致しません: got=%d, want=1", counts["group-2"])
	}
	if len(counts) != 2 {
		t.Errorf("Issue数が一致しません: got=%d, want=2", len(counts))
	}
}

func TestLatestRecord(t *testing.T) {
	base := time.Now()
	rule := directory.AlertRule{ID: "rule-a"}

	d := Build([]Record{
		{Timestamp: base, Event: &event.Event{ID: "ev-old", GroupID: "group-1"}, Rules: []directory.AlertRule{rule}},
		{Timestamp: base.Add(time.Minute), Event: &event.Event{ID: "ev-new", GroupID: "group-1"}, Rules: []directory.AlertRule{rule}},
	})

	latest, ok := LatestRecord(d, "group-1")
	if !ok {
		t.Fatal("記録が見つかるべきです")
	}
	if latest.Event.ID != "ev-new" {
		t.Errorf("最新の記録が選ばれるべきです: got=%s", latest.Event.ID)
	}

	if _, ok := LatestRecord(d, "group-unknown"); ok {
		t.Error("存在しないIssueの記録は見つからないべきです")
	}
}
