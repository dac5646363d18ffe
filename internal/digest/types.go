package digest

import (
	"fmt"
	"time"

	"github.com/nao1215/mihari/internal/directory"
	"github.com/nao1215/mihari/internal/target"
	"github.com/nao1215/mihari/pkg/event"
)

// Key はダイジェストバッファの識別子。
// 同じ受信者解決ルールに向かうイベント群は同じキーに蓄積される。
type Key struct {
	// ProjectID は対象プロジェクトのID。
	ProjectID string
	// TargetType は通知先ターゲット種別。
	TargetType target.Type
	// TargetIdentifier はターゲット種別がteam/memberの場合の対象ID。
	TargetIdentifier string
}

// String はバッファのストレージキーとして使用する文字列表現を返す。
func (k Key) String() string {
	return fmt.Sprintf("mail:p:%s:%s:%s", k.ProjectID, k.TargetType, k.TargetIdentifier)
}

// Record はダイジェストに蓄積される1件の記録を表す。
// イベントへの参照と、そのイベントにマッチしたルールの一覧を持つ。
type Record struct {
	// Timestamp は記録の発生日時。最新記録の選択に使用する。
	Timestamp time.Time
	// Event は記録対象のイベント。
	Event *event.Event
	// Rules はイベントにマッチしたアラートルールの一覧。
	Rules []directory.AlertRule
}

// Digest はルールID→Issue（Group）ID→記録一覧の入れ子マップ。
// 書き込み時には重複排除せず、読み出し・描画時に集約する。
type Digest map[string]map[string][]Record

// Build は記録の一覧からダイジェスト構造を組み立てる。
// 1件の記録は、マッチしたルールごとにそのルールの配下に現れる。
func Build(records []Record) Digest {
	d := make(Digest)
	for _, r := range records {
		for _, rule := range r.Rules {
			byGroup, ok := d[rule.ID]
			if !ok {
				byGroup = make(map[string][]Record)
				d[rule.ID] = byGroup
			}
			byGroup[r.Event.GroupID] = append(byGroup[r.Event.GroupID], r)
		}
	}
	return d
}

// Metadata はダイジェストの開始・終了時刻とIssueごとの記録数を返す。
// 件名の要約と、単一Issue時の通常通知への切り替え判定に使用する。
// countsはルールをまたいだ出現数の合計となる。
func Metadata(d Digest) (start, end time.Time, counts map[string]int) {
	counts = make(map[string]int)
	for _, byGroup := range d {
		for groupID, records := range byGroup {
			counts[groupID] += len(records)
			for _, r := range records {
				if start.IsZero() || r.Timestamp.Before(start) {
					start = r.Timestamp
				}
				if r.Timestamp.After(end) {
					end = r.Timestamp
				}
			}
		}
	}
	return start, end, counts
}

// LatestRecord は指定Issueの記録のうち最も新しいものを返す。
// 単一Issueのダイジェストを通常通知に畳み込む際に使用する。
func LatestRecord(d Digest, groupID string) (Record, bool) {
	var (
		latest Record
		found  bool
	)
	for _, byGroup := range d {
		for _, r := range byGroup[groupID] {
			if !found || r.Timestamp.After(latest.Timestamp) {
				latest = r
				found = true
			}
		}
	}
	return latest, found
}
