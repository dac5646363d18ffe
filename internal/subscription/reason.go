package subscription

// Reason は購読理由コードを表す。
// 正の値はデータベースに永続化される。負の値は参加者解決の結果にのみ
// 現れる合成的な理由であり、永続化してはならない。
type Reason int

const (
	// ReasonImplicit は通知設定による暗黙の参加を表す（非永続）。
	ReasonImplicit Reason = -1
	// ReasonCommitted はリリースに含まれるコミットへの関与を表す（非永続）。
	ReasonCommitted Reason = -2
	// ReasonProcessingIssue はプロジェクトの処理異常アラートの購読を表す（非永続）。
	ReasonProcessingIssue Reason = -3

	// ReasonUnknown は理由が特定されていない購読を表す。
	ReasonUnknown Reason = 0
	// ReasonComment はIssueへのコメントによる購読を表す。
	ReasonComment Reason = 1
	// ReasonAssigned はIssueへのアサインによる購読を表す。
	ReasonAssigned Reason = 2
	// ReasonBookmark はIssueのブックマークによる購読を表す。
	ReasonBookmark Reason = 3
	// ReasonStatusChange はIssueのステータス変更による購読を表す。
	ReasonStatusChange Reason = 4
	// ReasonDeploySetting はデプロイ通知設定による購読を表す。
	ReasonDeploySetting Reason = 5
	// ReasonMentioned はIssueでのメンションによる購読を表す。
	ReasonMentioned Reason = 6
	// ReasonTeamMentioned は所属チームへのメンションによる購読を表す。
	ReasonTeamMentioned Reason = 7
)

// descriptions は通知メールに記載する購読理由の説明文。
var descriptions = map[Reason]string{
	ReasonImplicit:        "参加しているプロジェクトの全Issueの更新を受け取る設定になっているため",
	ReasonCommitted:       "このリリースに含まれるコミットに関与したため",
	ReasonProcessingIssue: "このプロジェクトのアラートを購読しているため",
	ReasonComment:         "このIssueにコメントしたため",
	ReasonAssigned:        "このIssueにアサインされたため",
	ReasonBookmark:        "このIssueをブックマークしたため",
	ReasonStatusChange:    "このIssueの解決ステータスを変更したため",
	ReasonDeploySetting:   "この組織の全デプロイ通知を受け取る設定にしたため",
	ReasonMentioned:       "このIssueでメンションされたため",
	ReasonTeamMentioned:   "このIssueでメンションされたチームに所属しているため",
}

// Description は購読理由の説明文を返す。
// 未知の理由コードには汎用の説明文を返す。
func (r Reason) Description() string {
	if d, ok := descriptions[r]; ok {
		return d
	}
	return "このIssueを購読しているため"
}

// Persistable は理由コードがデータベースに永続化可能かを返す。
func (r Reason) Persistable() bool {
	return r >= 0
}
