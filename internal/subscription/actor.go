package subscription

import "errors"

// ErrUnsupportedActor は購読アクターの種別が未対応であることを表す。
// 呼び出し側のプログラミングエラーであり、回復可能な状態ではない。
var ErrUnsupportedActor = errors.New("subscription: 未対応のアクター種別です")

// Actor は購読の主体（個人ユーザーまたはチーム）を表すタグ付きバリアント。
type Actor interface {
	// actorKind はこのインターフェースの実装を本パッケージ内に限定する。
	actorKind() string
}

// IndividualActor は個人ユーザーのアクターを表す。
type IndividualActor struct {
	// UserID は対象ユーザーのID。
	UserID string
}

func (IndividualActor) actorKind() string { return "individual" }

// TeamActor はチームのアクターを表す。購読時にはメンバー全員に展開される。
type TeamActor struct {
	// TeamID は対象チームのID。
	TeamID string
}

func (TeamActor) actorKind() string { return "team" }
