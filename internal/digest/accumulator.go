package digest

import (
	"context"
	"sync"
	"time"
)

// Scheduler は遅延フラッシュジョブの予約を抽象化する。
// 同じキーに対する再予約は前の予約を置き換える。
type Scheduler interface {
	// Schedule は指定キーのフラッシュをdelay後に予約する。
	Schedule(key Key, delay time.Duration)
}

// window は1つのキーの蓄積ウィンドウの状態。
type window struct {
	// firstAt はウィンドウ最初の記録の到着時刻。
	firstAt time.Time
	// deadline は予約済みフラッシュの期限。
	deadline time.Time
}

// Accumulator はダイジェストの蓄積ポリシーを実装する。
//
// ウィンドウが開いていないキーへの最初の記録は、increment_delay後の
// フラッシュを予約したうえで即時配信（true）を呼び出し側に報告する。
// 呼び出し側は予約を待たずに最初のフラッシュを実行できる。以降の記録は
// ウィンドウを延長し（最大でfirstAt+maximum_delayまで）、falseを報告する。
// ウィンドウは予約されたフラッシュが実行された時点で閉じる。
type Accumulator struct {
	// backend は記録の共有バッファ。
	backend Backend
	// scheduler は遅延フラッシュの予約先。
	scheduler Scheduler
	// mu はwindowsへの並行アクセスを保護するミューテックス。
	mu sync.Mutex
	// windows はキーごとの蓄積ウィンドウ。
	windows map[string]*window
	// now は現在時刻の取得関数。テストで差し替える。
	now func() time.Time
}

// NewAccumulator は新しいアキュムレータを生成する。
func NewAccumulator(backend Backend, scheduler Scheduler) *Accumulator {
	return &Accumulator{
		backend:   backend,
		scheduler: scheduler,
		windows:   make(map[string]*window),
		now:       time.Now,
	}
}

// Add は記録をキーのバッファに追記し、即時配信すべきかを返す。
func (a *Accumulator) Add(ctx context.Context, key Key, record Record, incrementDelay, maximumDelay time.Duration) (bool, error) {
	if _, err := a.backend.Add(ctx, key.String(), record); err != nil {
		return false, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	k := key.String()

	w, ok := a.windows[k]
	if !ok {
		// ウィンドウ最初の記録。予約と同時に即時配信を報告する
		a.windows[k] = &window{
			firstAt:  now,
			deadline: now.Add(incrementDelay),
		}
		a.scheduler.Schedule(key, incrementDelay)
		return true, nil
	}

	// ウィンドウを延長する。最大遅延に達した後は延長せず、
	// 予約済みのフラッシュが到着に関係なく実行される
	deadline := now.Add(incrementDelay)
	if max := w.firstAt.Add(maximumDelay); deadline.After(max) {
		deadline = max
	}
	if deadline.After(w.deadline) {
		w.deadline = deadline
		a.scheduler.Schedule(key, deadline.Sub(now))
	}
	return false, nil
}

// Drain はキーのバッファを排出して返す。ウィンドウの状態は変更しない。
// 即時配信パスで使用する。
func (a *Accumulator) Drain(ctx context.Context, key Key) ([]Record, error) {
	return a.backend.Flush(ctx, key.String())
}

// Expire はキーの蓄積ウィンドウを閉じる。
// 予約されたフラッシュの実行時に呼び出す。次の記録は新しいウィンドウを開く。
func (a *Accumulator) Expire(key Key) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.windows, key.String())
}
