package digest

import (
	"log"
	"sync"
	"time"
)

// FlushFunc は予約されたフラッシュの実行時に呼び出される関数。
type FlushFunc func(key Key)

// TimerScheduler はプロセス内タイマーによるフラッシュスケジューラ。
// 本番のタスクキューの代わりに、キーごとのタイマーで遅延フラッシュを実行する。
// 同じキーへの再予約は以前のタイマーを置き換える。
type TimerScheduler struct {
	// mu はtimersへの並行アクセスを保護するミューテックス。
	mu sync.Mutex
	// timers はキーごとの実行待ちタイマー。
	timers map[string]*time.Timer
	// flush は期限到来時に呼び出すフラッシュ関数。
	flush FlushFunc
	// stopped は新規予約を拒否するフラグ。
	stopped bool
}

// NewTimerScheduler は新しいタイマースケジューラを生成する。
func NewTimerScheduler(flush FlushFunc) *TimerScheduler {
	return &TimerScheduler{
		timers: make(map[string]*time.Timer),
		flush:  flush,
	}
}

// Schedule は指定キーのフラッシュをdelay後に予約する。
func (s *TimerScheduler) Schedule(key Key, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}

	k := key.String()
	if t, ok := s.timers[k]; ok {
		t.Stop()
	}
	s.timers[k] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, k)
		s.mu.Unlock()

		log.Printf("[Digest] 予約されたフラッシュを実行します: key=%s", k)
		s.flush(key)
	})
}

// Stop は実行待ちのタイマーをすべて停止し、以降の予約を受け付けない。
func (s *TimerScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	for k, t := range s.timers {
		t.Stop()
		delete(s.timers, k)
	}
}
