package digest

import (
	"context"
	"sync"
)

// Backend はキー単位の共有ダイジェストバッファを抽象化する。
// 本番では複数のイベント処理ワーカーから共有されるリモートバッファを想定し、
// 追記はバッファに対する原子的な操作でなければならない。
type Backend interface {
	// Add は記録をキーのバッファに原子的に追記し、追記後の記録数を返す。
	Add(ctx context.Context, key string, record Record) (count int, err error)
	// Flush はキーのバッファを排出し、読み取ったスナップショットを返す。
	// フラッシュは読み取った分だけを消去する。フラッシュ中に到着した記録は
	// 失われず、次回のフラッシュで配信される（at-least-once）。
	Flush(ctx context.Context, key string) ([]Record, error)
}

// MemoryBackend はプロセス内のダイジェストバッファ。
// ミューテックスで追記と排出を直列化するため、スナップショットは常に
// 一貫しており、このバックエンドに限れば記録はちょうど1回配信される。
type MemoryBackend struct {
	// mu はbuffersへの並行アクセスを保護するミューテックス。
	mu sync.Mutex
	// buffers はキーごとの記録バッファ。
	buffers map[string][]Record
}

// NewMemoryBackend は新しいメモリバックエンドを生成する。
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{buffers: make(map[string][]Record)}
}

// Add は記録をキーのバッファに追記し、追記後の記録数を返す。
func (b *MemoryBackend) Add(_ context.Context, key string, record Record) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buffers[key] = append(b.buffers[key], record)
	return len(b.buffers[key]), nil
}

// Flush はキーのバッファを排出して返す。
func (b *MemoryBackend) Flush(_ context.Context, key string) ([]Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	records := b.buffers[key]
	delete(b.buffers, key)
	return records, nil
}
