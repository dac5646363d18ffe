// Package eventcache はパイプライン処理中のイベント本体を一時保管する。
// イベントは通知の描画が終わるまで参照される可能性があるため、
// TTL付きのキーバリューストアに保持し、期限切れで自動的に消える。
package eventcache

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nao1215/mihari/pkg/event"
)

// DefaultTTL はイベントを保持する既定の期間。
const DefaultTTL = 24 * time.Hour

// ErrNotFound は対象のイベントが存在しないか期限切れであることを表す。
var ErrNotFound = errors.New("eventcache: イベントが見つかりません")

// KV はTTL付きキーバリューストアを抽象化するインターフェース。
type KV interface {
	// Set は値をTTL付きで保存する。
	Set(key string, value []byte, ttl time.Duration)
	// Get は値を取得する。期限切れのエントリは存在しない扱いとなる。
	Get(key string) ([]byte, bool)
	// Delete は値を削除する。
	Delete(key string)
}

// Store はイベント処理ストア。イベントをシリアライズしてKVに保持する。
type Store struct {
	// kv は保存先のキーバリューストア。
	kv KV
	// ttl はイベントの保持期間。
	ttl time.Duration
}

// NewStore は新しいイベント処理ストアを生成する。
func NewStore(kv KV) *Store {
	return &Store{kv: kv, ttl: DefaultTTL}
}

// Store はイベントを保存する。同じキーへの保存は上書きとなり、TTLも更新される。
func (s *Store) Store(ev *event.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("イベントのシリアライズに失敗: %w", err)
	}
	s.kv.Set(ev.CacheKey(), data, s.ttl)
	return nil
}

// Get はプロジェクトIDとイベントIDでイベントを取得する。
func (s *Store) Get(projectID, eventID string) (*event.Event, error) {
	key := (&event.Event{ProjectID: projectID, ID: eventID}).CacheKey()
	data, ok := s.kv.Get(key)
	if !ok {
		return nil, ErrNotFound
	}
	var ev event.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("イベントのデシリアライズに失敗: %w", err)
	}
	return &ev, nil
}

// Delete はイベントを削除する。存在しないキーの削除は何もしない。
func (s *Store) Delete(projectID, eventID string) {
	s.kv.Delete((&event.Event{ProjectID: projectID, ID: eventID}).CacheKey())
}

// kvEntry はMemoryKVの1エントリ。
type kvEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryKV はメモリ上のTTL付きキーバリューストア。
// 期限切れのエントリは取得時に破棄する。
type MemoryKV struct {
	// mu はentriesを保護するミューテックス。
	mu sync.Mutex
	// entries はキーとエントリのマップ。
	entries map[string]kvEntry
	// now は現在時刻の取得関数。テストで差し替える。
	now func() time.Time
}

// NewMemoryKV は新しいMemoryKVを生成する。
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{
		entries: make(map[string]kvEntry),
		now:     time.Now,
	}
}

// Set は値をTTL付きで保存する。
func (kv *MemoryKV) Set(key string, value []byte, ttl time.Duration) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.entries[key] = kvEntry{value: value, expiresAt: kv.now().Add(ttl)}
}

// Get は値を取得する。期限切れのエントリはその場で削除する。
func (kv *MemoryKV) Get(key string) ([]byte, bool) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	entry, ok := kv.entries[key]
	if !ok {
		return nil, false
	}
	if kv.now().After(entry.expiresAt) {
		delete(kv.entries, key)
		return nil, false
	}
	return entry.value, true
}

// Delete は値を削除する。
func (kv *MemoryKV) Delete(key string) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	delete(kv.entries, key)
}
