package target

import (
	"sync"
	"time"
)

// Cache は「全員」宛て送信先リストの再計算を抑えるための注入可能なキャッシュ。
// TTL切れのエントリは存在しないものとして扱われる。ベストエフォートであり、
// TTLまでの古さは許容される。
type Cache interface {
	// Get はキーに対応する値を返す。存在しないか期限切れの場合はok=false。
	Get(key string) (value []string, ok bool)
	// Set はキーに値をTTL付きで格納する。
	Set(key string, value []string, ttl time.Duration)
}

// cacheEntry はメモリキャッシュの1エントリ。
type cacheEntry struct {
	value     []string
	expiresAt time.Time
}

// MemoryCache はプロセス内のTTL付きメモリキャッシュ。
type MemoryCache struct {
	// mu はentriesへの並行アクセスを保護するミューテックス。
	mu sync.Mutex
	// entries はキーごとのキャッシュエントリ。
	entries map[string]cacheEntry
	// now は現在時刻の取得関数。テストで差し替える。
	now func() time.Time
}

// NewMemoryCache は新しいメモリキャッシュを生成する。
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

// Get はキーに対応する値を返す。期限切れのエントリはこのタイミングで削除する。
func (c *MemoryCache) Get(key string) ([]string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().After(entry.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	return entry.value, true
}

// Set はキーに値をTTL付きで格納する。
func (c *MemoryCache) Set(key string, value []string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = cacheEntry{
		value:     value,
		expiresAt: c.now().Add(ttl),
	}
}
