// Package sessioncache は固定容量のLRUキャッシュを提供する。
// OAuthハンドシェイク中の一時的な状態の保持にのみ使用し、
// ユーザー・セッションなどの永続エンティティは保持しない。
package sessioncache

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Cache はキー→値の固定容量マップ。最も長く参照されていないエントリから退避する。
// すべての操作は同期的で、並行利用しても安全。
type Cache[V any] struct {
	lru *lru.Cache[string, V]
}

// New は容量sizeのCacheを生成する。sizeは1以上でなければならない。
func New[V any](size int) (*Cache[V], error) {
	c, err := lru.New[string, V](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create session cache: %w", err)
	}
	return &Cache[V]{lru: c}, nil
}

// Get は値を返し、エントリを最新に昇格させる。
func (c *Cache[V]) Get(key string) (V, bool) {
	return c.lru.Get(key)
}

// Peek はエントリを昇格させずに値を返す。
func (c *Cache[V]) Peek(key string) (V, bool) {
	return c.lru.Peek(key)
}

// Set は値を格納する。満杯の場合は最古のエントリを1件退避してから挿入する。
// 退避が発生した場合はtrueを返す。
func (c *Cache[V]) Set(key string, value V) bool {
	return c.lru.Add(key, value)
}

// Destroy はエントリを削除する。存在しないキーは何もしない。
func (c *Cache[V]) Destroy(key string) {
	c.lru.Remove(key)
}

// Clear はすべてのエントリを削除する。
func (c *Cache[V]) Clear() {
	c.lru.Purge()
}

// Len は現在のエントリ数を返す。
func (c *Cache[V]) Len() int {
	return c.lru.Len()
}
