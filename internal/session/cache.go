package session

import (
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
)

// ttlCache 本地 TTL 快取
//
// 系統設計考量：
//   - session 與 ticket 都是短生命週期資料，過期即失效
//   - ristretto 內建 TTL，過期項目由背景清理，不需要自己掃描
//   - Set 是非同步寫入，寫入後呼叫 Wait 確保立即可讀
type ttlCache struct {
	cache *ristretto.Cache
	ttl   time.Duration
}

// newTTLCache 創建快取
// maxItems: 每個項目 cost 為 1，因此 MaxCost 即為最大項目數
func newTTLCache(maxItems int64, ttl time.Duration) (*ttlCache, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxItems * 10,
		MaxCost:     maxItems,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("創建 ristretto 快取失敗: %w", err)
	}

	return &ttlCache{
		cache: cache,
		ttl:   ttl,
	}, nil
}

func (c *ttlCache) set(key string, value any) bool {
	ok := c.cache.SetWithTTL(key, value, 1, c.ttl)
	c.cache.Wait()
	return ok
}

func (c *ttlCache) get(key string) (any, bool) {
	return c.cache.Get(key)
}

func (c *ttlCache) del(key string) {
	c.cache.Del(key)
}

func (c *ttlCache) close() {
	c.cache.Close()
}
