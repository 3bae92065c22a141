package verifier

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	gocache "github.com/patrickmn/go-cache"

	"GeoAttest-Chain/pkg/plugin"
)

// Memo remembers stamps that a plugin version already accepted. Rejections
// are not kept: a verdict such as "timestamp in the future" can change with
// the clock.
type Memo struct {
	cache *gocache.Cache
}

// NewMemo creates a memo whose entries expire after ttl.
func NewMemo(ttl time.Duration) *Memo {
	cleanup := ttl * 2
	if ttl <= 0 {
		ttl = gocache.NoExpiration
		cleanup = 0
	}
	return &Memo{cache: gocache.New(ttl, cleanup)}
}

func memoKey(info plugin.Info, ref common.Hash) string {
	return info.Name + "|" + info.Version + "|" + ref.Hex()
}

// Accepted reports whether the stamp digest was accepted before.
func (m *Memo) Accepted(info plugin.Info, ref common.Hash) bool {
	_, ok := m.cache.Get(memoKey(info, ref))
	return ok
}

// Put remembers res when it accepts the stamp and ignores it otherwise.
func (m *Memo) Put(info plugin.Info, ref common.Hash, res plugin.VerificationResult) {
	if !res.Valid {
		return
	}
	m.cache.SetDefault(memoKey(info, ref), struct{}{})
}

// Len returns the number of unexpired entries.
func (m *Memo) Len() int {
	return m.cache.ItemCount()
}

// Flush drops every entry.
func (m *Memo) Flush() {
	m.cache.Flush()
}
