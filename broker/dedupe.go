package broker

import (
	"sync"

	"github.com/ipfs-force-community/sophon-keeper/types"
)

// DedupeGuard is a per-key reentrancy guard for side-effecting namespaces.
// A key on the blacklist with a call already in flight fails immediately
// instead of queueing, so hazardous operations (repeated transaction
// submission) cannot silently build up.
type DedupeGuard struct {
	lk        sync.Mutex
	blacklist map[string]struct{}
	inflight  map[string]int
}

func NewDedupeGuard(blacklist []string) *DedupeGuard {
	g := &DedupeGuard{
		blacklist: make(map[string]struct{}, len(blacklist)),
		inflight:  make(map[string]int),
	}
	for _, key := range blacklist {
		g.blacklist[key] = struct{}{}
	}
	return g
}

// Enter claims key for the duration of a call. The returned release func
// must be called exactly once.
func (g *DedupeGuard) Enter(key string) (func(), error) {
	g.lk.Lock()
	defer g.lk.Unlock()

	if _, hazardous := g.blacklist[key]; hazardous && g.inflight[key] > 0 {
		return nil, types.ErrTransactionRejected.WithData(key)
	}
	g.inflight[key]++

	var once sync.Once
	return func() {
		once.Do(func() {
			g.lk.Lock()
			defer g.lk.Unlock()
			if g.inflight[key]--; g.inflight[key] <= 0 {
				delete(g.inflight, key)
			}
		})
	}, nil
}
