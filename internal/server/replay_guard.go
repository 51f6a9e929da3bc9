package server

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// replayGuardSize bounds the per-session window of recently seen msg_ids.
const replayGuardSize = 512

// replayGuard drops repeated msg_ids within one session. Sequence numbers
// are logged but not enforced, so this is the only replay protection beyond
// the signature+timestamp pair.
type replayGuard struct {
	cache *lru.Cache[string, struct{}]
}

func newReplayGuard() *replayGuard {
	cache, err := lru.New[string, struct{}](replayGuardSize)
	if err != nil {
		// Only reachable with a non-positive size constant.
		panic(err)
	}
	return &replayGuard{cache: cache}
}

// seen records msgID and reports whether it was already present. Empty IDs
// are never deduplicated.
func (g *replayGuard) seen(msgID string) bool {
	if msgID == "" {
		return false
	}
	if g.cache.Contains(msgID) {
		return true
	}
	g.cache.Add(msgID, struct{}{})
	return false
}
