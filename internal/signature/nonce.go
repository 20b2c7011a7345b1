package signature

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/liveframe/liveframe/internal/clock"
)

// nonceStore records consumed envelope nonces so a signed state can be
// rehydrated at most once. Entries expire on the same horizon as the
// state max age and are removed by the periodic sweep.
type nonceStore struct {
	mu       sync.Mutex
	consumed map[string]time.Time
	clk      clock.Clock
}

func newNonceStore(clk clock.Clock) *nonceStore {
	return &nonceStore{consumed: make(map[string]time.Time), clk: clk}
}

// seen reports whether the nonce has already been consumed.
func (n *nonceStore) seen(nonce string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.consumed[nonce]
	return ok
}

// consume marks a nonce used. Returns false if it was already consumed.
func (n *nonceStore) consume(nonce string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.consumed[nonce]; ok {
		return false
	}
	n.consumed[nonce] = n.clk.Now()
	return true
}

// sweep drops consumed nonces older than maxAge. Envelopes that old are
// rejected as expired before the replay check ever runs.
func (n *nonceStore) sweep(maxAge time.Duration) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	cutoff := n.clk.Now().Add(-maxAge)
	removed := 0
	for nonce, at := range n.consumed {
		if at.Before(cutoff) {
			delete(n.consumed, nonce)
			removed++
		}
	}
	return removed
}

func (n *nonceStore) size() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.consumed)
}

// newNonce returns 128 bits of randomness, hex encoded.
func newNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
