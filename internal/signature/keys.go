package signature

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/liveframe/liveframe/internal/clock"
)

const (
	keyBytes   = 32
	keyIDBytes = 8 // 8 bytes = 16 hex chars
	keyIDLabel = "liveframe-key-id"
)

// StoredKey is the persistence-layer view of a signing key.
type StoredKey struct {
	ID        string
	Key       []byte
	CreatedAt time.Time
	Current   bool
}

// KeyStore persists signing keys across restarts. All methods are
// optional in effect: a nil KeyStore keeps keys in memory only.
type KeyStore interface {
	SaveKey(k StoredKey) error
	LoadKeys() ([]StoredKey, error)
	DeleteKey(id string) error
}

type signingKey struct {
	id        string
	key       []byte
	createdAt time.Time
}

// keyring holds the current signing key plus retired keys kept for
// verification within the retention window.
type keyring struct {
	mu        sync.RWMutex
	current   *signingKey
	retired   map[string]*signingKey
	maxAge    time.Duration
	retention int
	store     KeyStore
	clk       clock.Clock
}

// keyID derives a deterministic identifier from the key material:
// HMAC of a fixed label under the key, truncated.
func keyID(key []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(keyIDLabel))
	return hex.EncodeToString(mac.Sum(nil)[:keyIDBytes])
}

func newKeyring(secret string, maxAge time.Duration, retention int, store KeyStore, clk clock.Clock) (*keyring, error) {
	kr := &keyring{
		retired:   make(map[string]*signingKey),
		maxAge:    maxAge,
		retention: retention,
		store:     store,
		clk:       clk,
	}

	if store != nil {
		recs, err := store.LoadKeys()
		if err != nil {
			return nil, fmt.Errorf("load signing keys: %w", err)
		}
		for _, rec := range recs {
			sk := &signingKey{id: rec.ID, key: rec.Key, createdAt: rec.CreatedAt}
			if rec.Current {
				kr.current = sk
			} else {
				kr.retired[sk.id] = sk
			}
		}
	}

	if kr.current == nil {
		var key []byte
		if secret != "" {
			// Deterministic initial key so a fleet sharing STATE_SECRET
			// can verify each other's envelopes.
			sum := sha256.Sum256([]byte(secret))
			key = sum[:]
		} else {
			key = make([]byte, keyBytes)
			if _, err := rand.Read(key); err != nil {
				return nil, fmt.Errorf("generate signing key: %w", err)
			}
		}
		sk := &signingKey{id: keyID(key), key: key, createdAt: clk.Now()}
		kr.current = sk
		if err := kr.persist(sk, true); err != nil {
			return nil, err
		}
	}
	return kr, nil
}

func (kr *keyring) persist(sk *signingKey, current bool) error {
	if kr.store == nil {
		return nil
	}
	return kr.store.SaveKey(StoredKey{ID: sk.id, Key: sk.key, CreatedAt: sk.createdAt, Current: current})
}

// currentKey returns the active signing key.
func (kr *keyring) currentKey() *signingKey {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	return kr.current
}

// lookup finds a key by id among the current and retired keys.
// The second return reports whether the key is the current one.
func (kr *keyring) lookup(id string) (*signingKey, bool, bool) {
	kr.mu.RLock()
	defer kr.mu.RUnlock()
	if kr.current != nil && kr.current.id == id {
		return kr.current, true, true
	}
	if sk, ok := kr.retired[id]; ok {
		return sk, false, true
	}
	return nil, false, false
}

// rotate generates a new current key, retires the old one, and prunes
// retired keys past the age or count limit (whichever is more restrictive).
func (kr *keyring) rotate() error {
	key := make([]byte, keyBytes)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("generate signing key: %w", err)
	}
	next := &signingKey{id: keyID(key), key: key, createdAt: kr.clk.Now()}

	kr.mu.Lock()
	old := kr.current
	kr.current = next
	if old != nil {
		kr.retired[old.id] = old
	}
	pruned := kr.pruneLocked()
	kr.mu.Unlock()

	if err := kr.persist(next, true); err != nil {
		return err
	}
	if old != nil {
		if err := kr.persist(old, false); err != nil {
			return err
		}
	}
	if kr.store != nil {
		for _, id := range pruned {
			if err := kr.store.DeleteKey(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// pruneLocked removes retired keys beyond the retention limits and
// returns their ids. Caller holds kr.mu.
func (kr *keyring) pruneLocked() []string {
	var removed []string
	now := kr.clk.Now()
	for id, sk := range kr.retired {
		if now.Sub(sk.createdAt) > kr.maxAge {
			delete(kr.retired, id)
			removed = append(removed, id)
		}
	}
	if len(kr.retired) > kr.retention {
		ids := make([]string, 0, len(kr.retired))
		for id := range kr.retired {
			ids = append(ids, id)
		}
		// Oldest first.
		sort.Slice(ids, func(i, j int) bool {
			return kr.retired[ids[i]].createdAt.Before(kr.retired[ids[j]].createdAt)
		})
		for _, id := range ids[:len(kr.retired)-kr.retention] {
			delete(kr.retired, id)
			removed = append(removed, id)
		}
	}
	return removed
}
