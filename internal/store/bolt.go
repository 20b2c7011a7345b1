// Package store wraps a BoltDB database for liveframe persistence:
// signing keys (so client-held envelopes survive restarts), the
// per-user upload quota ledger, and the audit log.
package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketKeys  = []byte("signing_keys")
	bucketQuota = []byte("upload_quota")
	bucketAudit = []byte("audit_log")
)

// maxAuditEntries bounds the audit bucket; oldest entries are pruned on append.
const maxAuditEntries = 10000

// KeyRecord is a persisted signing key.
type KeyRecord struct {
	ID        string    `json:"id"`
	Key       []byte    `json:"key"`
	CreatedAt time.Time `json:"created_at"`
	Current   bool      `json:"current"`
}

// QuotaEntry is one accepted upload charged against a user's 24h window.
type QuotaEntry struct {
	UserID     string    `json:"user_id"`
	Bytes      int64     `json:"bytes"`
	AcceptedAt time.Time `json:"accepted_at"`
}

// AuditEntry records an auth denial or upload rejection.
type AuditEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"` // "auth_denied", "upload_rejected", ...
	UserID    string    `json:"user_id,omitempty"`
	Subject   string    `json:"subject,omitempty"` // component, room, or filename
	Reason    string    `json:"reason"`
}

// Store wraps a BoltDB database.
type Store struct {
	db *bolt.DB
}

// Open creates or opens a BoltDB database at the given path and ensures
// all required buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketKeys, bucketQuota, bucketAudit} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying BoltDB.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- Signing keys ---

// SaveKey persists a signing key. When current is true, any previously
// current key is demoted in the same transaction.
func (s *Store) SaveKey(rec KeyRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketKeys)
		if rec.Current {
			c := b.Cursor()
			for k, v := c.First(); k != nil; k, v = c.Next() {
				var old KeyRecord
				if err := json.Unmarshal(v, &old); err != nil {
					continue
				}
				if old.Current && old.ID != rec.ID {
					old.Current = false
					data, err := json.Marshal(old)
					if err != nil {
						return err
					}
					if err := b.Put(k, data); err != nil {
						return err
					}
				}
			}
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(rec.ID), data)
	})
}

// LoadKeys returns all persisted signing keys.
func (s *Store) LoadKeys() ([]KeyRecord, error) {
	var out []KeyRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKeys).ForEach(func(k, v []byte) error {
			var rec KeyRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode key %s: %w", k, err)
			}
			out = append(out, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteKey removes a retired signing key.
func (s *Store) DeleteKey(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKeys).Delete([]byte(id))
	})
}

// --- Upload quota ledger ---

// AppendQuota charges an accepted upload against a user's ledger.
// Key format: "{userID}::{unixNano}" for chronological iteration.
func (s *Store) AppendQuota(entry QuotaEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketQuota)
		key := []byte(fmt.Sprintf("%s::%d", entry.UserID, entry.AcceptedAt.UnixNano()))
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

// QuotaUsed sums the bytes a user has been charged since the cutoff.
func (s *Store) QuotaUsed(userID string, since time.Time) (int64, error) {
	var total int64
	prefix := []byte(userID + "::")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketQuota).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var entry QuotaEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				continue
			}
			if entry.AcceptedAt.After(since) {
				total += entry.Bytes
			}
		}
		return nil
	})
	return total, err
}

// PruneQuota deletes ledger entries older than the cutoff across all users.
func (s *Store) PruneQuota(before time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketQuota)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var entry QuotaEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				continue
			}
			if entry.AcceptedAt.Before(before) {
				if err := c.Delete(); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// --- Audit log ---

// AppendAudit writes an audit entry, pruning the oldest entries when the
// bucket exceeds maxAuditEntries.
func (s *Store) AppendAudit(entry AuditEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAudit)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		if err := b.Put(key, data); err != nil {
			return err
		}
		// Prune from the front once over capacity.
		if b.Stats().KeyN+1 > maxAuditEntries {
			c := b.Cursor()
			for k, _ := c.First(); k != nil && b.Stats().KeyN+1 > maxAuditEntries; k, _ = c.First() {
				if err := b.Delete(k); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// ListAudit returns up to limit audit entries, newest first.
func (s *Store) ListAudit(limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []AuditEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketAudit).Cursor()
		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			var entry AuditEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				continue
			}
			out = append(out, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	return string(k[:len(prefix)]) == string(prefix)
}
