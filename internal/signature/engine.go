// Package signature produces and validates integrity-protected state
// envelopes so clients can hold authoritative component state across
// brief disconnects without server-side persistence.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/liveframe/liveframe/internal/clock"
	"github.com/liveframe/liveframe/internal/metrics"
)

// Status tags the outcome of envelope validation.
type Status string

const (
	StatusValid       Status = "valid"
	StatusExpired     Status = "expired"
	StatusTampered    Status = "tampered"
	StatusReplayed    Status = "replayed"
	StatusKeyNotFound Status = "keyNotFound"
	StatusKeyRotated  Status = "keyRotated" // valid, but signed under a retired key
)

// Result is a tagged validation outcome. Callers never see raw crypto
// errors; Reason is the only user-facing explanation.
type Result struct {
	Status Status
	Valid  bool
	Reason string
}

// Envelope is a signed state envelope as carried on the wire. Data may
// be a JSON value, a base64 gzip string, or an "iv:ciphertext" string
// depending on the flags. Every field participates in the signature.
type Envelope struct {
	Data        json.RawMessage `json:"data"`
	Signature   string          `json:"signature"`
	Timestamp   int64           `json:"timestamp"` // ms since epoch
	ComponentID string          `json:"componentId"`
	Version     int             `json:"version"`
	KeyID       string          `json:"keyId"`
	Compressed  bool            `json:"compressed,omitempty"`
	Encrypted   bool            `json:"encrypted,omitempty"`
	Nonce       string          `json:"nonce"`
}

// SignOptions control optional envelope features.
type SignOptions struct {
	Encrypt bool
	Backup  bool
}

// Backup is an in-memory snapshot of a signed state.
type Backup struct {
	Data      json.RawMessage `json:"data"`
	Version   int             `json:"version"`
	Timestamp time.Time       `json:"timestamp"`
	Checksum  string          `json:"checksum"` // sha256 of Data
}

const maxBackupsPerComponent = 10

// MigrationFunc rewrites extracted state from one version to the next.
type MigrationFunc func(data map[string]any) (map[string]any, error)

// Options configure an Engine.
type Options struct {
	StateSecret          string
	MaxKeyAge            time.Duration
	KeyRetentionCount    int
	StateMaxAge          time.Duration
	CompressionEnabled   bool
	CompressionThreshold int
	CompressionLevel     int
}

// Engine signs, validates, and extracts state envelopes, owns the
// signing keyring and the consumed-nonce set.
type Engine struct {
	opts   Options
	keys   *keyring
	nonces *nonceStore
	clk    clock.Clock
	log    *slog.Logger

	mu         sync.Mutex
	backups    map[string][]Backup
	migrations map[string]MigrationFunc
}

// New builds an Engine. store may be nil for memory-only keys.
func New(opts Options, store KeyStore, clk clock.Clock, log *slog.Logger) (*Engine, error) {
	if opts.StateMaxAge <= 0 {
		opts.StateMaxAge = 24 * time.Hour
	}
	kr, err := newKeyring(opts.StateSecret, opts.MaxKeyAge, opts.KeyRetentionCount, store, clk)
	if err != nil {
		return nil, err
	}
	return &Engine{
		opts:       opts,
		keys:       kr,
		nonces:     newNonceStore(clk),
		clk:        clk,
		log:        log,
		backups:    make(map[string][]Backup),
		migrations: make(map[string]MigrationFunc),
	}, nil
}

// canonical serializes the pre-signature payload with deterministically
// sorted keys. encoding/json sorts map keys, which gives the canonical
// form directly.
func canonical(env *Envelope) ([]byte, error) {
	return json.Marshal(map[string]any{
		"componentId": env.ComponentID,
		"compressed":  env.Compressed,
		"data":        env.Data,
		"encrypted":   env.Encrypted,
		"keyId":       env.KeyID,
		"nonce":       env.Nonce,
		"timestamp":   env.Timestamp,
		"version":     env.Version,
	})
}

func sign(payload, key []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Sign produces a signed envelope for the given component state.
func (e *Engine) Sign(componentID string, data any, version int, opts SignOptions) (*Envelope, error) {
	serialized, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("serialize state: %w", err)
	}

	sk := e.keys.currentKey()
	env := &Envelope{
		ComponentID: componentID,
		Version:     version,
		KeyID:       sk.id,
		Timestamp:   e.clk.Now().UnixMilli(),
	}

	payload := serialized
	if e.opts.CompressionEnabled && len(payload) > e.opts.CompressionThreshold {
		encoded, err := gzipCompress(payload, e.opts.CompressionLevel)
		if err != nil {
			return nil, err
		}
		env.Compressed = true
		payload, err = json.Marshal(encoded)
		if err != nil {
			return nil, err
		}
	}

	if opts.Encrypt {
		// Encrypt the serialized (possibly compressed) payload.
		var plain []byte
		if env.Compressed {
			var s string
			if err := json.Unmarshal(payload, &s); err != nil {
				return nil, err
			}
			plain = []byte(s)
		} else {
			plain = payload
		}
		ct, err := encrypt(plain, sk.key)
		if err != nil {
			return nil, err
		}
		env.Encrypted = true
		payload, err = json.Marshal(ct)
		if err != nil {
			return nil, err
		}
	}
	env.Data = payload

	nonce, err := newNonce()
	if err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	env.Nonce = nonce

	canon, err := canonical(env)
	if err != nil {
		return nil, err
	}
	env.Signature = sign(canon, sk.key)

	if opts.Backup {
		e.snapshot(componentID, env)
	}
	metrics.StateSignatures.WithLabelValues("sign").Inc()
	return env, nil
}

// Validate checks an envelope in order: age, replay, key lookup,
// signature. On success the nonce is consumed unless readOnly is set.
func (e *Engine) Validate(env *Envelope, readOnly bool) Result {
	if env == nil || env.Nonce == "" || env.Signature == "" {
		metrics.StateSignatures.WithLabelValues("tampered").Inc()
		return Result{Status: StatusTampered, Reason: "malformed envelope"}
	}

	age := e.clk.Now().Sub(time.UnixMilli(env.Timestamp))
	if age > e.opts.StateMaxAge {
		metrics.StateSignatures.WithLabelValues("expired").Inc()
		return Result{Status: StatusExpired, Reason: "signed state has expired"}
	}

	if e.nonces.seen(env.Nonce) {
		metrics.StateSignatures.WithLabelValues("replayed").Inc()
		return Result{Status: StatusReplayed, Reason: "State already consumed - replay attack detected"}
	}

	sk, current, ok := e.keys.lookup(env.KeyID)
	if !ok {
		metrics.StateSignatures.WithLabelValues("key_not_found").Inc()
		return Result{Status: StatusKeyNotFound, Reason: "signing key not found or expired"}
	}

	canon, err := canonical(env)
	if err != nil {
		return Result{Status: StatusTampered, Reason: "malformed envelope"}
	}
	expect := sign(canon, sk.key)
	if !hmac.Equal([]byte(expect), []byte(env.Signature)) {
		metrics.StateSignatures.WithLabelValues("tampered").Inc()
		return Result{Status: StatusTampered, Reason: "signature verification failed"}
	}

	if !readOnly {
		if !e.nonces.consume(env.Nonce) {
			metrics.StateSignatures.WithLabelValues("replayed").Inc()
			return Result{Status: StatusReplayed, Reason: "State already consumed - replay attack detected"}
		}
	}

	if !current {
		metrics.StateSignatures.WithLabelValues("key_rotated").Inc()
		return Result{Status: StatusKeyRotated, Valid: true}
	}
	metrics.StateSignatures.WithLabelValues("valid").Inc()
	return Result{Status: StatusValid, Valid: true}
}

// Extract recovers the state mapping from an envelope: decrypt if
// flagged, decompress if flagged, then parse. Extraction does not
// verify or consume; callers Validate first.
func (e *Engine) Extract(env *Envelope) (map[string]any, error) {
	payload := []byte(env.Data)

	if env.Encrypted {
		sk, _, ok := e.keys.lookup(env.KeyID)
		if !ok {
			return nil, fmt.Errorf("signing key %s not found", env.KeyID)
		}
		var ct string
		if err := json.Unmarshal(payload, &ct); err != nil {
			return nil, fmt.Errorf("malformed encrypted payload: %w", err)
		}
		plain, err := decrypt(ct, sk.key)
		if err != nil {
			return nil, err
		}
		if env.Compressed {
			payload, err = json.Marshal(string(plain))
			if err != nil {
				return nil, err
			}
		} else {
			payload = plain
		}
	}

	if env.Compressed {
		var encoded string
		if err := json.Unmarshal(payload, &encoded); err != nil {
			return nil, fmt.Errorf("malformed compressed payload: %w", err)
		}
		raw, err := gzipDecompress(encoded)
		if err != nil {
			return nil, err
		}
		payload = raw
	}

	var data map[string]any
	if err := json.Unmarshal(payload, &data); err != nil {
		return nil, fmt.Errorf("parse state: %w", err)
	}
	return data, nil
}

// Rotate generates a new signing key; retired keys keep verifying
// within the retention limits.
func (e *Engine) Rotate() error {
	if err := e.keys.rotate(); err != nil {
		return err
	}
	metrics.KeyRotations.Inc()
	e.log.Info("signing key rotated", "key_id", e.keys.currentKey().id)
	return nil
}

// CurrentKeyID returns the id of the active signing key.
func (e *Engine) CurrentKeyID() string {
	return e.keys.currentKey().id
}

// SweepNonces drops consumed nonces past the state max age.
func (e *Engine) SweepNonces() {
	if removed := e.nonces.sweep(e.opts.StateMaxAge); removed > 0 {
		e.log.Debug("nonce sweep", "removed", removed, "remaining", e.nonces.size())
	}
}

// NonceCount reports how many consumed nonces are held.
func (e *Engine) NonceCount() int {
	return e.nonces.size()
}

// RegisterMigration installs a state migration for fromVersion→toVersion.
func (e *Engine) RegisterMigration(fromVersion, toVersion int, fn MigrationFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.migrations[migrationKey(fromVersion, toVersion)] = fn
}

func migrationKey(from, to int) string {
	return fmt.Sprintf("%d->%d", from, to)
}

// Migrate extracts an envelope's state, applies the registered migration
// function, and re-signs at the new version with a fresh nonce.
func (e *Engine) Migrate(env *Envelope, fromVersion, toVersion int) (*Envelope, error) {
	e.mu.Lock()
	fn, ok := e.migrations[migrationKey(fromVersion, toVersion)]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no migration registered for %s", migrationKey(fromVersion, toVersion))
	}
	if env.Version != fromVersion {
		return nil, fmt.Errorf("envelope version %d does not match migration source %d", env.Version, fromVersion)
	}

	data, err := e.Extract(env)
	if err != nil {
		return nil, fmt.Errorf("extract for migration: %w", err)
	}
	migrated, err := fn(data)
	if err != nil {
		return nil, fmt.Errorf("migration %s: %w", migrationKey(fromVersion, toVersion), err)
	}
	return e.Sign(env.ComponentID, migrated, toVersion, SignOptions{Encrypt: env.Encrypted})
}

// snapshot records an in-memory backup, keeping at most
// maxBackupsPerComponent per component.
func (e *Engine) snapshot(componentID string, env *Envelope) {
	sum := sha256.Sum256(env.Data)
	b := Backup{
		Data:      append(json.RawMessage(nil), env.Data...),
		Version:   env.Version,
		Timestamp: e.clk.Now(),
		Checksum:  hex.EncodeToString(sum[:]),
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	list := append(e.backups[componentID], b)
	if len(list) > maxBackupsPerComponent {
		list = list[len(list)-maxBackupsPerComponent:]
	}
	e.backups[componentID] = list
}

// Backups returns the retained snapshots for a component, oldest first.
func (e *Engine) Backups(componentID string) []Backup {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Backup, len(e.backups[componentID]))
	copy(out, e.backups[componentID])
	return out
}

// DropBackups discards a component's snapshots (called on unmount).
func (e *Engine) DropBackups(componentID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.backups, componentID)
}
