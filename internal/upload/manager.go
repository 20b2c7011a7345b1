// Package upload implements chunked file uploads with content
// validation, per-user quotas, and idle-upload sweeping.
package upload

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/liveframe/liveframe/internal/clock"
	"github.com/liveframe/liveframe/internal/metrics"
	"github.com/liveframe/liveframe/internal/store"
)

const (
	maxFileBytes   = 50 << 20  // per-file ceiling
	userQuotaBytes = 500 << 20 // per-user 24h ceiling
	quotaWindow    = 24 * time.Hour
	maxFilenameLen = 255

	defaultChunkTimeout = 30 * time.Second
)

// Validation and protocol errors.
var (
	ErrDuplicateUpload  = errors.New("upload id already in use")
	ErrUploadNotFound   = errors.New("upload not found")
	ErrTooLarge         = errors.New("file exceeds maximum upload size")
	ErrQuotaExceeded    = errors.New("user upload quota exceeded")
	ErrMIMENotAllowed   = errors.New("file type not allowed")
	ErrBlockedExtension = errors.New("file extension not allowed")
	ErrInvalidFilename  = errors.New("invalid filename")
	ErrFilenameTooLong  = errors.New("filename too long")
	ErrChunkOutOfRange  = errors.New("chunk index out of range")
	ErrIncomplete       = errors.New("received bytes do not match declared size")
)

// Ledger charges accepted uploads against per-user quota windows.
// Implemented by store.Store.
type Ledger interface {
	AppendQuota(entry store.QuotaEntry) error
	QuotaUsed(userID string, since time.Time) (int64, error)
}

// Auditor records upload rejections. Optional.
type Auditor interface {
	RecordRejection(userID, filename, reason string, at time.Time)
}

// Upload is one in-flight chunked transfer.
type Upload struct {
	ID           string
	ComponentID  string
	UserID       string
	Filename     string // sanitized basename
	MIME         string
	DeclaredSize int64
	TotalChunks  int
	StartedAt    time.Time

	mu          sync.Mutex
	chunks      map[int][]byte
	bytesRecv   int64
	lastChunkAt time.Time
}

// BytesReceived returns the running byte count.
func (u *Upload) BytesReceived() int64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.bytesRecv
}

// ChunksReceived returns how many distinct chunk indexes have arrived.
func (u *Upload) ChunksReceived() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.chunks)
}

// StartRequest declares a new upload.
type StartRequest struct {
	UploadID     string
	ComponentID  string
	UserID       string
	Filename     string
	MIME         string
	DeclaredSize int64
	TotalChunks  int
}

// Manager tracks active uploads and finalizes them to the upload
// directory.
type Manager struct {
	dir          string
	chunkTimeout time.Duration
	ledger       Ledger
	audit        Auditor
	clk          clock.Clock
	log          *slog.Logger

	mu      sync.Mutex
	uploads map[string]*Upload
}

// NewManager creates a Manager writing completed files to dir.
func NewManager(dir string, ledger Ledger, audit Auditor, clk clock.Clock, log *slog.Logger) *Manager {
	return &Manager{
		dir:          dir,
		chunkTimeout: defaultChunkTimeout,
		ledger:       ledger,
		audit:        audit,
		clk:          clk,
		log:          log,
		uploads:      make(map[string]*Upload),
	}
}

// Start validates and registers a new upload. Accepted uploads are
// charged against the user's 24h quota window immediately.
func (m *Manager) Start(req StartRequest) (*Upload, error) {
	now := m.clk.Now()

	if req.DeclaredSize <= 0 || req.TotalChunks <= 0 {
		return nil, m.reject(req, fmt.Errorf("%w: size and chunk count must be positive", ErrInvalidFilename))
	}
	if req.DeclaredSize > maxFileBytes {
		return nil, m.reject(req, fmt.Errorf("%w: %d bytes (max %d)", ErrTooLarge, req.DeclaredSize, int64(maxFileBytes)))
	}
	if !allowedMIMEs[req.MIME] {
		return nil, m.reject(req, fmt.Errorf("%w: %q", ErrMIMENotAllowed, req.MIME))
	}
	clean, err := sanitizeFilename(req.Filename)
	if err != nil {
		return nil, m.reject(req, fmt.Errorf("%w: %q", err, req.Filename))
	}

	if m.ledger != nil && req.UserID != "" {
		used, err := m.ledger.QuotaUsed(req.UserID, now.Add(-quotaWindow))
		if err != nil {
			return nil, fmt.Errorf("read quota ledger: %w", err)
		}
		if used+req.DeclaredSize > userQuotaBytes {
			return nil, m.reject(req, fmt.Errorf("%w: %d of %d bytes used", ErrQuotaExceeded, used, int64(userQuotaBytes)))
		}
	}

	m.mu.Lock()
	if _, exists := m.uploads[req.UploadID]; exists {
		m.mu.Unlock()
		return nil, m.reject(req, fmt.Errorf("%w: %q", ErrDuplicateUpload, req.UploadID))
	}
	u := &Upload{
		ID:           req.UploadID,
		ComponentID:  req.ComponentID,
		UserID:       req.UserID,
		Filename:     clean,
		MIME:         req.MIME,
		DeclaredSize: req.DeclaredSize,
		TotalChunks:  req.TotalChunks,
		StartedAt:    now,
		chunks:       make(map[int][]byte, req.TotalChunks),
		lastChunkAt:  now,
	}
	m.uploads[req.UploadID] = u
	m.mu.Unlock()

	if m.ledger != nil && req.UserID != "" {
		if err := m.ledger.AppendQuota(store.QuotaEntry{
			UserID:     req.UserID,
			Bytes:      req.DeclaredSize,
			AcceptedAt: now,
		}); err != nil {
			m.log.Warn("quota ledger append failed", "upload_id", req.UploadID, "error", err)
		}
	}

	m.log.Debug("upload started", "upload_id", u.ID, "filename", clean,
		"size", req.DeclaredSize, "chunks", req.TotalChunks)
	return u, nil
}

func (m *Manager) reject(req StartRequest, err error) error {
	metrics.UploadsTotal.WithLabelValues("rejected").Inc()
	if m.audit != nil {
		m.audit.RecordRejection(req.UserID, req.Filename, err.Error(), m.clk.Now())
	}
	return err
}

// Chunk stores one chunk. Duplicate indexes are idempotent; completion
// is never inferred from byte counts.
func (m *Manager) Chunk(uploadID string, index int, data []byte) error {
	m.mu.Lock()
	u, ok := m.uploads[uploadID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUploadNotFound, uploadID)
	}

	if index < 0 || index >= u.TotalChunks {
		return fmt.Errorf("%w: %d of %d", ErrChunkOutOfRange, index, u.TotalChunks)
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	u.lastChunkAt = m.clk.Now()
	if _, dup := u.chunks[index]; dup {
		return nil
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	u.chunks[index] = cp
	u.bytesRecv += int64(len(data))
	return nil
}

// Complete finalizes an upload: byte-count check, magic-byte validation
// of chunk 0 against the claimed MIME, then ordered assembly to
// "<uuid><ext>" in the upload directory. Returns the served URL.
func (m *Manager) Complete(uploadID string) (string, error) {
	m.mu.Lock()
	u, ok := m.uploads[uploadID]
	m.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUploadNotFound, uploadID)
	}

	u.mu.Lock()
	received := u.bytesRecv
	head := u.chunks[0]
	chunkCount := len(u.chunks)
	u.mu.Unlock()

	if received != u.DeclaredSize || chunkCount != u.TotalChunks {
		return "", fmt.Errorf("%w: got %d bytes in %d chunks, declared %d bytes in %d chunks",
			ErrIncomplete, received, chunkCount, u.DeclaredSize, u.TotalChunks)
	}

	if !matchesMagic(u.MIME, head) {
		m.drop(uploadID)
		metrics.UploadsTotal.WithLabelValues("rejected").Inc()
		err := fmt.Errorf("File content does not match claimed type '%s' (magic byte validation failed)", u.MIME)
		if m.audit != nil {
			m.audit.RecordRejection(u.UserID, u.Filename, err.Error(), m.clk.Now())
		}
		return "", err
	}

	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}

	name := uuid.NewString() + strings.ToLower(filepath.Ext(u.Filename))
	path := filepath.Join(m.dir, name)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create upload file: %w", err)
	}

	u.mu.Lock()
	for i := 0; i < u.TotalChunks; i++ {
		if _, err = f.Write(u.chunks[i]); err != nil {
			break
		}
	}
	u.mu.Unlock()
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return "", fmt.Errorf("write upload file: %w", err)
	}

	m.drop(uploadID)
	metrics.UploadsTotal.WithLabelValues("completed").Inc()
	metrics.UploadBytes.Add(float64(received))
	m.log.Info("upload completed", "upload_id", uploadID, "file", name, "bytes", received)
	return "/uploads/" + name, nil
}

// Abort drops an in-flight upload without finalizing it.
func (m *Manager) Abort(uploadID string) {
	m.drop(uploadID)
}

func (m *Manager) drop(uploadID string) {
	m.mu.Lock()
	delete(m.uploads, uploadID)
	m.mu.Unlock()
}

// Get returns an active upload.
func (m *Manager) Get(uploadID string) (*Upload, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.uploads[uploadID]
	return u, ok
}

// Active returns the number of in-flight uploads.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.uploads)
}

// CleanupComponent aborts every upload owned by the component. Called
// when the component unmounts or its connection drops.
func (m *Manager) CleanupComponent(componentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, u := range m.uploads {
		if u.ComponentID == componentID {
			delete(m.uploads, id)
		}
	}
}

// Sweep drops uploads with no chunk activity for twice the per-chunk
// timeout. Run periodically by the maintenance scheduler.
func (m *Manager) Sweep() int {
	cutoff := m.clk.Now().Add(-2 * m.chunkTimeout)
	m.mu.Lock()
	defer m.mu.Unlock()
	var dropped int
	for id, u := range m.uploads {
		u.mu.Lock()
		stale := u.lastChunkAt.Before(cutoff)
		u.mu.Unlock()
		if stale {
			delete(m.uploads, id)
			dropped++
			metrics.UploadsTotal.WithLabelValues("expired").Inc()
		}
	}
	if dropped > 0 {
		m.log.Debug("swept stale uploads", "count", dropped)
	}
	return dropped
}
