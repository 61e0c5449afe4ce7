package sync

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/perch-reader/perch/internal/store"
)

// Manager owns the device's sync identity: the stable device id, the
// logical clock, the transport repository path, and the export/import
// watermarks. All state lives in the sync_meta table so it survives
// restarts. Clock increments are read-modify-write under a mutex and
// must persist before the new value is handed out.
type Manager struct {
	mu     sync.Mutex
	db     *store.DB
	logger *log.Logger

	deviceID string // cached after first load
}

// NewManager creates a Manager backed by db. logger may be nil.
func NewManager(db *store.DB, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	return &Manager{db: db, logger: logger}
}

// DeviceID returns the stable device identifier, generating and
// persisting one on first use.
func (m *Manager) DeviceID(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.deviceID != "" {
		return m.deviceID, nil
	}

	id, err := m.db.GetMeta(ctx, store.MetaDeviceID)
	if err != nil {
		return "", fmt.Errorf("failed to load device id: %w", err)
	}
	if id == "" {
		id = uuid.New().String()
		if err := m.db.SetMeta(ctx, store.MetaDeviceID, id); err != nil {
			return "", fmt.Errorf("failed to persist device id: %w", err)
		}
		m.logger.Printf("generated device id %s", id)
	}
	m.deviceID = id
	return id, nil
}

// Clock returns the current logical clock value without advancing it.
func (m *Manager) Clock(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readClock(ctx)
}

// NextClock atomically increments the logical clock and returns the new
// value. The increment is persisted before the value is returned; a
// persistence failure means no value is handed out.
func (m *Manager) NextClock(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, err := m.readClock(ctx)
	if err != nil {
		return 0, err
	}
	next := current + 1
	if err := m.db.SetMeta(ctx, store.MetaLogicalClock, strconv.FormatInt(next, 10)); err != nil {
		return 0, fmt.Errorf("failed to persist logical clock: %w", err)
	}
	return next, nil
}

func (m *Manager) readClock(ctx context.Context) (int64, error) {
	raw, err := m.db.GetMeta(ctx, store.MetaLogicalClock)
	if err != nil {
		return 0, fmt.Errorf("failed to load logical clock: %w", err)
	}
	if raw == "" {
		return 0, nil
	}
	clock, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt logical clock value %q: %w", raw, err)
	}
	return clock, nil
}

// RepoPath returns the configured transport directory, or "" when sync
// is disabled.
func (m *Manager) RepoPath(ctx context.Context) (string, error) {
	return m.db.GetMeta(ctx, store.MetaRepoPath)
}

// SetRepoPath configures the transport directory. An empty path
// disables sync.
func (m *Manager) SetRepoPath(ctx context.Context, path string) error {
	return m.db.SetMeta(ctx, store.MetaRepoPath, path)
}

// LastExportAt returns the export watermark, zero when never exported.
func (m *Manager) LastExportAt(ctx context.Context) (time.Time, error) {
	return m.readWatermark(ctx, store.MetaLastExportAt)
}

// SetLastExportAt advances the export watermark.
func (m *Manager) SetLastExportAt(ctx context.Context, t time.Time) error {
	return m.db.SetMeta(ctx, store.MetaLastExportAt, t.UTC().Format(time.RFC3339))
}

// LastImportAt returns the import watermark, zero when never imported.
func (m *Manager) LastImportAt(ctx context.Context) (time.Time, error) {
	return m.readWatermark(ctx, store.MetaLastImportAt)
}

// SetLastImportAt advances the import watermark.
func (m *Manager) SetLastImportAt(ctx context.Context, t time.Time) error {
	return m.db.SetMeta(ctx, store.MetaLastImportAt, t.UTC().Format(time.RFC3339))
}

func (m *Manager) readWatermark(ctx context.Context, key string) (time.Time, error) {
	raw, err := m.db.GetMeta(ctx, key)
	if err != nil || raw == "" {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("corrupt watermark %s=%q: %w", key, raw, err)
	}
	return t, nil
}
