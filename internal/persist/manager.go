package persist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hollowlog/parley/internal/conversation"
	"github.com/hollowlog/parley/internal/snapshot"
)

// Phase tracks the manager lifecycle.
type Phase int32

const (
	PhaseUninitialized Phase = iota
	PhaseLoading
	PhaseReady
)

func (p Phase) String() string {
	switch p {
	case PhaseLoading:
		return "loading"
	case PhaseReady:
		return "ready"
	default:
		return "uninitialized"
	}
}

// Config controls save cadence and pruning behavior.
type Config struct {
	// MaxAge is the record retention window for age-based pruning (default 7 days).
	MaxAge time.Duration
	// AggressiveSizeBytes halves MaxAge for a pruning pass when the stored
	// snapshot exceeds it (default 10 MiB). Zero disables the aggressive mode.
	AggressiveSizeBytes int64
	// SaveInterval is the periodic save cadence (default 5 minutes).
	SaveInterval time.Duration
}

const (
	DefaultMaxAge              = 7 * 24 * time.Hour
	DefaultAggressiveSizeBytes = 10 << 20
	DefaultSaveInterval        = 5 * time.Minute
)

func (c *Config) normalize() {
	if c.MaxAge <= 0 {
		c.MaxAge = DefaultMaxAge
	}
	if c.AggressiveSizeBytes < 0 {
		c.AggressiveSizeBytes = DefaultAggressiveSizeBytes
	}
	if c.SaveInterval <= 0 {
		c.SaveInterval = DefaultSaveInterval
	}
}

// Manager drives snapshot persistence for one store: startup load with
// corruption recovery, dirty-flag saves on a timer, and a final forced save
// at shutdown. Saves serialize a copy of the store state, so reads and
// appends are never blocked while a save is in flight.
type Manager struct {
	backend Backend
	store   *conversation.Store
	cfg     Config
	logger  *slog.Logger

	phase  atomic.Int32
	saving atomic.Bool

	mu       sync.Mutex
	lastSave time.Time

	timerMu sync.Mutex
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewManager creates a manager over the given backend and store.
func NewManager(backend Backend, store *conversation.Store, cfg Config, logger *slog.Logger) *Manager {
	cfg.normalize()
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		backend: backend,
		store:   store,
		cfg:     cfg,
		logger:  logger,
	}
}

// Phase returns the current lifecycle phase.
func (m *Manager) Phase() Phase { return Phase(m.phase.Load()) }

// Saving reports whether a save is currently in flight.
func (m *Manager) Saving() bool { return m.saving.Load() }

// LastSave returns the time of the last successful save.
func (m *Manager) LastSave() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSave
}

// Load hydrates the store from the backend. An absent snapshot creates and
// writes an empty default; a corrupt one goes through structural repair, then
// the backup, and finally degrades to an empty store with the loss logged.
// Age pruning runs immediately after a successful load. Load never fails the
// caller for corruption, only for unexpected backend errors when writing the
// initial default.
func (m *Manager) Load(ctx context.Context) error {
	m.phase.Store(int32(PhaseLoading))

	data, err := m.backend.Read(ctx)
	switch {
	case errors.Is(err, ErrNotFound):
		m.store.Restore(nil, nil)
		if _, err := m.writeCurrent(ctx); err != nil {
			m.phase.Store(int32(PhaseReady))
			return fmt.Errorf("write initial snapshot: %w", err)
		}
		m.logger.Info("no snapshot found, starting empty")
		m.phase.Store(int32(PhaseReady))
		return nil
	case err != nil:
		// Unreadable backend degrades like corruption: try the backup.
		m.logger.Error("snapshot read failed", "error", err)
		data = nil
	}

	file := m.decodeWithRecovery(ctx, data)
	m.store.Restore(file.Conversations, file.Timestamps)

	removed := m.PruneByAge(ctx, time.Now())
	if removed > 0 {
		m.logger.Info("pruned conversations on load", "removed", removed)
	}
	m.phase.Store(int32(PhaseReady))
	m.logger.Info("conversation store loaded",
		"identities", m.store.Count(), "snapshotVersion", file.Version)
	return nil
}

// decodeWithRecovery walks the recovery ladder: decode, structural repair,
// backup, empty store.
func (m *Manager) decodeWithRecovery(ctx context.Context, data []byte) *snapshot.File {
	if data != nil {
		file, err := snapshot.Decode(data)
		if err == nil {
			return file
		}
		m.logger.Warn("snapshot corrupt, attempting repair", "error", err)

		if repaired, ok := snapshot.Repair(data); ok {
			if file, err := snapshot.Decode(repaired); err == nil {
				m.logger.Info("snapshot repaired structurally")
				return file
			}
		}
	}

	backup, err := m.backend.ReadBackup(ctx)
	if err == nil {
		if file, err := snapshot.Decode(backup); err == nil {
			m.logger.Warn("snapshot recovered from backup")
			return file
		}
		m.logger.Error("snapshot backup also corrupt")
	} else if !errors.Is(err, ErrNotFound) {
		m.logger.Error("snapshot backup unreadable", "error", err)
	}

	m.logger.Error("conversation history lost, starting empty")
	return snapshot.New(nil, nil)
}

// Save persists the store when it is dirty, or unconditionally when force is
// set. Returns whether a snapshot was written. A failed save keeps the dirty
// flag so the next timer tick retries. Clean-marking is generation-checked:
// an append that lands while the snapshot is being written leaves the store
// dirty, so the next cycle captures it.
func (m *Manager) Save(ctx context.Context, force bool) (bool, error) {
	if !force && !m.store.Dirty() {
		return false, nil
	}

	m.saving.Store(true)
	defer m.saving.Store(false)

	gen, err := m.writeCurrent(ctx)
	if err != nil {
		m.logger.Error("snapshot save failed", "error", err)
		return false, err
	}

	m.store.MarkCleanIf(gen)
	m.mu.Lock()
	m.lastSave = time.Now()
	m.mu.Unlock()
	m.logger.Debug("snapshot saved", "identities", m.store.Count())
	return true, nil
}

// writeCurrent snapshots the store and writes it to the backend, returning
// the store generation the snapshot was exported at.
func (m *Manager) writeCurrent(ctx context.Context) (uint64, error) {
	conversations, timestamps, gen := m.store.Export()
	data, err := snapshot.New(conversations, timestamps).Encode()
	if err != nil {
		return 0, err
	}
	return gen, m.backend.Write(ctx, data)
}

// PruneByAge removes records older than the retention window. When the
// stored snapshot has grown past the aggressive threshold, the window is
// halved for this pass only. Returns the number of records removed.
func (m *Manager) PruneByAge(ctx context.Context, now time.Time) int {
	maxAge := m.cfg.MaxAge
	if m.cfg.AggressiveSizeBytes > 0 {
		if size, err := m.backend.Size(ctx); err == nil && size > m.cfg.AggressiveSizeBytes {
			maxAge = maxAge / 2
			m.logger.Warn("snapshot oversized, pruning aggressively",
				"sizeBytes", size, "maxAge", maxAge)
		}
	}
	removed := m.store.PruneOld(maxAge, now)
	for _, id := range removed {
		m.logger.Info("conversation expired", "identity", id)
	}
	return len(removed)
}

// StartPeriodicSave begins the background save timer. Advisory work: a tick
// that finds the store clean does nothing.
func (m *Manager) StartPeriodicSave() {
	m.timerMu.Lock()
	defer m.timerMu.Unlock()
	if m.done != nil {
		return
	}
	m.done = make(chan struct{})
	m.wg.Add(1)
	go m.saveLoop(m.done)
	m.logger.Info("periodic save started", "interval", m.cfg.SaveInterval)
}

// StopPeriodicSave stops the timer and waits for an in-flight tick to finish.
func (m *Manager) StopPeriodicSave() {
	m.timerMu.Lock()
	if m.done == nil {
		m.timerMu.Unlock()
		return
	}
	close(m.done)
	m.done = nil
	m.timerMu.Unlock()
	m.wg.Wait()
}

func (m *Manager) saveLoop(done chan struct{}) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.SaveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if _, err := m.Save(ctx, false); err != nil {
				m.logger.Warn("periodic save failed, will retry", "error", err)
			}
			cancel()
		}
	}
}

// Shutdown stops the timer and performs one final forced save. Must be
// awaited before process exit to guarantee the last state hits the backend.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.StopPeriodicSave()
	if _, err := m.Save(ctx, true); err != nil {
		return fmt.Errorf("final save: %w", err)
	}
	return nil
}
