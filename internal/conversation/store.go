package conversation

import (
	"log/slog"
	"sync"
	"time"

	"github.com/hollowlog/parley/internal/safety"
)

// Config controls per-record bounds and the persona text.
type Config struct {
	// MaxLength is the per-conversation message cap, system message included.
	MaxLength int
	// Persona is the system message content seeded at index 0 of every record.
	Persona string
}

const (
	DefaultMaxLength = 50
	DefaultPersona   = "You are a helpful, concise assistant in a chat. Answer plainly and keep replies short."
)

func (c *Config) normalize() {
	if c.MaxLength <= 0 {
		c.MaxLength = DefaultMaxLength
	}
	if c.Persona == "" {
		c.Persona = DefaultPersona
	}
}

// Store is the authoritative mapping from identity to conversation record.
// All methods are safe for concurrent use; none of them perform I/O.
type Store struct {
	mu      sync.Mutex
	records map[string][]Message
	touched map[string]time.Time
	loaded  bool
	dirty   bool
	gen     uint64

	cfg       Config
	sanitizer *safety.Sanitizer
	logger    *slog.Logger
}

// NewStore creates an empty store. It is hydrated later by the persistence
// manager via Restore.
func NewStore(cfg Config, logger *slog.Logger) *Store {
	cfg.normalize()
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		records:   make(map[string][]Message),
		touched:   make(map[string]time.Time),
		cfg:       cfg,
		sanitizer: safety.NewSanitizer(),
		logger:    logger,
	}
}

// Persona returns the configured system persona text.
func (s *Store) Persona() string { return s.cfg.Persona }

// MaxLength returns the per-record message cap.
func (s *Store) MaxLength() int { return s.cfg.MaxLength }

// GetOrCreate returns a copy of the record for identity, creating one seeded
// with the system message if none exists. Creation marks the store dirty.
func (s *Store) GetOrCreate(identity string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[identity]
	if !ok {
		rec = []Message{SystemMessage(s.cfg.Persona)}
		s.records[identity] = rec
		s.touched[identity] = time.Now()
		s.markDirty()
	}
	// Guard against a record that lost its persona on disk. A repair is a
	// mutation and must survive the next save.
	fixed := ensureSystem(rec, s.cfg.Persona, s.cfg.MaxLength)
	if len(fixed) != len(rec) {
		s.markDirty()
	}
	s.records[identity] = fixed
	return cloneMessages(fixed)
}

// Append sanitizes msg, appends it to the identity's record and applies the
// pruning policy inline. Invalid content is rewritten, never rejected.
// Returns a copy of the resulting record.
func (s *Store) Append(identity string, msg Message) []Message {
	cleaned, issues := s.sanitizer.Clean(msg.Content)
	for _, issue := range issues {
		s.logger.Warn("message content sanitized",
			"identity", identity, "reason", issue.Reason)
	}
	msg.Content = cleaned
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[identity]
	if !ok {
		rec = []Message{SystemMessage(s.cfg.Persona)}
	}
	rec = append(rec, msg)
	rec = pruneToCap(rec, s.cfg.Persona, s.cfg.MaxLength)
	s.records[identity] = rec
	s.touched[identity] = msg.Timestamp
	s.markDirty()
	return cloneMessages(rec)
}

// Clear removes the record entirely. The next GetOrCreate reseeds the system
// message. Returns whether a record existed.
func (s *Store) Clear(identity string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.records[identity]
	if ok {
		delete(s.records, identity)
		delete(s.touched, identity)
		s.markDirty()
	}
	return ok
}

// SetPersona replaces the persona text and rewrites the system message of
// every record. Called on config hot-reload; a no-op when unchanged.
func (s *Store) SetPersona(persona string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if persona == "" || persona == s.cfg.Persona {
		return
	}
	s.cfg.Persona = persona
	for id, rec := range s.records {
		if len(rec) > 0 && rec[0].Role == RoleSystem {
			rec[0].Content = persona
		} else {
			s.records[id] = append([]Message{SystemMessage(persona)}, rec...)
		}
	}
	if len(s.records) > 0 {
		s.markDirty()
	}
}

// Count returns the number of active identities.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Len returns the message count for one identity, zero when absent.
func (s *Store) Len(identity string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records[identity])
}

// markDirty flags the store as mutated and advances the generation counter.
// Callers hold s.mu.
func (s *Store) markDirty() {
	s.dirty = true
	s.gen++
}

// Dirty reports whether the store has mutated since the last clean-marking.
func (s *Store) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

// MarkClean unconditionally resets the dirty flag. Saves should prefer
// MarkCleanIf so a mutation racing the snapshot write stays dirty.
func (s *Store) MarkClean() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirty = false
}

// MarkCleanIf resets the dirty flag only when gen still matches the current
// generation, i.e. nothing mutated since the matching Export. A stale
// generation leaves the flag set so the next save cycle picks the change up.
func (s *Store) MarkCleanIf(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen == gen {
		s.dirty = false
	}
}

// Loaded reports whether the store has been hydrated from disk at least once.
func (s *Store) Loaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded
}

// Export returns a deep copy of all records and activity timestamps, plus the
// generation the copy was taken at. The persistence manager serializes the
// copy so a concurrent append never races the encoder, then hands the
// generation to MarkCleanIf: an append that lands mid-save bumps the
// generation, the clean-marking becomes a no-op, and the next cycle captures
// the change.
func (s *Store) Export() (map[string][]Message, map[string]time.Time, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conversations := make(map[string][]Message, len(s.records))
	for id, rec := range s.records {
		conversations[id] = cloneMessages(rec)
	}
	timestamps := make(map[string]time.Time, len(s.touched))
	for id, ts := range s.touched {
		timestamps[id] = ts
	}
	return conversations, timestamps, s.gen
}

// Restore hydrates the store from a loaded snapshot, normalizing every record
// against the cap and the system-message invariant. It replaces any existing
// state and leaves the store clean.
func (s *Store) Restore(conversations map[string][]Message, timestamps map[string]time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = make(map[string][]Message, len(conversations))
	s.touched = make(map[string]time.Time, len(conversations))
	for id, rec := range conversations {
		rec = pruneToCap(cloneMessages(rec), s.cfg.Persona, s.cfg.MaxLength)
		s.records[id] = rec
		if ts, ok := timestamps[id]; ok && !ts.IsZero() {
			s.touched[id] = ts
		} else {
			s.touched[id] = newestTimestamp(rec)
		}
	}
	s.loaded = true
	s.dirty = false
	// New state, new generation: an export taken before the restore must not
	// be able to mark this state clean.
	s.gen++
}

// PruneOld removes entire records whose last activity is older than maxAge.
// The activity timestamp map is the source of truth; a record with no
// recorded activity falls back to its newest message timestamp. Returns the
// removed identities.
func (s *Store) PruneOld(maxAge time.Duration, now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []string
	for id, rec := range s.records {
		ts, ok := s.touched[id]
		if !ok || ts.IsZero() {
			ts = newestTimestamp(rec)
		}
		if ts.IsZero() || now.Sub(ts) <= maxAge {
			continue
		}
		delete(s.records, id)
		delete(s.touched, id)
		removed = append(removed, id)
	}
	if len(removed) > 0 {
		s.markDirty()
	}
	return removed
}

func newestTimestamp(msgs []Message) time.Time {
	var newest time.Time
	for _, m := range msgs {
		if m.Timestamp.After(newest) {
			newest = m.Timestamp
		}
	}
	return newest
}

func cloneMessages(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}
