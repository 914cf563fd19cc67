// Package blend implements shared-channel conversation assembly. Instead of
// one unbounded record per busy channel, each user gets a small ring buffer
// of recent messages; the channel record is built on demand by merging those
// buffers chronologically under a shared system message. DMs never go
// through this package, they use the single-identity store directly.
package blend

import (
	"container/ring"
	"sort"
	"sync"

	"github.com/hollowlog/parley/internal/conversation"
)

// DefaultPerUserCap is the number of recent messages kept per user.
const DefaultPerUserCap = 5

type entry struct {
	msg conversation.Message
	seq uint64 // insertion order, the tie-breaker for equal timestamps
}

// Mixer holds per-channel, per-user ring buffers.
type Mixer struct {
	mu         sync.Mutex
	channels   map[string]map[string]*ring.Ring
	perUserCap int
	persona    string
	seq        uint64
}

// NewMixer creates a mixer with the given per-user cap and shared persona.
func NewMixer(perUserCap int, persona string) *Mixer {
	if perUserCap <= 0 {
		perUserCap = DefaultPerUserCap
	}
	if persona == "" {
		persona = conversation.DefaultPersona
	}
	return &Mixer{
		channels:   make(map[string]map[string]*ring.Ring),
		perUserCap: perUserCap,
		persona:    persona,
	}
}

// Add records a message from userID in channelID. When the user's buffer is
// full the oldest message is overwritten.
func (m *Mixer) Add(channelID, userID string, msg conversation.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	users, ok := m.channels[channelID]
	if !ok {
		users = make(map[string]*ring.Ring)
		m.channels[channelID] = users
	}
	buf, ok := users[userID]
	if !ok {
		buf = ring.New(m.perUserCap)
		users[userID] = buf
	}
	m.seq++
	buf.Value = entry{msg: msg, seq: m.seq}
	users[userID] = buf.Next()
}

// Merge builds the blended record for a channel: the shared system message
// followed by every buffered message across users, ordered by timestamp with
// ties broken by insertion order. The merge is deterministic for a given
// sequence of Add calls.
func (m *Mixer) Merge(channelID string) []conversation.Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	var entries []entry
	for _, buf := range m.channels[channelID] {
		buf.Do(func(v any) {
			if v == nil {
				return
			}
			entries = append(entries, v.(entry))
		})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		ti, tj := entries[i].msg.Timestamp, entries[j].msg.Timestamp
		if ti.Equal(tj) {
			return entries[i].seq < entries[j].seq
		}
		return ti.Before(tj)
	})

	out := make([]conversation.Message, 0, len(entries)+1)
	out = append(out, conversation.SystemMessage(m.persona))
	for _, e := range entries {
		out = append(out, e.msg)
	}
	return out
}

// Clear drops all buffers for a channel. Returns whether anything existed.
func (m *Mixer) Clear(channelID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.channels[channelID]
	delete(m.channels, channelID)
	return ok
}

// Users returns the number of users buffered in a channel.
func (m *Mixer) Users(channelID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.channels[channelID])
}
