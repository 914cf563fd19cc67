// Package refchain resolves reply chains into ordered context entries. A
// message that replies to another pulls its ancestors into the conversation
// as reference messages, best-effort: an unreachable ancestor truncates the
// chain instead of failing the caller.
package refchain

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hollowlog/parley/internal/conversation"
)

// DefaultMaxDepth bounds how many ancestors a single resolution walks.
const DefaultMaxDepth = 5

// Linked pairs a platform message with the id of the message it replies to.
type Linked struct {
	Msg     conversation.Message
	ReplyTo string // external id of the replied-to message, empty when none
}

// Fetcher retrieves a platform message by its external id. Implementations
// belong to the transport layer; the resolver only consumes the interface.
type Fetcher interface {
	Fetch(ctx context.Context, externalID string) (Linked, error)
}

// Resolver walks reply chains with a cache-first lookup. The cache grows
// without bound; callers clear it periodically via ResetCache (the engine
// does this during its maintenance pass).
type Resolver struct {
	fetcher Fetcher
	logger  *slog.Logger

	mu    sync.Mutex
	cache map[string]Linked
}

// NewResolver creates a resolver over the given fetcher.
func NewResolver(fetcher Fetcher, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		fetcher: fetcher,
		logger:  logger,
		cache:   make(map[string]Linked),
	}
}

// SetFetcher installs the fetcher after construction. The transport both
// drives the engine and serves lookups, so it is wired in late.
func (r *Resolver) SetFetcher(fetcher Fetcher) {
	r.mu.Lock()
	r.fetcher = fetcher
	r.mu.Unlock()
}

// Observe seeds the cache with a message seen on the wire, so later replies
// to it resolve without a fetch.
func (r *Resolver) Observe(msg Linked) {
	if msg.Msg.ExternalID == "" {
		return
	}
	r.mu.Lock()
	r.cache[msg.Msg.ExternalID] = msg
	r.mu.Unlock()
}

// ResetCache drops all cached messages.
func (r *Resolver) ResetCache() {
	r.mu.Lock()
	r.cache = make(map[string]Linked)
	r.mu.Unlock()
}

// CacheSize returns the number of cached messages.
func (r *Resolver) CacheSize() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cache)
}

// Resolve walks the reply chain starting at start, at most maxDepth ancestors
// deep, and returns the resolved messages ordered oldest to newest. A fetch
// failure truncates the chain at that point; a cycle stops the walk with the
// partial chain collected so far. Neither case returns an error.
func (r *Resolver) Resolve(ctx context.Context, start Linked, maxDepth int) []conversation.Message {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}

	visited := map[string]bool{}
	if start.Msg.ExternalID != "" {
		visited[start.Msg.ExternalID] = true
	}

	var chain []conversation.Message
	current := start
	for depth := 0; current.ReplyTo != "" && depth < maxDepth; depth++ {
		if visited[current.ReplyTo] {
			r.logger.Warn("reply chain cycle detected",
				"externalId", current.ReplyTo, "depth", depth)
			break
		}
		ancestor, err := r.lookup(ctx, current.ReplyTo)
		if err != nil {
			r.logger.Warn("reply chain truncated",
				"externalId", current.ReplyTo, "depth", depth, "error", err)
			break
		}
		visited[current.ReplyTo] = true
		chain = append([]conversation.Message{ancestor.Msg}, chain...)
		current = ancestor
	}
	return chain
}

func (r *Resolver) lookup(ctx context.Context, externalID string) (Linked, error) {
	r.mu.Lock()
	cached, ok := r.cache[externalID]
	fetcher := r.fetcher
	r.mu.Unlock()
	if ok {
		return cached, nil
	}

	if fetcher == nil {
		return Linked{}, fmt.Errorf("no fetcher configured")
	}
	fetched, err := fetcher.Fetch(ctx, externalID)
	if err != nil {
		return Linked{}, err
	}
	r.mu.Lock()
	r.cache[externalID] = fetched
	r.mu.Unlock()
	return fetched, nil
}

// ExtractReferenceContext converts a resolved chain into reference messages
// ready to append to a conversation record. When assistantOnly is set, only
// bot-authored entries are kept.
func ExtractReferenceContext(chain []conversation.Message, assistantOnly bool) []conversation.Message {
	out := make([]conversation.Message, 0, len(chain))
	for _, msg := range chain {
		if assistantOnly && msg.Role != conversation.RoleAssistant {
			continue
		}
		msg.IsReference = true
		out = append(out, msg)
	}
	return out
}
