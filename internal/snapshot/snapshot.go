// Package snapshot defines the persisted on-disk representation of the
// conversation store and its codec. Decoding is schema-validated: a malformed
// snapshot fails into a typed corruption error that the persistence manager
// recovers from, never a panic or a silently wrong store.
package snapshot

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/hollowlog/parley/internal/conversation"
)

// Version is the snapshot format version written by this build.
const Version = "1.0"

// ErrCorrupt marks a snapshot that failed parsing or schema validation.
var ErrCorrupt = errors.New("snapshot corrupt")

// File is the on-disk snapshot shape. Timestamps carry last-activity times
// independently of message content so age-based pruning survives partial
// writes that lose individual messages.
type File struct {
	Conversations map[string][]conversation.Message `json:"conversations"`
	Timestamps    map[string]time.Time              `json:"timestamps"`
	LastUpdated   time.Time                         `json:"lastUpdated"`
	Version       string                            `json:"version"`
}

// New builds a snapshot of the given store state, stamped with the current
// time and format version.
func New(conversations map[string][]conversation.Message, timestamps map[string]time.Time) *File {
	if conversations == nil {
		conversations = map[string][]conversation.Message{}
	}
	if timestamps == nil {
		timestamps = map[string]time.Time{}
	}
	return &File{
		Conversations: conversations,
		Timestamps:    timestamps,
		LastUpdated:   time.Now().UTC(),
		Version:       Version,
	}
}

// Encode serializes the snapshot as indented JSON.
func (f *File) Encode() ([]byte, error) {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return data, nil
}

// schemaJSON is the structural contract for a persisted snapshot. Unknown
// fields are tolerated; wrong shapes are not.
const schemaJSON = `{
  "type": "object",
  "required": ["conversations", "version"],
  "properties": {
    "conversations": {
      "type": "object",
      "additionalProperties": {
        "type": "array",
        "items": {
          "type": "object",
          "required": ["role", "content"],
          "properties": {
            "role": {"enum": ["system", "user", "assistant", "function"]},
            "content": {"type": "string"},
            "author": {"type": "string"},
            "externalId": {"type": "string"},
            "timestamp": {"type": "string"},
            "isReference": {"type": "boolean"}
          }
        }
      }
    },
    "timestamps": {
      "type": "object",
      "additionalProperties": {"type": "string"}
    },
    "lastUpdated": {"type": "string"},
    "version": {"type": "string"}
  }
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(schemaJSON)))
		if err != nil {
			schemaErr = fmt.Errorf("unmarshal snapshot schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("snapshot.json", doc); err != nil {
			schemaErr = fmt.Errorf("add snapshot schema: %w", err)
			return
		}
		schema, schemaErr = c.Compile("snapshot.json")
	})
	return schema, schemaErr
}

// Decode parses and validates a snapshot. Failures wrap ErrCorrupt so the
// caller can branch into recovery.
func Decode(data []byte) (*File, error) {
	s, err := compiledSchema()
	if err != nil {
		return nil, err
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if err := s.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: schema: %v", ErrCorrupt, err)
	}

	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if f.Conversations == nil {
		f.Conversations = map[string][]conversation.Message{}
	}
	if f.Timestamps == nil {
		f.Timestamps = map[string]time.Time{}
	}
	return &f, nil
}

// Repair attempts a structural rescue of a mangled snapshot: trim everything
// outside the outermost braces and verify the remainder is brace-balanced.
// Returns the repaired bytes and whether the attempt looks parseable. It does
// not guarantee schema validity; the caller re-runs Decode on the result.
func Repair(data []byte) ([]byte, bool) {
	start := bytes.IndexByte(data, '{')
	end := bytes.LastIndexByte(data, '}')
	if start == -1 || end == -1 || end <= start {
		return nil, false
	}
	trimmed := data[start : end+1]
	if !braceBalanced(trimmed) {
		return nil, false
	}
	return trimmed, true
}

// braceBalanced checks {} nesting, skipping brace characters inside JSON
// string literals.
func braceBalanced(data []byte) bool {
	depth := 0
	inString := false
	escaped := false
	for _, b := range data {
		if escaped {
			escaped = false
			continue
		}
		switch {
		case inString && b == '\\':
			escaped = true
		case b == '"':
			inString = !inString
		case !inString && b == '{':
			depth++
		case !inString && b == '}':
			depth--
			if depth < 0 {
				return false
			}
		}
	}
	return depth == 0 && !inString
}
