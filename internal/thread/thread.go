package thread

import (
	"crypto/rand"
	"encoding/base64"
	"strings"
	"time"
)

// This package owns the conversation continuity model.
//
// Design notes:
// - A Thread correlates otherwise-stateless tool calls into one conversation.
// - Threads are mutated only by Store.Append; turns are immutable once appended.
// - Eviction (TTL/capacity) is owned here; the router never destroys threads directly.

type Role string

const (
	RoleCaller Role = "caller"
	RoleModel  Role = "model"
)

// State is the normalized lifecycle state of a thread.
type State string

const (
	StateNew     State = "new"
	StateActive  State = "active"
	StateClosed  State = "closed"
	StateEvicted State = "evicted"
)

// FileReference records a file attached to a turn.
//
// Notes:
// - Hash is the content hash of the full payload (hex).
// - FirstTurnIndex is the turn index where the content was fully embedded. Within one
//   thread a given hash is fully embedded at most once; later occurrences carry only
//   this reference.
type FileReference struct {
	Name           string `json:"name"`
	Hash           string `json:"hash"`
	Size           int64  `json:"size"`
	FirstTurnIndex int    `json:"first_turn_index"`
}

type ContentBlock struct {
	Type string `json:"type"` // text|file|file_ref
	Text string `json:"text,omitempty"`

	File *FileReference `json:"file,omitempty"`
}

// Turn is one recorded exchange half (caller input or model output). Immutable once
// appended; the token count is recorded at append time so budget decisions are repeatable.
type Turn struct {
	ID         string          `json:"id"`
	Role       Role            `json:"role"`
	ToolName   string          `json:"tool_name,omitempty"`
	Blocks     []ContentBlock  `json:"blocks"`
	Files      []FileReference `json:"files,omitempty"`
	TokenCount int             `json:"token_count"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Text returns the concatenated text content of the turn.
func (t Turn) Text() string {
	var b strings.Builder
	for _, blk := range t.Blocks {
		if blk.Type == "text" && blk.Text != "" {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(blk.Text)
		}
	}
	return b.String()
}

// Thread is an ordered, append-only sequence of turns plus thread-level metadata.
type Thread struct {
	ID         string            `json:"id"`
	State      State             `json:"state"`
	Turns      []Turn            `json:"turns"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	LastActive time.Time         `json:"last_active"`
}

// Clone returns a snapshot safe to read outside the store lock.
func (t *Thread) Clone() *Thread {
	if t == nil {
		return nil
	}
	out := &Thread{
		ID:         t.ID,
		State:      t.State,
		Turns:      append([]Turn(nil), t.Turns...),
		CreatedAt:  t.CreatedAt,
		LastActive: t.LastActive,
	}
	if len(t.Metadata) > 0 {
		out.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// NewContinuationID generates a cryptographically random continuation id.
func NewContinuationID() (string, error) {
	b := make([]byte, 18)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "cont_" + base64.RawURLEncoding.EncodeToString(b), nil
}

// NewTurnID generates a cryptographically random turn id.
func NewTurnID() (string, error) {
	b := make([]byte, 18)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "turn_" + base64.RawURLEncoding.EncodeToString(b), nil
}
