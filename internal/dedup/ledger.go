// Package dedup maintains the per-thread file deduplication ledger.
//
// Repeated attachments of identical content within one thread are replaced with
// lightweight reference markers pointing at the turn where the content was first
// fully embedded. Scope is strictly per-thread; threads never see one another's
// hashes.
package dedup

import (
	"encoding/hex"
	"strings"
	"sync"

	"github.com/zeebo/blake3"
)

// FileBlock is an incoming file attachment as submitted by the caller.
type FileBlock struct {
	Name     string
	MimeType string
	Content  []byte
}

// FilteredBlock is the dedup decision for one incoming block.
//
// When Reference is false the full content passes through unchanged. When true,
// Content is nil and FirstTurnIndex points at the turn that already embeds it.
type FilteredBlock struct {
	Name           string
	MimeType       string
	Content        []byte
	Hash           string
	Size           int64
	Reference      bool
	FirstTurnIndex int
}

// HashContent returns the hex blake3 hash of the payload.
func HashContent(b []byte) string {
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:])
}

type entry struct {
	firstTurnIndex int
	size           int64
}

// Index is the process-wide ledger, keyed by continuation id.
type Index struct {
	mu      sync.Mutex
	ledgers map[string]map[string]entry // continuation_id -> hash -> entry
}

func NewIndex() *Index {
	return &Index{ledgers: make(map[string]map[string]entry)}
}

// Filter computes content hashes for the incoming blocks and splits them into full
// embeddings and reference markers. nextTurnIndex is the index the current turn will
// occupy once appended; new hashes are recorded against it.
//
// Idempotent: the same content submitted any number of times within one thread yields
// exactly one full embedding.
func (x *Index) Filter(threadID string, nextTurnIndex int, blocks []FileBlock) []FilteredBlock {
	if x == nil || len(blocks) == 0 {
		return nil
	}
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return nil
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	ledger := x.ledgers[threadID]
	if ledger == nil {
		ledger = make(map[string]entry)
		x.ledgers[threadID] = ledger
	}

	out := make([]FilteredBlock, 0, len(blocks))
	for _, b := range blocks {
		h := HashContent(b.Content)
		if prior, ok := ledger[h]; ok {
			out = append(out, FilteredBlock{
				Name:           b.Name,
				MimeType:       b.MimeType,
				Hash:           h,
				Size:           prior.size,
				Reference:      true,
				FirstTurnIndex: prior.firstTurnIndex,
			})
			continue
		}
		ledger[h] = entry{firstTurnIndex: nextTurnIndex, size: int64(len(b.Content))}
		out = append(out, FilteredBlock{
			Name:           b.Name,
			MimeType:       b.MimeType,
			Content:        b.Content,
			Hash:           h,
			Size:           int64(len(b.Content)),
			Reference:      false,
			FirstTurnIndex: nextTurnIndex,
		})
	}
	return out
}

// Rollback removes hashes recorded at nextTurnIndex when the turn was never appended
// (adapter failure, cancellation). Entries first embedded by earlier turns are kept.
func (x *Index) Rollback(threadID string, turnIndex int, hashes []string) {
	if x == nil || len(hashes) == 0 {
		return
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	ledger := x.ledgers[strings.TrimSpace(threadID)]
	if ledger == nil {
		return
	}
	for _, h := range hashes {
		if e, ok := ledger[h]; ok && e.firstTurnIndex == turnIndex {
			delete(ledger, h)
		}
	}
}

// Forget drops the ledger for an evicted or closed thread.
func (x *Index) Forget(threadID string) {
	if x == nil {
		return
	}
	x.mu.Lock()
	delete(x.ledgers, strings.TrimSpace(threadID))
	x.mu.Unlock()
}

// Len reports the number of recorded hashes for a thread. Intended for tests.
func (x *Index) Len(threadID string) int {
	if x == nil {
		return 0
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.ledgers[strings.TrimSpace(threadID)])
}
