package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"
)

// GenesisHash is the prev_hash of the first entry in every job's chain.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// maxPayloadBytes caps the canonical payload size per entry. Larger payloads
// are replaced by a summary stub so a runaway traceback cannot bloat the
// durable log.
const maxPayloadBytes = 10 * 1024

// stubPreviewChars is how much of the oversized canonical payload the stub
// preserves.
const stubPreviewChars = 500

// Kind classifies the state transition an entry records.
type Kind string

// Entry kinds, one per job state transition.
const (
	KindCreated     Kind = "created"
	KindQueued      Kind = "queued"
	KindStarted     Kind = "started"
	KindProgress    Kind = "progress"
	KindRetrying    Kind = "retrying"
	KindCancelled   Kind = "cancelled"
	KindFailed      Kind = "failed"
	KindSucceeded   Kind = "succeeded"
	KindDLQReplayed Kind = "dlq_replayed"
)

// Entry is one link in a job's chain. Payload is self-contained: it carries
// job_id, event_kind, prev_hash, and chain_hash alongside the caller's keys,
// so a dumped payload can be verified without the surrounding columns.
type Entry struct {
	AuditID   int64
	JobID     int64
	Kind      Kind
	ActorID   string
	Payload   map[string]interface{}
	PrevHash  string
	ChainHash string
	CreatedAt time.Time
}

// Store persists entries. Append-only: no update or delete operations exist.
type Store interface {
	// Latest returns the newest entry for a job, or nil when the chain is
	// empty.
	Latest(ctx context.Context, jobID int64) (*Entry, error)
	// Insert persists a new entry and returns it with AuditID and CreatedAt
	// populated.
	Insert(ctx context.Context, e *Entry) (*Entry, error)
	// List returns a job's entries in insertion order.
	List(ctx context.Context, jobID int64) ([]*Entry, error)
}

// Violation describes one entry that failed verification: its stored hashes
// do not match the ones recomputed from the trusted chain position.
type Violation struct {
	AuditID  int64  `json:"audit_id"`
	Kind     Kind   `json:"kind"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

// Report is the outcome of verifying one job's chain.
type Report struct {
	Valid      bool        `json:"valid"`
	Checked    int         `json:"checked"`
	Violations []Violation `json:"violations,omitempty"`
}

// Service appends to and verifies per-job hash chains. Appends for the same
// job are serialized so the latest-hash read and the insert form one unit.
type Service struct {
	store Store

	mu   sync.Mutex
	jobs map[int64]*sync.Mutex
}

// NewService creates an audit service over the given store.
func NewService(store Store) *Service {
	return &Service{
		store: store,
		jobs:  make(map[int64]*sync.Mutex),
	}
}

func (s *Service) jobLock(jobID int64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.jobs[jobID]
	if !ok {
		l = &sync.Mutex{}
		s.jobs[jobID] = l
	}
	return l
}

// Append records one state transition at the head of the job's chain. The
// caller's payload keys are preserved; job_id, event_kind, prev_hash, and
// chain_hash are added. An error here means the transition is not recorded
// and must not be treated as finalized by the caller.
func (s *Service) Append(ctx context.Context, jobID int64, kind Kind, actorID string, payload map[string]interface{}) (*Entry, error) {
	lock := s.jobLock(jobID)
	lock.Lock()
	defer lock.Unlock()

	latest, err := s.store.Latest(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("read chain head for job %d: %w", jobID, err)
	}
	prevHash := GenesisHash
	if latest != nil {
		prevHash = latest.ChainHash
	}

	body := make(map[string]interface{}, len(payload)+4)
	for k, v := range payload {
		body[k] = v
	}
	body["job_id"] = jobID
	body["event_kind"] = string(kind)

	canonical, err := Canonicalize(body)
	if err != nil {
		return nil, fmt.Errorf("canonicalize audit payload for job %d: %w", jobID, err)
	}
	if len(canonical) > maxPayloadBytes {
		body = stubPayload(jobID, kind, canonical)
		if canonical, err = Canonicalize(body); err != nil {
			return nil, fmt.Errorf("canonicalize audit stub for job %d: %w", jobID, err)
		}
	}

	chainHash := linkHash(prevHash, canonical)
	body["prev_hash"] = prevHash
	body["chain_hash"] = chainHash

	entry, err := s.store.Insert(ctx, &Entry{
		JobID:     jobID,
		Kind:      kind,
		ActorID:   actorID,
		Payload:   body,
		PrevHash:  prevHash,
		ChainHash: chainHash,
	})
	if err != nil {
		return nil, fmt.Errorf("persist audit entry for job %d: %w", jobID, err)
	}
	return entry, nil
}

// Verify re-derives every link in a job's chain in insertion order. The
// recomputation trusts only the genesis hash and the stored payloads: each
// entry's expected hash is derived from the recomputed predecessor, never
// from the stored columns, so tampering with one entry invalidates it and
// every entry after it.
func (s *Service) Verify(ctx context.Context, jobID int64) (*Report, error) {
	entries, err := s.store.List(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("list audit entries for job %d: %w", jobID, err)
	}

	report := &Report{Valid: true}
	prev := GenesisHash
	for _, e := range entries {
		report.Checked++

		canonical, err := Canonicalize(hashablePayload(e.Payload))
		if err != nil {
			return nil, fmt.Errorf("canonicalize stored payload (entry %d): %w", e.AuditID, err)
		}
		recomputed := linkHash(prev, canonical)
		if e.PrevHash != prev || e.ChainHash != recomputed {
			report.Valid = false
			report.Violations = append(report.Violations, Violation{
				AuditID:  e.AuditID,
				Kind:     e.Kind,
				Expected: recomputed,
				Actual:   e.ChainHash,
			})
		}

		prev = recomputed
	}
	return report, nil
}

// linkHash computes SHA-256 over the previous hash's hex ASCII followed by
// the canonical payload bytes.
func linkHash(prevHashHex string, canonical []byte) string {
	h := sha256.New()
	h.Write([]byte(prevHashHex))
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil))
}

// hashablePayload strips the self-containment fields, which were added after
// the hash was computed.
func hashablePayload(payload map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		if k == "prev_hash" || k == "chain_hash" {
			continue
		}
		out[k] = v
	}
	return out
}

// stubPayload summarizes an oversized payload.
func stubPayload(jobID int64, kind Kind, canonical []byte) map[string]interface{} {
	preview := string(canonical)
	if len(preview) > stubPreviewChars {
		preview = preview[:stubPreviewChars]
	}
	// Avoid splitting a multi-byte rune at the cut point.
	preview = strings.ToValidUTF8(preview, "")
	return map[string]interface{}{
		"job_id":        jobID,
		"event_kind":    string(kind),
		"truncated":     true,
		"original_size": len(canonical),
		"preview":       preview,
	}
}
