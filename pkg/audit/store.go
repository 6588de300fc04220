package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/forgecad/pulse/ent"
	"github.com/forgecad/pulse/ent/auditentry"
)

// EntStore persists audit entries in the audit_entries table.
type EntStore struct {
	client *ent.Client
}

// NewEntStore creates the database-backed store.
func NewEntStore(client *ent.Client) *EntStore {
	return &EntStore{client: client}
}

// Latest returns the newest entry for a job, or nil for an empty chain.
func (s *EntStore) Latest(ctx context.Context, jobID int64) (*Entry, error) {
	row, err := s.client.AuditEntry.Query().
		Where(auditentry.JobIDEQ(jobID)).
		Order(ent.Desc(auditentry.FieldID)).
		First(ctx)
	if err != nil {
		if ent.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("query chain head: %w", err)
	}
	return fromRow(row), nil
}

// Insert persists one entry.
func (s *EntStore) Insert(ctx context.Context, e *Entry) (*Entry, error) {
	create := s.client.AuditEntry.Create().
		SetJobID(e.JobID).
		SetEventKind(auditentry.EventKind(e.Kind)).
		SetPayload(e.Payload).
		SetPrevHash(e.PrevHash).
		SetChainHash(e.ChainHash)
	if e.ActorID != "" {
		create = create.SetActorID(e.ActorID)
	}
	row, err := create.Save(ctx)
	if err != nil {
		return nil, fmt.Errorf("insert audit entry: %w", err)
	}
	return fromRow(row), nil
}

// List returns a job's entries in insertion order.
func (s *EntStore) List(ctx context.Context, jobID int64) ([]*Entry, error) {
	rows, err := s.client.AuditEntry.Query().
		Where(auditentry.JobIDEQ(jobID)).
		Order(ent.Asc(auditentry.FieldID)).
		All(ctx)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	entries := make([]*Entry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, fromRow(row))
	}
	return entries, nil
}

func fromRow(row *ent.AuditEntry) *Entry {
	e := &Entry{
		AuditID:   int64(row.ID),
		JobID:     row.JobID,
		Kind:      Kind(row.EventKind),
		Payload:   row.Payload,
		PrevHash:  row.PrevHash,
		ChainHash: row.ChainHash,
		CreatedAt: row.CreatedAt,
	}
	if row.ActorID != nil {
		e.ActorID = *row.ActorID
	}
	return e
}

// MemoryStore is an in-memory Store for tests. Entries returns the backing
// slice so tamper scenarios can mutate stored rows directly.
type MemoryStore struct {
	mu      sync.Mutex
	nextID  int64
	entries map[int64][]*Entry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nextID: 1, entries: make(map[int64][]*Entry)}
}

// Latest implements Store.
func (s *MemoryStore) Latest(_ context.Context, jobID int64) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chain := s.entries[jobID]
	if len(chain) == 0 {
		return nil, nil
	}
	return chain[len(chain)-1], nil
}

// Insert implements Store.
func (s *MemoryStore) Insert(_ context.Context, e *Entry) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *e
	stored.AuditID = s.nextID
	stored.CreatedAt = time.Now()
	s.nextID++
	s.entries[e.JobID] = append(s.entries[e.JobID], &stored)
	return &stored, nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context, jobID int64) ([]*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chain := s.entries[jobID]
	out := make([]*Entry, len(chain))
	copy(out, chain)
	return out, nil
}

// Entries exposes the stored slice for a job. Test use only.
func (s *MemoryStore) Entries(jobID int64) []*Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[jobID]
}
