// Package stream exposes one job's progress to connected clients over two
// transports, WebSocket and server-sent events. Both share the session
// lifecycle: authorize, snapshot, replay missed events by cursor, then live
// stream until the job reaches a terminal status or the client leaves.
package stream

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Transport names as reported in session stats.
const (
	TransportWebSocket = "websocket"
	TransportSSE       = "sse"
)

// ClientSession is one subscriber's view of one job's stream.
type ClientSession struct {
	ID          string
	JobID       int64
	SubjectID   string
	Transport   string
	Filter      Filter
	ConnectedAt time.Time
}

// NewSession builds a session for an authorized subscriber.
func NewSession(jobID int64, subjectID, transport string, filter Filter) *ClientSession {
	return &ClientSession{
		ID:          uuid.New().String(),
		JobID:       jobID,
		SubjectID:   subjectID,
		Transport:   transport,
		Filter:      filter,
		ConnectedAt: time.Now(),
	}
}

// SessionManager tracks active sessions for admin stats. Each API process has
// one instance; removing a session cleans both indices.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*ClientSession
	byJob    map[int64]map[string]bool
}

// NewSessionManager creates an empty registry.
func NewSessionManager() *SessionManager {
	return &SessionManager{
		sessions: make(map[string]*ClientSession),
		byJob:    make(map[int64]map[string]bool),
	}
}

// Add registers a session under both indices.
func (m *SessionManager) Add(s *ClientSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	if m.byJob[s.JobID] == nil {
		m.byJob[s.JobID] = make(map[string]bool)
	}
	m.byJob[s.JobID][s.ID] = true
}

// Remove drops a session from both indices. Safe to call for unknown IDs.
func (m *SessionManager) Remove(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	delete(m.sessions, sessionID)
	if ids, ok := m.byJob[s.JobID]; ok {
		delete(ids, sessionID)
		if len(ids) == 0 {
			delete(m.byJob, s.JobID)
		}
	}
}

// Count returns the number of active sessions.
func (m *SessionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// JobSessionCount returns the number of sessions streaming one job.
func (m *SessionManager) JobSessionCount(jobID int64) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byJob[jobID])
}

// Stats summarizes active sessions for the admin endpoint.
type Stats struct {
	Sessions    int           `json:"sessions"`
	Jobs        int           `json:"jobs"`
	ByTransport map[string]int `json:"by_transport"`
	ByJob       map[int64]int  `json:"by_job"`
}

// Stats returns a point-in-time summary.
func (m *SessionManager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := Stats{
		Sessions:    len(m.sessions),
		Jobs:        len(m.byJob),
		ByTransport: make(map[string]int),
		ByJob:       make(map[int64]int),
	}
	for _, s := range m.sessions {
		st.ByTransport[s.Transport]++
	}
	for jobID, ids := range m.byJob {
		st.ByJob[jobID] = len(ids)
	}
	return st
}
