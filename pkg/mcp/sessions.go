package mcp

import "sync"

// SessionRegistry maps project IDs to the MCP session that last used them.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]string // projectID -> sessionID
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]string)}
}

// Register points projectID at sessionID, replacing any earlier session.
func (r *SessionRegistry) Register(projectID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[projectID] = sessionID
}

// SessionFor returns the session for projectID, if any.
func (r *SessionRegistry) SessionFor(projectID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.sessions[projectID]
	return sid, ok
}

// Remove drops every project mapped to sessionID.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for pid, sid := range r.sessions {
		if sid == sessionID {
			delete(r.sessions, pid)
		}
	}
}

// Len reports how many projects have a session.
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
