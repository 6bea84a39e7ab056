package conn

import (
	"strconv"
	"sync"
)

// SessionStore persists client identity across connection managers in the
// same client session. The server-issued client id is what lets a reconnect
// resume an existing server-side client and replay missed messages.
type SessionStore interface {
	// ClientID returns the stored client id for an assignment, or "" when
	// none has been issued yet.
	ClientID(assignmentID string) string

	// SetClientID records the server-issued client id for an assignment.
	SetClientID(assignmentID, clientID string)

	// NextConnectionCounter returns a serial number distinguishing
	// connections made within this session, for server-side log
	// correlation.
	NextConnectionCounter() string
}

// MemorySession is an in-process SessionStore.
type MemorySession struct {
	mu        sync.Mutex
	clientIDs map[string]string
	counter   int
}

// NewMemorySession creates an empty session store.
func NewMemorySession() *MemorySession {
	return &MemorySession{clientIDs: make(map[string]string)}
}

// ClientID returns the stored client id for an assignment.
func (s *MemorySession) ClientID(assignmentID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.clientIDs[assignmentID]
}

// SetClientID records the client id for an assignment.
func (s *MemorySession) SetClientID(assignmentID, clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.clientIDs[assignmentID] = clientID
}

// NextConnectionCounter returns the current counter value and advances it.
func (s *MemorySession) NextConnectionCounter() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	value := s.counter
	s.counter++

	return strconv.Itoa(value)
}
