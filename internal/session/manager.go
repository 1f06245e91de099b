// Package session implements the binding between a transport connection
// identity and a logical agent session, enforcing the per-group session
// cap.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session is the binding between a connection identity, a group, and the
// container for the life of one agent run.
type Session struct {
	ID                 string
	Group              string
	ContainerID        string
	ConnectionIdentity string
	StartedAt          time.Time
}

// ErrGroupCapReached is returned by BindOrCreate when a group already holds
// its configured number of live sessions.
type ErrGroupCapReached struct {
	Group string
	Cap   int
}

func (e *ErrGroupCapReached) Error() string {
	return fmt.Sprintf("session cap reached for group %q (max %d)", e.Group, e.Cap)
}

// DefaultGroupCap is the per-group session cap used when none is configured.
const DefaultGroupCap = 3

// Manager binds connection identities to sessions. All operations are
// serialised under a single lock, which is never held across I/O.
type Manager struct {
	// OnDestroy, when set, is invoked with a destroyed session's id after
	// its binding is removed, outside the manager's lock. The rate limiter
	// hooks this to sweep the session's buckets.
	OnDestroy func(sessionID string)

	mu       sync.Mutex
	groupCap int

	byIdentity map[string]*Session
	byID       map[string]*Session
	groupCount map[string]int
}

// NewManager creates a Manager. groupCap <= 0 uses DefaultGroupCap.
func NewManager(groupCap int) *Manager {
	if groupCap <= 0 {
		groupCap = DefaultGroupCap
	}
	return &Manager{
		groupCap:   groupCap,
		byIdentity: make(map[string]*Session),
		byID:       make(map[string]*Session),
		groupCount: make(map[string]int),
	}
}

// BindOrCreate returns the existing session for identity, or creates one if
// this is the connection's first frame. containerID may be empty for a
// connection that has authenticated but has no container attached yet.
func (m *Manager) BindOrCreate(identity, group, containerID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.byIdentity[identity]; ok {
		return s, nil
	}

	if m.groupCount[group] >= m.groupCap {
		return nil, &ErrGroupCapReached{Group: group, Cap: m.groupCap}
	}

	s := &Session{
		ID:                 uuid.NewString(),
		Group:              group,
		ContainerID:        containerID,
		ConnectionIdentity: identity,
		StartedAt:          time.Now().UTC(),
	}
	m.byIdentity[identity] = s
	m.byID[s.ID] = s
	m.groupCount[group]++
	return s, nil
}

// Lookup returns the session bound to identity, if any.
func (m *Manager) Lookup(identity string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byIdentity[identity]
	return s, ok
}

// LookupByID returns the session with the given sessionId, if any.
func (m *Manager) LookupByID(sessionID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[sessionID]
	return s, ok
}

// AttachContainer records the container now backing the session bound to
// identity. Called by the lifecycle manager once the runtime has assigned a
// container id, which is only known after the session (and its id, carried
// into the container's environment) already exists.
func (m *Manager) AttachContainer(identity, containerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.byIdentity[identity]; ok {
		s.ContainerID = containerID
	}
}

// Destroy removes the session bound to identity, decrementing its group's
// live count. It is a no-op if identity has no bound session.
func (m *Manager) Destroy(identity string) {
	m.mu.Lock()
	s, ok := m.byIdentity[identity]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.byIdentity, identity)
	delete(m.byID, s.ID)
	if m.groupCount[s.Group] > 0 {
		m.groupCount[s.Group]--
	}
	m.mu.Unlock()

	if m.OnDestroy != nil {
		m.OnDestroy(s.ID)
	}
}

// GroupCount returns the number of live sessions for group, used by tests
// verifying the per-group cap.
func (m *Manager) GroupCount(group string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.groupCount[group]
}
