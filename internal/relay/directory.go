package relay

import (
	"errors"
	"sync"

	"github.com/adred-codev/chatrelay/internal/notify"
)

var (
	ErrInvalidName   = errors.New("relay: invalid display name")
	ErrNameTaken     = errors.New("relay: display name already taken")
	ErrDirectoryFull = errors.New("relay: session directory full")
)

// Directory is the bounded table of live sessions keyed by display name.
// It enforces name uniqueness at registration and is the single place
// upload workers resolve recipients. No socket I/O ever happens under
// its lock.
type Directory struct {
	mu       sync.Mutex
	sessions map[string]*Session
	capacity int
}

// NewDirectory returns a directory admitting at most capacity sessions.
func NewDirectory(capacity int) *Directory {
	return &Directory{
		sessions: make(map[string]*Session, capacity),
		capacity: capacity,
	}
}

// Register installs the session under its name. The name must be 1-16
// alphanumeric bytes, unused, and a slot must be free.
func (d *Directory) Register(s *Session) error {
	if !validUsername(s.name) {
		return ErrInvalidName
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.sessions[s.name]; ok {
		return ErrNameTaken
	}
	if len(d.sessions) >= d.capacity {
		return ErrDirectoryFull
	}
	d.sessions[s.name] = s
	return nil
}

// Resolve returns the live session for name, or nil.
func (d *Directory) Resolve(name string) *Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessions[name]
}

// ResolveNotify returns the notify pipe for name, or nil when the session
// is gone. The pipe stays safe to use after the session tears down: a
// write then fails with notify.ErrClosedPipe instead of reaching freed
// state, so callers may stream to it without holding the directory lock.
func (d *Directory) ResolveNotify(name string) *notify.Pipe {
	d.mu.Lock()
	defer d.mu.Unlock()
	if s, ok := d.sessions[name]; ok {
		return s.notify
	}
	return nil
}

// Deregister frees the slot held by name, if any.
func (d *Directory) Deregister(name string) {
	d.mu.Lock()
	delete(d.sessions, name)
	d.mu.Unlock()
}

// Count returns the number of live sessions.
func (d *Directory) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}
