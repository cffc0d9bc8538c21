package relay

import (
	"bufio"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/chatrelay/internal/metrics"
	"github.com/adred-codev/chatrelay/internal/notify"
)

// Session is one authenticated client's server-side state. It owns the
// transport, the notify pipe, and an optional current-room reference.
// Apart from the supervisor's shutdown goodbye, the owning multiplexer is
// the only goroutine pair that writes to the transport; everyone else
// goes through the notify pipe.
type Session struct {
	id     int64
	name   string
	conn   net.Conn
	reader *bufio.Reader
	notify *notify.Pipe
	logger zerolog.Logger

	// writeMu serializes transport writes between the command loop and
	// the notify pump, and keeps a file frame contiguous on the wire.
	writeMu sync.Mutex

	mu     sync.Mutex
	room   *Room
	closed bool

	// started is the start-of-life barrier: closed by the multiplexer
	// once it has recorded its execution identity, so the registration
	// goroutine logs the session only after its multiplexer is running.
	started  chan struct{}
	teardown sync.Once
}

func newSession(id int64, name string, conn net.Conn, reader *bufio.Reader, notifyBuffer int, logger zerolog.Logger) *Session {
	return &Session{
		id:      id,
		name:    name,
		conn:    conn,
		reader:  reader,
		notify:  notify.NewPipe(notifyBuffer),
		logger:  logger.With().Int64("session_id", id).Str("user", name).Logger(),
		started: make(chan struct{}),
	}
}

// Name returns the session's display name.
func (s *Session) Name() string {
	return s.name
}

// ID returns the session's execution identity used for log correlation.
func (s *Session) ID() int64 {
	return s.id
}

func (s *Session) currentRoom() *Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

// attachRoom points the session at room. It refuses once the session has
// begun tearing down, so a racing join cannot strand a dead member in a
// live room. Called with the room's lock held.
func (s *Session) attachRoom(room *Room) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.room = room
	return true
}

func (s *Session) detachRoom() {
	s.mu.Lock()
	s.room = nil
	s.mu.Unlock()
}

// markClosed is the teardown tombstone; after it returns no new room
// membership can be attached.
func (s *Session) markClosed() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// writeLine sends one reply line (newline appended) to the client.
func (s *Session) writeLine(line string) error {
	return s.writeRaw([]byte(line + "\n"))
}

// writeRaw copies bytes verbatim to the transport under the write lock.
func (s *Session) writeRaw(b []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	n, err := s.conn.Write(b)
	metrics.BytesRelayed(int64(n))
	return err
}

// writeLineDeadline is writeLine with a bounded wait, used for the
// shutdown goodbye so one stuck client cannot stall the drain.
func (s *Session) writeLineDeadline(line string, d time.Duration) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(d))
	defer s.conn.SetWriteDeadline(time.Time{})

	n, err := s.conn.Write([]byte(line + "\n"))
	metrics.BytesRelayed(int64(n))
	return err
}

// writeFileFrame forwards a file header and exactly size payload bytes
// from the notify stream to the transport as one contiguous write
// sequence; no reply line can interleave with the payload.
func (s *Session) writeFileFrame(header string, payload io.Reader, size int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	n, err := s.conn.Write([]byte(header))
	metrics.BytesRelayed(int64(n))
	if err != nil {
		return err
	}
	copied, err := io.CopyN(s.conn, payload, size)
	metrics.BytesRelayed(copied)
	return err
}
