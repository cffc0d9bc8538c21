package relay

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/adred-codev/chatrelay/internal/metrics"
	"github.com/adred-codev/chatrelay/internal/notify"
	"github.com/adred-codev/chatrelay/internal/uploadqueue"
)

// dispatch parses and executes one command line. It returns false when
// the session loop should end.
func (s *Server) dispatch(sess *Session, line string) bool {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return true
	}

	if !s.limiter.Allow(sess.name) {
		metrics.CommandRateLimited()
		sess.logger.Warn().Msg("Command dropped by rate limiter")
		sess.writeLine(replySlowDown)
		return true
	}

	verb, rest := splitCommand(line)

	sess.logger.Info().Str("command", verb).Msg("Command accepted")
	s.sink.Writef("[session %d] %s: %s", sess.id, sess.name, line)
	metrics.CommandAccepted(strings.TrimPrefix(verb, "/"))

	switch verb {
	case "/exit":
		sess.writeLine(replyGoodbye)
		return false
	case "/join":
		s.handleJoin(sess, rest)
	case "/leave":
		s.handleLeave(sess)
	case "/broadcast":
		s.handleBroadcast(sess, rest)
	case "/whisper":
		s.handleWhisper(sess, rest)
	case "/sendfile":
		return s.handleSendFile(sess, rest)
	default:
		sess.writeLine(replyUnknown)
	}
	return true
}

func (s *Server) handleJoin(sess *Session, rest string) {
	args := strings.Fields(rest)
	if len(args) != 1 || !validRoomName(args[0]) {
		sess.writeLine(replyRoomInvalid)
		return
	}
	name := args[0]

	room, err := s.registry.Join(name, sess)
	switch {
	case errors.Is(err, ErrRoomFull):
		sess.writeLine(replyRoomFull)
	case errors.Is(err, ErrRegistryFull):
		sess.writeLine(replyRegistryFull)
	case errors.Is(err, ErrSessionClosed):
		// Teardown won the race; the reply would go nowhere.
	case err == nil:
		sess.writeLine(fmt.Sprintf("[OK] User %q joined the room: %s", sess.name, room.Name()))
		s.sink.Writef("%s joined the room: %s", sess.name, room.Name())
	}
}

func (s *Server) handleLeave(sess *Session) {
	room := s.registry.Leave(sess)
	if room == nil {
		sess.writeLine(replyNotInRoom)
		return
	}
	sess.writeLine(fmt.Sprintf("[INFO] You left the room: %s", room.Name()))
	s.sink.Writef("%s left the room: %s", sess.name, room.Name())
}

func (s *Server) handleBroadcast(sess *Session, text string) {
	if text == "" {
		sess.writeLine("[ERROR] Usage: /broadcast <text>")
		return
	}
	room := sess.currentRoom()
	if room == nil {
		sess.writeLine(replyJoinFirst)
		return
	}
	room.Broadcast(sess.name, text, s.logger)
}

func (s *Server) handleWhisper(sess *Session, rest string) {
	parts := strings.SplitN(rest, " ", 2)
	if len(parts) < 2 || parts[0] == "" || strings.TrimSpace(parts[1]) == "" {
		sess.writeLine("[ERROR] Usage: /whisper <user> <text>")
		return
	}
	target, text := parts[0], parts[1]

	if target == sess.name {
		sess.writeLine(replyWhisperSelf)
		return
	}
	pipe := s.directory.ResolveNotify(target)
	if pipe == nil {
		sess.writeLine(fmt.Sprintf("[ERROR] User %q is not online.", target))
		return
	}

	// Delivered to the recipient only; the sender gets no echo.
	if _, err := pipe.Write(chatFrame(sess.name, text)); err != nil {
		if errors.Is(err, notify.ErrClosedPipe) {
			sess.logger.Debug().Str("target", target).Msg("Whisper dropped: recipient notify pipe closed")
			metrics.NotifyDropped()
		}
		return
	}
	metrics.WhisperDelivered()
}

// handleSendFile validates the transfer, reads the payload off the
// client transport, and enqueues the upload item. The blocking enqueue
// is the pipeline's backpressure point: with the queue full the whole
// session parks here until a worker drains a slot. Returns false when
// the transport died mid-payload.
func (s *Server) handleSendFile(sess *Session, rest string) bool {
	args := strings.Fields(rest)
	if len(args) != 3 {
		sess.writeLine("[ERROR] Usage: /sendfile <filename> <user> <size>")
		return true
	}
	filename, target, sizeStr := args[0], args[1], args[2]

	size, err := strconv.ParseInt(sizeStr, 10, 64)
	if err != nil || size < 1 || size > s.cfg.MaxFileSize {
		sess.writeLine(fmt.Sprintf("[ERROR] Invalid file size (must be 1 byte to %d bytes).", s.cfg.MaxFileSize))
		return true
	}

	item := uploadqueue.NewItem(filename, nil, sess.name, target)
	if len(item.Filename) < 1 || len(item.Filename) > maxFilenameLen {
		// The payload is already on the wire; drain it to keep the
		// command stream in sync.
		io.CopyN(io.Discard, sess.reader, size)
		sess.writeLine("[ERROR] Invalid filename.")
		return true
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(sess.reader, payload); err != nil {
		sess.logger.Info().Err(err).Str("filename", item.Filename).Msg("File upload truncated")
		s.sink.Writef("upload %q from %s aborted: truncated payload", item.Filename, sess.name)
		sess.writeLine("[ERROR] File upload incomplete. Transfer aborted.")
		return false
	}
	item.Payload = payload

	if s.uploads.IsFull() {
		sess.writeLine("[INFO] Upload queue full. Transfer queued, delivery may be delayed.")
	}
	s.uploads.Enqueue(item)
	metrics.UploadQueueDepth(s.uploads.Len())

	sess.writeLine(fmt.Sprintf("[OK] File %q accepted for delivery to %s.", item.Filename, target))
	s.sink.Writef("%s queued file %q (%d bytes) for %s", sess.name, item.Filename, size, target)
	return true
}
