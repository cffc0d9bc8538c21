package relay

import (
	"bufio"
	"errors"
	"io"
	"net"
)

// runSession is the per-session multiplexer task. It signals the start
// barrier, spawns the notify pump as its second readiness source, and
// then consumes client commands until the client exits, the transport
// fails, or the server shuts down. The two goroutines are scheduled
// independently, so neither source can starve the other.
func (s *Server) runSession(sess *Session) {
	defer s.wg.Done()
	defer s.teardownSession(sess, "session ended")

	sess.logger.Info().Msg("Session multiplexer running")
	close(sess.started)

	s.wg.Add(1)
	go s.notifyPump(sess)

	for {
		line, err := sess.reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				sess.logger.Info().Msg("Client disconnected")
			} else {
				sess.logger.Info().Err(err).Msg("Transport read error")
			}
			return
		}
		if !s.dispatch(sess, line) {
			return
		}
	}
}

// notifyPump drains the session's notify pipe and copies the bytes out
// to the client transport. Line frames pass through verbatim; a file
// header switches to a counted raw copy so the payload reaches the wire
// contiguously.
func (s *Server) notifyPump(sess *Session) {
	defer s.wg.Done()

	br := bufio.NewReader(sess.notify)
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			// Pipe closed by teardown; flush any partial tail and stop.
			if len(line) > 0 {
				sess.writeRaw([]byte(line))
			}
			return
		}

		if size, ok := parseFileHeader(line); ok {
			if err := sess.writeFileFrame(line, br, size); err != nil {
				sess.logger.Info().Err(err).Msg("Transport write error during file delivery")
				s.teardownSession(sess, "transport write error")
				return
			}
			continue
		}

		if err := sess.writeRaw([]byte(line)); err != nil {
			sess.logger.Info().Err(err).Msg("Transport write error")
			s.teardownSession(sess, "transport write error")
			return
		}
	}
}
