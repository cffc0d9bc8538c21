// Package relay implements the chat relay core: the supervisor that
// accepts and registers sessions, the per-session multiplexers, the room
// registry, the session directory, and the bounded upload pipeline.
package relay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/chatrelay/internal/config"
	"github.com/adred-codev/chatrelay/internal/limits"
	"github.com/adred-codev/chatrelay/internal/logsink"
	"github.com/adred-codev/chatrelay/internal/metrics"
	"github.com/adred-codev/chatrelay/internal/monitor"
	"github.com/adred-codev/chatrelay/internal/uploadqueue"
)

const goodbyeWriteWait = 2 * time.Second

// Server is the supervisor. It owns the listener, the session directory,
// the room registry, the upload queue and worker pool, and orchestrates
// the shutdown drain.
type Server struct {
	cfg    *config.Config
	logger zerolog.Logger
	sink   *logsink.Sink

	listener  net.Listener
	directory *Directory
	registry  *Registry
	uploads   *uploadqueue.Queue
	limiter   *limits.CommandLimiter
	monitor   *monitor.Monitor

	metricsSrv *http.Server

	ctx    context.Context
	cancel context.CancelFunc

	wg        sync.WaitGroup // accept loop, registrations, multiplexers, pumps
	workersWg sync.WaitGroup // upload workers

	sessions      sync.Map // *Session -> struct{}
	pending       sync.Map // net.Conn -> struct{}, transports mid-registration
	nextSessionID int64
	shuttingDown  int32
}

// NewServer wires a server from its configuration. Nothing is listening
// until Start.
func NewServer(cfg *config.Config, logger zerolog.Logger, sink *logsink.Sink) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		cfg:       cfg,
		logger:    logger,
		sink:      sink,
		directory: NewDirectory(cfg.MaxSessions),
		registry:  NewRegistry(cfg.MaxRooms, cfg.RoomCapacity),
		uploads:   uploadqueue.New(cfg.UploadQueue),
		limiter:   limits.NewCommandLimiter(cfg.CommandRate, cfg.CommandBurst),
		monitor:   monitor.New(logger, cfg.MonitorInterval, cfg.MemoryLimit),
		ctx:       ctx,
		cancel:    cancel,
	}

	metrics.SetCapacities(cfg.MaxSessions, cfg.UploadQueue, cfg.MemoryLimit)
	return s
}

// Start binds the listener and launches the accept loop, the upload
// worker pool, the resource monitor, and the metrics sidecar.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = listener

	s.logger.Info().
		Str("address", s.cfg.Addr).
		Int("max_sessions", s.cfg.MaxSessions).
		Int("upload_workers", s.cfg.UploadWorkers).
		Int("upload_queue", s.cfg.UploadQueue).
		Msg("Server listening")
	s.sink.Writef("server listening on %s", s.cfg.Addr)

	s.startUploadWorkers()
	s.monitor.Start(s.ctx, &s.wg)
	s.startMetricsServer()

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

func (s *Server) startMetricsServer() {
	if s.cfg.MetricsAddr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "ok sessions=%d rooms=%d\n", s.directory.Count(), s.registry.Count())
	})

	s.metricsSrv = &http.Server{
		Addr:         s.cfg.MetricsAddr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	s.logger.Info().Str("address", s.cfg.MetricsAddr).Msg("Metrics server listening")
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if atomic.LoadInt32(&s.shuttingDown) == 1 || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error().Err(err).Msg("Accept error")
			return
		}

		s.wg.Add(1)
		go s.registerConn(conn)
	}
}

// registerConn runs the name-registration handshake on a fresh
// transport. The client is re-prompted on validation failures, name
// collisions, and a full directory; only a transport error, server
// shutdown, or success ends the loop.
func (s *Server) registerConn(conn net.Conn) {
	defer s.wg.Done()

	remote := conn.RemoteAddr().String()
	reader := bufio.NewReader(conn)

	s.pending.Store(conn, struct{}{})
	defer s.pending.Delete(conn)

	for {
		if atomic.LoadInt32(&s.shuttingDown) == 1 {
			conn.Close()
			return
		}

		line, err := reader.ReadString('\n')
		if err != nil {
			s.logger.Info().Err(err).Str("remote", remote).Msg("Registration aborted")
			conn.Close()
			return
		}
		name := strings.TrimRight(line, "\r\n")

		if !validUsername(name) {
			metrics.RegistrationRejected("invalid_name")
			if werr := writeAll(conn, replyNameInvalid+"\n"); werr != nil {
				conn.Close()
				return
			}
			continue
		}

		id := atomic.AddInt64(&s.nextSessionID, 1)
		sess := newSession(id, name, conn, reader, s.cfg.NotifyBuffer, s.logger)

		if err := s.directory.Register(sess); err != nil {
			var reply string
			switch {
			case errors.Is(err, ErrNameTaken):
				metrics.RegistrationRejected("name_taken")
				reply = replyNameTaken
			case errors.Is(err, ErrDirectoryFull):
				metrics.RegistrationRejected("directory_full")
				reply = replyServerFull
			default:
				metrics.RegistrationRejected("invalid_name")
				reply = replyNameInvalid
			}
			if werr := writeAll(conn, reply+"\n"); werr != nil {
				conn.Close()
				return
			}
			continue
		}

		s.sessions.Store(sess, struct{}{})
		s.pending.Delete(conn)
		metrics.SessionRegistered()

		if err := writeAll(conn, replyNameAccepted+"\n"); err != nil {
			s.teardownSession(sess, "transport write error")
			return
		}

		s.wg.Add(1)
		go s.runSession(sess)

		// Start barrier: wait for the multiplexer to run before logging
		// the registration, so its log lines are attributable.
		<-sess.started
		s.logger.Info().
			Int64("session_id", sess.id).
			Str("user", name).
			Str("remote", remote).
			Msg("Session registered")
		s.sink.Writef("session %d registered as %q from %s", sess.id, name, remote)

		// A shutdown that raced this registration never saw the session
		// in the map; close it here rather than leak it past the drain.
		if atomic.LoadInt32(&s.shuttingDown) == 1 {
			sess.writeLineDeadline(replyServerShutdown, goodbyeWriteWait)
			s.teardownSession(sess, "server shutdown")
		}
		return
	}
}

// teardownSession releases everything a session owns exactly once:
// room membership, the transport, both notify endpoints, the directory
// slot, and the rate-limiter bucket.
func (s *Server) teardownSession(sess *Session, reason string) {
	sess.teardown.Do(func() {
		sess.markClosed()
		s.registry.Leave(sess)
		sess.conn.Close()
		sess.notify.Close()
		s.directory.Deregister(sess.name)
		s.limiter.Remove(sess.name)
		s.sessions.Delete(sess)
		metrics.SessionClosed()

		sess.logger.Info().Str("reason", reason).Msg("Session closed")
		s.sink.Writef("session %d (%s) closed: %s", sess.id, sess.name, reason)
	})
}

// Shutdown drains the server: stop accepting, terminate the worker pool
// after in-flight transfers, say goodbye to every client, and join all
// tasks before releasing the log sink. Safe to call more than once.
func (s *Server) Shutdown() error {
	if !atomic.CompareAndSwapInt32(&s.shuttingDown, 0, 1) {
		return nil
	}

	s.logger.Info().Msg("Shutting down")
	s.cancel()
	s.listener.Close()

	// Terminators go in from the side: with the queue full they block
	// until workers free slots, and workers blocked on a recipient pipe
	// are freed by the session teardowns below.
	terminated := make(chan struct{})
	go func() {
		for i := 0; i < s.cfg.UploadWorkers; i++ {
			s.uploads.Enqueue(uploadqueue.Terminator())
		}
		close(terminated)
	}()

	s.pending.Range(func(key, _ any) bool {
		key.(net.Conn).Close()
		return true
	})

	s.sessions.Range(func(key, _ any) bool {
		sess := key.(*Session)
		if err := sess.writeLineDeadline(replyServerShutdown, goodbyeWriteWait); err != nil {
			sess.logger.Debug().Err(err).Msg("Goodbye write failed")
		}
		s.teardownSession(sess, "server shutdown")
		return true
	})

	<-terminated
	s.workersWg.Wait()
	s.wg.Wait()

	if s.metricsSrv != nil {
		s.metricsSrv.Close()
	}

	s.logger.Info().Msg("Shutdown complete")
	s.sink.Write("server shut down")
	s.sink.Close()
	return nil
}

func writeAll(conn net.Conn, line string) error {
	n, err := conn.Write([]byte(line))
	metrics.BytesRelayed(int64(n))
	return err
}
