package relay

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"math/rand"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/chatrelay/internal/config"
	"github.com/adred-codev/chatrelay/internal/logsink"
)

func testConfig() *config.Config {
	return &config.Config{
		Addr:            "127.0.0.1:0",
		LogDir:          "",
		MaxSessions:     config.DefaultMaxSessions,
		MaxRooms:        config.DefaultMaxRooms,
		RoomCapacity:    config.DefaultRoomCapacity,
		UploadQueue:     config.DefaultUploadQueue,
		UploadWorkers:   config.DefaultUploadWorkers,
		MaxFileSize:     config.DefaultMaxFileSize,
		NotifyBuffer:    config.DefaultNotifyBuffer,
		CommandRate:     1000,
		CommandBurst:    1000,
		MemoryLimit:     512 * 1024 * 1024,
		MonitorInterval: time.Hour,
		LogLevel:        "info",
		LogFormat:       "json",
	}
}

func startTestServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()

	if cfg == nil {
		cfg = testConfig()
	}
	cfg.LogDir = t.TempDir()

	sink := logsink.New(cfg.LogDir, zerolog.Nop())
	srv := NewServer(cfg, zerolog.Nop(), sink)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { srv.Shutdown() })
	return srv
}

type testClient struct {
	t    *testing.T
	conn net.Conn
	br   *bufio.Reader
}

func dialServer(t *testing.T, srv *Server) *testClient {
	t.Helper()

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn, br: bufio.NewReader(conn)}
}

func dialAndRegister(t *testing.T, srv *Server, name string) *testClient {
	t.Helper()

	c := dialServer(t, srv)
	c.send(name)
	c.expectLine("[OK] Username accepted.")
	return c
}

func (c *testClient) send(line string) {
	c.t.Helper()
	if _, err := fmt.Fprintf(c.conn, "%s\n", line); err != nil {
		c.t.Fatalf("send %q: %v", line, err)
	}
}

func (c *testClient) readLine() string {
	c.t.Helper()

	c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	line, err := c.br.ReadString('\n')
	if err != nil {
		c.t.Fatalf("readLine: %v (partial %q)", err, line)
	}
	return strings.TrimRight(line, "\n")
}

func (c *testClient) expectLine(want string) {
	c.t.Helper()
	if got := c.readLine(); got != want {
		c.t.Fatalf("read %q, want %q", got, want)
	}
}

func (c *testClient) expectPrefix(prefix string) string {
	c.t.Helper()
	got := c.readLine()
	if !strings.HasPrefix(got, prefix) {
		c.t.Fatalf("read %q, want prefix %q", got, prefix)
	}
	return got
}

func TestRegistrationUniqueNameHandshake(t *testing.T) {
	srv := startTestServer(t, nil)

	x := dialServer(t, srv)
	x.send("alice")
	x.expectLine("[OK] Username accepted.")

	y := dialServer(t, srv)
	y.send("alice")
	y.expectLine("[ERROR] Username already taken. Choose another.")
	y.send("bob")
	y.expectLine("[OK] Username accepted.")
}

func TestRegistrationRejectsMalformedNames(t *testing.T) {
	srv := startTestServer(t, nil)

	c := dialServer(t, srv)
	c.send("not a name!")
	c.expectLine("[ERROR] Username must be 1-16 alphanumeric characters.")
	c.send("waytoolongusername")
	c.expectLine("[ERROR] Username must be 1-16 alphanumeric characters.")
	c.send("fine123")
	c.expectLine("[OK] Username accepted.")
}

func TestJoinBroadcastFanOut(t *testing.T) {
	srv := startTestServer(t, nil)

	a := dialAndRegister(t, srv, "a")
	b := dialAndRegister(t, srv, "b")
	c := dialAndRegister(t, srv, "c")

	for _, cl := range []*testClient{a, b, c} {
		cl.send("/join r")
		cl.expectPrefix("[OK] ")
	}

	a.send("/broadcast hi")
	for _, cl := range []*testClient{a, b, c} {
		cl.expectLine("[a] hi")
	}
}

func TestBroadcastRequiresRoom(t *testing.T) {
	srv := startTestServer(t, nil)

	c := dialAndRegister(t, srv, "alone")
	c.send("/broadcast anyone")
	c.expectLine("[ERROR] Join a room first")
}

func TestRoomCapacityTurnsAwaySixteenth(t *testing.T) {
	cfg := testConfig()
	srv := startTestServer(t, cfg)

	for i := 0; i < cfg.RoomCapacity; i++ {
		c := dialAndRegister(t, srv, fmt.Sprintf("user%d", i))
		c.send("/join lobby")
		c.expectLine(fmt.Sprintf("[OK] User %q joined the room: lobby", fmt.Sprintf("user%d", i)))
	}

	late := dialAndRegister(t, srv, "latecomer")
	late.send("/join lobby")
	late.expectLine("[WARN] Room is full")

	// Rejected join leaves the client free to use another room.
	late.send("/join sidebar")
	late.expectPrefix("[OK] ")
}

func TestLeaveAndRejoinIsClean(t *testing.T) {
	srv := startTestServer(t, nil)

	c := dialAndRegister(t, srv, "alice")
	c.send("/leave")
	c.expectLine("[INFO] not in any room")

	c.send("/join lobby")
	c.expectPrefix("[OK] ")
	c.send("/leave")
	c.expectLine("[INFO] You left the room: lobby")
	c.send("/join lobby")
	c.expectPrefix("[OK] ")
}

func TestWhisperDeliveryAndSelfRejection(t *testing.T) {
	srv := startTestServer(t, nil)

	alice := dialAndRegister(t, srv, "alice")
	bob := dialAndRegister(t, srv, "bob")

	alice.send("/whisper alice hey")
	alice.expectLine("[ERROR] Cannot whisper to yourself.")

	alice.send("/whisper ghost hello")
	alice.expectLine(`[ERROR] User "ghost" is not online.`)

	alice.send("/whisper bob psst secret stuff")
	bob.expectLine("[alice] psst secret stuff")
}

func TestUnknownCommand(t *testing.T) {
	srv := startTestServer(t, nil)

	c := dialAndRegister(t, srv, "alice")
	c.send("/frobnicate now")
	c.expectLine("[ERROR] Unknown command")
}

func TestSendFileRoundTrip(t *testing.T) {
	srv := startTestServer(t, nil)

	alice := dialAndRegister(t, srv, "alice")
	bob := dialAndRegister(t, srv, "bob")

	payload := make([]byte, 64*1024)
	rand.New(rand.NewSource(1)).Read(payload)

	alice.send(fmt.Sprintf("/sendfile data.bin bob %d", len(payload)))
	if _, err := alice.conn.Write(payload); err != nil {
		t.Fatalf("writing payload: %v", err)
	}
	alice.expectPrefix("[OK] ")

	bob.expectLine(fmt.Sprintf("[FILE data.bin %d alice]", len(payload)))

	received := make([]byte, len(payload))
	bob.conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	if _, err := io.ReadFull(bob.br, received); err != nil {
		t.Fatalf("reading payload: %v", err)
	}
	if !bytes.Equal(received, payload) {
		t.Fatalf("payload corrupted in transit")
	}

	// The stream stays line-framed after the counted payload.
	alice.send("/whisper bob done")
	bob.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	bob.expectLine("[alice] done")
}

func TestSendFileValidation(t *testing.T) {
	srv := startTestServer(t, nil)

	c := dialAndRegister(t, srv, "alice")

	c.send("/sendfile notes.txt bob")
	c.expectLine("[ERROR] Usage: /sendfile <filename> <user> <size>")

	c.send("/sendfile notes.txt bob 0")
	c.expectPrefix("[ERROR] Invalid file size")

	c.send(fmt.Sprintf("/sendfile notes.txt bob %d", config.DefaultMaxFileSize+1))
	c.expectPrefix("[ERROR] Invalid file size")

	c.send("/sendfile notes.txt bob abc")
	c.expectPrefix("[ERROR] Invalid file size")
}

func TestSendFileToDepartedRecipientDropsQuietly(t *testing.T) {
	srv := startTestServer(t, nil)

	alice := dialAndRegister(t, srv, "alice")

	// The target is resolved when a worker dequeues, not at enqueue, so
	// the sender still gets its acknowledgement.
	alice.send("/sendfile gone.txt carol 4")
	if _, err := alice.conn.Write([]byte("data")); err != nil {
		t.Fatalf("writing payload: %v", err)
	}
	alice.expectPrefix("[OK] ")

	// The session remains fully usable afterwards.
	alice.send("/join lobby")
	alice.expectPrefix("[OK] ")
}

// expectOKAllowingInfo reads until an [OK] line, tolerating the [INFO]
// queued notice that precedes a blocking enqueue.
func (c *testClient) expectOKAllowingInfo() {
	c.t.Helper()
	for {
		got := c.readLine()
		if strings.HasPrefix(got, "[OK] ") {
			return
		}
		if strings.HasPrefix(got, "[INFO] ") {
			continue
		}
		c.t.Fatalf("read %q, want [OK] or [INFO]", got)
	}
}

func TestSendFileBackpressureBlocksThenCompletes(t *testing.T) {
	if testing.Short() {
		t.Skip("moves several MB through the upload pipeline")
	}
	srv := startTestServer(t, nil)

	sender := dialAndRegister(t, srv, "sender")
	slow := dialAndRegister(t, srv, "slow")

	// The notify pump forwards the slow recipient's pipe into its
	// transport, and large kernel socket buffers would absorb whole
	// payloads. Keep both ends' buffers small so one worker blocks
	// mid-stream and the rest serialize behind it: the queue genuinely
	// fills.
	slow.conn.(*net.TCPConn).SetReadBuffer(4096)
	srv.directory.Resolve("slow").conn.(*net.TCPConn).SetWriteBuffer(4096)

	payload := bytes.Repeat([]byte{0xab}, 1024*1024)
	const transfers = 11 // 5 workers + queue of 5 + one that must block

	for i := 0; i < transfers-1; i++ {
		sender.send(fmt.Sprintf("/sendfile part%d.bin slow %d", i, len(payload)))
		if _, err := sender.conn.Write(payload); err != nil {
			t.Fatalf("writing payload %d: %v", i, err)
		}
		sender.expectOKAllowingInfo()
	}

	sender.send(fmt.Sprintf("/sendfile last.bin slow %d", len(payload)))
	if _, err := sender.conn.Write(payload); err != nil {
		t.Fatalf("writing final payload: %v", err)
	}

	// The final enqueue parks inside the server; no [OK] may arrive
	// while nothing drains, but the sender's transport stays alive.
	sender.conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if line, err := sender.br.ReadString('\n'); err == nil && strings.HasPrefix(line, "[OK]") {
		t.Fatalf("final enqueue completed against a full queue: %q", line)
	}

	// Draining the recipient lets a worker finish and the enqueue proceed.
	go io.Copy(io.Discard, slow.conn)

	sender.conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	sender.expectOKAllowingInfo()
}

func TestExitFreesName(t *testing.T) {
	srv := startTestServer(t, nil)

	c := dialAndRegister(t, srv, "alice")
	c.send("/exit")
	c.expectLine("[INFO] Goodbye!")

	// Teardown is asynchronous; retry until the directory slot frees.
	deadline := time.Now().Add(3 * time.Second)
	for {
		again := dialServer(t, srv)
		again.send("alice")
		reply := again.readLine()
		if reply == "[OK] Username accepted." {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("name still taken after exit: %q", reply)
		}
		again.conn.Close()
		time.Sleep(20 * time.Millisecond)
	}
}

func TestGracefulShutdownSaysGoodbye(t *testing.T) {
	srv := startTestServer(t, nil)

	a := dialAndRegister(t, srv, "alice")
	b := dialAndRegister(t, srv, "bob")

	done := make(chan struct{})
	go func() {
		srv.Shutdown()
		close(done)
	}()

	for _, cl := range []*testClient{a, b} {
		cl.expectLine("[SERVER] shutting down. Goodbye.")
		// After the goodbye the transport closes out.
		cl.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		if _, err := cl.br.ReadString('\n'); err == nil {
			t.Fatalf("expected EOF after goodbye")
		}
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("Shutdown did not complete")
	}
}

func TestShutdownWithIdleServerCompletes(t *testing.T) {
	srv := startTestServer(t, nil)

	done := make(chan struct{})
	go func() {
		srv.Shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("idle Shutdown did not complete")
	}
}
