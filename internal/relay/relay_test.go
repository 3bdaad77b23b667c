package relay

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ashureev/relaycore/internal/config"
	"github.com/golang-jwt/jwt/v5"
)

const testJWTSecret = "integration-test-secret"

func signToken(t *testing.T, username string, ttl time.Duration) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub": username,
		"exp": time.Now().Add(ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

// startTestRelay wires a Server against an in-memory history stub and
// starts its Listener on an ephemeral loopback port, returning the address.
// Everything is stopped through t.Cleanup when the test ends.
func startTestRelay(t *testing.T) string {
	t.Helper()

	history := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/messages/save":
			w.WriteHeader(http.StatusCreated)
		case "/messages/history":
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"messages": []interface{}{}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(history.Close)

	cfg := &config.Config{
		Port:                 "0",
		JWTSecret:            testJWTSecret,
		HistoryBase:          history.URL,
		BufferSize:           4096,
		MaxMessageSize:       10240,
		FileTransferTimeout:  300 * time.Millisecond,
		HandshakeTimeout:     2 * time.Second,
		HandshakeBufferLimit: 1024,
		HistoryTimeout:       time.Second,
		TransferSweep:        20 * time.Millisecond,
	}

	srv := NewServer(cfg)
	listener, err := NewListener(srv, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("bind listener: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		_ = listener.Serve(ctx)
	}()
	go srv.Coordinator.RunWatchdog(ctx, cfg.TransferSweep, TimeoutNotifier(srv))

	t.Cleanup(func() {
		cancel()
		_ = listener.Close()
	})

	return listener.Addr().String()
}

type testClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func connectAndAuth(t *testing.T, addr, username string) *testClient {
	t.Helper()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	c := &testClient{t: t, conn: conn, r: bufio.NewReader(conn)}

	auth := c.readFrame(2 * time.Second)
	if auth["type"] != "request_auth" {
		t.Fatalf("expected request_auth, got %v", auth)
	}

	token := signToken(t, username, time.Hour)
	c.writeJSON(map[string]string{"token": token})

	welcome := c.readFrame(2 * time.Second)
	if welcome["type"] != "system" {
		t.Fatalf("expected welcome system frame, got %v", welcome)
	}

	return c
}

func (c *testClient) writeJSON(v interface{}) {
	c.t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		c.t.Fatalf("marshal: %v", err)
	}
	data = append(data, '\n')
	if _, err := c.conn.Write(data); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *testClient) readFrame(timeout time.Duration) map[string]interface{} {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	line, err := c.r.ReadBytes('\n')
	if err != nil {
		c.t.Fatalf("read frame: %v", err)
	}
	var frame map[string]interface{}
	if err := json.Unmarshal(line, &frame); err != nil {
		c.t.Fatalf("unmarshal frame %q: %v", line, err)
	}
	return frame
}

// readFrameOfType discards unrelated frames (join/user_list noise from other
// clients) until it finds one matching frameType or the timeout expires.
func (c *testClient) readFrameOfType(frameType string, timeout time.Duration) map[string]interface{} {
	c.t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		frame := c.readFrame(time.Until(deadline))
		if frame["type"] == frameType {
			return frame
		}
	}
	c.t.Fatalf("timed out waiting for frame type %q", frameType)
	return nil
}

func (c *testClient) close() {
	_ = c.conn.Close()
}

func TestHandshake_InvalidTokenIsRejected(t *testing.T) {
	addr := startTestRelay(t)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	c := &testClient{t: t, conn: conn, r: bufio.NewReader(conn)}
	auth := c.readFrame(2 * time.Second)
	if auth["type"] != "request_auth" {
		t.Fatalf("expected request_auth, got %v", auth)
	}
	c.writeJSON(map[string]string{"token": "not-a-valid-jwt"})

	reply := c.readFrame(2 * time.Second)
	if reply["type"] != "error" {
		t.Fatalf("expected an error frame for an invalid token, got %v", reply)
	}
}

func TestHandshake_DuplicateUsernameRejected(t *testing.T) {
	addr := startTestRelay(t)

	first := connectAndAuth(t, addr, "alice")
	defer first.close()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	c := &testClient{t: t, conn: conn, r: bufio.NewReader(conn)}
	c.readFrame(2 * time.Second) // request_auth
	c.writeJSON(map[string]string{"token": signToken(t, "alice", time.Hour)})

	reply := c.readFrame(2 * time.Second)
	if reply["type"] != "error" {
		t.Fatalf("expected username-taken error, got %v", reply)
	}
}

func TestGroupMessage_BroadcastExcludesSender(t *testing.T) {
	addr := startTestRelay(t)

	alice := connectAndAuth(t, addr, "alice")
	defer alice.close()
	bob := connectAndAuth(t, addr, "bob")
	defer bob.close()

	// Drain alice's join-of-bob and updated user_list noise.
	alice.readFrameOfType("system", 2*time.Second)
	alice.readFrameOfType("user_list", 2*time.Second)

	alice.writeJSON(map[string]string{"type": "group", "message": "hello everyone"})

	got := bob.readFrameOfType("group", 2*time.Second)
	if got["message"] != "hello everyone" || got["from"] != "alice" {
		t.Fatalf("unexpected group frame at bob: %v", got)
	}

	// alice must not receive her own group message back.
	alice.conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	buf := make([]byte, 1)
	if _, err := alice.conn.Read(buf); err == nil {
		t.Fatal("expected alice to not receive her own group message")
	}
}

func TestDirectMessage_DeliveryAndConfirmation(t *testing.T) {
	addr := startTestRelay(t)

	alice := connectAndAuth(t, addr, "alice")
	defer alice.close()
	bob := connectAndAuth(t, addr, "bob")
	defer bob.close()

	alice.writeJSON(map[string]string{"type": "dm", "to": "bob", "message": "hi bob"})

	delivered := bob.readFrameOfType("dm", 2*time.Second)
	if delivered["from"] != "alice" || delivered["message"] != "hi bob" {
		t.Fatalf("unexpected dm at bob: %v", delivered)
	}

	confirmation := alice.readFrameOfType("dm", 2*time.Second)
	if confirmation["sent"] != true {
		t.Fatalf("expected sender confirmation with sent=true, got %v", confirmation)
	}
}

func TestDirectMessage_RecipientOffline(t *testing.T) {
	addr := startTestRelay(t)

	alice := connectAndAuth(t, addr, "alice")
	defer alice.close()

	alice.writeJSON(map[string]string{"type": "dm", "to": "ghost", "message": "anyone there?"})

	reply := alice.readFrameOfType("error", 2*time.Second)
	if reply["message"] == "" {
		t.Fatalf("expected a non-empty error message, got %v", reply)
	}
}

func TestFileTransfer_HappyPath(t *testing.T) {
	addr := startTestRelay(t)

	alice := connectAndAuth(t, addr, "alice")
	defer alice.close()
	bob := connectAndAuth(t, addr, "bob")
	defer bob.close()

	payload := []byte("the quick brown fox jumps over the lazy dog")

	alice.writeJSON(map[string]interface{}{
		"type":      "file_transfer_start",
		"file_id":   "f1",
		"file_name": "note.txt",
		"file_size": len(payload),
		"receiver":  "bob",
	})

	start := bob.readFrameOfType("file_transfer_start", 2*time.Second)
	if start["file_id"] != "f1" || start["sender"] != "alice" {
		t.Fatalf("unexpected file_transfer_start at bob: %v", start)
	}

	if _, err := alice.conn.Write(payload); err != nil {
		t.Fatalf("write payload: %v", err)
	}

	_ = bob.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	received := make([]byte, len(payload))
	if _, err := ioReadFull(bob.conn, received); err != nil {
		t.Fatalf("read payload: %v", err)
	}
	if string(received) != string(payload) {
		t.Fatalf("payload mismatch: got %q", received)
	}

	alice.writeJSON(map[string]string{"type": "file_transfer_end", "file_id": "f1", "status": "ok"})

	end := bob.readFrameOfType("file_transfer_end", 2*time.Second)
	if end["file_id"] != "f1" {
		t.Fatalf("unexpected file_transfer_end at bob: %v", end)
	}
}

func TestFileTransfer_ConflictThenRetryAfterRelease(t *testing.T) {
	addr := startTestRelay(t)

	alice := connectAndAuth(t, addr, "alice")
	defer alice.close()
	bob := connectAndAuth(t, addr, "bob")
	defer bob.close()
	carol := connectAndAuth(t, addr, "carol")
	defer carol.close()

	alice.writeJSON(map[string]interface{}{
		"type": "file_transfer_start", "file_id": "f1", "file_name": "a.bin", "file_size": 4, "receiver": "bob",
	})
	bob.readFrameOfType("file_transfer_start", 2*time.Second)

	carol.writeJSON(map[string]interface{}{
		"type": "file_transfer_start", "file_id": "f2", "file_name": "b.bin", "file_size": 4, "receiver": "bob",
	})
	conflict := carol.readFrameOfType("error", 2*time.Second)
	if conflict["message"] == "" {
		t.Fatalf("expected a conflict error for carol, got %v", conflict)
	}

	// alice finishes her transfer to bob, freeing bob up as a receiver.
	if _, err := alice.conn.Write([]byte("data")); err != nil {
		t.Fatalf("write payload: %v", err)
	}
	received := make([]byte, 4)
	_ = bob.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := ioReadFull(bob.conn, received); err != nil {
		t.Fatalf("read payload: %v", err)
	}
	alice.writeJSON(map[string]string{"type": "file_transfer_end", "file_id": "f1", "status": "ok"})
	bob.readFrameOfType("file_transfer_end", 2*time.Second)

	// carol's retry should now succeed since bob is free again.
	carol.writeJSON(map[string]interface{}{
		"type": "file_transfer_start", "file_id": "f2", "file_name": "b.bin", "file_size": 4, "receiver": "bob",
	})
	retry := bob.readFrameOfType("file_transfer_start", 2*time.Second)
	if retry["file_id"] != "f2" || retry["sender"] != "carol" {
		t.Fatalf("expected carol's retried transfer to start, got %v", retry)
	}
}

func ioReadFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
