package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/ashureev/relaycore/internal/auth"
	"github.com/ashureev/relaycore/internal/domain"
	"github.com/ashureev/relaycore/internal/protocol"
	"github.com/google/uuid"
)

// Listener binds a TCP port, accepts connections indefinitely, and performs
// the token handshake before handing each admitted connection off to a
// ConnectionHandler, per §4.1.
type Listener struct {
	srv *Server
	ln  net.Listener
}

// NewListener binds addr (":5050" style) and returns a Listener ready to
// Serve.
func NewListener(srv *Server, addr string) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	return &Listener{srv: srv, ln: ln}, nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Serve accepts connections until ctx is cancelled or Close is called.
func (l *Listener) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = l.ln.Close()
	}()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		go l.handshake(ctx, conn)
	}
}

// Close stops accepting new connections.
func (l *Listener) Close() error {
	return l.ln.Close()
}

// handshake performs steps 1-9 of §4.1 for one accepted socket: request
// auth, read the token line under a deadline, verify it, validate the
// username, register the session, announce it, and spawn the
// ConnectionHandler. Any rejection closes the socket after writing an
// error frame.
func (l *Listener) handshake(ctx context.Context, conn net.Conn) {
	connID := uuid.NewString()
	log := slog.With("conn_id", connID, "remote", conn.RemoteAddr().String())
	log.Info("connection accepted")

	cfg := l.srv.Config

	if err := conn.SetReadDeadline(time.Now().Add(cfg.HandshakeTimeout)); err != nil {
		log.Warn("failed to set handshake deadline", "error", err)
		_ = conn.Close()
		return
	}

	if err := writeFrame(conn, protocol.RequestAuthFrame{Type: protocol.TypeRequestAuth}); err != nil {
		log.Warn("failed to send request_auth", "error", err)
		_ = conn.Close()
		return
	}

	line, err := readHandshakeLine(conn, cfg.HandshakeBufferLimit)
	if err != nil {
		log.Warn("handshake read failed", "error", err)
		rejectAndClose(conn, log, "authentication timed out or malformed")
		return
	}

	var authFrame protocol.AuthFrame
	if err := json.Unmarshal(line, &authFrame); err != nil {
		rejectAndClose(conn, log, "malformed auth frame")
		return
	}

	username, err := l.srv.Verifier.Verify(authFrame.Token)
	if err != nil {
		log.Warn("auth failed", "error", err)
		rejectAndClose(conn, log, authRejectMessage(err))
		return
	}

	sess := domain.NewSession(connID, username, conn)

	if !l.srv.Registry.Register(username, sess) {
		rejectAndClose(conn, log, "Username already taken")
		return
	}

	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		log.Warn("failed to clear handshake deadline", "error", err)
	}

	welcome := protocol.SystemFrame{
		Type:                 protocol.TypeSystem,
		Message:              fmt.Sprintf("Welcome to the server, %s!", username),
		FileTransferTimeoutS: l.srv.fileTransferTimeoutSeconds(),
	}
	if err := sess.WriteFrame(mustMarshalFrame(welcome)); err != nil {
		log.Warn("failed to send welcome frame", "user", username, "error", err)
	}

	l.srv.Registry.Broadcast(protocol.SystemFrame{
		Type:    protocol.TypeSystem,
		Message: fmt.Sprintf("%s joined the chat", username),
	}, username)

	broadcastUserList(l.srv.Registry)

	log.Info("session admitted", "user", username)

	h := newConnectionHandler(l.srv, sess, log)
	go h.run(ctx)
}

func authRejectMessage(err error) string {
	switch {
	case errors.Is(err, auth.ErrMissingToken):
		return "Missing token"
	case errors.Is(err, auth.ErrExpiredToken):
		return "Token expired"
	case errors.Is(err, auth.ErrInvalidSubject):
		return "Invalid username format"
	default:
		return "Invalid token"
	}
}

func rejectAndClose(conn net.Conn, log *slog.Logger, message string) {
	if err := writeFrame(conn, protocol.ErrorFrame{Type: protocol.TypeError, Message: message}); err != nil {
		log.Debug("failed to write rejection frame", "error", err)
	}
	_ = conn.Close()
}

// readHandshakeLine reads bytes from conn until a newline is observed or
// limit bytes have been buffered without one, per §4.1 step 3.
func readHandshakeLine(conn net.Conn, limit int) ([]byte, error) {
	buf := make([]byte, 0, 256)
	chunk := make([]byte, 256)
	for {
		if idx := bytes.IndexByte(buf, '\n'); idx >= 0 {
			return buf[:idx], nil
		}
		if len(buf) >= limit {
			return nil, fmt.Errorf("handshake line exceeds %d bytes", limit)
		}
		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			return nil, err
		}
	}
}

func writeFrame(conn net.Conn, v interface{}) error {
	_, err := conn.Write(mustMarshalFrame(v))
	return err
}

func mustMarshalFrame(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		// Every frame type here is a fixed, hand-written struct; a marshal
		// failure means a programming error, not a runtime condition.
		panic(fmt.Sprintf("relay: failed to marshal frame %T: %v", v, err))
	}
	return append(data, '\n')
}
