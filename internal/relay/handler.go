package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/ashureev/relaycore/internal/domain"
	"github.com/ashureev/relaycore/internal/protocol"
)

// ConnectionHandler owns one admitted session's steady-state protocol loop:
// it reads bytes off the socket, interprets them as either newline-delimited
// JSON frames (ModeFrame) or raw file payload (ModeRelay), dispatches each
// frame, and relays payload bytes verbatim to the receiver's own socket.
// Every field below except srv is touched only from the goroutine running
// run(), per §4.2's "mode, buffer, and transfer context belong to the
// handler" invariant; the one exception is TransferContext.Deadline
// expiry, which the coordinator's watchdog may also race to release (see
// internal/transfer's Release and Coordinator.sweep).
type ConnectionHandler struct {
	srv     *Server
	session *domain.Session
	log     *slog.Logger

	buf   []byte
	chunk []byte
}

func newConnectionHandler(srv *Server, sess *domain.Session, log *slog.Logger) *ConnectionHandler {
	return &ConnectionHandler{
		srv:     srv,
		session: sess,
		log:     log,
		chunk:   make([]byte, srv.Config.BufferSize),
	}
}

// run is the connection's steady-state loop, alive until the socket
// errors, the peer disconnects, or ctx is cancelled at shutdown. It always
// ends in cleanup, which tears down registry membership, any owned file
// transfer, and announces departure.
func (h *ConnectionHandler) run(ctx context.Context) {
	defer h.cleanup()
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("connection handler panicked", "user", h.session.Username, "panic", r)
		}
	}()

	go func() {
		<-ctx.Done()
		_ = h.session.Conn.Close()
	}()

	for {
		if h.session.Mode == domain.ModeRelay && h.session.Transfer != nil {
			_ = h.session.Conn.SetReadDeadline(h.session.Transfer.Deadline)
		} else {
			_ = h.session.Conn.SetReadDeadline(time.Time{})
		}

		n, err := h.session.Conn.Read(h.chunk)
		if n > 0 {
			h.buf = append(h.buf, h.chunk[:n]...)
			if derr := h.drain(); derr != nil {
				h.log.Debug("closing connection after protocol error", "error", derr)
				return
			}
		}
		if err != nil {
			if h.absorbTimeout(err) {
				continue
			}
			if errors.Is(err, io.EOF) {
				h.log.Info("connection closed by peer", "user", h.session.Username)
			} else {
				h.log.Debug("read error", "user", h.session.Username, "error", err)
			}
			return
		}
	}
}

// absorbTimeout recognizes a read deadline expiry that corresponds to this
// handler's own in-progress file transfer, handles it locally, and reports
// true so run's loop keeps the connection alive in ModeFrame. Any other
// error (including a timeout unrelated to a transfer) is reported false.
func (h *ConnectionHandler) absorbTimeout(err error) bool {
	var netErr net.Error
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		return false
	}
	if h.session.Mode != domain.ModeRelay || h.session.Transfer == nil {
		return false
	}

	tc := h.session.Transfer
	if h.srv.Coordinator.Release(tc) {
		h.log.Warn("file transfer timed out", "file_id", tc.FileID, "receiver", tc.Receiver)
		h.sendError(fmt.Sprintf("File transfer to %s timed out", tc.Receiver))
		h.srv.Registry.SendTo(tc.Receiver, protocol.ErrorFrame{
			Type:    protocol.TypeError,
			Message: fmt.Sprintf("File transfer from %s timed out", tc.Sender),
		})
	}
	h.session.Transfer = nil
	h.session.Mode = domain.ModeFrame
	return true
}

// drain processes every complete unit already buffered: full frame lines in
// ModeFrame, or as many relay-mode bytes as are available, stopping only
// once neither can make further progress without another socket read.
func (h *ConnectionHandler) drain() error {
	for {
		if h.session.Mode == domain.ModeRelay {
			progressed, err := h.relayStep()
			if err != nil {
				return err
			}
			if !progressed {
				return nil
			}
			continue
		}

		line, ok := h.nextLine()
		if !ok {
			return h.checkFrameOverflow()
		}
		h.dispatchLine(line)
	}
}

// nextLine extracts one newline-delimited frame from the buffer, if a full
// line is available.
func (h *ConnectionHandler) nextLine() ([]byte, bool) {
	idx := bytes.IndexByte(h.buf, '\n')
	if idx < 0 {
		return nil, false
	}
	line := make([]byte, idx)
	copy(line, h.buf[:idx])
	h.buf = h.buf[idx+1:]
	return line, true
}

// checkFrameOverflow guards against a peer that never sends a newline: once
// buffered bytes exceed twice MAX_MESSAGE_SIZE, the buffer is dropped and an
// error frame sent, rather than growing it without bound.
func (h *ConnectionHandler) checkFrameOverflow() error {
	limit := 2 * h.srv.Config.MaxMessageSize
	if len(h.buf) > limit {
		h.log.Warn("frame buffer exceeded limit, dropping buffered bytes", "buffered", len(h.buf), "limit", limit)
		h.buf = h.buf[:0]
		h.sendError("Message too large or malformed framing")
	}
	return nil
}

// relayStep advances at most one chunk of an in-progress file transfer. It
// reports progressed=false when the buffer has nothing left to relay right
// now, signalling the caller to block on another socket read.
func (h *ConnectionHandler) relayStep() (progressed bool, err error) {
	tc := h.session.Transfer
	if tc == nil {
		h.session.Mode = domain.ModeFrame
		return true, nil
	}

	// A zero-byte (or already-satisfied) transfer completes without
	// consuming anything; the next bytes in the buffer are the
	// file_transfer_end frame, parsed on the following loop iteration.
	if tc.Remaining() <= 0 {
		h.session.Mode = domain.ModeFrame
		return true, nil
	}

	if len(h.buf) == 0 {
		return false, nil
	}

	k := tc.Remaining()
	if int64(len(h.buf)) < k {
		k = int64(len(h.buf))
	}
	chunk := h.buf[:k]

	if werr := tc.ReceiverSession.WriteBytes(chunk); werr != nil {
		h.log.Warn("receiver write failed mid-transfer", "file_id", tc.FileID, "receiver", tc.Receiver, "error", werr)
		if h.srv.Coordinator.Release(tc) {
			h.sendError(fmt.Sprintf("Failed to relay to %s", tc.Receiver))
		}
		h.buf = h.buf[k:]
		h.session.Transfer = nil
		h.session.Mode = domain.ModeFrame
		return true, nil
	}

	tc.BytesRelayed += k
	h.buf = h.buf[k:]
	if tc.Complete() {
		h.session.Mode = domain.ModeFrame
	}
	return true, nil
}

// dispatchLine enforces the per-line size bound, parses the envelope to
// learn its type, then routes to the matching handler.
func (h *ConnectionHandler) dispatchLine(line []byte) {
	if len(line) > h.srv.Config.MaxMessageSize {
		h.sendError(fmt.Sprintf("Message too large (max %d bytes)", h.srv.Config.MaxMessageSize))
		return
	}
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return
	}

	var env protocol.Envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		h.sendError("Invalid message format")
		return
	}

	switch env.Type {
	case protocol.TypeGroup:
		h.handleGroup(trimmed)
	case protocol.TypeDM:
		h.handleDM(trimmed)
	case protocol.TypeRequestUsers:
		broadcastUserList(h.srv.Registry)
	case protocol.TypeRequestHistory:
		h.handleRequestHistory(trimmed)
	case protocol.TypeTyping:
		h.handleTyping(trimmed)
	case protocol.TypeFileTransferStart:
		h.handleFileTransferStart(trimmed)
	case protocol.TypeFileTransferEnd:
		h.handleFileTransferEnd(trimmed)
	default:
		h.log.Debug("ignoring unrecognized frame type", "type", env.Type, "user", h.session.Username)
	}
}

func (h *ConnectionHandler) handleGroup(line []byte) {
	var in protocol.GroupFrame
	if err := json.Unmarshal(line, &in); err != nil || in.Message == "" {
		h.sendError("Invalid message")
		return
	}

	h.srv.History.SaveAsync(domain.Message{
		Sender:     h.session.Username,
		Recipient:  protocol.GroupTarget,
		Message:    in.Message,
		Type:       protocol.TypeGroup,
		Ciphertext: in.EncryptedData,
		Nonce:      in.Nonce,
		MAC:        in.MAC,
	})

	out := protocol.GroupFrame{
		Type:          protocol.TypeGroup,
		From:          h.session.Username,
		Message:       in.Message,
		EncryptedData: in.EncryptedData,
		Nonce:         in.Nonce,
		MAC:           in.MAC,
		Timestamp:     nowTimestamp(),
	}
	h.srv.Registry.Broadcast(out, h.session.Username)
}

func (h *ConnectionHandler) handleDM(line []byte) {
	var in protocol.DMFrame
	if err := json.Unmarshal(line, &in); err != nil || in.To == "" || in.Message == "" {
		h.sendError("Invalid message or recipient")
		return
	}

	h.srv.History.SaveAsync(domain.Message{
		Sender:     h.session.Username,
		Recipient:  in.To,
		Message:    in.Message,
		Type:       protocol.TypeDM,
		Ciphertext: in.EncryptedData,
		Nonce:      in.Nonce,
		MAC:        in.MAC,
	})

	timestamp := nowTimestamp()
	delivery := protocol.DMFrame{
		Type:          protocol.TypeDM,
		From:          h.session.Username,
		To:            in.To,
		Message:       in.Message,
		EncryptedData: in.EncryptedData,
		Nonce:         in.Nonce,
		MAC:           in.MAC,
		Timestamp:     timestamp,
	}

	if h.srv.Registry.SendTo(in.To, delivery) {
		h.sendFrame(protocol.DMFrame{
			Type:      protocol.TypeDM,
			From:      h.session.Username,
			To:        in.To,
			Message:   in.Message,
			Sent:      true,
			Timestamp: timestamp,
		})
	} else {
		h.sendError(fmt.Sprintf("User %s not found or offline", in.To))
	}
}

func (h *ConnectionHandler) handleRequestHistory(line []byte) {
	var in protocol.RequestHistoryFrame
	if err := json.Unmarshal(line, &in); err != nil || in.ChatWith == "" {
		h.sendError("Invalid history request")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.srv.Config.HistoryTimeout)
	defer cancel()

	messages, err := h.srv.History.FetchHistory(ctx, h.session.Username, in.ChatWith)
	if err != nil {
		h.log.Warn("history fetch failed", "user", h.session.Username, "chat_with", in.ChatWith, "error", err)
		return
	}

	h.sendFrame(protocol.HistoryFrame{
		Type:     protocol.TypeHistory,
		ChatWith: in.ChatWith,
		Messages: messages,
	})
}

func (h *ConnectionHandler) handleTyping(line []byte) {
	var in protocol.TypingFrame
	if err := json.Unmarshal(line, &in); err != nil || in.To == "" {
		return
	}

	out := protocol.TypingFrame{Type: protocol.TypeTyping, From: h.session.Username, To: in.To}
	if in.To == protocol.GroupTarget {
		h.srv.Registry.Broadcast(out, h.session.Username)
		return
	}
	h.srv.Registry.SendTo(in.To, out)
}

// handleFileTransferStart implements §4.2.1's initiation sequence: reserve
// the (sender, receiver) pair under the coordinator lock, look up the
// receiver's session, forward a file_transfer_start frame to the receiver
// (same file_id, file_name and file_size, with sender in place of
// receiver), and only then switch this handler into ModeRelay.
func (h *ConnectionHandler) handleFileTransferStart(line []byte) {
	var in protocol.FileTransferStartFrame
	if err := json.Unmarshal(line, &in); err != nil || in.Receiver == "" || in.FileID == "" {
		h.sendError("Invalid file transfer request")
		return
	}
	if in.FileSize < 0 {
		h.sendError("Invalid file size")
		return
	}
	if in.Receiver == h.session.Username {
		h.sendError("Cannot send a file to yourself")
		return
	}

	tc, err := h.srv.Coordinator.TryReserve(in.FileID, in.FileName, h.session, in.Receiver, in.FileSize)
	if err != nil {
		h.sendError("A transfer is already in progress for you or the recipient")
		return
	}

	receiverSess := h.srv.Registry.Lookup(in.Receiver)
	if receiverSess == nil {
		h.srv.Coordinator.Release(tc)
		h.sendError(fmt.Sprintf("%s is offline", in.Receiver))
		return
	}
	tc.ReceiverSession = receiverSess

	forward := protocol.FileTransferStartFrame{
		Type:     protocol.TypeFileTransferStart,
		FileID:   in.FileID,
		FileName: in.FileName,
		FileSize: in.FileSize,
		Sender:   h.session.Username,
	}
	if err := receiverSess.WriteFrame(mustMarshalFrame(forward)); err != nil {
		h.log.Warn("failed to forward file_transfer_start", "receiver", in.Receiver, "error", err)
		h.srv.Coordinator.Release(tc)
		h.sendError(fmt.Sprintf("Failed to reach %s", in.Receiver))
		return
	}

	h.session.Transfer = tc
	h.session.Mode = domain.ModeRelay
	h.log.Info("file transfer started", "file_id", in.FileID, "receiver", in.Receiver, "size", in.FileSize)
}

// handleFileTransferEnd completes a transfer: the declared FileID must match
// the handler's own active context, an end frame carrying the same file_id
// and status is forwarded to the receiver, and the reservation is released.
func (h *ConnectionHandler) handleFileTransferEnd(line []byte) {
	var in protocol.FileTransferEndFrame
	if err := json.Unmarshal(line, &in); err != nil {
		h.sendError("Invalid file transfer end frame")
		return
	}

	tc := h.session.Transfer
	if tc == nil || tc.FileID != in.FileID {
		h.log.Warn("file_transfer_end for unknown or mismatched transfer", "file_id", in.FileID, "user", h.session.Username)
		return
	}

	forward := protocol.FileTransferEndFrame{Type: protocol.TypeFileTransferEnd, FileID: in.FileID, Status: in.Status}
	if err := tc.ReceiverSession.WriteFrame(mustMarshalFrame(forward)); err != nil {
		h.log.Warn("failed to forward file_transfer_end", "receiver", tc.Receiver, "error", err)
	}

	h.srv.Coordinator.Release(tc)
	h.session.Transfer = nil
}

// cleanup runs once per connection, on every exit path from run. It closes
// the socket, removes registry membership, releases any transfer this
// session was still a party to (notifying the other side), and announces
// the departure, per §4.2.3.
func (h *ConnectionHandler) cleanup() {
	_ = h.session.Close()
	h.srv.Registry.Remove(h.session.Username, h.session)

	if tc := h.srv.Coordinator.ActiveFor(h.session.Username); tc != nil {
		if h.srv.Coordinator.Release(tc) {
			other := tc.Receiver
			if tc.Receiver == h.session.Username {
				other = tc.Sender
			}
			h.srv.Registry.SendTo(other, protocol.ErrorFrame{
				Type:    protocol.TypeError,
				Message: fmt.Sprintf("%s disconnected, file transfer aborted", h.session.Username),
			})
		}
	}

	h.srv.Registry.Broadcast(protocol.SystemFrame{
		Type:    protocol.TypeSystem,
		Message: fmt.Sprintf("%s left the chat", h.session.Username),
	}, "")
	broadcastUserList(h.srv.Registry)

	h.log.Info("session closed", "user", h.session.Username)
}

func (h *ConnectionHandler) sendError(message string) {
	if err := h.session.WriteFrame(mustMarshalFrame(protocol.ErrorFrame{Type: protocol.TypeError, Message: message})); err != nil {
		h.log.Debug("failed to send error frame", "user", h.session.Username, "error", err)
	}
}

func (h *ConnectionHandler) sendFrame(v interface{}) {
	if err := h.session.WriteFrame(mustMarshalFrame(v)); err != nil {
		h.log.Debug("failed to send frame", "user", h.session.Username, "error", err)
	}
}

func nowTimestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
