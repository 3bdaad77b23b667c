// Package transfer tracks and exclusively locks active file transfers
// between user pairs.
package transfer

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/relaycore/internal/domain"
)

// ErrConflict is returned by TryReserve when the sender or receiver is
// already a party to another transfer.
var ErrConflict = errors.New("transfer conflict")

// Coordinator holds two logical reservation sets keyed by username
// ("sending" and "receiving") plus the live contexts themselves. One mutex
// serializes all coordinator state, per §4.4.
type Coordinator struct {
	mu        sync.Mutex
	sending   map[string]*domain.TransferContext
	receiving map[string]*domain.TransferContext
	byFileID  map[string]*domain.TransferContext
	timeout   time.Duration
}

// New creates a Coordinator whose contexts expire after timeout.
func New(timeout time.Duration) *Coordinator {
	return &Coordinator{
		sending:   make(map[string]*domain.TransferContext),
		receiving: make(map[string]*domain.TransferContext),
		byFileID:  make(map[string]*domain.TransferContext),
		timeout:   timeout,
	}
}

// TryReserve creates and reserves a TransferContext for (sender, receiver)
// if neither participant is already sending, receiving, or otherwise
// referenced by an active context. The check and the reservation happen
// atomically under the coordinator lock, per §3's invariant: "at any
// instant, for each participant, at most one TransferContext references
// that participant as sender OR receiver".
func (c *Coordinator) TryReserve(fileID, fileName string, senderSession *domain.Session, receiver string, fileSize int64) (*domain.TransferContext, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sender := senderSession.Username
	if c.busyLocked(sender) || c.busyLocked(receiver) {
		return nil, ErrConflict
	}

	now := time.Now()
	ctx := &domain.TransferContext{
		FileID:        fileID,
		FileName:      fileName,
		Sender:        sender,
		Receiver:      receiver,
		Expected:      fileSize,
		SenderSession: senderSession,
		StartedAt:     now,
		Deadline:      now.Add(c.timeout),
	}

	c.sending[sender] = ctx
	c.receiving[receiver] = ctx
	c.byFileID[fileID] = ctx
	slog.Info("transfer reserved", "file_id", fileID, "sender", sender, "receiver", receiver, "size", fileSize)
	return ctx, nil
}

// busyLocked reports whether user is already a party to an active
// transfer, as sender or as receiver. Must be called with mu held.
func (c *Coordinator) busyLocked(user string) bool {
	if _, ok := c.sending[user]; ok {
		return true
	}
	if _, ok := c.receiving[user]; ok {
		return true
	}
	return false
}

// Release removes ctx's reservations and the context itself, returning
// whether it actually did so. Safe to call more than once for the same
// context: a completion path, a handler's deferred cleanup, and the
// timeout watchdog can all race to release the same context, and only the
// one that sees removed==true is responsible for notifying both parties.
func (c *Coordinator) Release(ctx *domain.TransferContext) bool {
	if ctx == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := false
	if c.sending[ctx.Sender] == ctx {
		delete(c.sending, ctx.Sender)
		removed = true
	}
	if c.receiving[ctx.Receiver] == ctx {
		delete(c.receiving, ctx.Receiver)
		removed = true
	}
	if c.byFileID[ctx.FileID] == ctx {
		delete(c.byFileID, ctx.FileID)
	}
	if removed {
		slog.Info("transfer released", "file_id", ctx.FileID, "sender", ctx.Sender, "receiver", ctx.Receiver)
	}
	return removed
}

// ActiveFor returns the TransferContext referencing user as either sender
// or receiver, or nil.
func (c *Coordinator) ActiveFor(user string) *domain.TransferContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ctx, ok := c.sending[user]; ok {
		return ctx
	}
	if ctx, ok := c.receiving[user]; ok {
		return ctx
	}
	return nil
}

// ByFileID returns the TransferContext for fileID, or nil.
func (c *Coordinator) ByFileID(fileID string) *domain.TransferContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.byFileID[fileID]
}

// ActiveCount returns the number of distinct transfers currently reserved.
func (c *Coordinator) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byFileID)
}

// expired returns every context past its deadline, without mutating state.
func (c *Coordinator) expired(now time.Time) []*domain.TransferContext {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []*domain.TransferContext
	seen := make(map[string]bool)
	for _, ctx := range c.byFileID {
		if seen[ctx.FileID] {
			continue
		}
		seen[ctx.FileID] = true
		if ctx.Expired(now) {
			out = append(out, ctx)
		}
	}
	return out
}
