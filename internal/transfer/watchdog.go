package transfer

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/relaycore/internal/domain"
)

// TimeoutCallback is invoked once per expired TransferContext so the caller
// (internal/relay) can notify both parties; the sender's own handler drops
// to frame mode when its read deadline fires. It must
// not block for long: it runs on the watchdog's own goroutine and a slow
// callback delays every other pending timeout check.
type TimeoutCallback func(ctx *domain.TransferContext)

// RunWatchdog periodically sweeps for transfers that have exceeded
// FILE_TRANSFER_TIMEOUT, releases each, and invokes onTimeout for every
// context this sweep was the one to remove.
// Mirrors the ticker-driven sweep used elsewhere in this codebase for
// periodic cleanup: a ticker fires on interval, the sweep runs inline, and
// ctx.Done() stops the loop on shutdown.
func (c *Coordinator) RunWatchdog(ctx context.Context, interval time.Duration, onTimeout TimeoutCallback) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("transfer watchdog started", "interval", interval)

	for {
		select {
		case <-ticker.C:
			c.sweep(onTimeout)
		case <-ctx.Done():
			slog.Info("transfer watchdog shutting down", "reason", ctx.Err())
			return
		}
	}
}

// sweep wakes each expired context's sender out of a blocking payload read
// (net.Conn.SetReadDeadline is safe to call from any goroutine) and then
// races to release it. Only the side that actually removes the context —
// this sweep, or the sender's own handler noticing the same deadline —
// calls onTimeout, so both parties are notified exactly once.
func (c *Coordinator) sweep(onTimeout TimeoutCallback) {
	expired := c.expired(time.Now())
	for _, tc := range expired {
		slog.Warn("transfer timed out", "file_id", tc.FileID, "sender", tc.Sender, "receiver", tc.Receiver)
		if tc.SenderSession != nil {
			_ = tc.SenderSession.Conn.SetReadDeadline(time.Now())
		}
		if c.Release(tc) && onTimeout != nil {
			onTimeout(tc)
		}
	}
}
