package collab

import (
	"context"
	"fmt"
	"log"
	"time"

	"symposium/api/internal/subdoc"
)

// Cell names one of the two shared cells a sub-document owns.
type Cell int

const (
	CellContent Cell = iota
	CellDiscussions
)

func (c Cell) String() string {
	if c == CellDiscussions {
		return "discussions"
	}
	return "content"
}

// CellUpdate is a change notification from the active transport. Remote
// reports origin: false means the change reflects a local write and
// synchronizers must ignore it.
type CellUpdate struct {
	SubDoc  subdoc.ID
	Cell    Cell
	Payload []byte
	Remote  bool
}

// ActiveTransport carries content and discussion updates between the
// participants of one document. Two implementations exist: the
// CRDT-backed primary and the last-write-wins fallback. Synchronizers
// depend only on this interface, never on which implementation is live.
//
// Callers must not read or write cells before Synced reports true;
// doing so risks overwriting server state with an empty local document.
type ActiveTransport interface {
	Connect(ctx context.Context) error
	Close() error
	Connected() bool
	Synced() bool
	ReadCell(sd subdoc.ID, cell Cell) ([]byte, error)
	WriteCell(sd subdoc.ID, cell Cell, payload []byte) error
	Updates() <-chan CellUpdate
	Presence() *PresenceChannel
}

// SelectTransport picks the session's single authoritative transport:
// primary first, fallback only when the primary cannot connect within
// timeout. The choice is made once per session; the two write paths are
// never live simultaneously.
func SelectTransport(ctx context.Context, primary, fallback ActiveTransport, timeout time.Duration) (ActiveTransport, error) {
	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := primary.Connect(connectCtx); err == nil {
		return primary, nil
	} else {
		log.Printf("primary transport unavailable, degrading to fallback: %v", err)
		_ = primary.Close()
	}

	if fallback == nil {
		return nil, fmt.Errorf("primary transport unavailable and no fallback configured")
	}
	if err := fallback.Connect(ctx); err != nil {
		return nil, fmt.Errorf("fallback transport connect: %w", err)
	}
	return fallback, nil
}

// WaitSynced blocks until the transport reports synced or the context
// expires.
func WaitSynced(ctx context.Context, t ActiveTransport) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if t.Synced() {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for sync: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}
