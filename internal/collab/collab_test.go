package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"symposium/api/internal/subdoc"
)

// memTransport is an in-process ActiveTransport for synchronizer tests.
// Remote deliveries are injected with push.
type memTransport struct {
	selfID       string
	failConnect  bool
	blockConnect bool

	mu        sync.Mutex
	connected bool
	cells     map[cellKey][]byte
	writes    int

	updates  chan CellUpdate
	presence *PresenceChannel
}

func newMemTransport(selfID string) *memTransport {
	return &memTransport{
		selfID:   selfID,
		cells:    make(map[cellKey][]byte),
		updates:  make(chan CellUpdate, 64),
		presence: NewPresenceChannel(selfID),
	}
}

func (t *memTransport) Connect(ctx context.Context) error {
	if t.blockConnect {
		<-ctx.Done()
		return ctx.Err()
	}
	if t.failConnect {
		return errors.New("connection refused")
	}
	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
	return nil
}

func (t *memTransport) Close() error {
	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()
	return nil
}

func (t *memTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *memTransport) Synced() bool {
	return t.Connected()
}

func (t *memTransport) ReadCell(sd subdoc.ID, cell Cell) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]byte(nil), t.cells[cellKey{sd, cell}]...), nil
}

func (t *memTransport) WriteCell(sd subdoc.ID, cell Cell, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return errors.New("not connected")
	}
	t.cells[cellKey{sd, cell}] = append([]byte(nil), payload...)
	t.writes++
	return nil
}

func (t *memTransport) writeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.writes
}

func (t *memTransport) Updates() <-chan CellUpdate {
	return t.updates
}

func (t *memTransport) Presence() *PresenceChannel {
	return t.presence
}

// push simulates a remote peer's write arriving over the transport.
func (t *memTransport) push(u CellUpdate) {
	t.mu.Lock()
	t.cells[cellKey{u.SubDoc, u.Cell}] = append([]byte(nil), u.Payload...)
	t.mu.Unlock()
	t.updates <- u
}

// memSaver records durable writes for persistence tests.
type memSaver struct {
	mu    sync.Mutex
	saved map[string][]byte
	calls int
	fail  bool
}

func newMemSaver() *memSaver {
	return &memSaver{saved: make(map[string][]byte)}
}

func saverKey(documentID string, sd subdoc.ID, cell Cell) string {
	return fmt.Sprintf("%s/%s/%s", documentID, sd, cell)
}

func (s *memSaver) SaveDocument(_ context.Context, documentID string, sd subdoc.ID, content []byte) error {
	return s.record(saverKey(documentID, sd, CellContent), content)
}

func (s *memSaver) SaveDiscussions(_ context.Context, documentID string, sd subdoc.ID, threads []byte) error {
	return s.record(saverKey(documentID, sd, CellDiscussions), threads)
}

func (s *memSaver) record(key string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.fail {
		return errors.New("storage unavailable")
	}
	s.saved[key] = append([]byte(nil), payload...)
	return nil
}

func (s *memSaver) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *memSaver) setFail(fail bool) {
	s.mu.Lock()
	s.fail = fail
	s.mu.Unlock()
}

func (s *memSaver) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saved)
}

func (s *memSaver) get(key string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saved[key]
}

func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
