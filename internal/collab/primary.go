package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/gorilla/websocket"

	"symposium/api/internal/subdoc"
)

type cellKey struct {
	sd   subdoc.ID
	cell Cell
}

// PrimaryTransport is the CRDT-backed shared document for one
// (document, participant) pair. Every cell write is a full-value
// replace; the CRDT substrate merges concurrent writes, so applies are
// idempotent and order-independent. Synced flips true only after the
// first quiescent sync exchange with the hub; cells must not be touched
// before then.
type PrimaryTransport struct {
	url         string
	participant Participant

	mu        sync.Mutex
	doc       *automerge.Doc
	state     *automerge.SyncState
	conn      *websocket.Conn
	connected bool
	synced    bool
	received  bool
	cells     map[cellKey][]byte

	presence *PresenceChannel
	updates  chan CellUpdate
	outgoing chan []byte
	done     chan struct{}
}

// NewPrimaryTransport prepares a transport for the given hub websocket
// URL (ws://host/api/collab/ws?document=...&user=...).
func NewPrimaryTransport(url string, participant Participant) *PrimaryTransport {
	t := &PrimaryTransport{
		url:         url,
		participant: participant,
		doc:         automerge.New(),
		cells:       make(map[cellKey][]byte),
		presence:    NewPresenceChannel(participant.ID),
		updates:     make(chan CellUpdate, 256),
		outgoing:    make(chan []byte, 64),
		done:        make(chan struct{}),
	}
	t.presence.setSender(t.sendPresence)
	return t
}

func (t *PrimaryTransport) Connect(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return fmt.Errorf("dial collab hub: %w", err)
	}

	t.mu.Lock()
	t.conn = conn
	t.connected = true
	t.state = automerge.NewSyncState(t.doc)
	t.mu.Unlock()

	go t.writePump()
	go t.readPump()

	// Kick off the sync handshake.
	t.mu.Lock()
	t.pumpLocked()
	t.mu.Unlock()
	return nil
}

func (t *PrimaryTransport) Close() error {
	t.mu.Lock()
	conn := t.conn
	wasConnected := t.connected
	t.connected = false
	t.mu.Unlock()
	if wasConnected {
		close(t.done)
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (t *PrimaryTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *PrimaryTransport) Synced() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.synced
}

func (t *PrimaryTransport) Updates() <-chan CellUpdate {
	return t.updates
}

func (t *PrimaryTransport) Presence() *PresenceChannel {
	return t.presence
}

func (t *PrimaryTransport) ReadCell(sd subdoc.ID, cell Cell) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.readCellLocked(sd, cell), nil
}

// WriteCell replaces a cell's full serialized payload and propagates
// the change through the sync protocol.
func (t *PrimaryTransport) WriteCell(sd subdoc.ID, cell Cell, payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return fmt.Errorf("primary transport not connected")
	}
	if err := t.doc.Path(cell.String(), sd.String()).Set(string(payload)); err != nil {
		return fmt.Errorf("write %s cell %s: %w", cell, sd, err)
	}
	// Record the local value so the sync echo is not reported as remote.
	t.cells[cellKey{sd, cell}] = append([]byte(nil), payload...)
	t.pumpLocked()
	return nil
}

func (t *PrimaryTransport) readCellLocked(sd subdoc.ID, cell Cell) []byte {
	v, err := t.doc.Path(cell.String(), sd.String()).Get()
	if err != nil || v.Kind() != automerge.KindStr {
		return nil
	}
	return []byte(v.Str())
}

// pumpLocked drains pending outbound sync messages. Caller holds t.mu.
func (t *PrimaryTransport) pumpLocked() int {
	sent := 0
	for {
		msg, valid := t.state.GenerateMessage()
		if !valid {
			return sent
		}
		raw, err := json.Marshal(wireMessage{Type: "sync", Sync: msg.Bytes()})
		if err != nil {
			return sent
		}
		select {
		case t.outgoing <- raw:
			sent++
		case <-t.done:
			return sent
		}
	}
}

func (t *PrimaryTransport) sendPresence(rec PresenceRecord) {
	raw, err := json.Marshal(wireMessage{Type: "presence", Presence: &rec})
	if err != nil {
		return
	}
	select {
	case t.outgoing <- raw:
	case <-t.done:
	}
}

func (t *PrimaryTransport) readPump() {
	defer t.Close()
	for {
		_, raw, err := t.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg wireMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Printf("primary transport: dropping malformed message: %v", err)
			continue
		}
		switch msg.Type {
		case "sync":
			t.receiveSync(msg.Sync)
		case "presence":
			if msg.Presence != nil {
				t.presence.receive(*msg.Presence)
			}
		case "gone":
			t.presence.drop(msg.UserID)
		}
	}
}

func (t *PrimaryTransport) receiveSync(payload []byte) {
	t.mu.Lock()
	if _, err := t.state.ReceiveMessage(payload); err != nil {
		t.mu.Unlock()
		log.Printf("primary transport: dropping undecodable sync message: %v", err)
		return
	}
	t.received = true
	changed := t.collectChangesLocked()
	pending := t.pumpLocked()
	// Quiescence after a received message means the replicas agree.
	if pending == 0 && t.received {
		t.synced = true
	}
	t.mu.Unlock()

	for _, u := range changed {
		select {
		case t.updates <- u:
		default:
			log.Printf("primary transport: update channel full, dropping %s/%s notification", u.Cell, u.SubDoc)
		}
	}
}

// collectChangesLocked diffs every cell against its last observed value
// and returns remote-origin updates for those that moved. Caller holds
// t.mu.
func (t *PrimaryTransport) collectChangesLocked() []CellUpdate {
	var changed []CellUpdate
	for _, sd := range subdoc.All() {
		for _, cell := range []Cell{CellContent, CellDiscussions} {
			key := cellKey{sd, cell}
			value := t.readCellLocked(sd, cell)
			if bytes.Equal(value, t.cells[key]) {
				continue
			}
			t.cells[key] = value
			if len(value) == 0 {
				continue
			}
			changed = append(changed, CellUpdate{
				SubDoc:  sd,
				Cell:    cell,
				Payload: append([]byte(nil), value...),
				Remote:  true,
			})
		}
	}
	return changed
}

func (t *PrimaryTransport) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case raw := <-t.outgoing:
			t.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := t.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			t.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := t.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-t.done:
			return
		}
	}
}
