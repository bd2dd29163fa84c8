package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/gorilla/websocket"

	"symposium/api/internal/subdoc"
)

// wireMessage is the envelope exchanged between the hub and primary
// transports.
type wireMessage struct {
	Type     string          `json:"type"` // sync | presence | gone
	Sync     []byte          `json:"sync,omitempty"`
	Presence *PresenceRecord `json:"presence,omitempty"`
	UserID   string          `json:"userId,omitempty"`
}

// MembershipSignal tracks connected participants per document. The hub
// drives it on join/leave; whoever subscribes to its last-left event
// owns the forced durable save.
type MembershipSignal interface {
	Join(ctx context.Context, documentID string) (int64, error)
	Leave(ctx context.Context, documentID string) (int64, error)
}

// Hub relays CRDT sync messages and presence between the participants
// of each document. It holds the authoritative replica per document and
// one sync state per connected client, so late joiners receive the full
// converged state before their first edit.
type Hub struct {
	mu         sync.Mutex
	docs       map[string]*hubDoc
	membership MembershipSignal
	upgrader   websocket.Upgrader
}

type hubDoc struct {
	doc      *automerge.Doc
	clients  map[*hubClient]bool
	presence map[string]PresenceRecord
}

type hubClient struct {
	documentID string
	userID     string
	conn       *websocket.Conn
	send       chan []byte
	state      *automerge.SyncState
}

func NewHub(membership MembershipSignal) *Hub {
	return &Hub{
		docs:       make(map[string]*hubDoc),
		membership: membership,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Seed installs a persisted snapshot as a document's starting replica.
// No effect once participants are connected.
func (h *Hub) Seed(documentID string, saved []byte) error {
	doc, err := automerge.Load(saved)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if existing, ok := h.docs[documentID]; ok && len(existing.clients) > 0 {
		return nil
	}
	h.docs[documentID] = &hubDoc{
		doc:      doc,
		clients:  make(map[*hubClient]bool),
		presence: make(map[string]PresenceRecord),
	}
	return nil
}

// SeedFromCells builds a fresh replica from persisted cell payloads, so
// a reopened document starts from its last durable save.
func (h *Hub) SeedFromCells(documentID string, contents, discussions map[subdoc.ID][]byte) error {
	doc := automerge.New()
	for sd, payload := range contents {
		if len(payload) == 0 {
			continue
		}
		if err := doc.Path(CellContent.String(), sd.String()).Set(string(payload)); err != nil {
			return fmt.Errorf("seed %s content: %w", sd, err)
		}
	}
	for sd, payload := range discussions {
		if len(payload) == 0 {
			continue
		}
		if err := doc.Path(CellDiscussions.String(), sd.String()).Set(string(payload)); err != nil {
			return fmt.Errorf("seed %s discussions: %w", sd, err)
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if existing, ok := h.docs[documentID]; ok && len(existing.clients) > 0 {
		return nil
	}
	h.docs[documentID] = &hubDoc{
		doc:      doc,
		clients:  make(map[*hubClient]bool),
		presence: make(map[string]PresenceRecord),
	}
	return nil
}

// Snapshot returns the authoritative replica's serialized form, for
// checkpointing.
func (h *Hub) Snapshot(documentID string) []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	hd, ok := h.docs[documentID]
	if !ok {
		return nil
	}
	return hd.doc.Save()
}

// Cells extracts every non-empty cell payload from the authoritative
// replica. This is what durable saves read on the last-left signal, so
// the write reflects the converged shared state rather than any one
// participant's view.
func (h *Hub) Cells(documentID string) (contents, discussions map[subdoc.ID][]byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	contents = make(map[subdoc.ID][]byte)
	discussions = make(map[subdoc.ID][]byte)
	hd, ok := h.docs[documentID]
	if !ok {
		return contents, discussions
	}
	for _, sd := range subdoc.All() {
		if v, err := hd.doc.Path(CellContent.String(), sd.String()).Get(); err == nil && v.Kind() == automerge.KindStr {
			contents[sd] = []byte(v.Str())
		}
		if v, err := hd.doc.Path(CellDiscussions.String(), sd.String()).Get(); err == nil && v.Kind() == automerge.KindStr {
			discussions[sd] = []byte(v.Str())
		}
	}
	return contents, discussions
}

// ServeHTTP upgrades a participant connection. Expected query
// parameters: document, user.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	documentID := r.URL.Query().Get("document")
	userID := r.URL.Query().Get("user")
	if documentID == "" || userID == "" {
		http.Error(w, "document and user are required", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("collab hub upgrade failed: %v", err)
		return
	}

	client := &hubClient{
		documentID: documentID,
		userID:     userID,
		conn:       conn,
		send:       make(chan []byte, 64),
	}
	h.register(client)

	go client.writePump()
	go h.readPump(client)
}

func (h *Hub) register(client *hubClient) {
	h.mu.Lock()
	hd, ok := h.docs[client.documentID]
	if !ok {
		hd = &hubDoc{
			doc:      automerge.New(),
			clients:  make(map[*hubClient]bool),
			presence: make(map[string]PresenceRecord),
		}
		h.docs[client.documentID] = hd
	}
	client.state = automerge.NewSyncState(hd.doc)
	hd.clients[client] = true

	// Catch the new client up and replay cached presence.
	h.pumpLocked(hd, client)
	for _, rec := range hd.presence {
		if rec.UserID != client.userID {
			enqueue(client, wireMessage{Type: "presence", Presence: &rec})
		}
	}
	h.mu.Unlock()

	if h.membership != nil {
		if _, err := h.membership.Join(context.Background(), client.documentID); err != nil {
			log.Printf("membership join %s: %v", client.documentID, err)
		}
	}
}

func (h *Hub) unregister(client *hubClient) {
	h.mu.Lock()
	hd, ok := h.docs[client.documentID]
	if ok {
		if _, present := hd.clients[client]; present {
			delete(hd.clients, client)
			close(client.send)
			delete(hd.presence, client.userID)
			for peer := range hd.clients {
				enqueue(peer, wireMessage{Type: "gone", UserID: client.userID})
			}
		} else {
			ok = false
		}
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	if h.membership != nil {
		if _, err := h.membership.Leave(context.Background(), client.documentID); err != nil {
			log.Printf("membership leave %s: %v", client.documentID, err)
		}
	}
}

func (h *Hub) readPump(client *hubClient) {
	defer func() {
		h.unregister(client)
		client.conn.Close()
	}()

	client.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, raw, err := client.conn.ReadMessage()
		if err != nil {
			return
		}
		client.conn.SetReadDeadline(time.Now().Add(60 * time.Second))

		var msg wireMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Printf("collab hub: dropping malformed message from %s: %v", client.userID, err)
			continue
		}

		switch msg.Type {
		case "sync":
			h.handleSync(client, msg.Sync)
		case "presence":
			h.handlePresence(client, msg.Presence)
		}
	}
}

func (h *Hub) handleSync(client *hubClient, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	hd, ok := h.docs[client.documentID]
	if !ok {
		return
	}
	if _, err := client.state.ReceiveMessage(payload); err != nil {
		log.Printf("collab hub: rejecting sync message from %s: %v", client.userID, err)
		return
	}
	// New changes may now be pending for every replica, sender included.
	for peer := range hd.clients {
		h.pumpLocked(hd, peer)
	}
}

func (h *Hub) handlePresence(client *hubClient, rec *PresenceRecord) {
	if rec == nil || rec.UserID != client.userID {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	hd, ok := h.docs[client.documentID]
	if !ok {
		return
	}
	hd.presence[rec.UserID] = *rec
	for peer := range hd.clients {
		if peer == client {
			continue
		}
		enqueue(peer, wireMessage{Type: "presence", Presence: rec})
	}
}

// pumpLocked drains pending sync messages for one client. Caller holds
// h.mu.
func (h *Hub) pumpLocked(hd *hubDoc, client *hubClient) {
	for {
		msg, valid := client.state.GenerateMessage()
		if !valid {
			return
		}
		enqueue(client, wireMessage{Type: "sync", Sync: msg.Bytes()})
	}
}

func enqueue(client *hubClient, msg wireMessage) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case client.send <- raw:
	default:
		// Slow consumer; the read pump will notice the closed socket.
		client.conn.Close()
	}
}

func (c *hubClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case raw, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
