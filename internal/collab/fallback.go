package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"symposium/api/internal/subdoc"
)

// fallbackEnvelope is one broadcast cell write. Ts orders concurrent
// writes: the most recent one wins, no merge.
type fallbackEnvelope struct {
	SubDoc  string `json:"subDoc"`
	Cell    Cell   `json:"cell"`
	Payload []byte `json:"payload"`
	Ts      int64  `json:"ts"`
	Origin  string `json:"origin"`
}

type fallbackPresence struct {
	Record PresenceRecord `json:"record"`
	Origin string         `json:"origin"`
}

// FallbackTransport is the degraded channel used when the primary
// transport cannot connect: a plain last-write-wins broadcast over
// redis pub/sub. Same external contract as the primary, weaker
// consistency; Synced is simply Connected since there is no merge
// state to wait for.
type FallbackTransport struct {
	client      *redis.Client
	documentID  string
	participant Participant

	mu        sync.Mutex
	connected bool
	values    map[cellKey][]byte
	lastTs    map[cellKey]int64
	pubsub    *redis.PubSub

	presence *PresenceChannel
	updates  chan CellUpdate
}

func NewFallbackTransport(client *redis.Client, documentID string, participant Participant) *FallbackTransport {
	t := &FallbackTransport{
		client:      client,
		documentID:  documentID,
		participant: participant,
		values:      make(map[cellKey][]byte),
		lastTs:      make(map[cellKey]int64),
		presence:    NewPresenceChannel(participant.ID),
		updates:     make(chan CellUpdate, 256),
	}
	t.presence.setSender(t.publishPresence)
	return t
}

func (t *FallbackTransport) cellChannel() string {
	return fmt.Sprintf("collab:%s:cells", t.documentID)
}

func (t *FallbackTransport) presenceChannel() string {
	return fmt.Sprintf("collab:%s:presence", t.documentID)
}

func (t *FallbackTransport) Connect(ctx context.Context) error {
	pubsub := t.client.Subscribe(ctx, t.cellChannel(), t.presenceChannel())
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribe fallback channels: %w", err)
	}

	t.mu.Lock()
	t.pubsub = pubsub
	t.connected = true
	t.mu.Unlock()

	go t.listen(pubsub.Channel())
	return nil
}

func (t *FallbackTransport) Close() error {
	t.mu.Lock()
	pubsub := t.pubsub
	t.connected = false
	t.pubsub = nil
	t.mu.Unlock()
	if pubsub != nil {
		return pubsub.Close()
	}
	return nil
}

func (t *FallbackTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Synced mirrors Connected: the fallback has no server state to merge,
// so being subscribed is as synced as it gets.
func (t *FallbackTransport) Synced() bool {
	return t.Connected()
}

func (t *FallbackTransport) Updates() <-chan CellUpdate {
	return t.updates
}

func (t *FallbackTransport) Presence() *PresenceChannel {
	return t.presence
}

func (t *FallbackTransport) ReadCell(sd subdoc.ID, cell Cell) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	value := t.values[cellKey{sd, cell}]
	return append([]byte(nil), value...), nil
}

func (t *FallbackTransport) WriteCell(sd subdoc.ID, cell Cell, payload []byte) error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return fmt.Errorf("fallback transport not connected")
	}
	env := fallbackEnvelope{
		SubDoc:  sd.String(),
		Cell:    cell,
		Payload: payload,
		Ts:      time.Now().UnixNano(),
		Origin:  t.participant.ID,
	}
	key := cellKey{sd, cell}
	t.values[key] = append([]byte(nil), payload...)
	t.lastTs[key] = env.Ts
	t.mu.Unlock()

	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode fallback envelope: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.client.Publish(ctx, t.cellChannel(), raw).Err(); err != nil {
		return fmt.Errorf("publish %s cell %s: %w", cell, sd, err)
	}
	return nil
}

func (t *FallbackTransport) publishPresence(rec PresenceRecord) {
	raw, err := json.Marshal(fallbackPresence{Record: rec, Origin: t.participant.ID})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.client.Publish(ctx, t.presenceChannel(), raw).Err(); err != nil {
		log.Printf("fallback transport: presence publish failed: %v", err)
	}
}

func (t *FallbackTransport) listen(ch <-chan *redis.Message) {
	for msg := range ch {
		switch msg.Channel {
		case t.cellChannel():
			t.receiveCell([]byte(msg.Payload))
		case t.presenceChannel():
			t.receivePresence([]byte(msg.Payload))
		}
	}
}

func (t *FallbackTransport) receiveCell(raw []byte) {
	var env fallbackEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		log.Printf("fallback transport: dropping malformed cell broadcast: %v", err)
		return
	}
	if env.Origin == t.participant.ID {
		return
	}
	sd, err := subdoc.Parse(env.SubDoc)
	if err != nil {
		log.Printf("fallback transport: dropping broadcast for %v", err)
		return
	}

	key := cellKey{sd, env.Cell}
	t.mu.Lock()
	if env.Ts <= t.lastTs[key] {
		t.mu.Unlock()
		return
	}
	t.lastTs[key] = env.Ts
	t.values[key] = append([]byte(nil), env.Payload...)
	t.mu.Unlock()

	select {
	case t.updates <- CellUpdate{SubDoc: sd, Cell: env.Cell, Payload: env.Payload, Remote: true}:
	default:
		log.Printf("fallback transport: update channel full, dropping %s/%s notification", env.Cell, sd)
	}
}

func (t *FallbackTransport) receivePresence(raw []byte) {
	var msg fallbackPresence
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.Printf("fallback transport: dropping malformed presence broadcast: %v", err)
		return
	}
	if msg.Origin == t.participant.ID {
		return
	}
	t.presence.receive(msg.Record)
}
