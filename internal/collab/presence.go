package collab

import "sync"

// CursorPos is a cursor location in editor-viewport pixel coordinates.
type CursorPos struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Range is a selection range in document positions.
type Range struct {
	From int `json:"from"`
	To   int `json:"to"`
}

// PresenceRecord is the ephemeral state one participant broadcasts:
// identity, role, color, and live cursor/selection. It is owned
// exclusively by the publishing participant; peers only read it.
type PresenceRecord struct {
	UserID    string     `json:"userId"`
	Name      string     `json:"name"`
	Role      string     `json:"role"`
	Color     string     `json:"color"`
	Cursor    *CursorPos `json:"cursor"`
	Selection *Range     `json:"selection"`
}

// PresenceChannel is the write-one/read-many presence broadcast for one
// session. The active transport wires its outbound path via setSender
// and feeds received records through receive; everything else reads
// Snapshot or subscribes with OnUpdate. Presence has no ordering
// guarantee and is safe to lose.
type PresenceChannel struct {
	mu      sync.Mutex
	self    string
	records map[string]PresenceRecord
	send    func(PresenceRecord)
	subs    []func(PresenceRecord)
}

func NewPresenceChannel(selfID string) *PresenceChannel {
	return &PresenceChannel{
		self:    selfID,
		records: make(map[string]PresenceRecord),
	}
}

func (p *PresenceChannel) setSender(send func(PresenceRecord)) {
	p.mu.Lock()
	p.send = send
	p.mu.Unlock()
}

// Publish broadcasts the local participant's record. Records published
// for other user ids are ignored.
func (p *PresenceChannel) Publish(rec PresenceRecord) {
	if rec.UserID != p.self {
		return
	}
	p.mu.Lock()
	p.records[rec.UserID] = rec
	send := p.send
	p.mu.Unlock()
	if send != nil {
		send(rec)
	}
}

// receive merges a remote record into the snapshot and notifies
// subscribers. Last value wins.
func (p *PresenceChannel) receive(rec PresenceRecord) {
	if rec.UserID == "" || rec.UserID == p.self {
		return
	}
	p.mu.Lock()
	p.records[rec.UserID] = rec
	subs := make([]func(PresenceRecord), len(p.subs))
	copy(subs, p.subs)
	p.mu.Unlock()
	for _, fn := range subs {
		fn(rec)
	}
}

// drop removes a departed participant's record.
func (p *PresenceChannel) drop(userID string) {
	p.mu.Lock()
	delete(p.records, userID)
	subs := make([]func(PresenceRecord), len(p.subs))
	copy(subs, p.subs)
	p.mu.Unlock()
	for _, fn := range subs {
		fn(PresenceRecord{UserID: userID, Cursor: nil, Selection: nil})
	}
}

// OnUpdate subscribes to remote presence changes.
func (p *PresenceChannel) OnUpdate(fn func(PresenceRecord)) {
	p.mu.Lock()
	p.subs = append(p.subs, fn)
	p.mu.Unlock()
}

// Snapshot returns the current merged presence view, own record
// included.
func (p *PresenceChannel) Snapshot() map[string]PresenceRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]PresenceRecord, len(p.records))
	for id, rec := range p.records {
		out[id] = rec
	}
	return out
}

// Lookup resolves a user's presence record, if currently present.
func (p *PresenceChannel) Lookup(userID string) (PresenceRecord, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[userID]
	return rec, ok
}
