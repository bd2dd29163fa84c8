package collab

import (
	"strings"
	"sync"
	"time"
)

// Rect is a bounding rectangle in page coordinates.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// cursorThrottleInterval bounds how often a participant broadcasts its
// cursor.
const cursorThrottleInterval = 150 * time.Millisecond

// CursorBroadcaster publishes the local participant's cursor and
// selection through the presence channel: throttled, converted to
// editor-viewport coordinates, and deferred to the next frame so the
// broadcast never contends with the transport's update cycle.
type CursorBroadcaster struct {
	participant Participant
	presence    *PresenceChannel
	sched       Scheduler
	throttle    *Throttle
}

func NewCursorBroadcaster(participant Participant, presence *PresenceChannel, sched Scheduler) *CursorBroadcaster {
	return &CursorBroadcaster{
		participant: participant,
		presence:    presence,
		sched:       sched,
		throttle:    NewThrottle(cursorThrottleInterval),
	}
}

// SelectionChanged broadcasts the current selection. selectionRect is
// the DOM selection's bounding rectangle, viewport the editor's; the
// published cursor is viewport-relative.
func (b *CursorBroadcaster) SelectionChanged(sel Range, selectionRect, viewport Rect) {
	if !b.throttle.Allow() {
		return
	}
	cursor := &CursorPos{
		X: selectionRect.X - viewport.X,
		Y: selectionRect.Y - viewport.Y,
	}
	selection := sel
	b.sched.Defer(func() {
		b.presence.Publish(PresenceRecord{
			UserID:    b.participant.ID,
			Name:      b.participant.Name,
			Role:      b.participant.Role,
			Color:     b.participant.Color,
			Cursor:    cursor,
			Selection: &selection,
		})
	})
}

// Blurred clears the published cursor immediately, bypassing the
// throttle: a stale cursor must never persist after the participant
// stops selecting.
func (b *CursorBroadcaster) Blurred() {
	b.presence.Publish(PresenceRecord{
		UserID: b.participant.ID,
		Name:   b.participant.Name,
		Role:   b.participant.Role,
		Color:  b.participant.Color,
	})
}

// RemoteCursor is one painted peer cursor: a label and a thin marker at
// viewport coordinates.
type RemoteCursor struct {
	UserID string    `json:"userId"`
	Label  string    `json:"label"`
	Color  string    `json:"color"`
	Pos    CursorPos `json:"pos"`
}

// CursorOverlay maintains the remote-cursor overlay, keyed by
// participant id and fed from presence updates. It lives outside any
// document state: cursors painted through the document tree cause
// re-render storms and, painted as content, corrupt the document.
// Updates are applied on the next frame.
type CursorOverlay struct {
	self  string
	sched Scheduler

	mu      sync.Mutex
	cursors map[string]RemoteCursor
}

func NewCursorOverlay(selfID string, sched Scheduler) *CursorOverlay {
	return &CursorOverlay{
		self:    selfID,
		sched:   sched,
		cursors: make(map[string]RemoteCursor),
	}
}

// Observe subscribes the overlay to a presence channel.
func (o *CursorOverlay) Observe(presence *PresenceChannel) {
	presence.OnUpdate(func(rec PresenceRecord) {
		if rec.UserID == o.self {
			return
		}
		o.sched.Defer(func() {
			o.apply(rec)
		})
	})
}

func (o *CursorOverlay) apply(rec PresenceRecord) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if rec.Cursor == nil {
		delete(o.cursors, rec.UserID)
		return
	}
	o.cursors[rec.UserID] = RemoteCursor{
		UserID: rec.UserID,
		Label:  cursorLabel(rec.Name, rec.Role),
		Color:  rec.Color,
		Pos:    *rec.Cursor,
	}
}

// Snapshot returns the cursors currently painted.
func (o *CursorOverlay) Snapshot() map[string]RemoteCursor {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]RemoteCursor, len(o.cursors))
	for id, c := range o.cursors {
		out[id] = c
	}
	return out
}

func cursorLabel(name, role string) string {
	if role == "" {
		return name
	}
	abbrev := []rune(role)
	if len(abbrev) > 3 {
		abbrev = abbrev[:3]
	}
	return name + " (" + strings.ToUpper(string(abbrev)) + ")"
}
