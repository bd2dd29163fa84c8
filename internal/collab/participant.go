// Package collab implements the real-time collaborative editing core:
// the shared-document transports, the content and discussion
// synchronizers, presence and remote cursors, and the persistence
// scheduler that decides when durable saves happen.
package collab

import "sync"

// Participant is one member of a collaboration session, supplied by the
// external workflow/permission provider at session start. The core
// never decides permissions itself, only obeys CanEdit/CanComment.
type Participant struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Role       string `json:"role"`
	Color      string `json:"color"`
	CanEdit    bool   `json:"canEdit"`
	CanComment bool   `json:"canComment"`
}

// Identity is a directory entry: the minimum needed to render an author
// on a thread or cursor label.
type Identity struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	AvatarRef string `json:"avatarRef,omitempty"`
}

// placeholderName labels authors that are offline and were never seen
// on this client.
const placeholderName = "User"

// Directory is the per-session participant directory. It is
// reconstructed, never authoritatively stored: entries come from live
// presence and from authorship found inside received discussions. Every
// authorId referenced by a thread must resolve, falling back to a
// placeholder so thread rendering never blocks on an author being
// online.
type Directory struct {
	mu      sync.Mutex
	entries map[string]Identity
}

func NewDirectory() *Directory {
	return &Directory{entries: make(map[string]Identity)}
}

// Put fills a directory gap, typically from a fragment shipped with a
// thread list. It never overwrites an existing real name; fragments may
// be stale.
func (d *Directory) Put(id Identity) {
	if id.ID == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	existing, ok := d.entries[id.ID]
	// A real name always beats a previously synthesized placeholder.
	if ok && existing.Name != placeholderName {
		return
	}
	d.entries[id.ID] = id
}

// Refresh installs a live presence identity, overwriting whatever was
// known. A presence record carries the participant's current display
// name, so a mid-session rename propagates.
func (d *Directory) Refresh(id Identity) {
	if id.ID == "" || id.Name == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[id.ID] = id
}

// Resolve returns the directory entry for userID, synthesizing a
// placeholder when the author was never seen.
func (d *Directory) Resolve(userID string) Identity {
	d.mu.Lock()
	defer d.mu.Unlock()
	if entry, ok := d.entries[userID]; ok {
		return entry
	}
	entry := Identity{ID: userID, Name: placeholderName}
	d.entries[userID] = entry
	return entry
}

// Has reports whether userID resolves without a placeholder.
func (d *Directory) Has(userID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.entries[userID]
	return ok && entry.Name != placeholderName
}

// Fragment returns the directory entries for the given user ids, for
// republishing alongside a thread change so the receiving side can
// resolve authors it has no presence history for.
func (d *Directory) Fragment(userIDs []string) map[string]Identity {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]Identity, len(userIDs))
	for _, id := range userIDs {
		if entry, ok := d.entries[id]; ok {
			out[id] = entry
		}
	}
	return out
}
