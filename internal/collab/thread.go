package collab

import (
	"encoding/json"
	"fmt"
	"time"
)

// Anchor locates a thread inside its sub-document.
type Anchor struct {
	From  int    `json:"from"`
	To    int    `json:"to"`
	Label string `json:"label,omitempty"`
}

// Comment is one entry in a discussion thread.
type Comment struct {
	ID        string    `json:"id"`
	AuthorID  string    `json:"authorId"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// Thread is an inline discussion thread. Threads are never deleted,
// only resolved.
type Thread struct {
	ID        string    `json:"id"`
	Anchor    Anchor    `json:"anchor"`
	AuthorID  string    `json:"authorId"`
	Comments  []Comment `json:"comments"`
	Resolved  bool      `json:"resolved"`
	CreatedAt time.Time `json:"createdAt"`
}

// ThreadList is the serialized form of one sub-document's discussions
// cell. Participants carries the directory fragment needed to resolve
// every author in Threads, republished with every change because the
// receiving side may not share presence history.
type ThreadList struct {
	Threads      []Thread            `json:"threads"`
	Participants map[string]Identity `json:"participants,omitempty"`
}

// EncodeThreadList produces the canonical payload for the discussions
// cell. Thread order is creation order and map keys marshal sorted, so
// equal lists encode to identical bytes.
func EncodeThreadList(list ThreadList) []byte {
	payload, err := json.Marshal(list)
	if err != nil {
		return nil
	}
	return payload
}

// DecodeThreadList parses a discussions payload received from the
// transport. Malformed payloads are rejected so local threads are never
// corrupted by a bad update.
func DecodeThreadList(payload []byte) (ThreadList, error) {
	if len(payload) == 0 {
		return ThreadList{}, fmt.Errorf("empty thread list payload")
	}
	var list ThreadList
	if err := json.Unmarshal(payload, &list); err != nil {
		return ThreadList{}, fmt.Errorf("decode thread list: %w", err)
	}
	return list, nil
}

// AuthorIDs returns every author referenced by the list, threads and
// nested comments both, in first-seen order.
func (l ThreadList) AuthorIDs() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(id string) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		out = append(out, id)
	}
	for _, th := range l.Threads {
		add(th.AuthorID)
		for _, c := range th.Comments {
			add(c.AuthorID)
		}
	}
	return out
}

// ThreadSet holds one sub-document's local threads, the discussion
// analogue of doctree.Tree. Mutations fire the change observer; a
// remote ReplaceAll does not.
type ThreadSet struct {
	threads  []Thread
	onChange func()
}

func NewThreadSet() *ThreadSet {
	return &ThreadSet{}
}

func (ts *ThreadSet) OnChange(fn func()) {
	ts.onChange = fn
}

func (ts *ThreadSet) List() []Thread {
	out := make([]Thread, len(ts.threads))
	copy(out, ts.threads)
	return out
}

// Open starts a new thread.
func (ts *ThreadSet) Open(th Thread) {
	ts.threads = append(ts.threads, th)
	ts.changed()
}

// AddComment appends a comment to an existing thread.
func (ts *ThreadSet) AddComment(threadID string, c Comment) error {
	for i := range ts.threads {
		if ts.threads[i].ID == threadID {
			ts.threads[i].Comments = append(ts.threads[i].Comments, c)
			ts.changed()
			return nil
		}
	}
	return fmt.Errorf("thread %s not found", threadID)
}

// Resolve marks a thread resolved. Resolving twice is a no-op.
func (ts *ThreadSet) Resolve(threadID string) error {
	for i := range ts.threads {
		if ts.threads[i].ID == threadID {
			if !ts.threads[i].Resolved {
				ts.threads[i].Resolved = true
				ts.changed()
			}
			return nil
		}
	}
	return fmt.Errorf("thread %s not found", threadID)
}

// ReplaceAll swaps in remotely converged threads without firing the
// change observer.
func (ts *ThreadSet) ReplaceAll(threads []Thread) {
	ts.threads = make([]Thread, len(threads))
	copy(ts.threads, threads)
}

func (ts *ThreadSet) changed() {
	if ts.onChange != nil {
		ts.onChange()
	}
}
