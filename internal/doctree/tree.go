// Package doctree models the editable rich-document tree shared by the
// collaboration core and the editor surface.
package doctree

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// Node is one node of the rich-document tree. The shape mirrors the
// editor's JSON representation: block and inline nodes carry children,
// text nodes carry Text plus optional Marks.
type Node struct {
	Type    string         `json:"type"`
	Attrs   map[string]any `json:"attrs,omitempty"`
	Content []Node         `json:"content,omitempty"`
	Text    string         `json:"text,omitempty"`
	Marks   []Mark         `json:"marks,omitempty"`
}

// Mark is a formatting mark on a text node.
type Mark struct {
	Type  string         `json:"type"`
	Attrs map[string]any `json:"attrs,omitempty"`
}

// EmptyDoc returns the template tree for a blank sub-form.
func EmptyDoc() *Node {
	return &Node{
		Type:    "doc",
		Content: []Node{{Type: "paragraph"}},
	}
}

// Parse decodes a serialized tree. A payload that does not decode, or
// that decodes to something other than a doc node, is rejected so a
// malformed remote update never replaces local state.
func Parse(payload []byte) (*Node, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty tree payload")
	}
	var node Node
	if err := json.Unmarshal(payload, &node); err != nil {
		return nil, fmt.Errorf("decode tree: %w", err)
	}
	if node.Type != "doc" {
		return nil, fmt.Errorf("decode tree: root node is %q, want doc", node.Type)
	}
	return &node, nil
}

// Canonical serializes a tree to its canonical byte form. Two trees with
// the same content always canonicalize to identical bytes, which makes
// the result safe to hash for echo suppression and save skipping.
func Canonical(node *Node) []byte {
	if node == nil {
		return nil
	}
	payload, err := json.Marshal(node)
	if err != nil {
		return nil
	}
	return payload
}

// Hash returns the short content hash used by echo markers and the
// persistence scheduler.
func Hash(payload []byte) string {
	sum := sha1.Sum(payload)
	return hex.EncodeToString(sum[:])
}

// PlainText extracts the visible text of a tree, block nodes separated
// by newlines. Used for thread anchor labels.
func PlainText(node *Node) string {
	if node == nil {
		return ""
	}
	var b strings.Builder
	writeText(&b, node, true)
	return strings.TrimRight(b.String(), "\n")
}

func writeText(b *strings.Builder, node *Node, root bool) {
	if node.Type == "text" {
		b.WriteString(node.Text)
		return
	}
	for i := range node.Content {
		writeText(b, &node.Content[i], false)
	}
	if !root && isBlock(node.Type) {
		b.WriteString("\n")
	}
}

func isBlock(nodeType string) bool {
	switch nodeType {
	case "paragraph", "heading", "listItem", "blockquote", "codeBlock", "tableRow":
		return true
	}
	return false
}

// ChangeFunc observes local edits to a Tree.
type ChangeFunc func()

// Tree is the in-memory host for one sub-document's editable tree. The
// node value is owned by a single session and mutated only on that
// session's event loop; the collaboration core reads Current and calls
// ReplaceEntireValue when applying remote state. The track-changes flag
// is guarded separately, because the frame scheduler resumes tracking
// from its own timer after a remote apply.
type Tree struct {
	current  *Node
	onChange ChangeFunc
	suppress bool

	trackMu       sync.Mutex
	trackChanges  bool
	savedTracking bool
	suspensions   int
}

func NewTree(initial *Node) *Tree {
	if initial == nil {
		initial = EmptyDoc()
	}
	return &Tree{current: initial}
}

// OnChange registers the local-edit observer. Replacements performed by
// ReplaceEntireValue do not fire it; only Edit does.
func (t *Tree) OnChange(fn ChangeFunc) {
	t.onChange = fn
}

func (t *Tree) Current() *Node {
	return t.current
}

// Edit applies a local mutation and notifies the change observer.
func (t *Tree) Edit(mutate func(*Node)) {
	mutate(t.current)
	if t.onChange != nil && !t.suppress {
		t.onChange()
	}
}

// ReplaceEntireValue swaps the whole tree in one atomic operation
// without firing the local-change observer.
func (t *Tree) ReplaceEntireValue(node *Node) {
	if node == nil {
		return
	}
	t.suppress = true
	t.current = node
	t.suppress = false
}

// SetTrackChanges toggles local authorship tracking. The editor surface
// reads this flag to decide whether keystrokes become attributed
// suggestions. A toggle made while tracking is suspended takes effect
// when the last suspension lifts.
func (t *Tree) SetTrackChanges(enabled bool) {
	t.trackMu.Lock()
	defer t.trackMu.Unlock()
	if t.suspensions > 0 {
		t.savedTracking = enabled
		return
	}
	t.trackChanges = enabled
}

func (t *Tree) TrackChanges() bool {
	t.trackMu.Lock()
	defer t.trackMu.Unlock()
	return t.trackChanges
}

// SuspendTracking turns attribution off for the duration of a remote
// apply. Suspensions nest: the flag the user chose is saved on the first
// suspend and restored when the last ResumeTracking runs, so overlapping
// applies can never lose it.
func (t *Tree) SuspendTracking() {
	t.trackMu.Lock()
	defer t.trackMu.Unlock()
	if t.suspensions == 0 {
		t.savedTracking = t.trackChanges
	}
	t.suspensions++
	t.trackChanges = false
}

// ResumeTracking lifts one suspension. Calling it without a matching
// SuspendTracking is a no-op.
func (t *Tree) ResumeTracking() {
	t.trackMu.Lock()
	defer t.trackMu.Unlock()
	if t.suspensions == 0 {
		return
	}
	t.suspensions--
	if t.suspensions == 0 {
		t.trackChanges = t.savedTracking
	}
}

// AppendParagraph is a convenience mutation used by the editor surface
// and tests.
func (t *Tree) AppendParagraph(text string) {
	t.Edit(func(doc *Node) {
		doc.Content = append(doc.Content, Node{
			Type:    "paragraph",
			Content: []Node{{Type: "text", Text: text}},
		})
	})
}
