package collab

import (
	"log"

	"symposium/api/internal/doctree"
	"symposium/api/internal/subdoc"
)

// syncState is the synchronizer state machine. Sending and Applying are
// mutually exclusive so a remote apply can never feed back into a local
// publish, and vice versa. Flags, not locks: each synchronizer is owned
// by one session event loop.
type syncState int

const (
	stateIdle syncState = iota
	stateSending
	stateApplying
)

// EchoMarker remembers the hash of the last payload this participant
// sent per cell, so its own update reflecting back through the
// transport is never re-applied.
type EchoMarker struct {
	lastSentContent     string
	lastSentDiscussions string
}

// ContentSync bridges one sub-document's editable tree and the active
// transport's content cell in both directions.
type ContentSync struct {
	sd        subdoc.ID
	tree      *doctree.Tree
	transport ActiveTransport
	marker    *EchoMarker
	sched     Scheduler
	canEdit   bool

	state       syncState
	lastApplied string
	onApplied   func([]byte)
}

func NewContentSync(sd subdoc.ID, tree *doctree.Tree, transport ActiveTransport, marker *EchoMarker, sched Scheduler, canEdit bool) *ContentSync {
	return &ContentSync{
		sd:        sd,
		tree:      tree,
		transport: transport,
		marker:    marker,
		sched:     sched,
		canEdit:   canEdit,
	}
}

// OnApplied registers an observer for successfully applied remote
// payloads (used by the persistence scheduler in solo mode).
func (s *ContentSync) OnApplied(fn func([]byte)) {
	s.onApplied = fn
}

// Bootstrap runs once the transport reports synced. An empty cell is
// seeded with the local template or loaded draft; a non-empty cell
// always wins over whatever was loaded locally.
func (s *ContentSync) Bootstrap() {
	current, err := s.transport.ReadCell(s.sd, CellContent)
	if err != nil {
		log.Printf("content sync %s: bootstrap read failed: %v", s.sd, err)
		return
	}
	if len(current) == 0 {
		if s.canEdit {
			s.PushLocal()
		}
		return
	}
	s.applyPayload(current)
}

// PushLocal publishes the local tree to the content cell. Skipped for
// comment-only participants, while a remote apply is in progress, and
// when the serialized form matches the last sent value.
func (s *ContentSync) PushLocal() {
	if !s.canEdit {
		return
	}
	if s.state != stateIdle {
		return
	}
	payload := doctree.Canonical(s.tree.Current())
	hash := doctree.Hash(payload)
	if hash == s.marker.lastSentContent {
		return
	}

	s.state = stateSending
	err := s.transport.WriteCell(s.sd, CellContent, payload)
	s.state = stateIdle
	if err != nil {
		log.Printf("content sync %s: publish failed: %v", s.sd, err)
		return
	}
	s.marker.lastSentContent = hash
}

// ApplyRemote handles a content-cell change notification from the
// transport.
func (s *ContentSync) ApplyRemote(u CellUpdate) {
	if !u.Remote || u.SubDoc != s.sd || u.Cell != CellContent {
		return
	}
	if s.state != stateIdle {
		return
	}
	s.applyPayload(u.Payload)
}

func (s *ContentSync) applyPayload(payload []byte) {
	node, err := doctree.Parse(payload)
	if err != nil {
		// Recoverable: drop the update, local state stays intact. The
		// next valid update supersedes it.
		log.Printf("content sync %s: dropping unparseable remote content: %v", s.sd, err)
		return
	}

	incoming := doctree.Hash(doctree.Canonical(node))
	if incoming == s.lastApplied {
		return
	}
	if incoming == doctree.Hash(doctree.Canonical(s.tree.Current())) {
		s.lastApplied = incoming
		return
	}

	s.state = stateApplying
	// Suspend local-authorship tracking for the duration of the apply;
	// otherwise a reviewer in suggestion mode would have the incoming
	// author's plain edits misattributed as the reviewer's own
	// suggestions. Suspensions nest inside the tree, so back-to-back
	// applies within one frame still restore the user's flag.
	s.tree.SuspendTracking()
	s.tree.ReplaceEntireValue(node)
	s.sched.Defer(s.tree.ResumeTracking)

	s.lastApplied = incoming
	// Applying a value also counts as having "sent" it: publishing the
	// identical bytes back would only echo.
	s.marker.lastSentContent = incoming
	s.state = stateIdle

	if s.onApplied != nil {
		s.onApplied(payload)
	}
}
