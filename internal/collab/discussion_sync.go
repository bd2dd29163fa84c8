package collab

import (
	"log"

	"symposium/api/internal/doctree"
	"symposium/api/internal/subdoc"
)

// DiscussionSync bridges one sub-document's threads and the active
// transport's discussions cell. It mirrors the content synchronizer's
// state machine, with directory reconciliation on every apply so thread
// rendering never blocks on an author being online.
//
// Unlike content, remote applies run without suspending the
// track-changes flag: authorship is carried explicitly on every thread
// and comment, so misattribution cannot arise from the apply itself.
type DiscussionSync struct {
	sd         subdoc.ID
	threads    *ThreadSet
	transport  ActiveTransport
	marker     *EchoMarker
	directory  *Directory
	canComment bool

	state       syncState
	lastApplied string
	onApplied   func([]byte)
}

func NewDiscussionSync(sd subdoc.ID, threads *ThreadSet, transport ActiveTransport, marker *EchoMarker, directory *Directory, canComment bool) *DiscussionSync {
	return &DiscussionSync{
		sd:         sd,
		threads:    threads,
		transport:  transport,
		marker:     marker,
		directory:  directory,
		canComment: canComment,
	}
}

func (s *DiscussionSync) OnApplied(fn func([]byte)) {
	s.onApplied = fn
}

// Bootstrap runs once the transport reports synced. Existing remote
// discussions always win over anything loaded locally; an empty cell
// with local threads (a reopened solo draft) is seeded.
func (s *DiscussionSync) Bootstrap() {
	current, err := s.transport.ReadCell(s.sd, CellDiscussions)
	if err != nil {
		log.Printf("discussion sync %s: bootstrap read failed: %v", s.sd, err)
		return
	}
	if len(current) == 0 {
		if len(s.threads.List()) > 0 {
			s.PushLocal()
		}
		return
	}
	s.applyPayload(current)
}

// PushLocal publishes the local thread list, always together with the
// directory fragment needed to resolve every referenced author, since
// the receiving side may not share presence history.
func (s *DiscussionSync) PushLocal() {
	if !s.canComment {
		return
	}
	if s.state != stateIdle {
		return
	}

	list := ThreadList{Threads: s.threads.List()}
	list.Participants = s.directory.Fragment(list.AuthorIDs())
	payload := EncodeThreadList(list)
	hash := doctree.Hash(payload)
	if hash == s.marker.lastSentDiscussions {
		return
	}

	s.state = stateSending
	err := s.transport.WriteCell(s.sd, CellDiscussions, payload)
	s.state = stateIdle
	if err != nil {
		log.Printf("discussion sync %s: publish failed: %v", s.sd, err)
		return
	}
	s.marker.lastSentDiscussions = hash
}

// ApplyRemote handles a discussions-cell change notification.
func (s *DiscussionSync) ApplyRemote(u CellUpdate) {
	if !u.Remote || u.SubDoc != s.sd || u.Cell != CellDiscussions {
		return
	}
	if s.state != stateIdle {
		return
	}
	s.applyPayload(u.Payload)
}

func (s *DiscussionSync) applyPayload(payload []byte) {
	list, err := DecodeThreadList(payload)
	if err != nil {
		log.Printf("discussion sync %s: dropping unparseable remote discussions: %v", s.sd, err)
		return
	}

	incoming := doctree.Hash(payload)
	if incoming == s.lastApplied {
		return
	}

	s.state = stateApplying
	s.reconcileDirectory(list)
	s.threads.ReplaceAll(list.Threads)
	s.lastApplied = incoming
	s.marker.lastSentDiscussions = incoming
	s.state = stateIdle

	if s.onApplied != nil {
		s.onApplied(payload)
	}
}

// reconcileDirectory guarantees every author referenced by the incoming
// list resolves locally: live presence is preferred (accurate name and
// avatar), then the fragment shipped with the list, then a synthesized
// placeholder.
func (s *DiscussionSync) reconcileDirectory(list ThreadList) {
	presence := s.transport.Presence()
	for _, authorID := range list.AuthorIDs() {
		if s.directory.Has(authorID) {
			continue
		}
		if rec, ok := presence.Lookup(authorID); ok {
			s.directory.Refresh(Identity{ID: authorID, Name: rec.Name})
			continue
		}
		if entry, ok := list.Participants[authorID]; ok {
			s.directory.Put(entry)
			continue
		}
		s.directory.Resolve(authorID)
	}
}
