package collab

import (
	"context"
	"fmt"
	"time"

	"symposium/api/internal/doctree"
	"symposium/api/internal/subdoc"
	"symposium/api/internal/util"
)

// SessionConfig wires one participant's collaborative editing context.
type SessionConfig struct {
	DocumentID     string
	Participant    Participant
	Primary        ActiveTransport
	Fallback       ActiveTransport
	ConnectTimeout time.Duration
	SyncTimeout    time.Duration
	Saver          Saver
	Scheduler      Scheduler

	// InitialContent holds locally loaded drafts or templates, used
	// only to seed empty cells; a non-empty shared cell always wins.
	InitialContent map[subdoc.ID]*doctree.Node

	ContentDebounce    time.Duration
	DiscussionDebounce time.Duration
}

// Session is one participant's collaborative editing context for one
// document: the per-session owner of the directory, echo markers,
// synchronizers and persistence scheduler. All mutable sync state is
// confined to the session's event loop; the editor surface reaches it
// through Do.
type Session struct {
	documentID    string
	participant   Participant
	transport     ActiveTransport
	collaborating bool

	trees       map[subdoc.ID]*doctree.Tree
	threads     map[subdoc.ID]*ThreadSet
	content     map[subdoc.ID]*ContentSync
	discussions map[subdoc.ID]*DiscussionSync

	directory   *Directory
	broadcaster *CursorBroadcaster
	overlay     *CursorOverlay
	saves       *SaveScheduler
	sched       Scheduler

	events chan func()
	done   chan struct{}
}

// OpenSession selects the transport (primary first, fallback on
// timeout), waits for sync, bootstraps every sub-document and starts
// the event loop.
func OpenSession(ctx context.Context, cfg SessionConfig) (*Session, error) {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.SyncTimeout <= 0 {
		cfg.SyncTimeout = 15 * time.Second
	}
	sched := cfg.Scheduler
	if sched == nil {
		sched = NewFrameScheduler()
	}

	transport, err := SelectTransport(ctx, cfg.Primary, cfg.Fallback, cfg.ConnectTimeout)
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	syncCtx, cancel := context.WithTimeout(ctx, cfg.SyncTimeout)
	defer cancel()
	if err := WaitSynced(syncCtx, transport); err != nil {
		_ = transport.Close()
		return nil, fmt.Errorf("open session: %w", err)
	}

	s := &Session{
		documentID:    cfg.DocumentID,
		participant:   cfg.Participant,
		transport:     transport,
		collaborating: transport == cfg.Primary,
		trees:         make(map[subdoc.ID]*doctree.Tree),
		threads:       make(map[subdoc.ID]*ThreadSet),
		content:       make(map[subdoc.ID]*ContentSync),
		discussions:   make(map[subdoc.ID]*DiscussionSync),
		directory:     NewDirectory(),
		sched:         sched,
		events:        make(chan func(), 64),
		done:          make(chan struct{}),
	}

	s.directory.Put(Identity{ID: cfg.Participant.ID, Name: cfg.Participant.Name})
	s.saves = NewSaveScheduler(cfg.DocumentID, cfg.Saver, cfg.ContentDebounce, cfg.DiscussionDebounce)
	s.saves.SetCollaborating(s.collaborating)

	presence := transport.Presence()
	s.broadcaster = NewCursorBroadcaster(cfg.Participant, presence, sched)
	s.overlay = NewCursorOverlay(cfg.Participant.ID, sched)
	s.overlay.Observe(presence)
	presence.OnUpdate(func(rec PresenceRecord) {
		s.directory.Refresh(Identity{ID: rec.UserID, Name: rec.Name})
	})

	for _, sd := range subdoc.All() {
		sd := sd
		tree := doctree.NewTree(cfg.InitialContent[sd])
		threadSet := NewThreadSet()
		marker := &EchoMarker{}

		cs := NewContentSync(sd, tree, transport, marker, sched, cfg.Participant.CanEdit)
		ds := NewDiscussionSync(sd, threadSet, transport, marker, s.directory, cfg.Participant.CanComment)

		tree.OnChange(func() {
			cs.PushLocal()
			if !s.collaborating {
				s.saves.NoteContentChange(sd, doctree.Canonical(tree.Current()))
			}
		})
		threadSet.OnChange(func() {
			ds.PushLocal()
			if !s.collaborating {
				list := ThreadList{Threads: threadSet.List()}
				list.Participants = s.directory.Fragment(list.AuthorIDs())
				s.saves.NoteDiscussionChange(sd, EncodeThreadList(list))
			}
		})
		cs.OnApplied(func(payload []byte) {
			if !s.collaborating {
				s.saves.NoteContentChange(sd, payload)
			}
		})
		ds.OnApplied(func(payload []byte) {
			if !s.collaborating {
				s.saves.NoteDiscussionChange(sd, payload)
			}
		})

		s.trees[sd] = tree
		s.threads[sd] = threadSet
		s.content[sd] = cs
		s.discussions[sd] = ds
	}

	go s.run()

	// Bootstrap on the loop so applies never race local edits.
	s.Do(func() {
		for _, sd := range subdoc.All() {
			s.content[sd].Bootstrap()
			s.discussions[sd].Bootstrap()
		}
	})

	// Announce ourselves so peers can resolve our identity.
	presence.Publish(PresenceRecord{
		UserID: cfg.Participant.ID,
		Name:   cfg.Participant.Name,
		Role:   cfg.Participant.Role,
		Color:  cfg.Participant.Color,
	})

	return s, nil
}

func (s *Session) run() {
	updates := s.transport.Updates()
	for {
		select {
		case fn := <-s.events:
			fn()
		case u := <-updates:
			if cs, ok := s.content[u.SubDoc]; ok && u.Cell == CellContent {
				cs.ApplyRemote(u)
			}
			if ds, ok := s.discussions[u.SubDoc]; ok && u.Cell == CellDiscussions {
				ds.ApplyRemote(u)
			}
		case <-s.done:
			return
		}
	}
}

// Do runs fn on the session event loop and waits for it. Everything
// that touches trees, threads or synchronizers goes through here.
func (s *Session) Do(fn func()) {
	doneCh := make(chan struct{})
	select {
	case s.events <- func() {
		fn()
		close(doneCh)
	}:
	case <-s.done:
		return
	}
	select {
	case <-doneCh:
	case <-s.done:
	}
}

// Tree exposes a sub-document's editable tree. Mutate only inside Do.
func (s *Session) Tree(sd subdoc.ID) *doctree.Tree {
	return s.trees[sd]
}

// CurrentContent returns the latest converged serialized tree for a
// sub-document.
func (s *Session) CurrentContent(sd subdoc.ID) []byte {
	var payload []byte
	s.Do(func() {
		payload = doctree.Canonical(s.trees[sd].Current())
	})
	return payload
}

// Threads returns a snapshot of a sub-document's discussion threads.
func (s *Session) Threads(sd subdoc.ID) []Thread {
	var list []Thread
	s.Do(func() {
		list = s.threads[sd].List()
	})
	return list
}

// OpenThread starts a discussion thread authored by this participant.
func (s *Session) OpenThread(sd subdoc.ID, anchor Anchor, text string) (Thread, error) {
	if !s.participant.CanComment {
		return Thread{}, fmt.Errorf("participant %s may not comment", s.participant.ID)
	}
	now := time.Now().UTC()
	th := Thread{
		ID:        util.NewID("thr"),
		Anchor:    anchor,
		AuthorID:  s.participant.ID,
		CreatedAt: now,
		Comments: []Comment{{
			ID:        util.NewID("cmt"),
			AuthorID:  s.participant.ID,
			Text:      text,
			CreatedAt: now,
		}},
	}
	s.Do(func() {
		s.threads[sd].Open(th)
	})
	return th, nil
}

// ReplyToThread appends a comment authored by this participant.
func (s *Session) ReplyToThread(sd subdoc.ID, threadID, text string) error {
	if !s.participant.CanComment {
		return fmt.Errorf("participant %s may not comment", s.participant.ID)
	}
	c := Comment{
		ID:        util.NewID("cmt"),
		AuthorID:  s.participant.ID,
		Text:      text,
		CreatedAt: time.Now().UTC(),
	}
	var err error
	s.Do(func() {
		err = s.threads[sd].AddComment(threadID, c)
	})
	return err
}

// ResolveThread marks a thread resolved.
func (s *Session) ResolveThread(sd subdoc.ID, threadID string) error {
	if !s.participant.CanComment {
		return fmt.Errorf("participant %s may not comment", s.participant.ID)
	}
	var err error
	s.Do(func() {
		err = s.threads[sd].Resolve(threadID)
	})
	return err
}

func (s *Session) Directory() *Directory {
	return s.directory
}

func (s *Session) Cursors() *CursorBroadcaster {
	return s.broadcaster
}

func (s *Session) Overlay() *CursorOverlay {
	return s.overlay
}

func (s *Session) Saves() *SaveScheduler {
	return s.saves
}

// ConnectionState describes the session for the status indicator:
// synced, degraded, or offline. These are the only error-adjacent
// signals surfaced to the user.
func (s *Session) ConnectionState() string {
	switch {
	case s.collaborating && s.transport.Synced():
		return "synced"
	case s.transport.Connected():
		return "degraded"
	default:
		return "offline"
	}
}

// ManualSave forces a durable write of every cell. Only participants
// with edit rights may trigger it.
func (s *Session) ManualSave(ctx context.Context) error {
	if !s.participant.CanEdit {
		return fmt.Errorf("participant %s may not save", s.participant.ID)
	}
	s.saves.ForceSave(ctx, s.snapshots())
	return nil
}

func (s *Session) snapshots() []CellSnapshot {
	var snaps []CellSnapshot
	s.Do(func() {
		for _, sd := range subdoc.All() {
			snaps = append(snaps, CellSnapshot{
				SubDoc:  sd,
				Cell:    CellContent,
				Payload: doctree.Canonical(s.trees[sd].Current()),
			})
			list := ThreadList{Threads: s.threads[sd].List()}
			list.Participants = s.directory.Fragment(list.AuthorIDs())
			snaps = append(snaps, CellSnapshot{
				SubDoc:  sd,
				Cell:    CellDiscussions,
				Payload: EncodeThreadList(list),
			})
		}
	})
	return snaps
}

// Close tears the session down. Solo sessions attempt one final forced
// save, best-effort since the surface may be unloading; collaborative
// sessions leave durable writes to the last-participant-left signal.
func (s *Session) Close(ctx context.Context) error {
	if !s.collaborating && s.participant.CanEdit {
		s.saves.ForceSave(ctx, s.snapshots())
	}
	close(s.done)
	return s.transport.Close()
}
