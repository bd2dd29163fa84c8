package collab

import (
	"context"
	"log"
	"sync"
	"time"

	"symposium/api/internal/doctree"
	"symposium/api/internal/subdoc"
)

// Saver is the durable storage service the scheduler writes through.
type Saver interface {
	SaveDocument(ctx context.Context, documentID string, sd subdoc.ID, content []byte) error
	SaveDiscussions(ctx context.Context, documentID string, sd subdoc.ID, threads []byte) error
}

// SaveScheduler decides when durable writes happen. While a shared
// session is live (primary transport connected) the shared document is
// the source of truth and debounced writes are suppressed; durable
// writes then happen only on the last-participant-left signal or an
// explicit manual save. Solo editing runs debounced writes plus a
// best-effort forced write on teardown.
type SaveScheduler struct {
	documentID      string
	saver           Saver
	contentDelay    time.Duration
	discussionDelay time.Duration

	mu            sync.Mutex
	collaborating bool
	timers        map[cellKey]*time.Timer
	pending       map[cellKey][]byte
	savedHash     map[cellKey]string
}

// Debounce defaults: discussions save quickly, content coalesces
// longer.
const (
	DefaultContentDebounce    = 30 * time.Second
	DefaultDiscussionDebounce = 2 * time.Second
)

func NewSaveScheduler(documentID string, saver Saver, contentDelay, discussionDelay time.Duration) *SaveScheduler {
	if contentDelay <= 0 {
		contentDelay = DefaultContentDebounce
	}
	if discussionDelay <= 0 {
		discussionDelay = DefaultDiscussionDebounce
	}
	return &SaveScheduler{
		documentID:      documentID,
		saver:           saver,
		contentDelay:    contentDelay,
		discussionDelay: discussionDelay,
		timers:          make(map[cellKey]*time.Timer),
		pending:         make(map[cellKey][]byte),
		savedHash:       make(map[cellKey]string),
	}
}

// SetCollaborating switches save modes. Entering collaboration cancels
// every pending debounced write.
func (s *SaveScheduler) SetCollaborating(collaborating bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collaborating = collaborating
	if collaborating {
		for key, timer := range s.timers {
			timer.Stop()
			delete(s.timers, key)
			delete(s.pending, key)
		}
	}
}

func (s *SaveScheduler) Collaborating() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collaborating
}

// NoteContentChange records a solo-mode content change, rescheduling
// the debounced write.
func (s *SaveScheduler) NoteContentChange(sd subdoc.ID, payload []byte) {
	s.note(cellKey{sd, CellContent}, payload, s.contentDelay)
}

// NoteDiscussionChange records a solo-mode discussion change.
func (s *SaveScheduler) NoteDiscussionChange(sd subdoc.ID, payload []byte) {
	s.note(cellKey{sd, CellDiscussions}, payload, s.discussionDelay)
}

func (s *SaveScheduler) note(key cellKey, payload []byte, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.collaborating {
		return
	}
	s.pending[key] = append([]byte(nil), payload...)
	if timer, ok := s.timers[key]; ok {
		timer.Stop()
	}
	s.timers[key] = time.AfterFunc(delay, func() {
		s.flush(key)
	})
}

func (s *SaveScheduler) flush(key cellKey) {
	s.mu.Lock()
	payload, ok := s.pending[key]
	delete(s.pending, key)
	delete(s.timers, key)
	s.mu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.save(ctx, key, payload); err != nil {
		// Leave savedHash untouched; the next debounce cycle retries.
		log.Printf("debounced save %s/%s failed: %v", key.cell, key.sd, err)
	}
}

// save writes one cell if its bytes differ from the last successful
// save. The skip compares hashes rather than checkpoint state to avoid
// racing slow in-flight saves.
func (s *SaveScheduler) save(ctx context.Context, key cellKey, payload []byte) error {
	hash := doctree.Hash(payload)
	s.mu.Lock()
	if s.savedHash[key] == hash {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	var err error
	if key.cell == CellContent {
		err = s.saver.SaveDocument(ctx, s.documentID, key.sd, payload)
	} else {
		err = s.saver.SaveDiscussions(ctx, s.documentID, key.sd, payload)
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.savedHash[key] = hash
	s.mu.Unlock()
	return nil
}

// CellSnapshot is one cell's current payload, gathered by the session
// for a forced save.
type CellSnapshot struct {
	SubDoc  subdoc.ID
	Cell    Cell
	Payload []byte
}

// ForceSave writes every snapshot immediately, regardless of mode. It
// backs the last-participant-left signal, explicit manual saves, and
// the teardown write; failures are logged, not retried, since the
// session may be ending.
func (s *SaveScheduler) ForceSave(ctx context.Context, snapshots []CellSnapshot) {
	for _, snap := range snapshots {
		if len(snap.Payload) == 0 {
			continue
		}
		if err := s.save(ctx, cellKey{snap.SubDoc, snap.Cell}, snap.Payload); err != nil {
			log.Printf("forced save %s/%s failed: %v", snap.Cell, snap.SubDoc, err)
		}
	}
}
