package collab

import (
	"bytes"
	"context"
	"testing"
	"time"

	"symposium/api/internal/subdoc"
)

func TestDebouncedSaveCoalescesBursts(t *testing.T) {
	saver := newMemSaver()
	s := NewSaveScheduler("doc-1", saver, 20*time.Millisecond, 10*time.Millisecond)

	s.NoteContentChange(subdoc.Abstract, []byte(`{"type":"doc","rev":1}`))
	s.NoteContentChange(subdoc.Abstract, []byte(`{"type":"doc","rev":2}`))
	s.NoteContentChange(subdoc.Abstract, []byte(`{"type":"doc","rev":3}`))

	waitFor(t, time.Second, "debounced content save", func() bool {
		return saver.count() == 1
	})
	got := saver.get(saverKey("doc-1", subdoc.Abstract, CellContent))
	if !bytes.Equal(got, []byte(`{"type":"doc","rev":3}`)) {
		t.Fatalf("saved %q, want only the last payload of the burst", got)
	}
	if saver.callCount() != 1 {
		t.Fatalf("save calls = %d, want the burst coalesced into 1", saver.callCount())
	}
}

func TestDiscussionSavesUseShorterDebounce(t *testing.T) {
	saver := newMemSaver()
	s := NewSaveScheduler("doc-1", saver, 500*time.Millisecond, 10*time.Millisecond)

	s.NoteContentChange(subdoc.FormI, []byte(`{"type":"doc"}`))
	s.NoteDiscussionChange(subdoc.FormI, []byte(`{"threads":[]}`))

	waitFor(t, time.Second, "discussion save", func() bool {
		return saver.get(saverKey("doc-1", subdoc.FormI, CellDiscussions)) != nil
	})
	if saver.get(saverKey("doc-1", subdoc.FormI, CellContent)) != nil {
		t.Fatal("content save fired before its longer debounce elapsed")
	}
}

func TestCollaborationSuppressesDebouncedSaves(t *testing.T) {
	saver := newMemSaver()
	s := NewSaveScheduler("doc-1", saver, 10*time.Millisecond, 10*time.Millisecond)
	s.SetCollaborating(true)

	s.NoteContentChange(subdoc.Abstract, []byte(`{"type":"doc"}`))
	s.NoteDiscussionChange(subdoc.Abstract, []byte(`{"threads":[]}`))

	time.Sleep(50 * time.Millisecond)
	if saver.count() != 0 {
		t.Fatal("debounced saves must be suppressed while collaborating")
	}
}

func TestEnteringCollaborationCancelsPendingSaves(t *testing.T) {
	saver := newMemSaver()
	s := NewSaveScheduler("doc-1", saver, 30*time.Millisecond, 30*time.Millisecond)

	s.NoteContentChange(subdoc.Abstract, []byte(`{"type":"doc"}`))
	s.SetCollaborating(true)

	time.Sleep(80 * time.Millisecond)
	if saver.count() != 0 {
		t.Fatal("pending debounced save must be cancelled when collaboration starts")
	}
}

func TestForceSaveWritesRegardlessOfMode(t *testing.T) {
	saver := newMemSaver()
	s := NewSaveScheduler("doc-1", saver, time.Hour, time.Hour)
	s.SetCollaborating(true)

	s.ForceSave(context.Background(), []CellSnapshot{
		{SubDoc: subdoc.Abstract, Cell: CellContent, Payload: []byte(`{"type":"doc"}`)},
		{SubDoc: subdoc.Abstract, Cell: CellDiscussions, Payload: []byte(`{"threads":[]}`)},
		{SubDoc: subdoc.Budget, Cell: CellContent, Payload: nil},
	})

	if saver.count() != 2 {
		t.Fatalf("saved %d cells, want 2 (empty payloads skipped)", saver.count())
	}
}

func TestForceSaveSkipsUnchangedPayload(t *testing.T) {
	saver := newMemSaver()
	s := NewSaveScheduler("doc-1", saver, time.Hour, time.Hour)
	snap := []CellSnapshot{{SubDoc: subdoc.Abstract, Cell: CellContent, Payload: []byte(`{"type":"doc"}`)}}

	s.ForceSave(context.Background(), snap)
	s.ForceSave(context.Background(), snap)

	if saver.callCount() != 1 {
		t.Fatalf("save calls = %d, identical payload must be written once", saver.callCount())
	}
}

func TestFailedSaveRetriesNextCycle(t *testing.T) {
	saver := newMemSaver()
	saver.setFail(true)
	s := NewSaveScheduler("doc-1", saver, 10*time.Millisecond, 10*time.Millisecond)

	s.NoteContentChange(subdoc.Abstract, []byte(`{"type":"doc"}`))
	waitFor(t, time.Second, "failed save attempt", func() bool {
		return saver.callCount() == 1
	})

	saver.setFail(false)
	s.NoteContentChange(subdoc.Abstract, []byte(`{"type":"doc"}`))
	waitFor(t, time.Second, "retried save", func() bool {
		return saver.count() == 1
	})
}
