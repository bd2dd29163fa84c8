package collab

import (
	"context"
	"testing"
	"time"

	"symposium/api/internal/subdoc"
)

func newDiscussionFixture(t *testing.T, canComment bool) (*DiscussionSync, *ThreadSet, *Directory, *memTransport) {
	t.Helper()
	tr := newMemTransport("u1")
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	threads := NewThreadSet()
	directory := NewDirectory()
	directory.Put(Identity{ID: "u1", Name: "Ada Lovelace"})
	ds := NewDiscussionSync(subdoc.FormI, threads, tr, &EchoMarker{}, directory, canComment)
	return ds, threads, directory, tr
}

func sampleThread(id, author string) Thread {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	return Thread{
		ID:        id,
		Anchor:    Anchor{From: 4, To: 12, Label: "methodology"},
		AuthorID:  author,
		CreatedAt: now,
		Comments: []Comment{{
			ID:        id + "-c1",
			AuthorID:  author,
			Text:      "needs a control group",
			CreatedAt: now,
		}},
	}
}

func TestDiscussionSyncPublishesDirectoryFragment(t *testing.T) {
	ds, threads, _, tr := newDiscussionFixture(t, true)
	threads.Open(sampleThread("t1", "u1"))

	ds.PushLocal()

	payload, _ := tr.ReadCell(subdoc.FormI, CellDiscussions)
	list, err := DecodeThreadList(payload)
	if err != nil {
		t.Fatalf("decode published list: %v", err)
	}
	entry, ok := list.Participants["u1"]
	if !ok {
		t.Fatal("published list must carry the author's directory entry")
	}
	if entry.Name != "Ada Lovelace" {
		t.Fatalf("fragment name = %q, want real name", entry.Name)
	}
}

func TestDiscussionSyncReconcilesUnknownAuthors(t *testing.T) {
	ds, threads, directory, _ := newDiscussionFixture(t, true)

	list := ThreadList{
		Threads: []Thread{sampleThread("t1", "u-offline"), sampleThread("t2", "u-unknown")},
		Participants: map[string]Identity{
			"u-offline": {ID: "u-offline", Name: "Grace Hopper"},
		},
	}
	ds.ApplyRemote(CellUpdate{
		SubDoc:  subdoc.FormI,
		Cell:    CellDiscussions,
		Payload: EncodeThreadList(list),
		Remote:  true,
	})

	if got := len(threads.List()); got != 2 {
		t.Fatalf("thread count = %d, want 2", got)
	}
	if got := directory.Resolve("u-offline").Name; got != "Grace Hopper" {
		t.Fatalf("offline author resolved to %q, want name from fragment", got)
	}
	if got := directory.Resolve("u-unknown").Name; got != "User" {
		t.Fatalf("unknown author resolved to %q, want placeholder", got)
	}
}

func TestDiscussionSyncPrefersPresenceOverFragment(t *testing.T) {
	ds, _, directory, tr := newDiscussionFixture(t, true)
	tr.presence.receive(PresenceRecord{UserID: "u2", Name: "Current Name"})

	list := ThreadList{
		Threads: []Thread{sampleThread("t1", "u2")},
		Participants: map[string]Identity{
			"u2": {ID: "u2", Name: "Stale Name"},
		},
	}
	ds.ApplyRemote(CellUpdate{
		SubDoc:  subdoc.FormI,
		Cell:    CellDiscussions,
		Payload: EncodeThreadList(list),
		Remote:  true,
	})

	if got := directory.Resolve("u2").Name; got != "Current Name" {
		t.Fatalf("resolved %q, live presence must win over the shipped fragment", got)
	}
}

func TestDiscussionSyncRemoteApplyDoesNotRepublish(t *testing.T) {
	ds, threads, _, tr := newDiscussionFixture(t, true)

	list := ThreadList{
		Threads: []Thread{sampleThread("t1", "u2")},
		Participants: map[string]Identity{
			"u2": {ID: "u2", Name: "Grace Hopper"},
		},
	}
	payload := EncodeThreadList(list)
	ds.ApplyRemote(CellUpdate{SubDoc: subdoc.FormI, Cell: CellDiscussions, Payload: payload, Remote: true})

	if tr.writeCount() != 0 {
		t.Fatal("applying a remote list must not publish")
	}
	if got := len(threads.List()); got != 1 {
		t.Fatalf("thread count = %d, want 1", got)
	}
	// The applied value is marked as sent; pushing the identical list
	// again must be a no-op.
	ds.PushLocal()
	if tr.writeCount() != 0 {
		t.Fatal("republishing the just-applied list must be suppressed")
	}
}

func TestDiscussionSyncRequiresCommentRight(t *testing.T) {
	ds, threads, _, tr := newDiscussionFixture(t, false)
	threads.Open(sampleThread("t1", "u1"))

	ds.PushLocal()

	if tr.writeCount() != 0 {
		t.Fatal("participant without comment rights must never publish discussions")
	}
}

func TestDiscussionSyncDropsMalformedRemote(t *testing.T) {
	ds, threads, _, _ := newDiscussionFixture(t, true)
	threads.Open(sampleThread("t1", "u1"))

	ds.ApplyRemote(CellUpdate{
		SubDoc:  subdoc.FormI,
		Cell:    CellDiscussions,
		Payload: []byte("not a thread list"),
		Remote:  true,
	})

	if got := len(threads.List()); got != 1 {
		t.Fatalf("thread count = %d after malformed update, want 1", got)
	}
}
