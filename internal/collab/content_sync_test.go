package collab

import (
	"bytes"
	"context"
	"testing"

	"symposium/api/internal/doctree"
	"symposium/api/internal/subdoc"
)

func newContentFixture(t *testing.T, canEdit bool) (*ContentSync, *doctree.Tree, *memTransport, *ManualScheduler) {
	t.Helper()
	tr := newMemTransport("u1")
	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	tree := doctree.NewTree(nil)
	sched := NewManualScheduler()
	cs := NewContentSync(subdoc.Abstract, tree, tr, &EchoMarker{}, sched, canEdit)
	return cs, tree, tr, sched
}

func TestContentSyncBootstrapSeedsEmptyCell(t *testing.T) {
	cs, tree, tr, _ := newContentFixture(t, true)
	tree.AppendParagraph("loaded draft")

	cs.Bootstrap()

	cell, _ := tr.ReadCell(subdoc.Abstract, CellContent)
	if !bytes.Equal(cell, doctree.Canonical(tree.Current())) {
		t.Fatal("empty cell was not seeded with the local draft")
	}
}

func TestContentSyncBootstrapPrefersSharedState(t *testing.T) {
	cs, tree, tr, _ := newContentFixture(t, true)
	tree.AppendParagraph("stale local draft")

	shared := doctree.EmptyDoc()
	shared.Content = append(shared.Content, doctree.Node{
		Type:    "paragraph",
		Content: []doctree.Node{{Type: "text", Text: "converged text"}},
	})
	if err := tr.WriteCell(subdoc.Abstract, CellContent, doctree.Canonical(shared)); err != nil {
		t.Fatalf("write cell: %v", err)
	}
	writesBefore := tr.writeCount()

	cs.Bootstrap()

	if got := doctree.PlainText(tree.Current()); got != "converged text" {
		t.Fatalf("tree = %q, want shared state to win", got)
	}
	if tr.writeCount() != writesBefore {
		t.Fatal("bootstrap of a non-empty cell must not publish")
	}
}

func TestContentSyncSkipsUnchangedPublish(t *testing.T) {
	cs, tree, tr, _ := newContentFixture(t, true)
	tree.AppendParagraph("hello")

	cs.PushLocal()
	first := tr.writeCount()
	cs.PushLocal()
	if tr.writeCount() != first {
		t.Fatal("republishing an unchanged tree must be skipped")
	}
}

func TestContentSyncIgnoresOwnEcho(t *testing.T) {
	cs, tree, tr, _ := newContentFixture(t, true)
	var localChanges int
	tree.OnChange(func() { localChanges++ })
	tree.AppendParagraph("hello")

	cs.PushLocal()
	payload := doctree.Canonical(tree.Current())
	before := tree.Current()

	writes := tr.writeCount()
	cs.ApplyRemote(CellUpdate{SubDoc: subdoc.Abstract, Cell: CellContent, Payload: payload, Remote: true})

	if tree.Current() != before {
		t.Fatal("echoed payload must not replace the tree")
	}
	if localChanges != 0 {
		t.Fatalf("echo fired %d local change notifications", localChanges)
	}
	if tr.writeCount() != writes {
		t.Fatal("echo must not trigger a republish")
	}
}

func TestContentSyncAppliesRemoteWithoutAttribution(t *testing.T) {
	cs, tree, _, sched := newContentFixture(t, true)
	tree.SetTrackChanges(true)

	remote := doctree.EmptyDoc()
	remote.Content = append(remote.Content, doctree.Node{
		Type:    "paragraph",
		Content: []doctree.Node{{Type: "text", Text: "peer edit"}},
	})
	cs.ApplyRemote(CellUpdate{
		SubDoc:  subdoc.Abstract,
		Cell:    CellContent,
		Payload: doctree.Canonical(remote),
		Remote:  true,
	})

	if got := doctree.PlainText(tree.Current()); got != "peer edit" {
		t.Fatalf("tree = %q, want remote state applied", got)
	}
	if tree.TrackChanges() {
		t.Fatal("tracking must be suspended during the apply frame")
	}
	if n := sched.Flush(); n == 0 {
		t.Fatal("expected a deferred tracking restore")
	}
	if !tree.TrackChanges() {
		t.Fatal("tracking must be restored on the next frame")
	}
}

func TestContentSyncBackToBackAppliesRestoreTracking(t *testing.T) {
	cs, tree, _, sched := newContentFixture(t, true)
	tree.SetTrackChanges(true)

	for _, text := range []string{"first peer edit", "second peer edit"} {
		remote := doctree.EmptyDoc()
		remote.Content = append(remote.Content, doctree.Node{
			Type:    "paragraph",
			Content: []doctree.Node{{Type: "text", Text: text}},
		})
		cs.ApplyRemote(CellUpdate{
			SubDoc:  subdoc.Abstract,
			Cell:    CellContent,
			Payload: doctree.Canonical(remote),
			Remote:  true,
		})
	}
	if tree.TrackChanges() {
		t.Fatal("tracking must stay suspended until the deferred restores run")
	}

	if n := sched.Flush(); n != 2 {
		t.Fatalf("expected 2 deferred restores, got %d", n)
	}
	if !tree.TrackChanges() {
		t.Fatal("tracking must be restored to on after back-to-back applies")
	}
	if got := doctree.PlainText(tree.Current()); got != "second peer edit" {
		t.Fatalf("tree = %q, want the later apply to win", got)
	}
}

func TestContentSyncDropsMalformedRemote(t *testing.T) {
	cs, tree, _, _ := newContentFixture(t, true)
	tree.AppendParagraph("intact")

	cs.ApplyRemote(CellUpdate{
		SubDoc:  subdoc.Abstract,
		Cell:    CellContent,
		Payload: []byte(`{"type":"paragraph"}`),
		Remote:  true,
	})
	cs.ApplyRemote(CellUpdate{
		SubDoc:  subdoc.Abstract,
		Cell:    CellContent,
		Payload: []byte(`not json`),
		Remote:  true,
	})

	if got := doctree.PlainText(tree.Current()); got != "intact" {
		t.Fatalf("tree = %q, malformed updates must be dropped", got)
	}
}

func TestContentSyncCommentOnlyNeverPublishes(t *testing.T) {
	cs, tree, tr, _ := newContentFixture(t, false)
	tree.AppendParagraph("viewer text")

	cs.Bootstrap()
	cs.PushLocal()

	if tr.writeCount() != 0 {
		t.Fatal("comment-only participant must never publish content")
	}
}
