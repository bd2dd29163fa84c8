package collab

import "testing"

func TestDirectoryPutFillsGapsOnly(t *testing.T) {
	d := NewDirectory()

	// A placeholder synthesized for an unknown author is upgraded by the
	// first real name.
	if got := d.Resolve("u1").Name; got != "User" {
		t.Fatalf("unknown author resolved to %q, want placeholder", got)
	}
	d.Put(Identity{ID: "u1", Name: "Ada Lovelace"})
	if got := d.Resolve("u1").Name; got != "Ada Lovelace" {
		t.Fatalf("resolved %q, real name must replace the placeholder", got)
	}

	// A stale fragment never overwrites a real name.
	d.Put(Identity{ID: "u1", Name: "Old Fragment Name"})
	if got := d.Resolve("u1").Name; got != "Ada Lovelace" {
		t.Fatalf("resolved %q, fragment must not clobber a known name", got)
	}
}

func TestDirectoryRefreshPropagatesRename(t *testing.T) {
	d := NewDirectory()
	d.Put(Identity{ID: "u1", Name: "Ada Lovelace"})

	// Live presence carries the current display name, so a mid-session
	// rename replaces what the directory knew.
	d.Refresh(Identity{ID: "u1", Name: "Ada King"})
	if got := d.Resolve("u1").Name; got != "Ada King" {
		t.Fatalf("resolved %q, presence must refresh the name", got)
	}

	// An empty presence name never blanks an entry.
	d.Refresh(Identity{ID: "u1", Name: ""})
	if got := d.Resolve("u1").Name; got != "Ada King" {
		t.Fatalf("resolved %q, empty refresh must be ignored", got)
	}
}
