package subdoc

import "testing"

func TestParseKnown(t *testing.T) {
	for _, id := range All() {
		parsed, err := Parse(id.String())
		if err != nil {
			t.Fatalf("Parse(%q) failed: %v", id, err)
		}
		if parsed != id {
			t.Errorf("expected %q, got %q", id, parsed)
		}
	}
}

func TestParseUnknown(t *testing.T) {
	if _, err := Parse("appendix"); err == nil {
		t.Error("expected error for unknown sub-document, got nil")
	}
}

func TestAllIsACopy(t *testing.T) {
	first := All()
	first[0] = ID("mutated")
	if All()[0] == ID("mutated") {
		t.Error("All must return a copy")
	}
}
