// Package subdoc identifies the editable sub-forms of a proposal.
package subdoc

import "fmt"

// ID names one editable sub-form of a proposal. The set is closed:
// every ID is validated at construction and each carries exactly one
// content cell and one discussions cell on the shared document.
type ID string

const (
	Abstract ID = "abstract"
	FormI    ID = "formi"
	FormII   ID = "formii"
	Budget   ID = "budget"
)

var all = []ID{Abstract, FormI, FormII, Budget}

// All returns every sub-document in display order.
func All() []ID {
	out := make([]ID, len(all))
	copy(out, all)
	return out
}

// Parse validates a raw sub-document key.
func Parse(raw string) (ID, error) {
	for _, id := range all {
		if string(id) == raw {
			return id, nil
		}
	}
	return "", fmt.Errorf("unknown sub-document %q", raw)
}

func (id ID) String() string {
	return string(id)
}
