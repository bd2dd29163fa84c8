package store

import "time"

// Proposal is one research-proposal document moving through the
// submission workflow. The collaboration core keys everything by its ID.
type Proposal struct {
	ID        string
	Title     string
	Stage     string
	OwnerID   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DocumentContent is the persisted content of one sub-document. Content
// is the serialized editor tree; ContentHash lets writers skip no-op
// saves without loading the payload.
type DocumentContent struct {
	ProposalID  string
	SubDocument string
	Content     []byte
	ContentHash string
	UpdatedAt   time.Time
}

// DiscussionList is the persisted thread list of one sub-document,
// stored as the same serialized form the transports carry.
type DiscussionList struct {
	ProposalID  string
	SubDocument string
	Threads     []byte
	ThreadsHash string
	UpdatedAt   time.Time
}

// CommitInfo describes one commit in a proposal's checkpoint
// repository.
type CommitInfo struct {
	Hash      string
	Message   string
	Author    string
	CreatedAt time.Time
}

// Checkpoint records one durable save of a proposal: which commit in the
// checkpoint repository holds the full state and what triggered it.
type Checkpoint struct {
	ID         int64
	ProposalID string
	CommitHash string
	Trigger    string
	CreatedAt  time.Time
}
