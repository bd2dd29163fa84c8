// Package app wires the collaboration core to storage, checkpoints and
// the HTTP surface.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"net/http"
	"time"

	"symposium/api/internal/checkpoint"
	"symposium/api/internal/collab"
	"symposium/api/internal/config"
	"symposium/api/internal/store"
	"symposium/api/internal/subdoc"
)

// Store is the durable persistence surface the service needs, satisfied
// by store.PostgresStore.
type Store interface {
	EnsureProposal(ctx context.Context, id, title, ownerID string) (store.Proposal, error)
	GetProposal(ctx context.Context, id string) (store.Proposal, error)
	SetProposalStage(ctx context.Context, id, stage string) error
	SaveDocumentContent(ctx context.Context, proposalID, subDocument string, content []byte) error
	GetDocumentContent(ctx context.Context, proposalID, subDocument string) (store.DocumentContent, error)
	SaveDiscussionList(ctx context.Context, proposalID, subDocument string, threads []byte) error
	GetDiscussionList(ctx context.Context, proposalID, subDocument string) (store.DiscussionList, error)
	RecordCheckpoint(ctx context.Context, proposalID, commitHash, trigger string) (store.Checkpoint, error)
	ListCheckpoints(ctx context.Context, proposalID string, limit int) ([]store.Checkpoint, error)
	Ping(ctx context.Context) error
}

// Checkpoints is the versioned-history surface, satisfied by
// checkpoint.Service.
type Checkpoints interface {
	EnsureProposalRepo(proposalID, author string) error
	Commit(proposalID string, snap checkpoint.Snapshot, author, message string) (store.CommitInfo, error)
	ContentAt(proposalID, hash, subDocument string) ([]byte, error)
	DiscussionsAt(proposalID, hash, subDocument string) ([]byte, error)
}

// Membership is the shared participant counter, satisfied by
// membership.RedisCounter.
type Membership interface {
	SubscribeLastLeft(ctx context.Context, fn func(documentID string)) error
	Ping(ctx context.Context) error
}

// cursorPalette assigns each participant a stable color for cursors and
// thread avatars.
var cursorPalette = []string{
	"#d62728", "#1f77b4", "#2ca02c", "#9467bd",
	"#ff7f0e", "#17becf", "#e377c2", "#8c564b",
}

// Service orchestrates proposals: durable state in Postgres, versioned
// checkpoints in per-proposal git repositories, live collaboration
// through the hub, and the last-left save signal from membership.
type Service struct {
	cfg         config.Config
	store       Store
	checkpoints Checkpoints
	membership  Membership
	hub         *collab.Hub
}

func New(cfg config.Config, st Store, cps Checkpoints, counter Membership, hub *collab.Hub) *Service {
	return &Service{
		cfg:         cfg,
		store:       st,
		checkpoints: cps,
		membership:  counter,
		hub:         hub,
	}
}

func (s *Service) Hub() *collab.Hub {
	return s.hub
}

// Ping reports whether the service's backing stores are reachable.
func (s *Service) Ping(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	if s.membership != nil {
		if err := s.membership.Ping(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// OpenProposal prepares a proposal for editing: the database row, the
// checkpoint repository, and a hub replica seeded from the last durable
// save.
func (s *Service) OpenProposal(ctx context.Context, proposalID, title, ownerID string) (store.Proposal, error) {
	if proposalID == "" {
		return store.Proposal{}, domainError(http.StatusBadRequest, "VALIDATION", "proposal id is required", nil)
	}

	p, err := s.store.EnsureProposal(ctx, proposalID, title, ownerID)
	if err != nil {
		return store.Proposal{}, err
	}
	if err := s.checkpoints.EnsureProposalRepo(proposalID, ownerID); err != nil {
		return store.Proposal{}, err
	}

	contents := make(map[subdoc.ID][]byte)
	discussions := make(map[subdoc.ID][]byte)
	for _, sd := range subdoc.All() {
		if dc, err := s.store.GetDocumentContent(ctx, proposalID, sd.String()); err == nil {
			contents[sd] = dc.Content
		} else if !errors.Is(err, sql.ErrNoRows) {
			return store.Proposal{}, err
		}
		if dl, err := s.store.GetDiscussionList(ctx, proposalID, sd.String()); err == nil {
			discussions[sd] = dl.Threads
		} else if !errors.Is(err, sql.ErrNoRows) {
			return store.Proposal{}, err
		}
	}
	if err := s.hub.SeedFromCells(proposalID, contents, discussions); err != nil {
		return store.Proposal{}, fmt.Errorf("seed hub replica: %w", err)
	}
	return p, nil
}

func (s *Service) GetProposal(ctx context.Context, proposalID string) (store.Proposal, error) {
	p, err := s.store.GetProposal(ctx, proposalID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Proposal{}, domainError(http.StatusNotFound, "NOT_FOUND", "proposal not found", nil)
	}
	return p, err
}

func (s *Service) SetProposalStage(ctx context.Context, proposalID, stage string) error {
	switch stage {
	case "draft", "submitted", "review", "revision", "decision":
	default:
		return domainError(http.StatusBadRequest, "VALIDATION", "unknown stage", map[string]any{"stage": stage})
	}
	err := s.store.SetProposalStage(ctx, proposalID, stage)
	if errors.Is(err, sql.ErrNoRows) {
		return domainError(http.StatusNotFound, "NOT_FOUND", "proposal not found", nil)
	}
	return err
}

// ParticipantFor builds the collaboration grant for a user on a
// proposal. Permissions follow the workflow role: the collaboration
// core itself never decides them.
func (s *Service) ParticipantFor(userID, name, role string) (collab.Participant, error) {
	if userID == "" {
		return collab.Participant{}, domainError(http.StatusBadRequest, "VALIDATION", "user id is required", nil)
	}
	p := collab.Participant{
		ID:    userID,
		Name:  name,
		Role:  role,
		Color: colorFor(userID),
	}
	switch role {
	case "author":
		p.CanEdit = true
		p.CanComment = true
	case "reviewer", "coordinator":
		p.CanComment = true
	case "viewer", "":
	default:
		return collab.Participant{}, domainError(http.StatusBadRequest, "VALIDATION", "unknown role", map[string]any{"role": role})
	}
	return p, nil
}

func colorFor(userID string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return cursorPalette[int(h.Sum32())%len(cursorPalette)]
}

// GetContent returns a sub-document's serialized tree, preferring the
// live converged replica over the last durable save.
func (s *Service) GetContent(ctx context.Context, proposalID string, sd subdoc.ID) ([]byte, error) {
	contents, _ := s.hub.Cells(proposalID)
	if payload, ok := contents[sd]; ok && len(payload) > 0 {
		return payload, nil
	}
	dc, err := s.store.GetDocumentContent(ctx, proposalID, sd.String())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "no content for sub-document", map[string]any{"subDocument": sd.String()})
	}
	if err != nil {
		return nil, err
	}
	return dc.Content, nil
}

// GetDiscussions returns a sub-document's thread list, live replica
// first.
func (s *Service) GetDiscussions(ctx context.Context, proposalID string, sd subdoc.ID) ([]byte, error) {
	_, discussions := s.hub.Cells(proposalID)
	if payload, ok := discussions[sd]; ok && len(payload) > 0 {
		return payload, nil
	}
	dl, err := s.store.GetDiscussionList(ctx, proposalID, sd.String())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "no discussions for sub-document", map[string]any{"subDocument": sd.String()})
	}
	if err != nil {
		return nil, err
	}
	return dl.Threads, nil
}

// SaveFromHub writes the hub's converged replica to durable storage and
// records a checkpoint. It backs both the last-left signal and manual
// saves.
func (s *Service) SaveFromHub(ctx context.Context, proposalID, trigger, author string) (store.CommitInfo, error) {
	contents, discussions := s.hub.Cells(proposalID)
	if len(contents) == 0 && len(discussions) == 0 {
		return store.CommitInfo{}, domainError(http.StatusConflict, "NO_STATE", "no live state to save", nil)
	}

	snap := checkpoint.Snapshot{
		Contents:    make(map[string][]byte),
		Discussions: make(map[string][]byte),
	}
	for sd, payload := range contents {
		if len(payload) == 0 {
			continue
		}
		if err := s.store.SaveDocumentContent(ctx, proposalID, sd.String(), payload); err != nil {
			return store.CommitInfo{}, err
		}
		snap.Contents[sd.String()] = payload
	}
	for sd, payload := range discussions {
		if len(payload) == 0 {
			continue
		}
		if err := s.store.SaveDiscussionList(ctx, proposalID, sd.String(), payload); err != nil {
			return store.CommitInfo{}, err
		}
		snap.Discussions[sd.String()] = payload
	}

	if err := s.checkpoints.EnsureProposalRepo(proposalID, author); err != nil {
		return store.CommitInfo{}, err
	}
	commit, err := s.checkpoints.Commit(proposalID, snap, author, fmt.Sprintf("Checkpoint (%s)", trigger))
	if err != nil {
		return store.CommitInfo{}, err
	}
	if _, err := s.store.RecordCheckpoint(ctx, proposalID, commit.Hash, trigger); err != nil {
		return store.CommitInfo{}, err
	}
	return commit, nil
}

// WatchLastLeft consumes the membership last-left events and performs
// the forced durable save for each. It blocks until ctx is cancelled.
func (s *Service) WatchLastLeft(ctx context.Context) {
	if s.membership == nil {
		return
	}
	err := s.membership.SubscribeLastLeft(ctx, func(proposalID string) {
		saveCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if _, err := s.SaveFromHub(saveCtx, proposalID, "last-left", "system"); err != nil {
			log.Printf("last-left save for %s failed: %v", proposalID, err)
		}
	})
	if err != nil {
		log.Printf("last-left subscription ended: %v", err)
	}
}

// Checkpoints lists a proposal's checkpoint history, newest first.
func (s *Service) Checkpoints(ctx context.Context, proposalID string, limit int) ([]store.Checkpoint, error) {
	if _, err := s.GetProposal(ctx, proposalID); err != nil {
		return nil, err
	}
	return s.store.ListCheckpoints(ctx, proposalID, limit)
}

// CheckpointContent reads one sub-document's tree as it was at a given
// checkpoint.
func (s *Service) CheckpointContent(proposalID, hash string, sd subdoc.ID) ([]byte, error) {
	payload, err := s.checkpoints.ContentAt(proposalID, hash, sd.String())
	if err != nil {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "checkpoint content not found", map[string]any{"hash": hash, "subDocument": sd.String()})
	}
	return payload, nil
}

// CheckpointDiscussions reads one sub-document's thread list as it was
// at a given checkpoint.
func (s *Service) CheckpointDiscussions(proposalID, hash string, sd subdoc.ID) ([]byte, error) {
	payload, err := s.checkpoints.DiscussionsAt(proposalID, hash, sd.String())
	if err != nil {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "checkpoint discussions not found", map[string]any{"hash": hash, "subDocument": sd.String()})
	}
	return payload, nil
}
