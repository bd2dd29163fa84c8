package store

import (
	"context"
	"crypto/sha1"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func contentHash(payload []byte) string {
	sum := sha1.Sum(payload)
	return hex.EncodeToString(sum[:])
}

// EnsureProposal creates a proposal row if it does not exist yet and
// returns the current row either way.
func (s *PostgresStore) EnsureProposal(ctx context.Context, id, title, ownerID string) (Proposal, error) {
	const upsert = `
		INSERT INTO proposals (id, title, stage, owner_id)
		VALUES ($1, $2, 'draft', $3)
		ON CONFLICT (id) DO UPDATE SET updated_at = NOW()
		RETURNING id, title, stage, owner_id, created_at, updated_at
	`
	var p Proposal
	err := s.db.QueryRowContext(ctx, upsert, id, title, ownerID).
		Scan(&p.ID, &p.Title, &p.Stage, &p.OwnerID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return Proposal{}, fmt.Errorf("ensure proposal: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) GetProposal(ctx context.Context, id string) (Proposal, error) {
	const query = `SELECT id, title, stage, owner_id, created_at, updated_at FROM proposals WHERE id = $1`
	var p Proposal
	err := s.db.QueryRowContext(ctx, query, id).
		Scan(&p.ID, &p.Title, &p.Stage, &p.OwnerID, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Proposal{}, err
	}
	if err != nil {
		return Proposal{}, fmt.Errorf("get proposal: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) SetProposalStage(ctx context.Context, id, stage string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE proposals SET stage=$2, updated_at=NOW() WHERE id=$1`, id, stage)
	if err != nil {
		return fmt.Errorf("set proposal stage: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// SaveDocumentContent upserts one sub-document's serialized tree.
func (s *PostgresStore) SaveDocumentContent(ctx context.Context, proposalID, subDocument string, content []byte) error {
	const upsert = `
		INSERT INTO document_contents (proposal_id, sub_document, content, content_hash)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (proposal_id, sub_document)
		DO UPDATE SET content=EXCLUDED.content, content_hash=EXCLUDED.content_hash, updated_at=NOW()
	`
	if _, err := s.db.ExecContext(ctx, upsert, proposalID, subDocument, content, contentHash(content)); err != nil {
		return fmt.Errorf("save document content: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDocumentContent(ctx context.Context, proposalID, subDocument string) (DocumentContent, error) {
	const query = `
		SELECT proposal_id, sub_document, content, content_hash, updated_at
		FROM document_contents
		WHERE proposal_id=$1 AND sub_document=$2
	`
	var dc DocumentContent
	err := s.db.QueryRowContext(ctx, query, proposalID, subDocument).
		Scan(&dc.ProposalID, &dc.SubDocument, &dc.Content, &dc.ContentHash, &dc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return DocumentContent{}, err
	}
	if err != nil {
		return DocumentContent{}, fmt.Errorf("get document content: %w", err)
	}
	return dc, nil
}

func (s *PostgresStore) ListDocumentContents(ctx context.Context, proposalID string) ([]DocumentContent, error) {
	const query = `
		SELECT proposal_id, sub_document, content, content_hash, updated_at
		FROM document_contents
		WHERE proposal_id=$1
		ORDER BY sub_document
	`
	rows, err := s.db.QueryContext(ctx, query, proposalID)
	if err != nil {
		return nil, fmt.Errorf("list document contents: %w", err)
	}
	defer rows.Close()

	items := make([]DocumentContent, 0)
	for rows.Next() {
		var dc DocumentContent
		if err := rows.Scan(&dc.ProposalID, &dc.SubDocument, &dc.Content, &dc.ContentHash, &dc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan document content: %w", err)
		}
		items = append(items, dc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate document contents: %w", err)
	}
	return items, nil
}

// SaveDiscussionList upserts one sub-document's serialized thread list.
func (s *PostgresStore) SaveDiscussionList(ctx context.Context, proposalID, subDocument string, threads []byte) error {
	const upsert = `
		INSERT INTO discussion_lists (proposal_id, sub_document, threads, threads_hash)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (proposal_id, sub_document)
		DO UPDATE SET threads=EXCLUDED.threads, threads_hash=EXCLUDED.threads_hash, updated_at=NOW()
	`
	if _, err := s.db.ExecContext(ctx, upsert, proposalID, subDocument, threads, contentHash(threads)); err != nil {
		return fmt.Errorf("save discussion list: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDiscussionList(ctx context.Context, proposalID, subDocument string) (DiscussionList, error) {
	const query = `
		SELECT proposal_id, sub_document, threads, threads_hash, updated_at
		FROM discussion_lists
		WHERE proposal_id=$1 AND sub_document=$2
	`
	var dl DiscussionList
	err := s.db.QueryRowContext(ctx, query, proposalID, subDocument).
		Scan(&dl.ProposalID, &dl.SubDocument, &dl.Threads, &dl.ThreadsHash, &dl.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return DiscussionList{}, err
	}
	if err != nil {
		return DiscussionList{}, fmt.Errorf("get discussion list: %w", err)
	}
	return dl, nil
}

// RecordCheckpoint appends one checkpoint row. Rows are append-only;
// history questions go through the checkpoint repository itself.
func (s *PostgresStore) RecordCheckpoint(ctx context.Context, proposalID, commitHash, trigger string) (Checkpoint, error) {
	const insert = `
		INSERT INTO checkpoints (proposal_id, commit_hash, trigger)
		VALUES ($1, $2, $3)
		RETURNING id, proposal_id, commit_hash, trigger, created_at
	`
	var cp Checkpoint
	err := s.db.QueryRowContext(ctx, insert, proposalID, commitHash, trigger).
		Scan(&cp.ID, &cp.ProposalID, &cp.CommitHash, &cp.Trigger, &cp.CreatedAt)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("record checkpoint: %w", err)
	}
	return cp, nil
}

func (s *PostgresStore) ListCheckpoints(ctx context.Context, proposalID string, limit int) ([]Checkpoint, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `
		SELECT id, proposal_id, commit_hash, trigger, created_at
		FROM checkpoints
		WHERE proposal_id=$1
		ORDER BY id DESC
		LIMIT $2
	`
	rows, err := s.db.QueryContext(ctx, query, proposalID, limit)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	items := make([]Checkpoint, 0)
	for rows.Next() {
		var cp Checkpoint
		if err := rows.Scan(&cp.ID, &cp.ProposalID, &cp.CommitHash, &cp.Trigger, &cp.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		items = append(items, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}
	return items, nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
