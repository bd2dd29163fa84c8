package store

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// These tests run against a real PostgreSQL instance and are skipped
// unless SYMPOSIUM_TEST_DATABASE_URL is set.
func setupTestStore(t *testing.T) (*PostgresStore, context.Context) {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("SYMPOSIUM_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("SYMPOSIUM_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	t.Cleanup(cancel)

	db, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if _, err := db.ExecContext(ctx, `DROP SCHEMA public CASCADE; CREATE SCHEMA public`); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	if err := ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations")); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return NewPostgresStore(db), ctx
}

func TestProposalLifecycle(t *testing.T) {
	s, ctx := setupTestStore(t)

	p, err := s.EnsureProposal(ctx, "prop-1", "Deep-Sea Microbiomes", "user-1")
	if err != nil {
		t.Fatalf("EnsureProposal: %v", err)
	}
	if p.Stage != "draft" {
		t.Errorf("new proposal stage = %q, want draft", p.Stage)
	}

	// Ensure is idempotent.
	again, err := s.EnsureProposal(ctx, "prop-1", "ignored on conflict", "user-2")
	if err != nil {
		t.Fatalf("EnsureProposal again: %v", err)
	}
	if again.Title != "Deep-Sea Microbiomes" || again.OwnerID != "user-1" {
		t.Errorf("ensure overwrote existing proposal: %+v", again)
	}

	if err := s.SetProposalStage(ctx, "prop-1", "review"); err != nil {
		t.Fatalf("SetProposalStage: %v", err)
	}
	got, err := s.GetProposal(ctx, "prop-1")
	if err != nil {
		t.Fatalf("GetProposal: %v", err)
	}
	if got.Stage != "review" {
		t.Errorf("stage = %q, want review", got.Stage)
	}

	if err := s.SetProposalStage(ctx, "missing", "review"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("stage update on missing proposal: err = %v, want ErrNoRows", err)
	}
}

func TestDocumentContentRoundTrip(t *testing.T) {
	s, ctx := setupTestStore(t)
	if _, err := s.EnsureProposal(ctx, "prop-1", "Test", "user-1"); err != nil {
		t.Fatalf("EnsureProposal: %v", err)
	}

	first := []byte(`{"type":"doc","content":[{"type":"paragraph"}]}`)
	if err := s.SaveDocumentContent(ctx, "prop-1", "abstract", first); err != nil {
		t.Fatalf("SaveDocumentContent: %v", err)
	}

	dc, err := s.GetDocumentContent(ctx, "prop-1", "abstract")
	if err != nil {
		t.Fatalf("GetDocumentContent: %v", err)
	}
	if !bytes.Equal(dc.Content, first) {
		t.Errorf("content = %s, want round-tripped payload", dc.Content)
	}
	if dc.ContentHash == "" {
		t.Error("content hash must be recorded")
	}

	// Upsert replaces.
	second := []byte(`{"type":"doc","content":[{"type":"paragraph","content":[{"type":"text","text":"v2"}]}]}`)
	if err := s.SaveDocumentContent(ctx, "prop-1", "abstract", second); err != nil {
		t.Fatalf("SaveDocumentContent update: %v", err)
	}
	dc, err = s.GetDocumentContent(ctx, "prop-1", "abstract")
	if err != nil {
		t.Fatalf("GetDocumentContent after update: %v", err)
	}
	if !bytes.Equal(dc.Content, second) {
		t.Errorf("content = %s, want updated payload", dc.Content)
	}

	if err := s.SaveDocumentContent(ctx, "prop-1", "budget", first); err != nil {
		t.Fatalf("SaveDocumentContent budget: %v", err)
	}
	all, err := s.ListDocumentContents(ctx, "prop-1")
	if err != nil {
		t.Fatalf("ListDocumentContents: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("listed %d contents, want 2", len(all))
	}

	if _, err := s.GetDocumentContent(ctx, "prop-1", "formi"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("missing sub-document: err = %v, want ErrNoRows", err)
	}
}

func TestDiscussionListRoundTrip(t *testing.T) {
	s, ctx := setupTestStore(t)
	if _, err := s.EnsureProposal(ctx, "prop-1", "Test", "user-1"); err != nil {
		t.Fatalf("EnsureProposal: %v", err)
	}

	threads := []byte(`{"threads":[{"id":"t1","authorId":"user-2"}]}`)
	if err := s.SaveDiscussionList(ctx, "prop-1", "formi", threads); err != nil {
		t.Fatalf("SaveDiscussionList: %v", err)
	}
	dl, err := s.GetDiscussionList(ctx, "prop-1", "formi")
	if err != nil {
		t.Fatalf("GetDiscussionList: %v", err)
	}
	if !bytes.Equal(dl.Threads, threads) {
		t.Errorf("threads = %s, want round-tripped payload", dl.Threads)
	}
}

func TestCheckpointsAreAppendOnly(t *testing.T) {
	s, ctx := setupTestStore(t)
	if _, err := s.EnsureProposal(ctx, "prop-1", "Test", "user-1"); err != nil {
		t.Fatalf("EnsureProposal: %v", err)
	}

	if _, err := s.RecordCheckpoint(ctx, "prop-1", "aaa111", "last-left"); err != nil {
		t.Fatalf("RecordCheckpoint: %v", err)
	}
	if _, err := s.RecordCheckpoint(ctx, "prop-1", "bbb222", "manual"); err != nil {
		t.Fatalf("RecordCheckpoint: %v", err)
	}

	cps, err := s.ListCheckpoints(ctx, "prop-1", 10)
	if err != nil {
		t.Fatalf("ListCheckpoints: %v", err)
	}
	if len(cps) != 2 {
		t.Fatalf("listed %d checkpoints, want 2", len(cps))
	}
	if cps[0].CommitHash != "bbb222" {
		t.Errorf("newest checkpoint first: got %s", cps[0].CommitHash)
	}
	if cps[0].Trigger != "manual" || cps[1].Trigger != "last-left" {
		t.Errorf("triggers = %s,%s", cps[0].Trigger, cps[1].Trigger)
	}
}
