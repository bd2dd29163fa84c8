package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"symposium/api/internal/store"
	"symposium/api/internal/subdoc"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	// WebSocket endpoint for the primary transport. The hub sets its own
	// headers, so it bypasses the JSON helpers.
	if r.Method == http.MethodGet && r.URL.Path == "/api/collab/ws" {
		s.service.Hub().ServeHTTP(w, r)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "proposals" {
		s.handleProposals(w, r, parts[2:])
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"backends": map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["backends"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

// handleProposals routes everything under /api/proposals/{id}. parts
// starts at the proposal id.
func (s *HTTPServer) handleProposals(w http.ResponseWriter, r *http.Request, parts []string) {
	proposalID := parts[0]
	rest := parts[1:]

	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		s.handleGetProposal(w, r, proposalID)
	case len(rest) == 1 && rest[0] == "open" && r.Method == http.MethodPost:
		s.handleOpenProposal(w, r, proposalID)
	case len(rest) == 1 && rest[0] == "stage" && r.Method == http.MethodPost:
		s.handleSetStage(w, r, proposalID)
	case len(rest) == 1 && rest[0] == "join" && r.Method == http.MethodPost:
		s.handleJoin(w, r, proposalID)
	case len(rest) == 1 && rest[0] == "save" && r.Method == http.MethodPost:
		s.handleManualSave(w, r, proposalID)
	case len(rest) == 1 && rest[0] == "checkpoints" && r.Method == http.MethodGet:
		s.handleListCheckpoints(w, r, proposalID)
	case len(rest) == 2 && rest[0] == "content" && r.Method == http.MethodGet:
		s.handleGetContent(w, r, proposalID, rest[1])
	case len(rest) == 2 && rest[0] == "discussions" && r.Method == http.MethodGet:
		s.handleGetDiscussions(w, r, proposalID, rest[1])
	case len(rest) == 4 && rest[0] == "checkpoints" && rest[2] == "content" && r.Method == http.MethodGet:
		s.handleCheckpointContent(w, r, proposalID, rest[1], rest[3], false)
	case len(rest) == 4 && rest[0] == "checkpoints" && rest[2] == "discussions" && r.Method == http.MethodGet:
		s.handleCheckpointContent(w, r, proposalID, rest[1], rest[3], true)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleOpenProposal(w http.ResponseWriter, r *http.Request, proposalID string) {
	var body struct {
		Title   string `json:"title"`
		OwnerID string `json:"ownerId"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	proposal, err := s.service.OpenProposal(r.Context(), proposalID, body.Title, body.OwnerID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, proposalPayload(proposal))
}

func (s *HTTPServer) handleGetProposal(w http.ResponseWriter, r *http.Request, proposalID string) {
	proposal, err := s.service.GetProposal(r.Context(), proposalID)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, proposalPayload(proposal))
}

func (s *HTTPServer) handleSetStage(w http.ResponseWriter, r *http.Request, proposalID string) {
	var body struct {
		Stage string `json:"stage"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if err := s.service.SetProposalStage(r.Context(), proposalID, body.Stage); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "stage": body.Stage})
}

// handleJoin issues the collaboration grant a client needs before
// opening its editing session.
func (s *HTTPServer) handleJoin(w http.ResponseWriter, r *http.Request, proposalID string) {
	var body struct {
		UserID string `json:"userId"`
		Name   string `json:"name"`
		Role   string `json:"role"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if _, err := s.service.GetProposal(r.Context(), proposalID); err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	participant, err := s.service.ParticipantFor(body.UserID, body.Name, body.Role)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"proposalId":  proposalID,
		"participant": participant,
	})
}

func (s *HTTPServer) handleManualSave(w http.ResponseWriter, r *http.Request, proposalID string) {
	var body struct {
		Author string `json:"author"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if body.Author == "" {
		body.Author = "system"
	}
	commit, err := s.service.SaveFromHub(r.Context(), proposalID, "manual", body.Author)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"commitHash": commit.Hash,
		"message":    commit.Message,
	})
}

func (s *HTTPServer) handleListCheckpoints(w http.ResponseWriter, r *http.Request, proposalID string) {
	checkpoints, err := s.service.Checkpoints(r.Context(), proposalID, s.service.cfg.HistoryLimit)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	items := make([]map[string]any, 0, len(checkpoints))
	for _, cp := range checkpoints {
		items = append(items, map[string]any{
			"id":         cp.ID,
			"commitHash": cp.CommitHash,
			"trigger":    cp.Trigger,
			"createdAt":  cp.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"checkpoints": items})
}

func (s *HTTPServer) handleGetContent(w http.ResponseWriter, r *http.Request, proposalID, rawSub string) {
	sd, err := subdoc.Parse(rawSub)
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION", err.Error(), nil)
		return
	}
	payload, err := s.service.GetContent(r.Context(), proposalID, sd)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"proposalId":  proposalID,
		"subDocument": sd.String(),
		"content":     json.RawMessage(payload),
	})
}

func (s *HTTPServer) handleGetDiscussions(w http.ResponseWriter, r *http.Request, proposalID, rawSub string) {
	sd, err := subdoc.Parse(rawSub)
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION", err.Error(), nil)
		return
	}
	payload, err := s.service.GetDiscussions(r.Context(), proposalID, sd)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"proposalId":  proposalID,
		"subDocument": sd.String(),
		"discussions": json.RawMessage(payload),
	})
}

func (s *HTTPServer) handleCheckpointContent(w http.ResponseWriter, r *http.Request, proposalID, hash, rawSub string, discussions bool) {
	sd, err := subdoc.Parse(rawSub)
	if err != nil {
		writeError(w, http.StatusBadRequest, "VALIDATION", err.Error(), nil)
		return
	}
	var payload []byte
	if discussions {
		payload, err = s.service.CheckpointDiscussions(proposalID, hash, sd)
	} else {
		payload, err = s.service.CheckpointContent(proposalID, hash, sd)
	}
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return
	}
	key := "content"
	if discussions {
		key = "discussions"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"proposalId":  proposalID,
		"subDocument": sd.String(),
		"commitHash":  hash,
		key:           json.RawMessage(payload),
	})
}

func proposalPayload(p store.Proposal) map[string]any {
	return map[string]any{
		"id":        p.ID,
		"title":     p.Title,
		"stage":     p.Stage,
		"ownerId":   p.OwnerID,
		"createdAt": p.CreatedAt.UTC().Format(time.RFC3339),
		"updatedAt": p.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
