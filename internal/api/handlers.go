package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/mixelka/mailtriage/internal/database"
	"github.com/mixelka/mailtriage/internal/email"
	"github.com/mixelka/mailtriage/pkg/models"
)

const maxBodyBytes = 1 << 16

type fetchRequest struct {
	Limit  int    `json:"limit"`
	Search string `json:"search"`
}

type fetchResponse struct {
	Messages []*models.Message `json:"messages"`
	Count    int               `json:"count"`
}

type cleanupRequest struct {
	Categories []string `json:"categories"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Hint    string `json:"hint,omitempty"`
	Stored  int    `json:"stored,omitempty"` // messages kept before a fetch failed
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	account, ok := s.account(w, r)
	if !ok {
		return
	}

	var req fetchRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Limit < 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "limit must not be negative", "")
		return
	}
	criteria, err := email.ParseSearch(req.Search)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error(), "")
		return
	}

	msgs, err := s.mail.FetchNewMail(r.Context(), account, email.FetchOptions{
		Criteria: criteria,
		Limit:    req.Limit,
	})
	if len(msgs) > 0 && s.queue != nil {
		s.queue.Submit(account, msgs)
	}
	if err != nil {
		status, code := statusFor(err)
		writeJSON(w, status, errorResponse{
			Error:   code,
			Message: err.Error(),
			Hint:    email.Hint(err),
			Stored:  len(msgs),
		})
		return
	}

	if msgs == nil {
		msgs = []*models.Message{}
	}
	writeJSON(w, http.StatusOK, fetchResponse{Messages: msgs, Count: len(msgs)})
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	account, ok := s.account(w, r)
	if !ok {
		return
	}

	var req cleanupRequest
	if !decodeBody(w, r, &req) {
		return
	}
	var categories []string
	for _, c := range req.Categories {
		if c = strings.TrimSpace(c); c != "" {
			categories = append(categories, c)
		}
	}
	if len(categories) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "categories must not be empty", "")
		return
	}

	tally, err := s.mail.CleanupByCategory(r.Context(), account, categories)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tally)
}

// account resolves the {id} path value, writing the error response itself
func (s *Server) account(w http.ResponseWriter, r *http.Request) (*models.Account, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "account id must be a positive integer", "")
		return nil, false
	}

	account, err := s.accounts.GetAccountByID(r.Context(), id)
	if err != nil {
		s.writeFailure(w, err)
		return nil, false
	}
	return account, true
}

func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	writeError(w, status, code, err.Error(), email.Hint(err))
}

// statusFor maps a failure onto an HTTP status and a stable error code
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, database.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, email.ErrAccountBusy):
		return http.StatusConflict, "busy"
	case errors.Is(err, email.ErrAuth):
		return http.StatusUnprocessableEntity, "auth_failed"
	case errors.Is(err, email.ErrTimeout):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, email.ErrNetwork):
		return http.StatusBadGateway, "network"
	case errors.Is(err, email.ErrProtocol):
		return http.StatusBadGateway, "protocol"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// decodeBody reads an optional JSON body into v
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body: "+err.Error(), "")
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, status int, code, message, hint string) {
	writeJSON(w, status, errorResponse{Error: code, Message: message, Hint: hint})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
