package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mixelka/mailtriage/internal/database"
	"github.com/mixelka/mailtriage/internal/email"
	"github.com/mixelka/mailtriage/pkg/models"
)

const testKey = "test-key"

type fakeMail struct {
	msgs       []*models.Message
	tally      *email.Tally
	err        error
	opts       email.FetchOptions
	categories []string
}

func (f *fakeMail) FetchNewMail(ctx context.Context, account *models.Account, opts email.FetchOptions) ([]*models.Message, error) {
	f.opts = opts
	return f.msgs, f.err
}

func (f *fakeMail) CleanupByCategory(ctx context.Context, account *models.Account, categories []string) (*email.Tally, error) {
	f.categories = categories
	return f.tally, f.err
}

type fakeAccounts map[int64]*models.Account

func (a fakeAccounts) GetAccountByID(ctx context.Context, id int64) (*models.Account, error) {
	if acc, ok := a[id]; ok {
		return acc, nil
	}
	return nil, database.ErrNotFound
}

type fakeQueue struct {
	submitted int
}

func (q *fakeQueue) Submit(account *models.Account, msgs []*models.Message) bool {
	q.submitted += len(msgs)
	return true
}

func newTestServer(t *testing.T, mail *fakeMail, queue Queue, cfg Config) http.Handler {
	t.Helper()
	if cfg.APIKey == "" {
		cfg.APIKey = testKey
	}
	s, err := NewServer(cfg, mail, fakeAccounts{1: {ID: 1, Email: "me@example.com"}}, queue, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return s.Handler()
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("X-API-Key", testKey)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestNewServerRequiresKey(t *testing.T) {
	if _, err := NewServer(Config{}, &fakeMail{}, fakeAccounts{}, nil, slog.Default()); err == nil {
		t.Fatal("expected error without API key")
	}
}

func TestHealthIsPublic(t *testing.T) {
	h := newTestServer(t, &fakeMail{}, nil, Config{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	h := newTestServer(t, &fakeMail{}, nil, Config{})
	req := httptest.NewRequest(http.MethodPost, "/api/accounts/1/fetch", nil)
	req.Header.Set("X-API-Key", "wrong")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := decode[errorResponse](t, rec); got.Error != "unauthorized" {
		t.Fatalf("body = %+v", got)
	}
}

func TestRateLimited(t *testing.T) {
	h := newTestServer(t, &fakeMail{tally: &email.Tally{}}, nil, Config{Rate: 0.001, Burst: 1})

	if rec := do(t, h, http.MethodPost, "/api/accounts/1/fetch", ""); rec.Code != http.StatusOK {
		t.Fatalf("first status = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/api/accounts/1/fetch", ""); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second status = %d", rec.Code)
	}
}

func TestFetch(t *testing.T) {
	mail := &fakeMail{msgs: []*models.Message{{MessageID: "a@x"}, {MessageID: "b@x"}}}
	queue := &fakeQueue{}
	h := newTestServer(t, mail, queue, Config{})

	rec := do(t, h, http.MethodPost, "/api/accounts/1/fetch", `{"limit": 5, "search": "all"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body)
	}

	got := decode[fetchResponse](t, rec)
	if got.Count != 2 || len(got.Messages) != 2 {
		t.Fatalf("body = %+v", got)
	}
	if mail.opts.Limit != 5 || mail.opts.Criteria.Unseen {
		t.Fatalf("opts = %+v", mail.opts)
	}
	if queue.submitted != 2 {
		t.Fatalf("queued %d messages", queue.submitted)
	}
}

func TestFetchDefaultsToUnseen(t *testing.T) {
	mail := &fakeMail{}
	h := newTestServer(t, mail, nil, Config{})

	rec := do(t, h, http.MethodPost, "/api/accounts/1/fetch", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !mail.opts.Criteria.Unseen {
		t.Fatalf("opts = %+v", mail.opts)
	}
	if got := decode[fetchResponse](t, rec); got.Messages == nil || got.Count != 0 {
		t.Fatalf("body = %s", rec.Body)
	}
}

func TestFetchTimeoutReportsStored(t *testing.T) {
	mail := &fakeMail{
		msgs: []*models.Message{{MessageID: "a@x"}},
		err:  &email.Error{Kind: email.ErrTimeout, Op: "fetch"},
	}
	queue := &fakeQueue{}
	h := newTestServer(t, mail, queue, Config{})

	rec := do(t, h, http.MethodPost, "/api/accounts/1/fetch", "")
	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := decode[errorResponse](t, rec); got.Stored != 1 || got.Error != "timeout" {
		t.Fatalf("body = %+v", got)
	}
	if queue.submitted != 1 {
		t.Fatal("stored messages should still be queued for triage")
	}
}

func TestCleanup(t *testing.T) {
	mail := &fakeMail{tally: &email.Tally{PerCategory: map[string]int{"promotional": 5, "spam": 5}, Total: 10}}
	h := newTestServer(t, mail, nil, Config{})

	rec := do(t, h, http.MethodPost, "/api/accounts/1/cleanup", `{"categories": ["promotional", " spam ", ""]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body)
	}

	got := decode[email.Tally](t, rec)
	if got.Total != 10 || got.PerCategory["spam"] != 5 {
		t.Fatalf("body = %s", rec.Body)
	}
	if len(mail.categories) != 2 || mail.categories[1] != "spam" {
		t.Fatalf("categories = %q", mail.categories)
	}
}

func TestBadRequests(t *testing.T) {
	h := newTestServer(t, &fakeMail{}, nil, Config{})

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"bad id", "/api/accounts/abc/fetch", "", http.StatusBadRequest},
		{"unknown account", "/api/accounts/9/fetch", "", http.StatusNotFound},
		{"unknown search", "/api/accounts/1/fetch", `{"search": "flagged"}`, http.StatusBadRequest},
		{"negative limit", "/api/accounts/1/fetch", `{"limit": -1}`, http.StatusBadRequest},
		{"unknown field", "/api/accounts/1/fetch", `{"folder": "Spam"}`, http.StatusBadRequest},
		{"no categories", "/api/accounts/1/cleanup", `{"categories": []}`, http.StatusBadRequest},
		{"broken json", "/api/accounts/1/cleanup", `{`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, tt.path, tt.body)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d, body = %s", rec.Code, tt.want, rec.Body)
			}
		})
	}
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		err      error
		want     int
		wantHint bool
	}{
		{&email.Error{Kind: email.ErrAuth, Op: "login"}, http.StatusUnprocessableEntity, true},
		{&email.Error{Kind: email.ErrTimeout, Op: "greeting"}, http.StatusGatewayTimeout, true},
		{&email.Error{Kind: email.ErrNetwork, Op: "dial"}, http.StatusBadGateway, true},
		{&email.Error{Kind: email.ErrProtocol, Op: "select"}, http.StatusBadGateway, false},
		{email.ErrAccountBusy, http.StatusConflict, false},
		{errors.New("failed to decrypt password"), http.StatusInternalServerError, false},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			h := newTestServer(t, &fakeMail{err: tt.err}, nil, Config{})
			rec := do(t, h, http.MethodPost, "/api/accounts/1/cleanup", `{"categories": ["spam"]}`)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			if got := decode[errorResponse](t, rec); (got.Hint != "") != tt.wantHint {
				t.Fatalf("hint = %q", got.Hint)
			}
		})
	}
}
