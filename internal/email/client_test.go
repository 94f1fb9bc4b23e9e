package email

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/mixelka/mailtriage/internal/mailbox"
)

func TestDialAndListFolders(t *testing.T) {
	addr := newIMAPServer(t)

	s, err := Dial(context.Background(), testCredentials(addr), Limits{}, testLogger())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer s.Close()

	if s.State() != StateReady {
		t.Fatalf("expected ready, got %s", s.State())
	}

	folders, err := s.ListFolders(context.Background())
	if err != nil {
		t.Fatalf("ListFolders: %v", err)
	}
	if _, ok := mailbox.BuildTree(folders).Find("INBOX"); !ok {
		t.Fatalf("INBOX missing from %+v", folders)
	}
}

func TestDialAuthFailure(t *testing.T) {
	addr := newIMAPServer(t)

	creds := testCredentials(addr)
	creds.Password = "wrong"

	_, err := Dial(context.Background(), creds, Limits{}, testLogger())
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}
	if Hint(err) == "" {
		t.Fatal("expected a remediation hint")
	}
}

func TestDialUnreachable(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().String()
	l.Close()

	_, err = Dial(context.Background(), testCredentials(addr), Limits{Connect: time.Second}, testLogger())
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("expected ErrNetwork, got %v", err)
	}
}

func TestDialGreetingTimeout(t *testing.T) {
	addr := mutedServer(t)

	start := time.Now()
	_, err := Dial(context.Background(), testCredentials(addr), Limits{Connect: 200 * time.Millisecond}, testLogger())
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("dial took %s, expected it to stop near the connect limit", elapsed)
	}
}

func TestCommandIdleTimeout(t *testing.T) {
	addr := silentServer(t)

	s, err := Dial(context.Background(), testCredentials(addr), Limits{Idle: 200 * time.Millisecond}, testLogger())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer s.Close()

	start := time.Now()
	_, err = s.Select(context.Background(), "INBOX", false)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("select took %s", elapsed)
	}
}

func TestDialLoginTimeout(t *testing.T) {
	addr := stalledLoginServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	start := time.Now()
	_, err := Dial(ctx, testCredentials(addr), Limits{Auth: 200 * time.Millisecond}, testLogger())
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("dial took %s, expected it to stop near the auth limit", elapsed)
	}
}

func TestCommandContextCancel(t *testing.T) {
	addr := silentServer(t)

	s, err := Dial(context.Background(), testCredentials(addr), Limits{}, testLogger())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = s.Select(ctx, "INBOX", false)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("select took %s, expected it to end when its context did", elapsed)
	}
}

func TestOperationDeadlineClosesSession(t *testing.T) {
	addr := silentServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	s, err := Dial(ctx, testCredentials(addr), Limits{}, testLogger())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer s.Close()

	start := time.Now()
	_, err = s.Search(ctx, Criteria{Unseen: true})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("search took %s, expected it to end at the operation deadline", elapsed)
	}

	// Later commands fail fast without touching the network.
	if _, err := s.Select(ctx, "INBOX", false); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout after deadline, got %v", err)
	}
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	addr := newIMAPServer(t)

	s, err := Dial(context.Background(), testCredentials(addr), Limits{}, testLogger())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if s.State() != StateClosed {
		t.Fatalf("expected closed, got %s", s.State())
	}
	if _, err := s.Select(context.Background(), "INBOX", true); !errors.Is(err, ErrNetwork) {
		t.Fatalf("expected ErrNetwork on closed session, got %v", err)
	}
}

func TestSessionFlagAndExpunge(t *testing.T) {
	addr := newIMAPServer(t)
	seedInbox(t, addr,
		rawMessage("a@x", "noreply@shop.example", "Sale"),
		rawMessage("b@x", "friend@example.com", "Hi"),
	)
	ctx := context.Background()

	s, err := Dial(ctx, testCredentials(addr), Limits{}, testLogger())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer s.Close()

	before, err := s.Select(ctx, "INBOX", false)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}

	ids, err := s.Search(ctx, Criteria{From: "noreply"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("expected 1 noreply match, got %v", ids)
	}

	if err := s.MarkDeleted(ctx, ids); err != nil {
		t.Fatalf("MarkDeleted: %v", err)
	}
	if err := s.Expunge(ctx); err != nil {
		t.Fatalf("Expunge: %v", err)
	}

	after, err := s.Select(ctx, "INBOX", false)
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if after != before-1 {
		t.Fatalf("expected %d messages after expunge, got %d", before-1, after)
	}
}

func TestSelectMissingFolderIsProtocolError(t *testing.T) {
	addr := newIMAPServer(t)

	s, err := Dial(context.Background(), testCredentials(addr), Limits{}, testLogger())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer s.Close()

	if _, err := s.Select(context.Background(), "Nope", false); !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
}

func TestParseSearch(t *testing.T) {
	tests := []struct {
		in   string
		want Criteria
	}{
		{"", Criteria{Unseen: true}},
		{"UNSEEN", Criteria{Unseen: true}},
		{"all", Criteria{}},
		{"seen", Criteria{Seen: true}},
	}
	for _, tt := range tests {
		got, err := ParseSearch(tt.in)
		if err != nil || got != tt.want {
			t.Fatalf("ParseSearch(%q) = %+v, %v; want %+v", tt.in, got, err, tt.want)
		}
	}
	if _, err := ParseSearch("flagged"); err == nil {
		t.Fatal("expected error for unknown search")
	}
}
