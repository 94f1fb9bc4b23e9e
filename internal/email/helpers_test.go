package email

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/backend/memory"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-imap/server"

	"github.com/mixelka/mailtriage/internal/database"
	"github.com/mixelka/mailtriage/internal/mailbox"
	"github.com/mixelka/mailtriage/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func rawMessage(id, from, subject string) []byte {
	return []byte("From: " + from + "\r\n" +
		"To: me@example.com\r\n" +
		"Subject: " + subject + "\r\n" +
		"Date: Mon, 02 Jan 2006 15:04:05 +0000\r\n" +
		"Message-ID: <" + id + ">\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"Hello from " + subject + "\r\n")
}

// newIMAPServer starts an in-memory IMAP server with the user
// "username"/"password" and returns its address.
func newIMAPServer(t *testing.T) string {
	t.Helper()

	s := server.New(memory.New())
	s.AllowInsecureAuth = true

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go s.Serve(l)
	t.Cleanup(func() { s.Close() })

	return l.Addr().String()
}

// seedInbox marks every existing INBOX message seen and appends the given
// messages unseen.
func seedInbox(t *testing.T, addr string, messages ...[]byte) {
	t.Helper()

	c, err := client.Dial(addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Logout()

	if err := c.Login("username", "password"); err != nil {
		t.Fatalf("login: %v", err)
	}
	mbox, err := c.Select("INBOX", false)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if mbox.Messages > 0 {
		seq := new(imap.SeqSet)
		seq.AddRange(1, mbox.Messages)
		if err := c.Store(seq, imap.FormatFlagsOp(imap.AddFlags, true), []interface{}{imap.SeenFlag}, nil); err != nil {
			t.Fatalf("store: %v", err)
		}
	}
	for _, raw := range messages {
		if err := c.Append("INBOX", nil, time.Now(), bytes.NewBuffer(raw)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
}

func testCredentials(addr string) Credentials {
	return Credentials{
		Email:    "username",
		Password: "password",
		Server:   addr,
		Security: models.SecurityNone,
	}
}

// silentServer greets, accepts LOGIN and LOGOUT, and never answers anything else.
func silentServer(t *testing.T) string {
	t.Helper()
	return scriptedServer(t, true)
}

// stalledLoginServer greets and answers CAPABILITY but never answers LOGIN.
func stalledLoginServer(t *testing.T) string {
	t.Helper()
	return scriptedServer(t, false)
}

func scriptedServer(t *testing.T, answerLogin bool) string {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { l.Close() })

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				fmt.Fprint(conn, "* OK [CAPABILITY IMAP4rev1] ready\r\n")
				r := bufio.NewReader(conn)
				for {
					line, err := r.ReadString('\n')
					if err != nil {
						return
					}
					fields := strings.Fields(line)
					if len(fields) < 2 {
						continue
					}
					tag := fields[0]
					switch strings.ToUpper(fields[1]) {
					case "CAPABILITY":
						fmt.Fprintf(conn, "* CAPABILITY IMAP4rev1\r\n%s OK done\r\n", tag)
					case "LOGIN":
						if answerLogin {
							fmt.Fprintf(conn, "%s OK logged in\r\n", tag)
						}
					case "LOGOUT":
						fmt.Fprintf(conn, "* BYE bye\r\n%s OK done\r\n", tag)
						return
					}
				}
			}()
		}
	}()

	return l.Addr().String()
}

// mutedServer accepts connections and never sends the greeting.
func mutedServer(t *testing.T) string {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { l.Close() })

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(io.Discard, conn)
			}()
		}
	}()

	return l.Addr().String()
}

func newTestDB(t *testing.T) *database.DB {
	t.Helper()

	db, err := database.New(":memory:")
	if err != nil {
		t.Fatalf("creating test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating test db: %v", err)
	}
	return db
}

func newTestAccount(t *testing.T, db *database.DB, addr string) *models.Account {
	t.Helper()

	acc := &models.Account{
		Email:        "username",
		Password:     "password",
		IMAPServer:   addr,
		IMAPSecurity: models.SecurityNone,
	}
	if err := db.CreateAccount(context.Background(), acc); err != nil {
		t.Fatalf("creating account: %v", err)
	}
	return acc
}

// fakeBox is one folder of a fakeConn
type fakeBox struct {
	all     []uint32
	labeled map[string][]uint32
	from    map[string][]uint32
	raw     map[uint32][]byte
}

// fakeConn is a scripted Conn. failOn keys are "<op>:<folder>".
type fakeConn struct {
	mu       sync.Mutex
	folders  []mailbox.Folder
	boxes    map[string]*fakeBox
	failOn   map[string]error
	selected string
	calls    []string
	fetched  []uint32
	flagged  map[string][]uint32
	closes   int

	listErr       error
	fetchErrAfter int // deliver this many messages, then fail with fetchErr
	fetchErr      error
}

func newFakeConn(boxes map[string]*fakeBox) *fakeConn {
	c := &fakeConn{
		boxes:   boxes,
		failOn:  make(map[string]error),
		flagged: make(map[string][]uint32),
	}
	for name := range boxes {
		c.folders = append(c.folders, mailbox.Folder{Name: name, Delimiter: "/"})
	}
	return c
}

func (c *fakeConn) record(op string) error {
	c.calls = append(c.calls, op+":"+c.selected)
	return c.failOn[op+":"+c.selected]
}

func (c *fakeConn) ListFolders(ctx context.Context) ([]mailbox.Folder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, "list")
	return c.folders, c.listErr
}

func (c *fakeConn) Select(ctx context.Context, folder string, readOnly bool) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.selected = folder
	if err := c.record("select"); err != nil {
		return 0, err
	}
	box, ok := c.boxes[folder]
	if !ok {
		return 0, newError(ErrProtocol, "select "+folder, fmt.Errorf("no such mailbox"))
	}
	return uint32(len(box.all)), nil
}

func (c *fakeConn) Search(ctx context.Context, criteria Criteria) ([]uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record("search"); err != nil {
		return nil, err
	}
	box := c.boxes[c.selected]
	switch {
	case criteria.Label != "":
		return box.labeled[criteria.Label], nil
	case criteria.From != "":
		return box.from[criteria.From], nil
	}
	return box.all, nil
}

func (c *fakeConn) Fetch(ctx context.Context, seqNums []uint32, fn func(*RemoteMessage)) error {
	c.mu.Lock()
	if err := c.record("fetch"); err != nil {
		c.mu.Unlock()
		return err
	}
	box := c.boxes[c.selected]
	c.mu.Unlock()

	for i, seq := range seqNums {
		if c.fetchErr != nil && i == c.fetchErrAfter {
			return c.fetchErr
		}
		c.mu.Lock()
		c.fetched = append(c.fetched, seq)
		c.mu.Unlock()
		fn(&RemoteMessage{SeqNum: seq, Raw: box.raw[seq]})
	}
	return nil
}

func (c *fakeConn) MarkDeleted(ctx context.Context, seqNums []uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.record("flag"); err != nil {
		return err
	}
	c.flagged[c.selected] = append(c.flagged[c.selected], seqNums...)
	return nil
}

func (c *fakeConn) Expunge(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.record("expunge")
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return nil
}

func (c *fakeConn) countCalls(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int
	for _, call := range c.calls {
		if strings.HasPrefix(call, prefix) {
			n++
		}
	}
	return n
}

func seqRange(from, to uint32) []uint32 {
	var out []uint32
	for i := from; i <= to; i++ {
		out = append(out, i)
	}
	return out
}
