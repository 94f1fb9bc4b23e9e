package email

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-imap/responses"

	"github.com/mixelka/mailtriage/internal/mailbox"
	"github.com/mixelka/mailtriage/pkg/models"
)

const logoutTimeout = 2 * time.Second

var errSessionClosed = errors.New("session closed")

// Credentials identify a mailbox and how to reach it
type Credentials struct {
	Email    string
	Password string
	Server   string // host:port
	Security models.Security
}

// Limits bound each phase of a session
type Limits struct {
	Connect time.Duration // dial plus server greeting
	Auth    time.Duration // LOGIN
	Idle    time.Duration // any single command after login
}

func (l Limits) withDefaults() Limits {
	if l.Connect <= 0 {
		l.Connect = 15 * time.Second
	}
	if l.Auth <= 0 {
		l.Auth = 15 * time.Second
	}
	if l.Idle <= 0 {
		l.Idle = 60 * time.Second
	}
	return l
}

// State is the lifecycle stage of a Session
type State int32

const (
	StateConnecting State = iota
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	default:
		return "closed"
	}
}

// RemoteMessage is a message as fetched from the selected folder
type RemoteMessage struct {
	SeqNum       uint32
	InternalDate time.Time
	Raw          []byte // full RFC 5322 message
}

// Conn is the protocol surface the fetch and cleanup flows drive.
// Commands on one Conn must not overlap.
type Conn interface {
	ListFolders(ctx context.Context) ([]mailbox.Folder, error)
	Select(ctx context.Context, folder string, readOnly bool) (uint32, error)
	Search(ctx context.Context, criteria Criteria) ([]uint32, error)
	Fetch(ctx context.Context, seqNums []uint32, fn func(*RemoteMessage)) error
	MarkDeleted(ctx context.Context, seqNums []uint32) error
	Expunge(ctx context.Context) error
	Close() error
}

// DialFunc opens a Conn for an account
type DialFunc func(ctx context.Context, creds Credentials) (Conn, error)

// NewDialer returns a DialFunc that opens IMAP sessions with the given limits
func NewDialer(limits Limits, logger *slog.Logger) DialFunc {
	return func(ctx context.Context, creds Credentials) (Conn, error) {
		s, err := Dial(ctx, creds, limits, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// Session is one authenticated IMAP connection, owned by a single operation
type Session struct {
	c         *client.Client
	raw       net.Conn
	limits    Limits
	logger    *slog.Logger
	state     atomic.Int32
	stopWatch func() bool
	closeOnce sync.Once
}

// Dial connects, authenticates and returns a ready session. When ctx ends
// the connection is torn down and the pending command fails with ErrTimeout.
func Dial(ctx context.Context, creds Credentials, limits Limits, logger *slog.Logger) (*Session, error) {
	limits = limits.withDefaults()
	logger = logger.With("email", creds.Email, "server", creds.Server)

	host, _, err := net.SplitHostPort(creds.Server)
	if err != nil {
		return nil, newError(ErrNetwork, "dial", err)
	}

	logger.Debug("connecting to IMAP server", "security", creds.Security)

	deadline := phaseDeadline(ctx, limits.Connect)
	dialer := &net.Dialer{Deadline: deadline}
	raw, err := dialer.DialContext(ctx, "tcp", creds.Server)
	if err != nil {
		return nil, classify(ctx, "dial", err, deadline, ErrNetwork)
	}

	s := &Session{raw: raw, limits: limits, logger: logger}
	s.stopWatch = context.AfterFunc(ctx, func() {
		logger.Warn("operation deadline reached, closing IMAP connection", "state", s.State())
		raw.Close()
	})

	fail := func(err error) (*Session, error) {
		s.stopWatch()
		s.state.Store(int32(StateClosed))
		if s.c != nil {
			s.c.Terminate()
		}
		raw.Close()
		return nil, err
	}

	_ = raw.SetDeadline(deadline)

	tlsConfig := &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}
	var conn net.Conn = raw
	if creds.Security == models.SecurityTLS {
		conn = tls.Client(raw, tlsConfig)
	}

	c, err := client.New(conn)
	if err != nil {
		return fail(classify(ctx, "greeting", err, deadline, ErrNetwork))
	}
	c.ErrorLog = slog.NewLogLogger(logger.Handler(), slog.LevelDebug)
	s.c = c

	if creds.Security == models.SecurityStartTLS {
		if !bound(c, deadline) {
			return fail(newError(ErrTimeout, "starttls", context.DeadlineExceeded))
		}
		if err := c.StartTLS(tlsConfig); err != nil {
			return fail(classify(ctx, "starttls", err, deadline, ErrNetwork))
		}
	}

	// Any failure right after the credential exchange, including a dropped
	// connection, is reported as an authentication problem.
	deadline = phaseDeadline(ctx, limits.Auth)
	if !bound(c, deadline) {
		return fail(newError(ErrTimeout, "login", context.DeadlineExceeded))
	}
	if err := c.Login(creds.Email, creds.Password); err != nil {
		return fail(classify(ctx, "login", err, deadline, ErrAuth))
	}
	_ = raw.SetDeadline(time.Time{})
	c.Timeout = limits.Idle

	s.state.Store(int32(StateReady))
	logger.Debug("IMAP session ready")
	return s, nil
}

// State returns the current lifecycle stage
func (s *Session) State() State {
	return State(s.state.Load())
}

// ListFolders returns every folder the server reports
func (s *Session) ListFolders(ctx context.Context) ([]mailbox.Folder, error) {
	var folders []mailbox.Folder
	err := s.run(ctx, "list", func() error {
		ch := make(chan *imap.MailboxInfo, 64)
		done := make(chan error, 1)
		go func() {
			done <- s.c.List("", "*", ch)
		}()
		for info := range ch {
			folders = append(folders, mailbox.Folder{
				Name:       info.Name,
				Delimiter:  info.Delimiter,
				Attributes: info.Attributes,
			})
		}
		return <-done
	})
	if err != nil {
		return nil, err
	}
	return folders, nil
}

// Select opens a folder and returns its message count
func (s *Session) Select(ctx context.Context, folder string, readOnly bool) (uint32, error) {
	var count uint32
	err := s.run(ctx, "select "+folder, func() error {
		mbox, err := s.c.Select(folder, readOnly)
		if err != nil {
			return err
		}
		count = mbox.Messages
		return nil
	})
	return count, err
}

// Search returns matching sequence numbers in ascending order
func (s *Session) Search(ctx context.Context, criteria Criteria) ([]uint32, error) {
	var ids []uint32
	err := s.run(ctx, "search", func() error {
		if criteria.Label != "" {
			var err error
			ids, err = s.searchLabel(criteria.Label)
			return err
		}
		var err error
		ids, err = s.c.Search(criteria.searchCriteria())
		return err
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// searchLabel uses Gmail's X-GM-RAW extension, which go-imap has no helper for.
func (s *Session) searchLabel(label string) ([]uint32, error) {
	cmd := &imap.Command{
		Name:      "SEARCH",
		Arguments: []interface{}{imap.RawString("X-GM-RAW"), "category:" + label},
	}
	res := &responses.Search{}
	status, err := s.c.Execute(cmd, res)
	if err != nil {
		return nil, err
	}
	if err := status.Err(); err != nil {
		return nil, err
	}
	return res.Ids, nil
}

// Fetch streams full messages without setting \Seen
func (s *Session) Fetch(ctx context.Context, seqNums []uint32, fn func(*RemoteMessage)) error {
	if len(seqNums) == 0 {
		return nil
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(seqNums...)
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchInternalDate, section.FetchItem()}

	return s.run(ctx, "fetch", func() error {
		messages := make(chan *imap.Message, 16)
		done := make(chan error, 1)
		go func() {
			done <- s.c.Fetch(seqSet, items, messages)
		}()

		for msg := range messages {
			rm := &RemoteMessage{SeqNum: msg.SeqNum, InternalDate: msg.InternalDate}
			if body := msg.GetBody(section); body != nil {
				raw, err := io.ReadAll(body)
				if err != nil {
					s.logger.Warn("failed to read message body", "seq", msg.SeqNum, "error", err)
				}
				rm.Raw = raw
			}
			fn(rm)
		}
		return <-done
	})
}

// MarkDeleted adds \Deleted to the given messages
func (s *Session) MarkDeleted(ctx context.Context, seqNums []uint32) error {
	if len(seqNums) == 0 {
		return nil
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(seqNums...)
	item := imap.FormatFlagsOp(imap.AddFlags, true)
	flags := []interface{}{imap.DeletedFlag}

	return s.run(ctx, "store", func() error {
		return s.c.Store(seqSet, item, flags, nil)
	})
}

// Expunge permanently removes messages flagged \Deleted in the selected folder
func (s *Session) Expunge(ctx context.Context) error {
	return s.run(ctx, "expunge", func() error {
		return s.c.Expunge(nil)
	})
}

// Close logs out and releases the connection. Safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.stopWatch()
		s.state.Store(int32(StateClosed))

		// Try logout with timeout, then force close
		done := make(chan error, 1)
		go func() {
			done <- s.c.Logout()
		}()
		select {
		case err := <-done:
			if err != nil {
				s.logger.Debug("logout failed", "error", err)
			}
		case <-time.After(logoutTimeout):
			s.c.Terminate()
		}
		s.raw.Close()
		s.logger.Debug("IMAP session closed")
	})
	return nil
}

// run executes one command under the idle limit and classifies its failure.
// Cancelling ctx while the command waits tears the connection down.
func (s *Session) run(ctx context.Context, op string, fn func() error) error {
	if s.State() != StateReady {
		return newError(ErrNetwork, op, errSessionClosed)
	}
	if err := ctx.Err(); err != nil {
		return newError(ErrTimeout, op, err)
	}

	deadline := phaseDeadline(ctx, s.limits.Idle)
	if !bound(s.c, deadline) {
		return newError(ErrTimeout, op, context.DeadlineExceeded)
	}
	stop := context.AfterFunc(ctx, func() { s.raw.Close() })
	err := fn()
	stop()
	_ = s.raw.SetDeadline(time.Time{})
	if err == nil {
		return nil
	}

	if ctx.Err() != nil || isTimeout(err, deadline) {
		return newError(ErrTimeout, op, err)
	}
	if isReset(err) || s.c.State() == imap.LogoutState {
		return newError(ErrNetwork, op, err)
	}
	return newError(ErrProtocol, op, err)
}

// bound makes go-imap end the next command at deadline. go-imap resets the
// connection deadline on every command, so a deadline set on the raw
// connection alone is lost. Reports false when deadline has already passed.
func bound(c *client.Client, deadline time.Time) bool {
	d := time.Until(deadline)
	if d <= 0 {
		return false
	}
	c.Timeout = d
	return true
}

// phaseDeadline is now+limit, capped by the context deadline.
func phaseDeadline(ctx context.Context, limit time.Duration) time.Time {
	deadline := time.Now().Add(limit)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		return d
	}
	return deadline
}

func classify(ctx context.Context, op string, err error, deadline time.Time, fallback error) *Error {
	if ctx.Err() != nil || isTimeout(err, deadline) {
		return newError(ErrTimeout, op, err)
	}
	return newError(fallback, op, err)
}
