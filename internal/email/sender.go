package email

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"

	"github.com/mixelka/mailtriage/pkg/models"
)

var errPlaintextAuth = errors.New("refusing to send credentials over an unencrypted connection, use TLS or STARTTLS")

// Outgoing is a plain-text message to submit
type Outgoing struct {
	To         string
	Subject    string
	Body       string
	InReplyTo  string   // Message-ID being answered, without brackets
	References []string // thread ids, without brackets
	Automatic  bool     // sent without human review, marked per RFC 3834
}

// Sender submits mail over SMTP
type Sender struct {
	timeout time.Duration
	logger  *slog.Logger
}

// NewSender creates a new SMTP sender
func NewSender(timeout time.Duration, logger *slog.Logger) *Sender {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Sender{
		timeout: timeout,
		logger:  logger.With("component", "smtp_sender"),
	}
}

// Send submits out from the account in creds and returns the Message-ID it was given
func (s *Sender) Send(ctx context.Context, creds Credentials, out Outgoing) (string, error) {
	host, _, err := net.SplitHostPort(creds.Server)
	if err != nil {
		return "", newError(ErrNetwork, "smtp dial", err)
	}

	messageID := uuid.NewString() + "@" + domainOr(creds.Email, host)
	body, err := compose(creds.Email, messageID, out)
	if err != nil {
		return "", fmt.Errorf("failed to compose message: %w", err)
	}

	deadline := phaseDeadline(ctx, s.timeout)
	dialer := &net.Dialer{Deadline: deadline}
	conn, err := dialer.DialContext(ctx, "tcp", creds.Server)
	if err != nil {
		return "", classify(ctx, "smtp dial", err, deadline, ErrNetwork)
	}
	_ = conn.SetDeadline(deadline)

	tlsConfig := &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}
	if creds.Security == models.SecurityTLS {
		conn = tls.Client(conn, tlsConfig)
	}

	client, err := smtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return "", classify(ctx, "smtp greeting", err, deadline, ErrNetwork)
	}
	defer client.Close()

	if creds.Security == models.SecurityStartTLS {
		if err := client.StartTLS(tlsConfig); err != nil {
			return "", classify(ctx, "smtp starttls", err, deadline, ErrNetwork)
		}
	}

	if ok, _ := client.Extension("AUTH"); ok && creds.Password != "" {
		if !plainAuthAllowed(creds.Security, host) {
			return "", newError(ErrProtocol, "smtp auth", errPlaintextAuth)
		}
		auth := smtp.PlainAuth("", creds.Email, creds.Password, host)
		if err := client.Auth(auth); err != nil {
			return "", classify(ctx, "smtp auth", err, deadline, ErrAuth)
		}
	}

	steps := []struct {
		op string
		fn func() error
	}{
		{"smtp mail from", func() error { return client.Mail(creds.Email) }},
		{"smtp rcpt to", func() error { return client.Rcpt(out.To) }},
		{"smtp data", func() error {
			w, err := client.Data()
			if err != nil {
				return err
			}
			if _, err := w.Write(body); err != nil {
				return err
			}
			return w.Close()
		}},
		{"smtp quit", client.Quit},
	}
	for _, step := range steps {
		if err := step.fn(); err != nil {
			return "", classify(ctx, step.op, err, deadline, ErrProtocol)
		}
	}

	s.logger.Info("message sent", "from", creds.Email, "to", out.To, "message_id", messageID)
	return messageID, nil
}

// compose renders out as an RFC 5322 message.
func compose(from, messageID string, out Outgoing) ([]byte, error) {
	var h mail.Header
	h.SetDate(time.Now())
	h.SetAddressList("From", []*mail.Address{{Address: from}})
	h.SetAddressList("To", []*mail.Address{{Address: out.To}})
	h.SetSubject(out.Subject)
	h.SetMessageID(messageID)
	if out.InReplyTo != "" {
		h.SetMsgIDList("In-Reply-To", []string{out.InReplyTo})
		refs := out.References
		if len(refs) == 0 || refs[len(refs)-1] != out.InReplyTo {
			refs = append(append([]string(nil), refs...), out.InReplyTo)
		}
		h.SetMsgIDList("References", refs)
	}
	if out.Automatic {
		h.Set("Auto-Submitted", "auto-replied")
	}
	h.SetContentType("text/plain", map[string]string{"charset": "UTF-8"})

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write([]byte(out.Body)); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ReplySubject prefixes subject with "Re: " unless it already is a reply
func ReplySubject(subject string) string {
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(subject)), "re:") {
		return subject
	}
	return "Re: " + subject
}

// plainAuthAllowed mirrors net/smtp's PLAIN rule: credentials go in the clear
// only to a loopback server.
func plainAuthAllowed(security models.Security, host string) bool {
	if security != models.SecurityNone {
		return true
	}
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

func domainOr(email, fallback string) string {
	if d := GetDomainFromEmail(email); d != "" {
		return d
	}
	return fallback
}
