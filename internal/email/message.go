package email

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"

	"github.com/mixelka/mailtriage/internal/parser"
	"github.com/mixelka/mailtriage/pkg/models"
)

var errEmptyMessage = errors.New("empty message")

// generatedIDSpace namespaces ids derived for messages without a Message-ID header
var generatedIDSpace = uuid.NewSHA1(uuid.NameSpaceDNS, []byte("mailtriage.invalid"))

// Address represents an email address
type Address struct {
	Name    string
	Address string
}

// ParsedEmail is the structured form of a fetched message
type ParsedEmail struct {
	MessageID       string
	InReplyTo       string
	References      []string
	From            Address
	To              []string
	Subject         string
	Date            time.Time
	Text            string
	HTML            string
	AutoReply       bool
	AutoReplyReason string
}

// Message converts the parsed email into a pending stored message
func (e *ParsedEmail) Message(accountID int64) *models.Message {
	return &models.Message{
		AccountID:   accountID,
		MessageID:   e.MessageID,
		InReplyTo:   e.InReplyTo,
		References:  strings.Join(e.References, " "),
		FromAddr:    e.From.Address,
		FromName:    e.From.Name,
		ToAddr:      strings.Join(e.To, ", "),
		Subject:     e.Subject,
		BodyText:    e.Text,
		BodyHTML:    e.HTML,
		Status:      models.StatusPending,
		IsAutoReply: e.AutoReply,
		ReceivedAt:  e.Date,
	}
}

// Parser turns raw RFC 5322 bytes into ParsedEmail
type Parser struct {
	html      *parser.HTMLParser
	autoReply *parser.AutoReplyDetector
}

// NewParser creates a new message parser
func NewParser() *Parser {
	return &Parser{
		html:      parser.NewHTMLParser(),
		autoReply: parser.NewAutoReplyDetector(),
	}
}

// Parse parses a raw message. receivedAt is used when the Date header is
// missing or unreadable.
func (p *Parser) Parse(raw []byte, receivedAt time.Time) (*ParsedEmail, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, errEmptyMessage
	}

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}
	if mr == nil {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}
	defer mr.Close()

	email := &ParsedEmail{}
	h := mr.Header

	if id, err := h.MessageID(); err == nil && id != "" {
		email.MessageID = id
	} else {
		email.MessageID = generatedMessageID(raw)
	}
	if ids, err := h.MsgIDList("In-Reply-To"); err == nil && len(ids) > 0 {
		email.InReplyTo = ids[0]
	}
	if refs, err := h.MsgIDList("References"); err == nil {
		email.References = refs
	}
	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		email.From = Address{Name: from[0].Name, Address: from[0].Address}
	}
	if to, err := h.AddressList("To"); err == nil {
		for _, a := range to {
			email.To = append(email.To, a.Address)
		}
	}
	if subject, err := h.Subject(); err == nil {
		email.Subject = subject
	} else {
		email.Subject = h.Get("Subject")
	}
	if date, err := h.Date(); err == nil && !date.IsZero() {
		email.Date = date
	} else {
		email.Date = receivedAt
	}

	// Read parts, keeping the first plain and the first HTML body
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			if email.Text == "" && email.HTML == "" {
				return nil, fmt.Errorf("failed to read message body: %w", err)
			}
			break
		}

		ih, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, _ := ih.ContentType()
		body, err := io.ReadAll(part.Body)
		if err != nil {
			continue
		}
		switch {
		case strings.HasPrefix(ct, "text/html") && email.HTML == "":
			email.HTML = string(body)
		case (ct == "" || strings.HasPrefix(ct, "text/plain")) && email.Text == "":
			email.Text = string(body)
		}
	}

	if strings.TrimSpace(email.Text) == "" && email.HTML != "" {
		if text, err := p.html.Parse(email.HTML); err == nil {
			email.Text = text
		}
	}
	email.Text = strings.TrimSpace(email.Text)

	email.AutoReply, email.AutoReplyReason = p.autoReply.Detect(parser.Signals{
		From:                  email.From.Address,
		Subject:               email.Subject,
		AutoSubmitted:         h.Get("Auto-Submitted"),
		Precedence:            h.Get("Precedence"),
		XAutoreply:            h.Get("X-Autoreply"),
		XAutoResponseSuppress: h.Get("X-Auto-Response-Suppress"),
	})

	return email, nil
}

// generatedMessageID derives a stable id from the header block, so the same
// message gets the same id on every fetch.
func generatedMessageID(raw []byte) string {
	header := raw
	if i := bytes.Index(raw, []byte("\r\n\r\n")); i >= 0 {
		header = raw[:i]
	} else if i := bytes.Index(raw, []byte("\n\n")); i >= 0 {
		header = raw[:i]
	}
	return uuid.NewSHA1(generatedIDSpace, header).String() + "@mailtriage.invalid"
}
