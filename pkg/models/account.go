package models

import "time"

// Security is the transport security mode of a mail server connection
type Security string

const (
	SecurityTLS      Security = "tls"      // implicit TLS, usually port 993/465
	SecurityStartTLS Security = "starttls" // plain connect upgraded with STARTTLS
	SecurityNone     Security = "none"     // no encryption, tests and local bridges only
)

// Account represents a mailbox owner whose mail is triaged
type Account struct {
	ID           int64     `db:"id"`
	Email        string    `db:"email"`
	Password     string    `db:"password"`      // Encrypted app password
	IMAPServer   string    `db:"imap_server"`   // e.g., imap.gmail.com:993
	IMAPSecurity Security  `db:"imap_security"` // tls, starttls or none
	SMTPServer   string    `db:"smtp_server"`   // e.g., smtp.gmail.com:465
	SMTPSecurity Security  `db:"smtp_security"`
	AutoReply    bool      `db:"auto_reply"` // Send drafted replies without review
	ReplyTone    string    `db:"reply_tone"` // e.g., "friendly", "formal"
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}
