package models

import (
	"database/sql"
	"strings"
	"time"
)

// MessageStatus lifecycle status of a stored message
type MessageStatus string

const (
	StatusPending    MessageStatus = "pending"
	StatusProcessing MessageStatus = "processing"
	StatusReplied    MessageStatus = "replied"
	StatusFailed     MessageStatus = "failed"
	StatusIgnored    MessageStatus = "ignored"
)

// Valid reports whether s is one of the known statuses
func (s MessageStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusReplied, StatusFailed, StatusIgnored:
		return true
	}
	return false
}

// Message represents an inbound email persisted for triage
type Message struct {
	ID          int64          `db:"id"           json:"id"`
	AccountID   int64          `db:"account_id"   json:"account_id"`  // FK to Account
	MessageID   string         `db:"message_id"   json:"message_id"`  // Message-ID header, unique per account
	InReplyTo   string         `db:"in_reply_to"  json:"in_reply_to,omitempty"`
	References  string         `db:"thread_refs"  json:"references,omitempty"` // space-separated ids, oldest first
	FromAddr    string         `db:"from_addr"    json:"from"`
	FromName    string         `db:"from_name"    json:"from_name,omitempty"`
	ToAddr      string         `db:"to_addr"      json:"to"`
	Subject     string         `db:"subject"      json:"subject"`
	BodyText    string         `db:"body_text"    json:"body_text"`
	BodyHTML    string         `db:"body_html"    json:"body_html,omitempty"`
	Status      MessageStatus  `db:"status"       json:"status"`
	Sentiment   sql.NullString `db:"sentiment"    json:"-"`
	Category    sql.NullString `db:"category"     json:"-"`
	DraftReply  sql.NullString `db:"draft_reply"  json:"-"`
	IsAutoReply bool           `db:"is_auto_reply" json:"is_auto_reply"`
	ReceivedAt  time.Time      `db:"received_at"  json:"received_at"`
	RepliedAt   sql.NullTime   `db:"replied_at"   json:"-"`
	CreatedAt   time.Time      `db:"created_at"   json:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"   json:"updated_at"`
}

// Thread returns the ids a reply to m should reference, oldest first
func (m *Message) Thread() []string {
	ids := strings.Fields(m.References)
	if m.InReplyTo != "" && (len(ids) == 0 || ids[len(ids)-1] != m.InReplyTo) {
		ids = append(ids, m.InReplyTo)
	}
	return ids
}

// MessageFilter narrows message counts and listings
type MessageFilter struct {
	Status    MessageStatus // empty matches every status
	Since     time.Time     // zero matches every received time
	Untriaged bool          // only messages without a stored draft
}
