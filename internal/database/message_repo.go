package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mixelka/mailtriage/pkg/models"
)

// CreateMessage stores a new message, returning ErrAlreadyExists when the
// (account, message id) pair is already known
func (db *DB) CreateMessage(ctx context.Context, msg *models.Message) error {
	query := `
		INSERT OR IGNORE INTO messages (account_id, message_id, in_reply_to, thread_refs, from_addr, from_name, to_addr, subject, body_text, body_html, status, is_auto_reply, received_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	if msg.Status == "" {
		msg.Status = models.StatusPending
	}
	now := time.Now()
	result, err := db.ExecContext(ctx, query,
		msg.AccountID,
		msg.MessageID,
		msg.InReplyTo,
		msg.References,
		msg.FromAddr,
		msg.FromName,
		msg.ToAddr,
		msg.Subject,
		msg.BodyText,
		msg.BodyHTML,
		msg.Status,
		msg.IsAutoReply,
		msg.ReceivedAt,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}

	// Check if row was actually inserted (not ignored due to duplicate)
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrAlreadyExists
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	msg.ID = id
	msg.CreatedAt = now
	msg.UpdatedAt = now
	return nil
}

// GetMessageByID returns a message by ID
func (db *DB) GetMessageByID(ctx context.Context, id int64) (*models.Message, error) {
	var msg models.Message
	query := `SELECT * FROM messages WHERE id = ?`
	err := db.GetContext(ctx, &msg, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return &msg, nil
}

// GetMessageByMessageID returns the message an account already stored under
// the given Message-ID
func (db *DB) GetMessageByMessageID(ctx context.Context, accountID int64, messageID string) (*models.Message, error) {
	var msg models.Message
	query := `SELECT * FROM messages WHERE account_id = ? AND message_id = ?`
	err := db.GetContext(ctx, &msg, query, accountID, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return &msg, nil
}

// ListMessages returns an account's messages, newest first
func (db *DB) ListMessages(ctx context.Context, accountID int64, filter models.MessageFilter, limit int) ([]*models.Message, error) {
	where, args := messageWhere(accountID, filter)
	query := `SELECT * FROM messages WHERE ` + where + ` ORDER BY received_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	var msgs []*models.Message
	if err := db.SelectContext(ctx, &msgs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return msgs, nil
}

// CountMessages counts an account's messages matching filter
func (db *DB) CountMessages(ctx context.Context, accountID int64, filter models.MessageFilter) (int, error) {
	where, args := messageWhere(accountID, filter)
	var n int
	if err := db.GetContext(ctx, &n, `SELECT COUNT(*) FROM messages WHERE `+where, args...); err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

func messageWhere(accountID int64, filter models.MessageFilter) (string, []any) {
	conds := []string{"account_id = ?"}
	args := []any{accountID}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, filter.Status)
	}
	if !filter.Since.IsZero() {
		conds = append(conds, "received_at >= ?")
		args = append(args, filter.Since)
	}
	if filter.Untriaged {
		conds = append(conds, "draft_reply IS NULL")
	}
	return strings.Join(conds, " AND "), args
}

// ClaimMessage moves a pending, undrafted message to processing. It reports
// false when the message was already claimed or triaged.
func (db *DB) ClaimMessage(ctx context.Context, id int64) (bool, error) {
	query := `UPDATE messages SET status = ?, updated_at = ?
		WHERE id = ? AND status = ? AND draft_reply IS NULL`
	res, err := db.ExecContext(ctx, query, models.StatusProcessing, time.Now(), id, models.StatusPending)
	if err != nil {
		return false, fmt.Errorf("failed to claim message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to claim message: %w", err)
	}
	return n == 1, nil
}

// UpdateMessageStatus moves a message to a new lifecycle status
func (db *DB) UpdateMessageStatus(ctx context.Context, id int64, status models.MessageStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid message status %q", status)
	}
	query := `UPDATE messages SET status = ?, updated_at = ? WHERE id = ?`
	_, err := db.ExecContext(ctx, query, status, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update message status: %w", err)
	}
	return nil
}

// UpdateMessageAnalysis stores classification results and the drafted reply
func (db *DB) UpdateMessageAnalysis(ctx context.Context, id int64, sentiment, category, draft string) error {
	query := `UPDATE messages SET sentiment = ?, category = ?, draft_reply = ?, updated_at = ? WHERE id = ?`
	_, err := db.ExecContext(ctx, query,
		nullString(sentiment),
		nullString(category),
		nullString(draft),
		time.Now(),
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to update message analysis: %w", err)
	}
	return nil
}

// MarkMessageReplied records a sent reply
func (db *DB) MarkMessageReplied(ctx context.Context, id int64, repliedAt time.Time) error {
	query := `UPDATE messages SET status = ?, replied_at = ?, updated_at = ? WHERE id = ?`
	_, err := db.ExecContext(ctx, query, models.StatusReplied, repliedAt, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to mark message as replied: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
