package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/mixelka/mailtriage/pkg/models"
)

// ErrNotFound is returned when a record is not found
var ErrNotFound = errors.New("record not found")

// ErrAlreadyExists is returned when trying to insert a duplicate record
var ErrAlreadyExists = errors.New("record already exists")

// CreateAccount creates a new account
func (db *DB) CreateAccount(ctx context.Context, account *models.Account) error {
	query := `
		INSERT INTO accounts (email, password, imap_server, imap_security, smtp_server, smtp_security, auto_reply, reply_tone, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	now := time.Now()
	result, err := db.ExecContext(ctx, query,
		account.Email,
		account.Password,
		account.IMAPServer,
		account.IMAPSecurity,
		account.SMTPServer,
		account.SMTPSecurity,
		account.AutoReply,
		account.ReplyTone,
		now,
		now,
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to create account: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	account.ID = id
	account.CreatedAt = now
	account.UpdatedAt = now
	return nil
}

// GetAccountByID returns an account by ID
func (db *DB) GetAccountByID(ctx context.Context, id int64) (*models.Account, error) {
	var account models.Account
	query := `SELECT * FROM accounts WHERE id = ?`
	err := db.GetContext(ctx, &account, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &account, nil
}

// GetAccountByEmail returns an account by its email address
func (db *DB) GetAccountByEmail(ctx context.Context, email string) (*models.Account, error) {
	var account models.Account
	query := `SELECT * FROM accounts WHERE email = ?`
	err := db.GetContext(ctx, &account, query, email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &account, nil
}

// ListAccounts returns all accounts
func (db *DB) ListAccounts(ctx context.Context) ([]*models.Account, error) {
	var accounts []*models.Account
	query := `SELECT * FROM accounts ORDER BY created_at DESC`
	err := db.SelectContext(ctx, &accounts, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	return accounts, nil
}

// SetAccountAutoReply toggles automatic replies for an account
func (db *DB) SetAccountAutoReply(ctx context.Context, id int64, enabled bool, tone string) error {
	query := `UPDATE accounts SET auto_reply = ?, reply_tone = ?, updated_at = ? WHERE id = ?`
	result, err := db.ExecContext(ctx, query, enabled, tone, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to set auto reply: %w", err)
	}
	return requireRow(result)
}

// DeleteAccount deletes an account and, by cascade, its stored messages
func (db *DB) DeleteAccount(ctx context.Context, id int64) error {
	query := `DELETE FROM accounts WHERE id = ?`
	result, err := db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	return requireRow(result)
}

func requireRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
