package email

import (
	"context"
	"errors"
	"log/slog"
	"sort"

	"github.com/mixelka/mailtriage/internal/database"
	"github.com/mixelka/mailtriage/pkg/models"
)

const (
	defaultFolder     = "INBOX"
	defaultFetchLimit = 10
)

// MessageStore is the part of the record store the fetch pipeline needs
type MessageStore interface {
	GetMessageByMessageID(ctx context.Context, accountID int64, messageID string) (*models.Message, error)
	CreateMessage(ctx context.Context, msg *models.Message) error
}

// FetchOptions narrow a fetch
type FetchOptions struct {
	Folder   string // defaults to INBOX
	Criteria Criteria
	Limit    int // most recent matches to process, defaults to 10
}

// Fetcher searches a folder and stores messages it has not seen before
type Fetcher struct {
	store  MessageStore
	parser *Parser
	logger *slog.Logger
}

// NewFetcher creates a new fetch pipeline
func NewFetcher(store MessageStore, logger *slog.Logger) *Fetcher {
	return &Fetcher{
		store:  store,
		parser: NewParser(),
		logger: logger.With("component", "fetcher"),
	}
}

// Fetch returns the newly stored messages in arrival order. Messages already
// stored for the account are skipped; a message that fails to parse or store
// is logged and left out. If the fetch itself fails midway, the messages
// stored so far are returned along with the error.
func (f *Fetcher) Fetch(ctx context.Context, conn Conn, accountID int64, opts FetchOptions) ([]*models.Message, error) {
	folder := opts.Folder
	if folder == "" {
		folder = defaultFolder
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultFetchLimit
	}
	logger := f.logger.With("account_id", accountID, "folder", folder)

	// Read-write so a later policy can set \Seen; bodies are fetched with PEEK.
	if _, err := conn.Select(ctx, folder, false); err != nil {
		return nil, err
	}

	ids, err := conn.Search(ctx, opts.Criteria)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		logger.Debug("no matching messages", "criteria", opts.Criteria.String())
		return []*models.Message{}, nil
	}

	ids = mostRecent(ids, limit)
	logger.Debug("fetching messages", "matched", len(ids), "criteria", opts.Criteria.String())

	stored := []*models.Message{}
	var skipped, failed int
	err = conn.Fetch(ctx, ids, func(rm *RemoteMessage) {
		msg, err := f.reconcile(ctx, accountID, rm)
		switch {
		case err != nil:
			failed++
			logger.Warn("skipping message", "seq", rm.SeqNum, "error", err)
		case msg == nil:
			skipped++
		default:
			stored = append(stored, msg)
		}
	})

	logger.Info("fetch finished", "stored", len(stored), "known", skipped, "failed", failed)
	return stored, err
}

// reconcile stores rm unless the account already has it. A nil message with
// a nil error means it was already known.
func (f *Fetcher) reconcile(ctx context.Context, accountID int64, rm *RemoteMessage) (*models.Message, error) {
	parsed, err := f.parser.Parse(rm.Raw, rm.InternalDate)
	if err != nil {
		return nil, newError(ErrProtocol, "parse", err)
	}

	_, err = f.store.GetMessageByMessageID(ctx, accountID, parsed.MessageID)
	if err == nil {
		return nil, nil
	}
	if !errors.Is(err, database.ErrNotFound) {
		return nil, newError(ErrPersistence, "lookup", err)
	}

	msg := parsed.Message(accountID)
	if err := f.store.CreateMessage(ctx, msg); err != nil {
		if errors.Is(err, database.ErrAlreadyExists) {
			return nil, nil
		}
		return nil, newError(ErrPersistence, "insert", err)
	}
	return msg, nil
}

// mostRecent returns the last limit ids in ascending order.
func mostRecent(ids []uint32, limit int) []uint32 {
	sorted := make([]uint32, len(ids))
	copy(sorted, ids)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	if len(sorted) > limit {
		sorted = sorted[len(sorted)-limit:]
	}
	return sorted
}
