package triage

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mixelka/mailtriage/internal/email"
	"github.com/mixelka/mailtriage/pkg/models"
)

// backlogLimit caps how many untriaged messages one poll hands to the queue
const backlogLimit = 50

// MailFetcher pulls new mail for an account
type MailFetcher interface {
	FetchNewMail(ctx context.Context, account *models.Account, opts email.FetchOptions) ([]*models.Message, error)
}

// Accounts lists accounts and their untriaged messages
type Accounts interface {
	ListAccounts(ctx context.Context) ([]*models.Account, error)
	ListMessages(ctx context.Context, accountID int64, filter models.MessageFilter, limit int) ([]*models.Message, error)
}

// Poller periodically fetches every account and queues untriaged mail
type Poller struct {
	fetcher   MailFetcher
	accounts  Accounts
	processor *Processor
	interval  time.Duration
	logger    *slog.Logger
}

// NewPoller creates a new poller. An interval of zero disables polling.
func NewPoller(fetcher MailFetcher, accounts Accounts, processor *Processor, interval time.Duration, logger *slog.Logger) *Poller {
	return &Poller{
		fetcher:   fetcher,
		accounts:  accounts,
		processor: processor,
		interval:  interval,
		logger:    logger.With("component", "poller"),
	}
}

// Run polls until ctx is done
func (p *Poller) Run(ctx context.Context) error {
	if p.interval <= 0 {
		p.logger.Info("polling disabled")
		return nil
	}

	p.logger.Info("polling started", "interval", p.interval)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		p.Poll(ctx)

		select {
		case <-ctx.Done():
			p.logger.Info("polling stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Poll runs one pass over all accounts, one account at a time
func (p *Poller) Poll(ctx context.Context) {
	accounts, err := p.accounts.ListAccounts(ctx)
	if err != nil {
		p.logger.Error("failed to list accounts", "error", err)
		return
	}

	for _, account := range accounts {
		if ctx.Err() != nil {
			return
		}
		p.pollAccount(ctx, account)
	}
}

func (p *Poller) pollAccount(ctx context.Context, account *models.Account) {
	logger := p.logger.With("account_id", account.ID)

	// Service logs and notifies its own failures; a partial batch is still stored.
	msgs, err := p.fetcher.FetchNewMail(ctx, account, email.FetchOptions{
		Criteria: email.Criteria{Unseen: true},
	})
	switch {
	case errors.Is(err, email.ErrAccountBusy):
		logger.Debug("account busy, skipping this pass")
		return
	case err != nil:
		logger.Debug("fetch incomplete", "stored", len(msgs), "error", err)
	}

	backlog, err := p.accounts.ListMessages(ctx, account.ID, models.MessageFilter{
		Status:    models.StatusPending,
		Untriaged: true,
	}, backlogLimit)
	if err != nil {
		logger.Error("failed to list untriaged messages", "error", err)
		return
	}

	p.processor.Submit(account, backlog)
}
