package email

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mixelka/mailtriage/internal/mailbox"
	"github.com/mixelka/mailtriage/pkg/models"
)

// Opener decrypts stored account secrets
type Opener interface {
	Open(sealed string) (string, error)
}

// Notifier receives operation outcomes
type Notifier interface {
	NotifyFetched(ctx context.Context, account *models.Account, msgs []*models.Message)
	NotifyCleanup(ctx context.Context, account *models.Account, tally *Tally)
	NotifyError(ctx context.Context, account *models.Account, op string, err error)
}

// ServiceConfig bounds the exposed operations
type ServiceConfig struct {
	Limits         Limits
	FetchTimeout   time.Duration
	CleanupTimeout time.Duration
	FetchLimit     int
}

// Service runs fetch and cleanup for an account, one session per call
type Service struct {
	cfg      ServiceConfig
	dial     DialFunc
	fetcher  *Fetcher
	cleaner  *Cleaner
	secrets  Opener
	notifier Notifier
	busy     sync.Map // account id -> in-flight operation
	logger   *slog.Logger
}

// NewService creates a new mail service
func NewService(cfg ServiceConfig, store MessageStore, taxonomy *mailbox.Taxonomy, secrets Opener, logger *slog.Logger) *Service {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = 10 * time.Minute
	}
	if cfg.FetchLimit <= 0 {
		cfg.FetchLimit = defaultFetchLimit
	}

	return &Service{
		cfg:     cfg,
		dial:    NewDialer(cfg.Limits, logger),
		fetcher: NewFetcher(store, logger),
		cleaner: NewCleaner(taxonomy, logger),
		secrets: secrets,
		logger:  logger.With("component", "mail_service"),
	}
}

// SetDialer replaces how sessions are opened
func (s *Service) SetDialer(dial DialFunc) {
	s.dial = dial
}

// SetNotifier sets the receiver of operation outcomes
func (s *Service) SetNotifier(n Notifier) {
	s.notifier = n
}

// TestConnection checks that the credentials log in and INBOX opens
func (s *Service) TestConnection(ctx context.Context, creds Credentials) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	defer cancel()

	conn, err := s.dial(ctx, creds)
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = conn.Select(ctx, defaultFolder, true)
	return err
}

// FetchNewMail stores unseen-before messages from INBOX and returns them
func (s *Service) FetchNewMail(ctx context.Context, account *models.Account, opts FetchOptions) ([]*models.Message, error) {
	release, err := s.acquire(account.ID)
	if err != nil {
		return nil, err
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	defer cancel()

	if opts.Limit <= 0 {
		opts.Limit = s.cfg.FetchLimit
	}

	conn, err := s.open(ctx, account)
	if err != nil {
		s.fail(ctx, account, "fetch", err)
		return nil, err
	}
	defer conn.Close()

	msgs, err := s.fetcher.Fetch(ctx, conn, account.ID, opts)
	if err != nil {
		s.fail(ctx, account, "fetch", err)
		return msgs, err
	}

	if s.notifier != nil && len(msgs) > 0 {
		s.notifier.NotifyFetched(ctx, account, msgs)
	}
	return msgs, nil
}

// CleanupByCategory deletes mail in the given categories. Only a failure to
// open the session is returned as an error; anything after that shows up
// as a zero count. Fetch and cleanup for the same account never overlap;
// the second caller gets ErrAccountBusy.
func (s *Service) CleanupByCategory(ctx context.Context, account *models.Account, categories []string) (*Tally, error) {
	release, err := s.acquire(account.ID)
	if err != nil {
		return nil, err
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.CleanupTimeout)
	defer cancel()

	conn, err := s.open(ctx, account)
	if err != nil {
		s.fail(ctx, account, "cleanup", err)
		return nil, err
	}
	defer conn.Close()

	tally := Reduce(s.cleaner.Cleanup(ctx, conn, categories))
	s.logger.Info("cleanup finished", "account_id", account.ID, "total_deleted", tally.Total)

	if s.notifier != nil {
		s.notifier.NotifyCleanup(ctx, account, tally)
	}
	return tally, nil
}

func (s *Service) open(ctx context.Context, account *models.Account) (Conn, error) {
	creds, err := IMAPCredentials(account, s.secrets)
	if err != nil {
		return nil, err
	}
	return s.dial(ctx, creds)
}

// acquire marks an account as having an operation in flight
func (s *Service) acquire(accountID int64) (release func(), err error) {
	if _, loaded := s.busy.LoadOrStore(accountID, struct{}{}); loaded {
		return nil, ErrAccountBusy
	}
	return func() { s.busy.Delete(accountID) }, nil
}

// IMAPCredentials returns the decrypted IMAP login for an account
func IMAPCredentials(account *models.Account, secrets Opener) (Credentials, error) {
	return accountCredentials(account, secrets, account.IMAPServer, account.IMAPSecurity)
}

// SMTPCredentials returns the decrypted SMTP login for an account
func SMTPCredentials(account *models.Account, secrets Opener) (Credentials, error) {
	return accountCredentials(account, secrets, account.SMTPServer, account.SMTPSecurity)
}

func accountCredentials(account *models.Account, secrets Opener, server string, security models.Security) (Credentials, error) {
	password := account.Password
	if secrets != nil {
		var err error
		if password, err = secrets.Open(account.Password); err != nil {
			return Credentials{}, fmt.Errorf("failed to decrypt password: %w", err)
		}
	}

	if security == "" {
		security = models.SecurityTLS
	}

	return Credentials{
		Email:    account.Email,
		Password: password,
		Server:   server,
		Security: security,
	}, nil
}

func (s *Service) fail(ctx context.Context, account *models.Account, op string, err error) {
	s.logger.Error(op+" failed", "account_id", account.ID, "error", err, "hint", Hint(err))
	if s.notifier != nil {
		s.notifier.NotifyError(context.WithoutCancel(ctx), account, op, err)
	}
}
