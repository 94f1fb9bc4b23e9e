// Package triage classifies freshly stored messages, drafts replies and,
// for accounts that opted in, answers them automatically.
package triage

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mixelka/mailtriage/internal/analysis"
	"github.com/mixelka/mailtriage/internal/email"
	"github.com/mixelka/mailtriage/pkg/models"
)

const defaultQueueSize = 64

// Store persists triage outcomes
type Store interface {
	ClaimMessage(ctx context.Context, id int64) (bool, error)
	UpdateMessageStatus(ctx context.Context, id int64, status models.MessageStatus) error
	UpdateMessageAnalysis(ctx context.Context, id int64, sentiment, category, draft string) error
	MarkMessageReplied(ctx context.Context, id int64, repliedAt time.Time) error
}

// Analyzer classifies messages and drafts replies
type Analyzer interface {
	Classify(ctx context.Context, req analysis.Request) (*analysis.Classification, error)
	DraftReply(ctx context.Context, req analysis.Request) (string, error)
}

// Sender submits outgoing mail
type Sender interface {
	Send(ctx context.Context, creds email.Credentials, out email.Outgoing) (string, error)
}

// Summary counts what happened to a batch
type Summary struct {
	Ignored  int // auto-generated mail, never answered
	Drafted  int // draft stored, waiting for a human
	Replied  int
	Failed   int
	Deferred int // analysis unavailable, left pending
	Skipped  int // already claimed by another pass
}

func (s *Summary) add(o outcome) {
	switch o {
	case outcomeIgnored:
		s.Ignored++
	case outcomeDrafted:
		s.Drafted++
	case outcomeReplied:
		s.Replied++
	case outcomeFailed:
		s.Failed++
	case outcomeDeferred:
		s.Deferred++
	case outcomeSkipped:
		s.Skipped++
	}
}

type outcome int

const (
	outcomeIgnored outcome = iota
	outcomeDrafted
	outcomeReplied
	outcomeFailed
	outcomeDeferred
	outcomeSkipped
)

type job struct {
	account *models.Account
	msgs    []*models.Message
}

// Processor runs triage over stored messages, inline or from a queue
type Processor struct {
	store    Store
	analyzer Analyzer
	sender   Sender
	secrets  email.Opener
	queue    chan job
	logger   *slog.Logger
}

// NewProcessor creates a new triage processor
func NewProcessor(store Store, analyzer Analyzer, sender Sender, secrets email.Opener, logger *slog.Logger) *Processor {
	return &Processor{
		store:    store,
		analyzer: analyzer,
		sender:   sender,
		secrets:  secrets,
		queue:    make(chan job, defaultQueueSize),
		logger:   logger.With("component", "triage"),
	}
}

// Submit queues messages for Run. It reports false when the queue is full;
// the messages stay pending and are picked up by a later pass.
func (p *Processor) Submit(account *models.Account, msgs []*models.Message) bool {
	if len(msgs) == 0 {
		return true
	}
	select {
	case p.queue <- job{account: account, msgs: msgs}:
		return true
	default:
		p.logger.Warn("triage queue full, leaving messages pending", "account_id", account.ID, "count", len(msgs))
		return false
	}
}

// Run processes queued batches until ctx is done
func (p *Processor) Run(ctx context.Context) error {
	p.logger.Info("triage worker started")
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("triage worker stopped")
			return nil
		case j := <-p.queue:
			p.Process(ctx, j.account, j.msgs)
		}
	}
}

// Process triages msgs one at a time and returns what happened to them
func (p *Processor) Process(ctx context.Context, account *models.Account, msgs []*models.Message) Summary {
	var sum Summary
	for i, msg := range msgs {
		if ctx.Err() != nil {
			sum.Deferred += len(msgs) - i
			break
		}
		sum.add(p.processOne(ctx, account, msg))
	}

	p.logger.Info("triage batch done",
		"account_id", account.ID,
		"ignored", sum.Ignored,
		"drafted", sum.Drafted,
		"replied", sum.Replied,
		"failed", sum.Failed,
		"deferred", sum.Deferred,
		"skipped", sum.Skipped,
	)
	return sum
}

func (p *Processor) processOne(ctx context.Context, account *models.Account, msg *models.Message) outcome {
	logger := p.logger.With("account_id", account.ID, "message_id", msg.MessageID)

	claimed, err := p.store.ClaimMessage(ctx, msg.ID)
	if err != nil {
		logger.Error("failed to claim message", "error", err)
		return outcomeDeferred
	}
	if !claimed {
		logger.Debug("message already triaged")
		return outcomeSkipped
	}
	msg.Status = models.StatusProcessing

	if msg.IsAutoReply {
		p.setStatus(ctx, logger, msg, models.StatusIgnored)
		return outcomeIgnored
	}

	req := analysis.Request{
		Sender:  msg.FromAddr,
		Subject: msg.Subject,
		Body:    msg.BodyText,
		Tone:    account.ReplyTone,
	}

	class, err := p.analyzer.Classify(ctx, req)
	if err != nil {
		return p.postpone(ctx, logger, msg, "classify", err)
	}

	draft, err := p.analyzer.DraftReply(ctx, req)
	if err != nil {
		return p.postpone(ctx, logger, msg, "draft", err)
	}

	if err := p.store.UpdateMessageAnalysis(context.WithoutCancel(ctx), msg.ID, class.Sentiment, class.Category, draft); err != nil {
		logger.Error("failed to store analysis", "error", err)
		p.setStatus(ctx, logger, msg, models.StatusPending)
		return outcomeDeferred
	}

	if !account.AutoReply {
		p.setStatus(ctx, logger, msg, models.StatusPending)
		return outcomeDrafted
	}

	return p.reply(ctx, logger, account, msg, draft)
}

func (p *Processor) reply(ctx context.Context, logger *slog.Logger, account *models.Account, msg *models.Message, draft string) outcome {
	creds, err := email.SMTPCredentials(account, p.secrets)
	if err != nil {
		logger.Error("failed to prepare SMTP credentials", "error", err)
		p.setStatus(ctx, logger, msg, models.StatusFailed)
		return outcomeFailed
	}

	sentID, err := p.sender.Send(ctx, creds, email.Outgoing{
		To:         msg.FromAddr,
		Subject:    email.ReplySubject(msg.Subject),
		Body:       draft,
		InReplyTo:  msg.MessageID,
		References: msg.Thread(),
		Automatic:  true,
	})
	if err != nil {
		logger.Error("failed to send reply", "error", err, "hint", email.Hint(err))
		p.setStatus(ctx, logger, msg, models.StatusFailed)
		return outcomeFailed
	}

	if err := p.store.MarkMessageReplied(context.WithoutCancel(ctx), msg.ID, time.Now()); err != nil {
		logger.Error("reply sent but not recorded", "error", err, "sent_id", sentID)
		return outcomeReplied
	}
	msg.Status = models.StatusReplied

	logger.Info("auto-reply sent", "to", msg.FromAddr, "sent_id", sentID)
	return outcomeReplied
}

// postpone returns a message to pending after an analysis failure.
func (p *Processor) postpone(ctx context.Context, logger *slog.Logger, msg *models.Message, step string, err error) outcome {
	if errors.Is(err, analysis.ErrUnavailable) {
		logger.Warn("analysis unavailable, leaving message pending", "step", step, "error", err)
	} else {
		logger.Error("analysis failed", "step", step, "error", err)
	}
	p.setStatus(ctx, logger, msg, models.StatusPending)
	return outcomeDeferred
}

// setStatus outlives ctx so a cancelled batch never strands a message in processing.
func (p *Processor) setStatus(ctx context.Context, logger *slog.Logger, msg *models.Message, status models.MessageStatus) {
	if err := p.store.UpdateMessageStatus(context.WithoutCancel(ctx), msg.ID, status); err != nil {
		logger.Error("failed to update status", "status", status, "error", err)
		return
	}
	msg.Status = status
}
