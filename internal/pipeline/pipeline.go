package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/maildraft/maildraft/internal/ai"
	"github.com/maildraft/maildraft/internal/compose"
	"github.com/maildraft/maildraft/internal/extract"
	"github.com/maildraft/maildraft/internal/imapx"
	"github.com/maildraft/maildraft/internal/locks"
	"github.com/maildraft/maildraft/internal/relate"
	"github.com/maildraft/maildraft/internal/styleagg"
	"github.com/maildraft/maildraft/internal/vector"
	"github.com/maildraft/maildraft/pkg/models"
)

// Mailboxes is the slice of mailbox operations the pipeline needs.
// Satisfied by imapx.MailboxOps.
type Mailboxes interface {
	FetchMessage(ctx context.Context, accountID int64, folder string, uid uint32) (*models.EmailMessage, error)
	AppendDraft(ctx context.Context, accountID int64, folder string, raw []byte) error
	MoveMessage(ctx context.Context, accountID int64, folder string, uid uint32, dest string) error
}

// LLM drafts replies and embeds text. Satisfied by ai.Client.
type LLM interface {
	Generate(ctx context.Context, systemPrompt, userPrompt string) (*models.DraftResponse, error)
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ExampleSearcher retrieves historical writing examples. Satisfied by vector.Client.
type ExampleSearcher interface {
	Search(ctx context.Context, userID int64, vec []float32, relationship string, limit int, threshold float64) ([]vector.ScoredExample, error)
}

// Store persists processing outcomes. Satisfied by database.DB.
type Store interface {
	GetAccountByID(ctx context.Context, id int64) (*models.Account, error)
	UpsertActionRecord(ctx context.Context, rec *models.ActionRecord) error
}

// Locker is the per-message processing lock. Satisfied by locks.LeaseLock.
type Locker interface {
	TryAcquire(accountID int64, messageUID uint32) (*locks.Lease, error)
	Release(lease *locks.Lease) error
}

// Notifier pushes events to a user's listeners. Satisfied by events.Broadcaster.
type Notifier interface {
	Broadcast(userID int64, event models.Event)
}

// Config tunes the processing pipeline.
type Config struct {
	GenerateRetries int // Extra generation attempts after malformed output
	ExampleLimit    int
	ScoreThreshold  float64
}

// Request identifies one message to process.
type Request struct {
	AccountID  int64
	MessageUID uint32
	Folder     string // Defaults to INBOX
}

// Result is the outcome of processing one message.
type Result struct {
	Skipped      bool // Another holder owned the message
	Action       models.ActionTaken
	Destination  string
	Relationship string
	Draft        *models.DraftResponse
}

// Processor runs the end-to-end drafting pipeline for one message: lock,
// fetch, extract, classify, retrieve examples, style, generate, route, record.
type Processor struct {
	mail      Mailboxes
	db        Store
	locks     Locker
	extractor *extract.Extractor
	relate    *relate.Resolver
	styles    *styleagg.Aggregator
	composer  *compose.Composer
	llm       LLM
	examples  ExampleSearcher
	notifier  Notifier
	cfg       Config
	logger    *slog.Logger
}

// NewProcessor creates a message processor
func NewProcessor(
	mail Mailboxes,
	db Store,
	locker Locker,
	extractor *extract.Extractor,
	resolver *relate.Resolver,
	styles *styleagg.Aggregator,
	composer *compose.Composer,
	llm LLM,
	examples ExampleSearcher,
	notifier Notifier,
	cfg Config,
	logger *slog.Logger,
) *Processor {
	if cfg.ExampleLimit <= 0 {
		cfg.ExampleLimit = 5
	}
	return &Processor{
		mail:      mail,
		db:        db,
		locks:     locker,
		extractor: extractor,
		relate:    resolver,
		styles:    styles,
		composer:  composer,
		llm:       llm,
		examples:  examples,
		notifier:  notifier,
		cfg:       cfg,
		logger:    logger.With("component", "pipeline"),
	}
}

// Process runs the pipeline for one message. A message already held by
// another request returns a skipped result, not an error. Whatever happens
// after the lock is acquired, the outcome is recorded and the lock freed.
func (p *Processor) Process(ctx context.Context, req Request) (res *Result, err error) {
	if req.Folder == "" {
		req.Folder = "INBOX"
	}
	log := p.logger.With("account_id", req.AccountID, "uid", req.MessageUID)

	account, err := p.db.GetAccountByID(ctx, req.AccountID)
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}

	lease, err := p.locks.TryAcquire(req.AccountID, req.MessageUID)
	if errors.Is(err, locks.ErrLocked) {
		log.Info("message held by another request, skipping")
		return &Result{Skipped: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lease: %w", err)
	}

	res = &Result{Action: models.ActionNone}
	var msg *models.EmailMessage

	// Outcome recording and lock release run no matter how processing ends.
	// Release comes first: a refused release means the lease expired and was
	// reclaimed by another holder, so this outcome must be discarded.
	defer func() {
		relErr := p.locks.Release(lease)
		if errors.Is(relErr, locks.ErrLeaseExpired) {
			log.Warn("lease reclaimed before finish, discarding outcome")
			return
		}
		if relErr != nil {
			log.Error("failed to release lease", "error", relErr)
		}
		p.record(ctx, account, req, msg, res, err, log)
	}()

	msg, err = p.mail.FetchMessage(ctx, req.AccountID, req.Folder, req.MessageUID)
	if err != nil {
		return res, fmt.Errorf("failed to fetch message: %w", err)
	}

	signal, err := p.extractor.Extract(msg)
	if err != nil {
		return res, fmt.Errorf("failed to extract signal: %w", err)
	}

	relationship, err := p.relate.Resolve(ctx, account.UserID, account, msg.From, signal)
	if err != nil {
		return res, fmt.Errorf("failed to resolve relationship: %w", err)
	}
	res.Relationship = relationship

	examples := p.retrieveExamples(ctx, account.UserID, relationship, signal, log)

	directive, err := p.styles.Directive(ctx, account.UserID, relationship, msg.From.Address)
	if err != nil {
		return res, fmt.Errorf("failed to build style directive: %w", err)
	}

	draft, err := p.generate(ctx, msg, signal, directive, examples, log)
	if err != nil {
		return res, err
	}
	res.Draft = draft

	if err = p.route(ctx, account, req, msg, draft, res); err != nil {
		return res, err
	}

	log.Info("message processed",
		"action", res.Action, "relationship", relationship, "confidence", draft.Confidence)
	return res, nil
}

// retrieveExamples embeds the clean text and searches the user's history.
// Retrieval is an enrichment: failures degrade to drafting without examples.
func (p *Processor) retrieveExamples(ctx context.Context, userID int64, relationship string, signal *models.MessageSignal, log *slog.Logger) []ai.Example {
	if signal.CleanText == "" {
		return nil
	}

	vec, err := p.llm.Embed(ctx, signal.CleanText)
	if err != nil {
		log.Warn("embedding failed, drafting without examples", "error", err)
		return nil
	}

	scored, err := p.examples.Search(ctx, userID, vec, relationship, p.cfg.ExampleLimit, p.cfg.ScoreThreshold)
	if err != nil {
		log.Warn("example search failed, drafting without examples", "error", err)
		return nil
	}

	examples := make([]ai.Example, 0, len(scored))
	for _, s := range scored {
		examples = append(examples, ai.Example{Text: s.Text, Score: s.Score})
	}
	return examples
}

// generate runs the drafting completion with a bounded number of
// regenerations when the provider returns structurally invalid output.
// Provider and transport errors are not retried here; job-level retry
// handles those.
func (p *Processor) generate(ctx context.Context, msg *models.EmailMessage, signal *models.MessageSignal, directive models.StyleDirective, examples []ai.Example, log *slog.Logger) (*models.DraftResponse, error) {
	systemPrompt, userPrompt := ai.BuildPrompt(msg, signal, directive, examples)

	attempts := p.cfg.GenerateRetries + 1
	for attempt := 1; ; attempt++ {
		draft, err := p.llm.Generate(ctx, systemPrompt, userPrompt)
		if err == nil {
			return draft, nil
		}
		if !errors.Is(err, ai.ErrMalformedOutput) || attempt >= attempts {
			return nil, fmt.Errorf("failed to generate draft: %w", err)
		}
		log.Warn("malformed model output, regenerating", "attempt", attempt)
	}
}

// route applies the drafted action: save a reply draft, move the message,
// or do nothing for ignore.
func (p *Processor) route(ctx context.Context, account *models.Account, req Request, msg *models.EmailMessage, draft *models.DraftResponse, res *Result) error {
	switch draft.Action {
	case models.ActionReply, models.ActionReplyAll:
		raw, err := p.composer.BuildReply(msg, account, draft, draft.Action == models.ActionReplyAll)
		if err != nil {
			return fmt.Errorf("failed to compose reply: %w", err)
		}
		folder := account.DraftsFolder
		if folder == "" {
			folder = imapx.ResolveDraftsFolder(account.Email)
		}
		if err := p.mail.AppendDraft(ctx, req.AccountID, folder, raw); err != nil {
			return fmt.Errorf("failed to save draft: %w", err)
		}
		res.Action = draft.Action
		res.Destination = folder

	case models.ActionMove:
		if err := p.mail.MoveMessage(ctx, req.AccountID, req.Folder, req.MessageUID, draft.MoveTo); err != nil {
			return fmt.Errorf("failed to move message: %w", err)
		}
		res.Action = models.ActionMove
		res.Destination = draft.MoveTo

	case models.ActionIgnore:
		res.Action = models.ActionIgnore

	default:
		return fmt.Errorf("%w: unknown action %q", ai.ErrMalformedOutput, draft.Action)
	}
	return nil
}

// record upserts the action record for this message and notifies listeners.
// Keyed by (account, uid), so reprocessing overwrites instead of duplicating.
func (p *Processor) record(ctx context.Context, account *models.Account, req Request, msg *models.EmailMessage, res *Result, procErr error, log *slog.Logger) {
	rec := &models.ActionRecord{
		AccountID:    req.AccountID,
		MessageUID:   req.MessageUID,
		ActionTaken:  res.Action,
		Destination:  res.Destination,
		Relationship: res.Relationship,
	}
	if msg != nil {
		rec.MessageID = msg.MessageID
	}
	if procErr != nil {
		rec.ActionTaken = models.ActionError
		rec.ErrorDetail = procErr.Error()
	}

	// The surrounding context may already be canceled on failure paths;
	// the record still has to land.
	if err := p.db.UpsertActionRecord(context.WithoutCancel(ctx), rec); err != nil {
		log.Error("failed to record outcome", "error", err)
		return
	}

	if p.notifier != nil {
		p.notifier.Broadcast(account.UserID, models.Event{
			Type: models.EventMessageHandled,
			Data: map[string]any{
				"account_id":   req.AccountID,
				"message_uid":  req.MessageUID,
				"action":       rec.ActionTaken,
				"destination":  rec.Destination,
				"relationship": rec.Relationship,
			},
		})
	}
}
