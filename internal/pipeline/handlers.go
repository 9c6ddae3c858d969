package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/maildraft/maildraft/internal/jobs"
	"github.com/maildraft/maildraft/pkg/models"
)

// InboxSearcher finds new message UIDs. Satisfied by imapx.MailboxOps.
type InboxSearcher interface {
	SearchNew(ctx context.Context, accountID int64, folder string, sinceUID uint32) ([]uint32, error)
}

// AccountStore reads and advances per-account poll state. Satisfied by database.DB.
type AccountStore interface {
	GetAccountByID(ctx context.Context, id int64) (*models.Account, error)
	UpdateAccountLastUID(ctx context.Context, accountID int64, lastUID uint32) error
}

// Enqueuer pushes follow-up jobs. Satisfied by jobs.Runtime.
type Enqueuer interface {
	Enqueue(ctx context.Context, job models.Job) error
}

// Handlers are the job-type entry points bound into the runtime.
type Handlers struct {
	processor *Processor
	profiles  *ProfileBuilder
	mail      InboxSearcher
	db        AccountStore
	queue     Enqueuer
	logger    *slog.Logger
}

// NewHandlers creates the job handlers
func NewHandlers(processor *Processor, profiles *ProfileBuilder, mail InboxSearcher, db AccountStore, queue Enqueuer, logger *slog.Logger) *Handlers {
	return &Handlers{
		processor: processor,
		profiles:  profiles,
		mail:      mail,
		db:        db,
		queue:     queue,
		logger:    logger.With("component", "job_handlers"),
	}
}

// ProcessMessage runs the drafting pipeline for one message. A message held
// by another request completes as skipped rather than retrying.
func (h *Handlers) ProcessMessage(ctx context.Context, job models.Job) error {
	res, err := h.processor.Process(ctx, Request{
		AccountID:  job.AccountID,
		MessageUID: job.MessageUID,
		Folder:     job.Folder,
	})
	if err != nil {
		return err
	}
	if res.Skipped {
		return jobs.ErrSkipped
	}
	return nil
}

// PollInbox searches the inbox for UIDs above the account's high-water mark
// and fans one processing job out per new message. The mark only advances
// after every job is enqueued, so a crash mid-poll re-offers messages rather
// than losing them; the processing lock and the action record absorb the
// duplicates.
func (h *Handlers) PollInbox(ctx context.Context, job models.Job) error {
	account, err := h.db.GetAccountByID(ctx, job.AccountID)
	if err != nil {
		return fmt.Errorf("failed to load account: %w", err)
	}

	uids, err := h.mail.SearchNew(ctx, job.AccountID, "INBOX", account.LastUID)
	if err != nil {
		return fmt.Errorf("failed to search inbox: %w", err)
	}
	if len(uids) == 0 {
		return nil
	}

	highest := account.LastUID
	for _, uid := range uids {
		if err := h.queue.Enqueue(ctx, models.Job{
			ID:         uuid.New().String(),
			Type:       models.JobProcessMessage,
			UserID:     account.UserID,
			AccountID:  job.AccountID,
			MessageUID: uid,
			Folder:     "INBOX",
		}); err != nil {
			return fmt.Errorf("failed to enqueue message job: %w", err)
		}
		if uid > highest {
			highest = uid
		}
	}

	if err := h.db.UpdateAccountLastUID(ctx, job.AccountID, highest); err != nil {
		return fmt.Errorf("failed to advance last uid: %w", err)
	}

	h.logger.Info("inbox polled", "account_id", job.AccountID, "new_messages", len(uids))
	return nil
}

// RebuildProfile re-learns the account's tone profiles from sent mail.
func (h *Handlers) RebuildProfile(ctx context.Context, job models.Job) error {
	return h.profiles.Rebuild(ctx, job.AccountID)
}

// Register binds every handler to its job type.
func (h *Handlers) Register(runtime *jobs.Runtime, workers int) {
	runtime.RegisterHandler(models.JobProcessMessage, h.ProcessMessage, workers)
	runtime.RegisterHandler(models.JobPollInbox, h.PollInbox, workers)
	runtime.RegisterHandler(models.JobRebuildProfile, h.RebuildProfile, 1)
}
