package imapx

import (
	"context"
	"errors"
	"log/slog"

	"github.com/emersion/go-imap"

	"github.com/maildraft/maildraft/pkg/models"
)

// MailboxOps runs single mailbox operations over pooled sessions. It handles
// checkout, folder selection and broken-session eviction so callers only
// state what they want done.
type MailboxOps struct {
	pool   *Pool
	logger *slog.Logger
}

// NewMailboxOps creates a mailbox operations facade over the pool
func NewMailboxOps(pool *Pool, logger *slog.Logger) *MailboxOps {
	return &MailboxOps{
		pool:   pool,
		logger: logger.With("component", "mailbox_ops"),
	}
}

// withSession checks out the account's session for the duration of fn.
// A failing command evicts the session unless the error is a data error;
// the next checkout then dials a replacement transparently.
func (m *MailboxOps) withSession(ctx context.Context, accountID int64, fn func(Conn) error) error {
	ps, err := m.pool.Acquire(ctx, accountID)
	if err != nil {
		return err
	}

	if err := fn(ps.Session()); err != nil {
		if isDataError(err) {
			m.pool.Release(ps)
		} else {
			m.pool.ReleaseBroken(ps)
		}
		return err
	}

	m.pool.Release(ps)
	return nil
}

// isDataError reports errors about the mailbox contents rather than the
// connection. These leave the session healthy.
func isDataError(err error) bool {
	var folderMissing *ErrFolderMissing
	return errors.As(err, &folderMissing) || errors.Is(err, ErrMessageNotFound)
}

// Check verifies the account's connection end to end: checkout, dial if
// needed, and a round trip. Used by the connection test endpoint.
func (m *MailboxOps) Check(ctx context.Context, accountID int64) error {
	return m.withSession(ctx, accountID, func(s Conn) error {
		return s.Noop(ctx)
	})
}

// FetchMessage fetches one full message from a folder.
func (m *MailboxOps) FetchMessage(ctx context.Context, accountID int64, folder string, uid uint32) (*models.EmailMessage, error) {
	var msg *models.EmailMessage
	err := m.withSession(ctx, accountID, func(s Conn) error {
		if _, err := s.Select(ctx, folder); err != nil {
			return err
		}
		fetched, err := s.FetchMessage(ctx, uid)
		if err != nil {
			return err
		}
		msg = fetched
		return nil
	})
	if err != nil {
		return nil, err
	}
	msg.AccountID = accountID
	return msg, nil
}

// AppendDraft stores a raw RFC822 message into a folder with the \Draft flag.
func (m *MailboxOps) AppendDraft(ctx context.Context, accountID int64, folder string, raw []byte) error {
	return m.withSession(ctx, accountID, func(s Conn) error {
		return s.Append(ctx, folder, []string{imap.DraftFlag}, raw)
	})
}

// MoveMessage moves one message from folder to dest.
func (m *MailboxOps) MoveMessage(ctx context.Context, accountID int64, folder string, uid uint32, dest string) error {
	return m.withSession(ctx, accountID, func(s Conn) error {
		if _, err := s.Select(ctx, folder); err != nil {
			return err
		}
		return s.Move(ctx, uid, dest)
	})
}

// SearchNew returns UIDs above sinceUID in a folder.
func (m *MailboxOps) SearchNew(ctx context.Context, accountID int64, folder string, sinceUID uint32) ([]uint32, error) {
	var uids []uint32
	err := m.withSession(ctx, accountID, func(s Conn) error {
		if _, err := s.Select(ctx, folder); err != nil {
			return err
		}
		found, err := s.SearchNewUIDs(ctx, sinceUID)
		if err != nil {
			return err
		}
		uids = found
		return nil
	})
	if err != nil {
		return nil, err
	}
	return uids, nil
}

// FetchRecent fetches up to limit of the newest messages in a folder.
// Messages that vanished between search and fetch are skipped.
func (m *MailboxOps) FetchRecent(ctx context.Context, accountID int64, folder string, limit int) ([]*models.EmailMessage, error) {
	var msgs []*models.EmailMessage
	err := m.withSession(ctx, accountID, func(s Conn) error {
		if _, err := s.Select(ctx, folder); err != nil {
			return err
		}
		uids, err := s.SearchNewUIDs(ctx, 0)
		if err != nil {
			return err
		}
		if len(uids) > limit {
			uids = uids[len(uids)-limit:]
		}

		for _, uid := range uids {
			msg, err := s.FetchMessage(ctx, uid)
			if errors.Is(err, ErrMessageNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			msg.AccountID = accountID
			msgs = append(msgs, msg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msgs, nil
}
