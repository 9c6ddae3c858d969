package imapx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/maildraft/maildraft/pkg/models"
)

// JobEnqueuer hands detected messages to the job queue. The monitor never
// processes message content inline.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, job models.Job) error
}

// EventSink receives monitor status events.
type EventSink interface {
	Broadcast(userID int64, event models.Event)
}

// UIDTracker persists the highest UID already handed to the pipeline.
type UIDTracker interface {
	UpdateAccountLastUID(ctx context.Context, id int64, uid uint32) error
}

// MonitorConfig configuration for one mailbox monitor
type MonitorConfig struct {
	PollInterval time.Duration
	MaxRetries   int           // Reconnect budget before the terminal error state
	BackoffBase  time.Duration // First reconnect delay, doubled per attempt
	BackoffCeil  time.Duration
}

// Monitor drives the per-account connection state machine:
// disconnected -> connecting -> connected <-> reconnecting -> error.
// It borrows a pooled session per poll, detects new mail, and enqueues a
// processing job per message.
type Monitor struct {
	account *models.Account
	pool    *Pool
	queue   JobEnqueuer
	uids    UIDTracker
	events  EventSink
	cfg     MonitorConfig
	logger  *slog.Logger

	mu        sync.Mutex
	state     models.MonitorState
	lastErr   string
	processed int64
	checked   time.Time
	lastUID   uint32
}

// NewMonitor creates a monitor for one account
func NewMonitor(account *models.Account, pool *Pool, queue JobEnqueuer, uids UIDTracker, events EventSink, cfg MonitorConfig, logger *slog.Logger) *Monitor {
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2 * time.Second
	}
	if cfg.BackoffCeil <= 0 {
		cfg.BackoffCeil = 5 * time.Minute
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 8
	}
	return &Monitor{
		account: account,
		pool:    pool,
		queue:   queue,
		uids:    uids,
		events:  events,
		cfg:     cfg,
		logger:  logger.With("component", "monitor", "account_id", account.ID),
		state:   models.MonitorDisconnected,
		lastUID: account.LastUID,
	}
}

// Run drives the state machine until ctx is cancelled or the retry budget is
// exhausted. On return the state is disconnected (stopped) or error (gave up).
func (m *Monitor) Run(ctx context.Context) {
	m.setState(models.MonitorConnecting, nil)

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	attempt := 0
	for {
		err := m.poll(ctx)
		switch {
		case err == nil:
			attempt = 0
			m.setState(models.MonitorConnected, nil)
		case errors.Is(err, context.Canceled), errors.Is(err, ErrPoolClosed):
			m.setState(models.MonitorDisconnected, nil)
			return
		case errors.Is(err, ErrAuthExpired):
			// Retrying cannot succeed; surface re-authorization instead.
			m.logger.Error("monitor stopped, re-authorization required", "error", err)
			m.setState(models.MonitorError, err)
			return
		default:
			attempt++
			m.logger.Warn("poll failed", "attempt", attempt, "error", err)
			if attempt > m.cfg.MaxRetries {
				m.setState(models.MonitorError, err)
				return
			}
			m.setState(models.MonitorReconnecting, err)
			if !m.sleep(ctx, m.backoff(attempt)) {
				m.setState(models.MonitorDisconnected, nil)
				return
			}
			continue
		}

		select {
		case <-ctx.Done():
			m.setState(models.MonitorDisconnected, nil)
			return
		case <-ticker.C:
		}
	}
}

// poll borrows a session, looks for unseen mail and enqueues one processing
// job per new message.
func (m *Monitor) poll(ctx context.Context) error {
	ps, err := m.pool.Acquire(ctx, m.account.ID)
	if err != nil {
		return err
	}

	session := ps.Session()
	if _, err := session.Select(ctx, "INBOX"); err != nil {
		m.pool.ReleaseBroken(ps)
		return err
	}

	uids, err := session.SearchNewUIDs(ctx, m.currentUID())
	if err != nil {
		m.pool.ReleaseBroken(ps)
		return err
	}
	m.pool.Release(ps)

	m.mu.Lock()
	m.checked = time.Now()
	m.mu.Unlock()

	for _, uid := range uids {
		job := models.Job{
			ID:         uuid.New().String(),
			Type:       models.JobProcessMessage,
			UserID:     m.account.UserID,
			AccountID:  m.account.ID,
			MessageUID: uid,
			Folder:     "INBOX",
			EnqueuedAt: time.Now(),
		}
		if err := m.queue.Enqueue(ctx, job); err != nil {
			return fmt.Errorf("failed to enqueue job for uid %d: %w", uid, err)
		}

		m.advanceUID(ctx, uid)
	}

	return nil
}

// currentUID returns the highest UID already enqueued.
func (m *Monitor) currentUID() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastUID
}

// advanceUID records that a UID has been handed to the pipeline.
func (m *Monitor) advanceUID(ctx context.Context, uid uint32) {
	m.mu.Lock()
	advanced := uid > m.lastUID
	if advanced {
		m.lastUID = uid
		m.processed++
	}
	m.mu.Unlock()

	if advanced {
		if err := m.uids.UpdateAccountLastUID(ctx, m.account.ID, uid); err != nil {
			m.logger.Warn("failed to persist last uid", "error", err)
		}
	}
}

// backoff returns the exponential reconnect delay for an attempt.
func (m *Monitor) backoff(attempt int) time.Duration {
	d := m.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= m.cfg.BackoffCeil {
			return m.cfg.BackoffCeil
		}
	}
	return d
}

// sleep waits for d, returning false if ctx was cancelled.
func (m *Monitor) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// setState records a transition and publishes it to the account owner.
func (m *Monitor) setState(state models.MonitorState, err error) {
	m.mu.Lock()
	changed := m.state != state
	m.state = state
	if err != nil {
		m.lastErr = err.Error()
	} else {
		m.lastErr = ""
	}
	m.mu.Unlock()

	if !changed {
		return
	}
	m.logger.Info("monitor state changed", "state", state)
	m.events.Broadcast(m.account.UserID, models.Event{
		Type:   models.EventMonitorStatus,
		UserID: m.account.UserID,
		Data: map[string]any{
			"account_id": m.account.ID,
			"state":      string(state),
		},
		Timestamp: time.Now(),
	})
}

// Status returns a snapshot of the monitor's observable state.
func (m *Monitor) Status() models.MonitorStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return models.MonitorStatus{
		AccountID:         m.account.ID,
		State:             m.state,
		MessagesProcessed: m.processed,
		LastError:         m.lastErr,
		LastChecked:       m.checked,
	}
}
