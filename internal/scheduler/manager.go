package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/maildraft/maildraft/internal/kvstore"
	"github.com/maildraft/maildraft/pkg/models"
)

// ErrUnknownTask is returned when enabling a task id no job handler exists for.
var ErrUnknownTask = errors.New("unknown task id")

// ErrEntryNotFound is returned by Status for a (task, account) pair that was
// never enabled.
var ErrEntryNotFound = errors.New("scheduler entry not found")

// knownTasks are the recurring task types the runtime has handlers for.
var knownTasks = map[string]models.JobType{
	string(models.JobPollInbox):      models.JobPollInbox,
	string(models.JobRebuildProfile): models.JobRebuildProfile,
}

// Enqueuer pushes trigger jobs into the job queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, job models.Job) error
}

// AccountReader lists accounts for the reconciliation pass.
type AccountReader interface {
	GetAllAccounts(ctx context.Context) ([]*models.Account, error)
}

// Config tunes the scheduler manager.
type Config struct {
	MinInterval     time.Duration // Intervals below this are clamped
	DefaultInterval time.Duration // Used by reconciliation when enabling
}

// Manager maps recurring tasks to durable, interval-driven triggers per
// account. Entries live in the key-value store so schedules survive restarts;
// tickers are rebuilt from them on boot.
type Manager struct {
	store    *kvstore.Store
	queue    Enqueuer
	accounts AccountReader
	cfg      Config
	logger   *slog.Logger

	mu      sync.Mutex
	tickers map[string]*entryTicker
	closed  bool
}

type entryTicker struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a scheduler manager.
func NewManager(store *kvstore.Store, queue Enqueuer, accounts AccountReader, cfg Config, logger *slog.Logger) *Manager {
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = 15 * time.Second
	}
	if cfg.DefaultInterval <= 0 {
		cfg.DefaultInterval = time.Minute
	}
	return &Manager{
		store:    store,
		queue:    queue,
		accounts: accounts,
		cfg:      cfg,
		logger:   logger.With("component", "scheduler"),
		tickers:  make(map[string]*entryTicker),
	}
}

// Enable writes a durable entry and starts its trigger. Calling it again with
// a new interval updates the existing entry rather than duplicating it.
func (m *Manager) Enable(ctx context.Context, taskID string, userID, accountID int64, interval time.Duration) error {
	if _, ok := knownTasks[taskID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	if interval < m.cfg.MinInterval {
		interval = m.cfg.MinInterval
	}

	entry := models.SchedulerEntry{
		TaskID:    taskID,
		UserID:    userID,
		AccountID: accountID,
		Interval:  interval,
		Enabled:   true,
		NextRun:   time.Now().Add(interval),
		UpdatedAt: time.Now(),
	}
	if err := m.putEntry(entry); err != nil {
		return err
	}

	m.startTicker(entry)
	m.logger.Info("scheduler enabled", "task", taskID, "account_id", accountID, "interval", interval)
	return nil
}

// Disable stops the trigger and marks the entry disabled. The entry is kept
// so status queries still answer.
func (m *Manager) Disable(ctx context.Context, taskID string, accountID int64) error {
	entry, err := m.getEntry(taskID, accountID)
	if err != nil {
		if errors.Is(err, ErrEntryNotFound) {
			return nil
		}
		return err
	}

	m.stopTicker(entry.Key())

	entry.Enabled = false
	entry.UpdatedAt = time.Now()
	if err := m.putEntry(*entry); err != nil {
		return err
	}
	m.logger.Info("scheduler disabled", "task", taskID, "account_id", accountID)
	return nil
}

// Status returns the entry for one (task, account) pair.
func (m *Manager) Status(taskID string, accountID int64) (*models.SchedulerEntry, error) {
	return m.getEntry(taskID, accountID)
}

// StatusForUser returns every entry owned by one user.
func (m *Manager) StatusForUser(userID int64) ([]models.SchedulerEntry, error) {
	var entries []models.SchedulerEntry
	err := m.store.ForEach(kvstore.BucketSchedules, func(_ string, value []byte) error {
		var entry models.SchedulerEntry
		if err := json.Unmarshal(value, &entry); err != nil {
			return nil // Skip unreadable entries
		}
		if entry.UserID == userID {
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	return entries, nil
}

// Restore rebuilds tickers for every enabled entry. Called once on boot
// before Reconcile.
func (m *Manager) Restore() error {
	var entries []models.SchedulerEntry
	err := m.store.ForEach(kvstore.BucketSchedules, func(_ string, value []byte) error {
		var entry models.SchedulerEntry
		if err := json.Unmarshal(value, &entry); err != nil {
			return nil
		}
		if entry.Enabled {
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to restore entries: %w", err)
	}

	for _, entry := range entries {
		m.startTicker(entry)
	}
	m.logger.Info("schedules restored", "count", len(entries))
	return nil
}

// Reconcile brings scheduler state into agreement with the accounts table's
// monitoring flag, so schedules survive out-of-band database edits.
func (m *Manager) Reconcile(ctx context.Context) error {
	accounts, err := m.accounts.GetAllAccounts(ctx)
	if err != nil {
		return fmt.Errorf("failed to load accounts: %w", err)
	}

	for _, account := range accounts {
		entry, err := m.getEntry(string(models.JobPollInbox), account.ID)
		switch {
		case account.MonitoringEnabled && (errors.Is(err, ErrEntryNotFound) || (err == nil && !entry.Enabled)):
			interval := m.cfg.DefaultInterval
			if err == nil && entry.Interval > 0 {
				interval = entry.Interval
			}
			if err := m.Enable(ctx, string(models.JobPollInbox), account.UserID, account.ID, interval); err != nil {
				return err
			}
		case !account.MonitoringEnabled && err == nil && entry.Enabled:
			if err := m.Disable(ctx, string(models.JobPollInbox), account.ID); err != nil {
				return err
			}
		case err != nil && !errors.Is(err, ErrEntryNotFound):
			return err
		}
	}
	return nil
}

// Close stops every ticker.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	tickers := make([]*entryTicker, 0, len(m.tickers))
	for key, t := range m.tickers {
		tickers = append(tickers, t)
		delete(m.tickers, key)
	}
	m.mu.Unlock()

	for _, t := range tickers {
		t.cancel()
		<-t.done
	}
	m.logger.Info("scheduler closed")
}

// startTicker replaces any running trigger for the entry's key.
func (m *Manager) startTicker(entry models.SchedulerEntry) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if old, ok := m.tickers[entry.Key()]; ok {
		delete(m.tickers, entry.Key())
		m.mu.Unlock()
		old.cancel()
		<-old.done
		m.mu.Lock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &entryTicker{cancel: cancel, done: make(chan struct{})}
	m.tickers[entry.Key()] = t
	m.mu.Unlock()

	go m.runTicker(ctx, entry, t)
}

func (m *Manager) stopTicker(key string) {
	m.mu.Lock()
	t, ok := m.tickers[key]
	if ok {
		delete(m.tickers, key)
	}
	m.mu.Unlock()
	if ok {
		t.cancel()
		<-t.done
	}
}

// runTicker fires the entry's trigger at its interval until cancelled.
func (m *Manager) runTicker(ctx context.Context, entry models.SchedulerEntry, t *entryTicker) {
	defer close(t.done)

	ticker := time.NewTicker(entry.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.fire(ctx, &entry)
		}
	}
}

// fire enqueues one trigger job and advances the durable next-run time.
// A failed enqueue is logged and retried at the next tick; it never blocks
// the scheduler itself.
func (m *Manager) fire(ctx context.Context, entry *models.SchedulerEntry) {
	job := models.Job{
		ID:         uuid.New().String(),
		Type:       knownTasks[entry.TaskID],
		UserID:     entry.UserID,
		AccountID:  entry.AccountID,
		EnqueuedAt: time.Now(),
	}
	if err := m.queue.Enqueue(ctx, job); err != nil {
		m.logger.Error("failed to enqueue trigger",
			"task", entry.TaskID, "account_id", entry.AccountID, "error", err)
		return
	}

	entry.NextRun = time.Now().Add(entry.Interval)
	entry.UpdatedAt = time.Now()
	if err := m.putEntry(*entry); err != nil {
		m.logger.Warn("failed to persist next run", "task", entry.TaskID, "error", err)
	}
}

func (m *Manager) putEntry(entry models.SchedulerEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}
	if err := m.store.Put(kvstore.BucketSchedules, entry.Key(), data); err != nil {
		return fmt.Errorf("failed to store entry: %w", err)
	}
	return nil
}

func (m *Manager) getEntry(taskID string, accountID int64) (*models.SchedulerEntry, error) {
	data, err := m.store.Get(kvstore.BucketSchedules, models.SchedulerKey(taskID, accountID))
	if errors.Is(err, kvstore.ErrKeyNotFound) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read entry: %w", err)
	}

	var entry models.SchedulerEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to decode entry: %w", err)
	}
	return &entry, nil
}
