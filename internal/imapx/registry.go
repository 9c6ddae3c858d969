package imapx

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/maildraft/maildraft/pkg/models"
)

// Registry manages the running mailbox monitors, one per monitored account.
type Registry struct {
	pool   *Pool
	queue  JobEnqueuer
	uids   UIDTracker
	events EventSink
	cfg    MonitorConfig
	logger *slog.Logger

	mu       sync.Mutex
	monitors map[int64]*monitorHandle
}

type monitorHandle struct {
	monitor *Monitor
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewRegistry creates a monitor registry
func NewRegistry(pool *Pool, queue JobEnqueuer, uids UIDTracker, events EventSink, cfg MonitorConfig, logger *slog.Logger) *Registry {
	return &Registry{
		pool:     pool,
		queue:    queue,
		uids:     uids,
		events:   events,
		cfg:      cfg,
		logger:   logger.With("component", "monitor_registry"),
		monitors: make(map[int64]*monitorHandle),
	}
}

// Start launches a monitor for the account. Starting an already monitored
// account is a no-op.
func (r *Registry) Start(account *models.Account) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.monitors[account.ID]; exists {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	monitor := NewMonitor(account, r.pool, r.queue, r.uids, r.events, r.cfg, r.logger)
	handle := &monitorHandle{monitor: monitor, cancel: cancel, done: make(chan struct{})}
	r.monitors[account.ID] = handle

	go func() {
		defer close(handle.done)
		monitor.Run(ctx)
	}()

	r.logger.Info("started monitor", "account_id", account.ID, "email", account.Email)
}

// Stop halts the account's monitor and waits for it to release its resources.
func (r *Registry) Stop(accountID int64) {
	r.mu.Lock()
	handle, exists := r.monitors[accountID]
	if exists {
		delete(r.monitors, accountID)
	}
	r.mu.Unlock()

	if !exists {
		return
	}
	handle.cancel()
	<-handle.done
	r.logger.Info("stopped monitor", "account_id", accountID)
}

// StartAll launches monitors for every given account.
func (r *Registry) StartAll(accounts []*models.Account) {
	r.logger.Info("restoring monitors", "count", len(accounts))
	for _, account := range accounts {
		r.Start(account)
	}
}

// StopAll halts every monitor.
func (r *Registry) StopAll() {
	r.mu.Lock()
	handles := make([]*monitorHandle, 0, len(r.monitors))
	for id, handle := range r.monitors {
		handles = append(handles, handle)
		delete(r.monitors, id)
	}
	r.mu.Unlock()

	for _, handle := range handles {
		handle.cancel()
		<-handle.done
	}
	r.logger.Info("all monitors stopped")
}

// Status returns a snapshot of every monitor, ordered by account id.
func (r *Registry) Status() []models.MonitorStatus {
	r.mu.Lock()
	statuses := make([]models.MonitorStatus, 0, len(r.monitors))
	for _, handle := range r.monitors {
		statuses = append(statuses, handle.monitor.Status())
	}
	r.mu.Unlock()

	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].AccountID < statuses[j].AccountID
	})
	return statuses
}

// StatusFor returns one account's monitor status. Unmonitored accounts report
// disconnected.
func (r *Registry) StatusFor(accountID int64) models.MonitorStatus {
	r.mu.Lock()
	handle, exists := r.monitors[accountID]
	r.mu.Unlock()

	if !exists {
		return models.MonitorStatus{AccountID: accountID, State: models.MonitorDisconnected}
	}
	return handle.monitor.Status()
}
