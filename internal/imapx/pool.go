package imapx

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emersion/go-imap"

	"github.com/maildraft/maildraft/pkg/models"
)

// AccountSource reads account connection settings. Satisfied by database.DB.
type AccountSource interface {
	GetAccountByID(ctx context.Context, id int64) (*models.Account, error)
}

// Conn is the command surface of one authenticated mailbox session. The pool
// manages Conn lifecycles; *Session is the live implementation.
type Conn interface {
	Select(ctx context.Context, folder string) (*imap.MailboxStatus, error)
	SearchNewUIDs(ctx context.Context, sinceUID uint32) ([]uint32, error)
	FetchMessage(ctx context.Context, uid uint32) (*models.EmailMessage, error)
	Append(ctx context.Context, folder string, flags []string, raw []byte) error
	Move(ctx context.Context, uid uint32, dest string) error
	AddFlag(ctx context.Context, uid uint32, flag string) error
	Noop(ctx context.Context) error
	Close()
}

// PoolConfig configuration for the connection pool
type PoolConfig struct {
	MaxSessions    int           // Global cap on open sessions across all accounts
	IdleTimeout    time.Duration // Idle sessions older than this are evicted
	SweepInterval  time.Duration // How often the idle sweeper runs
	DialTimeout    time.Duration
	CommandTimeout time.Duration
}

// Pool owns every protocol session in the process. Commands against the same
// account are strictly serialized: one checkout token per account, and
// concurrent acquirers queue on it instead of opening a second session.
type Pool struct {
	accounts AccountSource
	tokens   TokenProvider
	decrypt  func(string) string
	cfg      PoolConfig
	logger   *slog.Logger

	// open dials a fresh session for an account. Swapped in tests.
	open func(ctx context.Context, accountID int64) (Conn, error)

	mu     sync.Mutex
	slots  map[int64]*slot
	sem    chan struct{} // Global session capacity
	closed bool

	stopSweep chan struct{}
	sweepDone chan struct{}
}

// slot holds one account's session and its checkout gate. Whoever holds the
// gate token has exclusive use of the session.
type slot struct {
	gate     chan struct{}
	session  Conn
	lastUsed time.Time
}

// PooledSession is a checked-out session handle. The holder must return it
// with Release, or ReleaseBroken after a protocol error.
type PooledSession struct {
	AccountID int64
	session   Conn
	slot      *slot
}

// Session returns the live session for issuing commands.
func (ps *PooledSession) Session() Conn {
	return ps.session
}

// NewPool creates a connection pool. decrypt decodes stored passwords; it may
// be nil when passwords are stored in the clear (tests).
func NewPool(accounts AccountSource, tokens TokenProvider, decrypt func(string) string, cfg PoolConfig, logger *slog.Logger) *Pool {
	if cfg.MaxSessions < 1 {
		cfg.MaxSessions = 1
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}

	p := &Pool{
		accounts:  accounts,
		tokens:    tokens,
		decrypt:   decrypt,
		cfg:       cfg,
		logger:    logger.With("component", "connection_pool"),
		slots:     make(map[int64]*slot),
		sem:       make(chan struct{}, cfg.MaxSessions),
		stopSweep: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	p.open = p.openSession
	go p.sweepLoop()
	return p
}

// Acquire checks out the account's session, opening one lazily on first use.
// Concurrent callers for the same account queue here; when the global cap is
// reached, new sessions wait for capacity instead of failing.
func (p *Pool) Acquire(ctx context.Context, accountID int64) (*PooledSession, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	sl, ok := p.slots[accountID]
	if !ok {
		sl = &slot{gate: make(chan struct{}, 1)}
		p.slots[accountID] = sl
	}
	p.mu.Unlock()

	select {
	case sl.gate <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	// Close may have run between the closed check and winning the gate; a
	// session opened now would outlive the pool.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-sl.gate
		return nil, ErrPoolClosed
	}
	p.mu.Unlock()

	// Holding the gate. Reuse a healthy session or open a replacement.
	if sl.session != nil {
		if err := sl.session.Noop(ctx); err == nil {
			return &PooledSession{AccountID: accountID, session: sl.session, slot: sl}, nil
		}
		p.logger.Warn("evicting broken session", "account_id", accountID)
		p.dropSessionLocked(sl)
	}

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		<-sl.gate
		return nil, ctx.Err()
	}

	session, err := p.open(ctx, accountID)
	if err != nil {
		<-p.sem
		<-sl.gate
		return nil, err
	}

	sl.session = session
	sl.lastUsed = time.Now()
	return &PooledSession{AccountID: accountID, session: session, slot: sl}, nil
}

// openSession loads the account and dials a fresh authenticated session.
func (p *Pool) openSession(ctx context.Context, accountID int64) (Conn, error) {
	account, err := p.accounts.GetAccountByID(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to load account %d: %w", accountID, err)
	}

	password := account.Password
	if p.decrypt != nil && password != "" {
		password = p.decrypt(password)
	}

	session := NewSession(SessionConfig{
		Email:          account.Email,
		AuthMethod:     account.AuthMethod,
		Password:       password,
		TokenRef:       account.TokenRef,
		Server:         account.IMAPServer,
		DialTimeout:    p.cfg.DialTimeout,
		CommandTimeout: p.cfg.CommandTimeout,
	}, p.tokens, p.logger)

	if err := session.Connect(ctx); err != nil {
		return nil, err
	}
	return session, nil
}

// Release returns a checked-out session to the pool.
func (p *Pool) Release(ps *PooledSession) {
	ps.slot.lastUsed = time.Now()
	<-ps.slot.gate
}

// ReleaseBroken evicts the session immediately; the next Acquire opens a
// replacement transparently.
func (p *Pool) ReleaseBroken(ps *PooledSession) {
	p.logger.Warn("releasing broken session", "account_id", ps.AccountID)
	p.dropSessionLocked(ps.slot)
	<-ps.slot.gate
}

// dropSessionLocked closes and forgets a slot's session. Caller holds the gate.
func (p *Pool) dropSessionLocked(sl *slot) {
	if sl.session == nil {
		return
	}
	sl.session.Close()
	sl.session = nil
	<-p.sem
}

// Evict closes the account's session, waiting for any in-flight command.
func (p *Pool) Evict(ctx context.Context, accountID int64) error {
	p.mu.Lock()
	sl, ok := p.slots[accountID]
	p.mu.Unlock()
	if !ok {
		return nil
	}

	select {
	case sl.gate <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	p.dropSessionLocked(sl)
	<-sl.gate
	return nil
}

// sweepLoop evicts sessions idle past the configured window.
func (p *Pool) sweepLoop() {
	defer close(p.sweepDone)

	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopSweep:
			return
		case <-ticker.C:
			p.sweepIdle()
		}
	}
}

func (p *Pool) sweepIdle() {
	if p.cfg.IdleTimeout <= 0 {
		return
	}

	p.mu.Lock()
	slots := make([]*slot, 0, len(p.slots))
	for _, sl := range p.slots {
		slots = append(slots, sl)
	}
	p.mu.Unlock()

	for _, sl := range slots {
		select {
		case sl.gate <- struct{}{}:
		default:
			continue // Busy; skip this round
		}
		if sl.session != nil && time.Since(sl.lastUsed) > p.cfg.IdleTimeout {
			p.logger.Debug("evicting idle session")
			p.dropSessionLocked(sl)
		}
		<-sl.gate
	}
}

// Close shuts the pool down and closes every session. Pending Acquire calls
// for new slots fail with ErrPoolClosed.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	slots := make([]*slot, 0, len(p.slots))
	for _, sl := range p.slots {
		slots = append(slots, sl)
	}
	p.mu.Unlock()

	close(p.stopSweep)
	<-p.sweepDone

	for _, sl := range slots {
		sl.gate <- struct{}{}
		p.dropSessionLocked(sl)
		<-sl.gate
	}
	p.logger.Info("connection pool closed")
}
