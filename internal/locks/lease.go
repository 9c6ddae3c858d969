package locks

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/maildraft/maildraft/internal/kvstore"
)

// ErrLocked is returned when a live lease already exists for the message.
// It is a normal contention outcome, not a failure.
var ErrLocked = errors.New("Email is being processed by another request")

// ErrLeaseExpired is returned when releasing or renewing a lease that has
// already expired and may have been reclaimed. The holder's work must be
// discarded (last-writer-loses-to-lease).
var ErrLeaseExpired = errors.New("lease expired")

// Lease is a held processing lock for one (account, message) pair.
type Lease struct {
	Token      string    `json:"token"`
	AccountID  int64     `json:"account_id"`
	MessageUID uint32    `json:"message_uid"`
	ExpiresAt  time.Time `json:"expires_at"`
}

func (l *Lease) key() string {
	return leaseKey(l.AccountID, l.MessageUID)
}

func leaseKey(accountID int64, messageUID uint32) string {
	return fmt.Sprintf("%d:%d", accountID, messageUID)
}

// LeaseLock is the processing lock, backed by the durable key-value store so
// a crashed worker cannot permanently wedge a message: an expired lease is
// treated as released and the next acquirer reclaims it.
type LeaseLock struct {
	store  *kvstore.Store
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// NewLeaseLock creates a lease lock with the given lease duration.
func NewLeaseLock(store *kvstore.Store, ttl time.Duration, logger *slog.Logger) *LeaseLock {
	return &LeaseLock{
		store:  store,
		ttl:    ttl,
		logger: logger.With("component", "lease_lock"),
		now:    time.Now,
	}
}

// TryAcquire attempts to take the lock for one message. It fails fast with
// ErrLocked when a live lease exists; it never queues behind another holder.
func (ll *LeaseLock) TryAcquire(accountID int64, messageUID uint32) (*Lease, error) {
	lease := &Lease{
		Token:      uuid.New().String(),
		AccountID:  accountID,
		MessageUID: messageUID,
		ExpiresAt:  ll.now().Add(ll.ttl),
	}

	err := ll.store.Update(kvstore.BucketLeases, func(b *bbolt.Bucket) error {
		key := []byte(lease.key())
		if existing := b.Get(key); existing != nil {
			var held Lease
			if err := json.Unmarshal(existing, &held); err == nil && ll.now().Before(held.ExpiresAt) {
				return ErrLocked
			}
			// Expired or unreadable lease: reclaim.
			ll.logger.Warn("reclaiming expired lease",
				"account_id", accountID, "message_uid", messageUID)
		}

		data, err := json.Marshal(lease)
		if err != nil {
			return fmt.Errorf("failed to marshal lease: %w", err)
		}
		return b.Put(key, data)
	})
	if err != nil {
		return nil, err
	}
	return lease, nil
}

// Release frees the lock, fenced by the lease token: if the lease expired and
// another holder reclaimed it, the release is refused with ErrLeaseExpired so
// the late finisher knows to discard its write.
func (ll *LeaseLock) Release(lease *Lease) error {
	return ll.store.Update(kvstore.BucketLeases, func(b *bbolt.Bucket) error {
		key := []byte(lease.key())
		existing := b.Get(key)
		if existing == nil {
			return ErrLeaseExpired
		}

		var held Lease
		if err := json.Unmarshal(existing, &held); err != nil {
			return b.Delete(key)
		}
		if held.Token != lease.Token {
			return ErrLeaseExpired
		}
		return b.Delete(key)
	})
}

// Held reports whether a live lease currently exists for the message.
func (ll *LeaseLock) Held(accountID int64, messageUID uint32) bool {
	data, err := ll.store.Get(kvstore.BucketLeases, leaseKey(accountID, messageUID))
	if err != nil {
		return false
	}
	var held Lease
	if err := json.Unmarshal(data, &held); err != nil {
		return false
	}
	return ll.now().Before(held.ExpiresAt)
}
