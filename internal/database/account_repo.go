package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/maildraft/maildraft/pkg/models"
)

// ErrNotFound is returned when a record is not found
var ErrNotFound = errors.New("record not found")

// CreateAccount creates a new mailbox account
func (db *DB) CreateAccount(ctx context.Context, account *models.Account) error {
	query := `
		INSERT INTO accounts (user_id, email, auth_method, password, token_ref, imap_server, drafts_folder, monitoring_enabled, last_uid, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	now := time.Now()
	result, err := db.ExecContext(ctx, query,
		account.UserID,
		account.Email,
		account.AuthMethod,
		account.Password,
		account.TokenRef,
		account.IMAPServer,
		account.DraftsFolder,
		account.MonitoringEnabled,
		account.LastUID,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	account.ID = id
	account.CreatedAt = now
	account.UpdatedAt = now
	return nil
}

// GetAccountByID returns an account by ID
func (db *DB) GetAccountByID(ctx context.Context, id int64) (*models.Account, error) {
	var account models.Account
	query := `SELECT * FROM accounts WHERE id = ?`
	err := db.GetContext(ctx, &account, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &account, nil
}

// GetAccountsByUserID returns all accounts owned by a user
func (db *DB) GetAccountsByUserID(ctx context.Context, userID int64) ([]*models.Account, error) {
	var accounts []*models.Account
	query := `SELECT * FROM accounts WHERE user_id = ? ORDER BY created_at DESC`
	err := db.SelectContext(ctx, &accounts, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get accounts: %w", err)
	}
	return accounts, nil
}

// GetAllAccounts returns every account, monitored or not. Used by the
// scheduler reconciliation pass.
func (db *DB) GetAllAccounts(ctx context.Context) ([]*models.Account, error) {
	var accounts []*models.Account
	query := `SELECT * FROM accounts`
	err := db.SelectContext(ctx, &accounts, query)
	if err != nil {
		return nil, fmt.Errorf("failed to get accounts: %w", err)
	}
	return accounts, nil
}

// GetMonitoredAccounts returns all accounts with monitoring enabled
func (db *DB) GetMonitoredAccounts(ctx context.Context) ([]*models.Account, error) {
	var accounts []*models.Account
	query := `SELECT * FROM accounts WHERE monitoring_enabled = true`
	err := db.SelectContext(ctx, &accounts, query)
	if err != nil {
		return nil, fmt.Errorf("failed to get monitored accounts: %w", err)
	}
	return accounts, nil
}

// UpdateAccountLastUID updates the highest UID handed to the pipeline
func (db *DB) UpdateAccountLastUID(ctx context.Context, id int64, uid uint32) error {
	query := `UPDATE accounts SET last_uid = ?, updated_at = ? WHERE id = ?`
	_, err := db.ExecContext(ctx, query, uid, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update last uid: %w", err)
	}
	return nil
}

// SetAccountMonitoring sets the monitoring flag of an account
func (db *DB) SetAccountMonitoring(ctx context.Context, id int64, enabled bool) error {
	query := `UPDATE accounts SET monitoring_enabled = ?, updated_at = ? WHERE id = ?`
	_, err := db.ExecContext(ctx, query, enabled, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to set account monitoring: %w", err)
	}
	return nil
}

// DeleteAccount deletes an account
func (db *DB) DeleteAccount(ctx context.Context, id int64) error {
	query := `DELETE FROM accounts WHERE id = ?`
	_, err := db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	return nil
}
