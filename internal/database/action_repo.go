package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/maildraft/maildraft/pkg/models"
)

// UpsertActionRecord records the outcome of processing one message.
// Keyed by (account_id, message_uid) so duplicate triggers never duplicate rows.
func (db *DB) UpsertActionRecord(ctx context.Context, rec *models.ActionRecord) error {
	query := `
		INSERT INTO action_records (account_id, message_uid, message_id, action_taken, destination, relationship, error_detail, processed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, message_uid) DO UPDATE SET
			message_id = excluded.message_id,
			action_taken = excluded.action_taken,
			destination = excluded.destination,
			relationship = excluded.relationship,
			error_detail = excluded.error_detail,
			processed_at = excluded.processed_at
	`
	now := time.Now()
	_, err := db.ExecContext(ctx, query,
		rec.AccountID,
		rec.MessageUID,
		rec.MessageID,
		rec.ActionTaken,
		rec.Destination,
		rec.Relationship,
		rec.ErrorDetail,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert action record: %w", err)
	}
	rec.ProcessedAt = now
	return nil
}

// GetActionRecord returns the outcome for one message, if any
func (db *DB) GetActionRecord(ctx context.Context, accountID int64, messageUID uint32) (*models.ActionRecord, error) {
	var rec models.ActionRecord
	query := `SELECT * FROM action_records WHERE account_id = ? AND message_uid = ?`
	err := db.GetContext(ctx, &rec, query, accountID, messageUID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get action record: %w", err)
	}
	return &rec, nil
}

// GetActionRecordsByAccount returns recent outcomes for an account.
// The inbox listing collaborator uses this to filter already-handled messages.
func (db *DB) GetActionRecordsByAccount(ctx context.Context, accountID int64, limit int) ([]*models.ActionRecord, error) {
	var recs []*models.ActionRecord
	query := `SELECT * FROM action_records WHERE account_id = ? ORDER BY processed_at DESC LIMIT ?`
	err := db.SelectContext(ctx, &recs, query, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get action records: %w", err)
	}
	return recs, nil
}
