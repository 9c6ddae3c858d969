package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/maildraft/maildraft/pkg/models"
)

// GetContactByEmail returns a user's contact by sender address
func (db *DB) GetContactByEmail(ctx context.Context, userID int64, email string) (*models.Contact, error) {
	var contact models.Contact
	query := `SELECT * FROM contacts WHERE user_id = ? AND email = ?`
	err := db.GetContext(ctx, &contact, query, userID, strings.ToLower(email))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get contact: %w", err)
	}
	return &contact, nil
}

// UpsertContact creates or updates a contact keyed by (user_id, email)
func (db *DB) UpsertContact(ctx context.Context, contact *models.Contact) error {
	query := `
		INSERT INTO contacts (user_id, email, name, relationship, style_json)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, email) DO UPDATE SET
			name = excluded.name,
			relationship = excluded.relationship,
			style_json = excluded.style_json
	`
	_, err := db.ExecContext(ctx, query,
		contact.UserID,
		strings.ToLower(contact.Email),
		contact.Name,
		contact.Relationship,
		contact.StyleJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert contact: %w", err)
	}
	return nil
}
