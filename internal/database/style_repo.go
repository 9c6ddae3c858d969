package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/maildraft/maildraft/pkg/models"
)

// GetRelationshipStyle returns the learned style for one (user, relationship) pair
func (db *DB) GetRelationshipStyle(ctx context.Context, userID int64, relationship string) (*models.RelationshipStyle, error) {
	var style models.RelationshipStyle
	query := `SELECT * FROM relationship_styles WHERE user_id = ? AND relationship = ?`
	err := db.GetContext(ctx, &style, query, userID, relationship)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get relationship style: %w", err)
	}
	return &style, nil
}

// UpsertRelationshipStyle creates or replaces the learned style for one
// (user, relationship) pair. Written by the tone-profile rebuild job.
func (db *DB) UpsertRelationshipStyle(ctx context.Context, style *models.RelationshipStyle) error {
	query := `
		INSERT INTO relationship_styles (user_id, relationship, greeting, closing, formality, emoji_rate, contraction_rate, avg_word_count, sample_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, relationship) DO UPDATE SET
			greeting = excluded.greeting,
			closing = excluded.closing,
			formality = excluded.formality,
			emoji_rate = excluded.emoji_rate,
			contraction_rate = excluded.contraction_rate,
			avg_word_count = excluded.avg_word_count,
			sample_count = excluded.sample_count,
			updated_at = excluded.updated_at
	`
	_, err := db.ExecContext(ctx, query,
		style.UserID,
		style.Relationship,
		style.Greeting,
		style.Closing,
		style.Formality,
		style.EmojiRate,
		style.ContractionRate,
		style.AvgWordCount,
		style.SampleCount,
		time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert relationship style: %w", err)
	}
	return nil
}
