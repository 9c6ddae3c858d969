package styleagg

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/maildraft/maildraft/internal/database"
	"github.com/maildraft/maildraft/pkg/models"
)

// StyleReader loads learned relationship styles and contact overrides.
type StyleReader interface {
	GetRelationshipStyle(ctx context.Context, userID int64, relationship string) (*models.RelationshipStyle, error)
	GetContactByEmail(ctx context.Context, userID int64, email string) (*models.Contact, error)
}

// contactOverrides is the shape of a contact's style_json column.
type contactOverrides struct {
	Greeting        *string  `json:"greeting,omitempty"`
	Closing         *string  `json:"closing,omitempty"`
	Formality       *float64 `json:"formality,omitempty"`
	UseEmoji        *bool    `json:"use_emoji,omitempty"`
	UseContractions *bool    `json:"use_contractions,omitempty"`
	TargetLength    *int     `json:"target_length,omitempty"`
}

// Aggregator merges relationship-level learned style with per-person
// overrides into a single directive for the drafting prompt.
type Aggregator struct {
	styles StyleReader
	logger *slog.Logger
}

// NewAggregator creates a style aggregator
func NewAggregator(styles StyleReader, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		styles: styles,
		logger: logger.With("component", "styleagg"),
	}
}

// defaultDirective is the fallback when no style has been learned yet.
func defaultDirective(relationship string) models.StyleDirective {
	d := models.StyleDirective{
		Relationship:    relationship,
		Greeting:        "Hi",
		Closing:         "Best regards",
		Formality:       0.5,
		UseContractions: true,
		TargetLength:    120,
	}
	switch relationship {
	case models.RelationshipClient, models.RelationshipVendor:
		d.Greeting = "Dear"
		d.Formality = 0.8
		d.UseContractions = false
	case models.RelationshipFamily, models.RelationshipFriend:
		d.Greeting = "Hey"
		d.Closing = "Cheers"
		d.Formality = 0.2
		d.UseEmoji = true
		d.TargetLength = 60
	}
	return d
}

// Directive builds the style directive for one sender.
func (a *Aggregator) Directive(ctx context.Context, userID int64, relationship, senderEmail string) (models.StyleDirective, error) {
	directive := defaultDirective(relationship)

	style, err := a.styles.GetRelationshipStyle(ctx, userID, relationship)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return directive, err
	}
	if style != nil && style.SampleCount > 0 {
		if style.Greeting != "" {
			directive.Greeting = style.Greeting
		}
		if style.Closing != "" {
			directive.Closing = style.Closing
		}
		directive.Formality = style.Formality
		directive.UseEmoji = style.EmojiRate >= 0.2
		directive.UseContractions = style.ContractionRate >= 0.05
		if style.AvgWordCount > 0 {
			directive.TargetLength = int(style.AvgWordCount)
		}
	}

	// Per-person overrides win over the learned profile.
	contact, err := a.styles.GetContactByEmail(ctx, userID, senderEmail)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return directive, err
	}
	if contact != nil && contact.StyleJSON != "" {
		var overrides contactOverrides
		if err := json.Unmarshal([]byte(contact.StyleJSON), &overrides); err != nil {
			a.logger.Warn("ignoring unreadable style overrides",
				"contact_id", contact.ID, "error", err)
			return directive, nil
		}
		if overrides.Greeting != nil {
			directive.Greeting = *overrides.Greeting
		}
		if overrides.Closing != nil {
			directive.Closing = *overrides.Closing
		}
		if overrides.Formality != nil {
			directive.Formality = *overrides.Formality
		}
		if overrides.UseEmoji != nil {
			directive.UseEmoji = *overrides.UseEmoji
		}
		if overrides.UseContractions != nil {
			directive.UseContractions = *overrides.UseContractions
		}
		if overrides.TargetLength != nil {
			directive.TargetLength = *overrides.TargetLength
		}
	}

	return directive, nil
}
