package relate

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/maildraft/maildraft/internal/database"
	"github.com/maildraft/maildraft/internal/imapx"
	"github.com/maildraft/maildraft/pkg/models"
)

// ContactReader looks up the sender in the user's contacts.
type ContactReader interface {
	GetContactByEmail(ctx context.Context, userID int64, email string) (*models.Contact, error)
}

// Resolver maps a sender to a relationship category. A user-specified
// contact override always wins over auto-detection.
type Resolver struct {
	contacts ContactReader
	logger   *slog.Logger
}

// NewResolver creates a relationship resolver
func NewResolver(contacts ContactReader, logger *slog.Logger) *Resolver {
	return &Resolver{
		contacts: contacts,
		logger:   logger.With("component", "relate"),
	}
}

// Resolve returns the relationship between the account owner and the sender.
func (r *Resolver) Resolve(ctx context.Context, userID int64, account *models.Account, sender models.EmailAddress, signal *models.MessageSignal) (string, error) {
	contact, err := r.contacts.GetContactByEmail(ctx, userID, sender.Address)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return "", err
	}
	if contact != nil && contact.Relationship != "" {
		return contact.Relationship, nil
	}

	relationship := r.classify(account, sender, signal)
	r.logger.Debug("relationship classified",
		"sender", sender.Address, "relationship", relationship)
	return relationship, nil
}

// vendorKeywords mark transactional or commercial senders.
var vendorKeywords = []string{
	"noreply", "no-reply", "billing", "invoice", "support", "sales",
	"notifications", "newsletter", "marketing", "info@", "donotreply",
}

// classify is the heuristic fallback for unknown senders.
func (r *Resolver) classify(account *models.Account, sender models.EmailAddress, signal *models.MessageSignal) string {
	addr := strings.ToLower(sender.Address)

	for _, kw := range vendorKeywords {
		if strings.Contains(addr, kw) {
			return models.RelationshipVendor
		}
	}

	// Same domain as the account owner reads as a colleague, except on
	// public mail providers where a shared domain means nothing.
	senderDomain := imapx.GetDomainFromEmail(addr)
	ownerDomain := imapx.GetDomainFromEmail(account.Email)
	if senderDomain != "" && senderDomain == ownerDomain && !publicDomains[senderDomain] {
		return models.RelationshipColleague
	}

	if signal == nil {
		return models.RelationshipUnknown
	}
	switch {
	case signal.Formality >= 0.7:
		return models.RelationshipClient
	case signal.Formality <= 0.3 && (signal.EmojiCount > 0 || signal.ContractionCount > 2):
		return models.RelationshipFriend
	default:
		return models.RelationshipUnknown
	}
}

var publicDomains = map[string]bool{
	"gmail.com":   true,
	"outlook.com": true,
	"hotmail.com": true,
	"yahoo.com":   true,
	"icloud.com":  true,
	"aol.com":     true,
	"gmx.com":     true,
	"web.de":      true,
}
