package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/maildraft/maildraft/internal/extract"
	"github.com/maildraft/maildraft/internal/imapx"
	"github.com/maildraft/maildraft/internal/relate"
	"github.com/maildraft/maildraft/pkg/models"
)

// SentReader lists recent messages from the account's sent folder.
// Satisfied by imapx.MailboxOps.
type SentReader interface {
	FetchRecent(ctx context.Context, accountID int64, folder string, limit int) ([]*models.EmailMessage, error)
}

// StyleWriter persists learned relationship styles. Satisfied by database.DB.
type StyleWriter interface {
	GetAccountByID(ctx context.Context, id int64) (*models.Account, error)
	UpsertRelationshipStyle(ctx context.Context, style *models.RelationshipStyle) error
}

// ExampleWriter stores embedded writing examples. Satisfied by vector.Client.
type ExampleWriter interface {
	Upsert(ctx context.Context, id string, vec []float32, meta map[string]any) error
}

// ProfileBuilder learns how the user writes by reading their sent mail:
// per-relationship tone profiles for the style aggregator, plus embedded
// examples for similarity retrieval.
type ProfileBuilder struct {
	mail        SentReader
	db          StyleWriter
	extractor   *extract.Extractor
	relate      *relate.Resolver
	llm         LLM
	examples    ExampleWriter
	sampleLimit int
	logger      *slog.Logger
}

// NewProfileBuilder creates a tone-profile builder
func NewProfileBuilder(mail SentReader, db StyleWriter, extractor *extract.Extractor, resolver *relate.Resolver, llm LLM, examples ExampleWriter, sampleLimit int, logger *slog.Logger) *ProfileBuilder {
	if sampleLimit <= 0 {
		sampleLimit = 50
	}
	return &ProfileBuilder{
		mail:        mail,
		db:          db,
		extractor:   extractor,
		relate:      resolver,
		llm:         llm,
		examples:    examples,
		sampleLimit: sampleLimit,
		logger:      logger.With("component", "profile_builder"),
	}
}

// bucket accumulates signal over one relationship's sampled messages.
type bucket struct {
	count         int
	withEmoji     int
	formality     float64
	words         int
	contractions  int
	greetingVotes map[string]int
	closingVotes  map[string]int
}

// Rebuild re-learns the account's tone profiles from its recent sent mail.
func (pb *ProfileBuilder) Rebuild(ctx context.Context, accountID int64) error {
	account, err := pb.db.GetAccountByID(ctx, accountID)
	if err != nil {
		return fmt.Errorf("failed to load account: %w", err)
	}
	log := pb.logger.With("account_id", accountID)

	folder := imapx.ResolveSentFolder(account.Email)
	msgs, err := pb.mail.FetchRecent(ctx, accountID, folder, pb.sampleLimit)
	if err != nil {
		return fmt.Errorf("failed to read sent folder: %w", err)
	}

	buckets := make(map[string]*bucket)
	for _, msg := range msgs {
		if len(msg.To) == 0 {
			continue
		}
		signal, err := pb.extractor.Extract(msg)
		if err != nil || signal.CleanText == "" {
			continue
		}

		// Sent mail: the recipient determines the relationship.
		relationship, err := pb.relate.Resolve(ctx, account.UserID, account, msg.To[0], nil)
		if err != nil {
			log.Warn("skipping message, relationship unresolved", "uid", msg.UID, "error", err)
			continue
		}

		b := buckets[relationship]
		if b == nil {
			b = &bucket{greetingVotes: make(map[string]int), closingVotes: make(map[string]int)}
			buckets[relationship] = b
		}
		b.count++
		b.formality += signal.Formality
		b.words += signal.WordCount
		b.contractions += signal.ContractionCount
		if signal.EmojiCount > 0 {
			b.withEmoji++
		}
		if signal.Greeting != "" {
			b.greetingVotes[signal.Greeting]++
		}
		if signal.Closing != "" {
			b.closingVotes[signal.Closing]++
		}

		pb.storeExample(ctx, account, folder, msg, relationship, signal, log)
	}

	for relationship, b := range buckets {
		style := &models.RelationshipStyle{
			UserID:       account.UserID,
			Relationship: relationship,
			Greeting:     topVote(b.greetingVotes),
			Closing:      topVote(b.closingVotes),
			Formality:    b.formality / float64(b.count),
			EmojiRate:    float64(b.withEmoji) / float64(b.count),
			AvgWordCount: float64(b.words) / float64(b.count),
			SampleCount:  b.count,
		}
		if b.words > 0 {
			style.ContractionRate = float64(b.contractions) / float64(b.words)
		}
		if err := pb.db.UpsertRelationshipStyle(ctx, style); err != nil {
			return fmt.Errorf("failed to store style for %s: %w", relationship, err)
		}
	}

	log.Info("tone profiles rebuilt", "messages", len(msgs), "relationships", len(buckets))
	return nil
}

// storeExample embeds one sent message and upserts it into the similarity
// index. Failures lose one example, not the rebuild.
func (pb *ProfileBuilder) storeExample(ctx context.Context, account *models.Account, folder string, msg *models.EmailMessage, relationship string, signal *models.MessageSignal, log *slog.Logger) {
	vec, err := pb.llm.Embed(ctx, signal.CleanText)
	if err != nil {
		log.Warn("skipping example, embedding failed", "uid", msg.UID, "error", err)
		return
	}

	// Deterministic ID so a rebuild overwrites instead of duplicating.
	id := fmt.Sprintf("%d:%s:%d", account.ID, folder, msg.UID)
	meta := map[string]any{
		"user_id":      account.UserID,
		"account_id":   account.ID,
		"relationship": relationship,
		"text":         signal.CleanText,
	}
	if err := pb.examples.Upsert(ctx, id, vec, meta); err != nil {
		log.Warn("skipping example, upsert failed", "uid", msg.UID, "error", err)
	}
}

func topVote(votes map[string]int) string {
	var best string
	var bestCount int
	for v, n := range votes {
		if n > bestCount || (n == bestCount && v < best) {
			best, bestCount = v, n
		}
	}
	return best
}
