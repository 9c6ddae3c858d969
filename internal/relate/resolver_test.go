package relate

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maildraft/maildraft/internal/database"
	"github.com/maildraft/maildraft/pkg/models"
)

type fakeContacts struct {
	contacts map[string]*models.Contact
}

func (f *fakeContacts) GetContactByEmail(_ context.Context, _ int64, email string) (*models.Contact, error) {
	if c, ok := f.contacts[email]; ok {
		return c, nil
	}
	return nil, database.ErrNotFound
}

func newTestResolver(contacts map[string]*models.Contact) *Resolver {
	return NewResolver(&fakeContacts{contacts: contacts}, slog.Default())
}

var corpAccount = &models.Account{ID: 1, UserID: 1, Email: "owner@acme.io"}

func TestContactOverrideWins(t *testing.T) {
	r := newTestResolver(map[string]*models.Contact{
		"billing@hostco.example": {Relationship: models.RelationshipFamily},
	})

	// The address looks like a vendor, but the user said family.
	got, err := r.Resolve(context.Background(), 1, corpAccount,
		models.EmailAddress{Address: "billing@hostco.example"}, nil)
	require.NoError(t, err)
	assert.Equal(t, models.RelationshipFamily, got)
}

func TestVendorKeywords(t *testing.T) {
	r := newTestResolver(nil)

	for _, addr := range []string{
		"noreply@shop.example",
		"billing@provider.example",
		"newsletter@news.example",
	} {
		got, err := r.Resolve(context.Background(), 1, corpAccount,
			models.EmailAddress{Address: addr}, nil)
		require.NoError(t, err)
		assert.Equal(t, models.RelationshipVendor, got, addr)
	}
}

func TestSameDomainIsColleague(t *testing.T) {
	r := newTestResolver(nil)

	got, err := r.Resolve(context.Background(), 1, corpAccount,
		models.EmailAddress{Address: "peer@acme.io"}, nil)
	require.NoError(t, err)
	assert.Equal(t, models.RelationshipColleague, got)
}

func TestSharedPublicDomainMeansNothing(t *testing.T) {
	r := newTestResolver(nil)
	gmailAccount := &models.Account{ID: 1, UserID: 1, Email: "owner@gmail.com"}

	got, err := r.Resolve(context.Background(), 1, gmailAccount,
		models.EmailAddress{Address: "stranger@gmail.com"}, nil)
	require.NoError(t, err)
	assert.NotEqual(t, models.RelationshipColleague, got)
}

func TestFormalSignalReadsAsClient(t *testing.T) {
	r := newTestResolver(nil)

	got, err := r.Resolve(context.Background(), 1, corpAccount,
		models.EmailAddress{Address: "somebody@other.example"},
		&models.MessageSignal{Formality: 0.85})
	require.NoError(t, err)
	assert.Equal(t, models.RelationshipClient, got)
}

func TestCasualSignalReadsAsFriend(t *testing.T) {
	r := newTestResolver(nil)

	got, err := r.Resolve(context.Background(), 1, corpAccount,
		models.EmailAddress{Address: "somebody@other.example"},
		&models.MessageSignal{Formality: 0.2, EmojiCount: 2})
	require.NoError(t, err)
	assert.Equal(t, models.RelationshipFriend, got)
}

func TestNoSignalIsUnknown(t *testing.T) {
	r := newTestResolver(nil)

	got, err := r.Resolve(context.Background(), 1, corpAccount,
		models.EmailAddress{Address: "somebody@other.example"}, nil)
	require.NoError(t, err)
	assert.Equal(t, models.RelationshipUnknown, got)
}
