package compose

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maildraft/maildraft/pkg/models"
)

func originalMessage() *models.EmailMessage {
	return &models.EmailMessage{
		MessageID: "<abc123@example.org>",
		From:      models.EmailAddress{Name: "Alice", Address: "alice@example.org"},
		To: []models.EmailAddress{
			{Address: "owner@example.com"},
			{Name: "Bob", Address: "bob@example.org"},
		},
		Cc:       []models.EmailAddress{{Address: "carol@example.org"}},
		Subject:  "Planning",
		Date:     time.Date(2025, 3, 10, 9, 30, 0, 0, time.UTC),
		BodyText: "First line.\nSecond line.",
	}
}

func TestReplySubject(t *testing.T) {
	assert.Equal(t, "Re: Planning", ReplySubject("Planning"))
	assert.Equal(t, "Re: Planning", ReplySubject("Re: Planning"))
	assert.Equal(t, "RE: Planning", ReplySubject("RE: Planning"))
	assert.Equal(t, "Re: x", ReplySubject("  x  "))
}

func TestRecipientsReplyOnly(t *testing.T) {
	to, cc := Recipients(originalMessage(), "owner@example.com", false)
	require.Len(t, to, 1)
	assert.Equal(t, "alice@example.org", to[0].Address)
	assert.Empty(t, cc)
}

func TestRecipientsReplyAll(t *testing.T) {
	to, cc := Recipients(originalMessage(), "owner@example.com", true)

	var toAddrs []string
	for _, a := range to {
		toAddrs = append(toAddrs, a.Address)
	}
	// Sender first, then the To list minus the owner.
	assert.Equal(t, []string{"alice@example.org", "bob@example.org"}, toAddrs)

	require.Len(t, cc, 1)
	assert.Equal(t, "carol@example.org", cc[0].Address)
}

func TestRecipientsDeduplicates(t *testing.T) {
	original := originalMessage()
	original.Cc = append(original.Cc, models.EmailAddress{Address: "ALICE@example.org"})

	to, cc := Recipients(original, "owner@example.com", true)
	total := len(to) + len(cc)
	assert.Equal(t, 3, total) // alice, bob, carol; no dupes, no owner
}

func TestQuoteOriginal(t *testing.T) {
	quoted := QuoteOriginal(originalMessage())

	assert.True(t, strings.HasPrefix(quoted, "On Mon, 10 Mar 2025 at 09:30, Alice <alice@example.org> wrote:"))
	assert.Contains(t, quoted, "> First line.")
	assert.Contains(t, quoted, "> Second line.")
}

func TestBuildReply(t *testing.T) {
	c := NewComposer()
	account := &models.Account{ID: 1, UserID: 1, Email: "owner@example.com"}
	draft := &models.DraftResponse{
		Action:     models.ActionReply,
		Body:       "Works for me, let's do Thursday.",
		Confidence: 0.9,
	}

	raw, err := c.BuildReply(originalMessage(), account, draft, false)
	require.NoError(t, err)
	msg := string(raw)

	assert.Contains(t, msg, "From: <owner@example.com>")
	assert.Contains(t, msg, "To: <alice@example.org>")
	assert.Contains(t, msg, "Subject: Re: Planning")
	assert.Contains(t, msg, "In-Reply-To: <abc123@example.org>")
	assert.Contains(t, msg, "References: <abc123@example.org>")
	assert.Contains(t, msg, "Works for me")
	assert.Contains(t, msg, "> First line.")
	assert.NotContains(t, msg, "bob@example.org")
}

func TestBuildReplyAllCarriesEveryone(t *testing.T) {
	c := NewComposer()
	account := &models.Account{ID: 1, UserID: 1, Email: "owner@example.com"}
	draft := &models.DraftResponse{Action: models.ActionReplyAll, Body: "Noted."}

	raw, err := c.BuildReply(originalMessage(), account, draft, true)
	require.NoError(t, err)
	msg := string(raw)

	assert.Contains(t, msg, "alice@example.org")
	assert.Contains(t, msg, "bob@example.org")
	assert.Contains(t, msg, "Cc: <carol@example.org>")
	assert.NotContains(t, msg, "To: <owner@example.com>")
}

func TestBuildReplyUsesDraftSubject(t *testing.T) {
	c := NewComposer()
	account := &models.Account{ID: 1, UserID: 1, Email: "owner@example.com"}
	draft := &models.DraftResponse{Action: models.ActionReply, Body: "ok", Subject: "Re: something else"}

	raw, err := c.BuildReply(originalMessage(), account, draft, false)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "Subject: Re: something else")
}
