package database

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maildraft/maildraft/pkg/models"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(context.Background()))
	return db
}

func TestMigrateIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Migrate(context.Background()))
}

func TestAccountRoundTrip(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	account := &models.Account{
		UserID:     1,
		Email:      "owner@example.com",
		AuthMethod: models.AuthPassword,
		Password:   "sealed",
		IMAPServer: "imap.example.com:993",
	}
	require.NoError(t, db.CreateAccount(ctx, account))
	require.NotZero(t, account.ID)

	got, err := db.GetAccountByID(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, "owner@example.com", got.Email)
	assert.Equal(t, models.AuthPassword, got.AuthMethod)

	_, err = db.GetAccountByID(ctx, account.ID+1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMonitoredAccountFiltering(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	watched := &models.Account{UserID: 1, Email: "a@example.com", IMAPServer: "x:993", MonitoringEnabled: true}
	idle := &models.Account{UserID: 1, Email: "b@example.com", IMAPServer: "x:993"}
	require.NoError(t, db.CreateAccount(ctx, watched))
	require.NoError(t, db.CreateAccount(ctx, idle))

	monitored, err := db.GetMonitoredAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, monitored, 1)
	assert.Equal(t, watched.ID, monitored[0].ID)

	require.NoError(t, db.SetAccountMonitoring(ctx, idle.ID, true))
	monitored, err = db.GetMonitoredAccounts(ctx)
	require.NoError(t, err)
	assert.Len(t, monitored, 2)
}

func TestUpdateAccountLastUID(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	account := &models.Account{UserID: 1, Email: "a@example.com", IMAPServer: "x:993"}
	require.NoError(t, db.CreateAccount(ctx, account))

	require.NoError(t, db.UpdateAccountLastUID(ctx, account.ID, 4200))
	got, err := db.GetAccountByID(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, uint32(4200), got.LastUID)
}

func TestUpsertActionRecordNeverDuplicates(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	account := &models.Account{UserID: 1, Email: "a@example.com", IMAPServer: "x:993"}
	require.NoError(t, db.CreateAccount(ctx, account))

	first := &models.ActionRecord{
		AccountID:   account.ID,
		MessageUID:  42,
		ActionTaken: models.ActionError,
		ErrorDetail: "provider timeout",
	}
	require.NoError(t, db.UpsertActionRecord(ctx, first))

	// Reprocessing the same message overwrites the outcome in place.
	second := &models.ActionRecord{
		AccountID:   account.ID,
		MessageUID:  42,
		ActionTaken: models.ActionReply,
		Destination: "Drafts",
	}
	require.NoError(t, db.UpsertActionRecord(ctx, second))

	records, err := db.GetActionRecordsByAccount(ctx, account.ID, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, models.ActionReply, records[0].ActionTaken)
	assert.Equal(t, "Drafts", records[0].Destination)
	assert.Empty(t, records[0].ErrorDetail)

	got, err := db.GetActionRecord(ctx, account.ID, 42)
	require.NoError(t, err)
	assert.Equal(t, models.ActionReply, got.ActionTaken)
}

func TestContactUpsert(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	contact := &models.Contact{UserID: 1, Email: "boss@acme.io", Relationship: models.RelationshipColleague}
	require.NoError(t, db.UpsertContact(ctx, contact))

	contact.Relationship = models.RelationshipClient
	require.NoError(t, db.UpsertContact(ctx, contact))

	got, err := db.GetContactByEmail(ctx, 1, "boss@acme.io")
	require.NoError(t, err)
	assert.Equal(t, models.RelationshipClient, got.Relationship)

	_, err = db.GetContactByEmail(ctx, 2, "boss@acme.io")
	assert.ErrorIs(t, err, ErrNotFound)
}
