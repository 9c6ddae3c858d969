package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maildraft/maildraft/internal/ai"
	"github.com/maildraft/maildraft/internal/compose"
	"github.com/maildraft/maildraft/internal/database"
	"github.com/maildraft/maildraft/internal/extract"
	"github.com/maildraft/maildraft/internal/kvstore"
	"github.com/maildraft/maildraft/internal/locks"
	"github.com/maildraft/maildraft/internal/relate"
	"github.com/maildraft/maildraft/internal/styleagg"
	"github.com/maildraft/maildraft/internal/vector"
	"github.com/maildraft/maildraft/pkg/models"
)

// --- stubs ---

type stubMail struct {
	mu       sync.Mutex
	msg      *models.EmailMessage
	fetchErr error
	appended []appendCall
	moved    []moveCall
}

type appendCall struct {
	folder string
	raw    []byte
}

type moveCall struct {
	uid  uint32
	dest string
}

func (s *stubMail) FetchMessage(_ context.Context, accountID int64, _ string, uid uint32) (*models.EmailMessage, error) {
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	msg := *s.msg
	msg.AccountID = accountID
	msg.UID = uid
	return &msg, nil
}

func (s *stubMail) AppendDraft(_ context.Context, _ int64, folder string, raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appended = append(s.appended, appendCall{folder: folder, raw: raw})
	return nil
}

func (s *stubMail) MoveMessage(_ context.Context, _ int64, _ string, uid uint32, dest string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.moved = append(s.moved, moveCall{uid: uid, dest: dest})
	return nil
}

type stubStore struct {
	mu      sync.Mutex
	account *models.Account
	records []*models.ActionRecord
}

func (s *stubStore) GetAccountByID(_ context.Context, id int64) (*models.Account, error) {
	if s.account == nil || s.account.ID != id {
		return nil, database.ErrNotFound
	}
	account := *s.account
	return &account, nil
}

func (s *stubStore) UpsertActionRecord(_ context.Context, rec *models.ActionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *stubStore) lastRecord() *models.ActionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.records) == 0 {
		return nil
	}
	return s.records[len(s.records)-1]
}

func (s *stubStore) recordCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// noContacts backs the relationship resolver and style aggregator with an
// empty contact book.
type noContacts struct{}

func (noContacts) GetContactByEmail(_ context.Context, _ int64, _ string) (*models.Contact, error) {
	return nil, database.ErrNotFound
}

func (noContacts) GetRelationshipStyle(_ context.Context, _ int64, _ string) (*models.RelationshipStyle, error) {
	return nil, database.ErrNotFound
}

type stubLLM struct {
	mu        sync.Mutex
	responses []generateResult // Consumed in order; last repeats
	calls     int
	embedErr  error
	delay     time.Duration
}

type generateResult struct {
	draft *models.DraftResponse
	err   error
}

func (s *stubLLM) Generate(_ context.Context, _, _ string) (*models.DraftResponse, error) {
	s.mu.Lock()
	idx := s.calls
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	s.calls++
	res := s.responses[idx]
	delay := s.delay
	s.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	return res.draft, res.err
}

func (s *stubLLM) Embed(_ context.Context, _ string) ([]float32, error) {
	if s.embedErr != nil {
		return nil, s.embedErr
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

func (s *stubLLM) generateCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubSearch struct {
	results []vector.ScoredExample
	err     error
}

func (s *stubSearch) Search(_ context.Context, _ int64, _ []float32, _ string, _ int, _ float64) ([]vector.ScoredExample, error) {
	return s.results, s.err
}

type captureEvents struct {
	mu     sync.Mutex
	events []models.Event
}

func (c *captureEvents) Broadcast(_ int64, event models.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *captureEvents) ofType(t models.EventType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

// --- fixture ---

type fixture struct {
	processor *Processor
	mail      *stubMail
	store     *stubStore
	llm       *stubLLM
	lock      *locks.LeaseLock
	events    *captureEvents
}

func testMessage() *models.EmailMessage {
	return &models.EmailMessage{
		MessageID: "<orig@example.org>",
		From:      models.EmailAddress{Name: "Alice", Address: "alice@example.org"},
		To:        []models.EmailAddress{{Address: "owner@example.com"}},
		Subject:   "Quarterly report",
		Date:      time.Date(2025, 3, 10, 9, 30, 0, 0, time.UTC),
		BodyText:  "Hi,\n\nCould you send over the quarterly report when you have a minute?\n\nThanks,\nAlice",
	}
}

func newFixture(t *testing.T, llm *stubLLM) *fixture {
	t.Helper()

	store, err := kvstore.Open(filepath.Join(t.TempDir(), "test.kv"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	logger := slog.Default()
	f := &fixture{
		mail: &stubMail{msg: testMessage()},
		store: &stubStore{account: &models.Account{
			ID:           10,
			UserID:       1,
			Email:        "owner@example.com",
			DraftsFolder: "Drafts",
		}},
		llm:    llm,
		lock:   locks.NewLeaseLock(store, time.Minute, logger),
		events: &captureEvents{},
	}

	f.processor = NewProcessor(
		f.mail,
		f.store,
		f.lock,
		extract.NewExtractor(),
		relate.NewResolver(noContacts{}, logger),
		styleagg.NewAggregator(noContacts{}, logger),
		compose.NewComposer(),
		f.llm,
		&stubSearch{},
		f.events,
		Config{GenerateRetries: 1, ExampleLimit: 5},
		logger,
	)
	return f
}

func replyLLM() *stubLLM {
	return &stubLLM{responses: []generateResult{{draft: &models.DraftResponse{
		Action:     models.ActionReply,
		Body:       "Of course, I will send it over this afternoon.",
		Confidence: 0.9,
	}}}}
}

// --- tests ---

func TestProcessReplySavesDraft(t *testing.T) {
	f := newFixture(t, replyLLM())

	res, err := f.processor.Process(context.Background(), Request{AccountID: 10, MessageUID: 42})
	require.NoError(t, err)
	require.False(t, res.Skipped)

	assert.Equal(t, models.ActionReply, res.Action)
	assert.Equal(t, "Drafts", res.Destination)

	require.Len(t, f.mail.appended, 1)
	assert.Equal(t, "Drafts", f.mail.appended[0].folder)
	raw := string(f.mail.appended[0].raw)
	assert.Contains(t, raw, `To: "Alice" <alice@example.org>`)
	assert.Contains(t, raw, "Subject: Re: Quarterly report")
	assert.Contains(t, raw, "I will send it over this afternoon")

	rec := f.store.lastRecord()
	require.NotNil(t, rec)
	assert.Equal(t, models.ActionReply, rec.ActionTaken)
	assert.Equal(t, "Drafts", rec.Destination)
	assert.Equal(t, "<orig@example.org>", rec.MessageID)
	assert.NotEmpty(t, rec.Relationship)

	assert.False(t, f.lock.Held(10, 42))
	assert.Equal(t, 1, f.events.ofType(models.EventMessageHandled))
}

func TestProcessHeldMessageIsSkipped(t *testing.T) {
	f := newFixture(t, replyLLM())

	_, err := f.lock.TryAcquire(10, 42)
	require.NoError(t, err)

	res, err := f.processor.Process(context.Background(), Request{AccountID: 10, MessageUID: 42})
	require.NoError(t, err)
	assert.True(t, res.Skipped)

	// A skipped request does nothing at all.
	assert.Empty(t, f.mail.appended)
	assert.Equal(t, 0, f.store.recordCount())
	assert.Equal(t, 0, f.llm.generateCalls())
}

func TestConcurrentProcessExactlyOneExecutes(t *testing.T) {
	llm := replyLLM()
	llm.delay = 50 * time.Millisecond
	f := newFixture(t, llm)

	const contenders = 8
	var processed, skipped atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.processor.Process(context.Background(), Request{AccountID: 10, MessageUID: 42})
			if !assert.NoError(t, err) {
				return
			}
			if res.Skipped {
				skipped.Add(1)
			} else {
				processed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), processed.Load())
	assert.Equal(t, int32(contenders-1), skipped.Load())
	assert.Len(t, f.mail.appended, 1)
	assert.Equal(t, 1, f.store.recordCount())
}

func TestMalformedOutputRetriesOnceThenFails(t *testing.T) {
	llm := &stubLLM{responses: []generateResult{
		{err: fmt.Errorf("%w: not json", ai.ErrMalformedOutput)},
	}}
	f := newFixture(t, llm)

	_, err := f.processor.Process(context.Background(), Request{AccountID: 10, MessageUID: 42})
	require.Error(t, err)

	// One retry, two attempts total.
	assert.Equal(t, 2, f.llm.generateCalls())

	rec := f.store.lastRecord()
	require.NotNil(t, rec)
	assert.Equal(t, models.ActionError, rec.ActionTaken)
	assert.Contains(t, rec.ErrorDetail, "not json")
	assert.False(t, f.lock.Held(10, 42))
}

func TestMalformedOutputThenValidSucceeds(t *testing.T) {
	llm := &stubLLM{responses: []generateResult{
		{err: fmt.Errorf("%w: truncated", ai.ErrMalformedOutput)},
		{draft: &models.DraftResponse{Action: models.ActionIgnore, Confidence: 0.8}},
	}}
	f := newFixture(t, llm)

	res, err := f.processor.Process(context.Background(), Request{AccountID: 10, MessageUID: 42})
	require.NoError(t, err)
	assert.Equal(t, models.ActionIgnore, res.Action)
	assert.Equal(t, 2, f.llm.generateCalls())
}

func TestProcessMoveRoutesMessage(t *testing.T) {
	llm := &stubLLM{responses: []generateResult{{draft: &models.DraftResponse{
		Action:     models.ActionMove,
		MoveTo:     "Receipts",
		Confidence: 0.7,
	}}}}
	f := newFixture(t, llm)

	res, err := f.processor.Process(context.Background(), Request{AccountID: 10, MessageUID: 42})
	require.NoError(t, err)

	assert.Equal(t, models.ActionMove, res.Action)
	assert.Equal(t, "Receipts", res.Destination)
	require.Len(t, f.mail.moved, 1)
	assert.Equal(t, uint32(42), f.mail.moved[0].uid)
	assert.Equal(t, "Receipts", f.mail.moved[0].dest)
	assert.Empty(t, f.mail.appended)
}

func TestProcessIgnoreOnlyRecords(t *testing.T) {
	llm := &stubLLM{responses: []generateResult{{draft: &models.DraftResponse{
		Action:     models.ActionIgnore,
		Confidence: 0.95,
	}}}}
	f := newFixture(t, llm)

	res, err := f.processor.Process(context.Background(), Request{AccountID: 10, MessageUID: 42})
	require.NoError(t, err)

	assert.Equal(t, models.ActionIgnore, res.Action)
	assert.Empty(t, f.mail.appended)
	assert.Empty(t, f.mail.moved)

	rec := f.store.lastRecord()
	require.NotNil(t, rec)
	assert.Equal(t, models.ActionIgnore, rec.ActionTaken)
}

func TestFetchFailureRecordsError(t *testing.T) {
	f := newFixture(t, replyLLM())
	f.mail.fetchErr = errors.New("connection reset")

	_, err := f.processor.Process(context.Background(), Request{AccountID: 10, MessageUID: 42})
	require.Error(t, err)

	rec := f.store.lastRecord()
	require.NotNil(t, rec)
	assert.Equal(t, models.ActionError, rec.ActionTaken)
	assert.Contains(t, rec.ErrorDetail, "connection reset")
	assert.False(t, f.lock.Held(10, 42))
	assert.Equal(t, 0, f.llm.generateCalls())
}

func TestRetrievalFailureDegradesGracefully(t *testing.T) {
	llm := replyLLM()
	llm.embedErr = errors.New("embeddings down")
	f := newFixture(t, llm)

	res, err := f.processor.Process(context.Background(), Request{AccountID: 10, MessageUID: 42})
	require.NoError(t, err)
	assert.Equal(t, models.ActionReply, res.Action)
}

// reclaimedLock simulates a lease that expired and was taken over mid-flight.
type reclaimedLock struct{}

func (reclaimedLock) TryAcquire(accountID int64, messageUID uint32) (*locks.Lease, error) {
	return &locks.Lease{Token: "stale", AccountID: accountID, MessageUID: messageUID}, nil
}

func (reclaimedLock) Release(_ *locks.Lease) error {
	return locks.ErrLeaseExpired
}

func TestReclaimedLeaseDiscardsOutcome(t *testing.T) {
	f := newFixture(t, replyLLM())
	f.processor.locks = reclaimedLock{}

	res, err := f.processor.Process(context.Background(), Request{AccountID: 10, MessageUID: 42})
	require.NoError(t, err)
	assert.Equal(t, models.ActionReply, res.Action)

	// The draft side effect happened, but the late outcome is not recorded.
	assert.Equal(t, 0, f.store.recordCount())
	assert.Equal(t, 0, f.events.ofType(models.EventMessageHandled))
}

func TestUnknownAccount(t *testing.T) {
	f := newFixture(t, replyLLM())

	_, err := f.processor.Process(context.Background(), Request{AccountID: 99, MessageUID: 42})
	assert.ErrorIs(t, err, database.ErrNotFound)
	assert.Equal(t, 0, f.store.recordCount())
}

func TestDraftsFolderFallback(t *testing.T) {
	f := newFixture(t, replyLLM())
	f.store.account.DraftsFolder = ""
	f.store.account.Email = "owner@gmail.com"

	res, err := f.processor.Process(context.Background(), Request{AccountID: 10, MessageUID: 42})
	require.NoError(t, err)
	assert.Equal(t, "[Gmail]/Drafts", res.Destination)
}

