package imapx

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"

	"github.com/maildraft/maildraft/pkg/models"
)

// TokenProvider resolves an OAuth token reference into a live access token.
// Token exchange and refresh live in an external collaborator; a refresh
// failure surfaces here as ErrAuthExpired.
type TokenProvider interface {
	AccessToken(ctx context.Context, tokenRef string) (string, error)
}

// SessionConfig configuration for one IMAP session
type SessionConfig struct {
	Email          string
	AuthMethod     models.AuthMethod
	Password       string
	TokenRef       string
	Server         string // host:port
	DialTimeout    time.Duration
	CommandTimeout time.Duration
}

// Session is one authenticated connection to a single mailbox. The underlying
// protocol forbids concurrent commands on one connection, so every command
// holds the session mutex for its full duration.
type Session struct {
	config    SessionConfig
	tokens    TokenProvider
	client    *client.Client
	logger    *slog.Logger
	mu        sync.Mutex
	connected bool
	selected  string
}

// NewSession creates a new IMAP session (not yet connected)
func NewSession(cfg SessionConfig, tokens TokenProvider, logger *slog.Logger) *Session {
	return &Session{
		config: cfg,
		tokens: tokens,
		logger: logger.With("email", cfg.Email),
	}
}

// Connect dials and authenticates the session
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		return nil
	}

	s.logger.Info("connecting to IMAP server", "server", s.config.Server)

	timeout := s.config.DialTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	dialer := &net.Dialer{Timeout: timeout}
	conn, err := tls.DialWithDialer(dialer, "tcp", s.config.Server, nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	imapClient, err := client.New(conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create IMAP client: %w", err)
	}
	if s.config.CommandTimeout > 0 {
		imapClient.Timeout = s.config.CommandTimeout
	}

	if err := s.login(ctx, imapClient); err != nil {
		imapClient.Logout()
		return err
	}

	s.client = imapClient
	s.connected = true
	s.logger.Info("connected to IMAP server")

	return nil
}

// login authenticates with either a password or an OAuth bearer token.
func (s *Session) login(ctx context.Context, imapClient *client.Client) error {
	if s.config.AuthMethod == models.AuthOAuth {
		token, err := s.tokens.AccessToken(ctx, s.config.TokenRef)
		if err != nil {
			return fmt.Errorf("token refresh failed: %w", ErrAuthExpired)
		}
		auth := sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
			Username: s.config.Email,
			Token:    token,
		})
		if err := imapClient.Authenticate(auth); err != nil {
			return fmt.Errorf("oauth login rejected: %w", ErrAuthExpired)
		}
		return nil
	}

	if err := imapClient.Login(s.config.Email, s.config.Password); err != nil {
		return fmt.Errorf("login rejected: %w", ErrAuthExpired)
	}
	return nil
}

// Select selects a mailbox
func (s *Session) Select(ctx context.Context, folder string) (*imap.MailboxStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected || s.client == nil {
		return nil, ErrNotConnected
	}

	mbox, err := s.client.Select(folder, false)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "exist") {
			return nil, &ErrFolderMissing{Folder: folder}
		}
		return nil, fmt.Errorf("failed to select %s: %w", folder, err)
	}
	s.selected = folder

	return mbox, nil
}

// SearchNewUIDs returns UIDs greater than sinceUID in the selected mailbox
func (s *Session) SearchNewUIDs(ctx context.Context, sinceUID uint32) ([]uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected || s.client == nil {
		return nil, ErrNotConnected
	}

	criteria := imap.NewSearchCriteria()
	seqSet := new(imap.SeqSet)
	seqSet.AddRange(sinceUID+1, 0) // 0 means * (all)
	criteria.Uid = seqSet

	uids, err := s.client.UidSearch(criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}
	return uids, nil
}

// FetchMessage fetches one full message by UID
func (s *Session) FetchMessage(ctx context.Context, uid uint32) (*models.EmailMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected || s.client == nil {
		return nil, ErrNotConnected
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)

	section := &imap.BodySectionName{}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchUid, section.FetchItem()}

	messages := make(chan *imap.Message, 1)
	done := make(chan error, 1)

	go func() {
		done <- s.client.UidFetch(seqSet, items, messages)
	}()

	var email *models.EmailMessage
	for msg := range messages {
		parsed, err := s.parseMessage(msg, section)
		if err != nil {
			s.logger.Warn("failed to parse message", "uid", msg.Uid, "error", err)
			continue
		}
		email = parsed
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to fetch: %w", err)
	}
	if email == nil {
		return nil, fmt.Errorf("uid %d: %w", uid, ErrMessageNotFound)
	}
	email.Folder = s.selected

	return email, nil
}

// parseMessage parses an IMAP message into an EmailMessage
func (s *Session) parseMessage(msg *imap.Message, section *imap.BodySectionName) (*models.EmailMessage, error) {
	email := &models.EmailMessage{
		UID: msg.Uid,
	}

	if msg.Envelope != nil {
		email.Subject = msg.Envelope.Subject
		email.Date = msg.Envelope.Date
		email.MessageID = msg.Envelope.MessageId

		if len(msg.Envelope.From) > 0 {
			from := msg.Envelope.From[0]
			email.From = models.EmailAddress{
				Name:    from.PersonalName,
				Address: from.Address(),
			}
		}
		for _, to := range msg.Envelope.To {
			email.To = append(email.To, models.EmailAddress{Name: to.PersonalName, Address: to.Address()})
		}
		for _, cc := range msg.Envelope.Cc {
			email.Cc = append(email.Cc, models.EmailAddress{Name: cc.PersonalName, Address: cc.Address()})
		}
	}

	bodyReader := msg.GetBody(section)
	if bodyReader != nil {
		mr, err := mail.CreateReader(bodyReader)
		if err != nil {
			s.logger.Warn("failed to create mail reader", "error", err)
		} else {
			for {
				part, err := mr.NextPart()
				if err == io.EOF {
					break
				}
				if err != nil {
					s.logger.Warn("failed to read part", "error", err)
					break
				}

				switch h := part.Header.(type) {
				case *mail.InlineHeader:
					ct, _, _ := h.ContentType()
					body, err := io.ReadAll(part.Body)
					if err != nil {
						continue
					}

					if strings.HasPrefix(ct, "text/html") {
						email.BodyHTML = string(body)
					} else if strings.HasPrefix(ct, "text/plain") {
						email.BodyText = string(body)
					}
				}
			}
		}
	}

	return email, nil
}

// Append appends a raw RFC822 message to a folder (used for drafts)
func (s *Session) Append(ctx context.Context, folder string, flags []string, raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected || s.client == nil {
		return ErrNotConnected
	}

	if err := s.client.Append(folder, flags, time.Now(), bytes.NewBuffer(raw)); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "trycreate") {
			return &ErrFolderMissing{Folder: folder}
		}
		return fmt.Errorf("failed to append to %s: %w", folder, err)
	}
	return nil
}

// Move copies a message to another folder and expunges the original.
// MOVE is an extension not every server offers, so COPY + \Deleted + EXPUNGE
// is used instead.
func (s *Session) Move(ctx context.Context, uid uint32, dest string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected || s.client == nil {
		return ErrNotConnected
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)

	if err := s.client.UidCopy(seqSet, dest); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "trycreate") {
			return &ErrFolderMissing{Folder: dest}
		}
		return fmt.Errorf("failed to copy to %s: %w", dest, err)
	}

	item := imap.FormatFlagsOp(imap.AddFlags, true)
	flags := []interface{}{imap.DeletedFlag}
	if err := s.client.UidStore(seqSet, item, flags, nil); err != nil {
		return fmt.Errorf("failed to mark as deleted: %w", err)
	}
	if err := s.client.Expunge(nil); err != nil {
		return fmt.Errorf("failed to expunge: %w", err)
	}
	return nil
}

// AddFlag adds a flag to a message (e.g. \Seen, \Answered)
func (s *Session) AddFlag(ctx context.Context, uid uint32, flag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected || s.client == nil {
		return ErrNotConnected
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(uid)

	item := imap.FormatFlagsOp(imap.AddFlags, true)
	flags := []interface{}{flag}
	if err := s.client.UidStore(seqSet, item, flags, nil); err != nil {
		return fmt.Errorf("failed to add flag: %w", err)
	}
	return nil
}

// Noop probes liveness with a NOOP command
func (s *Session) Noop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected || s.client == nil {
		return ErrNotConnected
	}
	if err := s.client.Noop(); err != nil {
		return fmt.Errorf("noop failed: %w", err)
	}
	return nil
}

// IsConnected returns whether the session is connected
func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Close logs out and terminates the connection
func (s *Session) Close() {
	s.mu.Lock()
	imapClient := s.client
	s.client = nil
	s.connected = false
	s.mu.Unlock()

	if imapClient == nil {
		return
	}

	// Try logout with timeout, then force close
	done := make(chan struct{})
	go func() {
		imapClient.Logout()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		imapClient.Terminate()
	}
}
