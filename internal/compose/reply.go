package compose

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"

	"github.com/maildraft/maildraft/pkg/models"
)

// Composer formats drafted replies into RFC822 messages ready for APPEND
// into the account's drafts folder.
type Composer struct{}

// NewComposer creates a composer
func NewComposer() *Composer {
	return &Composer{}
}

// ReplySubject prefixes Re: unless the subject already carries it.
func ReplySubject(subject string) string {
	trimmed := strings.TrimSpace(subject)
	if strings.HasPrefix(strings.ToLower(trimmed), "re:") {
		return trimmed
	}
	return "Re: " + trimmed
}

// Recipients computes the reply recipients. replyAll adds the original To
// and Cc lists minus the account owner.
func Recipients(original *models.EmailMessage, ownerEmail string, replyAll bool) (to, cc []models.EmailAddress) {
	to = []models.EmailAddress{original.From}
	if !replyAll {
		return to, nil
	}

	owner := strings.ToLower(ownerEmail)
	seen := map[string]bool{strings.ToLower(original.From.Address): true, owner: true}
	for _, addr := range original.To {
		key := strings.ToLower(addr.Address)
		if seen[key] {
			continue
		}
		seen[key] = true
		to = append(to, addr)
	}
	for _, addr := range original.Cc {
		key := strings.ToLower(addr.Address)
		if seen[key] {
			continue
		}
		seen[key] = true
		cc = append(cc, addr)
	}
	return to, cc
}

// QuoteOriginal renders the original message as a conventional quoted block.
func QuoteOriginal(original *models.EmailMessage) string {
	var b strings.Builder

	name := original.From.Name
	if name == "" {
		name = original.From.Address
	}
	fmt.Fprintf(&b, "On %s, %s <%s> wrote:\n",
		original.Date.Format("Mon, 2 Jan 2006 at 15:04"), name, original.From.Address)

	body := original.BodyText
	for _, line := range strings.Split(strings.TrimSpace(body), "\n") {
		b.WriteString("> ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}

// BuildReply assembles the full RFC822 reply draft.
func (c *Composer) BuildReply(original *models.EmailMessage, account *models.Account, draft *models.DraftResponse, replyAll bool) ([]byte, error) {
	to, cc := Recipients(original, account.Email, replyAll)

	var h mail.Header
	h.SetDate(time.Now())
	h.SetAddressList("From", []*mail.Address{{Address: account.Email}})
	h.SetAddressList("To", toMailAddresses(to))
	if len(cc) > 0 {
		h.SetAddressList("Cc", toMailAddresses(cc))
	}

	subject := draft.Subject
	if subject == "" {
		subject = ReplySubject(original.Subject)
	}
	h.SetSubject(subject)

	h.SetMsgIDList("Message-Id", []string{fmt.Sprintf("%s@maildraft", uuid.New())})
	if original.MessageID != "" {
		ref := strings.Trim(original.MessageID, "<>")
		h.SetMsgIDList("In-Reply-To", []string{ref})
		h.SetMsgIDList("References", []string{ref})
	}

	body := strings.TrimSpace(draft.Body) + "\n\n" + QuoteOriginal(original)

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("failed to create message writer: %w", err)
	}
	if _, err := io.WriteString(w, body); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish message: %w", err)
	}

	return buf.Bytes(), nil
}

func toMailAddresses(addrs []models.EmailAddress) []*mail.Address {
	out := make([]*mail.Address, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, &mail.Address{Name: a.Name, Address: a.Address})
	}
	return out
}
