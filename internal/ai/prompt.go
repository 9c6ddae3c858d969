package ai

import (
	"fmt"
	"strings"

	"github.com/maildraft/maildraft/pkg/models"
)

const systemPrompt = `You draft email replies in the mailbox owner's own voice.
You are given the incoming message, the sender relationship, style guidance and
examples of how the owner has written to this kind of correspondent before.
Respond with a single JSON object and nothing else:
{"action": "reply" | "reply_all" | "move" | "ignore",
 "subject": "...", "body": "...", "move_to": "...", "confidence": 0.0-1.0}
Use "ignore" for mail that needs no response, "move" with "move_to" for mail
that only needs filing.`

// Example is one retrieved historical message used as a style reference.
type Example struct {
	Text  string
	Score float64
}

// BuildPrompt formats the drafting prompt from signal, examples and style.
func BuildPrompt(msg *models.EmailMessage, signal *models.MessageSignal, directive models.StyleDirective, examples []Example) (system, user string) {
	var b strings.Builder

	fmt.Fprintf(&b, "Incoming message from %s <%s>:\n", msg.From.Name, msg.From.Address)
	fmt.Fprintf(&b, "Subject: %s\n\n%s\n\n", msg.Subject, signal.CleanText)

	fmt.Fprintf(&b, "Sender relationship: %s\n", directive.Relationship)
	fmt.Fprintf(&b, "Message tone: formality %.2f, sentiment %.2f, %d questions\n\n",
		signal.Formality, signal.Sentiment, signal.QuestionCount)

	fmt.Fprintf(&b, "Style guidance: greet with %q, close with %q, formality %.2f, around %d words.",
		directive.Greeting, directive.Closing, directive.Formality, directive.TargetLength)
	if directive.UseEmoji {
		b.WriteString(" Emoji are in character.")
	}
	if !directive.UseContractions {
		b.WriteString(" Avoid contractions.")
	}
	b.WriteString("\n")

	if len(examples) > 0 {
		b.WriteString("\nHow the owner has written to similar correspondents:\n")
		for i, ex := range examples {
			fmt.Fprintf(&b, "--- example %d ---\n%s\n", i+1, ex.Text)
		}
	}

	return systemPrompt, b.String()
}
