package extract

import (
	"regexp"
	"strings"

	"github.com/maildraft/maildraft/pkg/models"
)

// Extractor strips quoted history and signatures from a message and measures
// the linguistic signal of the remaining user-authored text.
type Extractor struct {
	html             *HTMLParser
	quoteAttrRegex   *regexp.Regexp
	forwardRegex     *regexp.Regexp
	mobileSigRegex   *regexp.Regexp
	emojiRegex       *regexp.Regexp
	contractionRegex *regexp.Regexp
	sentenceRegex    *regexp.Regexp
	greetingRegex    *regexp.Regexp
	closingRegex     *regexp.Regexp
}

// NewExtractor creates a signal extractor
func NewExtractor() *Extractor {
	return &Extractor{
		html:             NewHTMLParser(),
		quoteAttrRegex:   regexp.MustCompile(`(?i)^on .{4,80} wrote:\s*$`),
		forwardRegex:     regexp.MustCompile(`(?i)^-+\s*(forwarded message|original message)\s*-+`),
		mobileSigRegex:   regexp.MustCompile(`(?i)^(sent from my|get outlook for)`),
		emojiRegex:       regexp.MustCompile(`[\x{1F300}-\x{1FAFF}\x{2600}-\x{27BF}]`),
		contractionRegex: regexp.MustCompile(`(?i)\b\w+'(s|t|re|ve|ll|d|m)\b`),
		sentenceRegex:    regexp.MustCompile(`[.!?]+(\s|$)`),
		greetingRegex:    regexp.MustCompile(`(?i)^(hi|hey|hello|dear|good (morning|afternoon|evening)|greetings)\b[^\n]*`),
		closingRegex:     regexp.MustCompile(`(?i)^(best regards|kind regards|regards|best|cheers|thanks|thank you|sincerely|talk soon|take care)\b[,!.]?\s*$`),
	}
}

// Clean returns the user-authored text of a message: HTML converted to text
// when no plain part exists, then quoted history and signature blocks removed.
func (e *Extractor) Clean(msg *models.EmailMessage) (string, error) {
	text := msg.BodyText
	if strings.TrimSpace(text) == "" && msg.BodyHTML != "" {
		parsed, err := e.html.Parse(msg.BodyHTML)
		if err != nil {
			return "", err
		}
		text = parsed
	}
	return e.StripQuoted(text), nil
}

// StripQuoted removes quoted history, forwarded blocks and signatures.
func (e *Extractor) StripQuoted(text string) string {
	lines := strings.Split(text, "\n")
	var kept []string

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)

		// Everything below a quote attribution or forward marker is history.
		if e.quoteAttrRegex.MatchString(trimmed) || e.forwardRegex.MatchString(trimmed) {
			break
		}
		// "-- " is the conventional signature delimiter.
		if trimmed == "--" || strings.TrimRight(line, " ") == "-- " {
			break
		}
		if e.mobileSigRegex.MatchString(trimmed) {
			continue
		}
		if strings.HasPrefix(trimmed, ">") {
			continue
		}
		kept = append(kept, line)
	}

	return strings.TrimSpace(strings.Join(kept, "\n"))
}

// Extract measures the linguistic signal of a cleaned message.
func (e *Extractor) Extract(msg *models.EmailMessage) (*models.MessageSignal, error) {
	clean, err := e.Clean(msg)
	if err != nil {
		return nil, err
	}

	signal := &models.MessageSignal{CleanText: clean}
	if clean == "" {
		return signal, nil
	}

	lines := strings.Split(clean, "\n")
	if g := e.greetingRegex.FindString(strings.TrimSpace(lines[0])); g != "" {
		signal.Greeting = strings.TrimRight(g, " ,")
	}
	for i := len(lines) - 1; i >= 0 && i >= len(lines)-4; i-- {
		if c := e.closingRegex.FindString(strings.TrimSpace(lines[i])); c != "" {
			signal.Closing = strings.TrimRight(c, " ,!.")
			break
		}
	}

	signal.WordCount = len(strings.Fields(clean))
	signal.SentenceCount = len(e.sentenceRegex.FindAllString(clean, -1))
	if signal.SentenceCount == 0 {
		signal.SentenceCount = 1
	}
	signal.QuestionCount = strings.Count(clean, "?")
	signal.ExclamationCount = strings.Count(clean, "!")
	signal.EmojiCount = len(e.emojiRegex.FindAllString(clean, -1))
	signal.ContractionCount = len(e.contractionRegex.FindAllString(clean, -1))
	signal.Formality = e.formality(clean, signal)
	signal.Sentiment = e.sentiment(clean)

	return signal, nil
}

// formalMarkers and casualMarkers weight the formality score.
var formalMarkers = []string{
	"dear", "sincerely", "regards", "pursuant", "kindly", "per our",
	"please find", "attached", "hereby", "accordingly", "furthermore",
}

var casualMarkers = []string{
	"hey", "lol", "haha", "gonna", "wanna", "btw", "thx", "yeah",
	"cool", "awesome", "np", "cya",
}

// formality scores 0 (casual) to 1 (formal).
func (e *Extractor) formality(text string, signal *models.MessageSignal) float64 {
	lower := strings.ToLower(text)
	score := 0.5

	for _, marker := range formalMarkers {
		if strings.Contains(lower, marker) {
			score += 0.08
		}
	}
	for _, marker := range casualMarkers {
		if strings.Contains(lower, marker) {
			score -= 0.08
		}
	}
	if signal.WordCount > 0 {
		// Contractions and emoji pull toward casual.
		score -= 0.5 * float64(signal.ContractionCount) / float64(signal.WordCount)
	}
	if signal.EmojiCount > 0 {
		score -= 0.1
	}

	return clamp(score, 0, 1)
}

var positiveWords = []string{
	"thanks", "thank", "great", "good", "appreciate", "glad", "happy",
	"excellent", "wonderful", "perfect", "love", "congratulations",
}

var negativeWords = []string{
	"unfortunately", "problem", "issue", "concern", "disappointed",
	"urgent", "complaint", "wrong", "failed", "sorry", "delay", "angry",
}

// sentiment scores -1 (negative) to 1 (positive) with a small lexicon.
func (e *Extractor) sentiment(text string) float64 {
	lower := strings.ToLower(text)
	var score float64
	for _, w := range positiveWords {
		score += 0.15 * float64(strings.Count(lower, w))
	}
	for _, w := range negativeWords {
		score -= 0.15 * float64(strings.Count(lower, w))
	}
	return clamp(score, -1, 1)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
