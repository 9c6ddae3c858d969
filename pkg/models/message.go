package models

import "time"

// EmailAddress is a parsed RFC5322 address.
type EmailAddress struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}

// EmailMessage is a fully fetched message as handed to the pipeline.
type EmailMessage struct {
	AccountID int64
	UID       uint32
	MessageID string // Message-ID header
	From      EmailAddress
	To        []EmailAddress
	Cc        []EmailAddress
	Subject   string
	Date      time.Time
	BodyText  string
	BodyHTML  string
	Folder    string
}

// MessageSignal is the linguistic signal extracted from the user-authored part
// of a message, after quoted history and signatures were stripped.
type MessageSignal struct {
	CleanText        string  `json:"clean_text"`
	Greeting         string  `json:"greeting"`
	Closing          string  `json:"closing"`
	WordCount        int     `json:"word_count"`
	SentenceCount    int     `json:"sentence_count"`
	QuestionCount    int     `json:"question_count"`
	ExclamationCount int     `json:"exclamation_count"`
	EmojiCount       int     `json:"emoji_count"`
	ContractionCount int     `json:"contraction_count"`
	Formality        float64 `json:"formality"` // 0 (casual) .. 1 (formal)
	Sentiment        float64 `json:"sentiment"` // -1 (negative) .. 1 (positive)
}

// Relationship categories driving reply style.
const (
	RelationshipColleague = "colleague"
	RelationshipClient    = "client"
	RelationshipFamily    = "family"
	RelationshipFriend    = "friend"
	RelationshipVendor    = "vendor"
	RelationshipUnknown   = "unknown"
)

// StyleDirective is the merged per-relationship style handed to the drafting prompt.
type StyleDirective struct {
	Relationship    string  `json:"relationship"`
	Greeting        string  `json:"greeting"`
	Closing         string  `json:"closing"`
	Formality       float64 `json:"formality"`
	UseEmoji        bool    `json:"use_emoji"`
	UseContractions bool    `json:"use_contractions"`
	TargetLength    int     `json:"target_length"` // Target reply length in words
}

// RelationshipStyle is a learned style profile for one (user, relationship) pair.
type RelationshipStyle struct {
	ID              int64     `db:"id"`
	UserID          int64     `db:"user_id"`
	Relationship    string    `db:"relationship"`
	Greeting        string    `db:"greeting"`
	Closing         string    `db:"closing"`
	Formality       float64   `db:"formality"`
	EmojiRate       float64   `db:"emoji_rate"`
	ContractionRate float64   `db:"contraction_rate"`
	AvgWordCount    float64   `db:"avg_word_count"`
	SampleCount     int       `db:"sample_count"`
	UpdatedAt       time.Time `db:"updated_at"`
}
