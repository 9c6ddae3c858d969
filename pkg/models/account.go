package models

import "time"

// AuthMethod identifies how an account authenticates against its IMAP server.
type AuthMethod string

const (
	AuthPassword AuthMethod = "password"
	AuthOAuth    AuthMethod = "oauth"
)

// Account represents a connected mailbox owned by a user.
// Credentials are managed by the settings collaborator; the core only reads them.
type Account struct {
	ID                int64      `db:"id"`
	UserID            int64      `db:"user_id"`
	Email             string     `db:"email"`
	AuthMethod        AuthMethod `db:"auth_method"`
	Password          string     `db:"password"`      // Encrypted; empty for OAuth accounts
	TokenRef          string     `db:"token_ref"`     // Reference into the token store for OAuth accounts
	IMAPServer        string     `db:"imap_server"`   // e.g., imap.gmail.com:993
	DraftsFolder      string     `db:"drafts_folder"` // Provider-appropriate drafts mailbox
	MonitoringEnabled bool       `db:"monitoring_enabled"`
	LastUID           uint32     `db:"last_uid"` // Highest UID already handed to the pipeline
	CreatedAt         time.Time  `db:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at"`
}

// Contact is a known correspondent of the user. A non-empty Relationship acts
// as a user-specified override that always wins over auto-detection.
type Contact struct {
	ID           int64     `db:"id"`
	UserID       int64     `db:"user_id"`
	Email        string    `db:"email"`
	Name         string    `db:"name"`
	Relationship string    `db:"relationship"`
	StyleJSON    string    `db:"style_json"` // Per-person style overrides, JSON
	CreatedAt    time.Time `db:"created_at"`
}
