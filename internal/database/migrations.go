package database

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id INTEGER NOT NULL,
    email TEXT NOT NULL,
    auth_method TEXT NOT NULL DEFAULT 'password',
    password TEXT NOT NULL DEFAULT '',
    token_ref TEXT NOT NULL DEFAULT '',
    imap_server TEXT NOT NULL,
    drafts_folder TEXT NOT NULL DEFAULT 'Drafts',
    monitoring_enabled BOOLEAN DEFAULT false,
    last_uid INTEGER DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(user_id, email)
);

CREATE TABLE IF NOT EXISTS contacts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id INTEGER NOT NULL,
    email TEXT NOT NULL,
    name TEXT NOT NULL DEFAULT '',
    relationship TEXT NOT NULL DEFAULT '',
    style_json TEXT NOT NULL DEFAULT '',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(user_id, email)
);

CREATE TABLE IF NOT EXISTS relationship_styles (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id INTEGER NOT NULL,
    relationship TEXT NOT NULL,
    greeting TEXT NOT NULL DEFAULT '',
    closing TEXT NOT NULL DEFAULT '',
    formality REAL DEFAULT 0.5,
    emoji_rate REAL DEFAULT 0,
    contraction_rate REAL DEFAULT 0,
    avg_word_count REAL DEFAULT 0,
    sample_count INTEGER DEFAULT 0,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(user_id, relationship)
);

CREATE TABLE IF NOT EXISTS action_records (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    account_id INTEGER NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
    message_uid INTEGER NOT NULL,
    message_id TEXT NOT NULL DEFAULT '',
    action_taken TEXT NOT NULL,
    destination TEXT NOT NULL DEFAULT '',
    relationship TEXT NOT NULL DEFAULT '',
    error_detail TEXT NOT NULL DEFAULT '',
    processed_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(account_id, message_uid)
);

CREATE INDEX IF NOT EXISTS idx_accounts_user ON accounts(user_id);
CREATE INDEX IF NOT EXISTS idx_accounts_monitoring ON accounts(monitoring_enabled);
CREATE INDEX IF NOT EXISTS idx_contacts_user_email ON contacts(user_id, email);
CREATE INDEX IF NOT EXISTS idx_actions_account ON action_records(account_id);
`
