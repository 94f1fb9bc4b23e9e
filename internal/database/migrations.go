package database

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    email TEXT NOT NULL UNIQUE,
    password TEXT NOT NULL,
    imap_server TEXT NOT NULL,
    imap_security TEXT NOT NULL DEFAULT 'tls',
    smtp_server TEXT NOT NULL DEFAULT '',
    smtp_security TEXT NOT NULL DEFAULT 'tls',
    auto_reply BOOLEAN DEFAULT false,
    reply_tone TEXT NOT NULL DEFAULT 'friendly',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    account_id INTEGER NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
    message_id TEXT NOT NULL,
    in_reply_to TEXT NOT NULL DEFAULT '',
    thread_refs TEXT NOT NULL DEFAULT '',
    from_addr TEXT NOT NULL,
    from_name TEXT NOT NULL DEFAULT '',
    to_addr TEXT NOT NULL DEFAULT '',
    subject TEXT NOT NULL DEFAULT '',
    body_text TEXT NOT NULL DEFAULT '',
    body_html TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'pending',
    sentiment TEXT,
    category TEXT,
    draft_reply TEXT,
    is_auto_reply BOOLEAN DEFAULT false,
    received_at DATETIME,
    replied_at DATETIME,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(account_id, message_id)
);

CREATE INDEX IF NOT EXISTS idx_messages_account ON messages(account_id);
CREATE INDEX IF NOT EXISTS idx_messages_status ON messages(account_id, status);
`
