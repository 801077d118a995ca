// ABOUTME: SQLite database schema for the conversation cache
// ABOUTME: Creates conversation and message tables keyed by owner plus id
package sqlite

// Schema contains all SQL statements for database initialization.
// Timestamps are stored as Unix nanoseconds; cached_at = 0 is the
// never-synced sentinel.
const Schema = `
-- Conversations (one chat thread per row, scoped by owner)
CREATE TABLE IF NOT EXISTS conversations (
    owner_id TEXT NOT NULL,
    id TEXT NOT NULL,
    title TEXT NOT NULL DEFAULT '',
    mode TEXT NOT NULL DEFAULT 'text',
    is_pinned INTEGER NOT NULL DEFAULT 0,
    is_placeholder INTEGER NOT NULL DEFAULT 0,
    message_count INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    cached_at INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (owner_id, id)
);

-- Messages (individual turns)
CREATE TABLE IF NOT EXISTS messages (
    owner_id TEXT NOT NULL,
    id TEXT NOT NULL,
    conversation_id TEXT NOT NULL,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    sources TEXT,
    created_at INTEGER NOT NULL,
    PRIMARY KEY (owner_id, id),
    FOREIGN KEY (owner_id, conversation_id) REFERENCES conversations(owner_id, id) ON DELETE CASCADE
);

-- Indexes for lookups and eviction ordering
CREATE INDEX IF NOT EXISTS idx_conversations_cached ON conversations(owner_id, cached_at, id);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(owner_id, conversation_id, created_at);
`

// dropSchema removes tables written by an older schema version. The cache
// is rebuilt from the server, so an upgrade starts empty.
const dropSchema = `
DROP TABLE IF EXISTS messages;
DROP TABLE IF EXISTS conversations;
`

// SchemaVersion is the current schema version, stored in PRAGMA user_version
const SchemaVersion = 2
