package store

// SQL schema constants for the cache proxy's tables.

const schemaAnswers = `
CREATE TABLE IF NOT EXISTS answers (
    id TEXT PRIMARY KEY,
    payload BLOB NOT NULL,
    compressed INTEGER NOT NULL DEFAULT 0,
    original_size INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL,
    ref_count INTEGER NOT NULL DEFAULT 0,
    hit_count INTEGER NOT NULL DEFAULT 0
);
`

const schemaQuestions = `
CREATE TABLE IF NOT EXISTS questions (
    fingerprint TEXT PRIMARY KEY,
    payload BLOB NOT NULL,
    version INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL,
    last_access TEXT NOT NULL,
    hit_count INTEGER NOT NULL DEFAULT 0,
    answer_id TEXT NOT NULL REFERENCES answers(id)
);
CREATE INDEX IF NOT EXISTS idx_questions_answer ON questions(answer_id);
CREATE INDEX IF NOT EXISTS idx_questions_created ON questions(created_at);
`

const schemaMigrations = `
CREATE TABLE IF NOT EXISTS migrations (
    version INTEGER PRIMARY KEY,
    applied_at TEXT NOT NULL
);
`

// allSchemas is the ordered list of schema DDL statements that form
// the initial (version-1) database layout. answers is created before
// questions since questions carries a foreign key onto it.
var allSchemas = []string{
	schemaAnswers,
	schemaQuestions,
	schemaMigrations,
}
