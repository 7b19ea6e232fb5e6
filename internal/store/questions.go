package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// Stats is the snapshot C8's maintenance loop reports each cycle.
type Stats struct {
	TotalQuestions int64
	TotalAnswers   int64
	TotalBytes     int64
	HitRate        float64
}

// HotFingerprint is one entry of the top-k hottest questions by hit count.
type HotFingerprint struct {
	Fingerprint string
	HitCount    int
}

// Insert records a newly produced (question, answer) pair transactionally.
// requestPayload is the canonical request bytes stored on the question
// row; answerPayload is the raw (uncompressed) upstream response body.
//
// Dedup: if an answer row with the same content hash already exists, it is
// reused and its ref_count incremented instead of inserting a duplicate.
//
// Override mode: when overrideMode is true and a question already exists
// for fp with version <= the new version, the old row is replaced and the
// previous answer's ref_count is decremented (pruned via Prune if it then
// reaches zero — Insert itself does not prune, to keep hit-count-based
// retention exclusively in C8). When overrideMode is false, an existing
// question for fp is left untouched and Insert is a no-op returning nil:
// with override mode off, a higher-version upstream result never replaces
// an existing row.
func (s *Store) Insert(fp string, requestPayload []byte, version int, answerPayload []byte, compressionThreshold int, overrideMode bool, now string) error {
	tx, err := s.writer.Begin()
	if err != nil {
		return fmt.Errorf("store: insert: begin: %w", err)
	}
	defer tx.Rollback()

	if err := insertTx(tx, fp, requestPayload, version, answerPayload, compressionThreshold, overrideMode, now); err != nil {
		return err
	}
	return tx.Commit()
}

// InsertItem is one pending write handed to InsertMany by the idle
// flusher (C4), mirroring a drained memcache.Entry.
type InsertItem struct {
	Fingerprint    string
	RequestPayload []byte
	Version        int
	AnswerPayload  []byte
}

// InsertMany applies a batch of inserts inside a single transaction rather
// than one transaction per entry. If the batch fails partway, the whole
// batch rolls back so no entry is silently half-written.
func (s *Store) InsertMany(items []InsertItem, compressionThreshold int, overrideMode bool, now string) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := s.writer.Begin()
	if err != nil {
		return fmt.Errorf("store: insert many: begin: %w", err)
	}
	defer tx.Rollback()

	for _, it := range items {
		if err := insertTx(tx, it.Fingerprint, it.RequestPayload, it.Version, it.AnswerPayload, compressionThreshold, overrideMode, now); err != nil {
			return fmt.Errorf("store: insert many: fingerprint %s: %w", it.Fingerprint, err)
		}
	}
	return tx.Commit()
}

// insertTx performs the insert logic against an already-open transaction,
// shared by both Insert (one entry, own transaction) and InsertMany (a
// whole batch, one shared transaction).
func insertTx(tx *sql.Tx, fp string, requestPayload []byte, version int, answerPayload []byte, compressionThreshold int, overrideMode bool, now string) error {
	var existingVersion int
	var existingAnswerID string
	lookupErr := tx.QueryRow(`SELECT version, answer_id FROM questions WHERE fingerprint = ?`, fp).Scan(&existingVersion, &existingAnswerID)
	rowExists := false
	switch {
	case lookupErr == nil:
		rowExists = true
		if !overrideMode {
			return nil // no-op: row exists, override disabled
		}
		if existingVersion > version {
			return nil // never downgrade a row to an older cache version
		}
	case errors.Is(lookupErr, sql.ErrNoRows):
		// no existing row, proceed to insert
	default:
		return fmt.Errorf("store: insert: lookup existing question: %w", lookupErr)
	}

	answerID := contentHash(answerPayload)
	stored, compressed := encodePayload(answerPayload, compressionThreshold)

	if _, aerr := getAnswerRow(tx, answerID); aerr != nil {
		if !errors.Is(aerr, sql.ErrNoRows) {
			return fmt.Errorf("store: insert: check answer: %w", aerr)
		}
		if _, err := tx.Exec(
			`INSERT INTO answers (id, payload, compressed, original_size, created_at, ref_count, hit_count)
			 VALUES (?, ?, ?, ?, ?, 0, 0)`,
			answerID, stored, boolToInt(compressed), len(answerPayload), now,
		); err != nil {
			return fmt.Errorf("store: insert: create answer: %w", err)
		}
	}

	if rowExists && existingAnswerID != "" && existingAnswerID != answerID {
		if _, derr := tx.Exec(`UPDATE answers SET ref_count = ref_count - 1 WHERE id = ? AND ref_count > 0`, existingAnswerID); derr != nil {
			return fmt.Errorf("store: insert: decrement old answer refcount: %w", derr)
		}
	}

	if _, err := tx.Exec(`UPDATE answers SET ref_count = ref_count + 1 WHERE id = ?`, answerID); err != nil {
		return fmt.Errorf("store: insert: increment answer refcount: %w", err)
	}

	if _, qerr := tx.Exec(
		`INSERT INTO questions (fingerprint, payload, version, created_at, last_access, hit_count, answer_id)
		 VALUES (?, ?, ?, ?, ?, 0, ?)
		 ON CONFLICT(fingerprint) DO UPDATE SET
		   payload = excluded.payload,
		   version = excluded.version,
		   created_at = excluded.created_at,
		   last_access = excluded.last_access,
		   answer_id = excluded.answer_id`,
		fp, requestPayload, version, now, now, answerID,
	); qerr != nil {
		return fmt.Errorf("store: insert: upsert question: %w", qerr)
	}

	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Stats computes the C8 statistics snapshot.
func (s *Store) Stats() (Stats, error) {
	var st Stats
	if err := s.reader.QueryRow(`SELECT COUNT(*) FROM questions`).Scan(&st.TotalQuestions); err != nil {
		return st, fmt.Errorf("store: stats: count questions: %w", err)
	}
	if err := s.reader.QueryRow(`SELECT COUNT(*) FROM answers`).Scan(&st.TotalAnswers); err != nil {
		return st, fmt.Errorf("store: stats: count answers: %w", err)
	}
	if err := s.reader.QueryRow(`SELECT COALESCE(SUM(original_size), 0) FROM answers`).Scan(&st.TotalBytes); err != nil {
		return st, fmt.Errorf("store: stats: sum bytes: %w", err)
	}

	var totalHits, totalQ int64
	if err := s.reader.QueryRow(`SELECT COALESCE(SUM(hit_count), 0) FROM questions`).Scan(&totalHits); err != nil {
		return st, fmt.Errorf("store: stats: sum hits: %w", err)
	}
	totalQ = st.TotalQuestions
	if totalQ > 0 {
		st.HitRate = float64(totalHits) / float64(totalQ)
	}
	return st, nil
}

// TopHotFingerprints returns the k questions with the highest hit count.
func (s *Store) TopHotFingerprints(k int) ([]HotFingerprint, error) {
	rows, err := s.reader.Query(`SELECT fingerprint, hit_count FROM questions ORDER BY hit_count DESC LIMIT ?`, k)
	if err != nil {
		return nil, fmt.Errorf("store: top fingerprints: %w", err)
	}
	defer rows.Close()

	var out []HotFingerprint
	for rows.Next() {
		var h HotFingerprint
		if err := rows.Scan(&h.Fingerprint, &h.HitCount); err != nil {
			return nil, fmt.Errorf("store: top fingerprints: scan: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
