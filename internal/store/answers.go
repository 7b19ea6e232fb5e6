package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a fingerprint has no stored question.
var ErrNotFound = errors.New("store: not found")

// Answer is the persisted row for deduplicated upstream response content.
type Answer struct {
	ID           string
	Payload      []byte // raw, decompressed
	OriginalSize int
	CreatedAt    string
	RefCount     int
	HitCount     int
}

// Question is the persisted row pairing a fingerprint with the answer it
// resolves to.
type Question struct {
	Fingerprint string
	Payload     []byte
	Version     int
	CreatedAt   string
	LastAccess  string
	HitCount    int
	AnswerID    string
}

// answerRow mirrors the answers table layout before decompression.
type answerRow struct {
	ID           string
	Payload      []byte
	Compressed   bool
	OriginalSize int
	CreatedAt    string
	RefCount     int
	HitCount     int
}

func getAnswerRow(tx *sql.Tx, id string) (*answerRow, error) {
	row := tx.QueryRow(
		`SELECT id, payload, compressed, original_size, created_at, ref_count, hit_count
		 FROM answers WHERE id = ?`, id)
	var a answerRow
	var compressed int
	if err := row.Scan(&a.ID, &a.Payload, &compressed, &a.OriginalSize, &a.CreatedAt, &a.RefCount, &a.HitCount); err != nil {
		return nil, err
	}
	a.Compressed = compressed != 0
	return &a, nil
}

// GetByFingerprint returns the question and its resolved, decompressed
// answer for fp, honoring versionFilter: when versionFilter >= 0, only a
// question whose version equals versionFilter is returned; a negative
// versionFilter matches any version.
func (s *Store) GetByFingerprint(fp string, versionFilter int) (*Question, *Answer, error) {
	row := s.reader.QueryRow(
		`SELECT fingerprint, payload, version, created_at, last_access, hit_count, answer_id
		 FROM questions WHERE fingerprint = ?`, fp)

	var q Question
	if err := row.Scan(&q.Fingerprint, &q.Payload, &q.Version, &q.CreatedAt, &q.LastAccess, &q.HitCount, &q.AnswerID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("store: get question: %w", err)
	}
	if versionFilter >= 0 && q.Version != versionFilter {
		return nil, nil, ErrNotFound
	}

	arow := s.reader.QueryRow(
		`SELECT id, payload, compressed, original_size, created_at, ref_count, hit_count
		 FROM answers WHERE id = ?`, q.AnswerID)
	var a answerRow
	var compressed int
	if err := arow.Scan(&a.ID, &a.Payload, &compressed, &a.OriginalSize, &a.CreatedAt, &a.RefCount, &a.HitCount); err != nil {
		return nil, nil, fmt.Errorf("store: get answer: %w", err)
	}

	raw, err := decodePayload(a.Payload, compressed != 0)
	if err != nil {
		return nil, nil, err
	}

	return &q, &Answer{
		ID: a.ID, Payload: raw, OriginalSize: a.OriginalSize,
		CreatedAt: a.CreatedAt, RefCount: a.RefCount, HitCount: a.HitCount,
	}, nil
}

// BumpAccess updates last_access and increments the hit count on both the
// question row and its answer row. Called asynchronously on a cache hit so
// the bookkeeping write never adds latency to the response path.
func (s *Store) BumpAccess(fp string, now string) error {
	tx, err := s.writer.Begin()
	if err != nil {
		return fmt.Errorf("store: bump access: begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(
		`UPDATE questions SET last_access = ?, hit_count = hit_count + 1 WHERE fingerprint = ?`,
		now, fp,
	)
	if err != nil {
		return fmt.Errorf("store: bump access: update question: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	var answerID string
	if err := tx.QueryRow(`SELECT answer_id FROM questions WHERE fingerprint = ?`, fp).Scan(&answerID); err != nil {
		return fmt.Errorf("store: bump access: lookup answer: %w", err)
	}
	if _, err := tx.Exec(`UPDATE answers SET hit_count = hit_count + 1 WHERE id = ?`, answerID); err != nil {
		return fmt.Errorf("store: bump access: update answer: %w", err)
	}

	return tx.Commit()
}
