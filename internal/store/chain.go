package store

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SecureStore layers a tamper-evident audit trail over SQLiteStore.
//
// Signing workflows need an audit record that holds up after the fact:
// every entry carries an HMAC and links to the hash of the previous
// entry, so deleting or editing a row breaks the chain. The rest of the
// Store interface passes through to the embedded SQLiteStore.
type SecureStore struct {
	*SQLiteStore
	hmacKey     []byte
	lastHash    [32]byte
	mu          sync.Mutex
	integrityOK bool
}

// secureSchema extends the base schema with the chained audit trail.
const secureSchema = `
CREATE TABLE IF NOT EXISTS audit_integrity (
    id              INTEGER PRIMARY KEY CHECK (id = 1),
    chain_hash      BLOB NOT NULL,
    entry_count     INTEGER NOT NULL DEFAULT 0,
    last_verified   INTEGER,
    hmac            BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS secure_audit (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    document_id     TEXT NOT NULL,
    annotation_id   TEXT NOT NULL DEFAULT '',
    action          TEXT NOT NULL,
    actor           TEXT NOT NULL DEFAULT '',
    detail          TEXT NOT NULL DEFAULT '',
    timestamp_ns    INTEGER NOT NULL,
    previous_hash   BLOB NOT NULL,
    entry_hash      BLOB NOT NULL UNIQUE,
    hmac            BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_secure_audit_document ON secure_audit(document_id, timestamp_ns);
CREATE INDEX IF NOT EXISTS idx_secure_audit_hash ON secure_audit(entry_hash);
`

// OpenSecure opens or creates a store whose audit trail is hash-chained.
// The hmacKey should be derived from the deployment signing key so a
// copied database cannot be re-chained elsewhere.
func OpenSecure(path string, hmacKey []byte) (*SecureStore, error) {
	if len(hmacKey) < 32 {
		return nil, errors.New("HMAC key must be at least 32 bytes")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	isNew := false
	if _, err := os.Stat(path); os.IsNotExist(err) {
		isNew = true
	}

	base, err := Open(path)
	if err != nil {
		return nil, err
	}

	if err := os.Chmod(path, 0600); err != nil {
		base.Close()
		return nil, fmt.Errorf("set database permissions: %w", err)
	}

	if _, err := base.DB().Exec(secureSchema); err != nil {
		base.Close()
		return nil, fmt.Errorf("apply secure schema: %w", err)
	}

	s := &SecureStore{
		SQLiteStore: base,
		hmacKey:     hmacKey,
	}

	if isNew {
		if err := s.initializeIntegrity(); err != nil {
			base.Close()
			return nil, fmt.Errorf("initialize integrity: %w", err)
		}
		s.integrityOK = true
	} else {
		if err := s.VerifyChain(); err != nil {
			// Leave the store open so the trail can still be read.
			s.integrityOK = false
			return s, fmt.Errorf("audit chain verification failed: %w", err)
		}
		s.integrityOK = true
	}

	return s, nil
}

// IntegrityOK reports whether the audit chain passed verification.
func (s *SecureStore) IntegrityOK() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.integrityOK
}

// initializeIntegrity seeds the chain head for a new database.
func (s *SecureStore) initializeIntegrity() error {
	var zeroHash [32]byte
	s.lastHash = zeroHash

	mac := s.computeIntegrityHMAC(zeroHash, 0)

	_, err := s.DB().Exec(`
		INSERT INTO audit_integrity (id, chain_hash, entry_count, last_verified, hmac)
		VALUES (1, ?, 0, ?, ?)`,
		zeroHash[:], time.Now().UnixNano(), mac,
	)
	return err
}

// VerifyChain walks the whole audit trail checking linkage and HMACs.
func (s *SecureStore) VerifyChain() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var chainHash, storedMAC []byte
	var entryCount int64

	err := s.DB().QueryRow(`SELECT chain_hash, entry_count, hmac FROM audit_integrity WHERE id = 1`).
		Scan(&chainHash, &entryCount, &storedMAC)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errors.New("integrity record missing")
		}
		return fmt.Errorf("read integrity record: %w", err)
	}

	var expectedHash [32]byte
	copy(expectedHash[:], chainHash)
	expectedMAC := s.computeIntegrityHMAC(expectedHash, entryCount)
	if !hmac.Equal(storedMAC, expectedMAC) {
		return errors.New("integrity record HMAC mismatch - database may be tampered")
	}

	rows, err := s.DB().Query(`
		SELECT id, document_id, annotation_id, action, actor, detail, timestamp_ns, previous_hash, entry_hash, hmac
		FROM secure_audit ORDER BY id ASC`)
	if err != nil {
		return fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var lastHash [32]byte
	var count int64

	for rows.Next() {
		var id, timestampNs int64
		var documentID, annotationID, action, actor, detail string
		var previousHash, entryHash, storedEntryMAC []byte

		if err := rows.Scan(&id, &documentID, &annotationID, &action, &actor, &detail,
			&timestampNs, &previousHash, &entryHash, &storedEntryMAC); err != nil {
			return fmt.Errorf("scan entry %d: %w", id, err)
		}

		if count > 0 {
			if !hmac.Equal(previousHash, lastHash[:]) {
				return fmt.Errorf("chain break at entry %d: previous hash mismatch", id)
			}
		}

		expectedEntryMAC := s.computeEntryHMAC(documentID, annotationID, action, actor, detail, timestampNs, previousHash)
		if !hmac.Equal(storedEntryMAC, expectedEntryMAC) {
			return fmt.Errorf("entry %d HMAC mismatch - entry may be tampered", id)
		}

		computedHash := computeEntryHash(documentID, annotationID, action, actor, detail, timestampNs, previousHash)
		if !hmac.Equal(entryHash, computedHash[:]) {
			return fmt.Errorf("entry %d hash mismatch", id)
		}

		copy(lastHash[:], entryHash)
		count++
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate audit entries: %w", err)
	}

	if count != entryCount {
		return fmt.Errorf("entry count mismatch: expected %d, found %d", entryCount, count)
	}

	if !hmac.Equal(chainHash, lastHash[:]) {
		return fmt.Errorf("chain hash mismatch")
	}

	s.lastHash = lastHash
	return nil
}

// AppendAudit records an entry on the tamper-evident chain instead of
// the plain audit_log table.
func (s *SecureStore) AppendAudit(_ context.Context, e *AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.integrityOK {
		return errors.New("audit chain compromised - refusing to write")
	}

	if e.TimestampNs == 0 {
		e.TimestampNs = time.Now().UnixNano()
	}

	previousHash := s.lastHash
	entryHash := computeEntryHash(e.DocumentID, e.AnnotationID, e.Action, e.Actor, e.Detail, e.TimestampNs, previousHash[:])
	entryMAC := s.computeEntryHMAC(e.DocumentID, e.AnnotationID, e.Action, e.Actor, e.Detail, e.TimestampNs, previousHash[:])

	tx, err := s.DB().Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.Exec(`
		INSERT INTO secure_audit (document_id, annotation_id, action, actor, detail, timestamp_ns, previous_hash, entry_hash, hmac)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.DocumentID, e.AnnotationID, e.Action, e.Actor, e.Detail, e.TimestampNs,
		previousHash[:], entryHash[:], entryMAC,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}

	id, _ := result.LastInsertId()
	e.ID = id

	newMAC := s.computeIntegrityHMAC(entryHash, id)
	_, err = tx.Exec(`UPDATE audit_integrity SET chain_hash = ?, entry_count = ?, last_verified = ?, hmac = ? WHERE id = 1`,
		entryHash[:], id, time.Now().UnixNano(), newMAC)
	if err != nil {
		return fmt.Errorf("update integrity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	s.lastHash = entryHash
	return nil
}

// ListAudit reads the chained trail, newest first.
func (s *SecureStore) ListAudit(_ context.Context, documentID string, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB().Query(`
		SELECT id, document_id, annotation_id, action, actor, detail, timestamp_ns
		FROM secure_audit
		WHERE document_id = ?
		ORDER BY timestamp_ns DESC, id DESC
		LIMIT ?`, documentID, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.DocumentID, &e.AnnotationID, &e.Action, &e.Actor, &e.Detail, &e.TimestampNs); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return entries, nil
}

// ChainStats summarizes the audit chain state.
type ChainStats struct {
	EntryCount    int64
	DocumentCount int64
	OldestEntry   time.Time
	NewestEntry   time.Time
	IntegrityOK   bool
	ChainHash     string
}

// GetChainStats returns audit chain statistics.
func (s *SecureStore) GetChainStats() (*ChainStats, error) {
	stats := &ChainStats{
		IntegrityOK: s.IntegrityOK(),
	}

	s.DB().QueryRow(`SELECT COUNT(*) FROM secure_audit`).Scan(&stats.EntryCount)
	s.DB().QueryRow(`SELECT COUNT(DISTINCT document_id) FROM secure_audit`).Scan(&stats.DocumentCount)

	var oldestNs, newestNs sql.NullInt64
	s.DB().QueryRow(`SELECT MIN(timestamp_ns), MAX(timestamp_ns) FROM secure_audit`).Scan(&oldestNs, &newestNs)
	if oldestNs.Valid {
		stats.OldestEntry = time.Unix(0, oldestNs.Int64)
		stats.NewestEntry = time.Unix(0, newestNs.Int64)
	}

	var chainHash []byte
	s.DB().QueryRow(`SELECT chain_hash FROM audit_integrity WHERE id = 1`).Scan(&chainHash)
	stats.ChainHash = hex.EncodeToString(chainHash)

	return stats, nil
}

// HMAC helpers

func (s *SecureStore) computeIntegrityHMAC(chainHash [32]byte, entryCount int64) []byte {
	h := hmac.New(sha256.New, s.hmacKey)
	h.Write([]byte("stampd-integrity-v1"))
	h.Write(chainHash[:])
	h.Write(intToBytes(entryCount))
	return h.Sum(nil)
}

func (s *SecureStore) computeEntryHMAC(documentID, annotationID, action, actor, detail string, timestampNs int64, previousHash []byte) []byte {
	h := hmac.New(sha256.New, s.hmacKey)
	h.Write([]byte("stampd-audit-v1"))
	writeLenPrefixed(h, documentID)
	writeLenPrefixed(h, annotationID)
	writeLenPrefixed(h, action)
	writeLenPrefixed(h, actor)
	writeLenPrefixed(h, detail)
	h.Write(intToBytes(timestampNs))
	h.Write(previousHash)
	return h.Sum(nil)
}

func computeEntryHash(documentID, annotationID, action, actor, detail string, timestampNs int64, previousHash []byte) [32]byte {
	h := sha256.New()
	h.Write([]byte("stampd-audit-v1"))
	writeLenPrefixed(h, documentID)
	writeLenPrefixed(h, annotationID)
	writeLenPrefixed(h, action)
	writeLenPrefixed(h, actor)
	writeLenPrefixed(h, detail)
	h.Write(intToBytes(timestampNs))
	h.Write(previousHash)
	var result [32]byte
	copy(result[:], h.Sum(nil))
	return result
}

// writeLenPrefixed hashes a length-prefixed string so adjacent fields
// cannot be shifted into each other.
func writeLenPrefixed(h interface{ Write([]byte) (int, error) }, s string) {
	h.Write(intToBytes(int64(len(s))))
	h.Write([]byte(s))
}

func intToBytes(n int64) []byte {
	b := make([]byte, 8)
	b[0] = byte(n >> 56)
	b[1] = byte(n >> 48)
	b[2] = byte(n >> 40)
	b[3] = byte(n >> 32)
	b[4] = byte(n >> 24)
	b[5] = byte(n >> 16)
	b[6] = byte(n >> 8)
	b[7] = byte(n)
	return b
}

// Verify that SecureStore still satisfies Store with its overrides.
var _ Store = (*SecureStore)(nil)
