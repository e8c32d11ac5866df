package credential

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/majorcontext/aquaman/internal/name"

	_ "modernc.org/sqlite" // SQLite driver registration
)

// verifierPlaintext is sealed into the meta table at creation; opening
// it on a later run proves the supplied password is the original one.
const verifierPlaintext = "aquaman-store-verifier"

// SQLiteStore keeps credentials in a password-protected SQLite file.
// The database itself is plain SQLite; every value is sealed with an
// AEAD key derived from the password, and a verifier row rejects wrong
// passwords at open time. The file is created 0600.
type SQLiteStore struct {
	db   *sql.DB
	aead cipher.AEAD
	mu   sync.Mutex // serializes writes; reads go through database/sql's pool
}

// NewSQLiteStore opens or creates the database. A wrong password is
// reported as ErrWrongPassword, not as an empty store.
func NewSQLiteStore(path, password string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite store path is required")
	}
	if password == "" {
		return nil, fmt.Errorf("sqlite store password is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating store dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.init(password); err != nil {
		db.Close()
		return nil, err
	}

	if err := os.Chmod(path, 0600); err != nil {
		db.Close()
		return nil, fmt.Errorf("restricting database mode: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) init(password string) error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS store_meta (
			id       INTEGER PRIMARY KEY CHECK (id = 1),
			salt     BLOB NOT NULL,
			verifier BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS credentials (
			service    TEXT NOT NULL,
			key        TEXT NOT NULL,
			value      BLOB NOT NULL,
			source     TEXT,
			created_at TEXT,
			PRIMARY KEY (service, key)
		);
	`)
	if err != nil {
		return fmt.Errorf("creating tables: %w", err)
	}

	var salt, verifier []byte
	row := s.db.QueryRow(`SELECT salt, verifier FROM store_meta WHERE id = 1`)
	switch err := row.Scan(&salt, &verifier); err {
	case nil:
		aead, aErr := chacha20poly1305.NewX(deriveKey(password, salt))
		if aErr != nil {
			return fmt.Errorf("creating cipher: %w", aErr)
		}
		if _, aErr := aeadOpen(aead, verifier); aErr != nil {
			return ErrWrongPassword
		}
		s.aead = aead
		return nil

	case sql.ErrNoRows:
		salt = make([]byte, saltSize)
		if _, err := io.ReadFull(rand.Reader, salt); err != nil {
			return fmt.Errorf("generating salt: %w", err)
		}
		aead, aErr := chacha20poly1305.NewX(deriveKey(password, salt))
		if aErr != nil {
			return fmt.Errorf("creating cipher: %w", aErr)
		}
		verifier, aErr = aeadSeal(aead, []byte(verifierPlaintext))
		if aErr != nil {
			return aErr
		}
		if _, err := s.db.Exec(`INSERT INTO store_meta (id, salt, verifier) VALUES (1, ?, ?)`,
			salt, verifier); err != nil {
			return fmt.Errorf("writing store metadata: %w", err)
		}
		s.aead = aead
		return nil

	default:
		return fmt.Errorf("reading store metadata: %w", err)
	}
}

// Get returns the decrypted value, or ("", nil) when absent.
func (s *SQLiteStore) Get(ctx context.Context, service, key string) (string, error) {
	if err := checkNames(service, key); err != nil {
		return "", err
	}
	var sealed []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM credentials WHERE service = ? AND key = ?`,
		service, key).Scan(&sealed)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading credential: %w", err)
	}
	plaintext, err := aeadOpen(s.aead, sealed)
	if err != nil {
		return "", fmt.Errorf("decrypting credential %s/%s: %w", service, key, err)
	}
	return string(plaintext), nil
}

// Set creates or overwrites a record.
func (s *SQLiteStore) Set(ctx context.Context, service, key, value string, meta *Metadata) error {
	if err := checkNames(service, key); err != nil {
		return err
	}
	sealed, err := aeadSeal(s.aead, []byte(value))
	if err != nil {
		return err
	}

	var source, createdAt string
	if meta != nil {
		source = meta.Source
		if !meta.CreatedAt.IsZero() {
			createdAt = meta.CreatedAt.UTC().Format(time.RFC3339Nano)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO credentials (service, key, value, source, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (service, key) DO UPDATE SET
			value = excluded.value,
			source = excluded.source,
			created_at = excluded.created_at
	`, service, key, sealed, source, createdAt)
	if err != nil {
		return fmt.Errorf("writing credential: %w", err)
	}
	return nil
}

// Delete removes a record, reporting whether one existed.
func (s *SQLiteStore) Delete(ctx context.Context, service, key string) (bool, error) {
	if err := checkNames(service, key); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM credentials WHERE service = ? AND key = ?`, service, key)
	if err != nil {
		return false, fmt.Errorf("deleting credential: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("deleting credential: %w", err)
	}
	return n > 0, nil
}

// List returns the stored refs, optionally filtered by service.
func (s *SQLiteStore) List(ctx context.Context, service string) ([]Ref, error) {
	query := `SELECT service, key FROM credentials ORDER BY service, key`
	args := []any{}
	if service != "" {
		if err := name.ValidateService(service); err != nil {
			return nil, err
		}
		query = `SELECT service, key FROM credentials WHERE service = ? ORDER BY service, key`
		args = append(args, service)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing credentials: %w", err)
	}
	defer rows.Close()

	var refs []Ref
	for rows.Next() {
		var ref Ref
		if err := rows.Scan(&ref.Service, &ref.Key); err != nil {
			return nil, fmt.Errorf("scanning credential row: %w", err)
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// Exists reports whether a record exists.
func (s *SQLiteStore) Exists(ctx context.Context, service, key string) (bool, error) {
	if err := checkNames(service, key); err != nil {
		return false, err
	}
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM credentials WHERE service = ? AND key = ?`,
		service, key).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading credential: %w", err)
	}
	return true, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// aeadSeal encrypts plaintext with a fresh nonce prepended.
func aeadSeal(aead cipher.AEAD, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// aeadOpen decrypts a nonce-prefixed blob.
func aeadOpen(aead cipher.AEAD, sealed []byte) ([]byte, error) {
	if len(sealed) < aead.NonceSize() {
		return nil, fmt.Errorf("sealed value too short")
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	return aead.Open(nil, nonce, ciphertext, nil)
}
