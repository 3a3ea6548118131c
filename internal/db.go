package internal

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// DB is the scan catalog.
type DB struct {
	*sqlx.DB
}

// NewDB creates an in-memory catalog. Use SaveToDisk and LoadFromDisk to
// persist or restore it.
func NewDB() (*DB, error) {
	// Pin to a single connection: each :memory: connection is a separate
	// database. PRAGMAs in the DSN apply to reconnections too.
	dsn := "file::memory:?_pragma=temp_store(2)&_pragma=journal_mode(off)&_pragma=synchronous(off)"
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)

	dbObj := &DB{DB: db}
	if err := dbObj.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	slog.Debug("database initialized")
	return dbObj, nil
}

func (db *DB) initSchema() error {
	stmts := []struct {
		name string
		sql  string
	}{
		{"archives table", `
			CREATE TABLE IF NOT EXISTS archives (
				path           text PRIMARY KEY,
				container      text NOT NULL,
				decoder        text,
				state          text NOT NULL,
				candidate      integer,
				mac_digest     text,
				mac_iterations integer,
				pbe            text,
				chain_status   text,
				error          text,
				scanned_at     timestamp NOT NULL
			);`},
		{"certificates table", `
			CREATE TABLE IF NOT EXISTS certificates (
				fingerprint  text NOT NULL,
				archive_path text NOT NULL,
				position     integer NOT NULL,
				subject      text NOT NULL,
				common_name  text,
				issuer       text NOT NULL,
				serial       text NOT NULL,
				not_before   timestamp NOT NULL,
				not_after    timestamp NOT NULL,
				cert_type    text NOT NULL,
				key_type     text NOT NULL,
				sans         text,
				PRIMARY KEY(fingerprint, archive_path)
			);`},
		{"keys table", `
			CREATE TABLE IF NOT EXISTS keys (
				archive_path           text NOT NULL,
				position               integer NOT NULL,
				key_type               text NOT NULL,
				key_size               text NOT NULL,
				public_key_fingerprint text NOT NULL,
				cert_fingerprint       text,
				PRIMARY KEY(archive_path, position)
			);`},
		{"certificate fingerprint index", `CREATE INDEX IF NOT EXISTS idx_certificates_fingerprint ON certificates (fingerprint);`},
	}
	for _, s := range stmts {
		if _, err := db.Exec(s.sql); err != nil {
			return fmt.Errorf("creating %s: %w", s.name, err)
		}
	}
	return nil
}

// SaveToDisk writes the in-memory database to path with VACUUM INTO.
func (db *DB) SaveToDisk(path string) error {
	if _, err := db.Exec("VACUUM INTO ?", path); err != nil {
		return fmt.Errorf("saving database to %s: %w", path, err)
	}
	slog.Info("database saved to disk", "path", path)
	return nil
}

// LoadFromDisk merges an on-disk catalog into the in-memory one. Rows for
// archives already present are replaced by the disk copy.
func (db *DB) LoadFromDisk(path string) error {
	if _, err := db.Exec("ATTACH DATABASE ? AS diskdb", path); err != nil {
		return fmt.Errorf("attaching database %s: %w", path, err)
	}
	defer func() {
		if _, err := db.Exec("DETACH DATABASE diskdb"); err != nil {
			slog.Warn("detaching database", "path", path, "error", err)
		}
	}()

	for _, table := range []string{"archives", "certificates", "keys"} {
		if _, err := db.Exec("INSERT OR REPLACE INTO " + table + " SELECT * FROM diskdb." + table); err != nil {
			return fmt.Errorf("loading %s from %s: %w", table, path, err)
		}
	}
	slog.Info("database loaded from disk", "path", path)
	return nil
}

// InsertArchive records a scanned archive, replacing any earlier scan of
// the same path along with its certificates and keys.
func (db *DB) InsertArchive(a ArchiveRecord) error {
	a.ScannedAt = a.ScannedAt.UTC()
	tx, err := db.Beginx()
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"certificates", "keys"} {
		if _, err := tx.Exec("DELETE FROM "+table+" WHERE archive_path = ?", a.Path); err != nil {
			return fmt.Errorf("clearing %s for %s: %w", table, a.Path, err)
		}
	}
	if _, err := tx.NamedExec(`
		INSERT OR REPLACE INTO archives (path, container, decoder, state, candidate, mac_digest, mac_iterations, pbe, chain_status, error, scanned_at)
		VALUES (:path, :container, :decoder, :state, :candidate, :mac_digest, :mac_iterations, :pbe, :chain_status, :error, :scanned_at)
	`, a); err != nil {
		return fmt.Errorf("inserting archive: %w", err)
	}
	return tx.Commit()
}

// InsertCertificate records a certificate occurrence. Times are stored in
// UTC so that they compare as text.
func (db *DB) InsertCertificate(c CertificateRecord) error {
	c.NotBefore, c.NotAfter = c.NotBefore.UTC(), c.NotAfter.UTC()
	_, err := db.NamedExec(`
		INSERT OR IGNORE INTO certificates (fingerprint, archive_path, position, subject, common_name, issuer, serial, not_before, not_after, cert_type, key_type, sans)
		VALUES (:fingerprint, :archive_path, :position, :subject, :common_name, :issuer, :serial, :not_before, :not_after, :cert_type, :key_type, :sans)
	`, c)
	if err != nil {
		return fmt.Errorf("inserting certificate: %w", err)
	}
	return nil
}

// InsertKey records a key occurrence.
func (db *DB) InsertKey(k KeyRecord) error {
	_, err := db.NamedExec(`
		INSERT OR REPLACE INTO keys (archive_path, position, key_type, key_size, public_key_fingerprint, cert_fingerprint)
		VALUES (:archive_path, :position, :key_type, :key_size, :public_key_fingerprint, :cert_fingerprint)
	`, k)
	if err != nil {
		return fmt.Errorf("inserting key: %w", err)
	}
	return nil
}

// GetArchive returns the record for path, or nil when it was never scanned.
func (db *DB) GetArchive(path string) (*ArchiveRecord, error) {
	var a ArchiveRecord
	err := db.Get(&a, "SELECT * FROM archives WHERE path = ?", path)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting archive: %w", err)
	}
	return &a, nil
}

// GetArchives returns every archive ordered by path.
func (db *DB) GetArchives() ([]ArchiveRecord, error) {
	var out []ArchiveRecord
	if err := db.Select(&out, "SELECT * FROM archives ORDER BY path"); err != nil {
		return nil, fmt.Errorf("getting archives: %w", err)
	}
	return out, nil
}

// GetCertificates returns the certificates found in path, in archive order.
func (db *DB) GetCertificates(path string) ([]CertificateRecord, error) {
	var out []CertificateRecord
	if err := db.Select(&out, "SELECT * FROM certificates WHERE archive_path = ? ORDER BY position", path); err != nil {
		return nil, fmt.Errorf("getting certificates: %w", err)
	}
	return out, nil
}

// GetKeys returns the keys found in path, in archive order.
func (db *DB) GetKeys(path string) ([]KeyRecord, error) {
	var out []KeyRecord
	if err := db.Select(&out, "SELECT * FROM keys WHERE archive_path = ? ORDER BY position", path); err != nil {
		return nil, fmt.Errorf("getting keys: %w", err)
	}
	return out, nil
}

// GetScanSummary queries the catalog for aggregate counts. Certificates
// are counted once per fingerprint however many archives hold them.
func (db *DB) GetScanSummary(now time.Time) (*ScanSummary, error) {
	now = now.UTC()
	s := &ScanSummary{}
	queries := []struct {
		name string
		dest *int
		sql  string
		args []any
	}{
		{"archives", &s.Archives, "SELECT COUNT(*) FROM archives", nil},
		{"opened", &s.Opened, "SELECT COUNT(*) FROM archives WHERE state = ?", []any{ArchiveOpened}},
		{"locked", &s.Locked, "SELECT COUNT(*) FROM archives WHERE state = ?", []any{ArchiveLocked}},
		{"failed", &s.Failed, "SELECT COUNT(*) FROM archives WHERE state = ?", []any{ArchiveFailed}},
		{"untrusted", &s.Untrusted, "SELECT COUNT(*) FROM archives WHERE chain_status IS NOT NULL AND chain_status != 'NoError'", nil},
		{"certificates", &s.Certificates, "SELECT COUNT(DISTINCT fingerprint) FROM certificates", nil},
		{"expired", &s.Expired, "SELECT COUNT(DISTINCT fingerprint) FROM certificates WHERE not_after < ?", []any{now}},
		{"keys", &s.Keys, "SELECT COUNT(*) FROM keys", nil},
		{"matched", &s.Matched, "SELECT COUNT(*) FROM keys WHERE cert_fingerprint IS NOT NULL", nil},
	}
	for _, q := range queries {
		if err := db.Get(q.dest, q.sql, q.args...); err != nil {
			return nil, fmt.Errorf("counting %s: %w", q.name, err)
		}
	}
	return s, nil
}

// DumpDB logs every archive with its certificates at debug level.
func (db *DB) DumpDB() error {
	archives, err := db.GetArchives()
	if err != nil {
		return err
	}
	for _, a := range archives {
		slog.Debug("archive",
			"path", a.Path,
			"container", a.Container,
			"state", a.State,
			"chain_status", a.ChainStatus.String,
			"error", a.Error.String)
		certs, err := db.GetCertificates(a.Path)
		if err != nil {
			return err
		}
		for _, c := range certs {
			slog.Debug("certificate",
				"archive", a.Path,
				"position", c.Position,
				"subject", c.Subject,
				"type", c.CertType,
				"not_after", c.NotAfter)
		}
	}
	slog.Debug("total archives", "count", len(archives))
	return nil
}
