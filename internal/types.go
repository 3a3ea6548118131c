package internal

import (
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx/types"
)

// Archive scan states.
const (
	ArchiveOpened = "opened"
	ArchiveLocked = "locked"
	ArchiveFailed = "failed"
)

// ArchiveRecord is one scanned container file. The password that opened
// it is never stored; Candidate is its index in the candidate list.
type ArchiveRecord struct {
	Path          string         `db:"path"`
	Container     string         `db:"container"`
	Decoder       sql.NullString `db:"decoder"`
	State         string         `db:"state"`
	Candidate     sql.NullInt64  `db:"candidate"`
	MACDigest     sql.NullString `db:"mac_digest"`
	MACIterations sql.NullInt64  `db:"mac_iterations"`
	PBEJSON       types.JSONText `db:"pbe"`
	ChainStatus   sql.NullString `db:"chain_status"`
	Error         sql.NullString `db:"error"`
	ScannedAt     time.Time      `db:"scanned_at"`
}

// CertificateRecord is a certificate found in an archive.
type CertificateRecord struct {
	Fingerprint string         `db:"fingerprint"`
	ArchivePath string         `db:"archive_path"`
	Position    int            `db:"position"`
	Subject     string         `db:"subject"`
	CommonName  sql.NullString `db:"common_name"`
	Issuer      string         `db:"issuer"`
	Serial      string         `db:"serial"`
	NotBefore   time.Time      `db:"not_before"`
	NotAfter    time.Time      `db:"not_after"`
	CertType    string         `db:"cert_type"`
	KeyType     string         `db:"key_type"`
	SANsJSON    types.JSONText `db:"sans"`
}

// KeyRecord describes a private key found in an archive. Only public
// metadata is kept.
type KeyRecord struct {
	ArchivePath          string         `db:"archive_path"`
	Position             int            `db:"position"`
	KeyType              string         `db:"key_type"`
	KeySize              string         `db:"key_size"`
	PublicKeyFingerprint string         `db:"public_key_fingerprint"`
	CertFingerprint      sql.NullString `db:"cert_fingerprint"`
}

// ScanSummary holds aggregate counts from a scan.
type ScanSummary struct {
	Archives     int `json:"archives"`
	Opened       int `json:"opened"`
	Locked       int `json:"locked"`
	Failed       int `json:"failed"`
	Certificates int `json:"certificates"`
	Expired      int `json:"expired"`
	Untrusted    int `json:"untrusted"`
	Keys         int `json:"keys"`
	Matched      int `json:"key_cert_pairs"`
}
