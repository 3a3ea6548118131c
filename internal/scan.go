package internal

import (
	"context"
	"crypto"
	"crypto/sha256"
	"crypto/x509"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/jmoiron/sqlx/types"

	"github.com/sensiblebit/pfxkit"
	"github.com/sensiblebit/pfxkit/pkcs12"
)

// skippedDirs are version control and dependency trees that a keystore
// sweep never needs to enter.
var skippedDirs = map[string]bool{
	".git":         true,
	".hg":          true,
	".svn":         true,
	"node_modules": true,
	"__pycache__":  true,
	".venv":        true,
}

// Scanner walks a directory tree and catalogs every container it can
// identify.
type Scanner struct {
	DB        *DB
	Passwords []string
	// Bundle configures chain resolution for each opened container's leaf.
	Bundle pfxkit.BundleOptions
	Limits ArchiveLimits
	Logger *slog.Logger
	// Now stamps records. Nil means time.Now.
	Now func() time.Time
}

// ScanStats counts what a walk touched.
type ScanStats struct {
	Files     int
	Entries   int
	Cataloged int
	Skipped   int
}

// ScanDir walks root. Unreadable files are logged and skipped; only a
// catalog write failure or cancellation aborts the walk.
func (s *Scanner) ScanDir(ctx context.Context, root string) (*ScanStats, error) {
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	if s.Limits == (ArchiveLimits{}) {
		s.Limits = DefaultArchiveLimits()
	}
	stats := &ScanStats{}
	var writeErr error

	visit := func(path string, data []byte) {
		if writeErr != nil {
			return
		}
		stats.Entries++
		ok, err := s.ScanData(ctx, path, data)
		if err != nil {
			writeErr = err
			return
		}
		if ok {
			stats.Cataloged++
		} else {
			stats.Skipped++
		}
	}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			s.Logger.Warn("walking", "path", path, "error", err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() && path != root && skippedDirs[d.Name()] {
			return fs.SkipDir
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			s.Logger.Debug("stat", "path", path, "error", err)
			return nil
		}

		format := ArchiveFormat(path)
		if format == "" && info.Size() > s.Limits.MaxEntrySize {
			s.Logger.Debug("skipping oversized file", "path", path, "size", info.Size())
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			s.Logger.Warn("reading file", "path", path, "error", err)
			return nil
		}
		stats.Files++

		if format != "" {
			if _, err := ProcessArchive(ProcessArchiveInput{
				ArchivePath: path,
				Data:        data,
				Format:      format,
				Limits:      s.Limits,
				Visit:       visit,
				Logger:      s.Logger,
			}); err != nil {
				s.Logger.Warn("extracting bundle", "path", path, "error", err)
			}
		} else {
			visit(path, data)
		}
		return writeErr
	})
	if err != nil {
		return stats, err
	}
	return stats, writeErr
}

// ScanData catalogs one file's contents under path. It reports false when
// the data is not a container at all.
func (s *Scanner) ScanData(ctx context.Context, path string, data []byte) (bool, error) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}

	record := ArchiveRecord{Path: path, ScannedAt: now().UTC()}
	contents, err := ParseContainerData(data, s.Passwords, logger)
	if err != nil {
		kind, known := failedKind(data, err)
		if !known {
			logger.Debug("not a container", "path", path, "error", err)
			return false, nil
		}
		record.Container = string(kind)
		record.State = ArchiveFailed
		if errors.Is(err, ErrNoPassword) || strings.Contains(err.Error(), "loading JKS") {
			record.State = ArchiveLocked
		}
		record.Error = sql.NullString{String: err.Error(), Valid: true}
		logger.Debug("container not opened", "path", path, "state", record.State)
		return true, s.DB.InsertArchive(record)
	}

	record.Container = string(contents.Kind)
	record.State = ArchiveOpened
	if p12 := contents.PKCS12; p12 != nil {
		defer func() {
			if p12.Archive != nil {
				p12.Archive.Close()
			}
		}()
		record.Decoder = sql.NullString{String: p12.Decoder, Valid: true}
		if i := slices.Index(s.Passwords, contents.Password); i >= 0 {
			record.Candidate = sql.NullInt64{Int64: int64(i), Valid: true}
		}
		if a := p12.Archive; a != nil {
			if a.MAC != nil {
				digest, ok := macDigestNames[a.MAC.Algorithm.String()]
				if !ok {
					digest = a.MAC.Algorithm.String()
				}
				record.MACDigest = sql.NullString{String: digest, Valid: true}
				record.MACIterations = sql.NullInt64{Int64: int64(a.MAC.Iterations), Valid: true}
			}
			var names []string
			for _, alg := range a.Algorithms {
				names = append(names, alg.ShortName())
			}
			if record.PBEJSON, err = jsonText(names); err != nil {
				return false, err
			}
		}
	}

	if leaf := contents.Leaf(); leaf != nil {
		opts := s.Bundle
		opts.ExtraIntermediates = contents.ExtraCerts()
		opts.Logger = logger
		bundle, err := pfxkit.Bundle(ctx, leaf, opts)
		if err != nil {
			return false, fmt.Errorf("resolving chain for %s: %w", path, err)
		}
		record.ChainStatus = sql.NullString{String: bundle.Status.String(), Valid: true}
	}

	if err := s.DB.InsertArchive(record); err != nil {
		return false, err
	}
	for i, cert := range contents.Certs {
		rec, err := certificateRecord(path, i, cert)
		if err != nil {
			return false, err
		}
		if err := s.DB.InsertCertificate(rec); err != nil {
			return false, err
		}
	}
	for i, key := range contents.Keys {
		rec, err := keyRecord(path, i, key, contents.Certs)
		if err != nil {
			logger.Debug("describing key", "path", path, "position", i, "error", err)
			continue
		}
		if err := s.DB.InsertKey(rec); err != nil {
			return false, err
		}
	}
	logger.Debug("cataloged", "path", path, "container", record.Container,
		"certificates", len(contents.Certs), "keys", len(contents.Keys))
	return true, nil
}

// failedKind decides whether a parse failure belongs to a recognizable
// container that should still be cataloged.
func failedKind(data []byte, err error) (ContainerKind, bool) {
	switch {
	case pfxkit.IsJKS(data):
		return KindJKS, true
	case errors.Is(err, ErrNoPassword),
		errors.Is(err, pkcs12.ErrUnsupportedAlgorithm),
		errors.Is(err, pkcs12.ErrUnsupportedFeature),
		errors.Is(err, pkcs12.ErrDecryptionFailure):
		return KindPKCS12, true
	}
	var certErr *pkcs12.CertificateError
	if errors.As(err, &certErr) {
		return KindPKCS12, true
	}
	return "", false
}

func certificateRecord(path string, position int, cert *x509.Certificate) (CertificateRecord, error) {
	sans := slices.Clone(cert.DNSNames)
	for _, ip := range cert.IPAddresses {
		sans = append(sans, ip.String())
	}
	sansJSON, err := jsonText(sans)
	if err != nil {
		return CertificateRecord{}, err
	}
	rec := CertificateRecord{
		Fingerprint: pfxkit.CertFingerprint(cert),
		ArchivePath: path,
		Position:    position,
		Subject:     cert.Subject.String(),
		Issuer:      cert.Issuer.String(),
		Serial:      cert.SerialNumber.Text(16),
		NotBefore:   cert.NotBefore.UTC(),
		NotAfter:    cert.NotAfter.UTC(),
		CertType:    pfxkit.GetCertificateType(cert),
		KeyType:     pfxkit.PublicKeyAlgorithmName(cert.PublicKey),
		SANsJSON:    sansJSON,
	}
	if cert.Subject.CommonName != "" {
		rec.CommonName = sql.NullString{String: cert.Subject.CommonName, Valid: true}
	}
	return rec, nil
}

func keyRecord(path string, position int, key any, certs []*x509.Certificate) (KeyRecord, error) {
	signer, ok := key.(interface{ Public() crypto.PublicKey })
	if !ok {
		return KeyRecord{}, fmt.Errorf("unsupported private key type %T", key)
	}
	spki, err := x509.MarshalPKIXPublicKey(signer.Public())
	if err != nil {
		return KeyRecord{}, fmt.Errorf("marshaling public key: %w", err)
	}
	sum := sha256.Sum256(spki)
	rec := KeyRecord{
		ArchivePath:          path,
		Position:             position,
		KeyType:              pfxkit.KeyAlgorithmName(key),
		KeySize:              pfxkit.KeySize(key),
		PublicKeyFingerprint: hex.EncodeToString(sum[:]),
	}
	for _, c := range certs {
		if match, err := pfxkit.KeyMatchesCert(key, c); err == nil && match {
			rec.CertFingerprint = sql.NullString{String: pfxkit.CertFingerprint(c), Valid: true}
			break
		}
	}
	return rec, nil
}

func jsonText(v []string) (types.JSONText, error) {
	if len(v) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding JSON column: %w", err)
	}
	return types.JSONText(data), nil
}

// labeledCount is one figure in a summary annotation.
type labeledCount struct {
	n     int
	label string
}

// countAnnotation renders non-zero counts as " (2 expired, 1 locked)", or
// "" when every count is zero.
func countAnnotation(counts ...labeledCount) string {
	var parts []string
	for _, c := range counts {
		if c.n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", c.n, c.label))
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return " (" + strings.Join(parts, ", ") + ")"
}

// FormatScanSummary renders catalog totals for the terminal.
func FormatScanSummary(s *ScanSummary) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Containers:   %d%s\n", s.Archives, countAnnotation(
		labeledCount{s.Opened, "opened"}, labeledCount{s.Locked, "locked"}, labeledCount{s.Failed, "failed"},
		labeledCount{s.Untrusted, "untrusted"}))
	fmt.Fprintf(&sb, "Certificates: %d%s\n", s.Certificates, countAnnotation(labeledCount{s.Expired, "expired"}))
	fmt.Fprintf(&sb, "Keys:         %d%s\n", s.Keys, countAnnotation(labeledCount{s.Matched, "with certificate"}))
	return sb.String()
}
