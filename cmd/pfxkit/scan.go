package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/sensiblebit/pfxkit/internal"
)

var (
	scanChain       chainFlags
	scanMaxFileSize int64
)

var scanCmd = &cobra.Command{
	Use:   "scan <dir>",
	Short: "Catalog every keystore under a directory",
	Long: `Walk a directory tree, open every PKCS#12, JKS, PKCS#7, PEM and DER file with
the candidate passwords (descending into zip and tar bundles) and record
the archives, certificates, keys and chain status in a SQLite catalog.

With --db the catalog is loaded from and saved back to that file, so
repeated scans accumulate. Passwords are never stored.`,
	Example: `  pfxkit scan /etc/ssl -p changeit,secret
  pfxkit scan ./keystores --db catalog.db --password-file passwords.txt`,
	Args:              cobra.ExactArgs(1),
	RunE:              runScan,
	ValidArgsFunction: directoryCompletion,
}

func init() {
	scanCmd.Flags().Int64Var(&scanMaxFileSize, "max-file-size", 0, "Skip files larger than this many bytes (default: archive entry limit)")
	scanChain.register(scanCmd)
}

func runScan(cmd *cobra.Command, args []string) error {
	opts, err := scanChain.bundleOptions(cmd)
	if err != nil {
		return err
	}
	passwords, err := candidatePasswords()
	if err != nil {
		return err
	}

	db, err := internal.NewDB()
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	if dbPath != "" {
		if _, err := os.Stat(dbPath); err == nil {
			if err := db.LoadFromDisk(dbPath); err != nil {
				return err
			}
		} else if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("checking catalog %s: %w", dbPath, err)
		}
	}

	limits := internal.DefaultArchiveLimits()
	if scanMaxFileSize > 0 {
		limits.MaxEntrySize = scanMaxFileSize
	}
	scanner := &internal.Scanner{
		DB:        db,
		Passwords: passwords,
		Bundle:    opts,
		Limits:    limits,
		Logger:    slog.Default(),
		Now:       time.Now,
	}

	start := time.Now()
	stats, err := scanner.ScanDir(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	slog.Debug("scan finished", "files", stats.Files, "entries", stats.Entries, "cataloged", stats.Cataloged, "skipped", stats.Skipped, "elapsed", time.Since(start))

	if err := db.DumpDB(); err != nil {
		return err
	}

	summary, err := db.GetScanSummary(time.Now())
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), internal.FormatScanSummary(summary))

	if dbPath != "" {
		return saveCatalog(db, dbPath)
	}
	return nil
}

// saveCatalog writes through a temporary file because VACUUM INTO refuses
// an existing target.
func saveCatalog(db *internal.DB, path string) error {
	tmp := filepath.Join(filepath.Dir(path), fmt.Sprintf(".%s.%d.tmp", filepath.Base(path), os.Getpid()))
	_ = os.Remove(tmp)
	if err := db.SaveToDisk(tmp); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replacing catalog %s: %w", path, err)
	}
	slog.Info("catalog saved", "path", path)
	return nil
}
