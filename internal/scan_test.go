package internal

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sensiblebit/pfxkit"
)

func TestScanner_ScanDir(t *testing.T) {
	// WHY: scan is the bulk audit path; it must open what the candidates
	// unlock, record what they do not, look inside zip bundles, ignore
	// non-container files, and never descend into VCS directories.
	t.Parallel()
	c := newTestChain(t)
	dir := t.TempDir()

	writeTestFile(t, dir, "a.p12", c.p12(t, pfxkit.PKCS12Options{Password: "pw"}))
	writeTestFile(t, dir, "sub/locked.p12", c.p12(t, pfxkit.PKCS12Options{Password: "nope"}))
	writeTestFile(t, dir, "keystores.zip", createTestZip(t, archiveEntry{"server.jks", c.jks(t, "changeit")}))
	writeTestFile(t, dir, "readme.txt", []byte("not a keystore"))
	writeTestFile(t, dir, ".git/objects/x.p12", c.p12(t, pfxkit.PKCS12Options{Password: "pw"}))

	db := newTestDB(t)
	s := &Scanner{
		DB:        db,
		Passwords: []string{"", "pw", "changeit"},
		Bundle:    c.customBundleOptions(),
		Now:       func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) },
	}
	stats, err := s.ScanDir(context.Background(), dir)
	if err != nil {
		t.Fatal(err)
	}
	if *stats != (ScanStats{Files: 4, Entries: 4, Cataloged: 3, Skipped: 1}) {
		t.Errorf("stats = %+v", *stats)
	}

	opened, err := db.GetArchive(filepath.Join(dir, "a.p12"))
	if err != nil || opened == nil {
		t.Fatalf("a.p12 record = %v, %v", opened, err)
	}
	if opened.State != ArchiveOpened || opened.Candidate.Int64 != 1 || opened.ChainStatus.String != "NoError" {
		t.Errorf("a.p12 = %+v", opened)
	}
	if opened.MACDigest.String != "SHA-1" || !strings.Contains(string(opened.PBEJSON), "sha1-3des") {
		t.Errorf("a.p12 envelope = %s, %s", opened.MACDigest.String, opened.PBEJSON)
	}

	locked, err := db.GetArchive(filepath.Join(dir, "sub", "locked.p12"))
	if err != nil || locked == nil {
		t.Fatalf("locked.p12 record = %v, %v", locked, err)
	}
	if locked.State != ArchiveLocked || locked.Candidate.Valid || !strings.Contains(locked.Error.String, "tried 3") {
		t.Errorf("locked.p12 = %+v", locked)
	}

	jks, err := db.GetArchive(filepath.Join(dir, "keystores.zip") + ":server.jks")
	if err != nil || jks == nil {
		t.Fatalf("zip entry record = %v, %v", jks, err)
	}
	if jks.Container != string(KindJKS) || jks.State != ArchiveOpened {
		t.Errorf("zip entry = %+v", jks)
	}

	keys, err := db.GetKeys(filepath.Join(dir, "a.p12"))
	if err != nil || len(keys) != 1 {
		t.Fatalf("keys = %v, %v", keys, err)
	}
	if keys[0].CertFingerprint.String != pfxkit.CertFingerprint(c.leaf.cert) {
		t.Error("key not linked to the leaf fingerprint")
	}

	summary, err := db.GetScanSummary(time.Now())
	if err != nil {
		t.Fatal(err)
	}
	want := ScanSummary{Archives: 3, Opened: 2, Locked: 1, Certificates: 3, Keys: 2, Matched: 2}
	if *summary != want {
		t.Errorf("summary = %+v, want %+v", *summary, want)
	}
}

func TestScanner_ContextCancelled(t *testing.T) {
	// WHY: A cancelled scan stops walking and reports the cancellation.
	t.Parallel()
	dir := t.TempDir()
	writeTestFile(t, dir, "a.txt", []byte("x"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := (&Scanner{DB: newTestDB(t)}).ScanDir(ctx, dir)
	if err == nil {
		t.Error("expected cancellation error")
	}
}

func TestFormatScanSummary(t *testing.T) {
	// WHY: Zero counts are omitted from the annotations so clean scans read
	// cleanly.
	t.Parallel()
	tests := []struct {
		name    string
		summary ScanSummary
		want    []string
		absent  []string
	}{
		{
			name:    "clean",
			summary: ScanSummary{Archives: 2, Opened: 2, Certificates: 4, Keys: 2, Matched: 2},
			want:    []string{"Containers:   2 (2 opened)", "Certificates: 4\n", "Keys:         2 (2 with certificate)"},
			absent:  []string{"locked", "expired", "untrusted"},
		},
		{
			name:    "problems",
			summary: ScanSummary{Archives: 3, Opened: 1, Locked: 1, Failed: 1, Untrusted: 1, Certificates: 2, Expired: 1},
			want:    []string{"(1 opened, 1 locked, 1 failed, 1 untrusted)", "Certificates: 2 (1 expired)", "Keys:         0\n"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := FormatScanSummary(&tt.summary)
			for _, w := range tt.want {
				if !strings.Contains(got, w) {
					t.Errorf("missing %q in:\n%s", w, got)
				}
			}
			for _, a := range tt.absent {
				if strings.Contains(got, a) {
					t.Errorf("unexpected %q in:\n%s", a, got)
				}
			}
		})
	}
}
