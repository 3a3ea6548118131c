package internal

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"path/filepath"
	"strings"
)

// ArchiveLimits bounds what scan extracts from zip and tar bundles of
// keystores.
type ArchiveLimits struct {
	// MaxDecompressionRatio caps uncompressed/compressed size for a zip
	// entry, judged from its header. Tar entries are stored uncompressed
	// and are not ratio-checked.
	MaxDecompressionRatio int64

	// MaxTotalSize caps the bytes extracted from one bundle.
	MaxTotalSize int64

	// MaxEntryCount caps the entries visited in one bundle.
	MaxEntryCount int

	// MaxEntrySize is the maximum size of a single decompressed entry, and
	// of a plain file found by the walk. Larger entries are skipped.
	MaxEntrySize int64
}

// DefaultArchiveLimits returns the limits scan uses unless told otherwise.
func DefaultArchiveLimits() ArchiveLimits {
	return ArchiveLimits{
		MaxDecompressionRatio: 100,
		MaxTotalSize:          256 << 20,
		MaxEntryCount:         10_000,
		MaxEntrySize:          10 << 20,
	}
}

// EntryVisitor receives one extracted entry. virtualPath is
// "<archive>:<entry name>".
type EntryVisitor func(virtualPath string, data []byte)

// ProcessArchiveInput holds the parameters for archive processing.
type ProcessArchiveInput struct {
	ArchivePath string
	Data        []byte
	// Format is "zip", "tar" or "tar.gz", as returned by ArchiveFormat.
	Format string
	Limits ArchiveLimits
	Visit  EntryVisitor
	Logger *slog.Logger
}

// ArchiveFormat names the bundle format implied by path's extension, or ""
// for anything else.
func ArchiveFormat(path string) string {
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return "tar.gz"
	case strings.HasSuffix(lower, ".tar"):
		return "tar"
	case filepath.Ext(lower) == ".zip":
		return "zip"
	}
	return ""
}

// IsArchive reports whether path names a zip or tar bundle.
func IsArchive(path string) bool {
	return ArchiveFormat(path) != ""
}

// errStopExtraction ends a bundle early once a whole-bundle budget is spent.
var errStopExtraction = errors.New("extraction budget exhausted")

// extraction tracks one bundle's budgets and hands accepted entries to the
// visitor. Skipped entries never count against the budgets.
type extraction struct {
	in       ProcessArchiveInput
	total    int64
	accepted int
}

// admit decides from an entry's claimed size whether to read it. It
// returns errStopExtraction when the bundle's count or total budget leaves
// no room.
func (x *extraction) admit(name string, claimed int64) (bool, error) {
	log := x.in.Logger.With("archive", x.in.ArchivePath, "entry", name)
	if x.accepted >= x.in.Limits.MaxEntryCount {
		log.Warn("entry count limit reached, stopping", "limit", x.in.Limits.MaxEntryCount)
		return false, errStopExtraction
	}
	if IsArchive(name) {
		log.Debug("skipping nested bundle")
		return false, nil
	}
	if claimed > x.in.Limits.MaxEntrySize {
		log.Debug("skipping oversized entry", "size", claimed, "limit", x.in.Limits.MaxEntrySize)
		return false, nil
	}
	if x.total+claimed > x.in.Limits.MaxTotalSize {
		log.Warn("total size limit reached, stopping", "limit", x.in.Limits.MaxTotalSize)
		return false, errStopExtraction
	}
	return true, nil
}

// deliver reads an admitted entry, at most one byte past the size limit
// since headers can lie, and passes it on.
func (x *extraction) deliver(name string, r io.Reader) {
	data, err := io.ReadAll(io.LimitReader(r, limitPlusOne(x.in.Limits.MaxEntrySize)))
	if err != nil {
		x.in.Logger.Debug("reading entry", "archive", x.in.ArchivePath, "entry", name, "error", err)
		return
	}
	if int64(len(data)) > x.in.Limits.MaxEntrySize {
		x.in.Logger.Warn("entry larger than its header claimed", "archive", x.in.ArchivePath, "entry", name)
		return
	}
	x.total += int64(len(data))
	x.accepted++
	x.in.Visit(x.in.ArchivePath+":"+name, data)
}

// ProcessArchive extracts the regular entries of a zip or tar bundle and
// hands each to input.Visit. It returns the number of entries visited.
// Nested bundles are skipped.
func ProcessArchive(input ProcessArchiveInput) (int, error) {
	if input.Logger == nil {
		input.Logger = slog.Default()
	}
	x := &extraction{in: input}

	var err error
	switch input.Format {
	case "zip":
		err = x.zip()
	case "tar":
		err = x.tar(bytes.NewReader(input.Data))
	case "tar.gz":
		var gz *gzip.Reader
		if gz, err = gzip.NewReader(bytes.NewReader(input.Data)); err != nil {
			return 0, fmt.Errorf("opening gzip layer for %s: %w", input.ArchivePath, err)
		}
		err = x.tar(gz)
		_ = gz.Close()
	default:
		return 0, fmt.Errorf("unsupported archive format: %q", input.Format)
	}
	if err != nil && !errors.Is(err, errStopExtraction) {
		return x.accepted, err
	}

	input.Logger.Info("processed bundle", "archive", input.ArchivePath, "format", input.Format, "entries", x.accepted)
	return x.accepted, nil
}

func (x *extraction) zip() error {
	zr, err := zip.NewReader(bytes.NewReader(x.in.Data), int64(len(x.in.Data)))
	if err != nil {
		return fmt.Errorf("opening zip archive %s: %w", x.in.ArchivePath, err)
	}
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		if f.CompressedSize64 > 0 {
			if ratio := int64(f.UncompressedSize64 / f.CompressedSize64); ratio > x.in.Limits.MaxDecompressionRatio {
				x.in.Logger.Warn("skipping zip entry with suspicious compression ratio",
					"archive", x.in.ArchivePath, "entry", f.Name, "ratio", ratio, "limit", x.in.Limits.MaxDecompressionRatio)
				continue
			}
		}
		ok, err := x.admit(f.Name, int64(f.UncompressedSize64))
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			x.in.Logger.Debug("opening zip entry", "archive", x.in.ArchivePath, "entry", f.Name, "error", err)
			continue
		}
		x.deliver(f.Name, rc)
		_ = rc.Close()
	}
	return nil
}

// tar reads entries until EOF. A read error after at least one accepted
// entry ends the bundle with what was read; before that it is an error.
func (x *extraction) tar(r io.Reader) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if x.accepted > 0 {
				x.in.Logger.Warn("tar read error, keeping entries read so far",
					"archive", x.in.ArchivePath, "entries", x.accepted, "error", err)
				return nil
			}
			return fmt.Errorf("reading tar archive %s: %w", x.in.ArchivePath, err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		ok, err := x.admit(hdr.Name, hdr.Size)
		if err != nil {
			return err
		}
		if ok {
			x.deliver(hdr.Name, tr)
		}
	}
}

// limitPlusOne returns n+1 without overflowing.
func limitPlusOne(n int64) int64 {
	if n == math.MaxInt64 {
		return n
	}
	return n + 1
}
