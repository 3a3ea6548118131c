package internal

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	ctx509 "github.com/google/certificate-transparency-go/x509"

	"github.com/sensiblebit/pfxkit"
	"github.com/sensiblebit/pfxkit/pkcs12"
)

// InspectResult describes everything found in one container file.
type InspectResult struct {
	File         string        `json:"file"`
	Container    ContainerKind `json:"container"`
	Decoder      string        `json:"decoder,omitempty"`
	Archive      *ArchiveInfo  `json:"archive,omitempty"`
	Certificates []CertInfo    `json:"certificates,omitempty"`
	Keys         []KeyInfo     `json:"keys,omitempty"`
	OtherBags    []BagInfo     `json:"other_bags,omitempty"`
	Warnings     []string      `json:"warnings,omitempty"`
}

// ArchiveInfo is the PKCS#12 envelope: integrity and encryption settings.
type ArchiveInfo struct {
	Version    int      `json:"version"`
	MAC        *MACInfo `json:"mac,omitempty"`
	Algorithms []string `json:"pbe_algorithms,omitempty"`
	Password   bool     `json:"password_protected"`
}

// MACInfo describes the archive MAC.
type MACInfo struct {
	Digest     string `json:"digest"`
	Iterations int    `json:"iterations"`
	SaltLength int    `json:"salt_length"`
}

// CertInfo holds display fields for one certificate.
type CertInfo struct {
	Subject      string   `json:"subject"`
	Issuer       string   `json:"issuer"`
	Serial       string   `json:"serial"`
	NotBefore    string   `json:"not_before"`
	NotAfter     string   `json:"not_after"`
	CertType     string   `json:"cert_type,omitempty"`
	KeyAlgo      string   `json:"key_algorithm,omitempty"`
	KeySize      string   `json:"key_size,omitempty"`
	SANs         []string `json:"sans,omitempty"`
	SHA256       string   `json:"sha256_fingerprint"`
	SHA1         string   `json:"sha1_fingerprint,omitempty"`
	SKI          string   `json:"subject_key_id,omitempty"`
	SigAlg       string   `json:"signature_algorithm"`
	FriendlyName string   `json:"friendly_name,omitempty"`
	LocalKeyID   string   `json:"local_key_id,omitempty"`
	// Lenient marks a certificate only a lenient parser could read.
	Lenient bool `json:"lenient,omitempty"`
}

// KeyInfo holds display fields for one private key.
type KeyInfo struct {
	Type         string `json:"type"`
	Size         string `json:"size"`
	Shrouded     bool   `json:"shrouded,omitempty"`
	FriendlyName string `json:"friendly_name,omitempty"`
	LocalKeyID   string `json:"local_key_id,omitempty"`
	// Certificate is the index of the matching certificate, or -1.
	Certificate int `json:"certificate"`
}

// BagInfo describes a bag that is carried but not interpreted.
type BagInfo struct {
	Kind         string `json:"kind"`
	Size         int    `json:"size"`
	FriendlyName string `json:"friendly_name,omitempty"`
}

var macDigestNames = map[string]string{
	"1.3.14.3.2.26":          "SHA-1",
	"2.16.840.1.101.3.4.2.1": "SHA-256",
}

// InspectFile reads a container and describes its contents.
func InspectFile(path string, passwords []string, logger *slog.Logger) (*InspectResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	result, err := InspectData(data, passwords, logger)
	if err != nil {
		return nil, fmt.Errorf("inspecting %s: %w", path, err)
	}
	result.File = path
	return result, nil
}

// InspectData describes a container held in memory. A PKCS#12 certificate
// the standard library rejects is retried with a lenient parser and
// reported with a warning instead of failing the whole inspection.
func InspectData(data []byte, passwords []string, logger *slog.Logger) (*InspectResult, error) {
	contents, err := ParseContainerData(data, passwords, logger)
	var certErr *pkcs12.CertificateError
	if errors.As(err, &certErr) {
		info, lenientErr := lenientCertInfo(certErr.Raw)
		if lenientErr != nil {
			return nil, fmt.Errorf("%w (lenient parse: %v)", err, lenientErr)
		}
		return &InspectResult{
			Container:    KindPKCS12,
			Certificates: []CertInfo{info},
			Warnings:     []string{fmt.Sprintf("certificate %q rejected by the standard parser: %v", info.Subject, certErr.Err)},
		}, nil
	}
	if err != nil {
		return nil, err
	}

	result := &InspectResult{Container: contents.Kind}
	if contents.PKCS12 != nil && contents.PKCS12.Archive != nil {
		defer contents.PKCS12.Archive.Close()
		describeArchive(result, contents.PKCS12)
		return result, nil
	}
	if contents.PKCS12 != nil {
		result.Decoder = contents.PKCS12.Decoder
	}
	for _, c := range contents.Certs {
		result.Certificates = append(result.Certificates, certInfo(c))
	}
	for _, k := range contents.Keys {
		result.Keys = append(result.Keys, keyInfo(k, contents.Certs))
	}
	return result, nil
}

func describeArchive(result *InspectResult, p12 *pfxkit.PKCS12Contents) {
	a := p12.Archive
	result.Decoder = p12.Decoder
	info := &ArchiveInfo{Version: a.Version, Password: a.MAC != nil}
	if a.MAC != nil {
		digest, ok := macDigestNames[a.MAC.Algorithm.String()]
		if !ok {
			digest = a.MAC.Algorithm.String()
		}
		info.MAC = &MACInfo{Digest: digest, Iterations: a.MAC.Iterations, SaltLength: len(a.MAC.Salt)}
	}
	for _, alg := range a.Algorithms {
		info.Algorithms = append(info.Algorithms, alg.String())
	}
	result.Archive = info

	certs := a.Certs()
	for _, entry := range a.Certificates {
		ci := certInfo(entry.Certificate)
		ci.FriendlyName = entry.Attributes.FriendlyName
		ci.LocalKeyID = pfxkit.ColonHex(entry.Attributes.LocalKeyID)
		result.Certificates = append(result.Certificates, ci)
	}
	for i, entry := range a.Keys {
		ki := keyInfo(entry.Key, certs)
		if leaf := a.CertificateFor(i); leaf != nil {
			ki.Certificate = slices.IndexFunc(certs, leaf.Equal)
		}
		ki.Shrouded = entry.Shrouded
		ki.FriendlyName = entry.Attributes.FriendlyName
		ki.LocalKeyID = pfxkit.ColonHex(entry.Attributes.LocalKeyID)
		result.Keys = append(result.Keys, ki)
	}
	for _, bag := range a.Other {
		result.OtherBags = append(result.OtherBags, BagInfo{
			Kind:         bag.Kind.String(),
			Size:         len(bag.Value),
			FriendlyName: bag.Attributes.FriendlyName,
		})
	}
	if a.MAC == nil && len(a.Keys) > 0 && !slices.ContainsFunc(a.Keys, func(k pkcs12.KeyEntry) bool { return k.Shrouded }) {
		result.Warnings = append(result.Warnings, "private keys are stored unencrypted and the archive has no MAC")
	}
}

func certInfo(cert *x509.Certificate) CertInfo {
	sans := slices.Clone(cert.DNSNames)
	for _, ip := range cert.IPAddresses {
		sans = append(sans, ip.String())
	}
	for _, uri := range cert.URIs {
		sans = append(sans, uri.String())
	}
	return CertInfo{
		Subject:   cert.Subject.String(),
		Issuer:    cert.Issuer.String(),
		Serial:    cert.SerialNumber.String(),
		NotBefore: cert.NotBefore.UTC().Format(time.RFC3339),
		NotAfter:  cert.NotAfter.UTC().Format(time.RFC3339),
		CertType:  pfxkit.GetCertificateType(cert),
		KeyAlgo:   pfxkit.PublicKeyAlgorithmName(cert.PublicKey),
		KeySize:   pfxkit.KeySize(cert.PublicKey),
		SANs:      sans,
		SHA256:    pfxkit.CertFingerprintColonSHA256(cert),
		SHA1:      pfxkit.CertFingerprintColonSHA1(cert),
		SKI:       pfxkit.CertSKIEmbedded(cert),
		SigAlg:    cert.SignatureAlgorithm.String(),
	}
}

func keyInfo(key any, certs []*x509.Certificate) KeyInfo {
	ki := KeyInfo{
		Type:        pfxkit.KeyAlgorithmName(key),
		Size:        pfxkit.KeySize(key),
		Certificate: -1,
	}
	for i, c := range certs {
		if ok, err := pfxkit.KeyMatchesCert(key, c); err == nil && ok {
			ki.Certificate = i
			break
		}
	}
	return ki
}

// lenientCertInfo parses raw with the certificate-transparency parser,
// which tolerates encoding errors such as negative serials or malformed
// extensions that the standard library rejects.
func lenientCertInfo(raw []byte) (CertInfo, error) {
	cert, err := ctx509.ParseCertificate(raw)
	if cert == nil || ctx509.IsFatal(err) {
		return CertInfo{}, err
	}
	sum := sha256.Sum256(raw)
	return CertInfo{
		Subject:   cert.Subject.String(),
		Issuer:    cert.Issuer.String(),
		Serial:    cert.SerialNumber.String(),
		NotBefore: cert.NotBefore.UTC().Format(time.RFC3339),
		NotAfter:  cert.NotAfter.UTC().Format(time.RFC3339),
		SANs:      cert.DNSNames,
		SHA256:    strings.ToUpper(pfxkit.ColonHex(sum[:])),
		SigAlg:    cert.SignatureAlgorithm.String(),
		Lenient:   true,
	}, nil
}

// FormatInspectResult formats an inspection result as text or JSON.
func FormatInspectResult(r *InspectResult, format string) (string, error) {
	switch format {
	case "text":
		return formatInspectText(r), nil
	case "json":
		data, err := json.MarshalIndent(r, "", "  ")
		if err != nil {
			return "", fmt.Errorf("marshaling JSON: %w", err)
		}
		return string(data) + "\n", nil
	default:
		return "", fmt.Errorf("unsupported output format %q (use text or json)", format)
	}
}

func formatInspectText(r *InspectResult) string {
	var sb strings.Builder
	if r.File != "" {
		fmt.Fprintf(&sb, "File:      %s\n", r.File)
	}
	fmt.Fprintf(&sb, "Container: %s", r.Container)
	if r.Decoder != "" {
		fmt.Fprintf(&sb, " (%s decoder)", r.Decoder)
	}
	sb.WriteString("\n")

	if a := r.Archive; a != nil {
		fmt.Fprintf(&sb, "Version:   %d\n", a.Version)
		if a.MAC != nil {
			fmt.Fprintf(&sb, "MAC:       HMAC-%s, %d iterations, %d-byte salt\n", a.MAC.Digest, a.MAC.Iterations, a.MAC.SaltLength)
		} else {
			sb.WriteString("MAC:       none\n")
		}
		if len(a.Algorithms) > 0 {
			fmt.Fprintf(&sb, "PBE:       %s\n", strings.Join(a.Algorithms, ", "))
		}
	}

	for i, c := range r.Certificates {
		fmt.Fprintf(&sb, "\nCertificate %d:\n", i)
		fmt.Fprintf(&sb, "  Subject:     %s\n", c.Subject)
		if len(c.SANs) > 0 {
			fmt.Fprintf(&sb, "  SANs:        %s\n", strings.Join(c.SANs, ", "))
		}
		fmt.Fprintf(&sb, "  Issuer:      %s\n", c.Issuer)
		fmt.Fprintf(&sb, "  Serial:      %s\n", c.Serial)
		if c.CertType != "" {
			fmt.Fprintf(&sb, "  Type:        %s\n", c.CertType)
		}
		fmt.Fprintf(&sb, "  Not Before:  %s\n", c.NotBefore)
		fmt.Fprintf(&sb, "  Not After:   %s\n", c.NotAfter)
		if c.KeyAlgo != "" {
			fmt.Fprintf(&sb, "  Key:         %s %s\n", c.KeyAlgo, c.KeySize)
		}
		fmt.Fprintf(&sb, "  Signature:   %s\n", c.SigAlg)
		fmt.Fprintf(&sb, "  SHA-256:     %s\n", c.SHA256)
		if c.SHA1 != "" {
			fmt.Fprintf(&sb, "  SHA-1:       %s\n", c.SHA1)
		}
		if c.SKI != "" {
			fmt.Fprintf(&sb, "  SKI:         %s\n", c.SKI)
		}
		writeBagAttributes(&sb, c.FriendlyName, c.LocalKeyID)
		if c.Lenient {
			sb.WriteString("  Parsed:      lenient\n")
		}
	}

	for i, k := range r.Keys {
		fmt.Fprintf(&sb, "\nPrivate Key %d:\n", i)
		fmt.Fprintf(&sb, "  Type:        %s %s\n", k.Type, k.Size)
		if k.Certificate >= 0 {
			fmt.Fprintf(&sb, "  Certificate: %d\n", k.Certificate)
		} else {
			sb.WriteString("  Certificate: none\n")
		}
		if r.Container == KindPKCS12 && r.Archive != nil {
			fmt.Fprintf(&sb, "  Shrouded:    %t\n", k.Shrouded)
		}
		writeBagAttributes(&sb, k.FriendlyName, k.LocalKeyID)
	}

	for _, b := range r.OtherBags {
		fmt.Fprintf(&sb, "\nBag: %s (%d bytes)", b.Kind, b.Size)
		if b.FriendlyName != "" {
			fmt.Fprintf(&sb, " %q", b.FriendlyName)
		}
		sb.WriteString("\n")
	}

	if len(r.Warnings) > 0 {
		sb.WriteString("\nWarnings:\n")
		for _, w := range r.Warnings {
			fmt.Fprintf(&sb, "  - %s\n", w)
		}
	}
	return sb.String()
}

func writeBagAttributes(sb *strings.Builder, friendlyName, localKeyID string) {
	if friendlyName != "" {
		fmt.Fprintf(sb, "  Name:        %s\n", friendlyName)
	}
	if localKeyID != "" {
		fmt.Fprintf(sb, "  Local Key ID: %s\n", localKeyID)
	}
}
