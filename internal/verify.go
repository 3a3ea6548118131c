package internal

import (
	"context"
	"crypto"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/sensiblebit/pfxkit"
	"github.com/sensiblebit/pfxkit/chain"
)

// VerifyInput holds the parsed certificate data and verification options.
type VerifyInput struct {
	Cert       *x509.Certificate
	Key        crypto.PrivateKey
	ExtraCerts []*x509.Certificate
	// Bundle carries the trust store, custom anchors, AIA settings and
	// validation time. ExtraIntermediates is filled from ExtraCerts.
	Bundle         pfxkit.BundleOptions
	CRLs           []*chain.CRL
	CheckKeyMatch  bool
	ExpiryDuration time.Duration
}

// ChainCert holds display information for one certificate in the chain.
type ChainCert struct {
	Subject string `json:"subject"`
	Expiry  string `json:"expiry"`
	SKI     string `json:"ski,omitempty"`
	IsRoot  bool   `json:"root,omitempty"`
}

// RevocationInfo records a chain member found on a CRL.
type RevocationInfo struct {
	Subject   string    `json:"subject"`
	Serial    string    `json:"serial"`
	RevokedAt time.Time `json:"revoked_at"`
}

// VerifyResult holds the results of certificate verification checks.
type VerifyResult struct {
	Subject     string           `json:"subject"`
	SANs        []string         `json:"sans,omitempty"`
	NotAfter    string           `json:"not_after"`
	SKI         string           `json:"ski,omitempty"`
	KeyMatch    *bool            `json:"key_match,omitempty"`
	KeyMatchErr string           `json:"key_match_error,omitempty"`
	KeyInfo     string           `json:"key_info,omitempty"`
	Status      chain.Status     `json:"status"`
	StatusFlags []string         `json:"status_flags,omitempty"`
	Chain       []ChainCert      `json:"chain,omitempty"`
	Revoked     []RevocationInfo `json:"revoked,omitempty"`
	Expiry      *bool            `json:"expires_within,omitempty"`
	ExpiryInfo  string           `json:"expiry_info,omitempty"`
	Warnings    []string         `json:"warnings,omitempty"`
	Errors      []string         `json:"errors,omitempty"`
}

// OK reports whether every requested check passed.
func (r *VerifyResult) OK() bool { return len(r.Errors) == 0 }

// VerifyCert builds the chain for the certificate and runs the requested
// key match, revocation and expiry checks.
func VerifyCert(ctx context.Context, input *VerifyInput) (*VerifyResult, error) {
	cert := input.Cert
	if cert == nil {
		return nil, fmt.Errorf("no certificate to verify")
	}

	result := &VerifyResult{
		Subject:  cert.Subject.String(),
		SANs:     cert.DNSNames,
		NotAfter: cert.NotAfter.UTC().Format(time.RFC3339),
		SKI:      pfxkit.CertSKIEmbedded(cert),
	}

	if input.CheckKeyMatch && input.Key != nil {
		match, err := pfxkit.KeyMatchesCert(input.Key, cert)
		if err != nil {
			result.KeyMatchErr = fmt.Sprintf("comparing key: %v", err)
			result.Errors = append(result.Errors, result.KeyMatchErr)
		} else {
			result.KeyMatch = &match
			result.KeyInfo = fmt.Sprintf("%s %s", pfxkit.KeyAlgorithmName(input.Key), pfxkit.KeySize(input.Key))
			if !match {
				result.Errors = append(result.Errors, "key does not match certificate")
			}
		}
	}

	opts := input.Bundle
	opts.ExtraIntermediates = input.ExtraCerts
	bundle, err := pfxkit.Bundle(ctx, cert, opts)
	if err != nil {
		return nil, fmt.Errorf("building chain: %w", err)
	}
	result.Status = bundle.Status
	result.StatusFlags = bundle.Status.Names()
	result.Chain = buildChainDisplay(bundle)
	result.Warnings = append(result.Warnings, bundle.Warnings...)
	if bundle.Status != chain.NoError {
		result.Errors = append(result.Errors, fmt.Sprintf("chain status: %s", bundle.Status))
	}

	if len(input.CRLs) > 0 {
		now := opts.Time
		if now.IsZero() {
			now = time.Now()
		}
		checkRevocation(result, bundle, input.CRLs, now)
	}

	if input.ExpiryDuration > 0 {
		expires := pfxkit.CertExpiresWithin(cert, input.ExpiryDuration)
		result.Expiry = &expires
		if expires {
			result.ExpiryInfo = fmt.Sprintf("certificate expires within %s (not after: %s)", input.ExpiryDuration, result.NotAfter)
			result.Errors = append(result.Errors, result.ExpiryInfo)
		} else {
			result.ExpiryInfo = fmt.Sprintf("certificate does not expire within %s", input.ExpiryDuration)
		}
	}

	return result, nil
}

// checkRevocation looks up every non-root chain member on the CRLs its
// issuer signed. A CRL whose signature does not verify is ignored with a
// warning; a stale one is still consulted.
func checkRevocation(result *VerifyResult, bundle *pfxkit.BundleResult, crls []*chain.CRL, now time.Time) {
	members := bundle.Chain(true)
	for i, cert := range members {
		var issuer *x509.Certificate
		switch {
		case i+1 < len(members):
			issuer = members[i+1]
		case bundle.Root != nil && !cert.Equal(bundle.Root):
			issuer = bundle.Root
		default:
			continue
		}
		for _, crl := range crls {
			if !crl.IssuedBy(issuer) {
				continue
			}
			if err := crl.CheckSignatureFrom(issuer); err != nil {
				result.Warnings = append(result.Warnings,
					fmt.Sprintf("CRL from %q ignored: %v", issuer.Subject.String(), err))
				continue
			}
			if !crl.IsCurrent(now) {
				result.Warnings = append(result.Warnings,
					fmt.Sprintf("CRL from %q is outside its update window", issuer.Subject.String()))
			}
			entry, revoked, err := crl.IsRevoked(cert)
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("revocation check for %q: %v", cert.Subject.String(), err))
				continue
			}
			if revoked {
				result.Revoked = append(result.Revoked, RevocationInfo{
					Subject:   cert.Subject.String(),
					Serial:    pfxkit.ColonHex(entry.SerialNumber),
					RevokedAt: entry.RevocationDate,
				})
				result.Errors = append(result.Errors, fmt.Sprintf("certificate %q revoked on %s",
					cert.Subject.String(), entry.RevocationDate.UTC().Format(time.RFC3339)))
			}
		}
	}
}

// LoadCRLFiles reads DER or PEM ("X509 CRL") encoded CRLs.
func LoadCRLFiles(paths []string) ([]*chain.CRL, error) {
	var crls []*chain.CRL
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("reading CRL %s: %w", p, err)
		}
		ders := [][]byte{data}
		if pfxkit.IsPEM(data) {
			ders = nil
			for rest := data; ; {
				var block *pem.Block
				block, rest = pem.Decode(rest)
				if block == nil {
					break
				}
				if block.Type == "X509 CRL" {
					ders = append(ders, block.Bytes)
				}
			}
			if len(ders) == 0 {
				return nil, fmt.Errorf("no X509 CRL blocks in %s", p)
			}
		}
		for _, der := range ders {
			crl, err := chain.ParseCRL(der)
			if err != nil {
				return nil, fmt.Errorf("parsing CRL %s: %w", p, err)
			}
			crls = append(crls, crl)
		}
	}
	return crls, nil
}

// buildChainDisplay creates the display chain from a BundleResult.
func buildChainDisplay(bundle *pfxkit.BundleResult) []ChainCert {
	var out []ChainCert
	for _, c := range bundle.Chain(true) {
		out = append(out, ChainCert{
			Subject: c.Subject.String(),
			Expiry:  c.NotAfter.UTC().Format("2006-01-02"),
			SKI:     pfxkit.CertSKIEmbedded(c),
			IsRoot:  bundle.Root != nil && c.Equal(bundle.Root),
		})
	}
	return out
}

// daysUntil returns the number of days from now until t, rounded down.
func daysUntil(t time.Time) int {
	return int(math.Floor(time.Until(t).Hours() / 24))
}

// FormatVerifyResult renders a verify result as "text" or "json".
func FormatVerifyResult(r *VerifyResult, format string) (string, error) {
	switch format {
	case "", "text":
		return formatVerifyText(r), nil
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

func formatVerifyText(r *VerifyResult) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Certificate: %s\n", r.Subject)

	if len(r.SANs) > 0 {
		fmt.Fprintf(&sb, "       SANs: %s\n", strings.Join(r.SANs, ", "))
	}

	notAfter, err := time.Parse(time.RFC3339, r.NotAfter)
	if err == nil {
		fmt.Fprintf(&sb, "  Not After: %s (%d days)\n", r.NotAfter, daysUntil(notAfter))
	} else {
		fmt.Fprintf(&sb, "  Not After: %s\n", r.NotAfter)
	}

	if r.SKI != "" {
		fmt.Fprintf(&sb, "        SKI: %s\n", r.SKI)
	}

	if r.KeyMatch != nil {
		if *r.KeyMatch {
			fmt.Fprintf(&sb, "  Key Match: OK (%s)\n", r.KeyInfo)
		} else {
			fmt.Fprintf(&sb, "  Key Match: MISMATCH (%s)\n", r.KeyInfo)
		}
	} else if r.KeyMatchErr != "" {
		fmt.Fprintf(&sb, "  Key Match: ERROR (%s)\n", r.KeyMatchErr)
	}

	if r.Status == chain.NoError {
		sb.WriteString("      Chain: VALID\n")
	} else {
		fmt.Fprintf(&sb, "      Chain: INVALID (%s)\n", r.Status)
	}

	if len(r.Chain) > 0 {
		sb.WriteString("\nChain:\n")
		for i, c := range r.Chain {
			tag := ""
			if c.IsRoot {
				tag = "  [root]"
			}
			fmt.Fprintf(&sb, "  %d: %s  (expires %s)%s\n", i, c.Subject, c.Expiry, tag)
			if c.SKI != "" {
				fmt.Fprintf(&sb, "     SKI: %s\n", c.SKI)
			}
		}
	}

	for _, rv := range r.Revoked {
		fmt.Fprintf(&sb, "\n  REVOKED: %s (serial %s, %s)\n", rv.Subject, rv.Serial, rv.RevokedAt.UTC().Format(time.RFC3339))
	}

	if r.Expiry != nil {
		fmt.Fprintf(&sb, "\n  Expiry: %s\n", r.ExpiryInfo)
	}

	if len(r.Warnings) > 0 {
		sb.WriteString("\nWarnings:\n")
		for _, w := range r.Warnings {
			fmt.Fprintf(&sb, "  - %s\n", w)
		}
	}

	if len(r.Errors) > 0 {
		fmt.Fprintf(&sb, "\nVerification FAILED (%d error(s))\n", len(r.Errors))
	} else {
		sb.WriteString("\nVerification OK\n")
	}

	return sb.String()
}
