package chain

import (
	"bytes"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/cryptobyte"
	casn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// ErrMalformedCRL reports a CRL or TBSCertificate that does not decode.
var ErrMalformedCRL = errors.New("chain: malformed CRL")

// CRLEntry is one revoked certificate. SerialNumber holds the INTEGER
// content bytes exactly as encoded.
type CRLEntry struct {
	SerialNumber   []byte
	RevocationDate time.Time
	Extensions     []pkix.Extension
}

// CRL is a parsed certificate revocation list.
type CRL struct {
	Raw        []byte
	RawIssuer  []byte
	ThisUpdate time.Time
	NextUpdate time.Time
	Entries    []CRLEntry
}

// ParseCRL decodes a DER CertificateList, keeping revoked serial numbers as
// raw bytes so that lookups compare wire encodings.
func ParseCRL(der []byte) (*CRL, error) {
	crl := &CRL{Raw: bytes.Clone(der)}
	in := cryptobyte.String(crl.Raw)

	var certList, tbs cryptobyte.String
	if !in.ReadASN1(&certList, casn1.SEQUENCE) || !in.Empty() ||
		!certList.ReadASN1(&tbs, casn1.SEQUENCE) {
		return nil, fmt.Errorf("%w: CertificateList", ErrMalformedCRL)
	}

	if tbs.PeekASN1Tag(casn1.INTEGER) {
		var version int
		if !tbs.ReadASN1Integer(&version) {
			return nil, fmt.Errorf("%w: version", ErrMalformedCRL)
		}
	}
	var issuer cryptobyte.String
	if !tbs.SkipASN1(casn1.SEQUENCE) || !tbs.ReadASN1Element(&issuer, casn1.SEQUENCE) {
		return nil, fmt.Errorf("%w: signature or issuer", ErrMalformedCRL)
	}
	crl.RawIssuer = issuer

	var err error
	if crl.ThisUpdate, err = readTime(&tbs); err != nil {
		return nil, fmt.Errorf("%w: thisUpdate: %w", ErrMalformedCRL, err)
	}
	if tbs.PeekASN1Tag(casn1.UTCTime) || tbs.PeekASN1Tag(casn1.GeneralizedTime) {
		if crl.NextUpdate, err = readTime(&tbs); err != nil {
			return nil, fmt.Errorf("%w: nextUpdate: %w", ErrMalformedCRL, err)
		}
	}

	if tbs.PeekASN1Tag(casn1.SEQUENCE) {
		var revoked cryptobyte.String
		if !tbs.ReadASN1(&revoked, casn1.SEQUENCE) {
			return nil, fmt.Errorf("%w: revokedCertificates", ErrMalformedCRL)
		}
		for !revoked.Empty() {
			entry, err := readCRLEntry(&revoked)
			if err != nil {
				return nil, err
			}
			crl.Entries = append(crl.Entries, entry)
		}
	}
	return crl, nil
}

func readCRLEntry(s *cryptobyte.String) (CRLEntry, error) {
	var entry CRLEntry
	var seq, serial cryptobyte.String
	if !s.ReadASN1(&seq, casn1.SEQUENCE) || !seq.ReadASN1(&serial, casn1.INTEGER) {
		return entry, fmt.Errorf("%w: revoked certificate entry", ErrMalformedCRL)
	}
	entry.SerialNumber = bytes.Clone(serial)

	var err error
	if entry.RevocationDate, err = readTime(&seq); err != nil {
		return entry, fmt.Errorf("%w: revocationDate: %w", ErrMalformedCRL, err)
	}
	if seq.Empty() {
		return entry, nil
	}
	var exts cryptobyte.String
	if !seq.ReadASN1(&exts, casn1.SEQUENCE) || !seq.Empty() {
		return entry, fmt.Errorf("%w: entry extensions", ErrMalformedCRL)
	}
	for !exts.Empty() {
		var ext cryptobyte.String
		var e pkix.Extension
		var value cryptobyte.String
		if !exts.ReadASN1(&ext, casn1.SEQUENCE) || !ext.ReadASN1ObjectIdentifier(&e.Id) {
			return entry, fmt.Errorf("%w: entry extension", ErrMalformedCRL)
		}
		if ext.PeekASN1Tag(casn1.BOOLEAN) && !ext.ReadASN1Boolean(&e.Critical) {
			return entry, fmt.Errorf("%w: extension criticality", ErrMalformedCRL)
		}
		if !ext.ReadASN1(&value, casn1.OCTET_STRING) {
			return entry, fmt.Errorf("%w: extension value", ErrMalformedCRL)
		}
		e.Value = bytes.Clone(value)
		entry.Extensions = append(entry.Extensions, e)
	}
	return entry, nil
}

func readTime(s *cryptobyte.String) (time.Time, error) {
	var t time.Time
	switch {
	case s.PeekASN1Tag(casn1.UTCTime):
		if !s.ReadASN1UTCTime(&t) {
			return t, errors.New("invalid UTCTime")
		}
	case s.PeekASN1Tag(casn1.GeneralizedTime):
		if !s.ReadASN1GeneralizedTime(&t) {
			return t, errors.New("invalid GeneralizedTime")
		}
	default:
		return t, errors.New("missing time")
	}
	return t, nil
}

// Lookup returns the entry whose serial bytes equal serial exactly. Leading
// zero bytes are significant.
func (c *CRL) Lookup(serial []byte) (CRLEntry, bool) {
	for _, e := range c.Entries {
		if bytes.Equal(e.SerialNumber, serial) {
			return e, true
		}
	}
	return CRLEntry{}, false
}

// IsRevoked looks up cert's serial number as encoded in its TBSCertificate.
func (c *CRL) IsRevoked(cert *x509.Certificate) (CRLEntry, bool, error) {
	serial, err := CertificateSerial(cert)
	if err != nil {
		return CRLEntry{}, false, err
	}
	e, ok := c.Lookup(serial)
	return e, ok, nil
}

// IssuedBy reports whether the CRL issuer name matches cert's subject.
func (c *CRL) IssuedBy(cert *x509.Certificate) bool {
	return bytes.Equal(c.RawIssuer, cert.RawSubject)
}

// CheckSignatureFrom verifies the CRL signature with issuer's key.
func (c *CRL) CheckSignatureFrom(issuer *x509.Certificate) error {
	rl, err := x509.ParseRevocationList(c.Raw)
	if err != nil {
		return fmt.Errorf("parsing CRL for signature check: %w", err)
	}
	return rl.CheckSignatureFrom(issuer)
}

// IsCurrent reports whether now falls between thisUpdate and nextUpdate,
// both inclusive. A CRL without nextUpdate never goes stale.
func (c *CRL) IsCurrent(now time.Time) bool {
	if now.Before(c.ThisUpdate) {
		return false
	}
	return c.NextUpdate.IsZero() || !now.After(c.NextUpdate)
}

// CertificateSerial returns the serialNumber INTEGER content bytes of cert
// as they appear in its TBSCertificate.
func CertificateSerial(cert *x509.Certificate) ([]byte, error) {
	tbs := cryptobyte.String(cert.RawTBSCertificate)
	var body, serial cryptobyte.String
	if !tbs.ReadASN1(&body, casn1.SEQUENCE) {
		return nil, fmt.Errorf("%w: TBSCertificate", ErrMalformedCRL)
	}
	if !body.SkipOptionalASN1(casn1.Tag(0).Constructed().ContextSpecific()) ||
		!body.ReadASN1(&serial, casn1.INTEGER) {
		return nil, fmt.Errorf("%w: certificate serial number", ErrMalformedCRL)
	}
	return bytes.Clone(serial), nil
}
