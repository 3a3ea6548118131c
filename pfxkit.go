// Package pfxkit provides PEM parsing helpers, container codecs (PKCS#12,
// PKCS#7, JKS), trust anchor sources, and chain bundling built on the
// pkcs12 and chain packages.
package pfxkit

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// CertFingerprint returns the SHA-256 fingerprint of a certificate as
// lowercase hex. It is the certificate's identity in the scan catalog.
func CertFingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

// CertFingerprintColonSHA256 returns the SHA-256 fingerprint in the
// uppercase colon-separated form shown by OpenSSL.
func CertFingerprintColonSHA256(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return strings.ToUpper(ColonHex(sum[:]))
}

// CertFingerprintColonSHA1 is CertFingerprintColonSHA256 with SHA-1.
func CertFingerprintColonSHA1(cert *x509.Certificate) string {
	sum := sha1.Sum(cert.Raw)
	return strings.ToUpper(ColonHex(sum[:]))
}

// ColonHex formats b as colon-separated lowercase hex.
func ColonHex(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	const digits = "0123456789abcdef"
	out := make([]byte, 0, len(b)*3-1)
	for i, c := range b {
		if i > 0 {
			out = append(out, ':')
		}
		out = append(out, digits[c>>4], digits[c&0x0f])
	}
	return string(out)
}

// CertSKIEmbedded returns the Subject Key Identifier extension as colon hex,
// or "" when the certificate has none.
func CertSKIEmbedded(cert *x509.Certificate) string {
	return ColonHex(cert.SubjectKeyId)
}

// publicOf returns the public half of a private key, or the key itself when
// it is already public. ok is false for unknown types.
func publicOf(key any) (crypto.PublicKey, bool) {
	switch k := normalizeKey(key).(type) {
	case crypto.Signer:
		return k.Public(), true
	case *rsa.PublicKey, *ecdsa.PublicKey, ed25519.PublicKey:
		return k, true
	case *ed25519.PublicKey:
		return *k, true
	}
	return nil, false
}

// KeyAlgorithmName returns "RSA", "ECDSA", "Ed25519" or "unknown" for a
// private key.
func KeyAlgorithmName(key crypto.PrivateKey) string {
	pub, ok := publicOf(key)
	if !ok {
		return "unknown"
	}
	return PublicKeyAlgorithmName(pub)
}

// PublicKeyAlgorithmName is KeyAlgorithmName for public keys.
func PublicKeyAlgorithmName(key crypto.PublicKey) string {
	switch key.(type) {
	case *rsa.PublicKey:
		return "RSA"
	case *ecdsa.PublicKey:
		return "ECDSA"
	case ed25519.PublicKey, *ed25519.PublicKey:
		return "Ed25519"
	}
	return "unknown"
}

// KeySize describes the strength of a public or private key: the modulus
// bit length for RSA, the curve name for ECDSA.
func KeySize(key any) string {
	pub, _ := publicOf(key)
	switch k := pub.(type) {
	case *rsa.PublicKey:
		return strconv.Itoa(k.N.BitLen())
	case *ecdsa.PublicKey:
		return k.Curve.Params().Name
	case ed25519.PublicKey:
		return "256"
	}
	return "unknown"
}

// GetCertificateType classifies a certificate as root, intermediate, or leaf.
func GetCertificateType(cert *x509.Certificate) string {
	switch {
	case !cert.IsCA:
		return "leaf"
	case bytes.Equal(cert.RawIssuer, cert.RawSubject):
		return "root"
	default:
		return "intermediate"
	}
}

// KeyMatchesCert reports whether priv is the private half of cert's public
// key. Keys of a different algorithm simply do not match.
func KeyMatchesCert(priv crypto.PrivateKey, cert *x509.Certificate) (bool, error) {
	signer, ok := normalizeKey(priv).(crypto.Signer)
	if !ok {
		return false, fmt.Errorf("unsupported private key type: %T", priv)
	}
	pub, ok := signer.Public().(interface{ Equal(crypto.PublicKey) bool })
	if !ok {
		return false, fmt.Errorf("unsupported public key type: %T", signer.Public())
	}
	return pub.Equal(cert.PublicKey), nil
}

// IsPEM reports whether data appears to contain PEM-encoded content.
func IsPEM(data []byte) bool {
	return bytes.Contains(data, []byte("-----BEGIN "))
}

// CertExpiresWithin reports whether cert's NotAfter falls before now+d.
func CertExpiresWithin(cert *x509.Certificate, d time.Duration) bool {
	return cert.NotAfter.Before(time.Now().Add(d))
}
