package pfxkit

import (
	"crypto"
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"iter"
	"slices"
	"strings"

	"github.com/youmark/pkcs8"
	"golang.org/x/crypto/ssh"
)

// PEM block types handled by the parsers.
const (
	pemCertificate         = "CERTIFICATE"
	pemPrivateKey          = "PRIVATE KEY"
	pemEncryptedPrivateKey = "ENCRYPTED PRIVATE KEY"
	pemRSAPrivateKey       = "RSA PRIVATE KEY"
	pemECPrivateKey        = "EC PRIVATE KEY"
	pemOpenSSHPrivateKey   = "OPENSSH PRIVATE KEY"
)

// pemBlocks yields every PEM block in data, in order.
func pemBlocks(data []byte) iter.Seq[*pem.Block] {
	return func(yield func(*pem.Block) bool) {
		for rest := data; len(rest) > 0; {
			var block *pem.Block
			if block, rest = pem.Decode(rest); block == nil || !yield(block) {
				return
			}
		}
	}
}

// ParsePEMCertificates parses all certificates from a PEM bundle. Blocks of
// other types are skipped.
func ParsePEMCertificates(pemData []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for block := range pemBlocks(pemData) {
		if block.Type != pemCertificate {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing certificate %d: %w", len(certs)+1, err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, errors.New("no certificates found in PEM data")
	}
	return certs, nil
}

// ParseCertificatesAny parses certificates from DER, PEM, or a PKCS#7
// certs-only bundle.
func ParseCertificatesAny(data []byte) ([]*x509.Certificate, error) {
	if IsPEM(data) {
		return ParsePEMCertificates(data)
	}
	cert, derErr := x509.ParseCertificate(data)
	if derErr == nil {
		return []*x509.Certificate{cert}, nil
	}
	certs, p7Err := DecodePKCS7(data)
	if p7Err != nil {
		return nil, fmt.Errorf("not DER (%v) or PKCS#7 (%v)", derErr, p7Err)
	}
	return certs, nil
}

// normalizeKey dereferences *ed25519.PrivateKey (as returned by
// ssh.ParseRawPrivateKey) so type switches only need the value form.
func normalizeKey(key crypto.PrivateKey) crypto.PrivateKey {
	if ptr, ok := key.(*ed25519.PrivateKey); ok {
		return *ptr
	}
	return key
}

// plainKeyParsers lists the DER parsers tried for each unencrypted block
// type. "PRIVATE KEY" falls back to PKCS#1 and SEC 1 for mislabeled keys.
var plainKeyParsers = map[string][]func([]byte) (any, error){
	pemRSAPrivateKey: {asAny(x509.ParsePKCS1PrivateKey)},
	pemECPrivateKey:  {asAny(x509.ParseECPrivateKey)},
	pemPrivateKey: {
		x509.ParsePKCS8PrivateKey,
		asAny(x509.ParsePKCS1PrivateKey),
		asAny(x509.ParseECPrivateKey),
	},
}

func asAny[K any](parse func([]byte) (K, error)) func([]byte) (any, error) {
	return func(der []byte) (any, error) { return parse(der) }
}

// ParsePEMPrivateKey parses the first PEM block of pemData as an
// unencrypted private key (PKCS#1, PKCS#8, SEC 1, or OpenSSH).
func ParsePEMPrivateKey(pemData []byte) (crypto.PrivateKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, errors.New("no PEM block found in private key data")
	}
	if block.Type == pemOpenSSHPrivateKey {
		key, err := ssh.ParseRawPrivateKey(pemData)
		if err != nil {
			return nil, fmt.Errorf("parsing OpenSSH private key: %w", err)
		}
		return normalizeKey(key), nil
	}

	parsers, ok := plainKeyParsers[block.Type]
	if !ok {
		return nil, fmt.Errorf("unsupported PEM block type %q", block.Type)
	}
	var firstErr error
	for _, parse := range parsers {
		key, err := parse(block.Bytes)
		if err == nil {
			return normalizeKey(key), nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, fmt.Errorf("parsing %s block: %w", block.Type, firstErr)
}

// DefaultPasswords returns the passwords tried when no password is given.
// Returns a fresh copy each call.
func DefaultPasswords() []string {
	return []string{"", "password", "changeit", "keypassword"}
}

// DeduplicatePasswords returns the defaults followed by extra, keeping the
// first occurrence of each password.
func DeduplicatePasswords(extra []string) []string {
	out := DefaultPasswords()
	for _, p := range extra {
		if !slices.Contains(out, p) {
			out = append(out, p)
		}
	}
	return out
}

// keyDecrypter opens one encrypted key encoding with a single password.
type keyDecrypter struct {
	name    string
	decrypt func(pemData []byte, block *pem.Block, password string) (crypto.PrivateKey, error)
}

func decrypterFor(block *pem.Block) (keyDecrypter, bool) {
	switch {
	case block.Type == pemEncryptedPrivateKey:
		return keyDecrypter{"PKCS#8", func(_ []byte, block *pem.Block, password string) (crypto.PrivateKey, error) {
			return pkcs8.ParsePKCS8PrivateKey(block.Bytes, []byte(password))
		}}, true
	case block.Type == pemOpenSSHPrivateKey:
		return keyDecrypter{"OpenSSH", func(pemData []byte, _ *pem.Block, password string) (crypto.PrivateKey, error) {
			if password == "" {
				return nil, errors.New("empty passphrase")
			}
			return ssh.ParseRawPrivateKeyWithPassphrase(pemData, []byte(password))
		}}, true
	//nolint:staticcheck // legacy RFC 1423 PEM encryption is still found in the wild
	case x509.IsEncryptedPEMBlock(block):
		return keyDecrypter{"RFC 1423", func(_ []byte, block *pem.Block, password string) (crypto.PrivateKey, error) {
			//nolint:staticcheck // see above
			der, err := x509.DecryptPEMBlock(block, []byte(password))
			if err != nil {
				return nil, err
			}
			return ParsePEMPrivateKey(pem.EncodeToMemory(&pem.Block{Type: block.Type, Bytes: der}))
		}}, true
	}
	return keyDecrypter{}, false
}

// ParsePEMPrivateKeyWithPasswords parses a PEM private key, trying each
// password in order when the block is encrypted. PKCS#8 "ENCRYPTED PRIVATE
// KEY" blocks (PBES2 or PKCS#5 v1.5), OpenSSH keys, and legacy RFC 1423
// headers are supported.
func ParsePEMPrivateKeyWithPasswords(pemData []byte, passwords []string) (crypto.PrivateKey, error) {
	key, plainErr := ParsePEMPrivateKey(pemData)
	if plainErr == nil {
		return key, nil
	}
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, plainErr
	}
	dec, ok := decrypterFor(block)
	if !ok {
		return nil, plainErr
	}
	for _, password := range passwords {
		if key, err := dec.decrypt(pemData, block, password); err == nil {
			return normalizeKey(key), nil
		}
	}
	return nil, fmt.Errorf("decrypting %s private key: none of %d passwords worked", dec.name, len(passwords))
}

// ParsePEMPrivateKeys returns every private key in a PEM bundle that parses
// with one of passwords. Blocks that fail are skipped.
func ParsePEMPrivateKeys(pemData []byte, passwords []string) []crypto.PrivateKey {
	var keys []crypto.PrivateKey
	for block := range pemBlocks(pemData) {
		if !strings.HasSuffix(block.Type, pemPrivateKey) {
			continue
		}
		if key, err := ParsePEMPrivateKeyWithPasswords(pem.EncodeToMemory(block), passwords); err == nil {
			keys = append(keys, key)
		}
	}
	return keys
}

// CertToPEM encodes a certificate as PEM.
func CertToPEM(cert *x509.Certificate) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: pemCertificate, Bytes: cert.Raw}))
}

// CertsToPEM concatenates the PEM encodings of certs.
func CertsToPEM(certs []*x509.Certificate) string {
	var sb strings.Builder
	for _, c := range certs {
		_ = pem.Encode(&sb, &pem.Block{Type: pemCertificate, Bytes: c.Raw})
	}
	return sb.String()
}

// MarshalPrivateKeyToPEM marshals a private key to unencrypted PKCS#8 PEM.
func MarshalPrivateKeyToPEM(key crypto.PrivateKey) (string, error) {
	der, err := x509.MarshalPKCS8PrivateKey(normalizeKey(key))
	if err != nil {
		return "", fmt.Errorf("marshaling private key to PKCS#8: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: pemPrivateKey, Bytes: der})), nil
}

// MarshalEncryptedPrivateKeyToPEM marshals a private key to an "ENCRYPTED
// PRIVATE KEY" PEM block using PBES2 with the library defaults.
func MarshalEncryptedPrivateKeyToPEM(key crypto.PrivateKey, password string) (string, error) {
	if password == "" {
		return "", errors.New("encrypting private key: empty password")
	}
	der, err := pkcs8.MarshalPrivateKey(normalizeKey(key), []byte(password), nil)
	if err != nil {
		return "", fmt.Errorf("encrypting private key to PKCS#8: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: pemEncryptedPrivateKey, Bytes: der})), nil
}
