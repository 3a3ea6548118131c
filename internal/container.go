package internal

import (
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"

	"github.com/sensiblebit/pfxkit"
	"github.com/sensiblebit/pfxkit/pkcs12"
)

// ContainerKind names the encoding a container was read from.
type ContainerKind string

const (
	KindPKCS12 ContainerKind = "pkcs12"
	KindJKS    ContainerKind = "jks"
	KindPKCS7  ContainerKind = "pkcs7"
	KindPEM    ContainerKind = "pem"
	KindDER    ContainerKind = "der"
)

// ErrNoPassword reports a PKCS#12 archive that none of the candidate
// passwords opened.
var ErrNoPassword = errors.New("no candidate password opened the archive")

// ContainerContents holds the parsed contents of a certificate container.
// Certs holds the leaf first when one could be identified.
type ContainerContents struct {
	Kind  ContainerKind
	Keys  []crypto.PrivateKey
	Certs []*x509.Certificate

	// PKCS12 is set for KindPKCS12 and Password is the candidate that
	// opened it.
	PKCS12   *pfxkit.PKCS12Contents
	Password string
}

// Leaf returns the end-entity certificate, or nil for an empty container.
func (c *ContainerContents) Leaf() *x509.Certificate {
	if len(c.Certs) == 0 {
		return nil
	}
	return c.Certs[0]
}

// Key returns the private key matching the leaf, else the first key.
func (c *ContainerContents) Key() crypto.PrivateKey {
	if leaf := c.Leaf(); leaf != nil {
		for _, k := range c.Keys {
			if ok, err := pfxkit.KeyMatchesCert(k, leaf); err == nil && ok {
				return k
			}
		}
	}
	if len(c.Keys) > 0 {
		return c.Keys[0]
	}
	return nil
}

// ExtraCerts returns every certificate but the leaf.
func (c *ContainerContents) ExtraCerts() []*x509.Certificate {
	if len(c.Certs) < 2 {
		return nil
	}
	return c.Certs[1:]
}

// LoadContainerFile reads path and parses it with ParseContainerData.
func LoadContainerFile(path string, passwords []string, logger *slog.Logger) (*ContainerContents, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	contents, err := ParseContainerData(data, passwords, logger)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return contents, nil
}

// ParseContainerData identifies and parses JKS, PEM, PKCS#12, PKCS#7 or DER
// data. PKCS#12 archives are opened with the first password that passes
// the integrity check; data that is structurally not an archive falls
// through to the remaining formats.
func ParseContainerData(data []byte, passwords []string, logger *slog.Logger) (*ContainerContents, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if pfxkit.IsJKS(data) {
		certs, keys, err := pfxkit.DecodeJKS(data, passwords)
		if err != nil {
			return nil, err
		}
		return newContents(KindJKS, keys, certs), nil
	}

	if pfxkit.IsPEM(data) {
		certs, _ := pfxkit.ParsePEMCertificates(data)
		keys := pfxkit.ParsePEMPrivateKeys(data, passwords)
		if len(certs) == 0 && len(keys) == 0 {
			return nil, errors.New("PEM data contains no certificates or usable private keys")
		}
		return newContents(KindPEM, keys, certs), nil
	}

	p12, password, err := openPKCS12(data, passwords, logger)
	if err == nil {
		c := newContents(KindPKCS12, p12.Keys, p12.Certificates)
		if leaf := p12.Leaf(); leaf != nil {
			c.Certs = leafFirst(leaf, p12.Certificates)
		}
		c.PKCS12 = p12
		c.Password = password
		return c, nil
	}
	var certErr *pkcs12.CertificateError
	if !errors.Is(err, pkcs12.ErrMalformedArchive) || errors.As(err, &certErr) {
		return nil, err
	}

	if certs, p7Err := pfxkit.DecodePKCS7(data); p7Err == nil {
		return newContents(KindPKCS7, nil, certs), nil
	}
	if cert, derErr := x509.ParseCertificate(data); derErr == nil {
		return newContents(KindDER, nil, []*x509.Certificate{cert}), nil
	}
	return nil, errors.New("could not parse as PEM, DER, PKCS#12, JKS, or PKCS#7")
}

// openPKCS12 tries each password in turn. A malformed archive stops at the
// first attempt since no password can fix its structure. That includes a
// certificate the standard library rejects, which is only reached once the
// integrity check has passed.
func openPKCS12(data []byte, passwords []string, logger *slog.Logger) (*pfxkit.PKCS12Contents, string, error) {
	if len(passwords) == 0 {
		passwords = []string{""}
	}
	var lastErr error
	for i, pw := range passwords {
		contents, err := pfxkit.DecodePKCS12WithLogger(data, pw, logger)
		if err == nil {
			logger.Debug("PKCS#12 opened", "candidate", i, "decoder", contents.Decoder)
			return contents, pw, nil
		}
		if errors.Is(err, pkcs12.ErrMalformedArchive) {
			return nil, "", err
		}
		lastErr = err
	}
	return nil, "", fmt.Errorf("%w (tried %d): %w", ErrNoPassword, len(passwords), lastErr)
}

func newContents(kind ContainerKind, keys []crypto.PrivateKey, certs []*x509.Certificate) *ContainerContents {
	c := &ContainerContents{Kind: kind, Keys: keys, Certs: certs}
	if leaf := pickLeaf(keys, certs); leaf != nil {
		c.Certs = leafFirst(leaf, certs)
	}
	return c
}

// pickLeaf prefers the certificate of a key, then the first non-CA.
func pickLeaf(keys []crypto.PrivateKey, certs []*x509.Certificate) *x509.Certificate {
	for _, k := range keys {
		for _, c := range certs {
			if ok, err := pfxkit.KeyMatchesCert(k, c); err == nil && ok {
				return c
			}
		}
	}
	for _, c := range certs {
		if !c.IsCA {
			return c
		}
	}
	return nil
}

func leafFirst(leaf *x509.Certificate, certs []*x509.Certificate) []*x509.Certificate {
	out := []*x509.Certificate{leaf}
	for _, c := range certs {
		if !c.Equal(leaf) && !slices.ContainsFunc(out, c.Equal) {
			out = append(out, c)
		}
	}
	return out
}
