package pfxkit

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/sensiblebit/pfxkit/pkcs12"
	"github.com/smallstep/pkcs7"
	gopkcs12 "software.sslmate.com/src/go-pkcs12"
)

// Decoder names reported in PKCS12Contents.Decoder.
const (
	DecoderNative  = "native"
	DecoderSSLMate = "sslmate"
)

// PKCS12Contents is a decoded PKCS#12 archive.
type PKCS12Contents struct {
	// Archive is the full decoded structure. It is nil when the fallback
	// decoder accepted the data.
	Archive      *pkcs12.Archive
	Keys         []crypto.PrivateKey
	Certificates []*x509.Certificate
	Decoder      string
}

// Leaf returns the certificate matching the first key, else the first
// certificate, else nil.
func (c *PKCS12Contents) Leaf() *x509.Certificate {
	if c.Archive != nil {
		if cert := c.Archive.CertificateFor(0); cert != nil {
			return cert
		}
	}
	for _, key := range c.Keys {
		for _, cert := range c.Certificates {
			if ok, err := KeyMatchesCert(key, cert); err == nil && ok {
				return cert
			}
		}
	}
	if len(c.Certificates) > 0 {
		return c.Certificates[0]
	}
	return nil
}

// DecodePKCS12 decodes a PFX with the native decoder. Archives using
// algorithms it does not implement (PBES2, AES, SHA-2 MACs) are retried with
// the SSLMate decoder, first as a key+chain archive and then as a trust
// store. A MAC or decryption failure from the native decoder is returned
// as-is, since no other decoder would accept that password either.
func DecodePKCS12(pfxData []byte, password string) (*PKCS12Contents, error) {
	return DecodePKCS12WithLogger(pfxData, password, slog.Default())
}

// DecodePKCS12WithLogger is DecodePKCS12 with an explicit logger.
func DecodePKCS12WithLogger(pfxData []byte, password string, logger *slog.Logger) (*PKCS12Contents, error) {
	archive, err := pkcs12.DecodeWithLogger(pfxData, password, logger)
	if err == nil {
		return &PKCS12Contents{
			Archive:      archive,
			Keys:         archive.PrivateKeys(),
			Certificates: archive.Certs(),
			Decoder:      DecoderNative,
		}, nil
	}
	if !errors.Is(err, pkcs12.ErrUnsupportedAlgorithm) {
		return nil, fmt.Errorf("decoding PKCS#12: %w", err)
	}

	logger.Debug("native decoder rejected archive, trying fallback", "error", err)
	key, leaf, caCerts, chainErr := gopkcs12.DecodeChain(pfxData, password)
	if chainErr == nil {
		return &PKCS12Contents{
			Keys:         []crypto.PrivateKey{normalizeKey(key)},
			Certificates: append([]*x509.Certificate{leaf}, caCerts...),
			Decoder:      DecoderSSLMate,
		}, nil
	}
	certs, storeErr := gopkcs12.DecodeTrustStore(pfxData, password)
	if storeErr == nil && len(certs) > 0 {
		return &PKCS12Contents{Certificates: certs, Decoder: DecoderSSLMate}, nil
	}
	return nil, fmt.Errorf("decoding PKCS#12: %w (fallback: %v)", err, chainErr)
}

// PKCS12Options configures EncodePKCS12WithOptions. Zero values select the
// defaults of the pkcs12 package.
type PKCS12Options struct {
	Password string
	// NoPassword writes an archive without MAC whose certificate safe is
	// encrypted under the absent password.
	NoPassword    bool
	Iterations    int
	CertAlgorithm pkcs12.Algorithm
	KeyAlgorithm  pkcs12.Algorithm
	PlainKeys     bool
	FriendlyName  string
	// Modern delegates to the SSLMate encoder (PBES2 with AES-256 and a
	// SHA-256 MAC) for consumers that reject the legacy schemes.
	Modern bool
}

func validatePKCS12KeyType(privateKey crypto.PrivateKey) error {
	switch privateKey.(type) {
	case *rsa.PrivateKey, *ecdsa.PrivateKey, ed25519.PrivateKey:
		return nil
	default:
		return fmt.Errorf("unsupported private key type %T", privateKey)
	}
}

// EncodePKCS12 creates a PFX holding privateKey, leaf, and caCerts under
// password with the default legacy schemes.
func EncodePKCS12(privateKey crypto.PrivateKey, leaf *x509.Certificate, caCerts []*x509.Certificate, password string) ([]byte, error) {
	if err := validatePKCS12KeyType(normalizeKey(privateKey)); err != nil {
		return nil, err
	}
	if leaf == nil {
		return nil, errors.New("leaf certificate cannot be nil")
	}
	return EncodePKCS12WithOptions([]crypto.PrivateKey{privateKey}, append([]*x509.Certificate{leaf}, caCerts...), PKCS12Options{Password: password})
}

// EncodePKCS12WithOptions creates a PFX from any number of keys and
// certificates. The first certificate is treated as the leaf for friendly
// name assignment.
func EncodePKCS12WithOptions(keys []crypto.PrivateKey, certs []*x509.Certificate, opts PKCS12Options) ([]byte, error) {
	keys = slices.Clone(keys)
	for i := range keys {
		keys[i] = normalizeKey(keys[i])
		if err := validatePKCS12KeyType(keys[i]); err != nil {
			return nil, err
		}
	}
	if opts.Modern {
		return encodeModern(keys, certs, opts)
	}

	var archiveOpts []pkcs12.Option
	if !opts.NoPassword {
		archiveOpts = append(archiveOpts, pkcs12.WithPassword(opts.Password))
	}
	if opts.Iterations != 0 {
		archiveOpts = append(archiveOpts, pkcs12.WithIterations(opts.Iterations))
	}
	if opts.CertAlgorithm != 0 {
		archiveOpts = append(archiveOpts, pkcs12.WithCertAlgorithm(opts.CertAlgorithm))
	}
	if opts.KeyAlgorithm != 0 {
		archiveOpts = append(archiveOpts, pkcs12.WithKeyAlgorithm(opts.KeyAlgorithm))
	}
	if opts.PlainKeys {
		archiveOpts = append(archiveOpts, pkcs12.WithPlainKeys())
	}

	a := pkcs12.NewArchive(archiveOpts...)
	defer a.Close()
	for i, cert := range certs {
		var attrs pkcs12.Attributes
		if i == 0 {
			attrs.FriendlyName = opts.FriendlyName
		}
		a.AddCertificate(cert, attrs)
	}
	for _, key := range keys {
		a.AddKey(key, pkcs12.Attributes{FriendlyName: opts.FriendlyName})
	}
	a.LinkKeys()
	return a.Marshal()
}

func encodeModern(keys []crypto.PrivateKey, certs []*x509.Certificate, opts PKCS12Options) ([]byte, error) {
	if opts.NoPassword {
		return nil, errors.New("modern PKCS#12 encoding requires a password")
	}
	enc := gopkcs12.Modern
	if opts.Iterations != 0 {
		enc = enc.WithIterations(opts.Iterations)
	}
	switch len(keys) {
	case 0:
		return enc.EncodeTrustStore(certs, opts.Password)
	case 1:
		if len(certs) == 0 {
			return nil, errors.New("leaf certificate cannot be nil")
		}
		return enc.Encode(keys[0], certs[0], certs[1:], opts.Password)
	default:
		return nil, fmt.Errorf("modern PKCS#12 encoding supports one key, got %d", len(keys))
	}
}

// EncodePKCS7 creates a certs-only PKCS#7 (P7B) bundle from certs.
func EncodePKCS7(certs []*x509.Certificate) ([]byte, error) {
	if len(certs) == 0 {
		return nil, errors.New("no certificates to encode")
	}
	var derBytes []byte
	for _, cert := range certs {
		derBytes = append(derBytes, cert.Raw...)
	}
	return pkcs7.DegenerateCertificate(derBytes)
}

// DecodePKCS7 returns the certificates of a DER PKCS#7 bundle.
func DecodePKCS7(derData []byte) ([]*x509.Certificate, error) {
	p7, err := pkcs7.Parse(derData)
	if err != nil {
		return nil, fmt.Errorf("parsing PKCS#7: %w", err)
	}
	if len(p7.Certificates) == 0 {
		return nil, errors.New("PKCS#7 bundle contains no certificates")
	}
	return p7.Certificates, nil
}
