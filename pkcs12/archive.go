// Package pkcs12 reads and writes PKCS#12 (PFX) archives protected by the
// legacy password-based schemes of RFC 7292 Appendix B and PKCS#5 v1.5.
//
// Decode verifies the archive MAC before looking at any bag, decrypts
// encryptedData and pkcs8ShroudedKeyBag contents, and returns the private
// keys and certificates in archive order. NewArchive and Marshal build the
// mirror structure. Password and derived key buffers are zeroed as soon as
// they are no longer needed; call Archive.Close to zero the retained
// password.
package pkcs12

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/sha1"
	"crypto/x509"
	"encoding/asn1"
	"io"
	"slices"
)

// DefaultIterations is the iteration count used for new archives.
const DefaultIterations = 2000

// KeyEntry is a private key and the attributes of the bag that carried it.
type KeyEntry struct {
	Key        crypto.PrivateKey
	Attributes Attributes
	// Shrouded reports whether the key was read from, or will be written
	// to, a pkcs8ShroudedKeyBag rather than a plain keyBag.
	Shrouded bool
}

// CertEntry is a certificate and the attributes of its certBag.
type CertEntry struct {
	Certificate *x509.Certificate
	Attributes  Attributes
}

// MACInfo describes the macData of a decoded archive.
type MACInfo struct {
	Algorithm  asn1.ObjectIdentifier
	Salt       []byte
	Iterations int
}

// Archive is a decoded or under-construction PKCS#12 archive.
type Archive struct {
	Version      int
	Keys         []KeyEntry
	Certificates []CertEntry

	// Other holds crlBag, secretBag and safeContentsBag entries, which are
	// carried through but not interpreted.
	Other []SafeBag

	// MAC is nil when the archive has no macData.
	MAC *MACInfo

	// Algorithms lists the distinct PBE schemes used by the archive, in
	// the order they were first seen.
	Algorithms []Algorithm

	// IterationCount is the iteration count applied by Marshal.
	IterationCount int

	password    []byte
	hasPassword bool
	certAlg     Algorithm
	keyAlg      Algorithm
	plainKeys   bool
	rand        io.Reader
}

// Option configures an Archive built with NewArchive.
type Option func(*Archive)

// WithPassword sets the archive password. An empty password is still a
// password: it is encoded as a bare BMP terminator and the archive gets a
// MAC. Without this option the archive has no password and no MAC.
func WithPassword(password string) Option {
	return func(a *Archive) {
		wipe(a.password)
		a.password = bmpPassword(password)
		a.hasPassword = true
	}
}

// WithIterations sets the iteration count for key derivation and the MAC.
func WithIterations(n int) Option {
	return func(a *Archive) { a.IterationCount = n }
}

// WithCertAlgorithm sets the scheme that encrypts the certificate safe.
func WithCertAlgorithm(alg Algorithm) Option {
	return func(a *Archive) { a.certAlg = alg }
}

// WithKeyAlgorithm sets the scheme that shrouds private keys.
func WithKeyAlgorithm(alg Algorithm) Option {
	return func(a *Archive) { a.keyAlg = alg }
}

// WithPlainKeys writes keys added afterwards as unencrypted keyBags.
func WithPlainKeys() Option {
	return func(a *Archive) { a.plainKeys = true }
}

// WithRandom sets the source of salts. It defaults to crypto/rand.
func WithRandom(r io.Reader) Option {
	return func(a *Archive) { a.rand = r }
}

// NewArchive returns an empty archive ready for AddKey and AddCertificate.
func NewArchive(opts ...Option) *Archive {
	a := &Archive{
		Version:        3,
		IterationCount: DefaultIterations,
		certAlg:        PBEWithSHAAnd3KeyTripleDESCBC,
		keyAlg:         PBEWithSHAAnd3KeyTripleDESCBC,
		rand:           rand.Reader,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Build returns an archive holding keys and certs under password. Each key
// whose public half matches a certificate shares a localKeyId with it.
func Build(keys []crypto.PrivateKey, certs []*x509.Certificate, password string, opts ...Option) *Archive {
	a := NewArchive(append([]Option{WithPassword(password)}, opts...)...)
	for _, cert := range certs {
		a.AddCertificate(cert, Attributes{})
	}
	for _, key := range keys {
		a.AddKey(key, Attributes{})
	}
	a.LinkKeys()
	return a
}

// AddKey appends a private key.
func (a *Archive) AddKey(key crypto.PrivateKey, attrs Attributes) {
	a.Keys = append(a.Keys, KeyEntry{Key: key, Attributes: attrs, Shrouded: !a.plainKeys})
}

// AddCertificate appends a certificate.
func (a *Archive) AddCertificate(cert *x509.Certificate, attrs Attributes) {
	a.Certificates = append(a.Certificates, CertEntry{Certificate: cert, Attributes: attrs})
}

// RemoveCertificate removes every entry holding cert and reports whether any
// was found.
func (a *Archive) RemoveCertificate(cert *x509.Certificate) bool {
	n := len(a.Certificates)
	a.Certificates = slices.DeleteFunc(a.Certificates, func(e CertEntry) bool {
		return e.Certificate.Equal(cert)
	})
	return len(a.Certificates) != n
}

// LinkKeys gives each key without a localKeyId the SHA-1 of its matching
// certificate, and sets the same ID on that certificate.
func (a *Archive) LinkKeys() {
	for i := range a.Keys {
		if len(a.Keys[i].Attributes.LocalKeyID) > 0 {
			continue
		}
		signer, ok := a.Keys[i].Key.(crypto.Signer)
		if !ok {
			continue
		}
		for j := range a.Certificates {
			cert := a.Certificates[j].Certificate
			pub, ok := cert.PublicKey.(interface{ Equal(crypto.PublicKey) bool })
			if !ok || !pub.Equal(signer.Public()) {
				continue
			}
			id := LocalKeyID(cert)
			a.Keys[i].Attributes.LocalKeyID = id
			a.Certificates[j].Attributes.LocalKeyID = slices.Clone(id)
			break
		}
	}
}

// LocalKeyID returns the localKeyId this package assigns to a certificate:
// the SHA-1 of its DER encoding.
func LocalKeyID(cert *x509.Certificate) []byte {
	sum := sha1.Sum(cert.Raw)
	return sum[:]
}

// PrivateKeys returns the keys in archive order.
func (a *Archive) PrivateKeys() []crypto.PrivateKey {
	out := make([]crypto.PrivateKey, 0, len(a.Keys))
	for _, k := range a.Keys {
		out = append(out, k.Key)
	}
	return out
}

// Certs returns the certificates in archive order.
func (a *Archive) Certs() []*x509.Certificate {
	out := make([]*x509.Certificate, 0, len(a.Certificates))
	for _, c := range a.Certificates {
		out = append(out, c.Certificate)
	}
	return out
}

// CertificateFor returns the certificate sharing a localKeyId with the key
// at index i, or nil.
func (a *Archive) CertificateFor(i int) *x509.Certificate {
	if i < 0 || i >= len(a.Keys) || len(a.Keys[i].Attributes.LocalKeyID) == 0 {
		return nil
	}
	for _, c := range a.Certificates {
		if bytes.Equal(c.Attributes.LocalKeyID, a.Keys[i].Attributes.LocalKeyID) {
			return c.Certificate
		}
	}
	return nil
}

// HasPassword reports whether Marshal will encrypt under a password and
// attach a MAC.
func (a *Archive) HasPassword() bool { return a.hasPassword }

// Close zeroes the retained password. The archive can still be inspected
// but Marshal then writes it without a password.
func (a *Archive) Close() {
	wipe(a.password)
	a.password = nil
	a.hasPassword = false
}

func (a *Archive) noteAlgorithm(alg Algorithm) {
	if !slices.Contains(a.Algorithms, alg) {
		a.Algorithms = append(a.Algorithms, alg)
	}
}
