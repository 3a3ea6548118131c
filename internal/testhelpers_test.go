package internal

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sensiblebit/pfxkit"
)

// testCert is a certificate with the key it certifies.
type testCert struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
}

func (c testCert) certPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.cert.Raw})
}

func (c testCert) keyPEM(t *testing.T) []byte {
	t.Helper()
	der, err := x509.MarshalPKCS8PrivateKey(c.key)
	if err != nil {
		t.Fatal(err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
}

// testChain is root -> intermediate -> leaf, all ECDSA P-256.
type testChain struct {
	root, intermediate, leaf testCert
}

func newTestChain(t *testing.T) testChain {
	t.Helper()
	root := newCA(t, "Internal Test Root", testCert{})
	intermediate := newCA(t, "Internal Test Intermediate", root)
	leaf := newLeaf(t, "leaf.example.com", intermediate, time.Now().Add(90*24*time.Hour))
	return testChain{root: root, intermediate: intermediate, leaf: leaf}
}

func newCA(t *testing.T, cn string, parent testCert) testCert {
	t.Helper()
	tmpl := &x509.Certificate{
		SerialNumber:          testSerial(t),
		Subject:               pkix.Name{CommonName: cn, Organization: []string{"pfxkit tests"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	return issue(t, tmpl, parent)
}

func newLeaf(t *testing.T, cn string, parent testCert, notAfter time.Time) testCert {
	t.Helper()
	tmpl := &x509.Certificate{
		SerialNumber: testSerial(t),
		Subject:      pkix.Name{CommonName: cn},
		DNSNames:     []string{cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	return issue(t, tmpl, parent)
}

// issue signs tmpl with parent, or self-signs when parent is empty.
func issue(t *testing.T, tmpl *x509.Certificate, parent testCert) testCert {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	parentCert, parentKey := parent.cert, crypto.Signer(parent.key)
	if parentCert == nil {
		parentCert, parentKey = tmpl, key
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parentCert, &key.PublicKey, parentKey)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	return testCert{cert: cert, key: key}
}

func testSerial(t *testing.T) *big.Int {
	t.Helper()
	n, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		t.Fatal(err)
	}
	return n.Add(n, big.NewInt(1))
}

// p12 encodes the chain's leaf key with leaf, intermediate and root.
func (c testChain) p12(t *testing.T, opts pfxkit.PKCS12Options) []byte {
	t.Helper()
	data, err := pfxkit.EncodePKCS12WithOptions(
		[]crypto.PrivateKey{c.leaf.key},
		[]*x509.Certificate{c.leaf.cert, c.intermediate.cert, c.root.cert},
		opts)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func (c testChain) jks(t *testing.T, password string) []byte {
	t.Helper()
	data, err := pfxkit.EncodeJKS(c.leaf.key, c.leaf.cert, []*x509.Certificate{c.intermediate.cert}, password)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

// customBundleOptions trusts only the chain's root so tests never depend on
// the Mozilla set.
func (c testChain) customBundleOptions() pfxkit.BundleOptions {
	opts := pfxkit.DefaultOptions()
	opts.TrustStore = pfxkit.TrustStoreCustom
	opts.CustomRoots = []*x509.Certificate{c.root.cert}
	return opts
}

// newCRL issues a DER CRL from issuer revoking the given certificates.
func newCRL(t *testing.T, issuer testCert, nextUpdate time.Time, revoked ...*x509.Certificate) []byte {
	t.Helper()
	var entries []x509.RevocationListEntry
	for _, c := range revoked {
		entries = append(entries, x509.RevocationListEntry{
			SerialNumber:   c.SerialNumber,
			RevocationTime: time.Now().Add(-time.Minute).UTC().Truncate(time.Second),
		})
	}
	der, err := x509.CreateRevocationList(rand.Reader, &x509.RevocationList{
		Number:                    big.NewInt(1),
		ThisUpdate:                time.Now().Add(-time.Hour),
		NextUpdate:                nextUpdate,
		RevokedCertificateEntries: entries,
	}, issuer.cert, issuer.key)
	if err != nil {
		t.Fatal(err)
	}
	return der
}

func writeTestFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}
