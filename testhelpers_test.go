package pfxkit

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"fmt"
	"math/big"
	"testing"
	"time"
)

func randomSerial(t *testing.T) *big.Int {
	t.Helper()
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		t.Fatal(err)
	}
	return serial
}

// testPKI is a root, one intermediate, and a leaf with its key.
type testPKI struct {
	root         *x509.Certificate
	intermediate *x509.Certificate
	leaf         *x509.Certificate
	leafKey      *ecdsa.PrivateKey
}

func (p testPKI) leafKeyPEM(t *testing.T) []byte {
	t.Helper()
	der, err := x509.MarshalECPrivateKey(p.leafKey)
	if err != nil {
		t.Fatal(err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
}

// generateTestPKI creates a self-signed CA, an intermediate, and a leaf.
func generateTestPKI(t *testing.T) testPKI {
	t.Helper()
	root, intermediates, leaf, leafKey := buildChainWithKey(t, 3)
	return testPKI{root: root, intermediate: intermediates[0], leaf: leaf, leafKey: leafKey}
}

// buildChain creates a chain of the given depth with ECDSA P-256 keys.
// depth=2 produces root->leaf, depth=3 root->intermediate->leaf, and so on.
func buildChain(t *testing.T, depth int) (root *x509.Certificate, intermediates []*x509.Certificate, leaf *x509.Certificate) {
	t.Helper()
	root, intermediates, leaf, _ = buildChainWithKey(t, depth)
	return root, intermediates, leaf
}

func buildChainWithKey(t *testing.T, depth int) (*x509.Certificate, []*x509.Certificate, *x509.Certificate, *ecdsa.PrivateKey) {
	t.Helper()
	if depth < 2 {
		t.Fatalf("buildChain: depth must be >= 2, got %d", depth)
	}

	root, rootKey := issueCert(t, certTemplate(t, "Chain Root CA", true), nil, nil)

	var intermediates []*x509.Certificate
	parentCert, parentKey := root, rootKey
	for i := range depth - 2 {
		cert, key := issueCert(t, certTemplate(t, fmt.Sprintf("Intermediate CA %d", i+1), true), parentCert, parentKey)
		intermediates = append(intermediates, cert)
		parentCert, parentKey = cert, key
	}

	leaf, leafKey := issueCert(t, certTemplate(t, "chain-leaf.example.com", false), parentCert, parentKey)
	return root, intermediates, leaf, leafKey
}

func certTemplate(t *testing.T, cn string, isCA bool) *x509.Certificate {
	t.Helper()
	tmpl := &x509.Certificate{
		SerialNumber: randomSerial(t),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-1 * time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
	}
	if isCA {
		tmpl.IsCA = true
		tmpl.BasicConstraintsValid = true
		tmpl.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign
	} else {
		tmpl.KeyUsage = x509.KeyUsageDigitalSignature
		tmpl.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
		tmpl.DNSNames = []string{cn}
	}
	return tmpl
}

// issueCert signs tmpl with parentKey, or self-signs when parent is nil.
func issueCert(t *testing.T, tmpl, parent *x509.Certificate, parentKey *ecdsa.PrivateKey) (*x509.Certificate, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	if parent == nil {
		parent, parentKey = tmpl, key
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, &key.PublicKey, parentKey)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	return cert, key
}

// issueCertWithKey self-signs tmpl with an arbitrary key type.
func issueCertWithKey(t *testing.T, tmpl *x509.Certificate, key crypto.Signer) (*x509.Certificate, crypto.Signer) {
	t.Helper()
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	return cert, key
}

// buildEmptyPKCS7DER constructs a PKCS#7 SignedData envelope with zero
// certificates.
func buildEmptyPKCS7DER() ([]byte, error) {
	oidSignedData := asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}
	oidData := asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 1}

	type contentInfo struct {
		ContentType asn1.ObjectIdentifier
	}
	type signedData struct {
		Version          int
		DigestAlgorithms asn1.RawValue
		ContentInfo      contentInfo
		SignerInfos      asn1.RawValue
	}
	emptySet := asn1.RawValue{Tag: 17, Class: asn1.ClassUniversal, IsCompound: true, Bytes: []byte{}}
	sdBytes, err := asn1.Marshal(signedData{
		Version:          1,
		DigestAlgorithms: emptySet,
		ContentInfo:      contentInfo{ContentType: oidData},
		SignerInfos:      emptySet,
	})
	if err != nil {
		return nil, err
	}

	type outerContentInfo struct {
		ContentType asn1.ObjectIdentifier
		Content     asn1.RawValue `asn1:"explicit,tag:0"`
	}
	return asn1.Marshal(outerContentInfo{
		ContentType: oidSignedData,
		Content:     asn1.RawValue{FullBytes: sdBytes},
	})
}
