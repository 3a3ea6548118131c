package pkcs12

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"
	"testing"
	"time"

	"golang.org/x/crypto/cryptobyte"
	casn1 "golang.org/x/crypto/cryptobyte/asn1"
)

type testPKI struct {
	ca      *x509.Certificate
	caKey   *ecdsa.PrivateKey
	leaf    *x509.Certificate
	leafKey *ecdsa.PrivateKey
}

func randomSerial(t *testing.T) *big.Int {
	t.Helper()
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		t.Fatal(err)
	}
	return serial
}

func newTestCert(t *testing.T, cn string, parent *x509.Certificate, parentKey crypto.Signer, isCA bool) (*x509.Certificate, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          randomSerial(t),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  isCA,
		BasicConstraintsValid: true,
	}
	if isCA {
		tmpl.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign
	}
	signer := crypto.Signer(key)
	if parent == nil {
		parent = tmpl
	} else {
		signer = parentKey
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, &key.PublicKey, signer)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	return cert, key
}

func newTestPKI(t *testing.T) testPKI {
	t.Helper()
	ca, caKey := newTestCert(t, "PFX Test CA", nil, nil, true)
	leaf, leafKey := newTestCert(t, "pfx-leaf.example.com", ca, caKey, false)
	return testPKI{ca: ca, caKey: caKey, leaf: leaf, leafKey: leafKey}
}

// authSafeContent returns the OCTET STRING payload of the PFX authSafe.
func authSafeContent(t *testing.T, der []byte) []byte {
	t.Helper()
	in := cryptobyte.String(der)
	var pfx, ci, content, data cryptobyte.String
	var version int64
	var oid asn1.ObjectIdentifier
	if !in.ReadASN1(&pfx, casn1.SEQUENCE) ||
		!pfx.ReadASN1Integer(&version) ||
		!pfx.ReadASN1(&ci, casn1.SEQUENCE) ||
		!ci.ReadASN1ObjectIdentifier(&oid) ||
		!ci.ReadASN1(&content, tagExplicit0) ||
		!content.ReadASN1(&data, casn1.OCTET_STRING) {
		t.Fatal("cannot locate authSafe content")
	}
	return data
}

// rawPFX assembles a PFX without a MAC around the given authenticatedSafe
// ContentInfos.
func rawPFX(t *testing.T, contentInfos ...func(*cryptobyte.Builder)) []byte {
	t.Helper()
	var authSafe cryptobyte.Builder
	authSafe.AddASN1(casn1.SEQUENCE, func(b *cryptobyte.Builder) {
		for _, ci := range contentInfos {
			ci(b)
		}
	})
	authSafeData, err := authSafe.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	var pfx cryptobyte.Builder
	pfx.AddASN1(casn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1Int64(3)
		addDataContentInfo(b, authSafeData)
	})
	out, err := pfx.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	return out
}

// plainSafe returns a data ContentInfo writer holding the given bags.
func plainSafe(t *testing.T, bags ...func(*cryptobyte.Builder)) func(*cryptobyte.Builder) {
	t.Helper()
	var safe cryptobyte.Builder
	safe.AddASN1(casn1.SEQUENCE, func(b *cryptobyte.Builder) {
		for _, bag := range bags {
			bag(b)
		}
	})
	data, err := safe.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	return func(b *cryptobyte.Builder) { addDataContentInfo(b, data) }
}

func rawBag(oid asn1.ObjectIdentifier, value func(*cryptobyte.Builder)) func(*cryptobyte.Builder) {
	return func(b *cryptobyte.Builder) {
		b.AddASN1(casn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1ObjectIdentifier(oid)
			b.AddASN1(tagExplicit0, value)
		})
	}
}

func certBagWithType(certType asn1.ObjectIdentifier, raw []byte) func(*cryptobyte.Builder) {
	return rawBag(oidCertBag, func(b *cryptobyte.Builder) {
		b.AddASN1(casn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1ObjectIdentifier(certType)
			b.AddASN1(tagExplicit0, func(b *cryptobyte.Builder) {
				b.AddASN1OctetString(raw)
			})
		})
	})
}

func keysEqual(a, b crypto.PrivateKey) bool {
	ka, ok := a.(interface{ Equal(crypto.PrivateKey) bool })
	return ok && ka.Equal(b)
}

func zeroed(b []byte) bool {
	return len(bytes.Trim(b, "\x00")) == 0
}
