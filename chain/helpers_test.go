package chain

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"
)

// testNow is the fixed validation instant used by every builder test.
var testNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

type certSpec struct {
	cn        string
	notBefore time.Time
	notAfter  time.Time
	ca        bool
	// noBasicConstraints omits the extension entirely.
	noBasicConstraints bool
	serial             *big.Int
}

type issued struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
}

func newKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	return key
}

// issue creates a certificate per spec. A nil issuer makes it self-signed.
func issue(t *testing.T, spec certSpec, issuer *issued) issued {
	t.Helper()
	key := newKey(t)
	if spec.notBefore.IsZero() {
		spec.notBefore = testNow.Add(-24 * time.Hour)
	}
	if spec.notAfter.IsZero() {
		spec.notAfter = testNow.Add(365 * 24 * time.Hour)
	}
	if spec.serial == nil {
		var err error
		spec.serial, err = rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
		if err != nil {
			t.Fatal(err)
		}
	}
	tmpl := &x509.Certificate{
		SerialNumber:          spec.serial,
		Subject:               pkix.Name{CommonName: spec.cn},
		NotBefore:             spec.notBefore,
		NotAfter:              spec.notAfter,
		IsCA:                  spec.ca,
		BasicConstraintsValid: !spec.noBasicConstraints,
	}
	if spec.ca {
		tmpl.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign
	}

	parent := tmpl
	var signer crypto.Signer = key
	if issuer != nil {
		parent = issuer.cert
		signer = issuer.key
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, &key.PublicKey, signer)
	if err != nil {
		t.Fatal(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}
	return issued{cert: cert, key: key}
}

func certs(is ...issued) []*x509.Certificate {
	out := make([]*x509.Certificate, 0, len(is))
	for _, i := range is {
		out = append(out, i.cert)
	}
	return out
}

func sameChain(got, want []*x509.Certificate) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if !got[i].Equal(want[i]) {
			return false
		}
	}
	return true
}
