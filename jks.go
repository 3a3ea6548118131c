package pfxkit

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"github.com/pavlo-v-chernykh/keystore-go/v4"
)

// DefaultJKSAlias is the alias used for the private key entry written by
// EncodeJKS.
const DefaultJKSAlias = "server"

// IsJKS reports whether data starts with the JKS magic number.
func IsJKS(data []byte) bool {
	return len(data) >= 4 && data[0] == 0xFE && data[1] == 0xED && data[2] == 0xFE && data[3] == 0xED
}

// DecodeJKS decodes a Java KeyStore, trying each password for the store
// and then each password for every private key entry. Trusted certificate
// entries yield certificates; private key entries yield a key and its chain.
// Entries that fail to decode are skipped.
func DecodeJKS(data []byte, passwords []string) ([]*x509.Certificate, []crypto.PrivateKey, error) {
	var ks keystore.KeyStore
	var loadErr error
	loaded := false
	for _, password := range passwords {
		ks = keystore.New()
		if loadErr = ks.Load(bytes.NewReader(data), []byte(password)); loadErr == nil {
			loaded = true
			break
		}
	}
	if !loaded {
		if loadErr == nil {
			loadErr = errors.New("no passwords provided")
		}
		return nil, nil, fmt.Errorf("loading JKS: %w", loadErr)
	}

	var certs []*x509.Certificate
	var keys []crypto.PrivateKey
	for _, alias := range ks.Aliases() {
		switch {
		case ks.IsTrustedCertificateEntry(alias):
			entry, err := ks.GetTrustedCertificateEntry(alias)
			if err != nil {
				continue
			}
			if cert, err := x509.ParseCertificate(entry.Certificate.Content); err == nil {
				certs = append(certs, cert)
			}
		case ks.IsPrivateKeyEntry(alias):
			entry, ok := privateKeyEntry(ks, alias, passwords)
			if !ok {
				continue
			}
			key, err := x509.ParsePKCS8PrivateKey(entry.PrivateKey)
			if err != nil {
				continue
			}
			keys = append(keys, key)
			for _, c := range entry.CertificateChain {
				if cert, err := x509.ParseCertificate(c.Content); err == nil {
					certs = append(certs, cert)
				}
			}
		}
	}

	if len(certs) == 0 && len(keys) == 0 {
		return nil, nil, errors.New("JKS contains no usable certificates or keys")
	}
	return certs, keys, nil
}

func privateKeyEntry(ks keystore.KeyStore, alias string, passwords []string) (keystore.PrivateKeyEntry, bool) {
	for _, password := range passwords {
		entry, err := ks.GetPrivateKeyEntry(alias, []byte(password))
		if err == nil {
			return entry, true
		}
	}
	return keystore.PrivateKeyEntry{}, false
}

// EncodeJKS creates a Java KeyStore holding one private key entry under
// DefaultJKSAlias, with leaf and caCerts as its chain. The same password
// protects the store and the entry.
func EncodeJKS(privateKey crypto.PrivateKey, leaf *x509.Certificate, caCerts []*x509.Certificate, password string) ([]byte, error) {
	if leaf == nil {
		return nil, errors.New("leaf certificate cannot be nil")
	}
	pkcs8Key, err := x509.MarshalPKCS8PrivateKey(normalizeKey(privateKey))
	if err != nil {
		return nil, fmt.Errorf("marshaling private key to PKCS#8: %w", err)
	}

	chain := []keystore.Certificate{{Type: "X.509", Content: leaf.Raw}}
	for _, ca := range caCerts {
		chain = append(chain, keystore.Certificate{Type: "X.509", Content: ca.Raw})
	}

	ks := keystore.New()
	if err := ks.SetPrivateKeyEntry(DefaultJKSAlias, keystore.PrivateKeyEntry{
		CreationTime:     time.Now(),
		PrivateKey:       pkcs8Key,
		CertificateChain: chain,
	}, []byte(password)); err != nil {
		return nil, fmt.Errorf("setting JKS private key entry: %w", err)
	}
	return storeJKS(ks, password)
}

// EncodeJKSTrustStore creates a Java KeyStore holding each certificate as a
// trusted certificate entry aliased by its position.
func EncodeJKSTrustStore(certs []*x509.Certificate, password string) ([]byte, error) {
	if len(certs) == 0 {
		return nil, errors.New("no certificates to encode")
	}
	ks := keystore.New()
	for i, cert := range certs {
		if err := ks.SetTrustedCertificateEntry(fmt.Sprintf("cert-%d", i), keystore.TrustedCertificateEntry{
			CreationTime: time.Now(),
			Certificate:  keystore.Certificate{Type: "X.509", Content: cert.Raw},
		}); err != nil {
			return nil, fmt.Errorf("setting JKS trusted certificate entry: %w", err)
		}
	}
	return storeJKS(ks, password)
}

func storeJKS(ks keystore.KeyStore, password string) ([]byte, error) {
	var buf bytes.Buffer
	if err := ks.Store(&buf, []byte(password)); err != nil {
		return nil, fmt.Errorf("storing JKS: %w", err)
	}
	return buf.Bytes(), nil
}
