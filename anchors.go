package pfxkit

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/breml/rootcerts/embedded"
)

// Trust store names accepted by LoadAnchors.
const (
	TrustStoreMozilla = "mozilla"
	TrustStoreCustom  = "custom"
)

var (
	mozillaOnce  sync.Once
	mozillaRoots []*x509.Certificate
	mozillaErr   error
)

// MozillaRoots returns the Mozilla root program certificates embedded at
// build time. The bundle is parsed once; certificates the stdlib parser
// rejects are skipped. The returned slice is a copy.
func MozillaRoots() ([]*x509.Certificate, error) {
	mozillaOnce.Do(func() {
		rest := []byte(embedded.MozillaCACertificatesPEM())
		for {
			var block *pem.Block
			block, rest = pem.Decode(rest)
			if block == nil {
				break
			}
			if block.Type != pemCertificate {
				continue
			}
			if cert, err := x509.ParseCertificate(block.Bytes); err == nil {
				mozillaRoots = append(mozillaRoots, cert)
			}
		}
		if len(mozillaRoots) == 0 {
			mozillaErr = errors.New("parsing embedded Mozilla root certificates")
		}
	})
	return slices.Clone(mozillaRoots), mozillaErr
}

// LoadAnchors returns the trust anchors for store. "mozilla" yields the
// embedded Mozilla roots followed by custom; "custom" yields custom alone.
func LoadAnchors(store string, custom []*x509.Certificate) ([]*x509.Certificate, error) {
	switch store {
	case TrustStoreMozilla, "":
		roots, err := MozillaRoots()
		if err != nil {
			return nil, err
		}
		return append(roots, custom...), nil
	case TrustStoreCustom:
		if len(custom) == 0 {
			return nil, errors.New("custom trust store requires at least one anchor")
		}
		return slices.Clone(custom), nil
	default:
		return nil, fmt.Errorf("unknown trust store %q (use %s or %s)", store, TrustStoreMozilla, TrustStoreCustom)
	}
}
