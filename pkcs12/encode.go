package pkcs12

import (
	"crypto/x509"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/cryptobyte"
	casn1 "golang.org/x/crypto/cryptobyte/asn1"
)

const (
	pbeSaltLen = 8
	macSaltLen = 20
)

// Marshal encodes the archive as DER. Certificates are written as certBags
// inside one encryptedData safe; keys are written as shrouded (or plain)
// key bags inside one data safe. A SHA-1 HMAC is attached only when the
// archive has a password.
func (a *Archive) Marshal() ([]byte, error) {
	if a.IterationCount < 1 {
		return nil, fmt.Errorf("pkcs12: iteration count must be at least 1, got %d", a.IterationCount)
	}
	if len(a.Keys) == 0 && len(a.Certificates) == 0 && len(a.Other) == 0 {
		return nil, errors.New("pkcs12: archive is empty")
	}

	var password []byte
	if a.hasPassword {
		password = a.password
	}

	var authSafe cryptobyte.Builder
	var buildErr error
	authSafe.AddASN1(casn1.SEQUENCE, func(b *cryptobyte.Builder) {
		if len(a.Certificates) > 0 {
			if err := a.addCertSafe(b, password); err != nil {
				buildErr = err
				return
			}
		}
		if len(a.Keys) > 0 || len(a.Other) > 0 {
			if err := a.addKeySafe(b, password); err != nil {
				buildErr = err
				return
			}
		}
	})
	if buildErr != nil {
		return nil, buildErr
	}
	authSafeData, err := authSafe.Bytes()
	if err != nil {
		return nil, fmt.Errorf("encoding authenticatedSafe: %w", err)
	}

	var mac []byte
	var macSalt []byte
	if a.hasPassword {
		macSalt, err = a.salt(macSaltLen)
		if err != nil {
			return nil, err
		}
		mac, err = computeMAC(password, macSalt, a.IterationCount, authSafeData)
		if err != nil {
			return nil, err
		}
	}

	var pfx cryptobyte.Builder
	pfx.AddASN1(casn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1Int64(int64(a.Version))
		addDataContentInfo(b, authSafeData)
		if mac == nil {
			return
		}
		b.AddASN1(casn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1(casn1.SEQUENCE, func(b *cryptobyte.Builder) {
				addAlgorithmIdentifier(b, oidSHA1, nil)
				b.AddASN1OctetString(mac)
			})
			b.AddASN1OctetString(macSalt)
			if a.IterationCount != 1 {
				b.AddASN1Int64(int64(a.IterationCount))
			}
		})
	})
	return pfx.Bytes()
}

func (a *Archive) salt(n int) ([]byte, error) {
	s := make([]byte, n)
	if _, err := io.ReadFull(a.rand, s); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	return s, nil
}

// addCertSafe writes the certBags as an encryptedData ContentInfo.
func (a *Archive) addCertSafe(b *cryptobyte.Builder, password []byte) error {
	var safe cryptobyte.Builder
	safe.AddASN1(casn1.SEQUENCE, func(b *cryptobyte.Builder) {
		for _, c := range a.Certificates {
			addCertBag(b, c.Certificate, c.Attributes)
		}
	})
	plain, err := safe.Bytes()
	if err != nil {
		return fmt.Errorf("encoding certificate safe: %w", err)
	}

	params, err := a.pbeParams()
	if err != nil {
		return err
	}
	ciphertext, err := pbeEncrypt(a.certAlg, params, password, plain)
	if err != nil {
		return fmt.Errorf("encrypting certificate safe: %w", err)
	}

	addContentInfo(b, oidEncryptedDataContentType, func(b *cryptobyte.Builder) {
		b.AddASN1(casn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1Int64(0)
			b.AddASN1(casn1.SEQUENCE, func(b *cryptobyte.Builder) {
				b.AddASN1ObjectIdentifier(oidDataContentType)
				addPBEAlgorithm(b, a.certAlg, params)
				b.AddASN1(tagImplicit0, func(b *cryptobyte.Builder) {
					b.AddBytes(ciphertext)
				})
			})
		})
	})
	return nil
}

func addCertBag(b *cryptobyte.Builder, cert *x509.Certificate, attrs Attributes) {
	addSafeBag(b, CertBag, attrs, func(b *cryptobyte.Builder) {
		b.AddASN1(casn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1ObjectIdentifier(oidX509Certificate)
			b.AddASN1(tagExplicit0, func(b *cryptobyte.Builder) {
				b.AddASN1OctetString(cert.Raw)
			})
		})
	})
}

// addKeySafe writes the key bags, followed by any carried-through bags, as a
// data ContentInfo.
func (a *Archive) addKeySafe(b *cryptobyte.Builder, password []byte) error {
	var safe cryptobyte.Builder
	var bagErr error
	safe.AddASN1(casn1.SEQUENCE, func(b *cryptobyte.Builder) {
		for _, k := range a.Keys {
			if err := a.addKeyBag(b, k, password); err != nil {
				bagErr = err
				return
			}
		}
		for _, bag := range a.Other {
			addSafeBag(b, bag.Kind, bag.Attributes, func(b *cryptobyte.Builder) {
				b.AddBytes(bag.Value)
			})
		}
	})
	if bagErr != nil {
		return bagErr
	}
	data, err := safe.Bytes()
	if err != nil {
		return fmt.Errorf("encoding key safe: %w", err)
	}
	addDataContentInfo(b, data)
	return nil
}

func (a *Archive) addKeyBag(b *cryptobyte.Builder, k KeyEntry, password []byte) error {
	pkcs8, err := x509.MarshalPKCS8PrivateKey(k.Key)
	if err != nil {
		return fmt.Errorf("marshaling private key: %w", err)
	}
	defer wipe(pkcs8)

	if !k.Shrouded {
		addSafeBag(b, KeyBag, k.Attributes, func(b *cryptobyte.Builder) {
			b.AddBytes(pkcs8)
		})
		return nil
	}

	params, err := a.pbeParams()
	if err != nil {
		return err
	}
	ciphertext, err := pbeEncrypt(a.keyAlg, params, password, pkcs8)
	if err != nil {
		return fmt.Errorf("shrouding private key: %w", err)
	}
	addSafeBag(b, ShroudedKeyBag, k.Attributes, func(b *cryptobyte.Builder) {
		b.AddASN1(casn1.SEQUENCE, func(b *cryptobyte.Builder) {
			addPBEAlgorithm(b, a.keyAlg, params)
			b.AddASN1OctetString(ciphertext)
		})
	})
	return nil
}

func (a *Archive) pbeParams() (pbeParams, error) {
	salt, err := a.salt(pbeSaltLen)
	if err != nil {
		return pbeParams{}, err
	}
	return pbeParams{Salt: salt, Iterations: a.IterationCount}, nil
}
