package pkcs12

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"testing"

	"golang.org/x/crypto/cryptobyte"
	casn1 "golang.org/x/crypto/cryptobyte/asn1"
	gopkcs12 "software.sslmate.com/src/go-pkcs12"
)

func TestBuildMarshalDecode_RoundTrip(t *testing.T) {
	// WHY: Decode(Build(keys, certs, pw).Marshal(), pw) must reproduce the
	// same keys and certificates for every writer configuration: each PBE
	// scheme on both safes, plain key bags, the empty password, and the
	// passwordless form that carries no MAC.
	t.Parallel()

	pki := newTestPKI(t)

	type variant struct {
		name     string
		password string
		opts     []Option
		noPass   bool
		wantMAC  bool
		shrouded bool
	}
	variants := []variant{
		{name: "defaults", password: "s3cret", wantMAC: true, shrouded: true},
		{name: "empty_password", password: "", wantMAC: true, shrouded: true},
		{name: "unicode_password", password: "pässwörd-🔑", wantMAC: true, shrouded: true},
		{name: "no_password", noPass: true, wantMAC: false, shrouded: true},
		{name: "plain_keys", password: "pw", opts: []Option{WithPlainKeys()}, wantMAC: true, shrouded: false},
		{name: "one_iteration", password: "pw", opts: []Option{WithIterations(1)}, wantMAC: true, shrouded: true},
	}
	for _, alg := range Algorithms() {
		variants = append(variants, variant{
			name:     "alg_" + alg.ShortName(),
			password: "pw",
			opts:     []Option{WithCertAlgorithm(alg), WithKeyAlgorithm(alg), WithIterations(10)},
			wantMAC:  true,
			shrouded: true,
		})
	}

	for _, tt := range variants {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var a *Archive
			if tt.noPass {
				a = NewArchive(tt.opts...)
				a.AddCertificate(pki.leaf, Attributes{})
				a.AddCertificate(pki.ca, Attributes{})
				a.AddKey(pki.leafKey, Attributes{})
				a.LinkKeys()
			} else {
				a = Build([]crypto.PrivateKey{pki.leafKey}, []*x509.Certificate{pki.leaf, pki.ca}, tt.password, tt.opts...)
			}
			der, err := a.Marshal()
			if err != nil {
				t.Fatal(err)
			}

			got, err := Decode(der, tt.password)
			if err != nil {
				t.Fatal(err)
			}
			defer got.Close()

			if (got.MAC != nil) != tt.wantMAC {
				t.Errorf("MAC present = %v, want %v", got.MAC != nil, tt.wantMAC)
			}
			certs := got.Certs()
			if len(certs) != 2 || !certs[0].Equal(pki.leaf) || !certs[1].Equal(pki.ca) {
				t.Fatalf("certificates not reproduced in order: %d certs", len(certs))
			}
			if len(got.Keys) != 1 || !keysEqual(got.Keys[0].Key, pki.leafKey) {
				t.Fatal("private key not reproduced")
			}
			if got.Keys[0].Shrouded != tt.shrouded {
				t.Errorf("Shrouded = %v, want %v", got.Keys[0].Shrouded, tt.shrouded)
			}
			if c := got.CertificateFor(0); c == nil || !c.Equal(pki.leaf) {
				t.Error("localKeyId does not link the key to the leaf")
			}
		})
	}
}

func TestDecode_TamperDetected(t *testing.T) {
	// WHY: Flipping one byte of the encrypted safe must fail MAC verification
	// with ErrTamperDetected before any bag is decrypted, and a wrong
	// password must look the same.
	t.Parallel()

	pki := newTestPKI(t)
	der, err := Build([]crypto.PrivateKey{pki.leafKey}, []*x509.Certificate{pki.leaf}, "correct").Marshal()
	if err != nil {
		t.Fatal(err)
	}

	content := authSafeContent(t, der)
	off := bytes.Index(der, content)
	if off < 0 {
		t.Fatal("authSafe content not found in DER")
	}
	tampered := bytes.Clone(der)
	tampered[off+len(content)/2] ^= 0x01

	tests := []struct {
		name     string
		der      []byte
		password string
	}{
		{"flipped_byte", tampered, "correct"},
		{"wrong_password", der, "incorrect"},
		{"empty_password", der, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			a, err := Decode(tt.der, tt.password)
			if !errors.Is(err, ErrTamperDetected) {
				t.Fatalf("got %v, want ErrTamperDetected", err)
			}
			if a != nil {
				t.Fatal("no archive may be returned after a MAC failure")
			}
		})
	}
}

func TestDecode_SSLMateLegacy(t *testing.T) {
	// WHY: Archives written by another implementation exercise the read path
	// against independently derived keys: RC2-40 for the certificate safe,
	// 3DES for the key, and a SHA-1 MAC with its iteration count omitted.
	t.Parallel()

	pki := newTestPKI(t)
	for _, password := range []string{"interop", ""} {
		der, err := gopkcs12.LegacyRC2.Encode(pki.leafKey, pki.leaf, []*x509.Certificate{pki.ca}, password)
		if err != nil {
			t.Fatal(err)
		}
		a, err := Decode(der, password)
		if err != nil {
			t.Fatalf("password %q: %v", password, err)
		}
		if len(a.Certificates) != 2 || !a.Certificates[0].Certificate.Equal(pki.leaf) {
			t.Fatalf("password %q: got %d certificates", password, len(a.Certificates))
		}
		if len(a.Keys) != 1 || !keysEqual(a.Keys[0].Key, pki.leafKey) {
			t.Fatalf("password %q: key not decoded", password)
		}
		for _, want := range []Algorithm{PBEWithSHAAnd40BitRC2CBC, PBEWithSHAAnd3KeyTripleDESCBC} {
			found := false
			for _, alg := range a.Algorithms {
				found = found || alg == want
			}
			if !found {
				t.Errorf("password %q: Algorithms %v missing %v", password, a.Algorithms, want)
			}
		}
	}
}

func TestDecode_SSLMateModernIsUnsupported(t *testing.T) {
	// WHY: PBES2/AES archives with a SHA-256 MAC are outside the legacy PBE
	// table. They must be rejected as unsupported, which is the signal
	// callers use to fall back to another decoder.
	t.Parallel()

	pki := newTestPKI(t)
	der, err := gopkcs12.Modern.Encode(pki.leafKey, pki.leaf, nil, "modern")
	if err != nil {
		t.Fatal(err)
	}
	_, err = Decode(der, "modern")
	if !errors.Is(err, ErrUnsupportedAlgorithm) {
		t.Fatalf("got %v, want ErrUnsupportedAlgorithm", err)
	}
}

func TestMarshal_SSLMateDecodes(t *testing.T) {
	// WHY: Our writer's output must be readable by another implementation,
	// proving the MAC, 3DES safes and bag layout are standard.
	t.Parallel()

	pki := newTestPKI(t)
	der, err := Build([]crypto.PrivateKey{pki.leafKey}, []*x509.Certificate{pki.leaf, pki.ca}, "to-sslmate").Marshal()
	if err != nil {
		t.Fatal(err)
	}
	key, leaf, cas, err := gopkcs12.DecodeChain(der, "to-sslmate")
	if err != nil {
		t.Fatal(err)
	}
	if !keysEqual(key, pki.leafKey) {
		t.Error("key mismatch")
	}
	if !leaf.Equal(pki.leaf) {
		t.Error("leaf mismatch")
	}
	if len(cas) != 1 || !cas[0].Equal(pki.ca) {
		t.Errorf("got %d CA certs", len(cas))
	}
}

func TestDecode_MalformedAndUnsupported(t *testing.T) {
	// WHY: Every structural violation must fail the whole archive with the
	// right sentinel, so callers can tell corrupt input from unsupported
	// features: enveloped safes, sdsi certificates, unknown bags, non-SHA-1
	// MACs and unknown PBE schemes are all hard errors.
	t.Parallel()

	pki := newTestPKI(t)
	valid, err := Build(nil, []*x509.Certificate{pki.leaf}, "pw").Marshal()
	if err != nil {
		t.Fatal(err)
	}

	envelopedCI := func(b *cryptobyte.Builder) {
		addContentInfo(b, oidEnvelopedDataContentType, func(b *cryptobyte.Builder) {
			b.AddASN1(casn1.SEQUENCE, func(b *cryptobyte.Builder) { b.AddASN1Int64(0) })
		})
	}
	signedCI := func(b *cryptobyte.Builder) {
		addContentInfo(b, asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}, func(b *cryptobyte.Builder) {
			b.AddASN1(casn1.SEQUENCE, func(b *cryptobyte.Builder) {})
		})
	}
	pbes2CI := func(b *cryptobyte.Builder) {
		addContentInfo(b, oidEncryptedDataContentType, func(b *cryptobyte.Builder) {
			b.AddASN1(casn1.SEQUENCE, func(b *cryptobyte.Builder) {
				b.AddASN1Int64(0)
				b.AddASN1(casn1.SEQUENCE, func(b *cryptobyte.Builder) {
					b.AddASN1ObjectIdentifier(oidDataContentType)
					addAlgorithmIdentifier(b, asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 5, 13}, func(b *cryptobyte.Builder) {
						b.AddASN1(casn1.SEQUENCE, func(b *cryptobyte.Builder) {})
					})
					b.AddASN1(tagImplicit0, func(b *cryptobyte.Builder) { b.AddBytes(make([]byte, 16)) })
				})
			})
		})
	}
	nullValue := func(b *cryptobyte.Builder) { b.AddASN1NULL() }

	var sha256MAC cryptobyte.Builder
	sha256MAC.AddASN1(casn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1Int64(3)
		addDataContentInfo(b, []byte{0x30, 0x00})
		b.AddASN1(casn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1(casn1.SEQUENCE, func(b *cryptobyte.Builder) {
				addAlgorithmIdentifier(b, asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}, nil)
				b.AddASN1OctetString(make([]byte, 32))
			})
			b.AddASN1OctetString(make([]byte, 8))
		})
	})
	sha256Der, err := sha256MAC.Bytes()
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		der     []byte
		wantErr error
	}{
		{"empty", nil, ErrMalformedArchive},
		{"not_a_sequence", []byte{0x04, 0x00}, ErrMalformedArchive},
		{"trailing_data", append(bytes.Clone(valid), 0x00), ErrMalformedArchive},
		{"one_element", []byte{0x30, 0x03, 0x02, 0x01, 0x03}, ErrMalformedArchive},
		{"enveloped_data", rawPFX(t, envelopedCI), ErrUnsupportedFeature},
		{"signed_data_safe", rawPFX(t, signedCI), ErrMalformedArchive},
		{"pbes2_safe", rawPFX(t, pbes2CI), ErrUnsupportedAlgorithm},
		{"unknown_bag", rawPFX(t, plainSafe(t, rawBag(asn1.ObjectIdentifier{1, 2, 3, 4}, nullValue))), ErrMalformedArchive},
		{"sdsi_cert", rawPFX(t, plainSafe(t, certBagWithType(oidSDSICertificate, pki.leaf.Raw))), ErrMalformedArchive},
		{"garbage_cert", rawPFX(t, plainSafe(t, certBagWithType(oidX509Certificate, []byte("not a cert")))), ErrMalformedArchive},
		{"sha256_mac", sha256Der, ErrUnsupportedFeature},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			a, err := Decode(tt.der, "pw")
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("got %v, want %v", err, tt.wantErr)
			}
			if a != nil {
				t.Fatal("no partial archive may be returned")
			}
		})
	}
}

func TestDecode_PassThroughBags(t *testing.T) {
	// WHY: CRL, secret and nested safe-contents bags are carried but not
	// interpreted; they must not abort parsing and must survive a re-encode.
	t.Parallel()

	pki := newTestPKI(t)
	octets := func(v []byte) func(*cryptobyte.Builder) {
		return func(b *cryptobyte.Builder) {
			b.AddASN1(casn1.SEQUENCE, func(b *cryptobyte.Builder) { b.AddASN1OctetString(v) })
		}
	}
	der := rawPFX(t, plainSafe(t,
		certBagWithType(oidX509Certificate, pki.leaf.Raw),
		rawBag(oidCRLBag, octets([]byte("crl"))),
		rawBag(oidSecretBag, octets([]byte("secret"))),
		rawBag(oidSafeContentsBag, func(b *cryptobyte.Builder) { b.AddASN1(casn1.SEQUENCE, func(*cryptobyte.Builder) {}) }),
	))

	a, err := Decode(der, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(a.Certificates) != 1 {
		t.Fatalf("got %d certificates, want 1", len(a.Certificates))
	}
	kinds := []BagKind{CRLBag, SecretBag, SafeContentsBag}
	if len(a.Other) != len(kinds) {
		t.Fatalf("got %d pass-through bags, want %d", len(a.Other), len(kinds))
	}
	for i, k := range kinds {
		if a.Other[i].Kind != k {
			t.Errorf("Other[%d].Kind = %v, want %v", i, a.Other[i].Kind, k)
		}
	}

	again, err := a.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	b, err := Decode(again, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(b.Other) != len(kinds) || !bytes.Equal(b.Other[1].Value, a.Other[1].Value) {
		t.Fatal("pass-through bags lost on re-encode")
	}
}

func TestDecode_ConstructedEncryptedContent(t *testing.T) {
	// WHY: Some writers emit encryptedContent in constructed form as a run of
	// OCTET STRING segments; the decoder must concatenate them.
	t.Parallel()

	pki := newTestPKI(t)
	var safe cryptobyte.Builder
	safe.AddASN1(casn1.SEQUENCE, func(b *cryptobyte.Builder) {
		addCertBag(b, pki.leaf, Attributes{FriendlyName: "segmented"})
	})
	plain, err := safe.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	params := pbeParams{Salt: []byte("saltsalt"), Iterations: 5}
	ct, err := pbeEncrypt(PBEWithSHAAnd3KeyTripleDESCBC, params, nil, plain)
	if err != nil {
		t.Fatal(err)
	}

	der := rawPFX(t, func(b *cryptobyte.Builder) {
		addContentInfo(b, oidEncryptedDataContentType, func(b *cryptobyte.Builder) {
			b.AddASN1(casn1.SEQUENCE, func(b *cryptobyte.Builder) {
				b.AddASN1Int64(0)
				b.AddASN1(casn1.SEQUENCE, func(b *cryptobyte.Builder) {
					b.AddASN1ObjectIdentifier(oidDataContentType)
					addPBEAlgorithm(b, PBEWithSHAAnd3KeyTripleDESCBC, params)
					b.AddASN1(tagExplicit0, func(b *cryptobyte.Builder) {
						half := len(ct) / 2
						b.AddASN1OctetString(ct[:half])
						b.AddASN1OctetString(ct[half:])
					})
				})
			})
		})
	})

	a, err := Decode(der, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(a.Certificates) != 1 || a.Certificates[0].Attributes.FriendlyName != "segmented" {
		t.Fatalf("unexpected certificates: %+v", a.Certificates)
	}
	if a.IterationCount != 5 {
		t.Errorf("IterationCount = %d, want 5 from the PBE parameters", a.IterationCount)
	}
}

func TestAttributes_RoundTrip(t *testing.T) {
	// WHY: friendlyName is a BMPString that may hold characters outside the
	// BMP, and localKeyId links keys to certificates; both must survive
	// encode and decode byte-for-byte.
	t.Parallel()

	pki := newTestPKI(t)
	a := NewArchive(WithPassword("attrs"), WithIterations(3))
	a.AddCertificate(pki.leaf, Attributes{FriendlyName: "Zertifikat 🔐", LocalKeyID: []byte{1, 2, 3}})
	a.AddKey(pki.leafKey, Attributes{FriendlyName: "key", LocalKeyID: []byte{1, 2, 3}})
	der, err := a.Marshal()
	if err != nil {
		t.Fatal(err)
	}

	got, err := Decode(der, "attrs")
	if err != nil {
		t.Fatal(err)
	}
	if name := got.Certificates[0].Attributes.FriendlyName; name != "Zertifikat 🔐" {
		t.Errorf("FriendlyName = %q", name)
	}
	if id := got.Keys[0].Attributes.LocalKeyID; !bytes.Equal(id, []byte{1, 2, 3}) {
		t.Errorf("LocalKeyID = %x", id)
	}
}

func TestArchive_RemoveCertificate(t *testing.T) {
	// WHY: RemoveCertificate matches by DER identity and must report whether
	// anything was removed.
	t.Parallel()

	pki := newTestPKI(t)
	a := NewArchive()
	a.AddCertificate(pki.leaf, Attributes{})
	a.AddCertificate(pki.ca, Attributes{})

	if !a.RemoveCertificate(pki.ca) {
		t.Fatal("expected CA to be removed")
	}
	if a.RemoveCertificate(pki.ca) {
		t.Fatal("second removal should report false")
	}
	if len(a.Certificates) != 1 || !a.Certificates[0].Certificate.Equal(pki.leaf) {
		t.Fatal("wrong certificate removed")
	}
}

func TestArchive_CloseWipesPassword(t *testing.T) {
	// WHY: The archive owns the encoded password; Close must zero it in place
	// so the secret does not linger until garbage collection.
	t.Parallel()

	a := NewArchive(WithPassword("wipe me"))
	pw := a.password
	if zeroed(pw) {
		t.Fatal("password unexpectedly empty before Close")
	}
	a.Close()
	if !zeroed(pw) {
		t.Fatalf("password not wiped: %x", pw)
	}
	if a.HasPassword() {
		t.Fatal("HasPassword should be false after Close")
	}
}

func TestMarshal_Rejects(t *testing.T) {
	// WHY: An empty archive or a zero iteration count would produce an
	// unreadable or meaningless PFX; Marshal must refuse both.
	t.Parallel()

	if _, err := NewArchive(WithPassword("x")).Marshal(); err == nil {
		t.Error("expected error for empty archive")
	}
	pki := newTestPKI(t)
	a := NewArchive(WithPassword("x"), WithIterations(0))
	a.AddCertificate(pki.leaf, Attributes{})
	if _, err := a.Marshal(); err == nil {
		t.Error("expected error for zero iterations")
	}
}
