package pkcs12

import (
	"bytes"
	"encoding/asn1"
	"slices"

	"golang.org/x/crypto/cryptobyte"
	casn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// BagKind classifies a SafeBag by its bagId.
type BagKind int

// The six PKCS#12 bag types, in bagId order.
const (
	KeyBag BagKind = iota + 1
	ShroudedKeyBag
	CertBag
	CRLBag
	SecretBag
	SafeContentsBag
)

var bagKinds = []struct {
	kind BagKind
	oid  asn1.ObjectIdentifier
	name string
}{
	{KeyBag, oidKeyBag, "keyBag"},
	{ShroudedKeyBag, oidPKCS8ShroudedKeyBag, "pkcs8ShroudedKeyBag"},
	{CertBag, oidCertBag, "certBag"},
	{CRLBag, oidCRLBag, "crlBag"},
	{SecretBag, oidSecretBag, "secretBag"},
	{SafeContentsBag, oidSafeContentsBag, "safeContentsBag"},
}

func (k BagKind) String() string {
	for _, b := range bagKinds {
		if b.kind == k {
			return b.name
		}
	}
	return "unknown"
}

func (k BagKind) oid() asn1.ObjectIdentifier {
	for _, b := range bagKinds {
		if b.kind == k {
			return b.oid
		}
	}
	return nil
}

// Attributes are the PKCS#9 bag attributes this package understands. Other
// attributes are skipped on read and never written.
type Attributes struct {
	FriendlyName string
	LocalKeyID   []byte
}

// ShroudedKey is the EncryptedPrivateKeyInfo of a pkcs8ShroudedKeyBag.
type ShroudedKey struct {
	Algorithm  asn1.ObjectIdentifier
	Salt       []byte
	Iterations int
	Ciphertext []byte
}

// SafeBag is one decoded entry of a SafeContents. Which fields are set
// depends on Kind:
//
//   - KeyBag: Value is the PKCS#8 PrivateKeyInfo.
//   - ShroudedKeyBag: Shrouded holds the encryption parameters and ciphertext.
//   - CertBag: CertType is the certificate type and Value the certificate.
//   - CRLBag, SecretBag, SafeContentsBag: Value is the raw bag value.
type SafeBag struct {
	Kind       BagKind
	Value      []byte
	CertType   asn1.ObjectIdentifier
	Shrouded   *ShroudedKey
	Attributes Attributes
}

// decodeSafeContents decodes a SEQUENCE OF SafeBag. Every returned slice is a
// copy, so the caller may wipe data afterwards.
func decodeSafeContents(data []byte) ([]SafeBag, error) {
	in := cryptobyte.String(data)
	var seq cryptobyte.String
	if !in.ReadASN1(&seq, casn1.SEQUENCE) || !in.Empty() {
		return nil, malformed("SafeContents is not a SEQUENCE")
	}
	var bags []SafeBag
	for !seq.Empty() {
		bag, err := readSafeBag(&seq)
		if err != nil {
			return nil, err
		}
		bags = append(bags, bag)
	}
	return bags, nil
}

func readSafeBag(s *cryptobyte.String) (SafeBag, error) {
	var bag SafeBag
	var seq, value cryptobyte.String
	var bagID asn1.ObjectIdentifier
	if !s.ReadASN1(&seq, casn1.SEQUENCE) ||
		!seq.ReadASN1ObjectIdentifier(&bagID) ||
		!seq.ReadASN1(&value, tagExplicit0) {
		return bag, malformed("SafeBag")
	}

	bag.Kind = bagKindFromOID(bagID)
	if bag.Kind == 0 {
		return bag, malformed("unknown bag type %s", bagID)
	}

	if !seq.Empty() {
		var attrs cryptobyte.String
		if !seq.ReadASN1(&attrs, casn1.SET) || !seq.Empty() {
			return bag, malformed("%s attributes", bag.Kind)
		}
		var err error
		if bag.Attributes, err = readAttributes(attrs); err != nil {
			return bag, err
		}
	}

	switch bag.Kind {
	case KeyBag:
		var elem cryptobyte.String
		var tag casn1.Tag
		if !value.ReadAnyASN1Element(&elem, &tag) || tag != casn1.SEQUENCE || !value.Empty() {
			return bag, malformed("keyBag value is not a PrivateKeyInfo")
		}
		bag.Value = bytes.Clone(elem)
	case ShroudedKeyBag:
		sk, err := readEncryptedPrivateKeyInfo(value)
		if err != nil {
			return bag, err
		}
		bag.Shrouded = sk
	case CertBag:
		certType, raw, err := readCertBag(value)
		if err != nil {
			return bag, err
		}
		bag.CertType = certType
		bag.Value = raw
	default:
		bag.Value = bytes.Clone(value)
	}
	return bag, nil
}

func bagKindFromOID(oid asn1.ObjectIdentifier) BagKind {
	for _, b := range bagKinds {
		if b.oid.Equal(oid) {
			return b.kind
		}
	}
	return 0
}

func readEncryptedPrivateKeyInfo(value cryptobyte.String) (*ShroudedKey, error) {
	var seq, ciphertext cryptobyte.String
	if !value.ReadASN1(&seq, casn1.SEQUENCE) || !value.Empty() {
		return nil, malformed("EncryptedPrivateKeyInfo")
	}
	ai, err := readAlgorithmIdentifier(&seq)
	if err != nil {
		return nil, err
	}
	if !seq.ReadASN1(&ciphertext, casn1.OCTET_STRING) || !seq.Empty() {
		return nil, malformed("EncryptedPrivateKeyInfo encryptedData")
	}
	sk := &ShroudedKey{
		Algorithm:  ai.Algorithm,
		Ciphertext: bytes.Clone(ciphertext),
	}
	// Unknown schemes such as PBES2 carry other parameter shapes; the
	// algorithm check at decryption time reports them.
	if _, err := AlgorithmFromOID(ai.Algorithm); err == nil {
		p, err := ai.pbeParameters()
		if err != nil {
			return nil, err
		}
		sk.Salt = bytes.Clone(p.Salt)
		sk.Iterations = p.Iterations
	}
	return sk, nil
}

// readCertBag decodes CertBag ::= SEQUENCE { certId, certValue [0] EXPLICIT }.
// Only X.509 certificates are accepted.
func readCertBag(value cryptobyte.String) (asn1.ObjectIdentifier, []byte, error) {
	var seq, inner, raw cryptobyte.String
	var certType asn1.ObjectIdentifier
	if !value.ReadASN1(&seq, casn1.SEQUENCE) || !value.Empty() ||
		!seq.ReadASN1ObjectIdentifier(&certType) ||
		!seq.ReadASN1(&inner, tagExplicit0) || !seq.Empty() {
		return nil, nil, malformed("certBag")
	}
	switch {
	case certType.Equal(oidX509Certificate):
	case certType.Equal(oidSDSICertificate):
		return nil, nil, malformed("sdsiCertificate bags are not supported")
	default:
		return nil, nil, malformed("unknown certificate type %s", certType)
	}
	if !inner.ReadASN1(&raw, casn1.OCTET_STRING) || !inner.Empty() {
		return nil, nil, malformed("x509Certificate value is not an OCTET STRING")
	}
	return certType, bytes.Clone(raw), nil
}

func readAttributes(set cryptobyte.String) (Attributes, error) {
	var attrs Attributes
	for !set.Empty() {
		var attr, values cryptobyte.String
		var id asn1.ObjectIdentifier
		if !set.ReadASN1(&attr, casn1.SEQUENCE) ||
			!attr.ReadASN1ObjectIdentifier(&id) ||
			!attr.ReadASN1(&values, casn1.SET) || !attr.Empty() {
			return attrs, malformed("bag attribute")
		}
		switch {
		case id.Equal(oidFriendlyName):
			var bmp cryptobyte.String
			if !values.ReadASN1(&bmp, tagBMPString) {
				return attrs, malformed("friendlyName is not a BMPString")
			}
			name, err := decodeBMPString(bmp)
			if err != nil {
				return attrs, err
			}
			attrs.FriendlyName = name
		case id.Equal(oidLocalKeyID):
			var keyID cryptobyte.String
			if !values.ReadASN1(&keyID, casn1.OCTET_STRING) {
				return attrs, malformed("localKeyId is not an OCTET STRING")
			}
			attrs.LocalKeyID = bytes.Clone(keyID)
		}
	}
	return attrs, nil
}

// addSafeBag appends one SafeBag. The value callback writes the bag value
// inside the explicit [0] wrapper.
func addSafeBag(b *cryptobyte.Builder, kind BagKind, attrs Attributes, value func(*cryptobyte.Builder)) {
	b.AddASN1(casn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1ObjectIdentifier(kind.oid())
		b.AddASN1(tagExplicit0, value)
		if attrs.FriendlyName == "" && len(attrs.LocalKeyID) == 0 {
			return
		}
		encoded, err := marshalAttributes(attrs)
		if err != nil {
			b.SetError(err)
			return
		}
		b.AddASN1(casn1.SET, func(b *cryptobyte.Builder) {
			for _, e := range encoded {
				b.AddBytes(e)
			}
		})
	})
}

// marshalAttributes encodes each attribute separately and sorts them, since
// DER orders SET OF members by their encodings.
func marshalAttributes(attrs Attributes) ([][]byte, error) {
	var out [][]byte
	if attrs.FriendlyName != "" {
		name := bmpPassword(attrs.FriendlyName)
		name = name[:len(name)-2]
		enc, err := marshalAttribute(oidFriendlyName, func(b *cryptobyte.Builder) {
			b.AddASN1(tagBMPString, func(b *cryptobyte.Builder) { b.AddBytes(name) })
		})
		if err != nil {
			return nil, err
		}
		out = append(out, enc)
	}
	if len(attrs.LocalKeyID) > 0 {
		enc, err := marshalAttribute(oidLocalKeyID, func(b *cryptobyte.Builder) {
			b.AddASN1OctetString(attrs.LocalKeyID)
		})
		if err != nil {
			return nil, err
		}
		out = append(out, enc)
	}
	slices.SortFunc(out, bytes.Compare)
	return out, nil
}

func marshalAttribute(id asn1.ObjectIdentifier, value func(*cryptobyte.Builder)) ([]byte, error) {
	var b cryptobyte.Builder
	b.AddASN1(casn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1ObjectIdentifier(id)
		b.AddASN1(casn1.SET, value)
	})
	return b.Bytes()
}
