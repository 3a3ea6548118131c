package pkcs12

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha1"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/crypto/cryptobyte"
	casn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// Decode parses a DER-encoded PFX under password and returns its keys and
// certificates. Any structural, algorithm, integrity or decryption problem
// fails the whole archive; no partial result is returned.
//
// When the archive has a MAC, each encoding of password is tried until one
// verifies, and ErrTamperDetected is returned if none does. No bag is
// decoded after a MAC failure.
func Decode(der []byte, password string) (*Archive, error) {
	return DecodeWithLogger(der, password, nil)
}

// DecodeWithLogger is Decode with debug logging of the archive structure.
// A nil logger uses slog.Default.
func DecodeWithLogger(der []byte, password string, logger *slog.Logger) (*Archive, error) {
	if logger == nil {
		logger = slog.Default()
	}
	d := &decoder{log: logger, a: NewArchive()}
	if err := d.decode(der, password); err != nil {
		d.a.Close()
		return nil, err
	}
	return d.a, nil
}

type decoder struct {
	log *slog.Logger
	a   *Archive
}

type macData struct {
	digestAlg  asn1.ObjectIdentifier
	digest     []byte
	salt       []byte
	iterations int
}

func (d *decoder) decode(der []byte, password string) error {
	in := cryptobyte.String(der)
	var pfx cryptobyte.String
	if !in.ReadASN1(&pfx, casn1.SEQUENCE) {
		return malformed("PFX is not a SEQUENCE")
	}
	if !in.Empty() {
		return malformed("trailing data after PFX")
	}

	var version int64
	if !pfx.ReadASN1Integer(&version) || version < 0 {
		return malformed("PFX version")
	}
	d.a.Version = int(version)

	authSafe, err := readContentInfo(&pfx)
	if err != nil {
		return err
	}
	if !authSafe.ContentType.Equal(oidDataContentType) {
		return malformed("authSafe content type %s is not data", authSafe.ContentType)
	}
	authSafeData, err := authSafe.dataContent()
	if err != nil {
		return err
	}

	var mac *macData
	if !pfx.Empty() {
		if mac, err = readMacData(&pfx); err != nil {
			return err
		}
	}
	if !pfx.Empty() {
		return malformed("PFX has more than three elements")
	}

	candidates := passwordCandidates(password)
	defer func() { wipe(candidates...) }()

	if mac == nil {
		d.log.Debug("PKCS#12 archive has no MAC")
		return d.decodeUnauthenticated(authSafeData, candidates)
	}

	d.a.MAC = &MACInfo{Algorithm: mac.digestAlg, Salt: bytes.Clone(mac.salt), Iterations: mac.iterations}
	d.a.IterationCount = mac.iterations
	for _, pw := range candidates {
		match, err := verifyMAC(mac, pw, authSafeData)
		if err != nil {
			return err
		}
		if match {
			d.log.Debug("PKCS#12 MAC verified", "iterations", mac.iterations)
			return d.decodeContents(authSafeData, pw)
		}
	}
	return ErrTamperDetected
}

// decodeUnauthenticated decodes an archive without a MAC. With nothing to
// pick the password encoding up front, each candidate gets a full decode
// on a fresh archive until one decrypts. The first error is returned when
// none does.
func (d *decoder) decodeUnauthenticated(authSafeData []byte, candidates [][]byte) error {
	var firstErr error
	for i, pw := range candidates {
		if i > 0 {
			version := d.a.Version
			d.a.Close()
			d.a = NewArchive()
			d.a.Version = version
		}
		err := d.decodeContents(authSafeData, pw)
		if err == nil {
			return nil
		}
		if firstErr == nil {
			firstErr = err
		}
		if !errors.Is(err, ErrDecryptionFailure) {
			break
		}
		d.log.Debug("password encoding did not decrypt", "candidate", i, "error", err)
	}
	return firstErr
}

// decodeContents records pw as the archive password and decodes the
// authenticatedSafe under it. A nil pw means the archive has no password.
func (d *decoder) decodeContents(authSafeData, pw []byte) error {
	if pw != nil {
		d.a.password = bytes.Clone(pw)
		d.a.hasPassword = true
	}
	return d.decodeAuthenticatedSafe(authSafeData, pw)
}

func readMacData(s *cryptobyte.String) (*macData, error) {
	var seq, digestInfo, digest, salt cryptobyte.String
	if !s.ReadASN1(&seq, casn1.SEQUENCE) || !seq.ReadASN1(&digestInfo, casn1.SEQUENCE) {
		return nil, malformed("macData")
	}
	ai, err := readAlgorithmIdentifier(&digestInfo)
	if err != nil {
		return nil, err
	}
	if !digestInfo.ReadASN1(&digest, casn1.OCTET_STRING) || !digestInfo.Empty() {
		return nil, malformed("macData digest")
	}
	if !seq.ReadASN1(&salt, casn1.OCTET_STRING) {
		return nil, malformed("macData salt")
	}
	m := &macData{digestAlg: ai.Algorithm, digest: digest, salt: salt, iterations: 1}
	if seq.PeekASN1Tag(casn1.INTEGER) && !seq.ReadASN1Integer(&m.iterations) {
		return nil, malformed("macData iterations")
	}
	if m.iterations < 1 {
		return nil, malformed("macData iteration count %d", m.iterations)
	}
	if !seq.Empty() {
		return nil, malformed("trailing data in macData")
	}
	if !m.digestAlg.Equal(oidSHA1) {
		return nil, fmt.Errorf("%w: MAC digest %s", ErrUnsupportedFeature, m.digestAlg)
	}
	return m, nil
}

// verifyMAC reports whether the HMAC-SHA1 of data under a key derived from
// password matches the stored digest.
func verifyMAC(m *macData, password, data []byte) (bool, error) {
	expected, err := computeMAC(password, m.salt, m.iterations, data)
	if err != nil {
		return false, err
	}
	return hmac.Equal(expected, m.digest), nil
}

func computeMAC(password, salt []byte, iterations int, data []byte) ([]byte, error) {
	ctx := &DerivationContext{HashName: "SHA1", Iterations: iterations, Password: password, Salt: salt}
	key, err := Derive(ctx, PurposeMAC, sha1.Size)
	if err != nil {
		return nil, fmt.Errorf("deriving MAC key: %w", err)
	}
	defer wipe(key)
	h := hmac.New(sha1.New, key)
	h.Write(data)
	return h.Sum(nil), nil
}

func (d *decoder) decodeAuthenticatedSafe(data, password []byte) error {
	in := cryptobyte.String(data)
	var seq cryptobyte.String
	if !in.ReadASN1(&seq, casn1.SEQUENCE) || !in.Empty() {
		return malformed("authenticatedSafe is not a SEQUENCE")
	}
	for !seq.Empty() {
		ci, err := readContentInfo(&seq)
		if err != nil {
			return err
		}
		switch {
		case ci.ContentType.Equal(oidDataContentType):
			safe, err := ci.dataContent()
			if err != nil {
				return err
			}
			if err := d.decodeSafe(safe, password); err != nil {
				return err
			}
		case ci.ContentType.Equal(oidEncryptedDataContentType):
			safe, err := d.decryptEncryptedData(ci.Content, password)
			if err != nil {
				return err
			}
			bags, err := decodeSafeContents(safe)
			wipe(safe)
			if errors.Is(err, ErrMalformedArchive) {
				// Plaintext that decrypted but does not parse is what a wrong
				// password yields when the padding check passes by chance or
				// the cipher has none.
				return fmt.Errorf("%w: decrypted safe does not parse: %v", ErrDecryptionFailure, err)
			}
			if err != nil {
				return err
			}
			if err := d.materializeAll(bags, password); err != nil {
				return err
			}
		case ci.ContentType.Equal(oidEnvelopedDataContentType):
			return fmt.Errorf("%w: public-key encrypted (envelopedData) safe", ErrUnsupportedFeature)
		default:
			return malformed("unexpected authenticatedSafe content type %s", ci.ContentType)
		}
	}
	return nil
}

// decryptEncryptedData decodes a PKCS#7 EncryptedData and returns the
// decrypted content. The caller wipes the result.
func (d *decoder) decryptEncryptedData(content cryptobyte.String, password []byte) ([]byte, error) {
	var seq, eci cryptobyte.String
	var version int64
	if !content.ReadASN1(&seq, casn1.SEQUENCE) || !content.Empty() ||
		!seq.ReadASN1Integer(&version) ||
		!seq.ReadASN1(&eci, casn1.SEQUENCE) {
		return nil, malformed("EncryptedData")
	}
	if version != 0 {
		return nil, malformed("EncryptedData version %d", version)
	}

	var contentType asn1.ObjectIdentifier
	if !eci.ReadASN1ObjectIdentifier(&contentType) {
		return nil, malformed("EncryptedContentInfo contentType")
	}
	ai, err := readAlgorithmIdentifier(&eci)
	if err != nil {
		return nil, err
	}
	ciphertext, err := readEncryptedContent(&eci)
	if err != nil {
		return nil, err
	}

	alg, err := AlgorithmFromOID(ai.Algorithm)
	if err != nil {
		return nil, err
	}
	params, err := ai.pbeParameters()
	if err != nil {
		return nil, err
	}
	d.a.noteAlgorithm(alg)
	d.a.certAlg = alg
	if d.a.MAC == nil {
		d.a.IterationCount = params.Iterations
	}
	d.log.Debug("decrypting encryptedData safe", "algorithm", alg, "iterations", params.Iterations)

	plain, err := pbeDecrypt(ai.Algorithm, params, password, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decrypting encryptedData: %w", err)
	}
	return plain, nil
}

// readEncryptedContent reads the [0] IMPLICIT encryptedContent, accepting
// both the primitive form and the constructed form made of OCTET STRING
// segments.
func readEncryptedContent(s *cryptobyte.String) ([]byte, error) {
	var out cryptobyte.String
	switch {
	case s.PeekASN1Tag(tagImplicit0):
		if !s.ReadASN1(&out, tagImplicit0) {
			return nil, malformed("encryptedContent")
		}
		return out, nil
	case s.PeekASN1Tag(tagExplicit0):
		var segments cryptobyte.String
		if !s.ReadASN1(&segments, tagExplicit0) {
			return nil, malformed("encryptedContent")
		}
		var buf []byte
		for !segments.Empty() {
			var seg cryptobyte.String
			if !segments.ReadASN1(&seg, casn1.OCTET_STRING) {
				return nil, malformed("encryptedContent segment")
			}
			buf = append(buf, seg...)
		}
		return buf, nil
	default:
		return nil, malformed("EncryptedData has no encryptedContent")
	}
}

func (d *decoder) decodeSafe(data, password []byte) error {
	bags, err := decodeSafeContents(data)
	if err != nil {
		return err
	}
	return d.materializeAll(bags, password)
}

func (d *decoder) materializeAll(bags []SafeBag, password []byte) error {
	for _, bag := range bags {
		if err := d.materialize(bag, password); err != nil {
			return err
		}
	}
	return nil
}

func (d *decoder) materialize(bag SafeBag, password []byte) error {
	switch bag.Kind {
	case KeyBag:
		key, err := x509.ParsePKCS8PrivateKey(bag.Value)
		wipe(bag.Value)
		if err != nil {
			return malformed("keyBag private key: %v", err)
		}
		d.a.Keys = append(d.a.Keys, KeyEntry{Key: key, Attributes: bag.Attributes})
	case ShroudedKeyBag:
		sk := bag.Shrouded
		alg, err := AlgorithmFromOID(sk.Algorithm)
		if err != nil {
			return err
		}
		d.a.noteAlgorithm(alg)
		d.a.keyAlg = alg
		plain, err := pbeDecrypt(sk.Algorithm, pbeParams{Salt: sk.Salt, Iterations: sk.Iterations}, password, sk.Ciphertext)
		if err != nil {
			return fmt.Errorf("decrypting shrouded key: %w", err)
		}
		key, err := x509.ParsePKCS8PrivateKey(plain)
		wipe(plain)
		if err != nil {
			return fmt.Errorf("%w: decrypted key is not PKCS#8: %v", ErrDecryptionFailure, err)
		}
		d.a.Keys = append(d.a.Keys, KeyEntry{Key: key, Attributes: bag.Attributes, Shrouded: true})
	case CertBag:
		cert, err := x509.ParseCertificate(bag.Value)
		if err != nil {
			return errors.Join(malformed("certificate"), &CertificateError{Raw: bag.Value, Err: err})
		}
		d.a.Certificates = append(d.a.Certificates, CertEntry{Certificate: cert, Attributes: bag.Attributes})
	default:
		d.log.Debug("keeping uninterpreted bag", "kind", bag.Kind)
		d.a.Other = append(d.a.Other, bag)
	}
	return nil
}

// CertificateError reports a certBag whose contents the standard library
// could not parse. Raw lets callers retry with a more lenient parser.
type CertificateError struct {
	Raw []byte
	Err error
}

func (e *CertificateError) Error() string {
	return "pkcs12: parsing certificate: " + e.Err.Error()
}

func (e *CertificateError) Unwrap() error { return e.Err }
