package pkcs12

import (
	"bytes"
	"crypto/cipher"
	"crypto/des"
	"crypto/rc4"
	"encoding/asn1"
	"fmt"
	"slices"
	"strings"

	"github.com/dgryski/go-rc2"
)

// Algorithm identifies one of the password-based encryption schemes this
// package can derive keys for and decrypt with.
type Algorithm int

// The PKCS#5 v1.5 schemes followed by the PKCS#12 schemes. Zero is not
// a valid Algorithm.
const (
	PBEWithMD2AndDESCBC Algorithm = iota + 1
	PBEWithMD2AndRC2CBC
	PBEWithMD5AndDESCBC
	PBEWithMD5AndRC2CBC
	PBEWithSHA1AndDESCBC
	PBEWithSHA1AndRC2CBC
	PBEWithSHAAnd128BitRC4
	PBEWithSHAAnd40BitRC4
	PBEWithSHAAnd3KeyTripleDESCBC
	PBEWithSHAAnd2KeyTripleDESCBC
	PBEWithSHAAnd128BitRC2CBC
	PBEWithSHAAnd40BitRC2CBC
)

type cipherKind int

const (
	cipherDES cipherKind = iota
	cipherTripleDES
	cipherRC2
	cipherRC4
)

type pbeScheme struct {
	name   string
	short  string
	oid    asn1.ObjectIdentifier
	hash   string
	cipher cipherKind
	keyLen int
	ivLen  int
}

var pbeSchemes = map[Algorithm]pbeScheme{
	PBEWithMD2AndDESCBC:           {"pbeWithMD2AndDES-CBC", "md2-des", asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 5, 1}, "MD2", cipherDES, 8, 8},
	PBEWithMD2AndRC2CBC:           {"pbeWithMD2AndRC2-CBC", "md2-rc2", asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 5, 4}, "MD2", cipherRC2, 4, 8},
	PBEWithMD5AndDESCBC:           {"pbeWithMD5AndDES-CBC", "md5-des", asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 5, 3}, "MD5", cipherDES, 8, 8},
	PBEWithMD5AndRC2CBC:           {"pbeWithMD5AndRC2-CBC", "md5-rc2", asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 5, 6}, "MD5", cipherRC2, 4, 8},
	PBEWithSHA1AndDESCBC:          {"pbeWithSHA1AndDES-CBC", "sha1-des", asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 5, 10}, "SHA1", cipherDES, 8, 8},
	PBEWithSHA1AndRC2CBC:          {"pbeWithSHA1AndRC2-CBC", "sha1-rc2", asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 5, 11}, "SHA1", cipherRC2, 4, 8},
	PBEWithSHAAnd128BitRC4:        {"pbeWithSHAAnd128BitRC4", "sha1-rc4-128", asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 12, 1, 1}, "SHA1", cipherRC4, 16, 0},
	PBEWithSHAAnd40BitRC4:         {"pbeWithSHAAnd40BitRC4", "sha1-rc4-40", asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 12, 1, 2}, "SHA1", cipherRC4, 5, 0},
	PBEWithSHAAnd3KeyTripleDESCBC: {"pbeWithSHAAnd3-KeyTripleDES-CBC", "sha1-3des", asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 12, 1, 3}, "SHA1", cipherTripleDES, 24, 8},
	PBEWithSHAAnd2KeyTripleDESCBC: {"pbeWithSHAAnd2-KeyTripleDES-CBC", "sha1-2des", asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 12, 1, 4}, "SHA1", cipherTripleDES, 16, 8},
	PBEWithSHAAnd128BitRC2CBC:     {"pbeWithSHAAnd128BitRC2-CBC", "sha1-rc2-128", asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 12, 1, 5}, "SHA1", cipherRC2, 16, 8},
	PBEWithSHAAnd40BitRC2CBC:      {"pbeWithSHAAnd40BitRC2-CBC", "sha1-rc2-40", asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 12, 1, 6}, "SHA1", cipherRC2, 5, 8},
}

// String returns the ASN.1 module name of the scheme.
func (a Algorithm) String() string {
	if s, ok := pbeSchemes[a]; ok {
		return s.name
	}
	return fmt.Sprintf("Algorithm(%d)", int(a))
}

// ShortName returns the lower-case name accepted by LookupAlgorithm.
func (a Algorithm) ShortName() string {
	return pbeSchemes[a].short
}

// OID returns the algorithm identifier, or nil for an unknown Algorithm.
func (a Algorithm) OID() asn1.ObjectIdentifier {
	s, ok := pbeSchemes[a]
	if !ok {
		return nil
	}
	return slices.Clone(s.oid)
}

// Algorithms returns every supported scheme in declaration order.
func Algorithms() []Algorithm {
	out := make([]Algorithm, 0, len(pbeSchemes))
	for a := PBEWithMD2AndDESCBC; a <= PBEWithSHAAnd40BitRC2CBC; a++ {
		out = append(out, a)
	}
	return out
}

// AlgorithmFromOID maps an algorithm identifier to a scheme. Identifiers
// outside the table, PBES2 included, return ErrUnsupportedAlgorithm.
func AlgorithmFromOID(oid asn1.ObjectIdentifier) (Algorithm, error) {
	for a, s := range pbeSchemes {
		if s.oid.Equal(oid) {
			return a, nil
		}
	}
	return 0, fmt.Errorf("%w: PBE %s", ErrUnsupportedAlgorithm, oid)
}

// LookupAlgorithm resolves a short name such as "sha1-3des" or a full
// scheme name, case-insensitively.
func LookupAlgorithm(name string) (Algorithm, error) {
	for _, a := range Algorithms() {
		s := pbeSchemes[a]
		if strings.EqualFold(name, s.short) || strings.EqualFold(name, s.name) {
			return a, nil
		}
	}
	return 0, fmt.Errorf("%w: PBE name %q", ErrUnsupportedAlgorithm, name)
}

// pbeParams are the salt and iteration count carried in a PKCS#5 v1.5 or
// PKCS#12 PBE AlgorithmIdentifier.
type pbeParams struct {
	Salt       []byte
	Iterations int
}

// derive produces the key and IV for the scheme. The password is borrowed,
// not owned; the caller wipes key and iv.
func (s pbeScheme) derive(password []byte, params pbeParams) (key, iv []byte, err error) {
	ctx := &DerivationContext{
		HashName:   s.hash,
		Iterations: params.Iterations,
		Password:   password,
		Salt:       params.Salt,
	}
	key, err = Derive(ctx, PurposeKey, s.keyLen)
	if err != nil {
		return nil, nil, err
	}
	if s.ivLen > 0 {
		iv, err = Derive(ctx, PurposeIV, s.ivLen)
		if err != nil {
			wipe(key)
			return nil, nil, err
		}
	}
	return key, iv, nil
}

func (s pbeScheme) newBlock(key []byte) (cipher.Block, error) {
	switch s.cipher {
	case cipherDES:
		return des.NewCipher(key)
	case cipherTripleDES:
		if len(key) == 16 {
			k := make([]byte, 0, 24)
			k = append(k, key...)
			k = append(k, key[:8]...)
			defer wipe(k)
			return des.NewTripleDESCipher(k)
		}
		return des.NewTripleDESCipher(key)
	case cipherRC2:
		return rc2.New(key, 8*len(key))
	default:
		return nil, fmt.Errorf("%w: cipher kind %d is not a block cipher", ErrUnsupportedAlgorithm, s.cipher)
	}
}

// pbeDecrypt decrypts data under the scheme named by oid. Padding or length
// failures, the usual symptom of a wrong password, return ErrDecryptionFailure.
func pbeDecrypt(oid asn1.ObjectIdentifier, params pbeParams, password, data []byte) ([]byte, error) {
	alg, err := AlgorithmFromOID(oid)
	if err != nil {
		return nil, err
	}
	s := pbeSchemes[alg]
	key, iv, err := s.derive(password, params)
	if err != nil {
		return nil, err
	}
	defer wipe(key, iv)

	if s.cipher == cipherRC4 {
		c, err := rc4.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDecryptionFailure, err)
		}
		out := make([]byte, len(data))
		c.XORKeyStream(out, data)
		return out, nil
	}

	block, err := s.newBlock(key)
	if err != nil {
		return nil, err
	}
	bs := block.BlockSize()
	if len(data) == 0 || len(data)%bs != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d is not a multiple of %d", ErrDecryptionFailure, len(data), bs)
	}
	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)

	n, err := unpad(out, bs)
	if err != nil {
		wipe(out)
		return nil, err
	}
	return out[:n], nil
}

// pbeEncrypt is the inverse of pbeDecrypt.
func pbeEncrypt(alg Algorithm, params pbeParams, password, plain []byte) ([]byte, error) {
	s, ok := pbeSchemes[alg]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, alg)
	}
	key, iv, err := s.derive(password, params)
	if err != nil {
		return nil, err
	}
	defer wipe(key, iv)

	if s.cipher == cipherRC4 {
		c, err := rc4.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("creating RC4 cipher: %w", err)
		}
		out := make([]byte, len(plain))
		c.XORKeyStream(out, plain)
		return out, nil
	}

	block, err := s.newBlock(key)
	if err != nil {
		return nil, err
	}
	bs := block.BlockSize()
	padLen := bs - len(plain)%bs
	buf := make([]byte, len(plain)+padLen)
	copy(buf, plain)
	copy(buf[len(plain):], bytes.Repeat([]byte{byte(padLen)}, padLen))
	defer wipe(buf)

	out := make([]byte, len(buf))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, buf)
	return out, nil
}

// unpad checks PKCS#7 padding and returns the unpadded length.
func unpad(b []byte, bs int) (int, error) {
	if len(b) == 0 {
		return 0, fmt.Errorf("%w: empty plaintext", ErrDecryptionFailure)
	}
	n := int(b[len(b)-1])
	if n == 0 || n > bs || n > len(b) {
		return 0, fmt.Errorf("%w: invalid padding", ErrDecryptionFailure)
	}
	for _, p := range b[len(b)-n:] {
		if int(p) != n {
			return 0, fmt.Errorf("%w: invalid padding", ErrDecryptionFailure)
		}
	}
	return len(b) - n, nil
}
