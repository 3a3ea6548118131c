package pkcs12

import (
	"crypto/md5"
	"crypto/sha1"
	"errors"
	"fmt"
	"hash"

	"github.com/htruong/go-md2"
)

// Purpose is the diversifier ID byte of RFC 7292 Appendix B.3. It selects
// which of the three independent byte strings a derivation produces.
type Purpose byte

// Diversifiers for cipher keys, CBC IVs and HMAC keys.
const (
	PurposeKey Purpose = 1
	PurposeIV  Purpose = 2
	PurposeMAC Purpose = 3
)

// derivationBlockLen is v in Appendix B: the hash input block length. It is
// 64 for every hash this package derives with, MD2 included.
const derivationBlockLen = 64

var derivationHashes = map[string]func() hash.Hash{
	"MD2":  md2.New,
	"MD5":  md5.New,
	"SHA1": sha1.New,
}

// DerivationContext holds the inputs of a key derivation. Password is the
// already-encoded BMPString (or nil for an absent password) and is owned by
// the context: Close zeroes it.
type DerivationContext struct {
	HashName   string
	Iterations int
	Password   []byte
	Salt       []byte
}

// Close zeroes the password buffer.
func (c *DerivationContext) Close() {
	wipe(c.Password)
	c.Password = nil
}

// Derive produces n bytes of key, IV, or MAC key material per RFC 7292
// Appendix B.2. An iteration count below 1 is an error. When both salt and
// password are empty the derivation reduces to iterated hashing of the
// diversifier block.
func Derive(ctx *DerivationContext, purpose Purpose, n int) ([]byte, error) {
	if ctx == nil {
		return nil, errors.New("pkcs12: nil derivation context")
	}
	newHash, ok := derivationHashes[ctx.HashName]
	if !ok {
		return nil, fmt.Errorf("%w: derivation hash %q", ErrUnsupportedAlgorithm, ctx.HashName)
	}
	if ctx.Iterations < 1 {
		return nil, fmt.Errorf("pkcs12: iteration count must be at least 1, got %d", ctx.Iterations)
	}
	if n < 0 {
		return nil, fmt.Errorf("pkcs12: negative derivation length %d", n)
	}

	h := newHash()
	u := h.Size()
	v := derivationBlockLen

	d := make([]byte, v)
	for i := range d {
		d[i] = byte(purpose)
	}

	s := fillWithRepeats(ctx.Salt, v)
	p := fillWithRepeats(ctx.Password, v)
	in := make([]byte, 0, len(s)+len(p))
	in = append(in, s...)
	in = append(in, p...)
	wipe(s, p)
	defer wipe(in)

	a := make([]byte, 0, u)
	b := make([]byte, v)
	defer wipe(a[:cap(a)], b)

	out := make([]byte, 0, n)
	rounds := (n + u - 1) / u
	for range rounds {
		h.Reset()
		h.Write(d)
		h.Write(in)
		a = h.Sum(a[:0])
		for range ctx.Iterations - 1 {
			h.Reset()
			h.Write(a)
			a = h.Sum(a[:0])
		}

		for j := range b {
			b[j] = a[j%len(a)]
		}
		for j := 0; j < len(in); j += v {
			adjust(in[j:j+v], b)
		}

		out = append(out, a[:min(len(a), n-len(out))]...)
	}
	h.Reset()
	return out, nil
}

// fillWithRepeats returns src repeated and truncated to the next multiple of
// v, or nil when src is empty.
func fillWithRepeats(src []byte, v int) []byte {
	if len(src) == 0 {
		return nil
	}
	out := make([]byte, v*((len(src)+v-1)/v))
	for i := range out {
		out[i] = src[i%len(src)]
	}
	return out
}

// adjust sets block to (block + b + 1) mod 2^(8*len(block)), treating both as
// big-endian unsigned integers. The final carry out of the block is dropped.
func adjust(block, b []byte) {
	carry := uint16(1)
	for k := len(block) - 1; k >= 0; k-- {
		sum := uint16(block[k]) + uint16(b[k]) + carry
		block[k] = byte(sum)
		carry = sum >> 8
	}
}
