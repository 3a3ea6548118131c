package pkcs12

import "unicode/utf16"

// wipe zeroes every buffer in place. Callers defer it immediately after a
// secret buffer is acquired so that success and error paths both clear it.
func wipe(bufs ...[]byte) {
	for _, b := range bufs {
		clear(b)
	}
}

// bmpPassword encodes a password as a big-endian UTF-16 BMPString followed by
// a two-byte NUL terminator, as PKCS#12 requires. Characters outside the BMP
// are written as surrogate pairs. The empty string encodes to 00 00.
func bmpPassword(password string) []byte {
	units := utf16.Encode([]rune(password))
	out := make([]byte, 0, 2*len(units)+2)
	for _, u := range units {
		out = append(out, byte(u>>8), byte(u))
	}
	clear(units)
	return append(out, 0, 0)
}

// passwordCandidates returns the encodings tried for a password. An empty
// password is tried first as absent (no password bytes at all) and then as a
// bare BMP terminator, since writers disagree on which one they use.
func passwordCandidates(password string) [][]byte {
	if password == "" {
		return [][]byte{nil, {0, 0}}
	}
	return [][]byte{bmpPassword(password)}
}

// decodeBMPString decodes a big-endian UTF-16 string, dropping a trailing NUL.
func decodeBMPString(b []byte) (string, error) {
	if len(b)%2 != 0 {
		return "", malformed("odd-length BMPString")
	}
	units := make([]uint16, 0, len(b)/2)
	for i := 0; i < len(b); i += 2 {
		units = append(units, uint16(b[i])<<8|uint16(b[i+1]))
	}
	if n := len(units); n > 0 && units[n-1] == 0 {
		units = units[:n-1]
	}
	return string(utf16.Decode(units)), nil
}
