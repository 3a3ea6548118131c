package pkcs12

import (
	"errors"
	"fmt"
)

// Archive errors. Callers test for them with errors.Is; the returned error
// carries the structural detail.
var (
	// ErrMalformedArchive reports an ASN.1 shape violation: wrong tag, wrong
	// child count, truncated element, or an undecodable key or certificate.
	ErrMalformedArchive = errors.New("pkcs12: malformed archive")

	// ErrUnsupportedAlgorithm reports an unknown PBE, hash, or MAC algorithm.
	ErrUnsupportedAlgorithm = errors.New("pkcs12: unsupported algorithm")

	// ErrUnsupportedFeature reports a recognized but unimplemented construct,
	// such as public-key (envelopedData) protection or a non-SHA-1 MAC.
	ErrUnsupportedFeature = fmt.Errorf("%w: unsupported feature", ErrUnsupportedAlgorithm)

	// ErrTamperDetected reports a MAC mismatch. It is also what a wrong
	// password looks like on an archive that carries a MAC.
	ErrTamperDetected = errors.New("pkcs12: integrity check failed")

	// ErrDecryptionFailure reports a cipher or padding failure, usually a
	// wrong password on an archive without a MAC.
	ErrDecryptionFailure = errors.New("pkcs12: decryption failed")
)

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedArchive, fmt.Sprintf(format, args...))
}
