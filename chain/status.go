package chain

import (
	"fmt"
	"strings"
)

// Status is a bitmask of chain problems. The values match the legacy
// X509ChainStatusFlags numbering so that reports stay comparable.
type Status uint32

const (
	NoError                 Status = 0
	NotTimeValid            Status = 1
	NotTimeNested           Status = 2
	NotSignatureValid       Status = 8
	UntrustedRoot           Status = 32
	InvalidBasicConstraints Status = 1024
	PartialChain            Status = 65536
)

var statusNames = []struct {
	flag Status
	name string
}{
	{NotTimeValid, "NotTimeValid"},
	{NotTimeNested, "NotTimeNested"},
	{NotSignatureValid, "NotSignatureValid"},
	{UntrustedRoot, "UntrustedRoot"},
	{InvalidBasicConstraints, "InvalidBasicConstraints"},
	{PartialChain, "PartialChain"},
}

// Has reports whether every flag in f is set.
func (s Status) Has(f Status) bool {
	return s&f == f
}

// Names returns the names of the set flags in ascending bit order.
func (s Status) Names() []string {
	var out []string
	rest := s
	for _, n := range statusNames {
		if s&n.flag != 0 {
			out = append(out, n.name)
			rest &^= n.flag
		}
	}
	if rest != 0 {
		out = append(out, fmt.Sprintf("0x%x", uint32(rest)))
	}
	return out
}

func (s Status) String() string {
	if s == NoError {
		return "NoError"
	}
	return strings.Join(s.Names(), "|")
}

// MarshalText renders the status as its String form.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
