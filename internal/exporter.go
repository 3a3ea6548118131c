package internal

import (
	"crypto"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/sensiblebit/pfxkit"
)

// ExportFormat names an output encoding for convert.
type ExportFormat string

const (
	FormatPEM       ExportFormat = "pem"
	FormatChain     ExportFormat = "chain"
	FormatFullchain ExportFormat = "fullchain"
	FormatP12       ExportFormat = "p12"
	FormatJKS       ExportFormat = "jks"
	FormatP7B       ExportFormat = "p7b"
	FormatK8s       ExportFormat = "k8s"
)

// ExportFormats lists every format in the order help text shows them.
var ExportFormats = []ExportFormat{FormatPEM, FormatChain, FormatFullchain, FormatP12, FormatJKS, FormatP7B, FormatK8s}

// ParseExportFormat validates a format name.
func ParseExportFormat(name string) (ExportFormat, error) {
	f := ExportFormat(strings.ToLower(name))
	if !slices.Contains(ExportFormats, f) {
		return "", fmt.Errorf("unsupported export format %q", name)
	}
	return f, nil
}

// Extension returns the conventional file suffix for the format.
func (f ExportFormat) Extension() string {
	switch f {
	case FormatChain:
		return ".chain.pem"
	case FormatFullchain:
		return ".fullchain.pem"
	case FormatK8s:
		return ".k8s.yaml"
	default:
		return "." + string(f)
	}
}

// Sensitive reports whether output in this format carries private key
// material and must be written owner-readable only.
func (f ExportFormat) Sensitive(hasKey bool) bool {
	switch f {
	case FormatChain, FormatFullchain, FormatP7B:
		return false
	default:
		return hasKey
	}
}

// ExportInput is a resolved chain plus the optional key that goes with it.
type ExportInput struct {
	Bundle *pfxkit.BundleResult
	Key    crypto.PrivateKey
	// Password protects p12 and jks output, and encrypts the key in pem
	// output when set.
	Password string
	// PKCS12 carries the PBE and iteration choices for p12 output. Its
	// Password field is ignored in favour of Password.
	PKCS12 pfxkit.PKCS12Options
	// SecretName is the Kubernetes secret metadata.name. Empty derives it
	// from the leaf.
	SecretName string
}

// K8sSecret represents a Kubernetes TLS secret.
type K8sSecret struct {
	APIVersion string            `yaml:"apiVersion"`
	Kind       string            `yaml:"kind"`
	Type       string            `yaml:"type"`
	Metadata   K8sMetadata       `yaml:"metadata"`
	Data       map[string]string `yaml:"data"`
}

// K8sMetadata represents Kubernetes resource metadata.
type K8sMetadata struct {
	Name string `yaml:"name"`
}

// Export encodes in as format.
func Export(in ExportInput, format ExportFormat) ([]byte, error) {
	b := in.Bundle
	if b == nil || b.Leaf == nil {
		return nil, errors.New("export requires a leaf certificate")
	}

	switch format {
	case FormatPEM:
		out := pfxkit.CertToPEM(b.Leaf)
		if in.Key != nil {
			keyPEM, err := marshalExportKey(in.Key, in.Password)
			if err != nil {
				return nil, err
			}
			out += keyPEM
		}
		return []byte(out), nil
	case FormatChain:
		return []byte(pfxkit.CertsToPEM(b.Chain(false))), nil
	case FormatFullchain:
		return []byte(pfxkit.CertsToPEM(b.Chain(true))), nil
	case FormatP7B:
		return pfxkit.EncodePKCS7(b.Chain(true))
	case FormatP12:
		opts := in.PKCS12
		opts.Password = in.Password
		var keys []crypto.PrivateKey
		if in.Key != nil {
			keys = append(keys, in.Key)
			if opts.FriendlyName == "" {
				opts.FriendlyName = FormatCN(b.Leaf)
			}
		}
		return pfxkit.EncodePKCS12WithOptions(keys, b.Chain(true), opts)
	case FormatJKS:
		if in.Key == nil {
			return pfxkit.EncodeJKSTrustStore(b.Chain(true), in.Password)
		}
		return pfxkit.EncodeJKS(in.Key, b.Leaf, append(slices.Clone(b.Intermediates), rootOf(b)...), in.Password)
	case FormatK8s:
		return exportK8sSecret(in)
	default:
		return nil, fmt.Errorf("unsupported export format %q", format)
	}
}

func rootOf(b *pfxkit.BundleResult) []*x509.Certificate {
	if b.Root == nil || b.Root.Equal(b.Leaf) {
		return nil
	}
	return []*x509.Certificate{b.Root}
}

func marshalExportKey(key crypto.PrivateKey, password string) (string, error) {
	if password != "" {
		return pfxkit.MarshalEncryptedPrivateKeyToPEM(key, password)
	}
	return pfxkit.MarshalPrivateKeyToPEM(key)
}

func exportK8sSecret(in ExportInput) ([]byte, error) {
	if in.Key == nil {
		return nil, errors.New("kubernetes TLS secret requires a private key")
	}
	keyPEM, err := pfxkit.MarshalPrivateKeyToPEM(in.Key)
	if err != nil {
		return nil, err
	}
	name := in.SecretName
	if name == "" {
		name = SecretName(FormatCN(in.Bundle.Leaf))
	}
	secret := K8sSecret{
		APIVersion: "v1",
		Kind:       "Secret",
		Type:       "kubernetes.io/tls",
		Metadata:   K8sMetadata{Name: name},
		Data: map[string]string{
			"tls.crt": base64.StdEncoding.EncodeToString([]byte(pfxkit.CertsToPEM(in.Bundle.Chain(false)))),
			"tls.key": base64.StdEncoding.EncodeToString([]byte(keyPEM)),
		},
	}
	if root := rootOf(in.Bundle); root != nil {
		secret.Data["ca.crt"] = base64.StdEncoding.EncodeToString([]byte(pfxkit.CertToPEM(root[0])))
	}
	out, err := yaml.Marshal(secret)
	if err != nil {
		return nil, fmt.Errorf("marshaling kubernetes secret YAML: %w", err)
	}
	return out, nil
}

// FormatCN returns the common name of the certificate for display. Falls back
// to the first DNS SAN, then to "serial:<hex>" if no CN or SAN is present.
func FormatCN(cert *x509.Certificate) string {
	if cert.Subject.CommonName != "" {
		return cert.Subject.CommonName
	}
	if len(cert.DNSNames) > 0 {
		return cert.DNSNames[0]
	}
	return fmt.Sprintf("serial:%s", cert.SerialNumber.Text(16))
}

// SecretName turns a common name into a valid Kubernetes object name.
func SecretName(cn string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(strings.TrimPrefix(cn, "*.")) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '.':
			sb.WriteRune(r)
		default:
			sb.WriteRune('-')
		}
	}
	name := strings.Trim(sb.String(), "-.")
	if name == "" {
		return "tls"
	}
	return name + "-tls"
}

// SanitizeFileName replaces wildcards and path separators so a common name
// can be used as a file name.
func SanitizeFileName(name string) string {
	return strings.NewReplacer("*", "_", "/", "_", "\\", "_", ":", "_").Replace(name)
}

// WriteExport writes data to path, owner-only when sensitive. Parent
// directories are created as needed.
func WriteExport(path string, data []byte, sensitive bool) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}
	mode := os.FileMode(0o644)
	if sensitive {
		mode = 0o600
	}
	if err := os.WriteFile(path, data, mode); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
