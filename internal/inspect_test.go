package internal

import (
	"bytes"
	"crypto/x509"
	"encoding/json"
	"slices"
	"strings"
	"testing"

	"github.com/sensiblebit/pfxkit"
	"github.com/sensiblebit/pfxkit/chain"
	"github.com/sensiblebit/pfxkit/pkcs12"
)

func TestInspectData_PKCS12(t *testing.T) {
	// WHY: inspect is the window into an archive's envelope; the MAC, the
	// PBE schemes per safe and the key-to-certificate link must all show.
	t.Parallel()
	c := newTestChain(t)
	data := c.p12(t, pfxkit.PKCS12Options{
		Password:      "pw",
		Iterations:    1000,
		CertAlgorithm: pkcs12.PBEWithSHAAnd40BitRC2CBC,
		KeyAlgorithm:  pkcs12.PBEWithSHAAnd3KeyTripleDESCBC,
		FriendlyName:  "server",
	})

	r, err := InspectData(data, []string{"pw"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if r.Container != KindPKCS12 || r.Decoder != pfxkit.DecoderNative {
		t.Fatalf("container %q decoder %q", r.Container, r.Decoder)
	}
	a := r.Archive
	if a == nil || a.Version != 3 || !a.Password {
		t.Fatalf("archive info = %+v", a)
	}
	if a.MAC == nil || a.MAC.Digest != "SHA-1" || a.MAC.Iterations != 1000 {
		t.Errorf("MAC = %+v", a.MAC)
	}
	for _, want := range []string{pkcs12.PBEWithSHAAnd40BitRC2CBC.String(), pkcs12.PBEWithSHAAnd3KeyTripleDESCBC.String()} {
		if !slices.Contains(a.Algorithms, want) {
			t.Errorf("algorithms %v missing %s", a.Algorithms, want)
		}
	}
	if len(r.Certificates) != 3 || len(r.Keys) != 1 {
		t.Fatalf("got %d certificates, %d keys", len(r.Certificates), len(r.Keys))
	}
	k := r.Keys[0]
	if !k.Shrouded || k.FriendlyName != "server" || k.LocalKeyID == "" {
		t.Errorf("key info = %+v", k)
	}
	if k.Certificate < 0 || r.Certificates[k.Certificate].LocalKeyID != k.LocalKeyID {
		t.Errorf("key links to certificate %d", k.Certificate)
	}
	if len(r.Warnings) != 0 {
		t.Errorf("unexpected warnings %v", r.Warnings)
	}
}

func TestInspectData_PlainKeysWithoutMAC(t *testing.T) {
	// WHY: An archive with cleartext keys and no integrity check is the worst
	// case an auditor needs flagged.
	t.Parallel()
	c := newTestChain(t)
	data := c.p12(t, pfxkit.PKCS12Options{NoPassword: true, PlainKeys: true})

	r, err := InspectData(data, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if r.Archive.MAC != nil || r.Keys[0].Shrouded {
		t.Fatalf("archive MAC %+v, key shrouded %v", r.Archive.MAC, r.Keys[0].Shrouded)
	}
	if len(r.Warnings) != 1 || !strings.Contains(r.Warnings[0], "unencrypted") {
		t.Errorf("warnings = %v", r.Warnings)
	}
}

func TestInspectData_LenientCertificate(t *testing.T) {
	// WHY: Old issuers produced negative serial numbers that the standard
	// library now rejects; inspect must still describe such a certificate
	// and say why it is suspicious.
	t.Parallel()
	c := newTestChain(t)

	serial, err := chain.CertificateSerial(c.leaf.cert)
	if err != nil {
		t.Fatal(err)
	}
	raw := bytes.Clone(c.leaf.cert.Raw)
	idx := bytes.Index(raw, serial)
	if idx < 0 {
		t.Fatal("serial not found in certificate")
	}
	raw[idx] |= 0x80
	if _, err := x509.ParseCertificate(raw); err == nil {
		t.Skip("standard library accepts negative serials in this environment")
	}

	a := pkcs12.NewArchive(pkcs12.WithPassword("pw"))
	a.AddCertificate(&x509.Certificate{Raw: raw}, pkcs12.Attributes{})
	data, err := a.Marshal()
	if err != nil {
		t.Fatal(err)
	}

	r, err := InspectData(data, []string{"pw"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(r.Certificates) != 1 || !r.Certificates[0].Lenient {
		t.Fatalf("certificates = %+v", r.Certificates)
	}
	if !strings.Contains(r.Certificates[0].Subject, "leaf.example.com") {
		t.Errorf("subject = %q", r.Certificates[0].Subject)
	}
	if len(r.Warnings) != 1 || !strings.Contains(r.Warnings[0], "rejected by the standard parser") {
		t.Errorf("warnings = %v", r.Warnings)
	}
}

func TestInspectFile_PEM(t *testing.T) {
	// WHY: Non-archive inputs still list certificates and keys with the key
	// pointing at its certificate.
	t.Parallel()
	c := newTestChain(t)
	path := writeTestFile(t, t.TempDir(), "server.pem", slices.Concat(c.leaf.certPEM(), c.leaf.keyPEM(t)))

	r, err := InspectFile(path, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if r.File != path || r.Container != KindPEM || r.Archive != nil {
		t.Fatalf("result = %+v", r)
	}
	if len(r.Keys) != 1 || r.Keys[0].Certificate != 0 || r.Keys[0].Type != "ECDSA" {
		t.Errorf("keys = %+v", r.Keys)
	}

	if _, err := InspectFile(path+".missing", nil, nil); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestFormatInspectResult(t *testing.T) {
	// WHY: Both renderings are user-facing; text must label each section
	// and JSON must round-trip through encoding/json.
	t.Parallel()
	c := newTestChain(t)
	r, err := InspectData(c.p12(t, pfxkit.PKCS12Options{Password: "pw", FriendlyName: "server"}), []string{"pw"}, nil)
	if err != nil {
		t.Fatal(err)
	}

	text, err := FormatInspectResult(r, "text")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"Container: pkcs12 (native decoder)", "MAC:       HMAC-SHA-1", "Certificate 0:", "Private Key 0:", "Name:        server", "Shrouded:    true"} {
		if !strings.Contains(text, want) {
			t.Errorf("text output missing %q", want)
		}
	}

	out, err := FormatInspectResult(r, "json")
	if err != nil {
		t.Fatal(err)
	}
	var decoded InspectResult
	if err := json.Unmarshal([]byte(out), &decoded); err != nil {
		t.Fatal(err)
	}
	if len(decoded.Certificates) != 3 || decoded.Archive == nil {
		t.Errorf("decoded JSON = %+v", decoded)
	}

	if _, err := FormatInspectResult(r, "yaml"); err == nil {
		t.Error("expected error for unsupported format")
	}
}
