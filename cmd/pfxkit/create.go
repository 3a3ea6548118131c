package main

import (
	"crypto"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/sensiblebit/pfxkit"
	"github.com/sensiblebit/pfxkit/internal"
	"github.com/sensiblebit/pfxkit/pkcs12"
)

// pkcs12Flags are the archive encoding flags shared by create and convert.
type pkcs12Flags struct {
	certPBE      pkcs12.Algorithm
	keyPBE       pkcs12.Algorithm
	iterations   int
	plainKeys    bool
	modern       bool
	friendlyName string
}

func (f *pkcs12Flags) register(cmd *cobra.Command) {
	cmd.Flags().Var(newPBEValue(&f.certPBE), "cert-pbe", pbeHelp("the certificate bag"))
	cmd.Flags().Var(newPBEValue(&f.keyPBE), "key-pbe", pbeHelp("shrouded keys"))
	cmd.Flags().IntVar(&f.iterations, "iterations", 0, fmt.Sprintf("PBE and MAC iteration count (default from config, else %d)", pkcs12.DefaultIterations))
	cmd.Flags().BoolVar(&f.plainKeys, "plain-keys", false, "Store keys unencrypted in a KeyBag")
	cmd.Flags().BoolVar(&f.modern, "modern", false, "Use PBES2/AES-256 with an HMAC-SHA-256 MAC")
	cmd.Flags().StringVar(&f.friendlyName, "friendly-name", "", "friendlyName attribute for the key and leaf")
	cmd.MarkFlagsMutuallyExclusive("modern", "cert-pbe")
	cmd.MarkFlagsMutuallyExclusive("modern", "key-pbe")
	cmd.MarkFlagsMutuallyExclusive("modern", "plain-keys")

	pbe := fixedCompletion(pbeNames()...)
	registerCompletion(cmd, completionInput{"cert-pbe", pbe})
	registerCompletion(cmd, completionInput{"key-pbe", pbe})
}

// options applies the flags over the config file's PBE and iteration
// settings.
func (f *pkcs12Flags) options() (pfxkit.PKCS12Options, error) {
	certAlg, keyAlg, err := cfg.Algorithms()
	if err != nil {
		return pfxkit.PKCS12Options{}, err
	}
	opts := pfxkit.PKCS12Options{
		Iterations:    cfg.Iterations,
		CertAlgorithm: certAlg,
		KeyAlgorithm:  keyAlg,
		PlainKeys:     f.plainKeys,
		Modern:        f.modern,
		FriendlyName:  f.friendlyName,
	}
	if f.certPBE != 0 {
		opts.CertAlgorithm = f.certPBE
	}
	if f.keyPBE != 0 {
		opts.KeyAlgorithm = f.keyPBE
	}
	if f.iterations != 0 {
		opts.Iterations = f.iterations
	}
	if opts.Iterations < 0 {
		return opts, fmt.Errorf("iterations must be positive, got %d", opts.Iterations)
	}
	return opts, nil
}

var (
	createOut        string
	createPassword   string
	createNoPassword bool
	createPKCS12     pkcs12Flags
)

var createCmd = &cobra.Command{
	Use:   "create <file>...",
	Short: "Build a PKCS#12 archive from certificates and keys",
	Long: `Collect certificates and private keys from PEM, DER, PKCS#7, JKS or PKCS#12
inputs and write them into a new PKCS#12 archive. The certificate matching
the first key is stored first.

Without --password or --no-password the password is prompted for.`,
	Example: `  pfxkit create server.crt server.key chain.pem -o server.p12
  pfxkit create cert.pem key.pem -o legacy.p12 --password secret --cert-pbe sha1-rc2-40
  pfxkit create cert.pem key.pem -o open.p12 --no-password --plain-keys`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCreate,
}

func init() {
	createCmd.Flags().StringVarP(&createOut, "out", "o", "", "Output archive path")
	createCmd.Flags().StringVar(&createPassword, "password", "", "Archive password")
	createCmd.Flags().BoolVar(&createNoPassword, "no-password", false, "Write an archive without a MAC or password")
	createPKCS12.register(createCmd)
	createCmd.MarkFlagsMutuallyExclusive("password", "no-password")
	_ = createCmd.MarkFlagRequired("out")
	registerCompletion(createCmd, completionInput{"out", fileCompletion})
}

func runCreate(cmd *cobra.Command, args []string) error {
	opts, err := createPKCS12.options()
	if err != nil {
		return err
	}

	passwords, err := candidatePasswords()
	if err != nil {
		return err
	}

	var keys []crypto.PrivateKey
	var certs []*x509.Certificate
	for _, path := range args {
		contents, err := internal.LoadContainerFile(path, passwords, slog.Default())
		if err != nil {
			return err
		}
		slog.Debug("loaded input", "path", path, "kind", contents.Kind, "certificates", len(contents.Certs), "keys", len(contents.Keys))
		keys = append(keys, contents.Keys...)
		certs = append(certs, contents.Certs...)
	}
	if len(certs) == 0 && len(keys) == 0 {
		return errors.New("inputs contain no certificates or keys")
	}
	if len(keys) > 0 {
		certs = leafFor(keys[0], certs)
	}

	switch {
	case createNoPassword:
		opts.NoPassword = true
	case cmd.Flags().Changed("password"):
		opts.Password = createPassword
	default:
		pw, err := internal.PromptPassword(os.Stdin, os.Stderr, "Archive password: ")
		if errors.Is(err, internal.ErrNoTerminal) {
			return errors.New("no terminal for the password prompt; use --password or --no-password")
		}
		if err != nil {
			return err
		}
		opts.Password = pw
	}

	data, err := pfxkit.EncodePKCS12WithOptions(keys, certs, opts)
	if err != nil {
		return fmt.Errorf("encoding archive: %w", err)
	}
	if err := internal.WriteExport(createOut, data, len(keys) > 0); err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %s (%d certificates, %d keys)\n", createOut, len(certs), len(keys))
	return nil
}

// leafFor moves the certificate that key certifies to the front. The order
// is unchanged when none matches.
func leafFor(key crypto.PrivateKey, certs []*x509.Certificate) []*x509.Certificate {
	for i, c := range certs {
		if ok, err := pfxkit.KeyMatchesCert(key, c); err == nil && ok {
			out := []*x509.Certificate{c}
			out = append(out, certs[:i]...)
			return append(out, certs[i+1:]...)
		}
	}
	return certs
}
