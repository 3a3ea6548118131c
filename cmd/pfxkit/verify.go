package main

import (
	"crypto"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sensiblebit/pfxkit"
	"github.com/sensiblebit/pfxkit/internal"
)

var (
	verifyKeyPath string
	verifyPool    []string
	verifyCRLs    []string
	verifyOrdered bool
	verifyExpiry  string
	verifyAt      string
	verifyURL     string
	verifyFormat  string
	verifyChain   chainFlags
)

var verifyCmd = &cobra.Command{
	Use:   "verify [file]",
	Short: "Verify an archive's chain, key match, revocation and expiry",
	Long: `Build the chain for the leaf certificate of an archive or certificate file
and report its status flags. Certificates in the file, --pool files and AIA
fetches are candidate issuers; --crl files are checked for revocation.

With --url the chain presented by a TLS server is verified instead.`,
	Example: `  pfxkit verify server.p12 -p secret
  pfxkit verify server.p12 --trust-store custom --anchors corp-root.pem --crl corp.crl
  pfxkit verify leaf.pem --pool intermediates.p7b --expiry 30d
  pfxkit verify --url https://example.com --format json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runVerify,
}

func init() {
	verifyCmd.Flags().StringVar(&verifyKeyPath, "key", "", "Private key file to check against the leaf")
	verifyCmd.Flags().StringSliceVar(&verifyPool, "pool", nil, "Extra intermediate certificate files")
	verifyCmd.Flags().StringSliceVar(&verifyCRLs, "crl", nil, "CRL files (DER or PEM) to check for revocation")
	verifyCmd.Flags().BoolVar(&verifyOrdered, "ordered", false, "Treat the file's certificates as the chain in issuer order")
	verifyCmd.Flags().StringVarP(&verifyExpiry, "expiry", "e", "", "Fail if the leaf expires within duration (e.g. 30d, 720h)")
	verifyCmd.Flags().StringVar(&verifyAt, "at", "", "Validation time in RFC 3339 (default: now)")
	verifyCmd.Flags().StringVar(&verifyURL, "url", "", "Verify the chain served at this HTTPS URL")
	verifyCmd.Flags().StringVar(&verifyFormat, "format", "text", "Output format: text or json")
	verifyChain.register(verifyCmd)

	registerCompletion(verifyCmd, completionInput{"key", fileCompletion})
	registerCompletion(verifyCmd, completionInput{"pool", fileCompletion})
	registerCompletion(verifyCmd, completionInput{"crl", fileCompletion})
	registerCompletion(verifyCmd, completionInput{"format", fixedCompletion("text", "json")})
}

// parseDuration extends time.ParseDuration to support a "d" suffix for days.
func parseDuration(s string) (time.Duration, error) {
	if trimmed, ok := strings.CutSuffix(s, "d"); ok {
		days, err := strconv.Atoi(trimmed)
		if err != nil {
			return 0, fmt.Errorf("invalid day duration %q: %w", s, err)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

func runVerify(cmd *cobra.Command, args []string) error {
	if (len(args) == 1) == (verifyURL != "") {
		return errors.New("specify exactly one of a file argument or --url")
	}

	input := &internal.VerifyInput{CheckKeyMatch: verifyKeyPath != ""}
	if verifyExpiry != "" {
		d, err := parseDuration(verifyExpiry)
		if err != nil {
			return fmt.Errorf("invalid --expiry value: %w", err)
		}
		input.ExpiryDuration = d
	}

	opts, err := verifyChain.bundleOptions(cmd)
	if err != nil {
		return err
	}
	if verifyAt != "" {
		at, err := time.Parse(time.RFC3339, verifyAt)
		if err != nil {
			return fmt.Errorf("invalid --at value: %w", err)
		}
		opts.Time = at
	}
	opts.Ordered = verifyOrdered
	opts.Logger = slog.Default()
	input.Bundle = opts

	passwords, err := candidatePasswords()
	if err != nil {
		return err
	}

	if verifyURL != "" {
		certs, err := pfxkit.FetchChainFromURL(cmd.Context(), verifyURL, opts.AIATimeout)
		if err != nil {
			return err
		}
		input.Cert, input.ExtraCerts = certs[0], certs[1:]
	} else {
		contents, err := internal.LoadContainerFile(args[0], passwords, slog.Default())
		if err != nil {
			return err
		}
		if contents.Leaf() == nil {
			return fmt.Errorf("%s contains no certificates", args[0])
		}
		input.Cert, input.ExtraCerts, input.Key = contents.Leaf(), contents.ExtraCerts(), contents.Key()
		input.CheckKeyMatch = input.CheckKeyMatch || input.Key != nil
	}

	if verifyKeyPath != "" {
		key, err := loadKeyFile(verifyKeyPath, passwords)
		if err != nil {
			return err
		}
		input.Key = key
	}

	pool, err := loadCertFiles(verifyPool)
	if err != nil {
		return fmt.Errorf("loading pool: %w", err)
	}
	input.ExtraCerts = append(input.ExtraCerts, pool...)

	input.CRLs, err = internal.LoadCRLFiles(append(append([]string(nil), cfg.CRLs...), verifyCRLs...))
	if err != nil {
		return err
	}

	result, err := internal.VerifyCert(cmd.Context(), input)
	if err != nil {
		return err
	}
	output, err := internal.FormatVerifyResult(result, verifyFormat)
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), output)

	if !result.OK() {
		return fmt.Errorf("verification failed")
	}
	return nil
}

func loadKeyFile(path string, passwords []string) (crypto.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}
	key, err := pfxkit.ParsePEMPrivateKeyWithPasswords(data, passwords)
	if err != nil {
		return nil, fmt.Errorf("parsing key %s: %w", path, err)
	}
	return key, nil
}
