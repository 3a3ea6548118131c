package main

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sensiblebit/pfxkit"
	"github.com/sensiblebit/pfxkit/chain"
	"github.com/sensiblebit/pfxkit/internal"
)

var (
	convertTo          string
	convertOut         string
	convertOutPassword string
	convertKeyPath     string
	convertSecretName  string
	convertPool        []string
	convertForce       bool
	convertChain       chainFlags
	convertPKCS12      pkcs12Flags
)

var convertCmd = &cobra.Command{
	Use:   "convert <file>",
	Short: "Resolve a chain and export it in another format",
	Long: `Open an archive or certificate file, build the chain for its leaf and write
it as one of: ` + formatList() + `.

An untrusted or invalid chain is an error unless --force is given. Without
--out the result goes to stdout.`,
	Example: `  pfxkit convert server.p12 -p secret --to fullchain -o fullchain.pem
  pfxkit convert server.p12 -p secret --to jks --out-password changeit -o server.jks
  pfxkit convert leaf.pem --key leaf.key --to k8s --secret-name web-tls`,
	Args: cobra.ExactArgs(1),
	RunE: runConvert,
}

func init() {
	convertCmd.Flags().StringVar(&convertTo, "to", "", "Output format: "+formatList())
	convertCmd.Flags().StringVarP(&convertOut, "out", "o", "", "Output path (default: stdout)")
	convertCmd.Flags().StringVar(&convertOutPassword, "out-password", "", "Password for p12 and jks output, or to encrypt the pem key")
	convertCmd.Flags().StringVar(&convertKeyPath, "key", "", "Private key file when the input has none")
	convertCmd.Flags().StringVar(&convertSecretName, "secret-name", "", "metadata.name for k8s output (default: derived from the leaf)")
	convertCmd.Flags().StringSliceVar(&convertPool, "pool", nil, "Extra intermediate certificate files")
	convertCmd.Flags().BoolVar(&convertForce, "force", false, "Export even when the chain has status flags set")
	convertChain.register(convertCmd)
	convertPKCS12.register(convertCmd)
	_ = convertCmd.MarkFlagRequired("to")

	var formats []string
	for _, f := range internal.ExportFormats {
		formats = append(formats, string(f))
	}
	registerCompletion(convertCmd, completionInput{"to", fixedCompletion(formats...)})
	registerCompletion(convertCmd, completionInput{"out", fileCompletion})
	registerCompletion(convertCmd, completionInput{"key", fileCompletion})
	registerCompletion(convertCmd, completionInput{"pool", fileCompletion})
}

func formatList() string {
	var names []string
	for _, f := range internal.ExportFormats {
		names = append(names, string(f))
	}
	return strings.Join(names, ", ")
}

func runConvert(cmd *cobra.Command, args []string) error {
	format, err := internal.ParseExportFormat(convertTo)
	if err != nil {
		return err
	}
	p12Opts, err := convertPKCS12.options()
	if err != nil {
		return err
	}
	opts, err := convertChain.bundleOptions(cmd)
	if err != nil {
		return err
	}
	opts.Logger = slog.Default()

	passwords, err := candidatePasswords()
	if err != nil {
		return err
	}
	contents, err := internal.LoadContainerFile(args[0], passwords, slog.Default())
	if err != nil {
		return err
	}
	if contents.Leaf() == nil {
		return fmt.Errorf("%s contains no certificates", args[0])
	}

	key := contents.Key()
	if convertKeyPath != "" {
		if key, err = loadKeyFile(convertKeyPath, passwords); err != nil {
			return err
		}
	}

	pool, err := loadCertFiles(convertPool)
	if err != nil {
		return fmt.Errorf("loading pool: %w", err)
	}
	opts.ExtraIntermediates = slices.Concat(contents.ExtraCerts(), pool)

	bundle, err := pfxkit.Bundle(cmd.Context(), contents.Leaf(), opts)
	if err != nil {
		return err
	}
	for _, w := range bundle.Warnings {
		fmt.Fprintf(cmd.ErrOrStderr(), "Warning: %s\n", w)
	}
	if bundle.Status != chain.NoError {
		if !convertForce {
			return fmt.Errorf("chain status %s (use --force to export anyway)", bundle.Status)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Warning: exporting chain with status %s\n", bundle.Status)
	}

	data, err := internal.Export(internal.ExportInput{
		Bundle:     bundle,
		Key:        key,
		Password:   convertOutPassword,
		PKCS12:     p12Opts,
		SecretName: convertSecretName,
	}, format)
	if err != nil {
		return err
	}

	if convertOut == "" {
		_, err = cmd.OutOrStdout().Write(data)
		return err
	}
	return internal.WriteExport(convertOut, data, format.Sensitive(key != nil))
}
