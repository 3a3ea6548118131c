package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/sensiblebit/pfxkit/internal"
)

var inspectFormat string

var inspectCmd = &cobra.Command{
	Use:   "inspect <file>",
	Short: "Describe the contents of an archive or certificate file",
	Long: `Show the keys, certificates and other bags in a PKCS#12 archive along with
its MAC and PBE settings. JKS, PKCS#7, PEM and DER inputs are described too.`,
	Example: `  pfxkit inspect server.p12 -p secret
  pfxkit inspect keystore.jks --format json`,
	Args: cobra.ExactArgs(1),
	RunE: runInspect,
}

func init() {
	inspectCmd.Flags().StringVar(&inspectFormat, "format", "text", "Output format: text or json")
	registerCompletion(inspectCmd, completionInput{"format", fixedCompletion("text", "json")})
}

func runInspect(cmd *cobra.Command, args []string) error {
	passwords, err := candidatePasswords()
	if err != nil {
		return err
	}

	result, err := internal.InspectFile(args[0], passwords, slog.Default())
	if err != nil {
		return err
	}

	output, err := internal.FormatInspectResult(result, inspectFormat)
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), output)
	return nil
}
