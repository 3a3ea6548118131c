package main

import (
	"crypto/x509"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sensiblebit/pfxkit"
	"github.com/sensiblebit/pfxkit/internal"
)

var (
	logLevel     string
	dbPath       string
	configPath   string
	passwordList []string
	passwordFile string

	// cfg is the loaded --config file, or an empty Config.
	cfg = &internal.Config{}
)

var rootCmd = &cobra.Command{
	Use:   "pfxkit",
	Short: "PKCS#12 archive toolkit",
	Long: `Inspect, verify, create and convert PKCS#12 (PFX) archives and the
certificate chains they carry, and catalog keystores across a directory tree.`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVarP(&dbPath, "db", "d", "", "SQLite catalog path for scan (default: in-memory)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringSliceVarP(&passwordList, "passwords", "p", nil, "Comma-separated candidate passwords")
	rootCmd.PersistentFlags().StringVar(&passwordFile, "password-file", "", "File containing candidate passwords, one per line")

	registerCompletion(rootCmd, completionInput{"log-level", fixedCompletion("debug", "info", "warn", "error")})
	registerCompletion(rootCmd, completionInput{"config", fileCompletion})
	registerCompletion(rootCmd, completionInput{"password-file", fileCompletion})

	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(convertCmd)
	rootCmd.AddCommand(scanCmd)
}

func setup(_ *cobra.Command, _ []string) error {
	if err := internal.SetupLogger(os.Stderr, logLevel); err != nil {
		return err
	}
	if configPath == "" {
		return nil
	}
	loaded, err := internal.LoadConfig(configPath)
	if err != nil {
		return err
	}
	cfg = loaded
	return nil
}

// candidatePasswords returns the defaults plus --passwords and the password
// file from the flag or, failing that, the config.
func candidatePasswords() ([]string, error) {
	file := passwordFile
	if file == "" {
		file = cfg.PasswordFile
	}
	return internal.ProcessPasswords(passwordList, file)
}

// chainFlags are the chain resolution flags shared by verify and convert.
type chainFlags struct {
	trustStore string
	anchors    []string
	aia        bool
}

func (f *chainFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.trustStore, "trust-store", "", "Trust anchors: mozilla or custom (default from config, else mozilla)")
	cmd.Flags().StringSliceVar(&f.anchors, "anchors", nil, "Extra trust anchor files (PEM, DER or P7B)")
	cmd.Flags().BoolVar(&f.aia, "aia", false, "Fetch missing issuers from AIA URLs")
	registerCompletion(cmd, completionInput{"trust-store", fixedCompletion(pfxkit.TrustStoreMozilla, pfxkit.TrustStoreCustom)})
	registerCompletion(cmd, completionInput{"anchors", fileCompletion})
}

// bundleOptions applies the flags over the config file settings.
func (f *chainFlags) bundleOptions(cmd *cobra.Command) (pfxkit.BundleOptions, error) {
	opts := cfg.BundleOptions()
	if f.trustStore != "" {
		opts.TrustStore = f.trustStore
	}
	if cmd.Flags().Changed("aia") {
		opts.FetchAIA = f.aia
	}
	anchors, err := loadCertFiles(append(append([]string(nil), cfg.Anchors...), f.anchors...))
	if err != nil {
		return opts, fmt.Errorf("loading anchors: %w", err)
	}
	opts.CustomRoots = anchors
	return opts, nil
}

func loadCertFiles(paths []string) ([]*x509.Certificate, error) {
	var out []*x509.Certificate
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", p, err)
		}
		certs, err := pfxkit.ParseCertificatesAny(data)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", p, err)
		}
		out = append(out, certs...)
	}
	return out, nil
}
