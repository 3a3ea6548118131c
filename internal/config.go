package internal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sensiblebit/pfxkit"
	"github.com/sensiblebit/pfxkit/pkcs12"
)

// Config is the optional YAML configuration file. Zero values mean "use the
// built-in default"; command-line flags override any value set here.
type Config struct {
	TrustStore   string    `yaml:"trustStore,omitempty"`
	Anchors      []string  `yaml:"anchors,omitempty"`
	CRLs         []string  `yaml:"crls,omitempty"`
	PasswordFile string    `yaml:"passwordFile,omitempty"`
	Iterations   int       `yaml:"iterations,omitempty"`
	CertPBE      string    `yaml:"certPBE,omitempty"`
	KeyPBE       string    `yaml:"keyPBE,omitempty"`
	AIA          AIAConfig `yaml:"aia,omitempty"`
}

// AIAConfig controls issuer fetching during verify and convert.
type AIAConfig struct {
	Enabled  bool          `yaml:"enabled,omitempty"`
	Timeout  time.Duration `yaml:"timeout,omitempty"`
	MaxDepth int           `yaml:"maxDepth,omitempty"`
}

// LoadConfig reads and validates a configuration file. Relative anchor, CRL
// and password file paths are resolved against the file's directory.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config: %w", err)
	}
	defer func() { _ = f.Close() }()

	cfg, err := DecodeConfig(f)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	for i, p := range cfg.Anchors {
		cfg.Anchors[i] = resolvePath(dir, p)
	}
	for i, p := range cfg.CRLs {
		cfg.CRLs[i] = resolvePath(dir, p)
	}
	if cfg.PasswordFile != "" {
		cfg.PasswordFile = resolvePath(dir, cfg.PasswordFile)
	}
	return cfg, nil
}

// DecodeConfig decodes and validates YAML configuration from r. Unknown
// keys are rejected so that typos do not silently fall back to defaults.
func DecodeConfig(r io.Reader) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decoding YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges and names.
func (c *Config) Validate() error {
	switch c.TrustStore {
	case "", pfxkit.TrustStoreMozilla, pfxkit.TrustStoreCustom:
	default:
		return fmt.Errorf("trustStore %q must be %s or %s", c.TrustStore, pfxkit.TrustStoreMozilla, pfxkit.TrustStoreCustom)
	}
	if c.Iterations < 0 {
		return fmt.Errorf("iterations must not be negative, got %d", c.Iterations)
	}
	if c.AIA.Timeout < 0 || c.AIA.MaxDepth < 0 {
		return errors.New("aia timeout and maxDepth must not be negative")
	}
	if _, _, err := c.Algorithms(); err != nil {
		return err
	}
	return nil
}

// Algorithms resolves the configured certificate and key PBE names. An
// unset name resolves to zero, which lets the archive pick its default.
func (c *Config) Algorithms() (cert, key pkcs12.Algorithm, err error) {
	if c.CertPBE != "" {
		if cert, err = pkcs12.LookupAlgorithm(c.CertPBE); err != nil {
			return 0, 0, fmt.Errorf("certPBE: %w", err)
		}
	}
	if c.KeyPBE != "" {
		if key, err = pkcs12.LookupAlgorithm(c.KeyPBE); err != nil {
			return 0, 0, fmt.Errorf("keyPBE: %w", err)
		}
	}
	return cert, key, nil
}

// BundleOptions returns chain resolution options with the configured trust
// store and AIA settings applied over the library defaults.
func (c *Config) BundleOptions() pfxkit.BundleOptions {
	opts := pfxkit.DefaultOptions()
	if c.TrustStore != "" {
		opts.TrustStore = c.TrustStore
	}
	opts.FetchAIA = c.AIA.Enabled
	if c.AIA.Timeout > 0 {
		opts.AIATimeout = c.AIA.Timeout
	}
	if c.AIA.MaxDepth > 0 {
		opts.AIAMaxDepth = c.AIA.MaxDepth
	}
	return opts
}

func resolvePath(dir, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}
