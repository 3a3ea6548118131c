package pfxkit

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/sensiblebit/pfxkit/chain"
)

// BundleResult holds the resolved chain and metadata.
type BundleResult struct {
	// Leaf is the end-entity certificate.
	Leaf *x509.Certificate
	// Intermediates are the certificates between the leaf and the root.
	Intermediates []*x509.Certificate
	// Root is the resolved root, or nil when none was found.
	Root *x509.Certificate
	// Status carries the chain builder flags. NoError means the chain is
	// trusted and every member is within its validity period.
	Status chain.Status
	// Warnings are non-fatal issues found during chain resolution.
	Warnings []string
}

// Chain returns the leaf, the intermediates and, when includeRoot is set,
// the root. A self-signed leaf that is its own root appears once.
func (r *BundleResult) Chain(includeRoot bool) []*x509.Certificate {
	out := append([]*x509.Certificate{r.Leaf}, r.Intermediates...)
	if includeRoot && r.Root != nil && !r.Root.Equal(r.Leaf) {
		out = append(out, r.Root)
	}
	return out
}

// BundleOptions configures chain resolution.
type BundleOptions struct {
	// ExtraIntermediates are candidate issuers considered during building.
	ExtraIntermediates []*x509.Certificate
	// Ordered treats ExtraIntermediates as the leaf's chain in issuer order
	// and checks each link instead of searching the pool.
	Ordered bool
	// FetchAIA enables fetching issuers via AIA CA Issuers URLs. It is
	// ignored for ordered chains.
	FetchAIA bool
	// AIATimeout is the HTTP timeout for AIA fetches.
	AIATimeout time.Duration
	// AIAMaxDepth is the maximum number of AIA hops to follow.
	AIAMaxDepth int
	// TrustStore selects the anchors: "mozilla" or "custom".
	TrustStore string
	// CustomRoots are added to the Mozilla roots, or used alone with "custom".
	CustomRoots []*x509.Certificate
	// Time is the validation instant. Zero means now.
	Time time.Time
	// Logger receives chain builder debug output. Nil means slog.Default.
	Logger *slog.Logger
}

// DefaultOptions returns the options used by the CLI.
func DefaultOptions() BundleOptions {
	return BundleOptions{
		AIATimeout:  2 * time.Second,
		AIAMaxDepth: 5,
		TrustStore:  TrustStoreMozilla,
	}
}

// FetchChainFromURL performs a TLS handshake with the host named by rawURL
// (https://host[:port] or bare host[:port]) and returns the certificates
// the server presented, leaf first. The chain is not verified here.
func FetchChainFromURL(ctx context.Context, rawURL string, timeout time.Duration) ([]*x509.Certificate, error) {
	if !strings.Contains(rawURL, "://") {
		rawURL = "https://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing URL: %w", err)
	}
	host, port := u.Hostname(), u.Port()
	if port == "" {
		port = "443"
	}
	addr := net.JoinHostPort(host, port)

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: timeout},
		Config:    &tls.Config{ServerName: host, InsecureSkipVerify: true}, //nolint:gosec // verified by the chain builder
	}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("tls dial to %s: %w", addr, err)
	}
	defer func() { _ = conn.Close() }()

	state := conn.(*tls.Conn).ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return nil, fmt.Errorf("no certificates returned by %s", addr)
	}
	return state.PeerCertificates, nil
}

// aiaWalk follows CA Issuers URLs breadth-first, fetching each URL once.
type aiaWalk struct {
	client   *http.Client
	seen     map[string]bool
	fetched  []*x509.Certificate
	warnings []string
}

// FetchAIACertificates follows AIA CA Issuers URLs breadth-first from cert,
// visiting at most maxDepth certificates. Failed fetches become warnings.
func FetchAIACertificates(ctx context.Context, cert *x509.Certificate, timeout time.Duration, maxDepth int) ([]*x509.Certificate, []string) {
	w := &aiaWalk{client: &http.Client{Timeout: timeout}, seen: make(map[string]bool)}
	pending := []*x509.Certificate{cert}
	for range maxDepth {
		if len(pending) == 0 {
			break
		}
		next := pending[0]
		pending = append(pending[1:], w.visit(ctx, next)...)
	}
	return w.fetched, w.warnings
}

// visit fetches the issuers named by cert and returns the new ones.
func (w *aiaWalk) visit(ctx context.Context, cert *x509.Certificate) []*x509.Certificate {
	var found []*x509.Certificate
	for _, u := range cert.IssuingCertificateURL {
		if w.seen[u] {
			continue
		}
		w.seen[u] = true
		issuers, err := fetchCertsFromURL(ctx, w.client, u)
		if err != nil {
			w.warnings = append(w.warnings, fmt.Sprintf("AIA fetch failed for %s: %v", u, err))
			continue
		}
		found = append(found, issuers...)
	}
	w.fetched = append(w.fetched, found...)
	return found
}

// fetchCertsFromURL fetches DER, PEM, or PKCS#7 certificates from a URL.
// Bodies over 1 MiB are truncated and will fail to parse.
func fetchCertsFromURL(ctx context.Context, client *http.Client, certURL string) ([]*x509.Certificate, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, certURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d from %s", resp.StatusCode, certURL)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", certURL, err)
	}
	return ParseCertificatesAny(body)
}

// detectAndSwapLeaf handles reversed input: when the supposed leaf is a CA
// and exactly one extra certificate is not, the two trade places.
func detectAndSwapLeaf(leaf *x509.Certificate, extras []*x509.Certificate) (*x509.Certificate, []*x509.Certificate, []string) {
	isLeaf := func(c *x509.Certificate) bool { return !c.IsCA }
	if isLeaf(leaf) {
		return leaf, extras, nil
	}
	idx := slices.IndexFunc(extras, isLeaf)
	if idx < 0 || slices.ContainsFunc(extras[idx+1:], isLeaf) {
		return leaf, extras, nil
	}

	swapped := slices.Delete(slices.Clone(extras), idx, idx+1)
	swapped = append(swapped, leaf)
	warning := fmt.Sprintf("reversed chain detected: swapped CA %q with leaf %q", leaf.Subject.CommonName, extras[idx].Subject.CommonName)
	return extras[idx], swapped, []string{warning}
}

// expiryWarningWindow is how far ahead member expiry is flagged.
const expiryWarningWindow = 30 * 24 * time.Hour

// memberWarnings flags SHA-1 signatures, then expired or soon-expiring
// members, in chain order.
func memberWarnings(certs []*x509.Certificate, now time.Time) []string {
	var sha1, expiry []string
	for _, c := range certs {
		name := c.Subject.CommonName
		if c.SignatureAlgorithm == x509.SHA1WithRSA || c.SignatureAlgorithm == x509.ECDSAWithSHA1 {
			sha1 = append(sha1, fmt.Sprintf("certificate %q uses deprecated SHA-1 signature algorithm (%s)", name, c.SignatureAlgorithm))
		}
		date := c.NotAfter.UTC().Format(time.DateOnly)
		if now.After(c.NotAfter) {
			expiry = append(expiry, fmt.Sprintf("certificate %q has expired (not after: %s)", name, date))
		} else if now.Add(expiryWarningWindow).After(c.NotAfter) {
			expiry = append(expiry, fmt.Sprintf("certificate %q expires within 30 days (not after: %s)", name, date))
		}
	}
	return append(sha1, expiry...)
}

// Bundle resolves the chain for leaf against the configured anchors. Chain
// problems are reported in the result's Status; an error means the options
// themselves were unusable.
func Bundle(ctx context.Context, leaf *x509.Certificate, opts BundleOptions) (*BundleResult, error) {
	extras := opts.ExtraIntermediates
	var swapWarnings []string
	if !opts.Ordered {
		leaf, extras, swapWarnings = detectAndSwapLeaf(leaf, extras)
	}

	result := &BundleResult{Leaf: leaf, Warnings: swapWarnings}

	anchors, err := LoadAnchors(opts.TrustStore, opts.CustomRoots)
	if err != nil {
		return nil, err
	}

	pool := slices.Clone(extras)
	if opts.FetchAIA && !opts.Ordered {
		aiaCerts, warnings := FetchAIACertificates(ctx, leaf, opts.AIATimeout, opts.AIAMaxDepth)
		result.Warnings = append(result.Warnings, warnings...)
		pool = append(pool, aiaCerts...)
	}

	now := opts.Time
	if now.IsZero() {
		now = time.Now()
	}
	builder := chain.NewBuilder(anchors, chain.WithTime(now), chain.WithLogger(opts.Logger))

	var res chain.Result
	if opts.Ordered {
		res = builder.BuildSupplied(leaf, extras)
	} else {
		res = builder.Build(leaf, pool)
	}

	result.Status = res.Status
	result.Root = res.Root
	for _, c := range res.Chain[1:] {
		if res.Root != nil && c.Equal(res.Root) {
			continue
		}
		result.Intermediates = append(result.Intermediates, c)
	}

	result.Warnings = append(result.Warnings, memberWarnings(result.Chain(true), now)...)
	return result, nil
}
