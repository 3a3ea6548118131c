// Package chain builds and validates X.509 certificate paths against a set
// of trust anchors and reports problems as a Status bitmask.
//
// Chain problems are never returned as errors: Build always returns a
// populated Result and the caller decides which flags are acceptable.
package chain

import (
	"crypto/x509"
	"log/slog"
	"slices"
	"time"
)

// Result is the outcome of one Build or BuildSupplied call. Chain starts
// with the leaf and follows issuers toward the root. Root is nil when no
// root could be resolved.
type Result struct {
	Chain  []*x509.Certificate
	Root   *x509.Certificate
	Status Status
}

// OK reports whether the chain built and validated without any flag.
func (r Result) OK() bool { return r.Status == NoError }

// Builder holds a snapshot of trust anchors. It has no mutable state after
// construction and may be shared between goroutines.
type Builder struct {
	anchors []*x509.Certificate
	now     func() time.Time
	log     *slog.Logger
}

// Option configures a Builder.
type Option func(*Builder)

// WithTime fixes the instant used for validity checks.
func WithTime(t time.Time) Option {
	return func(b *Builder) { b.now = func() time.Time { return t } }
}

// WithLogger sets the logger for debug output.
func WithLogger(l *slog.Logger) Option {
	return func(b *Builder) {
		if l != nil {
			b.log = l
		}
	}
}

// NewBuilder returns a Builder trusting a copy of anchors.
func NewBuilder(anchors []*x509.Certificate, opts ...Option) *Builder {
	b := &Builder{
		anchors: slices.Clone(anchors),
		now:     time.Now,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Anchors returns a copy of the trust anchors.
func (b *Builder) Anchors() []*x509.Certificate {
	return slices.Clone(b.anchors)
}

// Build walks from leaf through pool, taking the first certificate that
// issued the current one, until it reaches a self-signed certificate or
// finds no issuer. It then resolves a root for the last certificate reached
// and, if no flag has been raised, checks validity periods.
func (b *Builder) Build(leaf *x509.Certificate, pool []*x509.Certificate) Result {
	r := b.newRun()
	res := Result{Chain: []*x509.Certificate{leaf}}

	current := leaf
	for !isSelfSigned(current) {
		parent := r.findParent(current, pool, res.Chain)
		if parent == nil {
			r.log.Debug("no issuer in pool", "subject", current.Subject.String(), "issuer", current.Issuer.String())
			break
		}
		res.Chain = append(res.Chain, parent)
		current = parent
	}

	res.Root = r.resolveRoot(current)
	r.validate(leaf, res.Chain, res.Root)
	res.Status = r.status
	return res
}

// BuildSupplied checks a caller-ordered chain: supplied[0] must have issued
// leaf and each later certificate must have issued the one before it. The
// check stops at the first broken link, leaving the root unresolved. With
// an empty supplied chain the leaf itself is the root candidate.
func (b *Builder) BuildSupplied(leaf *x509.Certificate, supplied []*x509.Certificate) Result {
	r := b.newRun()
	res := Result{Chain: []*x509.Certificate{leaf}}

	if len(supplied) == 0 {
		res.Root = r.resolveRoot(leaf)
	} else {
		child := leaf
		linked := true
		for _, parent := range supplied {
			if !r.isParent(child, parent) {
				r.log.Debug("supplied chain link broken", "child", child.Subject.String(), "parent", parent.Subject.String())
				linked = false
				break
			}
			res.Chain = append(res.Chain, parent)
			child = parent
		}
		if linked {
			res.Root = r.resolveRoot(child)
		} else {
			r.status |= PartialChain
		}
	}

	r.validate(leaf, res.Chain, res.Root)
	res.Status = r.status
	return res
}

// run is the per-call state of a build.
type run struct {
	anchors []*x509.Certificate
	now     time.Time
	log     *slog.Logger
	status  Status
}

func (b *Builder) newRun() *run {
	return &run{anchors: b.anchors, now: b.now(), log: b.log}
}

func (r *run) isAnchor(cert *x509.Certificate) bool {
	return slices.ContainsFunc(r.anchors, cert.Equal)
}

// findParent returns the first pool member that issued child. Certificates
// already on the chain are skipped so that a cyclic pool cannot loop.
func (r *run) findParent(child *x509.Certificate, pool, onChain []*x509.Certificate) *x509.Certificate {
	for _, candidate := range pool {
		if slices.ContainsFunc(onChain, candidate.Equal) {
			continue
		}
		if r.isParent(child, candidate) {
			return candidate
		}
	}
	return nil
}

// isParent reports whether parent's subject names child's issuer and
// parent's key verifies child's signature. A version 3 parent that is not a
// trust anchor must assert CA in basic constraints; when it does not,
// InvalidBasicConstraints is recorded but the link still counts. A failed
// signature records NotSignatureValid and breaks the link.
func (r *run) isParent(child, parent *x509.Certificate) bool {
	if child.Issuer.String() != parent.Subject.String() {
		return false
	}
	if parent.Version > 2 && !r.isAnchor(parent) {
		if !parent.BasicConstraintsValid || !parent.IsCA {
			r.log.Debug("issuer is not a CA", "subject", parent.Subject.String())
			r.status |= InvalidBasicConstraints
		}
	}
	if err := parent.CheckSignature(child.SignatureAlgorithm, child.RawTBSCertificate, child.Signature); err != nil {
		r.log.Debug("signature check failed", "child", child.Subject.String(), "parent", parent.Subject.String(), "error", err)
		r.status |= NotSignatureValid
		return false
	}
	return true
}

// resolveRoot picks the root for the last certificate reached: the
// certificate itself if it is an anchor, else an anchor that issued it,
// else the certificate itself if self-signed (untrusted), else nothing.
func (r *run) resolveRoot(candidate *x509.Certificate) *x509.Certificate {
	if r.isAnchor(candidate) {
		return candidate
	}
	for _, anchor := range r.anchors {
		if r.isParent(candidate, anchor) {
			return anchor
		}
	}
	if isSelfSigned(candidate) {
		r.status |= UntrustedRoot
		return candidate
	}
	r.status |= PartialChain
	return nil
}

// validate checks validity periods, but only when building raised no flag.
// The first out-of-period chain member raises NotTimeNested. The leaf is
// then checked on its own, and an out-of-period leaf is reported as
// NotTimeValid instead, with no further checks. Otherwise an
// out-of-period root raises NotTimeNested.
func (r *run) validate(leaf *x509.Certificate, chain []*x509.Certificate, root *x509.Certificate) {
	if r.status != NoError {
		return
	}
	for _, cert := range chain {
		if !r.isCurrent(cert) {
			r.status |= NotTimeNested
			break
		}
	}
	if !r.isCurrent(leaf) {
		r.status = r.status&^NotTimeNested | NotTimeValid
		return
	}
	if root != nil && !r.isCurrent(root) {
		r.status |= NotTimeNested
	}
}

func (r *run) isCurrent(cert *x509.Certificate) bool {
	return !r.now.Before(cert.NotBefore) && !r.now.After(cert.NotAfter)
}

func isSelfSigned(cert *x509.Certificate) bool {
	return cert.Issuer.String() == cert.Subject.String()
}
