package pkcs12

import (
	"encoding/asn1"

	"golang.org/x/crypto/cryptobyte"
	casn1 "golang.org/x/crypto/cryptobyte/asn1"
)

var (
	tagExplicit0 = casn1.Tag(0).Constructed().ContextSpecific()
	tagImplicit0 = casn1.Tag(0).ContextSpecific()
	tagBMPString = casn1.Tag(30)
)

// contentInfo is a PKCS#7 ContentInfo with its explicit [0] content left
// undecoded.
type contentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     cryptobyte.String
}

func readContentInfo(s *cryptobyte.String) (contentInfo, error) {
	var ci contentInfo
	var seq cryptobyte.String
	if !s.ReadASN1(&seq, casn1.SEQUENCE) {
		return ci, malformed("ContentInfo is not a SEQUENCE")
	}
	if !seq.ReadASN1ObjectIdentifier(&ci.ContentType) {
		return ci, malformed("ContentInfo contentType")
	}
	var present bool
	if !seq.ReadOptionalASN1(&ci.Content, &present, tagExplicit0) {
		return ci, malformed("ContentInfo content for %s", ci.ContentType)
	}
	if !seq.Empty() {
		return ci, malformed("trailing data in ContentInfo %s", ci.ContentType)
	}
	return ci, nil
}

// dataContent returns the OCTET STRING carried by a data ContentInfo.
func (ci contentInfo) dataContent() ([]byte, error) {
	content := ci.Content
	var out cryptobyte.String
	if !content.ReadASN1(&out, casn1.OCTET_STRING) || !content.Empty() {
		return nil, malformed("data content is not a single OCTET STRING")
	}
	return out, nil
}

// algorithmIdentifier is an AlgorithmIdentifier with raw parameters.
type algorithmIdentifier struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters cryptobyte.String
}

func readAlgorithmIdentifier(s *cryptobyte.String) (algorithmIdentifier, error) {
	var ai algorithmIdentifier
	var seq cryptobyte.String
	if !s.ReadASN1(&seq, casn1.SEQUENCE) || !seq.ReadASN1ObjectIdentifier(&ai.Algorithm) {
		return ai, malformed("AlgorithmIdentifier")
	}
	if !seq.Empty() {
		var tag casn1.Tag
		if !seq.ReadAnyASN1Element(&ai.Parameters, &tag) || !seq.Empty() {
			return ai, malformed("AlgorithmIdentifier parameters for %s", ai.Algorithm)
		}
	}
	return ai, nil
}

// pbeParameters decodes the SEQUENCE { salt OCTET STRING, iterations INTEGER }
// shared by PKCS#5 v1.5 PBEParameter and PKCS#12 pkcs-12PbeParams.
func (ai algorithmIdentifier) pbeParameters() (pbeParams, error) {
	var p pbeParams
	params := ai.Parameters
	var seq, salt cryptobyte.String
	if !params.ReadASN1(&seq, casn1.SEQUENCE) ||
		!seq.ReadASN1(&salt, casn1.OCTET_STRING) ||
		!seq.ReadASN1Integer(&p.Iterations) ||
		!seq.Empty() {
		return p, malformed("PBE parameters for %s", ai.Algorithm)
	}
	if p.Iterations < 1 {
		return p, malformed("PBE iteration count %d for %s", p.Iterations, ai.Algorithm)
	}
	p.Salt = salt
	return p, nil
}

func addAlgorithmIdentifier(b *cryptobyte.Builder, oid asn1.ObjectIdentifier, params func(*cryptobyte.Builder)) {
	b.AddASN1(casn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1ObjectIdentifier(oid)
		if params == nil {
			b.AddASN1NULL()
			return
		}
		params(b)
	})
}

func addPBEAlgorithm(b *cryptobyte.Builder, alg Algorithm, p pbeParams) {
	addAlgorithmIdentifier(b, alg.OID(), func(b *cryptobyte.Builder) {
		b.AddASN1(casn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1OctetString(p.Salt)
			b.AddASN1Int64(int64(p.Iterations))
		})
	})
}

func addContentInfo(b *cryptobyte.Builder, contentType asn1.ObjectIdentifier, content func(*cryptobyte.Builder)) {
	b.AddASN1(casn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1ObjectIdentifier(contentType)
		b.AddASN1(tagExplicit0, content)
	})
}

func addDataContentInfo(b *cryptobyte.Builder, data []byte) {
	addContentInfo(b, oidDataContentType, func(b *cryptobyte.Builder) {
		b.AddASN1OctetString(data)
	})
}
