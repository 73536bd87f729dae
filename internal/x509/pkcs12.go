package x509

import (
	"context"
	"crypto/x509"
	"encoding/asn1"
	"log/slog"

	pkcs12 "software.sslmate.com/src/go-pkcs12"
)

// guessable passwords of PKCS#12 files found in repositories
var pkcs12Passwords = []string{"changeit", "", "password"}

type pkcs12Detector struct{}

// detect opens PKCS#12 files protected by a guessable password. A key
// found inside is reported as well.
func (d pkcs12Detector) detect(ctx context.Context, b []byte) ([]certHit, []keyHit) {
	if !sniffPKCS12(b) {
		return nil, nil
	}
	for _, pw := range pkcs12Passwords {
		if certs, err := pkcs12.DecodeTrustStore(b, pw); err == nil && len(certs) > 0 {
			return hits(certs, "PKCS12"), nil
		}
		key, leaf, cas, err := pkcs12.DecodeChain(b, pw)
		if err != nil {
			continue
		}
		var out []*x509.Certificate
		if leaf != nil {
			out = append(out, leaf)
		}
		out = append(out, cas...)
		var keys []keyHit
		if key != nil {
			keys = append(keys, keyHit{kind: "PKCS12"})
		}
		return hits(out, "PKCS12"), keys
	}
	slog.DebugContext(ctx, "PKCS#12 not opened with any known password")
	return nil, nil
}

func hits(certs []*x509.Certificate, source string) []certHit {
	out := make([]certHit, 0, len(certs))
	for _, c := range certs {
		if c != nil {
			out = append(out, certHit{cert: c, source: source})
		}
	}
	return out
}

// sniffPKCS12 validates the top level PFX structure:
// SEQUENCE { version INTEGER, authSafe ContentInfo, ... } with authSafe
// holding id-data or id-signedData.
func sniffPKCS12(b []byte) bool {
	var top asn1.RawValue
	if _, err := asn1.Unmarshal(b, &top); err != nil {
		return false
	}
	if top.Class != asn1.ClassUniversal || top.Tag != asn1.TagSequence || !top.IsCompound {
		return false
	}
	var ver int
	rest, err := asn1.Unmarshal(top.Bytes, &ver)
	if err != nil || ver < 0 || ver > 10 {
		return false
	}
	var ci contentInfo
	if _, err := asn1.Unmarshal(rest, &ci); err != nil {
		return false
	}
	idData := asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 1}
	idSignedData := asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}
	return ci.ContentType.Equal(idData) || ci.ContentType.Equal(idSignedData)
}
