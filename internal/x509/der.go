package x509

import (
	"context"
	"crypto/x509"
)

type derDetector struct{}

// detect finds single or concatenated DER certificates, or a DER encoded
// PKCS#7 bundle.
func (d derDetector) detect(ctx context.Context, b []byte) []certHit {
	var out []certHit
	if cs, err := x509.ParseCertificates(b); err == nil {
		for _, c := range cs {
			out = append(out, certHit{cert: c, source: "DER"})
		}
		return out
	}
	for _, c := range parsePKCS7Safe(ctx, b, false) {
		out = append(out, certHit{cert: c, source: "PKCS7-DER"})
	}
	return out
}
