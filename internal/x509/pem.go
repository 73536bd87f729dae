package x509

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/pem"
	"log/slog"
)

var pemBegin = []byte("-----BEGIN ")

var privateKeyTypes = map[string]bool{
	"PRIVATE KEY":           true,
	"RSA PRIVATE KEY":       true,
	"EC PRIVATE KEY":        true,
	"DSA PRIVATE KEY":       true,
	"OPENSSH PRIVATE KEY":   true,
	"ENCRYPTED PRIVATE KEY": true,
}

type pemDetector struct{}

// detect finds all certificates and private keys in PEM blocks anywhere in
// the blob, text around the blocks is ignored.
func (d pemDetector) detect(ctx context.Context, b []byte) ([]certHit, []keyHit) {
	var certs []certHit
	var keys []keyHit
	rest := b
	for {
		start := bytes.Index(rest, pemBegin)
		if start < 0 {
			break
		}
		p, r := pem.Decode(rest[start:])
		if p == nil {
			// not a valid block, look for the next one
			rest = rest[start+len(pemBegin):]
			continue
		}
		line := bytes.Count(b[:len(b)-len(rest)+start], []byte("\n")) + 1
		rest = r

		switch {
		case p.Type == "CERTIFICATE" || p.Type == "TRUSTED CERTIFICATE":
			cs, err := x509.ParseCertificates(p.Bytes)
			if err != nil {
				slog.DebugContext(ctx, "invalid PEM certificate", "line", line, "error", err)
				continue
			}
			for _, c := range cs {
				certs = append(certs, certHit{cert: c, source: "PEM", line: line})
			}
		case p.Type == "PKCS7" || p.Type == "CMS":
			for _, c := range parsePKCS7Safe(ctx, p.Bytes, true) {
				certs = append(certs, certHit{cert: c, source: "PKCS7-PEM", line: line})
			}
		case privateKeyTypes[p.Type]:
			keys = append(keys, keyHit{kind: p.Type, line: line})
		}
	}
	return certs, keys
}
