// Package x509 audits certificates and private keys committed to a working
// copy. Certificates are found in PEM blocks, raw DER, PKCS#7 and PKCS#12
// containers.
package x509

import (
	"context"
	"crypto/dsa" //nolint:staticcheck // obsolete keys are reported, not used
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/CZERTAINLY/CodeSniffer/internal/scan"
)

const (
	RuleExpired       = "certificate-expired"
	RuleExpiring      = "certificate-expiring"
	RuleWeakSignature = "weak-signature-algorithm"
	RuleWeakKey       = "weak-key"
	RulePrivateKey    = "private-key"
)

const DefaultExpiryWarning = 30 * 24 * time.Hour

// certHit is a certificate found at line of a file, line is zero for
// binary containers.
type certHit struct {
	cert   *x509.Certificate
	source string
	line   int
}

type keyHit struct {
	kind string
	line int
}

// Detector reports certificates which are expired, expire within
// ExpiryWarning or use weak algorithms, and every private key.
type Detector struct {
	ExpiryWarning time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

func (d Detector) Detect(ctx context.Context, b []byte, path string) ([]scan.Finding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	certs, keys := pemDetector{}.detect(ctx, b)
	if len(certs) == 0 && len(keys) == 0 {
		certs = derDetector{}.detect(ctx, b)
		if len(certs) == 0 {
			certs, keys = pkcs12Detector{}.detect(ctx, b)
		}
	}

	var ret []scan.Finding
	for _, k := range keys {
		ret = append(ret, finding(RulePrivateKey, "private key committed ("+k.kind+")", path, k.line))
	}
	now := time.Now
	if d.Now != nil {
		now = d.Now
	}
	warning := d.ExpiryWarning
	if warning <= 0 {
		warning = DefaultExpiryWarning
	}
	for _, hit := range certs {
		ret = append(ret, audit(hit, now(), warning, path)...)
	}
	if len(ret) == 0 {
		return nil, scan.ErrNoMatch
	}
	return ret, nil
}

func finding(rule, description, path string, line int) scan.Finding {
	return scan.Finding{
		RuleID:      rule,
		Description: description,
		Path:        path,
		StartLine:   line,
		EndLine:     line,
	}
}

func audit(hit certHit, now time.Time, warning time.Duration, path string) []scan.Finding {
	cert := hit.cert
	subject := cert.Subject.String()
	var ret []scan.Finding

	switch {
	case now.After(cert.NotAfter):
		ret = append(ret, finding(RuleExpired,
			fmt.Sprintf("certificate %s expired on %s", subject, cert.NotAfter.Format(time.DateOnly)), path, hit.line))
	case now.Add(warning).After(cert.NotAfter):
		ret = append(ret, finding(RuleExpiring,
			fmt.Sprintf("certificate %s expires on %s", subject, cert.NotAfter.Format(time.DateOnly)), path, hit.line))
	}
	if weakSignature(cert.SignatureAlgorithm) {
		ret = append(ret, finding(RuleWeakSignature,
			fmt.Sprintf("certificate %s is signed with %s", subject, cert.SignatureAlgorithm), path, hit.line))
	}
	if desc := weakKey(cert.PublicKey); desc != "" {
		ret = append(ret, finding(RuleWeakKey,
			fmt.Sprintf("certificate %s has a %s", subject, desc), path, hit.line))
	}
	return ret
}

func weakSignature(alg x509.SignatureAlgorithm) bool {
	switch alg {
	case x509.MD2WithRSA, x509.MD5WithRSA, x509.SHA1WithRSA,
		x509.DSAWithSHA1, x509.DSAWithSHA256, x509.ECDSAWithSHA1:
		return true
	}
	return false
}

// weakKey describes a public key too weak to be used, or returns "".
func weakKey(pub any) string {
	switch pub := pub.(type) {
	case *rsa.PublicKey:
		if bits := pub.N.BitLen(); bits < 2048 {
			return fmt.Sprintf("%d bit RSA key", bits)
		}
	case *ecdsa.PublicKey:
		if bits := pub.Params().BitSize; bits < 256 {
			return fmt.Sprintf("%d bit ECDSA key", bits)
		}
	case *dsa.PublicKey:
		return fmt.Sprintf("%d bit DSA key", pub.P.BitLen())
	}
	return ""
}
