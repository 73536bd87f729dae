package x509

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/asn1"
	"time"

	"github.com/smallstep/pkcs7"
)

// pkcs7Timeout bounds parsing of hostile input
const pkcs7Timeout = 2 * time.Second

// 1.2.840.113549.1.7, the PKCS#7/CMS ContentInfo contentType family
var oidPKCS7 = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7}

type contentInfo struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue `asn1:"tag:0,explicit,optional"`
}

func hasPrefix(oid, prefix asn1.ObjectIdentifier) bool {
	return len(oid) >= len(prefix) && oid[:len(prefix)].Equal(prefix)
}

// sniffPKCS7DER is permissive: BER-ish lengths fall back to looking for
// the encoded OID in the head of b.
func sniffPKCS7DER(b []byte) bool {
	if len(b) < 4 {
		return false
	}
	const maxScan = 2048
	oidBytes := []byte{0x06, 0x09, 0x2A, 0x86, 0x48, 0x86, 0xF7, 0x0D, 0x01, 0x07}
	if bytes.Contains(b[:min(len(b), maxScan)], oidBytes) {
		return true
	}

	var top asn1.RawValue
	if _, err := asn1.Unmarshal(b, &top); err != nil {
		return false
	}
	var ci contentInfo
	if _, err := asn1.Unmarshal(top.Bytes, &ci); err != nil {
		return false
	}
	return hasPrefix(ci.ContentType, oidPKCS7)
}

// parsePKCS7Safe returns the certificates of a PKCS#7 structure, nil if it
// is not one. Unless permissive, b must sniff as PKCS#7 first.
func parsePKCS7Safe(ctx context.Context, b []byte, permissive bool) []*x509.Certificate {
	if !permissive && !sniffPKCS7DER(b) {
		return nil
	}

	ch := make(chan []*x509.Certificate, 1)
	ctx, cancel := context.WithTimeout(ctx, pkcs7Timeout)
	defer cancel()

	go func() {
		defer func() {
			if recover() != nil {
				ch <- nil
			}
		}()
		p7, err := pkcs7.Parse(b)
		if err != nil {
			ch <- nil
			return
		}
		ch <- p7.Certificates
	}()

	select {
	case <-ctx.Done():
		return nil
	case certs := <-ch:
		return certs
	}
}
