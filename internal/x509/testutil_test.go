package x509_test

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type certSpec struct {
	cn       string
	notAfter time.Time
	bits     int
}

// genCert generates a self-signed certificate valid since a year before now.
func genCert(t *testing.T, cs certSpec) (der []byte, key *rsa.PrivateKey) {
	t.Helper()
	if cs.bits == 0 {
		cs.bits = 2048
	}
	key, err := rsa.GenerateKey(rand.Reader, cs.bits)
	require.NoError(t, err)

	templ := &x509.Certificate{
		SerialNumber:          big.NewInt(time.Now().UnixNano()),
		Subject:               pkix.Name{CommonName: cs.cn},
		NotBefore:             now.AddDate(-1, 0, 0),
		NotAfter:              cs.notAfter,
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	der, err = x509.CreateCertificate(rand.Reader, templ, templ, &key.PublicKey, key)
	require.NoError(t, err)
	return der, key
}
