package tls

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avamitm/internal/address"
	"github.com/vyrodovalexey/avamitm/internal/certgen"
)

const testKeyBits = 2048

func newTestCertFactory() *certgen.Factory {
	return certgen.New(certgen.WithKeyBits(testKeyBits))
}

// countingFactory counts generations and can block, fail, or return a
// mismatched key on leaf generation.
type countingFactory struct {
	inner *certgen.Factory

	cas    atomic.Int32
	leaves atomic.Int32

	started chan struct{}
	release chan struct{}
	leafErr error
	badKey  bool
}

func newCountingFactory() *countingFactory {
	return &countingFactory{inner: newTestCertFactory()}
}

func (f *countingFactory) GenerateCA(subject certgen.Subject) (*x509.Certificate, crypto.Signer, error) {
	f.cas.Add(1)
	return f.inner.GenerateCA(subject)
}

func (f *countingFactory) GenerateLeaf(
	subject certgen.Subject,
	caCert *x509.Certificate,
	caKey crypto.Signer,
) (*x509.Certificate, crypto.Signer, error) {
	f.leaves.Add(1)

	if f.started != nil {
		select {
		case f.started <- struct{}{}:
		default:
		}
	}
	if f.release != nil {
		<-f.release
	}
	if f.leafErr != nil {
		return nil, nil, f.leafErr
	}

	cert, key, err := f.inner.GenerateLeaf(subject, caCert, caKey)
	if err != nil {
		return nil, nil, err
	}
	if f.badKey {
		other, genErr := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if genErr != nil {
			return nil, nil, genErr
		}
		return cert, other, nil
	}
	return cert, key, nil
}

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// testPKI is a CA with one leaf for static material tests.
type testPKI struct {
	caCert   *x509.Certificate
	caKey    crypto.Signer
	leafCert *x509.Certificate
	leafKey  crypto.Signer
}

var (
	sharedPKIOnce sync.Once
	sharedPKI     *testPKI
	sharedPKIErr  error
)

// newTestPKI returns a CA and leaf for "static.example" shared by all tests.
func newTestPKI(t *testing.T) *testPKI {
	t.Helper()

	sharedPKIOnce.Do(func() {
		f := newTestCertFactory()
		caCert, caKey, err := f.GenerateCA(certgen.Subject{
			Organization: "Static Test",
			CommonName:   address.MustParseHost("static-ca.example"),
		})
		if err != nil {
			sharedPKIErr = err
			return
		}
		leafCert, leafKey, err := f.GenerateLeaf(certgen.Subject{
			CommonName: address.MustParseHost("static.example"),
		}, caCert, caKey)
		if err != nil {
			sharedPKIErr = err
			return
		}
		sharedPKI = &testPKI{caCert: caCert, caKey: caKey, leafCert: leafCert, leafKey: leafKey}
	})

	require.NoError(t, sharedPKIErr)
	return sharedPKI
}

func certPEM(certs ...*x509.Certificate) string {
	var out []byte
	for _, c := range certs {
		out = append(out, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.Raw})...)
	}
	return string(out)
}

func pkcs8DER(t *testing.T, key crypto.Signer) []byte {
	t.Helper()
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	return der
}

func keyPEM(t *testing.T, key crypto.Signer) string {
	t.Helper()
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8DER(t, key)}))
}

// translateIssuer builds an issuing acceptor around factory.
func translateIssuer(
	t *testing.T,
	factory CertificateFactory,
	issuer ServerAuthCertIssuer,
	opts ...Option,
) (*AcceptorData, *IssuingSource) {
	t.Helper()

	if issuer.Kind == nil {
		issuer.Kind = IssuerSelfSigned{Data: SelfSignedData{
			OrganisationName: "Acme",
			CommonName:       "proxy.local",
		}}
	}

	d, err := Translate(&ServerConfig{ServerAuth: issuer}, append([]Option{WithFactory(factory)}, opts...)...)
	require.NoError(t, err)

	src, ok := d.Source().(*IssuingSource)
	require.True(t, ok)
	return d, src
}

func subjectFor(commonName string) certgen.Subject {
	return certgen.Subject{CommonName: address.MustParseHost(commonName)}
}
