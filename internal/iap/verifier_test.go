package iap

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"math/big"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testBundleID    = "com.purplehq.purple"
	testEnvironment = "Sandbox"
)

type testCA struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
}

func newTestCA(t *testing.T, name string) *testCA {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: name},
		NotBefore:             time.Now().Add(-72 * time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return &testCA{cert: cert, key: key}
}

func (ca *testCA) issueLeaf(t *testing.T) (*x509.Certificate, *ecdsa.PrivateKey) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "test-leaf"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, ca.cert, &key.PublicKey, ca.key)
	require.NoError(t, err)

	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert, key
}

// signBlob produces a JWS in Apple's shape: ES256, x5c header carrying the
// leaf-first certificate chain.
func signBlob(t *testing.T, payload *TransactionPayload, key *ecdsa.PrivateKey, chain ...*x509.Certificate) string {
	t.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodES256, payload)
	x5c := make([]string, len(chain))
	for i, cert := range chain {
		x5c[i] = base64.StdEncoding.EncodeToString(cert.Raw)
	}
	token.Header["x5c"] = x5c

	blob, err := token.SignedString(key)
	require.NoError(t, err)
	return blob
}

func testPayload(id string) *TransactionPayload {
	now := time.Now()
	return &TransactionPayload{
		TransactionID:   id,
		BundleID:        testBundleID,
		ProductID:       "purple_one_year",
		PurchaseDate:    now.UnixMilli(),
		ExpiresDate:     now.AddDate(1, 0, 0).UnixMilli(),
		SignedDate:      now.UnixMilli(),
		Environment:     testEnvironment,
		AppAccountToken: "npub1alice",
		Type:            "Auto-Renewable Subscription",
	}
}

func TestVerifyAndDecode_ValidChain(t *testing.T) {
	ca := newTestCA(t, "test-root")
	leaf, key := ca.issueLeaf(t)
	verifier := NewVerifier([]*x509.Certificate{ca.cert}, testBundleID, testEnvironment)

	blob := signBlob(t, testPayload("txn-1"), key, leaf)

	payloads, err := verifier.VerifyAndDecode([]string{blob})
	require.NoError(t, err)
	require.Len(t, payloads, 1)
	assert.Equal(t, "txn-1", payloads[0].TransactionID)
	assert.Equal(t, "npub1alice", payloads[0].AppAccountToken)
}

func TestVerifyAndDecode_PreservesInputOrder(t *testing.T) {
	ca := newTestCA(t, "test-root")
	leaf, key := ca.issueLeaf(t)
	verifier := NewVerifier([]*x509.Certificate{ca.cert}, testBundleID, testEnvironment)

	blobs := []string{
		signBlob(t, testPayload("txn-1"), key, leaf),
		signBlob(t, testPayload("txn-2"), key, leaf),
		signBlob(t, testPayload("txn-3"), key, leaf),
	}

	payloads, err := verifier.VerifyAndDecode(blobs)
	require.NoError(t, err)
	require.Len(t, payloads, 3)
	for i, want := range []string{"txn-1", "txn-2", "txn-3"} {
		assert.Equal(t, want, payloads[i].TransactionID)
	}
}

func TestVerifyAndDecode_UntrustedChain(t *testing.T) {
	ca := newTestCA(t, "test-root")
	rogue := newTestCA(t, "rogue-root")
	leaf, key := rogue.issueLeaf(t)
	verifier := NewVerifier([]*x509.Certificate{ca.cert}, testBundleID, testEnvironment)

	blob := signBlob(t, testPayload("txn-1"), key, leaf)

	_, err := verifier.VerifyAndDecode([]string{blob})
	assert.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestVerifyAndDecode_TamperedSignature(t *testing.T) {
	ca := newTestCA(t, "test-root")
	leaf, _ := ca.issueLeaf(t)
	verifier := NewVerifier([]*x509.Certificate{ca.cert}, testBundleID, testEnvironment)

	// Signed with a key that does not match the leaf certificate.
	otherKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	blob := signBlob(t, testPayload("txn-1"), otherKey, leaf)

	_, err = verifier.VerifyAndDecode([]string{blob})
	assert.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestVerifyAndDecode_WrongBundleID(t *testing.T) {
	ca := newTestCA(t, "test-root")
	leaf, key := ca.issueLeaf(t)
	verifier := NewVerifier([]*x509.Certificate{ca.cert}, testBundleID, testEnvironment)

	payload := testPayload("txn-1")
	payload.BundleID = "com.example.other"
	blob := signBlob(t, payload, key, leaf)

	_, err := verifier.VerifyAndDecode([]string{blob})
	assert.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestVerifyAndDecode_WrongEnvironment(t *testing.T) {
	ca := newTestCA(t, "test-root")
	leaf, key := ca.issueLeaf(t)
	verifier := NewVerifier([]*x509.Certificate{ca.cert}, testBundleID, testEnvironment)

	payload := testPayload("txn-1")
	payload.Environment = "Production"
	blob := signBlob(t, payload, key, leaf)

	_, err := verifier.VerifyAndDecode([]string{blob})
	assert.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestVerifyAndDecode_MalformedBlob(t *testing.T) {
	ca := newTestCA(t, "test-root")
	verifier := NewVerifier([]*x509.Certificate{ca.cert}, testBundleID, testEnvironment)

	_, err := verifier.VerifyAndDecode([]string{"not-a-jws"})
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestVerifyAndDecode_MissingX5C(t *testing.T) {
	ca := newTestCA(t, "test-root")
	_, key := ca.issueLeaf(t)
	verifier := NewVerifier([]*x509.Certificate{ca.cert}, testBundleID, testEnvironment)

	token := jwt.NewWithClaims(jwt.SigningMethodES256, testPayload("txn-1"))
	blob, err := token.SignedString(key)
	require.NoError(t, err)

	_, err = verifier.VerifyAndDecode([]string{blob})
	assert.ErrorIs(t, err, ErrSignatureInvalid)
}

// One bad blob fails the whole batch.
func TestVerifyAndDecode_AllOrNothing(t *testing.T) {
	ca := newTestCA(t, "test-root")
	leaf, key := ca.issueLeaf(t)
	verifier := NewVerifier([]*x509.Certificate{ca.cert}, testBundleID, testEnvironment)

	blobs := []string{
		signBlob(t, testPayload("txn-1"), key, leaf),
		"not-a-jws",
		signBlob(t, testPayload("txn-3"), key, leaf),
	}

	payloads, err := verifier.VerifyAndDecode(blobs)
	assert.Error(t, err)
	assert.Nil(t, payloads)
}

func TestVerifyAndDecode_ExpiredLeafValidAtSigning(t *testing.T) {
	ca := newTestCA(t, "test-root")

	// Leaf valid only in the past; the payload was signed inside that window.
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber: big.NewInt(3),
		Subject:      pkix.Name{CommonName: "old-leaf"},
		NotBefore:    time.Now().Add(-48 * time.Hour),
		NotAfter:     time.Now().Add(-24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, ca.cert, &key.PublicKey, ca.key)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	verifier := NewVerifier([]*x509.Certificate{ca.cert}, testBundleID, testEnvironment)

	payload := testPayload("txn-old")
	payload.SignedDate = time.Now().Add(-36 * time.Hour).UnixMilli()
	blob := signBlob(t, payload, key, leaf)

	payloads, err := verifier.VerifyAndDecode([]string{blob})
	require.NoError(t, err)
	assert.Equal(t, "txn-old", payloads[0].TransactionID)
}
