package iap

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrSignatureInvalid = errors.New("iap: signature verification failed")
	ErrMalformedPayload = errors.New("iap: malformed payload")
)

// TransactionPayload is the decoded body of an Apple signed transaction.
// All date fields are epoch milliseconds, as Apple sends them.
type TransactionPayload struct {
	jwt.RegisteredClaims

	TransactionID         string `json:"transactionId"`
	OriginalTransactionID string `json:"originalTransactionId"`
	WebOrderLineItemID    string `json:"webOrderLineItemId"`
	BundleID              string `json:"bundleId"`
	ProductID             string `json:"productId"`
	PurchaseDate          int64  `json:"purchaseDate"`
	OriginalPurchaseDate  int64  `json:"originalPurchaseDate"`
	ExpiresDate           int64  `json:"expiresDate"`
	SignedDate            int64  `json:"signedDate"`
	Environment           string `json:"environment"`
	AppAccountToken       string `json:"appAccountToken"`
	InAppOwnershipType    string `json:"inAppOwnershipType"`
	Type                  string `json:"type"`
	RevocationDate        *int64 `json:"revocationDate,omitempty"`
	RevocationReason      *int   `json:"revocationReason,omitempty"`
}

// Verifier checks Apple signed-transaction JWS blobs against a set of trust
// anchors and an expected app identity.
type Verifier struct {
	anchors     []*x509.Certificate
	bundleID    string
	environment string
	now         func() time.Time
}

// NewVerifier creates a verifier pinned to the given trust anchors,
// bundle id, and App Store environment ("Sandbox" or "Production").
func NewVerifier(anchors []*x509.Certificate, bundleID, environment string) *Verifier {
	return &Verifier{
		anchors:     anchors,
		bundleID:    bundleID,
		environment: environment,
		now:         time.Now,
	}
}

// VerifyAndDecode verifies every blob's signature chain and decodes its
// payload. Verification is all-or-nothing: one bad blob fails the whole
// batch. Output order matches input order.
func (v *Verifier) VerifyAndDecode(blobs []string) ([]*TransactionPayload, error) {
	payloads := make([]*TransactionPayload, 0, len(blobs))
	for i, blob := range blobs {
		payload, err := v.verifyOne(blob)
		if err != nil {
			return nil, fmt.Errorf("transaction %d: %w", i, err)
		}
		payloads = append(payloads, payload)
	}
	return payloads, nil
}

func (v *Verifier) verifyOne(blob string) (*TransactionPayload, error) {
	claims := &TransactionPayload{}
	token, err := jwt.ParseWithClaims(blob, claims, v.leafKey,
		jwt.WithValidMethods([]string{"ES256"}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenMalformed) {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	if !token.Valid {
		return nil, ErrSignatureInvalid
	}

	if claims.BundleID != v.bundleID {
		return nil, fmt.Errorf("%w: bundle id %q", ErrSignatureInvalid, claims.BundleID)
	}
	if claims.Environment != v.environment {
		return nil, fmt.Errorf("%w: environment %q", ErrSignatureInvalid, claims.Environment)
	}
	return claims, nil
}

// leafKey extracts the x5c certificate chain from the token header,
// verifies it against the trust anchors at the payload's signing time, and
// returns the leaf's public key for signature verification.
func (v *Verifier) leafKey(token *jwt.Token) (any, error) {
	chain, err := headerCertificates(token)
	if err != nil {
		return nil, err
	}

	leaf := chain[0]
	intermediates := x509.NewCertPool()
	for _, cert := range chain[1:] {
		intermediates.AddCert(cert)
	}
	roots := x509.NewCertPool()
	for _, cert := range v.anchors {
		roots.AddCert(cert)
	}

	// Verify at signing time so historical transactions with since-expired
	// leaves still validate.
	verifyTime := v.now()
	if claims, ok := token.Claims.(*TransactionPayload); ok && claims.SignedDate > 0 {
		verifyTime = time.UnixMilli(claims.SignedDate)
	}

	if _, err := leaf.Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		CurrentTime:   verifyTime,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}); err != nil {
		return nil, fmt.Errorf("certificate chain: %w", err)
	}

	key, ok := leaf.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("leaf certificate key is not ECDSA")
	}
	return key, nil
}

func headerCertificates(token *jwt.Token) ([]*x509.Certificate, error) {
	raw, ok := token.Header["x5c"].([]any)
	if !ok || len(raw) == 0 {
		return nil, errors.New("missing x5c header")
	}

	chain := make([]*x509.Certificate, 0, len(raw))
	for _, entry := range raw {
		s, ok := entry.(string)
		if !ok {
			return nil, errors.New("malformed x5c header")
		}
		der, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("malformed x5c certificate: %w", err)
		}
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("malformed x5c certificate: %w", err)
		}
		chain = append(chain, cert)
	}
	return chain, nil
}
