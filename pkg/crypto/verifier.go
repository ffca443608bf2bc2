package crypto

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
)

// ErrMalformedPublicKey is wrapped by NewSignatureVerifier when the embedded
// PEM cannot be parsed into an RSA public key.
var ErrMalformedPublicKey = fmt.Errorf("malformed public key")

// VerificationError reports a signature that failed to verify. The detail is
// for logs; callers branch on the type, not the string.
type VerificationError struct {
	Detail string
}

func (e *VerificationError) Error() string {
	return "signature verification failed: " + e.Detail
}

// SignatureVerifier checks RSA-2048 PKCS#1 v1.5 SHA-256 signatures over
// canonical manifest bodies. The public key is fixed at construction; a
// compromised server cannot substitute its own.
type SignatureVerifier struct {
	pub *rsa.PublicKey
}

// NewSignatureVerifier parses an SPKI PEM public key.
func NewSignatureVerifier(pemSPKI string) (*SignatureVerifier, error) {
	block, _ := pem.Decode([]byte(pemSPKI))
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found", ErrMalformedPublicKey)
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPublicKey, err)
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA key (%T)", ErrMalformedPublicKey, parsed)
	}
	return &SignatureVerifier{pub: pub}, nil
}

// Algorithm names the signature scheme for audit events.
func (v *SignatureVerifier) Algorithm() string { return "RSA-PKCS1v15-SHA256" }

// Verify checks signatureBase64 against the SHA-256 of body.
func (v *SignatureVerifier) Verify(body []byte, signatureBase64 string) error {
	sig, err := base64.StdEncoding.DecodeString(signatureBase64)
	if err != nil {
		return &VerificationError{Detail: "signature is not valid base64"}
	}
	digest := sha256.Sum256(body)
	if err := rsa.VerifyPKCS1v15(v.pub, crypto.SHA256, digest[:], sig); err != nil {
		return &VerificationError{Detail: err.Error()}
	}
	return nil
}
