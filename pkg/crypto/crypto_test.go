package crypto

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "archive.zip")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestChecksumEngineSHA256(t *testing.T) {
	engine, err := NewChecksumEngine(SHA256)
	require.NoError(t, err)

	// sha256("hello")
	path := writeTemp(t, []byte("hello"))
	sum, err := engine.SumFile(path)
	require.NoError(t, err)
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", sum)

	require.NoError(t, engine.VerifyFile(path, strings.ToUpper(sum)))
}

func TestChecksumEngineMismatch(t *testing.T) {
	engine, err := NewChecksumEngine(SHA256)
	require.NoError(t, err)

	path := writeTemp(t, []byte("hello"))
	err = engine.VerifyFile(path, strings.Repeat("ab", 32))

	var mismatch *MismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, strings.Repeat("ab", 32), mismatch.Expected)
	assert.NotEqual(t, mismatch.Expected, mismatch.Actual)
}

func TestChecksumEngineSHA512(t *testing.T) {
	engine, err := NewChecksumEngine(SHA512)
	require.NoError(t, err)
	path := writeTemp(t, []byte("hello"))
	sum, err := engine.SumFile(path)
	require.NoError(t, err)
	assert.Len(t, sum, 128)
}

func TestChecksumEngineUnsupportedAlgorithm(t *testing.T) {
	_, err := NewChecksumEngine(Algorithm("md5"))
	require.Error(t, err)
}

func testKeyPEM(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	return key, string(pemBytes)
}

func signBody(t *testing.T, key *rsa.PrivateKey, body []byte) string {
	t.Helper()
	digest := sha256.Sum256(body)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(sig)
}

func TestSignatureVerifierRoundTrip(t *testing.T) {
	key, pubPEM := testKeyPEM(t)
	verifier, err := NewSignatureVerifier(pubPEM)
	require.NoError(t, err)

	body := []byte(`{"environment":"development","nonce":"0123456789abcdef"}`)
	sig := signBody(t, key, body)

	require.NoError(t, verifier.Verify(body, sig))
}

func TestSignatureVerifierTamperedBody(t *testing.T) {
	key, pubPEM := testKeyPEM(t)
	verifier, err := NewSignatureVerifier(pubPEM)
	require.NoError(t, err)

	sig := signBody(t, key, []byte(`{"legit":"data"}`))
	err = verifier.Verify([]byte(`{"legit":"hacked"}`), sig)

	var verr *VerificationError
	require.ErrorAs(t, err, &verr)
}

func TestSignatureVerifierBadBase64(t *testing.T) {
	_, pubPEM := testKeyPEM(t)
	verifier, err := NewSignatureVerifier(pubPEM)
	require.NoError(t, err)

	var verr *VerificationError
	require.ErrorAs(t, verifier.Verify([]byte("x"), "%%%not-base64%%%"), &verr)
}

func TestSignatureVerifierWrongKey(t *testing.T) {
	key, _ := testKeyPEM(t)
	_, otherPEM := testKeyPEM(t)
	verifier, err := NewSignatureVerifier(otherPEM)
	require.NoError(t, err)

	body := []byte(`{"a":1}`)
	var verr *VerificationError
	require.ErrorAs(t, verifier.Verify(body, signBody(t, key, body)), &verr)
}

func TestSignatureVerifierMalformedPEM(t *testing.T) {
	_, err := NewSignatureVerifier("not a pem at all")
	require.True(t, errors.Is(err, ErrMalformedPublicKey))

	_, err = NewSignatureVerifier("-----BEGIN PUBLIC KEY-----\nZ2FyYmFnZQ==\n-----END PUBLIC KEY-----\n")
	require.True(t, errors.Is(err, ErrMalformedPublicKey))
}

func TestSignatureVerifierRejectsNonRSA(t *testing.T) {
	// An Ed25519 SPKI must be rejected: the manifest contract is RSA only.
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

	_, err = NewSignatureVerifier(string(pemBytes))
	require.True(t, errors.Is(err, ErrMalformedPublicKey))
}
