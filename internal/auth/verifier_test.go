package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHMACVerifier_RoundTrip(t *testing.T) {
	v := NewHMACVerifier("s3cret")
	token, err := v.Issue("prefeitura-x", "compras@x.gov.br", time.Hour)
	require.NoError(t, err)

	p, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "prefeitura-x", p.Subject)
	assert.Equal(t, "compras@x.gov.br", p.Email)

	_, err = NewHMACVerifier("other").Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestHMACVerifier_RejectsExpiredAndForeignTokens(t *testing.T) {
	v := NewHMACVerifier("s3cret")
	claims := ServiceClaims{Owner: "owner", RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    serviceIssuer,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}}
	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("s3cret"))
	require.NoError(t, err)
	_, err = v.Verify(expired)
	assert.ErrorIs(t, err, ErrInvalidToken)

	foreign := ServiceClaims{Owner: "owner", RegisteredClaims: jwt.RegisteredClaims{Issuer: "someone-else"}}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, foreign).SignedString([]byte("s3cret"))
	require.NoError(t, err)
	_, err = v.Verify(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func newTestJWKS(t *testing.T) (*rsa.PrivateKey, keyfunc.Keyfunc) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	enc := base64.RawURLEncoding
	set := map[string]any{"keys": []map[string]string{{
		"kty": "RSA",
		"kid": "test-key",
		"use": "sig",
		"alg": "RS256",
		"n":   enc.EncodeToString(key.N.Bytes()),
		"e":   enc.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
	}}}
	raw, err := json.Marshal(set)
	require.NoError(t, err)
	kf, err := keyfunc.NewJWKSetJSON(raw)
	require.NoError(t, err)
	return key, kf
}

func signRS256(t *testing.T, key *rsa.PrivateKey, claims Claims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = "test-key"
	s, err := tok.SignedString(key)
	require.NoError(t, err)
	return s
}

func TestJWKSVerifier(t *testing.T) {
	key, kf := newTestJWKS(t)
	v := NewJWKSVerifierFromKeyfunc(kf, "https://id.example.com", "editalflow")

	good := Claims{Email: "ana@orgao.gov.br", RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "user-1",
		Issuer:    "https://id.example.com",
		Audience:  jwt.ClaimStrings{"editalflow"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}
	p, err := v.Verify(signRS256(t, key, good))
	require.NoError(t, err)
	assert.Equal(t, "user-1", p.Subject)

	wrongAud := good
	wrongAud.Audience = jwt.ClaimStrings{"another-app"}
	_, err = v.Verify(signRS256(t, key, wrongAud))
	assert.ErrorIs(t, err, ErrInvalidToken)

	noExp := good
	noExp.ExpiresAt = nil
	_, err = v.Verify(signRS256(t, key, noExp))
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestChain_FallsBackToNextVerifier(t *testing.T) {
	_, kf := newTestJWKS(t)
	hmac := NewHMACVerifier("s3cret")
	chain := Chain{NewJWKSVerifierFromKeyfunc(kf, "https://id.example.com", ""), hmac}

	token, err := hmac.Issue("integration-1", "", 0)
	require.NoError(t, err)
	p, err := chain.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "integration-1", p.Subject)

	_, err = chain.Verify("garbage")
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = Chain{}.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}
