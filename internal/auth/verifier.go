// Package auth verifies bearer tokens and resolves the submitting owner.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/editalflow/api/internal/config"
)

var ErrInvalidToken = errors.New("invalid or expired token")

// Principal identifies the caller; Subject is the job owner used for quota
// and dedupe.
type Principal struct {
	Subject string
	Email   string
	Name    string
}

// Verifier validates a raw bearer token.
type Verifier interface {
	Verify(token string) (*Principal, error)
}

// Claims are the OIDC claims read from identity provider tokens.
type Claims struct {
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// JWKSVerifier checks RS/ES-signed tokens against the issuer's published keys.
type JWKSVerifier struct {
	jwks     keyfunc.Keyfunc
	issuer   string
	audience string
}

// NewJWKSVerifier discovers the issuer's JWKS endpoint and keeps its keys
// refreshed in the background until ctx ends.
func NewJWKSVerifier(ctx context.Context, cfg config.OIDCConfig) (*JWKSVerifier, error) {
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("oidc issuer is required")
	}

	discoverCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	jwksURL, err := discoverJWKSURL(discoverCtx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to discover JWKS URL: %w", err)
	}

	jwks, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("failed to create JWKS keyfunc: %w", err)
	}
	return NewJWKSVerifierFromKeyfunc(jwks, cfg.Issuer, cfg.Audience), nil
}

// NewJWKSVerifierFromKeyfunc builds a verifier over an existing key set.
func NewJWKSVerifierFromKeyfunc(jwks keyfunc.Keyfunc, issuer, audience string) *JWKSVerifier {
	return &JWKSVerifier{jwks: jwks, issuer: issuer, audience: audience}
}

func discoverJWKSURL(ctx context.Context, issuer string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, issuer+"/.well-known/openid-configuration", nil)
	if err != nil {
		return "", fmt.Errorf("failed to create discovery request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch discovery document: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("discovery endpoint returned status %d", resp.StatusCode)
	}
	var doc struct {
		JWKSURI string `json:"jwks_uri"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", fmt.Errorf("failed to decode discovery document: %w", err)
	}
	if doc.JWKSURI == "" {
		return "", fmt.Errorf("jwks_uri not found in discovery document")
	}
	return doc.JWKSURI, nil
}

func (v *JWKSVerifier) Verify(token string) (*Principal, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, v.jwks.Keyfunc,
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	if v.audience != "" {
		aud, err := claims.GetAudience()
		if err != nil || !slices.Contains(aud, v.audience) {
			return nil, fmt.Errorf("%w: audience mismatch", ErrInvalidToken)
		}
	}
	return &Principal{Subject: claims.Subject, Email: claims.Email, Name: claims.Name}, nil
}

// ServiceClaims are carried by HMAC tokens minted for integrations that
// submit editais on behalf of an owner.
type ServiceClaims struct {
	Owner string `json:"owner"`
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

const serviceIssuer = "editalflow"

// HMACVerifier validates HS256 service tokens signed with a shared secret.
type HMACVerifier struct {
	secret []byte
}

func NewHMACVerifier(secret string) *HMACVerifier {
	return &HMACVerifier{secret: []byte(secret)}
}

func (v *HMACVerifier) Verify(token string) (*Principal, error) {
	parsed, err := jwt.ParseWithClaims(token, &ServiceClaims{}, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithIssuer(serviceIssuer))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*ServiceClaims)
	if !ok || !parsed.Valid || claims.Owner == "" {
		return nil, ErrInvalidToken
	}
	return &Principal{Subject: claims.Owner, Email: claims.Email}, nil
}

// Issue mints a service token for owner. A zero ttl yields a token without expiry.
func (v *HMACVerifier) Issue(owner, email string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := ServiceClaims{
		Owner: owner,
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   serviceIssuer,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Chain tries each verifier in order and returns the first success.
type Chain []Verifier

func (c Chain) Verify(token string) (*Principal, error) {
	var errs []error
	for _, v := range c {
		p, err := v.Verify(token)
		if err == nil {
			return p, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return nil, fmt.Errorf("%w: no verifier configured", ErrInvalidToken)
	}
	return nil, errors.Join(errs...)
}
