// Package keys provides crypto.Signer generation and JWK/thumbprint helpers
// used for ACME account keys and CSR keys.
package keys

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"

	jose "github.com/go-jose/go-jose/v4"
)

// Algorithm identifies a key algorithm/size combination an Account or CSR key
// may be generated with.
type Algorithm string

const (
	EC256  Algorithm = "P-256"
	EC384  Algorithm = "P-384"
	EC521  Algorithm = "P-521"
	RSA2048 Algorithm = "RSA-2048"
	RSA3072 Algorithm = "RSA-3072"
	RSA4096 Algorithm = "RSA-4096"
)

// NewSigner generates a fresh crypto.Signer for the given Algorithm. An empty
// Algorithm defaults to EC256, matching the teacher's historical default of an
// ECDSA P-256 account key.
func NewSigner(alg Algorithm) (crypto.Signer, error) {
	switch alg {
	case "", EC256:
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	case EC384:
		return ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	case EC521:
		return ecdsa.GenerateKey(elliptic.P521(), rand.Reader)
	case RSA2048:
		return rsa.GenerateKey(rand.Reader, 2048)
	case RSA3072:
		return rsa.GenerateKey(rand.Reader, 3072)
	case RSA4096:
		return rsa.GenerateKey(rand.Reader, 4096)
	default:
		return nil, fmt.Errorf("keys: unknown algorithm %q", alg)
	}
}

// SigAlgForSigner derives the JWS signature algorithm for a signer's key type
// and curve/size, per RFC 8555 §6.2: EC P-256/P-384/P-521 map to
// ES256/ES384/ES512, RSA maps to RS256 regardless of modulus size. This is
// meant to be called once (at Account construction) and cached, never
// re-derived per request.
func SigAlgForSigner(signer crypto.Signer) (jose.SignatureAlgorithm, error) {
	switch k := signer.(type) {
	case *ecdsa.PrivateKey:
		switch k.Curve {
		case elliptic.P256():
			return jose.ES256, nil
		case elliptic.P384():
			return jose.ES384, nil
		case elliptic.P521():
			return jose.ES512, nil
		default:
			return "", fmt.Errorf("keys: unsupported ECDSA curve %s", k.Curve.Params().Name)
		}
	case *rsa.PrivateKey:
		return jose.RS256, nil
	default:
		return "", fmt.Errorf("keys: unsupported signer type %T", signer)
	}
}

func jwkAlgString(signer crypto.Signer) string {
	switch signer.(type) {
	case *ecdsa.PrivateKey:
		return "ECDSA"
	case *rsa.PrivateKey:
		return "RSA"
	default:
		return "unknown"
	}
}

// JWKForSigner returns the public JWK for the given signer.
func JWKForSigner(signer crypto.Signer) jose.JSONWebKey {
	return jose.JSONWebKey{
		Key:       signer.Public(),
		Algorithm: jwkAlgString(signer),
	}
}

// JWKThumbprintBytes returns the raw SHA-256 RFC 7638 thumbprint of the
// signer's canonical public JWK.
func JWKThumbprintBytes(signer crypto.Signer) ([]byte, error) {
	jwk := JWKForSigner(signer)
	return jwk.Thumbprint(crypto.SHA256)
}

// JWKThumbprint returns the base64url (unpadded) encoded SHA-256 thumbprint of
// the signer's canonical public JWK.
func JWKThumbprint(signer crypto.Signer) (string, error) {
	raw, err := JWKThumbprintBytes(signer)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// JWKJSON returns the JSON serialization of the signer's public JWK.
func JWKJSON(signer crypto.Signer) (string, error) {
	jwk := JWKForSigner(signer)
	b, err := json.Marshal(&jwk)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// KeyAuth computes the RFC 8555 §8.1 key authorization for the given
// challenge token and account signer: token || "." || base64url(thumbprint).
func KeyAuth(signer crypto.Signer, token string) (string, error) {
	thumb, err := JWKThumbprint(signer)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s.%s", token, thumb), nil
}

// SigningKeyForSigner builds a jose.SigningKey for the given signer and JWS
// alg. If keyID is non-empty it is set on the embedded JWK, which go-jose uses
// to populate the protected header's "kid" field; an empty keyID produces no
// "kid" (used together with SignerOptions.EmbedJWK for identity-by-JWK
// requests).
func SigningKeyForSigner(signer crypto.Signer, alg jose.SignatureAlgorithm, keyID string) jose.SigningKey {
	jwk := jose.JSONWebKey{
		Key:       signer,
		Algorithm: string(alg),
		KeyID:     keyID,
	}
	return jose.SigningKey{
		Key:       jwk,
		Algorithm: alg,
	}
}
