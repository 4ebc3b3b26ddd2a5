package client

import (
	"context"
	"crypto"
	"encoding/json"
	"fmt"

	jose "github.com/go-jose/go-jose/v4"

	"github.com/cpu/acmecore/acme/keys"
	"github.com/cpu/acmecore/acme/resources"
)

// SigningOptions controls how Sign authenticates a request, mirroring the
// mutually exclusive "embed the JWK" vs "reference an existing kid" choice
// RFC 8555 §6.2 requires of every signed request.
type SigningOptions struct {
	// EmbedKey, if true, embeds the account's public key as a JWK in the
	// protected header instead of a "kid". Required for newAccount and for
	// key rollover's inner JWS; mutually exclusive with KeyID.
	EmbedKey bool
	// KeyID is the "kid" to use. If empty and EmbedKey is false, the
	// account argument's ID is used.
	KeyID string
	// Signer overrides the account's signer (used for key rollover, where
	// the inner JWS is signed with the new key).
	Signer crypto.Signer
	// Alg overrides the account's cached signature algorithm; required
	// whenever Signer is overridden.
	Alg jose.SignatureAlgorithm
}

func (opts *SigningOptions) validate() error {
	if opts.KeyID != "" && opts.EmbedKey {
		return fmt.Errorf("client: SigningOptions cannot specify both KeyID and EmbedKey")
	}
	if opts.KeyID == "" && !opts.EmbedKey {
		return fmt.Errorf("client: SigningOptions must specify a KeyID or EmbedKey")
	}
	if opts.Signer == nil {
		return fmt.Errorf("client: SigningOptions must resolve to a non-nil Signer")
	}
	if opts.Alg == "" {
		return fmt.Errorf("client: SigningOptions must resolve to a non-empty Alg")
	}
	return nil
}

// SignResult holds a produced JWS in both parsed and serialized form.
type SignResult struct {
	InputURL      string
	InputData     []byte
	JWS           *jose.JSONWebSignature
	SerializedJWS []byte
}

type singleNonceSource string

func (n singleNonceSource) Nonce() (string, error) {
	return string(n), nil
}

// Sign produces a flattened-JSON-serialized JWS over data, authenticated for
// the given URL, using account (nil only permitted when opts.Signer is set
// explicitly, e.g. for newAccount where no account kid exists yet).
//
// A fresh nonce is drawn from the account's namespace in the pool for every
// call; Sign never reuses a nonce across calls.
func (c *Client) Sign(ctx context.Context, url string, data []byte, account *resources.Account, opts *SigningOptions) (*SignResult, error) {
	if opts == nil {
		opts = &SigningOptions{}
	}
	if opts.Signer == nil {
		if account == nil {
			return nil, fmt.Errorf("client: Sign: no account and no explicit Signer")
		}
		opts.Signer = account.Signer
		opts.Alg = account.SigAlg
	}
	if !opts.EmbedKey && opts.KeyID == "" {
		if account == nil || account.String() == "" {
			return nil, fmt.Errorf("client: Sign: no KeyID, no EmbedKey, and no registered account")
		}
		opts.KeyID = account.String()
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}

	n, err := c.nonces.Get(ctx, c.namespace(account))
	if err != nil {
		return nil, err
	}

	keyID := opts.KeyID
	if opts.EmbedKey {
		keyID = ""
	}
	signingKey := keys.SigningKeyForSigner(opts.Signer, opts.Alg, keyID)

	joseOpts := &jose.SignerOptions{
		NonceSource: singleNonceSource(n),
		EmbedJWK:    opts.EmbedKey,
		ExtraHeaders: map[jose.HeaderKey]interface{}{
			"url": url,
		},
	}

	signer, err := jose.NewSigner(signingKey, joseOpts)
	if err != nil {
		return nil, fmt.Errorf("client: building JWS signer: %w", err)
	}

	signed, err := signer.Sign(data)
	if err != nil {
		return nil, fmt.Errorf("client: signing request body: %w", err)
	}

	serialized := []byte(signed.FullSerialize())
	return &SignResult{
		InputURL:      url,
		InputData:     data,
		JWS:           signed,
		SerializedJWS: serialized,
	}, nil
}

// signEAB produces the inner JWS required by RFC 8555 §7.3.4 when an account
// registers with an External Account Binding: an HS256 JWS over the
// account's public JWK, signed with the CA-issued MAC key and keyed by the
// CA-issued key identifier, with no nonce (the server does not check one on
// this inner JWS).
func signEAB(url string, accountKey crypto.Signer, eab *resources.EABConfig) (*jose.JSONWebSignature, error) {
	payload, err := json.Marshal(keys.JWKForSigner(accountKey))
	if err != nil {
		return nil, fmt.Errorf("client: marshaling account JWK for EAB: %w", err)
	}

	signingKey := jose.SigningKey{
		Algorithm: jose.HS256,
		Key: jose.JSONWebKey{
			Key:   eab.MACKey,
			KeyID: eab.KeyID,
		},
	}

	signer, err := jose.NewSigner(signingKey, &jose.SignerOptions{
		EmbedJWK: false,
		ExtraHeaders: map[jose.HeaderKey]interface{}{
			"url": url,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("client: building EAB signer: %w", err)
	}

	return signer.Sign(payload)
}
