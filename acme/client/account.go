package client

import (
	"context"
	"crypto"
	"encoding/json"
	"fmt"
	"net/http"

	jose "github.com/go-jose/go-jose/v4"

	"github.com/cpu/acmecore/acme/keys"
	"github.com/cpu/acmecore/acme/resources"
)

// accountPayload is the newAccount request body. Its ExternalAccountBinding
// field lets an inner EAB JWS be embedded in the outer request:
// json.Marshal of a *jose.JSONWebSignature doesn't produce the flattened
// serialization servers expect, so we serialize it ourselves and attach the
// raw JSON via json.RawMessage instead.
type accountPayload struct {
	Contact              []string        `json:"contact,omitempty"`
	TermsOfServiceAgreed bool            `json:"termsOfServiceAgreed"`
	ExternalAccountBinding json.RawMessage `json:"externalAccountBinding,omitempty"`
}

// EnsureRegistered registers account with the server if it has no kid yet,
// agreeing to the server's terms of service unconditionally. It is
// idempotent and safe to call concurrently for the same *resources.Account:
// the account's own mutex serializes the check-then-register sequence so
// only one goroutine ever sends the newAccount request.
func (c *Client) EnsureRegistered(ctx context.Context, account *resources.Account) error {
	account.Lock()
	defer account.Unlock()

	if account.ID != "" {
		return nil
	}

	dir, err := c.Directory(ctx)
	if err != nil {
		return err
	}
	if dir.NewAccount == "" {
		return fmt.Errorf("client: server directory has no newAccount endpoint")
	}

	payload := accountPayload{
		Contact:              account.Contact,
		TermsOfServiceAgreed: true,
	}

	if account.EAB != nil {
		eabJWS, err := signEAB(dir.NewAccount, account.Signer, account.EAB)
		if err != nil {
			return fmt.Errorf("client: signing external account binding: %w", err)
		}
		payload.ExternalAccountBinding = json.RawMessage(eabJWS.FullSerialize())
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("client: marshaling newAccount request: %w", err)
	}

	resp, err := c.signedPost(ctx, dir.NewAccount, body, account, &SigningOptions{
		EmbedKey: true,
		Signer:   account.Signer,
		Alg:      account.SigAlg,
	})
	if err != nil {
		return fmt.Errorf("client: newAccount: %w", err)
	}

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("client: newAccount: server returned status %d", resp.StatusCode)
	}

	loc := resp.Header.Get("Location")
	if loc == "" {
		return fmt.Errorf("client: newAccount: response had no Location header")
	}

	var body2 struct {
		Status  string   `json:"status"`
		Contact []string `json:"contact"`
		Orders  string   `json:"orders"`
	}
	if err := resp.AsJSON(&body2); err == nil {
		account.Status = body2.Status
	}

	account.ID = loc
	c.log.Info("registered account", "id", account.ID)
	return nil
}

// Rollover performs an RFC 8555 §7.3.5 account key rollover: the new key
// signs an inner JWS (embedding its own JWK) over {account, oldKey}, which is
// itself the payload of an outer JWS signed by the account's current key and
// kid. On success the account's Signer and SigAlg are updated in place.
func (c *Client) Rollover(ctx context.Context, account *resources.Account, newKey crypto.Signer) error {
	if account.String() == "" {
		return fmt.Errorf("client: Rollover: account is not registered")
	}

	dir, err := c.Directory(ctx)
	if err != nil {
		return err
	}
	if dir.KeyChange == "" {
		return fmt.Errorf("client: server directory has no keyChange endpoint")
	}

	oldJWK := keys.JWKForSigner(account.Signer)
	inner := struct {
		Account string          `json:"account"`
		OldKey  jose.JSONWebKey `json:"oldKey"`
	}{
		Account: account.ID,
		OldKey:  oldJWK,
	}
	innerBody, err := json.Marshal(inner)
	if err != nil {
		return fmt.Errorf("client: marshaling rollover payload: %w", err)
	}

	newAlg, err := keys.SigAlgForSigner(newKey)
	if err != nil {
		return fmt.Errorf("client: rollover: %w", err)
	}

	innerResult, err := c.Sign(ctx, dir.KeyChange, innerBody, nil, &SigningOptions{
		EmbedKey: true,
		Signer:   newKey,
		Alg:      newAlg,
	})
	if err != nil {
		return fmt.Errorf("client: signing inner rollover JWS: %w", err)
	}

	resp, err := c.signedPost(ctx, dir.KeyChange, innerResult.SerializedJWS, account, nil)
	if err != nil {
		return fmt.Errorf("client: rollover: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("client: rollover: server returned status %d", resp.StatusCode)
	}

	account.Signer = newKey
	account.SigAlg = newAlg
	c.log.Info("rolled over account key", "id", account.ID)
	return nil
}
