package client

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"github.com/cpu/acmecore/acme/keys"
	"github.com/cpu/acmecore/acme/resources"
)

// ChallengeNotFound is returned by ChallengeByType-style lookups; kept as an
// alias so callers matching on it don't need to import acme/resources
// directly just for this one type.
type ChallengeNotFound = resources.ChallengeNotFoundError

// KeyAuthorization computes the key authorization for chall under account,
// per RFC 8555 §8.1: token || "." || base64url(JWK thumbprint).
func (c *Client) KeyAuthorization(account *resources.Account, chall resources.Challenge) (string, error) {
	return keys.KeyAuth(account.Signer, chall.Token)
}

// DNS01TXTValue computes the value to publish as the _acme-challenge TXT
// record for a dns-01 challenge (RFC 8555 §8.4): base64url(SHA-256(key
// authorization)).
func (c *Client) DNS01TXTValue(account *resources.Account, chall resources.Challenge) (string, error) {
	keyAuth, err := c.KeyAuthorization(account, chall)
	if err != nil {
		return "", err
	}
	digest := sha256.Sum256([]byte(keyAuth))
	return base64.RawURLEncoding.EncodeToString(digest[:]), nil
}

// HTTP01ResponsePath returns the well-known path the server will fetch to
// validate a http-01 challenge (RFC 8555 §8.3), and KeyAuthorization returns
// the body to serve there.
func HTTP01ResponsePath(chall resources.Challenge) string {
	return "/.well-known/acme-challenge/" + chall.Token
}

// Provisioner installs (and later tears down) whatever the challenge type
// requires for a given Authorization/Challenge pair: a DNS TXT record for
// dns-01, a file or handler for http-01. Implementations are supplied by the
// caller; this package has no transport- or DNS-provider-specific code.
type Provisioner interface {
	// Provision makes the challenge response observable to the ACME
	// server (e.g. publish a TXT record, serve an HTTP response).
	Provision(ctx context.Context, authz resources.Authorization, chall resources.Challenge, keyAuthorization string) error
	// Cleanup reverses Provision once the challenge has reached a
	// terminal state.
	Cleanup(ctx context.Context, authz resources.Authorization, chall resources.Challenge) error
}

// SolveChallenge provisions the named challenge type for authz via
// provisioner, tells the server to validate it, polls until the challenge
// reaches a terminal state, and then re-fetches authz once. Once Provision
// has succeeded, Cleanup runs on every return path, including errors and a
// failed validation.
func (c *Client) SolveChallenge(ctx context.Context, account *resources.Account, authz *resources.Authorization, challengeType string, provisioner Provisioner, opts PollOptions) error {
	chall, ok := authz.ChallengeByType(challengeType)
	if !ok {
		return &resources.ChallengeNotFoundError{AuthorizationURL: authz.URL, Type: challengeType}
	}

	keyAuth, err := c.KeyAuthorization(account, chall)
	if err != nil {
		return fmt.Errorf("client: computing key authorization: %w", err)
	}

	if err := provisioner.Provision(ctx, *authz, chall, keyAuth); err != nil {
		return fmt.Errorf("client: provisioning %s challenge: %w", challengeType, err)
	}
	defer func() {
		_ = provisioner.Cleanup(ctx, *authz, chall)
	}()

	if err := c.respondToChallenge(ctx, account, &chall); err != nil {
		return err
	}

	if err := c.waitChallenge(ctx, account, &chall, opts); err != nil {
		return err
	}

	return c.RefreshAuthorization(ctx, account, authz)
}

// respondToChallenge POSTs an empty JSON object to the challenge URL,
// telling the server the client believes the challenge is ready to be
// validated (RFC 8555 §7.5.1).
func (c *Client) respondToChallenge(ctx context.Context, account *resources.Account, chall *resources.Challenge) error {
	resp, err := c.signedPost(ctx, chall.URL, []byte("{}"), account, nil)
	if err != nil {
		return fmt.Errorf("client: responding to challenge %q: %w", chall.URL, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("client: responding to challenge %q: server returned status %d", chall.URL, resp.StatusCode)
	}
	url := chall.URL
	if err := resp.AsJSON(chall); err != nil {
		return fmt.Errorf("client: decoding challenge response: %w", err)
	}
	chall.URL = url
	return nil
}

func (c *Client) waitChallenge(ctx context.Context, account *resources.Account, chall *resources.Challenge, opts PollOptions) error {
	opts = opts.normalize(c.defaultPollOptions())

	for attempt := 0; ; attempt++ {
		if chall.IsDone() {
			break
		}
		if attempt >= opts.MaxAttempts {
			return &resources.AuthorizationStateError{AuthorizationURL: chall.URL, Status: chall.Status}
		}

		resp, err := c.fetchResource(ctx, chall.URL, account)
		if err != nil {
			return err
		}
		url := chall.URL
		if err := resp.AsJSON(chall); err != nil {
			return fmt.Errorf("client: polling challenge: %w", err)
		}
		chall.URL = url

		if chall.IsDone() {
			break
		}

		delay := opts.Interval
		if secs, ok := resp.RetryAfterSeconds(); ok {
			delay = time.Duration(secs) * time.Second
		}
		if err := sleepCtx(ctx, delay); err != nil {
			return &resources.CancelledError{Op: "client.waitChallenge", Err: err}
		}
	}

	if chall.Status == "invalid" {
		return &resources.ChallengeInvalidError{ChallengeURL: chall.URL, Problem: chall.Error}
	}
	return nil
}
