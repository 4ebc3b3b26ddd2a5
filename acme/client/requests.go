package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cpu/acmecore/acme/ratelimit"
	"github.com/cpu/acmecore/acme/resources"
	acmenet "github.com/cpu/acmecore/net"
)

// maxBadNonceRetries bounds how many times a single signed request is
// attempted (first try included) while the server keeps rejecting its nonce,
// independent of the rate limiter's own retry budget.
const maxBadNonceRetries = 3

// retryableStatuses are the HTTP statuses spec §4.3 step 4(b) names as
// retryable through the rate limiter, regardless of problem type.
var retryableStatuses = map[int]bool{
	http.StatusRequestTimeout:      true,
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// signedPost signs payload for url on behalf of account (per opts) and POSTs
// it, retrying with a fresh nonce if the server reports badNonce and
// retrying with backoff if the outcome is classified retryable. Every
// retry still draws from the shared rate limiter so a bad-nonce storm and
// a 429 storm both pace through the same gate.
func (c *Client) signedPost(ctx context.Context, url string, payload []byte, account *resources.Account, opts *SigningOptions) (*acmenet.Response, error) {
	return c.signedPostAccept(ctx, url, payload, account, opts, "")
}

// signedPostAccept is signedPost with an explicit Accept header, used for
// POST-as-GET certificate downloads that must ask for
// application/pem-certificate-chain.
func (c *Client) signedPostAccept(ctx context.Context, url string, payload []byte, account *resources.Account, opts *SigningOptions, accept string) (*acmenet.Response, error) {
	for attempt := 0; attempt < maxBadNonceRetries; attempt++ {
		resp, err := ratelimit.Execute(ctx, c.limiter, url, func(ctx context.Context) (*acmenet.Response, ratelimit.Outcome, error) {
			signResult, err := c.Sign(ctx, url, payload, account, opts)
			if err != nil {
				return nil, ratelimit.Outcome{}, err
			}

			resp, err := c.transport.PostJWS(ctx, url, signResult.SerializedJWS, accept)
			if err != nil {
				return nil, networkErrorOutcome(err), err
			}

			if n := resp.ReplayNonce(); n != "" {
				c.nonces.Observe(c.namespace(account), n)
			}

			if resp.StatusCode >= 300 {
				problem, perr := decodeProblem(resp)
				if perr != nil {
					return resp, ratelimit.Outcome{Retryable: retryableStatuses[resp.StatusCode]}, perr
				}
				return resp, outcomeFor(resp, problem), &resources.ProtocolError{Problem: problem}
			}

			return resp, ratelimit.Outcome{}, nil
		})

		if err == nil {
			return resp, nil
		}

		var protoErr *resources.ProtocolError
		if !isProtocolError(err, &protoErr) || protoErr.Problem.Type != resources.ProblemBadNonce {
			return resp, err
		}
		// Bad nonce: the pool entry we drew was stale; loop and draw a fresh
		// one rather than surfacing the error.
	}
	return nil, fmt.Errorf("client: gave up on %q after %d attempts rejected for a bad nonce", url, maxBadNonceRetries)
}

func isProtocolError(err error, target **resources.ProtocolError) bool {
	pe, ok := err.(*resources.ProtocolError)
	if !ok {
		return false
	}
	*target = pe
	return true
}

// outcomeFor classifies a non-2xx response for the rate limiter: retryable on
// a fixed set of HTTP statuses, on a problem type that self-reports retryable
// (serverInternal, rateLimited, connection), or on rate-limit wording in a
// problem's title/detail for servers that only signal it textually.
// badNonce is excluded — it is retried locally by signedPostAccept's loop
// above with a fresh nonce and no backoff, not by the rate limiter.
func outcomeFor(resp *acmenet.Response, problem *resources.Problem) ratelimit.Outcome {
	retryable := retryableStatuses[resp.StatusCode]
	if problem != nil {
		if problem.Type != resources.ProblemBadNonce && problem.IsRetryable() {
			retryable = true
		}
		if containsRateLimitText(problem.Title, problem.Detail) {
			retryable = true
		}
	}

	outcome := ratelimit.Outcome{Retryable: retryable}
	if retryable && (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable) {
		if secs, ok := resp.RetryAfterSeconds(); ok {
			outcome.HasRetryAfter = true
			outcome.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return outcome
}

func containsRateLimitText(fields ...string) bool {
	for _, f := range fields {
		lower := strings.ToLower(f)
		if strings.Contains(lower, "rate limit") || strings.Contains(lower, "too many") {
			return true
		}
	}
	return false
}

// networkErrorOutcome classifies a transport-level failure (no HTTP response
// at all) per spec §4.3 step 4(a): connection reset/refused, DNS failure,
// timeout, and other socket errors are retryable through the rate limiter.
func networkErrorOutcome(err error) ratelimit.Outcome {
	return ratelimit.Outcome{Retryable: isRetryableNetworkError(err)}
}

func isRetryableNetworkError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return false
}

// fetchResource retrieves the resource at url via a signed POST-as-GET
// request (RFC 8555 §6.3). Every resource read beyond the directory document
// is authenticated this way; there is no unsigned-GET read path.
func (c *Client) fetchResource(ctx context.Context, url string, account *resources.Account) (*acmenet.Response, error) {
	return c.fetchResourceAccept(ctx, url, account, "")
}

// fetchResourceAccept is fetchResource with an explicit Accept header.
func (c *Client) fetchResourceAccept(ctx context.Context, url string, account *resources.Account, accept string) (*acmenet.Response, error) {
	return c.signedPostAccept(ctx, url, []byte{}, account, &SigningOptions{KeyID: account.String()}, accept)
}

func decodeProblem(resp *acmenet.Response) (*resources.Problem, error) {
	var p resources.Problem
	if err := resp.AsJSON(&p); err != nil {
		return nil, fmt.Errorf("client: decoding problem document (status %d): %w", resp.StatusCode, err)
	}
	if p.Status == 0 {
		p.Status = resp.StatusCode
	}
	return &p, nil
}
