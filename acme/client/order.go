package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cpu/acmecore/acme/resources"
)

// NewOrder creates an order for the given identifiers on behalf of account,
// which must already be registered (RFC 8555 §7.4).
func (c *Client) NewOrder(ctx context.Context, account *resources.Account, identifiers []resources.Identifier) (*resources.Order, error) {
	if account.String() == "" {
		return nil, fmt.Errorf("client: NewOrder: account is not registered")
	}

	dir, err := c.Directory(ctx)
	if err != nil {
		return nil, err
	}
	if dir.NewOrder == "" {
		return nil, fmt.Errorf("client: server directory has no newOrder endpoint")
	}

	reqBody, err := json.Marshal(struct {
		Identifiers []resources.Identifier `json:"identifiers"`
	}{Identifiers: identifiers})
	if err != nil {
		return nil, err
	}

	resp, err := c.signedPost(ctx, dir.NewOrder, reqBody, account, nil)
	if err != nil {
		return nil, fmt.Errorf("client: newOrder: %w", err)
	}
	if resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("client: newOrder: server returned status %d", resp.StatusCode)
	}

	loc := resp.Header.Get("Location")
	if loc == "" {
		return nil, fmt.Errorf("client: newOrder: response had no Location header")
	}

	var order resources.Order
	if err := resp.AsJSON(&order); err != nil {
		return nil, fmt.Errorf("client: newOrder: decoding response: %w", err)
	}
	order.URL = loc

	account.Orders = append(account.Orders, order.URL)
	c.log.Info("created order", "url", order.URL, "identifiers", len(identifiers))
	return &order, nil
}

// RefreshOrder re-fetches order.URL and updates order in place.
func (c *Client) RefreshOrder(ctx context.Context, account *resources.Account, order *resources.Order) error {
	if order.URL == "" {
		return fmt.Errorf("client: RefreshOrder: order has no URL")
	}
	resp, err := c.fetchResource(ctx, order.URL, account)
	if err != nil {
		return err
	}
	url := order.URL
	if err := resp.AsJSON(order); err != nil {
		return fmt.Errorf("client: RefreshOrder: decoding response: %w", err)
	}
	order.URL = url
	return nil
}

// RefreshAuthorization re-fetches authz.URL and updates authz in place.
func (c *Client) RefreshAuthorization(ctx context.Context, account *resources.Account, authz *resources.Authorization) error {
	if authz.URL == "" {
		return fmt.Errorf("client: RefreshAuthorization: authz has no URL")
	}
	resp, err := c.fetchResource(ctx, authz.URL, account)
	if err != nil {
		return err
	}
	url := authz.URL
	if err := resp.AsJSON(authz); err != nil {
		return fmt.Errorf("client: RefreshAuthorization: decoding response: %w", err)
	}
	authz.URL = url
	return nil
}

// RefreshChallenge re-fetches chall.URL and updates chall in place.
func (c *Client) RefreshChallenge(ctx context.Context, account *resources.Account, chall *resources.Challenge) error {
	if chall.URL == "" {
		return fmt.Errorf("client: RefreshChallenge: challenge has no URL")
	}
	resp, err := c.fetchResource(ctx, chall.URL, account)
	if err != nil {
		return err
	}
	url := chall.URL
	if err := resp.AsJSON(chall); err != nil {
		return fmt.Errorf("client: RefreshChallenge: decoding response: %w", err)
	}
	chall.URL = url
	return nil
}

// PollOptions bounds WaitOrder/WaitAuthorization polling loops. The zero
// value falls back to the owning Client's configured defaults (ClientConfig
// OrderPollInterval/OrderPollMaxAttempts), which themselves default to the
// spec's 3s/60-attempt order-poll defaults.
type PollOptions struct {
	// MaxAttempts caps the number of poll requests. Zero uses the Client's
	// configured default.
	MaxAttempts int
	// Interval is the delay between poll attempts when the server gives no
	// Retry-After hint. Zero uses the Client's configured default.
	Interval time.Duration
}

func (o PollOptions) normalize(defaults PollOptions) PollOptions {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = defaults.MaxAttempts
	}
	if o.Interval <= 0 {
		o.Interval = defaults.Interval
	}
	return o
}

// WaitOrder polls order until it reaches a terminal status ("valid" or
// "invalid"), honoring a Retry-After header on each poll response, or
// returns an OrderTimeoutError/OrderInvalidError/CancelledError.
func (c *Client) WaitOrder(ctx context.Context, account *resources.Account, order *resources.Order, opts PollOptions) error {
	opts = opts.normalize(c.defaultPollOptions())

	for attempt := 0; ; attempt++ {
		if order.IsDone() {
			break
		}
		if attempt >= opts.MaxAttempts {
			return &resources.OrderTimeoutError{OrderURL: order.URL, Status: order.Status}
		}

		resp, err := c.fetchResource(ctx, order.URL, account)
		if err != nil {
			return err
		}
		url := order.URL
		if err := resp.AsJSON(order); err != nil {
			return fmt.Errorf("client: WaitOrder: decoding response: %w", err)
		}
		order.URL = url

		if order.IsDone() {
			break
		}

		delay := opts.Interval
		if secs, ok := resp.RetryAfterSeconds(); ok {
			delay = time.Duration(secs) * time.Second
		}
		if err := sleepCtx(ctx, delay); err != nil {
			return &resources.CancelledError{Op: "client.WaitOrder", Err: err}
		}
	}

	if order.Status == "invalid" {
		return &resources.OrderInvalidError{OrderURL: order.URL, Problem: order.Error}
	}
	return nil
}

// WaitAuthorization polls authz until it reaches a terminal status.
func (c *Client) WaitAuthorization(ctx context.Context, account *resources.Account, authz *resources.Authorization, opts PollOptions) error {
	opts = opts.normalize(c.defaultPollOptions())

	for attempt := 0; ; attempt++ {
		if authz.IsDone() {
			break
		}
		if attempt >= opts.MaxAttempts {
			return &resources.AuthorizationStateError{AuthorizationURL: authz.URL, Status: authz.Status}
		}

		resp, err := c.fetchResource(ctx, authz.URL, account)
		if err != nil {
			return err
		}
		url := authz.URL
		if err := resp.AsJSON(authz); err != nil {
			return fmt.Errorf("client: WaitAuthorization: decoding response: %w", err)
		}
		authz.URL = url

		if authz.IsDone() {
			break
		}

		delay := opts.Interval
		if secs, ok := resp.RetryAfterSeconds(); ok {
			delay = time.Duration(secs) * time.Second
		}
		if err := sleepCtx(ctx, delay); err != nil {
			return &resources.CancelledError{Op: "client.WaitAuthorization", Err: err}
		}
	}

	if authz.Status != "valid" {
		return &resources.AuthorizationStateError{AuthorizationURL: authz.URL, Status: authz.Status}
	}
	return nil
}

// Finalize submits a DER-encoded CSR to order.Finalize (RFC 8555 §7.4). It
// does not wait for the order to become valid; call WaitOrder afterward.
func (c *Client) Finalize(ctx context.Context, account *resources.Account, order *resources.Order, csrDER []byte) error {
	if order.Finalize == "" {
		return fmt.Errorf("client: Finalize: order has no finalize URL")
	}
	if order.Status != "ready" {
		return &resources.OrderNotReadyError{OrderURL: order.URL, Status: order.Status}
	}

	reqBody, err := json.Marshal(struct {
		CSR string `json:"csr"`
	}{CSR: base64.RawURLEncoding.EncodeToString(csrDER)})
	if err != nil {
		return err
	}

	resp, err := c.signedPost(ctx, order.Finalize, reqBody, account, nil)
	if err != nil {
		return fmt.Errorf("client: finalize: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("client: finalize: server returned status %d", resp.StatusCode)
	}

	url := order.URL
	if err := resp.AsJSON(order); err != nil {
		return fmt.Errorf("client: finalize: decoding response: %w", err)
	}
	order.URL = url
	return nil
}

// DownloadCertificate fetches the PEM certificate chain for a "valid" order.
func (c *Client) DownloadCertificate(ctx context.Context, account *resources.Account, order *resources.Order) ([]byte, error) {
	if order.Status != "valid" {
		return nil, fmt.Errorf("client: DownloadCertificate: order %q is status %q, not valid", order.URL, order.Status)
	}
	if order.Certificate == "" {
		return nil, fmt.Errorf("client: DownloadCertificate: order %q has no certificate URL", order.URL)
	}

	resp, err := c.fetchResourceAccept(ctx, order.Certificate, account, "application/pem-certificate-chain")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("client: DownloadCertificate: server returned status %d", resp.StatusCode)
	}
	return resp.Body, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
