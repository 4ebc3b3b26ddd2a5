// Package client implements a low-level, authenticated ACME v2 client: it
// fetches the server's directory, maintains a pool of fresh nonces, paces and
// retries requests, and signs every authenticated call with the right
// account or embedded key per RFC 8555 §6.2.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"net/mail"
	"net/url"
	"strings"
	"time"

	"github.com/cpu/acmecore/acme/alog"
	"github.com/cpu/acmecore/acme/nonce"
	"github.com/cpu/acmecore/acme/ratelimit"
	"github.com/cpu/acmecore/acme/resources"
	acmenet "github.com/cpu/acmecore/net"
)

// ClientConfig configures a Client's construction. DirectoryURL is the only
// mandatory field.
type ClientConfig struct {
	// DirectoryURL is the ACME server's directory endpoint. Must be a fully
	// qualified http(s) URL.
	DirectoryURL string
	// CACert is an optional path to PEM encoded CA certificates trusted for
	// HTTPS connections to the server. The system trust store is used when
	// empty.
	CACert string
	// ContactEmail is an optional single email address normalized and
	// stored for convenience by NewAccount callers; the client itself
	// never registers an account on its own.
	ContactEmail string
	// UserAgentSuffix is appended to the client's default User-Agent.
	UserAgentSuffix string
	// Nonce configures the nonce pool's prefetch behavior.
	Nonce nonce.Config
	// RateLimit configures request pacing and retry backoff.
	RateLimit ratelimit.Config
	// OrderPollInterval is the default delay between order/authorization/
	// challenge poll attempts when the server gives no Retry-After hint.
	// Zero defaults to 3 seconds.
	OrderPollInterval time.Duration
	// OrderPollMaxAttempts is the default cap on poll attempts before
	// WaitOrder gives up with an OrderTimeoutError and WaitAuthorization with
	// an AuthorizationStateError carrying the last status seen. Zero
	// defaults to 60.
	OrderPollMaxAttempts int
	// Logger receives structured request/lifecycle logging. Defaults to
	// alog.Default() if nil.
	Logger *slog.Logger
}

func (cfg *ClientConfig) normalize() error {
	cfg.DirectoryURL = strings.TrimSpace(cfg.DirectoryURL)
	cfg.ContactEmail = strings.TrimSpace(cfg.ContactEmail)

	if cfg.DirectoryURL == "" {
		return fmt.Errorf("client: DirectoryURL must not be empty")
	}
	if _, err := url.Parse(cfg.DirectoryURL); err != nil {
		return fmt.Errorf("client: DirectoryURL invalid: %w", err)
	}
	if cfg.ContactEmail != "" {
		addr, err := mail.ParseAddress(cfg.ContactEmail)
		if err != nil {
			return fmt.Errorf("client: ContactEmail invalid: %w", err)
		}
		cfg.ContactEmail = addr.Address
	}
	if cfg.Nonce == (nonce.Config{}) {
		cfg.Nonce = nonce.DefaultConfig()
	}
	if cfg.RateLimit == (ratelimit.Config{}) {
		cfg.RateLimit = ratelimit.DefaultConfig()
	}
	if cfg.OrderPollInterval <= 0 {
		cfg.OrderPollInterval = 3 * time.Second
	}
	if cfg.OrderPollMaxAttempts <= 0 {
		cfg.OrderPollMaxAttempts = 60
	}
	return nil
}

// Client is a connection to one ACME server's directory. A single Client may
// be used concurrently by multiple goroutines authenticating as multiple
// accounts; per-account state (the kid used for signing) lives on
// *resources.Account, not on the Client.
type Client struct {
	cfg       ClientConfig
	directoryURL string
	transport *acmenet.Transport
	nonces    *nonce.Pool
	limiter   *ratelimit.Limiter
	log       *slog.Logger

	directory *resources.Directory
}

// New builds a Client and fetches the server's directory.
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = alog.Default()
	}

	transport, err := acmenet.New(acmenet.Config{
		CABundlePath:    cfg.CACert,
		UserAgentSuffix: cfg.UserAgentSuffix,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:          cfg,
		directoryURL: cfg.DirectoryURL,
		transport:    transport,
		limiter:      ratelimit.New(cfg.RateLimit),
		log:          logger,
	}
	c.nonces = nonce.NewPool(c.fetchNonce, cfg.Nonce)

	if err := c.refreshDirectory(ctx); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Client) refreshDirectory(ctx context.Context) error {
	resp, err := c.transport.Get(ctx, c.directoryURL)
	if err != nil {
		return fmt.Errorf("client: fetching directory: %w", err)
	}
	var dir resources.Directory
	if err := resp.AsJSON(&dir); err != nil {
		return fmt.Errorf("client: decoding directory: %w", err)
	}
	c.directory = &dir
	c.log.Debug("updated directory", "url", c.directoryURL)
	return nil
}

// Directory returns the server's cached directory, refreshing it first if
// it has never been fetched.
func (c *Client) Directory(ctx context.Context) (*resources.Directory, error) {
	if c.directory == nil {
		if err := c.refreshDirectory(ctx); err != nil {
			return nil, err
		}
	}
	return c.directory, nil
}

// fetchNonce issues a HEAD newNonce request through the shared rate limiter,
// per spec §4.1/§4.2: a transient 503 or network error here must back off and
// retry rather than failing the refill (and every waiter queued behind it)
// outright.
func (c *Client) fetchNonce(ctx context.Context, _ string) (string, error) {
	dir, err := c.Directory(ctx)
	if err != nil {
		return "", err
	}

	resp, err := ratelimit.Execute(ctx, c.limiter, dir.NewNonce, func(ctx context.Context) (*acmenet.Response, ratelimit.Outcome, error) {
		resp, err := c.transport.Head(ctx, dir.NewNonce)
		if err != nil {
			return nil, networkErrorOutcome(err), err
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
	if err != nil {
		return "", err
	}

	n := resp.ReplayNonce()
	if n == "" {
		return "", &resources.NonceNoHeaderError{URL: dir.NewNonce}
	}
	return n, nil
}

// namespace returns the nonce pool namespace for requests signed by account.
// A nil account (or one with no kid yet) shares the pre-registration
// namespace keyed by directory URL alone; a registered account gets its own
// namespace keyed by directory URL plus kid, per the module's nonce
// isolation policy.
func (c *Client) namespace(account *resources.Account) string {
	if account != nil {
		if id := account.String(); id != "" {
			return c.directoryURL + "#" + id
		}
	}
	return c.directoryURL
}

// defaultPollOptions returns the Client's configured polling defaults, used
// by PollOptions.normalize to fill in a caller's zero-valued fields.
func (c *Client) defaultPollOptions() PollOptions {
	return PollOptions{
		MaxAttempts: c.cfg.OrderPollMaxAttempts,
		Interval:    c.cfg.OrderPollInterval,
	}
}
