// Package net provides the HTTP transport used to talk to an ACME server:
// a configured *http.Client plus a Response wrapper that classifies bodies by
// content-type instead of forcing every caller to sniff headers itself.
package net

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/cpu/acmecore/acme/alog"
)

const (
	version       = "0.1.0"
	userAgentBase = "acmecore"
	locale        = "en-us"

	contentTypeJOSE    = "application/jose+json"
	contentTypeJSON    = "application/json"
	contentTypeProblem = "application/problem+json"
	contentTypePEMCert = "application/pem-certificate-chain"
)

// Config controls how a Transport's underlying http.Client is built.
type Config struct {
	// CABundlePath, when non-empty, is a PEM bundle of additional trust
	// roots used to validate the ACME server's certificate. An empty value
	// uses the system trust store.
	CABundlePath string
	// UserAgentSuffix is appended to the default User-Agent string, letting
	// an embedding application identify itself to the server.
	UserAgentSuffix string
	// Logger receives request/response tracing. Defaults to alog.Default().
	Logger *slog.Logger

	readFile func(string) ([]byte, error)
}

// Transport wraps an *http.Client configured for ACME traffic.
type Transport struct {
	httpClient *http.Client
	userAgent  string
	log        *slog.Logger
}

// New builds a Transport from Config. A zero Config is valid and uses the
// system trust store.
func New(conf Config) (*Transport, error) {
	pool, err := conf.trustPool()
	if err != nil {
		return nil, err
	}

	logger := conf.Logger
	if logger == nil {
		logger = alog.Default()
	}

	ua := fmt.Sprintf("%s %s (%s; %s)", userAgentBase, version, runtime.GOOS, runtime.GOARCH)
	if conf.UserAgentSuffix != "" {
		ua = ua + " " + conf.UserAgentSuffix
	}

	return &Transport{
		httpClient: &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{RootCAs: pool},
			},
		},
		userAgent: ua,
		log:       logger,
	}, nil
}

func (c Config) trustPool() (*x509.CertPool, error) {
	if c.CABundlePath == "" {
		return nil, nil
	}
	read := c.readFile
	if read == nil {
		read = os.ReadFile
	}
	pemBundle, err := read(c.CABundlePath)
	if err != nil {
		return nil, fmt.Errorf("net: reading CA bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if ok := pool.AppendCertsFromPEM(pemBundle); !ok {
		return nil, fmt.Errorf("net: no certificates found in CA bundle %q", c.CABundlePath)
	}
	return pool, nil
}

// Response is the decoded result of an HTTP round trip against an ACME
// server. Body holds the raw bytes; the Is* helpers classify it by
// content-type instead of leaving that to every call site, and the As*
// helpers decode it without checking the content-type.
type Response struct {
	StatusCode  int
	Header      http.Header
	Body        []byte
	ContentType string
}

// IsProblem reports whether the response carries an RFC 7807 problem
// document (by content-type or a non-2xx status with a JSON body).
func (r *Response) IsProblem() bool {
	if strings.HasPrefix(r.ContentType, contentTypeProblem) {
		return true
	}
	return r.StatusCode >= 300 && strings.Contains(r.ContentType, "json")
}

// IsJSON reports whether the response body is application/json or
// application/jose+json.
func (r *Response) IsJSON() bool {
	return strings.HasPrefix(r.ContentType, contentTypeJSON) ||
		strings.HasPrefix(r.ContentType, contentTypeJOSE)
}

// IsPEMChain reports whether the response carries a PEM certificate chain.
func (r *Response) IsPEMChain() bool {
	return strings.HasPrefix(r.ContentType, contentTypePEMCert)
}

// AsJSON decodes the response body as JSON into v.
func (r *Response) AsJSON(v any) error {
	if len(r.Body) == 0 {
		return nil
	}
	return json.Unmarshal(r.Body, v)
}

// AsText returns the response body as a string.
func (r *Response) AsText() string {
	return string(r.Body)
}

// ReplayNonce returns the Replay-Nonce response header, or "" if absent.
func (r *Response) ReplayNonce() string {
	return r.Header.Get("Replay-Nonce")
}

// RetryAfterSeconds parses the Retry-After header per RFC 7231 §7.1.3: either
// a whole-second delay or an HTTP-date naming the point in time to retry
// after. Returns 0, false if the header is absent or matches neither form.
func (r *Response) RetryAfterSeconds() (int, bool) {
	v := r.Header.Get("Retry-After")
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0, false
		}
		return secs, true
	}
	if when, err := http.ParseTime(v); err == nil {
		d := time.Until(when)
		if d < 0 {
			d = 0
		}
		return int(d.Round(time.Second) / time.Second), true
	}
	return 0, false
}

func (t *Transport) do(ctx context.Context, req *http.Request) (*Response, error) {
	req = req.WithContext(ctx)
	req.Header.Set("User-Agent", t.userAgent)
	req.Header.Set("Accept-Language", locale)

	t.log.DebugContext(ctx, "http request", "method", req.Method, "url", req.URL.String())

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("net: %s %s: %w", req.Method, req.URL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("net: reading response body: %w", err)
	}

	t.log.DebugContext(ctx, "http response", "method", req.Method, "url", req.URL.String(), "status", resp.StatusCode)

	return &Response{
		StatusCode:  resp.StatusCode,
		Header:      resp.Header,
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

// Head issues a HEAD request, used to prime a fresh nonce.
func (t *Transport) Head(ctx context.Context, url string) (*Response, error) {
	req, err := http.NewRequest(http.MethodHead, url, nil)
	if err != nil {
		return nil, err
	}
	return t.do(ctx, req)
}

// Get issues a GET request. Used only for the one unsigned read this module
// makes: fetching the directory document itself.
func (t *Transport) Get(ctx context.Context, url string) (*Response, error) {
	return t.GetAccept(ctx, url, "")
}

// GetAccept issues a GET request with an explicit Accept header.
func (t *Transport) GetAccept(ctx context.Context, url string, accept string) (*Response, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	return t.do(ctx, req)
}

// PostJWS issues a POST request with an application/jose+json body, the
// shape every authenticated ACME request takes. An optional accept sets the
// Accept header, used for POST-as-GET certificate downloads.
func (t *Transport) PostJWS(ctx context.Context, url string, body []byte, accept string) (*Response, error) {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentTypeJOSE)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	return t.do(ctx, req)
}
