package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cpu/acmecore/acme/ratelimit"
	"github.com/cpu/acmecore/acme/resources"
)

// fakeServer mimics just enough of an RFC 8555 server to exercise the
// directory/nonce/account/order/finalize happy path, plus a badNonce
// rejection on the first newOrder attempt to exercise retry.
type fakeServer struct {
	t                *testing.T
	mux              *http.ServeMux
	srv              *httptest.Server
	nonceCount       int64
	badNonceOnce     int64
	orderFinalized   bool
	newNonceFailures int64
	newNonceAttempts int64
}

func newFakeServer(t *testing.T) *fakeServer {
	fs := &fakeServer{t: t, mux: http.NewServeMux()}
	fs.srv = httptest.NewServer(fs.mux)

	fs.mux.HandleFunc("/directory", fs.handleDirectory)
	fs.mux.HandleFunc("/new-nonce", fs.handleNewNonce)
	fs.mux.HandleFunc("/new-account", fs.handleNewAccount)
	fs.mux.HandleFunc("/new-order", fs.handleNewOrder)
	fs.mux.HandleFunc("/order/1", fs.handleOrder)
	fs.mux.HandleFunc("/finalize/1", fs.handleFinalize)
	fs.mux.HandleFunc("/cert/1", fs.handleCert)

	return fs
}

func (fs *fakeServer) setNonce(w http.ResponseWriter) {
	n := atomic.AddInt64(&fs.nonceCount, 1)
	w.Header().Set("Replay-Nonce", fmt.Sprintf("nonce-%d", n))
}

func (fs *fakeServer) handleDirectory(w http.ResponseWriter, r *http.Request) {
	_ = json.NewEncoder(w).Encode(resources.Directory{
		NewNonce:   fs.srv.URL + "/new-nonce",
		NewAccount: fs.srv.URL + "/new-account",
		NewOrder:   fs.srv.URL + "/new-order",
	})
}

func (fs *fakeServer) handleNewNonce(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt64(&fs.newNonceAttempts, 1)
	if atomic.AddInt64(&fs.newNonceFailures, -1) >= 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	fs.setNonce(w)
	w.WriteHeader(http.StatusOK)
}

func (fs *fakeServer) handleNewAccount(w http.ResponseWriter, r *http.Request) {
	fs.setNonce(w)
	w.Header().Set("Location", fs.srv.URL+"/account/1")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "valid"})
}

func (fs *fakeServer) handleNewOrder(w http.ResponseWriter, r *http.Request) {
	if atomic.CompareAndSwapInt64(&fs.badNonceOnce, 0, 1) {
		fs.setNonce(w)
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(resources.Problem{
			Type:   resources.ProblemBadNonce,
			Detail: "bad nonce, try again",
			Status: http.StatusBadRequest,
		})
		return
	}

	fs.setNonce(w)
	w.Header().Set("Location", fs.srv.URL+"/order/1")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(resources.Order{
		Status:         "pending",
		Identifiers:    []resources.Identifier{resources.DNSIdentifier("example.com")},
		Authorizations: []string{fs.srv.URL + "/authz/1"},
		Finalize:       fs.srv.URL + "/finalize/1",
	})
}

func (fs *fakeServer) handleOrder(w http.ResponseWriter, r *http.Request) {
	fs.setNonce(w)
	status := "processing"
	cert := ""
	if fs.orderFinalized {
		status = "valid"
		cert = fs.srv.URL + "/cert/1"
	}
	_ = json.NewEncoder(w).Encode(resources.Order{
		Status:      status,
		Finalize:    fs.srv.URL + "/finalize/1",
		Certificate: cert,
	})
}

func (fs *fakeServer) handleFinalize(w http.ResponseWriter, r *http.Request) {
	fs.setNonce(w)
	fs.orderFinalized = true
	_ = json.NewEncoder(w).Encode(resources.Order{
		Status:      "valid",
		Finalize:    fs.srv.URL + "/finalize/1",
		Certificate: fs.srv.URL + "/cert/1",
	})
}

func (fs *fakeServer) handleCert(w http.ResponseWriter, r *http.Request) {
	fs.setNonce(w)
	w.Header().Set("Content-Type", "application/pem-certificate-chain")
	_, _ = w.Write([]byte("-----BEGIN CERTIFICATE-----\nZmFrZQ==\n-----END CERTIFICATE-----\n"))
}

func newTestClient(t *testing.T, fs *fakeServer) *Client {
	t.Helper()
	c, err := New(context.Background(), ClientConfig{DirectoryURL: fs.srv.URL + "/directory"})
	require.NoError(t, err)
	return c
}

// newTestClientFastRetry is newTestClient with a near-zero backoff, for tests
// that deliberately induce a few retryable failures and don't want to wait
// out the production 1s/5min backoff schedule.
func newTestClientFastRetry(t *testing.T, fs *fakeServer) *Client {
	t.Helper()
	c, err := New(context.Background(), ClientConfig{
		DirectoryURL: fs.srv.URL + "/directory",
		RateLimit: ratelimit.Config{
			MinInterval: 0,
			BaseBackoff: time.Millisecond,
			MaxBackoff:  5 * time.Millisecond,
			MaxAttempts: 5,
		},
	})
	require.NoError(t, err)
	return c
}

func TestFullIssuanceHappyPath(t *testing.T) {
	fs := newFakeServer(t)
	defer fs.srv.Close()
	c := newTestClient(t, fs)
	ctx := context.Background()

	account, err := resources.NewAccount([]string{"admin@example.com"}, nil)
	require.NoError(t, err)

	require.NoError(t, c.EnsureRegistered(ctx, account))
	require.NotEmpty(t, account.ID)

	order, err := c.NewOrder(ctx, account, []resources.Identifier{resources.DNSIdentifier("example.com")})
	require.NoError(t, err)
	require.Equal(t, "pending", order.Status)

	der, _, _, err := BuildCSR("example.com", []string{"example.com"}, "", nil)
	require.NoError(t, err)

	// The fake server above never models authorization/challenge solving,
	// so mark the order ready by hand to exercise Finalize in isolation.
	order.Status = "ready"
	require.NoError(t, c.Finalize(ctx, account, order, der))
	require.NoError(t, c.WaitOrder(ctx, account, order, PollOptions{}))
	require.Equal(t, "valid", order.Status)

	certPEM, err := c.DownloadCertificate(ctx, account, order)
	require.NoError(t, err)
	require.Contains(t, string(certPEM), "BEGIN CERTIFICATE")
}

func TestNewOrderRetriesOnBadNonce(t *testing.T) {
	fs := newFakeServer(t)
	defer fs.srv.Close()
	c := newTestClient(t, fs)
	ctx := context.Background()

	account, err := resources.NewAccount(nil, nil)
	require.NoError(t, err)
	require.NoError(t, c.EnsureRegistered(ctx, account))

	order, err := c.NewOrder(ctx, account, []resources.Identifier{resources.DNSIdentifier("example.com")})
	require.NoError(t, err)
	require.Equal(t, "pending", order.Status)
	require.Equal(t, int64(1), atomic.LoadInt64(&fs.badNonceOnce))
}

func TestFinalizeRejectsOrderNotReady(t *testing.T) {
	fs := newFakeServer(t)
	defer fs.srv.Close()
	c := newTestClient(t, fs)
	ctx := context.Background()

	account, err := resources.NewAccount(nil, nil)
	require.NoError(t, err)
	require.NoError(t, c.EnsureRegistered(ctx, account))

	order, err := c.NewOrder(ctx, account, []resources.Identifier{resources.DNSIdentifier("example.com")})
	require.NoError(t, err)
	require.Equal(t, "pending", order.Status)

	der, _, _, err := BuildCSR("example.com", []string{"example.com"}, "", nil)
	require.NoError(t, err)

	err = c.Finalize(ctx, account, order, der)
	require.Error(t, err)
	var notReady *resources.OrderNotReadyError
	require.ErrorAs(t, err, &notReady)
}

// TestNonceRefillRetriesOn503 exercises spec's boundary scenario: a refill
// that returns a 503 twice then a valid nonce resolves on the third attempt,
// rather than failing every queued waiter after the first transient error.
func TestNonceRefillRetriesOn503(t *testing.T) {
	fs := newFakeServer(t)
	defer fs.srv.Close()
	fs.newNonceFailures = 2
	c := newTestClientFastRetry(t, fs)
	ctx := context.Background()

	account, err := resources.NewAccount(nil, nil)
	require.NoError(t, err)

	require.NoError(t, c.EnsureRegistered(ctx, account))
	require.NotEmpty(t, account.ID)
	assert.GreaterOrEqual(t, atomic.LoadInt64(&fs.newNonceAttempts), int64(3))
}
