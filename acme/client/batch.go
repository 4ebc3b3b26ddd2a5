package client

import (
	"context"

	"golang.org/x/sync/semaphore"

	"github.com/cpu/acmecore/acme/resources"
)

// OrderRequest is one set of identifiers to submit as an order in NewOrders.
type OrderRequest struct {
	// Label identifies this request in the returned OrderResult slice; it
	// carries no protocol meaning.
	Label       string
	Identifiers []resources.Identifier
}

// OrderResult pairs an OrderRequest's Label with its outcome.
type OrderResult struct {
	Label string
	Order *resources.Order
	Err   error
}

// NewOrders submits many orders for the same account concurrently, bounded by
// maxConcurrent simultaneous newOrder calls. Every request still funnels
// through the same nonce pool and rate limiter, so this fans out request
// construction and I/O wait, not unbounded load on the server — concurrent
// requests that land while a nonce refill or 429 backoff is already in
// flight coalesce onto it rather than each triggering their own.
//
// Results preserve the input order regardless of completion order. A single
// request's failure does not cancel the others; each OrderResult reports its
// own error independently.
func (c *Client) NewOrders(ctx context.Context, account *resources.Account, requests []OrderRequest, maxConcurrent int) []OrderResult {
	if maxConcurrent <= 0 {
		maxConcurrent = 8
	}

	results := make([]OrderResult, len(requests))
	sem := semaphore.NewWeighted(int64(maxConcurrent))
	done := make(chan struct{})
	remaining := len(requests)
	if remaining == 0 {
		return results
	}

	for i, req := range requests {
		i, req := i, req
		go func() {
			if err := sem.Acquire(ctx, 1); err != nil {
				results[i] = OrderResult{Label: req.Label, Err: err}
				done <- struct{}{}
				return
			}
			defer sem.Release(1)

			order, err := c.NewOrder(ctx, account, req.Identifiers)
			results[i] = OrderResult{Label: req.Label, Order: order, Err: err}
			done <- struct{}{}
		}()
	}

	for ; remaining > 0; remaining-- {
		<-done
	}
	return results
}
