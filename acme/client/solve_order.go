package client

import (
	"context"
	"fmt"

	"github.com/cpu/acmecore/acme/resources"
)

// ChallengeSelector picks which challenge type to attempt for a given
// authorization, and the Provisioner to use for it. Returning ok=false stops
// SolveOrder, which returns an error naming that authorization; it and any
// later authorizations are left unsolved.
type ChallengeSelector func(authz resources.Authorization) (challengeType string, p Provisioner, ok bool)

// SolveOrder drives every not-yet-valid authorization on order through
// SolveChallenge, then waits for the order itself to become valid.
// Authorizations are processed sequentially, one at a time, so a failure on
// one identifier is reported deterministically against that identifier
// rather than racing with others; the Provisioner's own Provision/Cleanup
// hooks may still do concurrent work internally (e.g. a DNS provider that
// publishes several TXT records at once) without affecting this ordering.
func (c *Client) SolveOrder(ctx context.Context, account *resources.Account, order *resources.Order, selector ChallengeSelector, opts PollOptions) error {
	for _, authzURL := range order.Authorizations {
		authz := &resources.Authorization{URL: authzURL}
		if err := c.RefreshAuthorization(ctx, account, authz); err != nil {
			return fmt.Errorf("client: SolveOrder: fetching authorization %q: %w", authzURL, err)
		}
		if authz.Status == "valid" {
			continue
		}
		if authz.IsDone() {
			return &resources.AuthorizationStateError{AuthorizationURL: authzURL, Status: authz.Status}
		}

		challengeType, provisioner, ok := selector(*authz)
		if !ok {
			return fmt.Errorf("client: SolveOrder: no challenge selected for authorization %q", authzURL)
		}

		if err := c.SolveChallenge(ctx, account, authz, challengeType, provisioner, opts); err != nil {
			return err
		}
	}

	return c.WaitOrder(ctx, account, order, opts)
}
