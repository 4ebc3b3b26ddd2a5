package resources

import "fmt"

// ProtocolError wraps a Problem document returned by the server in response
// to a request, making it usable with errors.As at call sites that need to
// branch on the specific ACME error type (e.g. retrying on ProblemBadNonce).
type ProtocolError struct {
	Problem *Problem
	// Op names the operation that failed (e.g. "newOrder", "finalize").
	Op string
}

func (e *ProtocolError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("acme: %s: %s", e.Op, e.Problem.Error())
	}
	return fmt.Sprintf("acme: %s", e.Problem.Error())
}

func (e *ProtocolError) Unwrap() error {
	return e.Problem
}

// Is reports whether target is a *ProtocolError carrying the same problem
// type, so errors.Is(err, &ProtocolError{Problem: &Problem{Type:
// ProblemBadNonce}}) matches any badNonce ProtocolError in err's chain.
func (e *ProtocolError) Is(target error) bool {
	other, ok := target.(*ProtocolError)
	if !ok {
		return false
	}
	return e.Problem.Type == other.Problem.Type
}

// NonceTimeoutError indicates a deadline (the caller's context deadline or
// the pool's own waiter timeout) expired while waiting for a nonce to become
// available. Other context cancellations are reported as CancelledError.
type NonceTimeoutError struct {
	Namespace string
}

func (e *NonceTimeoutError) Error() string {
	return fmt.Sprintf("acme: timed out waiting for nonce in namespace %q", e.Namespace)
}

// NonceNoHeaderError indicates the server responded to a newNonce request (or
// any request expected to carry one) without a Replay-Nonce header.
type NonceNoHeaderError struct {
	URL string
}

func (e *NonceNoHeaderError) Error() string {
	return fmt.Sprintf("acme: no Replay-Nonce header in response from %q", e.URL)
}

// RateLimitExceededError indicates the rate limiter gave up after its
// attempt budget was used up by retryable outcomes that carried no error of
// their own. Wait is the backoff the next attempt would have needed.
type RateLimitExceededError struct {
	Endpoint string
	Wait     string
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("acme: rate limit for %q would require waiting %s", e.Endpoint, e.Wait)
}

// OrderTimeoutError indicates WaitOrder used up its poll attempts before the
// order reached a terminal status.
type OrderTimeoutError struct {
	OrderURL string
	Status   string
}

func (e *OrderTimeoutError) Error() string {
	return fmt.Sprintf("acme: timed out waiting for order %q (last status %q)", e.OrderURL, e.Status)
}

// OrderInvalidError indicates an order reached the terminal "invalid" status.
type OrderInvalidError struct {
	OrderURL string
	Problem  *Problem
}

func (e *OrderInvalidError) Error() string {
	if e.Problem != nil {
		return fmt.Sprintf("acme: order %q is invalid: %s", e.OrderURL, e.Problem.Error())
	}
	return fmt.Sprintf("acme: order %q is invalid", e.OrderURL)
}

func (e *OrderInvalidError) Unwrap() error {
	return e.Problem
}

// OrderNotReadyError indicates Finalize was called on an order whose status
// is not "ready" (RFC 8555 §7.1.3: finalization is only valid once every
// authorization on the order is valid).
type OrderNotReadyError struct {
	OrderURL string
	Status   string
}

func (e *OrderNotReadyError) Error() string {
	return fmt.Sprintf("acme: order %q is not ready to finalize (status %q)", e.OrderURL, e.Status)
}

// AuthorizationStateError indicates an authorization ended in a status other
// than "valid" while being polled or solved: either a terminal status, or
// the last status seen when polling used up its attempts.
type AuthorizationStateError struct {
	AuthorizationURL string
	Status           string
}

func (e *AuthorizationStateError) Error() string {
	return fmt.Sprintf("acme: authorization %q stopped at status %q", e.AuthorizationURL, e.Status)
}

// ChallengeNotFoundError indicates an authorization offered no challenge of
// the requested type.
type ChallengeNotFoundError struct {
	AuthorizationURL string
	Type             string
}

func (e *ChallengeNotFoundError) Error() string {
	return fmt.Sprintf("acme: authorization %q offers no %q challenge", e.AuthorizationURL, e.Type)
}

// ChallengeInvalidError indicates a challenge reached the terminal "invalid"
// status while being polled.
type ChallengeInvalidError struct {
	ChallengeURL string
	Problem      *Problem
}

func (e *ChallengeInvalidError) Error() string {
	if e.Problem != nil {
		return fmt.Sprintf("acme: challenge %q is invalid: %s", e.ChallengeURL, e.Problem.Error())
	}
	return fmt.Sprintf("acme: challenge %q is invalid", e.ChallengeURL)
}

func (e *ChallengeInvalidError) Unwrap() error {
	return e.Problem
}

// CancelledError wraps a context cancellation encountered at one of the
// library's suspension points, naming which operation was interrupted.
type CancelledError struct {
	Op  string
	Err error
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("acme: %s cancelled: %s", e.Op, e.Err)
}

func (e *CancelledError) Unwrap() error {
	return e.Err
}
