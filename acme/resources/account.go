package resources

import (
	"crypto"
	"fmt"
	"sync"

	"github.com/go-jose/go-jose/v4"

	"github.com/cpu/acmecore/acme/keys"
)

// EABConfig carries the External Account Binding credentials a CA issues
// out-of-band (RFC 8555 §7.3.4): a key identifier and the shared HMAC key
// used to sign the inner JWS that proves control of that identifier.
type EABConfig struct {
	KeyID  string
	MACKey []byte
}

// Account holds an ACME account's local state: its keypair, contact
// addresses, and the server-assigned identity (kid) once registered. The zero
// value is an unregistered account; Client.EnsureRegistered populates ID.
//
// Account is safe for concurrent use: registration is guarded by a mutex so
// concurrent callers racing to register the same in-memory Account only
// perform the newAccount request once.
type Account struct {
	// ID is the server-assigned account URL used as the JWS "kid" once
	// registered. Empty until EnsureRegistered succeeds.
	ID string
	// Contact is zero or more "mailto:" addresses to register as the
	// account's contact information.
	Contact []string
	// Signer is the account keypair. Its public half is sent to the server
	// at registration; all requests on behalf of this account are signed
	// with it thereafter.
	Signer crypto.Signer
	// SigAlg is the JWS algorithm derived from Signer at construction time
	// and cached for reuse on every signed request.
	SigAlg jose.SignatureAlgorithm
	// EAB carries External Account Binding credentials, required by CAs
	// that mandate pre-authorization (e.g. most commercial CAs). Nil if the
	// target CA does not require it.
	EAB *EABConfig
	// Orders is zero or more order URLs this account has created.
	Orders []string
	// Status mirrors the server's last reported account status ("valid",
	// "deactivated", "revoked").
	Status string

	mu sync.Mutex
}

// String returns the Account's ID, or "" if unregistered.
func (a *Account) String() string {
	return a.ID
}

// Registered reports whether the account has a server-assigned ID.
func (a *Account) Registered() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ID != ""
}

// Lock/Unlock expose the account's mutex so a Client can guard the full
// "check ID, else register, then set ID" sequence atomically without
// a second lock living in resources.
func (a *Account) Lock()   { a.mu.Lock() }
func (a *Account) Unlock() { a.mu.Unlock() }

// NewAccount creates an in-memory Account. It is not registered with any
// server until a Client's EnsureRegistered call succeeds. A nil signer
// generates a fresh EC P-256 key.
func NewAccount(emails []string, signer crypto.Signer) (*Account, error) {
	var contacts []string
	for _, e := range emails {
		if e == "" {
			continue
		}
		contacts = append(contacts, fmt.Sprintf("mailto:%s", e))
	}

	if signer == nil {
		generated, err := keys.NewSigner(keys.EC256)
		if err != nil {
			return nil, err
		}
		signer = generated
	}

	alg, err := keys.SigAlgForSigner(signer)
	if err != nil {
		return nil, err
	}

	return &Account{
		Contact: contacts,
		Signer:  signer,
		SigAlg:  alg,
	}, nil
}
