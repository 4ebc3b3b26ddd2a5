package resources

import (
	"bytes"
)

// ProblemType identifies one of the RFC 8555 §6.7 standard error types.
type ProblemType string

const (
	ProblemAccountDoesNotExist     ProblemType = "urn:ietf:params:acme:error:accountDoesNotExist"
	ProblemAlreadyRevoked          ProblemType = "urn:ietf:params:acme:error:alreadyRevoked"
	ProblemBadCSR                  ProblemType = "urn:ietf:params:acme:error:badCSR"
	ProblemBadNonce                ProblemType = "urn:ietf:params:acme:error:badNonce"
	ProblemBadPublicKey            ProblemType = "urn:ietf:params:acme:error:badPublicKey"
	ProblemBadRevocationReason     ProblemType = "urn:ietf:params:acme:error:badRevocationReason"
	ProblemBadSignatureAlgorithm   ProblemType = "urn:ietf:params:acme:error:badSignatureAlgorithm"
	ProblemCAA                     ProblemType = "urn:ietf:params:acme:error:caa"
	ProblemCompound                ProblemType = "urn:ietf:params:acme:error:compound"
	ProblemConnection              ProblemType = "urn:ietf:params:acme:error:connection"
	ProblemDNS                     ProblemType = "urn:ietf:params:acme:error:dns"
	ProblemExternalAccountRequired ProblemType = "urn:ietf:params:acme:error:externalAccountRequired"
	ProblemIncorrectResponse       ProblemType = "urn:ietf:params:acme:error:incorrectResponse"
	ProblemInvalidContact          ProblemType = "urn:ietf:params:acme:error:invalidContact"
	ProblemMalformed               ProblemType = "urn:ietf:params:acme:error:malformed"
	ProblemOrderNotReady           ProblemType = "urn:ietf:params:acme:error:orderNotReady"
	ProblemRateLimited             ProblemType = "urn:ietf:params:acme:error:rateLimited"
	ProblemRejectedIdentifier      ProblemType = "urn:ietf:params:acme:error:rejectedIdentifier"
	ProblemServerInternal          ProblemType = "urn:ietf:params:acme:error:serverInternal"
	ProblemTLS                     ProblemType = "urn:ietf:params:acme:error:tls"
	ProblemUnauthorized            ProblemType = "urn:ietf:params:acme:error:unauthorized"
	ProblemUnsupportedContact      ProblemType = "urn:ietf:params:acme:error:unsupportedContact"
	ProblemUnsupportedIdentifier   ProblemType = "urn:ietf:params:acme:error:unsupportedIdentifier"
	ProblemUserActionRequired      ProblemType = "urn:ietf:params:acme:error:userActionRequired"
)

// Problem is an RFC 7807 problem document as extended by RFC 8555 §6.7,
// §6.7.1 (subproblems) and §7.1.3 (CSR/identifier-scoped details).
type Problem struct {
	Type        ProblemType  `json:"type,omitempty"`
	Title       string       `json:"title,omitempty"`
	Status      int          `json:"status,omitempty"`
	Detail      string       `json:"detail,omitempty"`
	Instance    string       `json:"instance,omitempty"`
	Subproblems []Problem    `json:"subproblems,omitempty"`
	Algorithms  []string     `json:"algorithms,omitempty"`
	Identifier  *Identifier  `json:"identifier,omitempty"`
}

func (p *Problem) formatInto(buf *bytes.Buffer, indent string) {
	if p.Type != "" {
		buf.WriteString(indent)
		buf.WriteString(string(p.Type))
	}
	if p.Detail != "" {
		if p.Type != "" {
			buf.WriteString(": ")
		}
		buf.WriteString(p.Detail)
	}
	for _, sub := range p.Subproblems {
		buf.WriteByte('\n')
		sub.formatInto(buf, indent+"  ")
	}
}

// Error renders the problem (and any subproblems) as a human-readable string.
func (p *Problem) Error() string {
	var buf bytes.Buffer
	p.formatInto(&buf, "")
	return buf.String()
}

// IsRetryable reports whether a problem's type typically clears on retry
// with a fresh nonce or after a backoff, as opposed to representing
// a permanent rejection of the request.
func (p *Problem) IsRetryable() bool {
	switch p.Type {
	case ProblemBadNonce, ProblemRateLimited, ProblemConnection, ProblemServerInternal:
		return true
	default:
		return false
	}
}
