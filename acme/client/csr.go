package client

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"fmt"

	"github.com/cpu/acmecore/acme/keys"
)

// PEMCSR is the PEM encoding of an x509 CertificateRequest.
type PEMCSR string

// B64CSR is the base64url (unpadded) encoding of a DER CertificateRequest, the
// form RFC 8555 §7.4 expects in the finalize request body.
type B64CSR string

// BuildCSR constructs and self-signs a CertificateRequest for the given
// commonName and subject alternative names, generating a fresh signer of alg
// if none is provided. The first name is used as the common name when
// commonName is empty, matching how most CAs expect single-domain requests
// to be shaped.
//
// The returned signer is the CSR's private key; callers must hold onto it if
// the certificate will be used for anything (it's not recoverable from the
// CSR or certificate alone).
func BuildCSR(commonName string, names []string, alg keys.Algorithm, signer crypto.Signer) (der []byte, pemBytes PEMCSR, usedSigner crypto.Signer, err error) {
	if len(names) == 0 {
		return nil, "", nil, fmt.Errorf("client: BuildCSR: no names specified")
	}
	if commonName == "" {
		commonName = names[0]
	}

	if signer == nil {
		signer, err = keys.NewSigner(alg)
		if err != nil {
			return nil, "", nil, fmt.Errorf("client: BuildCSR: generating key: %w", err)
		}
	}

	template := x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: commonName},
		DNSNames: names,
	}

	der, err = x509.CreateCertificateRequest(rand.Reader, &template, signer)
	if err != nil {
		return nil, "", nil, fmt.Errorf("client: BuildCSR: %w", err)
	}

	encoded := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der})
	return der, PEMCSR(encoded), signer, nil
}

// B64FromDER base64url-encodes der for logging/inspection; Finalize itself
// encodes the CSR bytes it's given, so this is a convenience for callers
// that want the encoded form too.
func B64FromDER(der []byte) B64CSR {
	return B64CSR(base64.RawURLEncoding.EncodeToString(der))
}
