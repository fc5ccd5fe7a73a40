package dkim

import (
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/sendkit/dkimsmtp/mailerr"
)

// SignAlgo identifies the signing algorithm advertised in the a= tag.
type SignAlgo int

const (
	RSA_SHA1 SignAlgo = iota
	RSA_SHA256
)

func (a SignAlgo) tagName() string {
	if a == RSA_SHA1 {
		return "rsa-sha1"
	}
	return "rsa-sha256"
}

func (a SignAlgo) hash() crypto.Hash {
	if a == RSA_SHA1 {
		return crypto.SHA1
	}
	return crypto.SHA256
}

// forbiddenSignedHeaders may never be listed in SignOptions.SignedHeaders,
// per RFC 6376 section 5.4.
var forbiddenSignedHeaders = map[string]bool{
	"return-path":    true,
	"received":       true,
	"comments":       true,
	"keywords":       true,
	"dkim-signature": true,
}

// SignOptions configures one DKIM-Signature header to be produced by a Signer.
// It corresponds to DkimSignOptions in the component design: one instance is
// constructed (and validated) per configured signature, and a MailClient may
// carry several to emit multiple signatures on the same message.
type SignOptions struct {
	SignAlgo SignAlgo

	// PrivateKeyPkcs8 is the PKCS#8 DER encoding of the RSA signing key. Leave
	// empty and set KMSKeyID instead to sign via AWS KMS.
	PrivateKeyPkcs8 []byte
	// KMSKeyID selects an asymmetric AWS KMS key to perform signing with,
	// instead of a locally held private key. See kmssigner.go.
	KMSKeyID string

	SDID     string `validate:"required,fqdn"`
	Selector string `validate:"required"`
	// AUID, if set, must end in "@sdid" or end in ".sdid" (scenario 4).
	AUID string

	HeaderCanonic Canon
	BodyCanonic   Canon

	// SignedHeaders must include "from" and must not include any of the
	// forbidden headers above.
	SignedHeaders  []string
	CopiedHeaders  []string
	BodyLimit      int64 // -1 = no limit
	ExpireSeconds  int64 // -1 = no expiry
	SignatureStamp bool  // emit t= even without an expiry
}

var structValidator = validator.New()

// Validate checks o against the constraints in the component design (section
// 3 of SPEC_FULL.md) and returns a *mailerr.Error with Kind ConfigInvalid on
// the first violation found.
func (o *SignOptions) Validate() error {
	const op = "dkim.SignOptions.Validate"
	if o.PrivateKeyPkcs8 == nil && o.KMSKeyID == "" {
		return mailerr.New(mailerr.ConfigInvalid, op, "PubSecKeyOptions must be specified to perform sign")
	}
	if err := structValidator.Struct(o); err != nil {
		return mailerr.Wrap(mailerr.ConfigInvalid, op, err)
	}
	if err := o.validateIdentity(); err != nil {
		return err
	}
	hasFrom := false
	for _, h := range o.SignedHeaders {
		lower := strings.ToLower(h)
		if forbiddenSignedHeaders[lower] {
			return mailerr.New(mailerr.ConfigInvalid, op, fmt.Sprintf("header %q must not be signed", h))
		}
		if lower == "from" {
			hasFrom = true
		}
	}
	if !hasFrom {
		return mailerr.New(mailerr.ConfigInvalid, op, "signedHeaders must include \"from\"")
	}
	if o.PrivateKeyPkcs8 != nil {
		if _, err := o.privateKey(); err != nil {
			return mailerr.Wrap(mailerr.DkimKeyInvalid, op, err)
		}
	}
	return nil
}

// validateIdentity enforces that AUID, when present, is a sub-identity of
// SDID: either an exact "local-part@sdid" or any mailbox "@*.sdid".
func (o *SignOptions) validateIdentity() error {
	if o.AUID == "" {
		return nil
	}
	at := strings.LastIndexByte(o.AUID, '@')
	if at < 0 {
		return mailerr.New(mailerr.ConfigInvalid, "dkim.SignOptions.Validate", "Identity domain mismatch, expected is: [xx]@[xx.]sdid")
	}
	domain := o.AUID[at+1:]
	if strings.EqualFold(domain, o.SDID) || strings.HasSuffix(strings.ToLower(domain), "."+strings.ToLower(o.SDID)) {
		return nil
	}
	return mailerr.New(mailerr.ConfigInvalid, "dkim.SignOptions.Validate", "Identity domain mismatch, expected is: [xx]@[xx.]sdid")
}

// privateKey parses PrivateKeyPkcs8 into an *rsa.PrivateKey.
func (o *SignOptions) privateKey() (*rsa.PrivateKey, error) {
	key, err := x509.ParsePKCS8PrivateKey(o.PrivateKeyPkcs8)
	if err != nil {
		return nil, err
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("PKCS8 key is not an RSA private key")
	}
	return rsaKey, nil
}

// identity returns the i= tag value, or "" when AUID is unset, in which case
// no i= tag is emitted.
func (o *SignOptions) identity() string {
	if o.AUID != "" {
		return o.AUID
	}
	return ""
}
