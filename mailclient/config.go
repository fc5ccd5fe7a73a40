// Package mailclient assembles the smtp, dkim, and pool packages into the
// single entry point applications use to submit a message: MailClient.Send.
package mailclient

import (
	"crypto/tls"

	"github.com/go-playground/validator/v10"
	"golang.org/x/net/idna"

	"github.com/sendkit/dkimsmtp/dkim"
	"github.com/sendkit/dkimsmtp/mailerr"
	"github.com/sendkit/dkimsmtp/smtp"
)

// Config is the static, validated configuration of one MailClient: the
// destination MTA, how to authenticate to it, and the DKIM signatures to
// apply to every outgoing message. It corresponds to MailConfig in the
// component design.
type Config struct {
	MTAHost string `validate:"required"`
	MTAPort int    `validate:"required,min=1,max=65535"`
	// OwnHostname is presented in EHLO/HELO. Defaults to "localhost" if empty.
	OwnHostname string

	ImplicitTLS bool
	StartTLS    smtp.StartTLSPolicy
	TLSConfig   *tls.Config
	TrustAllTLS bool

	Login       smtp.LoginPolicy
	Username    string
	Password    string
	OAuth2Token string

	MaxPoolSize             int
	KeepAlive               bool
	KeepAliveTimeoutSeconds int64
	PoolCleanerPeriodMs     int64

	// DkimSigners, if non-empty, produces one or more DKIM-Signature headers
	// prepended to every message sent through this client.
	DkimSigners []dkim.SignOptions
}

var structValidator = validator.New()

// Validate normalizes MTAHost to its ASCII-compatible (punycode) form and
// checks the struct-tag constraints above, mirroring the normalization step
// the teacher lineage's outbound handlers apply to addresses before use.
func (c *Config) Validate() error {
	const op = "mailclient.Config.Validate"
	normalized, err := idna.Lookup.ToASCII(c.MTAHost)
	if err != nil {
		return mailerr.Wrap(mailerr.ConfigInvalid, op, err)
	}
	c.MTAHost = normalized
	if c.OwnHostname == "" {
		c.OwnHostname = "localhost"
	}
	if err := structValidator.Struct(c); err != nil {
		return mailerr.Wrap(mailerr.ConfigInvalid, op, err)
	}
	for i := range c.DkimSigners {
		if err := c.DkimSigners[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

// effectiveTLSConfig returns a usable *tls.Config for implicit-TLS dials,
// synthesizing one from TrustAllTLS when the caller supplied none.
func (c *Config) effectiveTLSConfig() *tls.Config {
	if c.TLSConfig != nil {
		return c.TLSConfig
	}
	return &tls.Config{ServerName: c.MTAHost, InsecureSkipVerify: c.TrustAllTLS}
}
