package dkim

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/sendkit/dkimsmtp/mailerr"
)

// PublicKey is a parsed DKIM public key record, the fields of a selector's
// TXT record that a verifier needs (RFC 6376 section 3.6.1). The signing and
// send paths never look up or check a public key.
type PublicKey struct {
	// KeyType is the "k=" tag, defaulting to "rsa".
	KeyType string
	// HashAlgos is the "h=" tag split on ':', or nil if absent (any hash
	// allowed).
	HashAlgos []string
	// PublicKeyDER is the decoded "p=" tag.
	PublicKeyDER []byte
}

// KeyFetcher resolves a DKIM selector's public key record. The signing and
// send paths do not use it; CachingKeyFetcher can wrap any implementation.
type KeyFetcher interface {
	Fetch(ctx context.Context, selector, sdid string) (*PublicKey, error)
}

// DNSKeyFetcher resolves the selector's TXT record over real DNS, mirroring
// the teacher's own use of miekg/dns for resource record lookups.
type DNSKeyFetcher struct {
	// Server is the resolver to query, e.g. "8.8.8.8:53".
	Server string
	Client *dns.Client
}

// NewDNSKeyFetcher returns a fetcher that queries server with a 5 second
// timeout, matching the teacher's dnsclient default.
func NewDNSKeyFetcher(server string) *DNSKeyFetcher {
	return &DNSKeyFetcher{
		Server: server,
		Client: &dns.Client{Timeout: 5 * time.Second},
	}
}

func (f *DNSKeyFetcher) Fetch(ctx context.Context, selector, sdid string) (*PublicKey, error) {
	const op = "dkim.DNSKeyFetcher.Fetch"
	fqdn := dns.Fqdn(selector + "._domainkey." + sdid)
	msg := new(dns.Msg)
	msg.SetQuestion(fqdn, dns.TypeTXT)
	msg.RecursionDesired = true

	in, _, err := f.Client.ExchangeContext(ctx, msg, f.Server)
	if err != nil {
		return nil, mailerr.Wrap(mailerr.DkimKeyInvalid, op, err)
	}
	for _, rr := range in.Answer {
		txt, ok := rr.(*dns.TXT)
		if !ok {
			continue
		}
		return parsePublicKeyRecord(strings.Join(txt.Txt, ""))
	}
	return nil, mailerr.New(mailerr.DkimKeyInvalid, op, fmt.Sprintf("no TXT record found at %s", fqdn))
}

// parsePublicKeyRecord parses the tag=value list of a DKIM key record.
func parsePublicKeyRecord(record string) (*PublicKey, error) {
	const op = "dkim.parsePublicKeyRecord"
	pk := &PublicKey{KeyType: "rsa"}
	for _, tag := range strings.Split(record, ";") {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		kv := strings.SplitN(tag, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.TrimSpace(kv[0]) {
		case "k":
			pk.KeyType = strings.TrimSpace(kv[1])
		case "h":
			pk.HashAlgos = strings.Split(strings.TrimSpace(kv[1]), ":")
		case "p":
			der, err := base64.StdEncoding.DecodeString(strings.Map(func(r rune) rune {
				if r == ' ' || r == '\t' || r == '\r' || r == '\n' {
					return -1
				}
				return r
			}, kv[1]))
			if err != nil {
				return nil, mailerr.Wrap(mailerr.DkimKeyInvalid, op, err)
			}
			pk.PublicKeyDER = der
		}
	}
	if len(pk.PublicKeyDER) == 0 {
		return nil, mailerr.New(mailerr.DkimKeyInvalid, op, "key record has no p= tag, key may be revoked")
	}
	return pk, nil
}

// StaticKeyFetcher serves a fixed, in-memory set of keys, for tests that sign
// with a freshly generated key pair and need a matching fetcher without a
// DNS round trip.
type StaticKeyFetcher struct {
	Keys map[string]*PublicKey // keyed by "selector._domainkey.sdid"
}

func NewStaticKeyFetcher() *StaticKeyFetcher {
	return &StaticKeyFetcher{Keys: map[string]*PublicKey{}}
}

// Put registers the public key that Fetch should return for selector/sdid.
func (f *StaticKeyFetcher) Put(selector, sdid string, pk *PublicKey) {
	f.Keys[selector+"._domainkey."+sdid] = pk
}

func (f *StaticKeyFetcher) Fetch(_ context.Context, selector, sdid string) (*PublicKey, error) {
	pk, ok := f.Keys[selector+"._domainkey."+sdid]
	if !ok {
		return nil, mailerr.New(mailerr.DkimKeyInvalid, "dkim.StaticKeyFetcher.Fetch", "no key registered for "+selector+"._domainkey."+sdid)
	}
	return pk, nil
}
