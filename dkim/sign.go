// Package dkim computes RFC 6376 DKIM-Signature headers over an encoded
// message tree produced by the (external, out-of-scope) MIME encoder.
package dkim

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/sendkit/dkimsmtp/mailerr"
	"github.com/sendkit/dkimsmtp/message"
	"github.com/sendkit/dkimsmtp/metrics"
	"github.com/sendkit/dkimsmtp/mlog"
)

// keySigner is implemented by both a local RSA key and the KMS-backed
// signer in kmssigner.go, so Signer.Sign does not need to know which one it
// holds.
type keySigner interface {
	Sign(digest []byte, hash crypto.Hash) ([]byte, error)
}

// localRSASigner signs with an in-process RSA private key.
type localRSASigner struct {
	key *rsa.PrivateKey
}

func (s *localRSASigner) Sign(digest []byte, hash crypto.Hash) ([]byte, error) {
	return rsa.SignPKCS1v15(rand.Reader, s.key, hash, digest)
}

// Signer produces DKIM-Signature header values for one configured
// SignOptions entry. One instance exists per options entry, and its signing
// key is not safe for concurrent Sign calls, mirroring the exclusive-use
// constraint on the source's Signature object (SPEC_FULL.md section 5).
type Signer struct {
	opts   SignOptions
	signer keySigner
	// Clock supplies the current time used for t=/x=; defaults to time.Now
	// and is only overridden in tests that need deterministic signatures.
	Clock func() time.Time
	// Metrics, if set, counts each produced signature in DkimSignTotal.
	Metrics *metrics.Collectors

	logger mlog.Logger
}

// WithMetrics attaches a metrics.Collectors to the signer, following the
// same post-construction attachment style as WithKeySigner.
func (s *Signer) WithMetrics(m *metrics.Collectors) *Signer {
	s.Metrics = m
	return s
}

// NewSigner validates opts and constructs a Signer. When opts.KMSKeyID is
// set instead of PrivateKeyPkcs8, local key parsing is skipped and the
// returned Signer has no signing backend until one is attached with
// WithKeySigner; NewKMSSigner in kmssigner.go does this.
func NewSigner(opts SignOptions) (*Signer, error) {
	const op = "dkim.NewSigner"
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	s := &Signer{
		opts:  opts,
		Clock: time.Now,
		logger: mlog.Logger{
			ComponentName: "dkim.Signer",
			ComponentID:   []mlog.LoggerIDField{{Key: "sdid", Value: opts.SDID}, {Key: "selector", Value: opts.Selector}},
		},
	}
	if opts.PrivateKeyPkcs8 != nil {
		key, err := opts.privateKey()
		if err != nil {
			return nil, mailerr.Wrap(mailerr.DkimKeyInvalid, op, err)
		}
		s.signer = &localRSASigner{key: key}
	}
	// When only KMSKeyID is set, s.signer stays nil; callers must attach one
	// via WithKeySigner (kmssigner.go's NewKMSSigner does this).
	return s, nil
}

// WithKeySigner overrides the signing backend, used by NewKMSSigner to
// install a KMS-backed implementation after construction.
func (s *Signer) WithKeySigner(ks keySigner) *Signer {
	s.signer = ks
	return s
}

// Sign computes the body hash and header signature over part (the top-level
// encoded message) and returns the complete DKIM-Signature header to be
// prepended to the message's headers before transmission.
func (s *Signer) Sign(part message.Part) (message.Header, error) {
	const op = "dkim.Signer.Sign"
	if s.signer == nil {
		return message.Header{}, mailerr.New(mailerr.DkimKeyInvalid, op, "no signing key or KMS key configured")
	}
	bh, err := s.bodyHash(part)
	if err != nil {
		return message.Header{}, mailerr.Wrap(mailerr.DkimSignFailure, op, err)
	}
	now := s.Clock()
	tagsNoB := s.buildTags(bh, now, "")
	headerValueNoB := strings.Join(tagsNoB, "; ")

	signedBytes, err := s.signableBytes(part, headerValueNoB)
	if err != nil {
		return message.Header{}, mailerr.Wrap(mailerr.DkimSignFailure, op, err)
	}
	digest, err := hashBytes(s.opts.SignAlgo, signedBytes)
	if err != nil {
		return message.Header{}, mailerr.Wrap(mailerr.DkimSignFailure, op, err)
	}
	sig, err := s.signer.Sign(digest, s.opts.SignAlgo.hash())
	if err != nil {
		return message.Header{}, mailerr.Wrap(mailerr.DkimSignFailure, op, err)
	}
	b := base64.StdEncoding.EncodeToString(sig)
	tags := s.buildTags(bh, now, b)
	s.logger.Info(s.opts.SDID, nil, "produced DKIM-Signature for selector %q", s.opts.Selector)
	if s.Metrics != nil {
		s.Metrics.DkimSignTotal.WithLabelValues(s.opts.SDID).Inc()
	}
	return message.Header{Name: "DKIM-Signature", Value: strings.Join(tags, "; ")}, nil
}

// buildTags assembles the ordered tag list from section 4.9 step 2. b is the
// base64 signature value, or "" while building the to-be-signed placeholder.
func (s *Signer) buildTags(bh string, now time.Time, b string) []string {
	o := s.opts
	tags := []string{
		"v=1",
		"a=" + o.SignAlgo.tagName(),
		"c=" + o.HeaderCanonic.String() + "/" + o.BodyCanonic.String(),
		"d=" + QuotedPrintable(o.SDID),
	}
	if id := o.identity(); id != "" {
		tags = append(tags, "i="+QuotedPrintable(id))
	}
	tags = append(tags, "s="+QuotedPrintable(o.Selector))
	tags = append(tags, "h="+strings.Join(o.SignedHeaders, ":"))
	if o.BodyLimit > 0 {
		tags = append(tags, "l="+strconv.FormatInt(o.BodyLimit, 10))
	}
	unixNow := now.Unix()
	if o.SignatureStamp || o.ExpireSeconds > 0 {
		tags = append(tags, "t="+strconv.FormatInt(unixNow, 10))
	}
	if o.ExpireSeconds > 0 {
		tags = append(tags, "x="+strconv.FormatInt(unixNow+o.ExpireSeconds, 10))
	}
	if len(o.CopiedHeaders) > 0 {
		tags = append(tags, "z="+QuotedPrintableZ(strings.Join(o.CopiedHeaders, "|")))
	}
	tags = append(tags, "bh="+bh)
	tags = append(tags, "b="+b)
	return tags
}

// signableBytes concatenates the canonicalized signed headers (in h= order,
// consuming repeated header names front-to-back as they occur on the
// message) followed by the canonicalized DKIM-Signature header itself
// (headerValue with an empty b=), without a trailing CRLF.
func (s *Signer) signableBytes(part message.Part, headerValue string) ([]byte, error) {
	cursor := map[string]int{}
	var buf bytes.Buffer
	for _, name := range s.opts.SignedHeaders {
		lower := strings.ToLower(name)
		occurrences := findHeaderOccurrences(part.Headers(), lower)
		idx := cursor[lower]
		cursor[lower] = idx + 1
		if idx >= len(occurrences) {
			continue
		}
		h := occurrences[idx]
		buf.Write(CanonHeader(s.opts.HeaderCanonic, h.Name, h.Value))
		buf.WriteString("\r\n")
	}
	buf.Write(CanonHeader(s.opts.HeaderCanonic, "DKIM-Signature", headerValue))
	return buf.Bytes(), nil
}

func findHeaderOccurrences(headers []message.Header, lowerName string) []message.Header {
	var out []message.Header
	for _, h := range headers {
		if strings.ToLower(h.Name) == lowerName {
			out = append(out, h)
		}
	}
	return out
}

// bodyHash computes bh per section 4.9 step 1, treating the message body
// (everything following the top-level headers) as one opaque byte sequence
// and canonicalizing it as a whole. This departs from a literal per-leaf
// recursive re-canonicalization (see DESIGN.md's resolution of the
// multipart-hashing open question) because canonicalizing the real
// transmitted bytes, rather than a synthetic reconstruction, is what makes
// the resulting signature verifiable by an independent RFC 6376 verifier.
func (s *Signer) bodyHash(part message.Part) (string, error) {
	raw, err := rawBodyBytes(part)
	if err != nil {
		return "", err
	}
	canon := CanonBody(s.opts.BodyCanonic, raw)
	if s.opts.BodyLimit >= 0 && int64(len(canon)) > s.opts.BodyLimit {
		canon = canon[:s.opts.BodyLimit]
	}
	digest, err := hashBytes(s.opts.SignAlgo, canon)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(digest), nil
}

// rawBodyBytes returns the exact bytes that will appear on the wire after
// part's own header block and blank line, before dot-stuffing.
func rawBodyBytes(part message.Part) ([]byte, error) {
	switch p := part.(type) {
	case *message.Leaf:
		r, err := p.Body.Restart()
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	case *message.Multipart:
		var buf bytes.Buffer
		for _, child := range p.Children {
			buf.WriteString("--" + p.Boundary + "\r\n")
			if err := child.WriteTo(&buf); err != nil {
				return nil, err
			}
			buf.WriteString("\r\n")
		}
		buf.WriteString("--" + p.Boundary + "--\r\n")
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("dkim: unsupported part type %T", part)
	}
}

func hashBytes(algo SignAlgo, data []byte) ([]byte, error) {
	switch algo {
	case RSA_SHA1:
		sum := sha1.Sum(data)
		return sum[:], nil
	case RSA_SHA256:
		sum := sha256.Sum256(data)
		return sum[:], nil
	default:
		return nil, fmt.Errorf("dkim: unknown sign algorithm %v", algo)
	}
}

// SignAll runs each signer over part in configuration order and returns one
// DKIM-Signature header per signer, ready to be prepended to part's headers.
func SignAll(signers []*Signer, part message.Part) ([]message.Header, error) {
	headers := make([]message.Header, 0, len(signers))
	for _, signer := range signers {
		h, err := signer.Sign(part)
		if err != nil {
			return nil, err
		}
		headers = append(headers, h)
	}
	return headers, nil
}
