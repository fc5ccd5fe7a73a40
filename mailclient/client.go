package mailclient

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/sendkit/dkimsmtp/dkim"
	"github.com/sendkit/dkimsmtp/mailerr"
	"github.com/sendkit/dkimsmtp/message"
	"github.com/sendkit/dkimsmtp/metrics"
	"github.com/sendkit/dkimsmtp/mlog"
	"github.com/sendkit/dkimsmtp/pool"
	"github.com/sendkit/dkimsmtp/smtp"
)

// MaxSendRetries bounds how many send attempts Send makes before giving up
// on transient failures, the same cap the teacher lineage applies to its
// own outbound retry loop.
const MaxSendRetries = 12

// RSETMaxRetry bounds how many times acquireReady re-acquires a connection
// after a reused connection's RSET fails, before surfacing ResetFailed.
const RSETMaxRetry = 5

// MailClient is the single façade applications use to submit a DKIM-signed
// message over SMTP: validate config, acquire a pooled connection, handshake
// and authenticate if the connection is fresh, sign, and send.
type MailClient struct {
	cfg     Config
	pool    *pool.ConnectionPool
	signers []*dkim.Signer
	starter *smtp.SmtpStarter
	metrics *metrics.Collectors
	recent  *recentFailures

	Logger mlog.Logger
}

// RecentFailures returns the error text of the last few failed send
// attempts, oldest first, for operator diagnostics.
func (c *MailClient) RecentFailures() []string { return c.recent.Recent() }

// New validates cfg, constructs every configured DKIM signer, and arms a
// dedicated connection pool for cfg.MTAHost:MTAPort.
func New(cfg Config, collectors *metrics.Collectors) (*MailClient, error) {
	const op = "mailclient.New"
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var signers []*dkim.Signer
	for _, opts := range cfg.DkimSigners {
		newSigner := dkim.NewSigner
		if opts.PrivateKeyPkcs8 == nil && opts.KMSKeyID != "" {
			newSigner = dkim.NewKMSSigner
		}
		s, err := newSigner(opts)
		if err != nil {
			return nil, mailerr.Wrap(mailerr.DkimKeyInvalid, op, err)
		}
		signers = append(signers, s.WithMetrics(collectors))
	}

	poolCfg := pool.Config{
		Host:                    cfg.MTAHost,
		Port:                    cfg.MTAPort,
		MaxPoolSize:             cfg.MaxPoolSize,
		KeepAlive:               cfg.KeepAlive,
		KeepAliveTimeoutSeconds: cfg.KeepAliveTimeoutSeconds,
		PoolCleanerPeriodMs:     cfg.PoolCleanerPeriodMs,
		Metrics:                 collectors,
	}
	if cfg.ImplicitTLS {
		poolCfg.Dial = pool.TLSDialer(cfg.MTAHost, cfg.MTAPort, cfg.effectiveTLSConfig())
	}

	return &MailClient{
		cfg:     cfg,
		pool:    pool.New(poolCfg),
		signers: signers,
		starter: &smtp.SmtpStarter{Logger: mlog.Logger{ComponentName: "smtp.SmtpStarter", ComponentID: []mlog.LoggerIDField{{Key: "mta", Value: cfg.MTAHost}}}, Metrics: collectors},
		metrics: collectors,
		recent:  newRecentFailures(16),
		Logger:  mlog.Logger{ComponentName: "mailclient.MailClient", ComponentID: []mlog.LoggerIDField{{Key: "mta", Value: cfg.MTAHost}}},
	}, nil
}

// SendRequest is the caller-facing counterpart of smtp.SendRequest: a part
// tree plus envelope, not yet associated with any connection.
type SendRequest struct {
	BounceAddress   string
	From            string
	To, Cc, Bcc     []string
	AllowRcptErrors bool
	Part            message.Part
}

// Send signs req.Part with every configured DKIM signer, then delivers it
// over a pooled connection, retrying transient failures with the same
// exponentially growing backoff the teacher lineage uses for outbound mail,
// capped at MaxSendRetries attempts.
func (c *MailClient) Send(ctx context.Context, req SendRequest) (smtp.SendResult, error) {
	const op = "mailclient.MailClient.Send"
	start := time.Now()
	defer func() {
		if c.metrics != nil {
			c.metrics.SendDuration.WithLabelValues(c.poolLabel()).Observe(time.Since(start).Seconds())
		}
	}()

	if len(c.signers) > 0 {
		signedHeaders, err := dkim.SignAll(c.signers, req.Part)
		if err != nil {
			c.recordFailure(mailerr.DkimSignFailure)
			return smtp.SendResult{}, mailerr.Wrap(mailerr.DkimSignFailure, op, err)
		}
		req.Part = prependHeaders(req.Part, signedHeaders)
	}

	sleep := time.Duration(1+rand.Intn(3)) * time.Second
	var lastErr error
	for attempt := 0; attempt < MaxSendRetries; attempt++ {
		result, err := c.sendOnce(ctx, req)
		if err == nil {
			if c.metrics != nil {
				c.metrics.SendsTotal.WithLabelValues(c.poolLabel()).Inc()
			}
			return result, nil
		}
		lastErr = err
		c.recordFailure(mailerr.KindOf(err))
		c.recent.record(err.Error())
		if !isRetryable(err) {
			return smtp.SendResult{}, err
		}
		c.Logger.Warning(req.From, err, "send attempt %d failed, retrying in %s", attempt, sleep)
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return smtp.SendResult{}, mailerr.Wrap(mailerr.ConnectFailed, op, ctx.Err())
		}
		sleep *= 2
	}
	return smtp.SendResult{}, mailerr.Wrap(mailerr.ConnectFailed, op, lastErr)
}

func (c *MailClient) sendOnce(ctx context.Context, req SendRequest) (smtp.SendResult, error) {
	const op = "mailclient.MailClient.sendOnce"
	conn, caps, err := c.acquireReady(ctx)
	if err != nil {
		return smtp.SendResult{}, err
	}

	session := &smtp.SendSession{Logger: c.Logger}
	result, err := session.Send(ctx, conn, caps, smtp.SendRequest{
		BounceAddress:   req.BounceAddress,
		From:            req.From,
		To:              req.To,
		Cc:              req.Cc,
		Bcc:             req.Bcc,
		AllowRcptErrors: req.AllowRcptErrors,
		Part:            req.Part,
		MessageIDDomain: c.cfg.OwnHostname,
	})
	if err != nil {
		c.pool.Evict(conn)
		if mailerr.KindOf(err) == "" {
			err = mailerr.Wrap(mailerr.UnexpectedReply, op, err)
		}
		return smtp.SendResult{}, err
	}

	c.pool.Recycle(conn)
	return result, nil
}

// acquireReady acquires a connection and ensures it is ready for a new
// transaction: a freshly dialed connection runs the SmtpStarter handshake,
// while a connection reused from the pool is reset with RSET. If RSET fails
// on a reused connection, that connection is QUIT-closed and acquireReady
// retries against another pool connection up to RSETMaxRetry times before
// surfacing ResetFailed, per the pool's documented reuse contract.
func (c *MailClient) acquireReady(ctx context.Context) (*smtp.SmtpConnection, smtp.Capabilities, error) {
	const op = "mailclient.MailClient.acquireReady"
	var lastErr error
	for attempt := 0; attempt <= RSETMaxRetry; attempt++ {
		conn, err := c.pool.Acquire(ctx)
		if err != nil {
			return nil, smtp.Capabilities{}, err
		}
		if conn.State() != smtp.StateReady {
			caps, err := c.starter.Start(ctx, conn, smtp.StarterConfig{
				OwnHostname: c.cfg.OwnHostname,
				StartTLS:    c.cfg.StartTLS,
				TLSConfig:   c.cfg.TLSConfig,
				Login:       c.cfg.Login,
				Username:    c.cfg.Username,
				Password:    c.cfg.Password,
				OAuth2Token: c.cfg.OAuth2Token,
				TrustAll:    c.cfg.TrustAllTLS,
			})
			if err != nil {
				c.pool.Evict(conn)
				return nil, smtp.Capabilities{}, err
			}
			return conn, caps, nil
		}
		reply, rsetErr := conn.WriteCommand(ctx, "RSET", -1)
		if rsetErr == nil && !reply.Positive() {
			rsetErr = mailerr.New(mailerr.UnexpectedReply, op, "RSET rejected: "+reply.Text())
		}
		if rsetErr != nil {
			conn.Quit(ctx)
			c.pool.Evict(conn)
			lastErr = rsetErr
			c.Logger.Warning(nil, rsetErr, "RSET failed on reused connection, retrying with another (attempt %d/%d)", attempt+1, RSETMaxRetry+1)
			continue
		}
		return conn, conn.Caps(), nil
	}
	return nil, smtp.Capabilities{}, mailerr.Wrap(mailerr.ResetFailed, op, lastErr)
}

// SelfTest dials the configured MTA and runs the handshake without sending
// anything, mirroring the teacher lineage's connection smoke test.
func (c *MailClient) SelfTest(ctx context.Context) error {
	const op = "mailclient.MailClient.SelfTest"
	conn, _, err := c.acquireReady(ctx)
	if err != nil {
		return mailerr.Wrap(mailerr.ConnectFailed, op, err)
	}
	conn.Quit(ctx)
	c.pool.Evict(conn)
	return nil
}

// Close shuts down the client's connection pool.
func (c *MailClient) Close(ctx context.Context) { c.pool.Close(ctx) }

func (c *MailClient) poolLabel() string {
	return fmt.Sprintf("%s:%d", c.cfg.MTAHost, c.cfg.MTAPort)
}

func (c *MailClient) recordFailure(kind mailerr.Kind) {
	if c.metrics == nil {
		return
	}
	c.metrics.SendFailures.WithLabelValues(c.poolLabel(), string(kind)).Inc()
}

// isRetryable reports whether err represents a transient condition worth
// retrying (connection/greeting/auth/pool failures) rather than a permanent
// rejection of the message itself (bad sender, bad recipient, oversized body).
func isRetryable(err error) bool {
	switch mailerr.KindOf(err) {
	case mailerr.SenderRejected, mailerr.RecipientRejected, mailerr.MessageTooLarge, mailerr.DataRejected, mailerr.ConfigInvalid, mailerr.DkimSignFailure, mailerr.DkimKeyInvalid:
		return false
	default:
		return true
	}
}

// prependHeaders returns a part identical to original but with extra headers
// (the freshly produced DKIM-Signature headers, outermost signature last, so
// it ends up closest to the rest of the header block per RFC 6376 section
// 5.3) inserted at the front of its header list.
func prependHeaders(original message.Part, extra []message.Header) message.Part {
	combined := make([]message.Header, 0, len(extra)+len(original.Headers()))
	combined = append(combined, extra...)
	combined = append(combined, original.Headers()...)
	return message.WithHeaders(original, combined)
}
