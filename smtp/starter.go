package smtp

import (
	"context"
	"crypto/tls"
	"strings"

	"github.com/sendkit/dkimsmtp/mailerr"
	"github.com/sendkit/dkimsmtp/metrics"
	"github.com/sendkit/dkimsmtp/mlog"
)

// StartTLSPolicy controls whether SmtpStarter upgrades the connection.
type StartTLSPolicy int

const (
	StartTLSDisabled StartTLSPolicy = iota
	StartTLSOptional
	StartTLSRequired
)

// LoginPolicy controls whether and how SmtpStarter authenticates.
type LoginPolicy int

const (
	LoginDisabled LoginPolicy = iota
	LoginNone
	LoginRequired
	LoginXOAuth2
)

// StarterConfig carries the handshake parameters a SmtpStarter needs, a
// pared-down view of MailConfig (mailclient.Config) so this package does not
// depend on mailclient.
type StarterConfig struct {
	OwnHostname   string
	StartTLS      StartTLSPolicy
	TLSConfig     *tls.Config
	Login         LoginPolicy
	Username      string
	Password      string
	OAuth2Token   string
	TrustAll      bool
}

// SmtpStarter runs the post-connect handshake: greeting, EHLO/HELO,
// STARTTLS, re-EHLO, and AUTH. A sticky DefaultAuth mechanism name, once one
// succeeds, is tried first on subsequent connections sharing this starter.
type SmtpStarter struct {
	Logger      mlog.Logger
	DefaultAuth string
	// Metrics, if set, counts each AUTH mechanism attempted in AuthAttempts.
	Metrics *metrics.Collectors
}

// Start drives conn through the handshake and returns the capabilities in
// effect once the connection is Ready.
func (s *SmtpStarter) Start(ctx context.Context, conn *SmtpConnection, cfg StarterConfig) (Capabilities, error) {
	const op = "smtp.SmtpStarter.Start"
	conn.SetState(StateHandshaking)

	greeting, err := conn.ReadGreeting(ctx)
	if err != nil {
		return Capabilities{}, err
	}
	if !greeting.Positive() {
		return Capabilities{}, mailerr.New(mailerr.GreetingFailed, op, greeting.Text())
	}

	caps, err := s.ehlo(ctx, conn, cfg.OwnHostname)
	if err != nil {
		return Capabilities{}, err
	}

	if cfg.StartTLS == StartTLSRequired || (cfg.StartTLS == StartTLSOptional && caps.StartTLS) {
		if !caps.StartTLS {
			return Capabilities{}, mailerr.New(mailerr.TLSRequired, op, "server does not advertise STARTTLS")
		}
		reply, err := conn.WriteCommand(ctx, "STARTTLS", -1)
		if err != nil {
			return Capabilities{}, err
		}
		if !reply.Positive() {
			return Capabilities{}, mailerr.New(mailerr.TLSRequired, op, reply.Text())
		}
		tlsConfig := cfg.TLSConfig
		if tlsConfig == nil {
			tlsConfig = &tls.Config{ServerName: cfg.OwnHostname, InsecureSkipVerify: cfg.TrustAll}
		}
		if err := conn.UpgradeToTLS(tlsConfig); err != nil {
			return Capabilities{}, err
		}
		caps, err = s.ehlo(ctx, conn, cfg.OwnHostname)
		if err != nil {
			return Capabilities{}, err
		}
	}

	if cfg.Login != LoginDisabled && (cfg.Username != "" || cfg.Login == LoginXOAuth2) {
		if err := s.authenticate(ctx, conn, caps, cfg); err != nil {
			if cfg.Login == LoginRequired || cfg.Login == LoginXOAuth2 {
				return Capabilities{}, err
			}
		}
	}

	conn.SetState(StateReady)
	conn.SetCaps(caps)
	return caps, nil
}

func (s *SmtpStarter) ehlo(ctx context.Context, conn *SmtpConnection, ownHostname string) (Capabilities, error) {
	const op = "smtp.SmtpStarter.ehlo"
	reply, err := conn.WriteCommand(ctx, "EHLO "+ownHostname, -1)
	if err != nil {
		return Capabilities{}, err
	}
	if reply.PermanentNegative() {
		reply, err = conn.WriteCommand(ctx, "HELO "+ownHostname, -1)
		if err != nil {
			return Capabilities{}, err
		}
		if !reply.Positive() {
			return Capabilities{}, mailerr.New(mailerr.GreetingFailed, op, reply.Text())
		}
		return Capabilities{EhloGreet: reply.Text(), AuthList: map[string]bool{}}, nil
	}
	if !reply.Positive() {
		return Capabilities{}, mailerr.New(mailerr.GreetingFailed, op, reply.Text())
	}
	return ParseCapabilities(reply.Lines), nil
}

// candidateMechanisms builds this starter's supported mechanisms, sorted so
// DefaultAuth (if any and still advertised) is attempted first.
func (s *SmtpStarter) candidateMechanisms(caps Capabilities, cfg StarterConfig) []AuthMechanism {
	var all []AuthMechanism
	if cfg.Login == LoginXOAuth2 {
		all = append(all, &XOAuth2Auth{Username: cfg.Username, Token: cfg.OAuth2Token})
	} else {
		all = append(all,
			&PlainAuth{Username: cfg.Username, Password: cfg.Password},
			&LoginAuth{Username: cfg.Username, Password: cfg.Password},
			&CRAMMD5Auth{Username: cfg.Username, Password: cfg.Password},
			&DigestMD5Auth{Username: cfg.Username, Password: cfg.Password, Host: cfg.OwnHostname},
		)
	}
	var candidates []AuthMechanism
	for _, m := range all {
		if caps.SupportsAuth(m.Name()) {
			candidates = append(candidates, m)
		}
	}
	if s.DefaultAuth != "" {
		for i, m := range candidates {
			if strings.EqualFold(m.Name(), s.DefaultAuth) && i != 0 {
				candidates[0], candidates[i] = candidates[i], candidates[0]
				break
			}
		}
	}
	return candidates
}

func (s *SmtpStarter) authenticate(ctx context.Context, conn *SmtpConnection, caps Capabilities, cfg StarterConfig) error {
	const op = "smtp.SmtpStarter.authenticate"
	candidates := s.candidateMechanisms(caps, cfg)
	if len(candidates) == 0 {
		return mailerr.New(mailerr.AuthFailed, op, "no supported AUTH mechanism advertised by server")
	}
	var lastErr error
	for _, mech := range candidates {
		if err := s.tryMechanism(ctx, conn, mech); err != nil {
			lastErr = err
			continue
		}
		s.DefaultAuth = mech.Name()
		return nil
	}
	return mailerr.Wrap(mailerr.AuthFailed, op, lastErr)
}

func (s *SmtpStarter) tryMechanism(ctx context.Context, conn *SmtpConnection, mech AuthMechanism) error {
	const op = "smtp.SmtpStarter.tryMechanism"
	if s.Metrics != nil {
		s.Metrics.AuthAttempts.WithLabelValues(mech.Name()).Inc()
	}
	line := "AUTH " + mech.Name()
	maskAfter := -1
	if initial, has := mech.Start(); has {
		encoded := b64encode(initial)
		line += " " + encoded
		maskAfter = len("AUTH " + mech.Name() + " ")
	}
	reply, err := conn.WriteCommand(ctx, line, maskAfter)
	if err != nil {
		return err
	}
	for {
		switch {
		case reply.Positive():
			return nil
		case reply.Code == 334:
			challenge, err := b64decode(reply.Text())
			if err != nil {
				return mailerr.Wrap(mailerr.AuthFailed, op, err)
			}
			response, _, err := mech.Step(challenge)
			if err != nil {
				return err
			}
			reply, err = conn.WriteCommand(ctx, b64encode(response), len("")) // fully masked
			if err != nil {
				return err
			}
		default:
			return mailerr.New(mailerr.AuthFailed, op, reply.Text())
		}
	}
}
