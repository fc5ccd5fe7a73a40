package smtp

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sendkit/dkimsmtp/mailerr"
	"github.com/sendkit/dkimsmtp/mlog"
)

// State is one of the lifecycle states a SmtpConnection passes through.
type State int

const (
	StateFresh State = iota
	StateHandshaking
	StateReady
	StateInUse
	StateQuitSent
	StateClosed
)

// SmtpConnection wraps one TCP or TLS socket and serializes command/reply
// exchanges over it. Reads happen synchronously within WriteCommand(s),
// rather than on a free-running background goroutine: SMTP is strictly
// request-response (the only unsolicited text is the greeting, read the same
// way), and a dedicated reader goroutine would race STARTTLS's handshake for
// ownership of the underlying socket once a command's reply has already been
// delivered. mu still guards the "at most one command in flight" invariant
// and the lifecycle/expiration fields, since a connection's pool bookkeeping
// may be touched from a different goroutine than the one driving the send.
type SmtpConnection struct {
	conn   net.Conn
	reader *bufio.Reader
	parser *MultilineParser

	mu                  sync.Mutex
	state               State
	commandInFlight     bool
	expirationTimestamp time.Time
	quitSent            bool
	socketClosed        bool
	caps                Capabilities

	Logger mlog.Logger
}

// NewSmtpConnection wraps an already-dialed net.Conn.
func NewSmtpConnection(conn net.Conn) *SmtpConnection {
	c := &SmtpConnection{
		conn:   conn,
		reader: bufio.NewReader(conn),
		state:  StateFresh,
		Logger: mlog.Logger{ComponentName: "smtp.SmtpConnection"},
	}
	c.parser = NewMultilineParser(c.reader)
	return c
}

// ReadGreeting reads the connection's first, unsolicited reply.
func (c *SmtpConnection) ReadGreeting(ctx context.Context) (Reply, error) {
	const op = "smtp.SmtpConnection.ReadGreeting"
	c.applyDeadline(ctx)
	reply, err := c.parser.ReadReply()
	if err != nil {
		return Reply{}, mailerr.Wrap(mailerr.GreetingFailed, op, err)
	}
	return reply, nil
}

// WriteCommand writes line+CRLF and blocks until the single expected reply
// arrives. maskAfter, if >= 0, redacts characters at or beyond that index
// when the line is logged (used to keep SASL secrets out of logs).
func (c *SmtpConnection) WriteCommand(ctx context.Context, line string, maskAfter int) (Reply, error) {
	replies, err := c.WriteCommands(ctx, []string{line}, []int{maskAfter})
	if err != nil {
		return Reply{}, err
	}
	return replies[0], nil
}

// WriteCommands writes lines joined by CRLF in one payload (the PIPELINING
// path) and reads len(lines) replies, matched positionally by read order.
func (c *SmtpConnection) WriteCommands(ctx context.Context, lines []string, maskAfter []int) ([]Reply, error) {
	const op = "smtp.SmtpConnection.WriteCommands"
	if err := c.beginCommand(op); err != nil {
		return nil, err
	}
	defer c.endCommand()

	c.applyDeadline(ctx)
	var payload string
	for i, line := range lines {
		logLine := line
		if i < len(maskAfter) && maskAfter[i] >= 0 {
			logLine = mlog.MaskAfter(line, maskAfter[i])
		}
		c.Logger.Info(nil, nil, "> %s", logLine)
		payload += line + "\r\n"
	}
	if _, err := c.conn.Write([]byte(payload)); err != nil {
		return nil, mailerr.Wrap(mailerr.BodyWriteFailed, op, err)
	}

	replies := make([]Reply, 0, len(lines))
	for len(replies) < len(lines) {
		reply, err := c.parser.ReadReply()
		if err != nil {
			return nil, mailerr.Wrap(mailerr.UnexpectedReply, op, err)
		}
		replies = append(replies, reply)
	}
	return replies, nil
}

func (c *SmtpConnection) beginCommand(op string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.commandInFlight {
		return mailerr.New(mailerr.UnexpectedReply, op, "a command is already in flight on this connection")
	}
	c.commandInFlight = true
	return nil
}

func (c *SmtpConnection) endCommand() {
	c.mu.Lock()
	c.commandInFlight = false
	c.mu.Unlock()
}

// applyDeadline propagates ctx's deadline, if any, to the socket.
func (c *SmtpConnection) applyDeadline(ctx context.Context) {
	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(dl)
	} else {
		_ = c.conn.SetDeadline(time.Time{})
	}
}

// Writer exposes the raw connection for streaming the DATA body, which is
// written outside the command/reply framing above (no reply is expected
// until the terminating dot line).
func (c *SmtpConnection) Writer() net.Conn { return c.conn }

// UpgradeToTLS performs an in-place STARTTLS upgrade: the caller must have
// already received the 220 reply to STARTTLS before calling this. It is safe
// precisely because no read is outstanding once that reply has been
// returned to the caller (see the package doc on SmtpConnection).
func (c *SmtpConnection) UpgradeToTLS(cfg *tls.Config) error {
	const op = "smtp.SmtpConnection.UpgradeToTLS"
	tlsConn := tls.Client(c.conn, cfg)
	if err := tlsConn.Handshake(); err != nil {
		return mailerr.Wrap(mailerr.TLSRequired, op, err)
	}
	c.conn = tlsConn
	c.reader = bufio.NewReader(tlsConn)
	c.parser = NewMultilineParser(c.reader)
	return nil
}

// Valid reports whether the connection may still be handed out by the pool:
// it has not sent QUIT, and has not outlived its keep-alive deadline.
func (c *SmtpConnection) Valid() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.quitSent {
		return false
	}
	return c.expirationTimestamp.IsZero() || time.Now().Before(c.expirationTimestamp)
}

// SetExpiration refreshes the connection's keep-alive deadline.
func (c *SmtpConnection) SetExpiration(t time.Time) {
	c.mu.Lock()
	c.expirationTimestamp = t
	c.mu.Unlock()
}

// SetState transitions the connection's lifecycle state.
func (c *SmtpConnection) SetState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *SmtpConnection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetCaps stashes the capabilities observed during the last handshake on this
// connection, so a caller reusing a Ready connection after RSET does not have
// to re-EHLO to know whether PIPELINING or a SIZE limit applies.
func (c *SmtpConnection) SetCaps(caps Capabilities) {
	c.mu.Lock()
	c.caps = caps
	c.mu.Unlock()
}

// Caps returns the capabilities stashed by the last SetCaps call.
func (c *SmtpConnection) Caps() Capabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.caps
}

// Quit writes QUIT and marks the connection as quit-sent, regardless of
// whether the peer ever replies.
func (c *SmtpConnection) Quit(ctx context.Context) {
	c.mu.Lock()
	if c.quitSent {
		c.mu.Unlock()
		return
	}
	c.quitSent = true
	c.state = StateQuitSent
	c.mu.Unlock()
	_, _ = c.WriteCommand(ctx, "QUIT", -1)
	c.Shutdown()
}

// Shutdown hard-closes the socket. It is idempotent.
func (c *SmtpConnection) Shutdown() {
	c.mu.Lock()
	if c.socketClosed {
		c.mu.Unlock()
		return
	}
	c.socketClosed = true
	c.state = StateClosed
	c.mu.Unlock()
	_ = c.conn.Close()
}

func (c *SmtpConnection) String() string {
	return fmt.Sprintf("SmtpConnection{%s}", c.conn.RemoteAddr())
}
