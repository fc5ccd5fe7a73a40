// Package smtp drives the client side of the RFC 5321 submission dialogue:
// reply parsing, capability negotiation, SASL authentication, the connection
// state machine, and the post-connect handshake. The message tree itself and
// its DKIM signature are supplied by the message and dkim packages.
package smtp

import (
	"bufio"
	"strconv"
	"strings"

	"github.com/sendkit/dkimsmtp/mailerr"
)

// Reply is one complete SMTP server reply, which may span several lines
// joined by a hyphen continuation per RFC 5321 section 4.2.1.
type Reply struct {
	Code  int
	Lines []string
}

// Text joins the reply's lines with "\n", preserving the original per-line
// text the way downstream capability parsing expects.
func (r Reply) Text() string { return strings.Join(r.Lines, "\n") }

// Positive reports whether the reply code is 2xx.
func (r Reply) Positive() bool { return r.Code >= 200 && r.Code < 300 }

// Intermediate reports whether the reply code is 3xx.
func (r Reply) Intermediate() bool { return r.Code >= 300 && r.Code < 400 }

// TransientNegative reports whether the reply code is 4xx.
func (r Reply) TransientNegative() bool { return r.Code >= 400 && r.Code < 500 }

// PermanentNegative reports whether the reply code is 5xx.
func (r Reply) PermanentNegative() bool { return r.Code >= 500 && r.Code < 600 }

// MultilineParser accumulates lines from a connection's byte stream and
// groups consecutive lines sharing one 3-digit reply code into a single
// Reply, per RFC 5321 section 4.2.1: continuation lines use '-' as the 4th
// character, the final line of a reply uses ' '.
type MultilineParser struct {
	r *bufio.Reader
}

func NewMultilineParser(r *bufio.Reader) *MultilineParser {
	return &MultilineParser{r: r}
}

// ReadReply blocks until one complete (possibly multi-line) reply has been
// read, or returns an error from the underlying reader or on malformed
// input.
func (p *MultilineParser) ReadReply() (Reply, error) {
	const op = "smtp.MultilineParser.ReadReply"
	var reply Reply
	for {
		line, err := p.r.ReadString('\n')
		if err != nil {
			return Reply{}, err
		}
		line = strings.TrimRight(line, "\r\n")
		if len(line) < 4 {
			return Reply{}, mailerr.New(mailerr.UnexpectedReply, op, "malformed reply line: "+line)
		}
		code, err := strconv.Atoi(line[:3])
		if err != nil {
			return Reply{}, mailerr.New(mailerr.UnexpectedReply, op, "malformed reply code: "+line)
		}
		if reply.Code != 0 && code != reply.Code {
			return Reply{}, mailerr.New(mailerr.UnexpectedReply, op, "reply code changed mid-multiline: "+line)
		}
		reply.Code = code
		sep := line[3]
		reply.Lines = append(reply.Lines, strings.TrimSpace(line[4:]))
		if sep == ' ' {
			return reply, nil
		}
		if sep != '-' {
			return Reply{}, mailerr.New(mailerr.UnexpectedReply, op, "malformed reply separator: "+line)
		}
	}
}
