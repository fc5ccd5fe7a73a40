package smtp

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/sendkit/dkimsmtp/mailerr"
	"github.com/sendkit/dkimsmtp/message"
	"github.com/sendkit/dkimsmtp/mlog"
)

// SendRequest describes one message submission attempt over a Ready
// connection.
type SendRequest struct {
	// BounceAddress, if set, is used as the MAIL FROM envelope sender
	// instead of From.
	BounceAddress string
	From          string
	To, Cc, Bcc   []string
	// AllowRcptErrors, when true, tolerates a 5xx on individual recipients as
	// long as at least one is accepted.
	AllowRcptErrors bool
	Part            message.Part
	Size            int64
	// MessageIDDomain is the right-hand side of a synthesized Message-Id
	// when req.Part carries none. Typically the client's own EHLO hostname.
	MessageIDDomain string
}

// SendResult carries the message-id assigned to the send and the recipients
// the server actually accepted.
type SendResult struct {
	MessageID         string
	AcceptedRecipients []string
}

// SendSession drives one message through one Ready connection: MAIL FROM →
// RCPT TO* → DATA → body → terminating dot.
type SendSession struct {
	Logger mlog.Logger
}

// Send executes req against conn, whose capabilities caps were obtained
// during the handshake (or the previous EHLO if the connection predates this
// send and is being reused after RSET).
func (s *SendSession) Send(ctx context.Context, conn *SmtpConnection, caps Capabilities, req SendRequest) (SendResult, error) {
	const op = "smtp.SendSession.Send"

	if caps.Size > 0 && req.Size > caps.Size {
		return SendResult{}, mailerr.New(mailerr.MessageTooLarge, op, fmt.Sprintf("message size %d exceeds server limit %d", req.Size, caps.Size))
	}

	sender := req.From
	if req.BounceAddress != "" {
		sender = req.BounceAddress
	}
	mailFrom := "MAIL FROM:<" + sender + ">"
	if req.Size > 0 {
		mailFrom += fmt.Sprintf(" SIZE=%d", req.Size)
	}

	var accepted []string
	var err error
	if caps.Pipelining {
		accepted, err = s.mailAndRcptPipelined(ctx, conn, mailFrom, req)
	} else {
		accepted, err = s.mailAndRcptSequential(ctx, conn, mailFrom, req)
	}
	if err != nil {
		return SendResult{}, err
	}

	dataReply, err := conn.WriteCommand(ctx, "DATA", -1)
	if err != nil {
		return SendResult{}, err
	}
	if !dataReply.Intermediate() {
		return SendResult{}, mailerr.New(mailerr.DataRejected, op, dataReply.Text())
	}

	messageID, part := ensureMessageID(req.Part, req.MessageIDDomain)
	if err := s.streamBody(conn, part); err != nil {
		return SendResult{}, mailerr.Wrap(mailerr.BodyWriteFailed, op, err)
	}

	finalReply, err := conn.WriteCommand(ctx, ".", -1)
	if err != nil {
		return SendResult{}, err
	}
	if !finalReply.Positive() {
		return SendResult{}, mailerr.New(mailerr.DataRejected, op, finalReply.Text())
	}

	return SendResult{MessageID: messageID, AcceptedRecipients: accepted}, nil
}

// mailAndRcptSequential issues MAIL FROM, then each RCPT TO, as separate
// command/reply round trips. This is the correct fallback when the server
// did not advertise PIPELINING (spec boundary: pipelining must not be used
// against a server that never offered it).
func (s *SendSession) mailAndRcptSequential(ctx context.Context, conn *SmtpConnection, mailFrom string, req SendRequest) ([]string, error) {
	const op = "smtp.SendSession.mailAndRcptSequential"
	reply, err := conn.WriteCommand(ctx, mailFrom, -1)
	if err != nil {
		return nil, err
	}
	if !reply.Positive() {
		return nil, mailerr.New(mailerr.SenderRejected, op, reply.Text())
	}
	return s.rcptAll(ctx, conn, req)
}

// mailAndRcptPipelined writes MAIL FROM and every RCPT TO in a single
// payload, then reads their replies off the wire in the same order, per RFC
// 2920. One round trip regardless of recipient count.
func (s *SendSession) mailAndRcptPipelined(ctx context.Context, conn *SmtpConnection, mailFrom string, req SendRequest) ([]string, error) {
	const op = "smtp.SendSession.mailAndRcptPipelined"
	rcpts := allRecipients(req)
	lines := make([]string, 0, len(rcpts)+1)
	lines = append(lines, mailFrom)
	for _, rcpt := range rcpts {
		lines = append(lines, "RCPT TO:<"+rcpt+">")
	}
	maskAfter := make([]int, len(lines))
	for i := range maskAfter {
		maskAfter[i] = -1
	}
	replies, err := conn.WriteCommands(ctx, lines, maskAfter)
	if err != nil {
		return nil, err
	}
	if !replies[0].Positive() {
		return nil, mailerr.New(mailerr.SenderRejected, op, replies[0].Text())
	}
	var accepted []string
	for i, rcpt := range rcpts {
		reply := replies[i+1]
		if reply.Positive() {
			accepted = append(accepted, rcpt)
			continue
		}
		if reply.PermanentNegative() && req.AllowRcptErrors {
			s.Logger.Warning(rcpt, nil, "recipient rejected, continuing: %s", reply.Text())
			continue
		}
		return nil, mailerr.New(mailerr.RecipientRejected, op, reply.Text())
	}
	if len(accepted) == 0 {
		return nil, mailerr.New(mailerr.RecipientRejected, op, "no recipient was accepted")
	}
	return accepted, nil
}

func allRecipients(req SendRequest) []string {
	return append(append(append([]string{}, req.To...), req.Cc...), req.Bcc...)
}

func (s *SendSession) rcptAll(ctx context.Context, conn *SmtpConnection, req SendRequest) ([]string, error) {
	const op = "smtp.SendSession.rcptAll"
	var accepted []string
	for _, rcpt := range allRecipients(req) {
		reply, err := conn.WriteCommand(ctx, "RCPT TO:<"+rcpt+">", -1)
		if err != nil {
			return nil, err
		}
		if reply.Positive() {
			accepted = append(accepted, rcpt)
			continue
		}
		if reply.PermanentNegative() && req.AllowRcptErrors {
			s.Logger.Warning(rcpt, nil, "recipient rejected, continuing: %s", reply.Text())
			continue
		}
		return nil, mailerr.New(mailerr.RecipientRejected, op, reply.Text())
	}
	if len(accepted) == 0 {
		return nil, mailerr.New(mailerr.RecipientRejected, op, "no recipient was accepted")
	}
	return accepted, nil
}

// streamBody writes part's headers and body directly to the connection's
// socket, dot-stuffing the whole stream (headers included, matching how
// real SMTP servers treat the DATA payload as one opaque blob of lines).
func (s *SendSession) streamBody(conn *SmtpConnection, part message.Part) error {
	stuffed := message.NewDotStuffWriter(conn.Writer())
	return part.WriteTo(stuffed)
}

// ensureMessageID returns the part's existing Message-Id header value and
// the part unchanged, or synthesizes one keyed on a random UUID and returns
// a copy of part with it prepended when absent. The source encoder this
// client treats as an external collaborator does not guarantee one is
// present.
func ensureMessageID(part message.Part, domain string) (string, message.Part) {
	for _, h := range part.Headers() {
		if strings.EqualFold(h.Name, "Message-Id") {
			return h.Value, part
		}
	}
	if domain == "" {
		domain = "localhost"
	}
	id := NewMessageID(domain)
	headers := append([]message.Header{{Name: "Message-Id", Value: id}}, part.Headers()...)
	return id, message.WithHeaders(part, headers)
}

// NewMessageID generates a Message-Id header value suitable for prepending
// to a part's headers before a send, in the "<uuid>@domain" form.
func NewMessageID(domain string) string {
	return "<" + uuid.NewString() + "@" + domain + ">"
}
