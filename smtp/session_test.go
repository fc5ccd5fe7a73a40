package smtp

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"

	"github.com/sendkit/dkimsmtp/mailerr"
	"github.com/sendkit/dkimsmtp/message"
)

func simplePart(t *testing.T) message.Part {
	t.Helper()
	return message.NewLeaf(
		[]message.Header{{Name: "From", Value: "a@example.com"}, {Name: "Subject", Value: "hi"}},
		message.NewBytesBody([]byte("line one\r\n.\r\nline three\r\n")),
	)
}

func TestSendSession_Send_Success(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	var seen []string
	go func() {
		r := bufio.NewReader(server)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\r\n")
			seen = append(seen, line)
			switch {
			case strings.HasPrefix(line, "MAIL FROM"):
				server.Write([]byte("250 2.1.0 OK\r\n"))
			case strings.HasPrefix(line, "RCPT TO"):
				server.Write([]byte("250 2.1.5 OK\r\n"))
			case line == "DATA":
				server.Write([]byte("354 Go ahead\r\n"))
			case line == ".":
				server.Write([]byte("250 2.0.0 Queued as 12345\r\n"))
			}
		}
	}()

	conn := NewSmtpConnection(client)
	session := &SendSession{}
	result, err := session.Send(context.Background(), conn, Capabilities{}, SendRequest{
		From: "a@example.com",
		To:   []string{"b@example.com", "c@example.com"},
		Part: simplePart(t),
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(result.AcceptedRecipients) != 2 {
		t.Fatalf("AcceptedRecipients = %v", result.AcceptedRecipients)
	}
}

func TestSendSession_Send_MessageTooLarge(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	conn := NewSmtpConnection(client)
	session := &SendSession{}
	_, err := session.Send(context.Background(), conn, Capabilities{Size: 100}, SendRequest{
		From: "a@example.com",
		To:   []string{"b@example.com"},
		Part: simplePart(t),
		Size: 1000,
	})
	if err == nil {
		t.Fatal("expected MessageTooLarge error")
	}
	if merr, ok := err.(*mailerr.Error); !ok || merr.Kind != mailerr.MessageTooLarge {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSendSession_Send_AllowRcptErrors(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		r := bufio.NewReader(server)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\r\n")
			switch {
			case strings.HasPrefix(line, "MAIL FROM"):
				server.Write([]byte("250 2.1.0 OK\r\n"))
			case strings.HasPrefix(line, "RCPT TO:<bad@example.com>"):
				server.Write([]byte("550 5.1.1 No such user\r\n"))
			case strings.HasPrefix(line, "RCPT TO"):
				server.Write([]byte("250 2.1.5 OK\r\n"))
			case line == "DATA":
				server.Write([]byte("354 Go ahead\r\n"))
			case line == ".":
				server.Write([]byte("250 2.0.0 Queued\r\n"))
			}
		}
	}()

	conn := NewSmtpConnection(client)
	session := &SendSession{}
	result, err := session.Send(context.Background(), conn, Capabilities{}, SendRequest{
		From:            "a@example.com",
		To:              []string{"bad@example.com", "good@example.com"},
		AllowRcptErrors: true,
		Part:            simplePart(t),
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(result.AcceptedRecipients) != 1 || result.AcceptedRecipients[0] != "good@example.com" {
		t.Fatalf("AcceptedRecipients = %v", result.AcceptedRecipients)
	}
}

func TestSendSession_Send_AllRecipientsRejected(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		r := bufio.NewReader(server)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\r\n")
			switch {
			case strings.HasPrefix(line, "MAIL FROM"):
				server.Write([]byte("250 2.1.0 OK\r\n"))
			case strings.HasPrefix(line, "RCPT TO"):
				server.Write([]byte("550 5.1.1 No such user\r\n"))
			}
		}
	}()

	conn := NewSmtpConnection(client)
	session := &SendSession{}
	_, err := session.Send(context.Background(), conn, Capabilities{}, SendRequest{
		From:            "a@example.com",
		To:              []string{"bad@example.com"},
		AllowRcptErrors: true,
		Part:            simplePart(t),
	})
	if err == nil {
		t.Fatal("expected RecipientRejected when every recipient is rejected, even with AllowRcptErrors")
	}
}

// TestSendSession_Send_Pipelined verifies that when caps.Pipelining is set,
// MAIL FROM and every RCPT TO land on the wire as one payload before any
// reply is read, and the replies are still matched up positionally.
func TestSendSession_Send_Pipelined(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	linesBeforeFirstReply := make(chan int, 1)
	go func() {
		r := bufio.NewReader(server)
		count := 0
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			count++
			line = strings.TrimRight(line, "\r\n")
			if strings.HasPrefix(line, "RCPT TO:<c@example.com>") {
				linesBeforeFirstReply <- count
				server.Write([]byte("250 2.1.0 OK\r\n250 2.1.5 OK\r\n250 2.1.5 OK\r\n"))
			} else if line == "DATA" {
				server.Write([]byte("354 Go ahead\r\n"))
			} else if line == "." {
				server.Write([]byte("250 2.0.0 Queued\r\n"))
			}
		}
	}()

	conn := NewSmtpConnection(client)
	session := &SendSession{}
	result, err := session.Send(context.Background(), conn, Capabilities{Pipelining: true}, SendRequest{
		From: "a@example.com",
		To:   []string{"b@example.com", "c@example.com"},
		Part: simplePart(t),
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := <-linesBeforeFirstReply; got != 3 {
		t.Fatalf("server saw %d command lines before its first reply, want 3 (MAIL+2 RCPT pipelined)", got)
	}
	if len(result.AcceptedRecipients) != 2 {
		t.Fatalf("AcceptedRecipients = %v", result.AcceptedRecipients)
	}
}

func TestNewMessageID_Format(t *testing.T) {
	id := NewMessageID("example.com")
	if !strings.HasPrefix(id, "<") || !strings.HasSuffix(id, "@example.com>") {
		t.Fatalf("unexpected Message-Id format: %q", id)
	}
}
