package smtp

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/sendkit/dkimsmtp/mailerr"
)

// scriptedServer reads one line at a time from its side of a net.Pipe and
// writes back the corresponding scripted reply, in order.
func scriptedServer(t *testing.T, server net.Conn, script []string) {
	t.Helper()
	go func() {
		r := bufio.NewReader(server)
		for _, reply := range script {
			if _, err := r.ReadString('\n'); err != nil {
				return
			}
			if _, err := server.Write([]byte(reply)); err != nil {
				return
			}
		}
	}()
}

func TestSmtpConnection_ReadGreeting(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	go server.Write([]byte("220 mx.example.com ESMTP ready\r\n"))

	conn := NewSmtpConnection(client)
	reply, err := conn.ReadGreeting(context.Background())
	if err != nil {
		t.Fatalf("ReadGreeting: %v", err)
	}
	if reply.Code != 220 || !reply.Positive() {
		t.Fatalf("unexpected greeting: %+v", reply)
	}
}

func TestSmtpConnection_WriteCommand(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	scriptedServer(t, server, []string{"250 OK\r\n"})

	conn := NewSmtpConnection(client)
	reply, err := conn.WriteCommand(context.Background(), "RSET", -1)
	if err != nil {
		t.Fatalf("WriteCommand: %v", err)
	}
	if reply.Code != 250 {
		t.Fatalf("Code = %d, want 250", reply.Code)
	}
}

func TestSmtpConnection_WriteCommands_Pipelined(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		r := bufio.NewReader(server)
		// Both commands arrive in one write; read two lines total
		// (MAIL, RCPT) before replying, matching PIPELINING semantics.
		for i := 0; i < 2; i++ {
			if _, err := r.ReadString('\n'); err != nil {
				return
			}
		}
		server.Write([]byte("250 2.1.0 Sender OK\r\n250 2.1.5 Recipient OK\r\n"))
	}()

	conn := NewSmtpConnection(client)
	replies, err := conn.WriteCommands(context.Background(),
		[]string{"MAIL FROM:<a@example.com>", "RCPT TO:<b@example.com>"},
		[]int{-1, -1})
	if err != nil {
		t.Fatalf("WriteCommands: %v", err)
	}
	if len(replies) != 2 || !replies[0].Positive() || !replies[1].Positive() {
		t.Fatalf("unexpected replies: %+v", replies)
	}
}

func TestSmtpConnection_CommandInFlightRejected(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	conn := NewSmtpConnection(client)
	conn.commandInFlight = true
	_, err := conn.WriteCommand(context.Background(), "NOOP", -1)
	if err == nil {
		t.Fatal("expected rejection when a command is already in flight")
	}
	if merr, ok := err.(*mailerr.Error); !ok || merr.Kind != mailerr.UnexpectedReply {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSmtpConnection_Valid_ExpirationAndQuit(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	conn := NewSmtpConnection(client)

	if !conn.Valid() {
		t.Fatal("freshly created connection with no expiration should be valid")
	}

	conn.SetExpiration(time.Now().Add(-time.Second))
	if conn.Valid() {
		t.Fatal("connection past its expiration should be invalid")
	}

	conn.SetExpiration(time.Now().Add(time.Minute))
	if !conn.Valid() {
		t.Fatal("connection before its expiration should be valid")
	}

	scriptedServer(t, server, []string{"221 2.0.0 Bye\r\n"})
	conn.Quit(context.Background())
	if conn.Valid() {
		t.Fatal("connection should be invalid once QUIT has been sent")
	}
}

func TestSmtpConnection_Shutdown_Idempotent(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	conn := NewSmtpConnection(client)
	conn.Shutdown()
	conn.Shutdown() // must not panic or double-close
	if conn.State() != StateClosed {
		t.Fatalf("State() = %v, want StateClosed", conn.State())
	}
}
