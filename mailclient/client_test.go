package mailclient

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sendkit/dkimsmtp/message"
)

// fakeMTA is a minimal SMTP server good enough to drive MailClient.Send
// end-to-end over a real TCP socket: EHLO/MAIL/RCPT/DATA/RSET/QUIT, no
// STARTTLS and no AUTH.
type fakeMTA struct {
	ln net.Listener
}

func startFakeMTA(t *testing.T) *fakeMTA {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	m := &fakeMTA{ln: ln}
	go m.acceptLoop()
	return m
}

func (m *fakeMTA) acceptLoop() {
	for {
		conn, err := m.ln.Accept()
		if err != nil {
			return
		}
		go m.serve(conn)
	}
}

func (m *fakeMTA) serve(conn net.Conn) {
	defer conn.Close()
	conn.Write([]byte("220 fakemta ESMTP\r\n"))
	r := bufio.NewReader(conn)
	inData := false
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		if inData {
			if line == "." {
				inData = false
				conn.Write([]byte("250 2.0.0 Queued\r\n"))
			}
			continue
		}
		switch {
		case strings.HasPrefix(line, "EHLO"):
			conn.Write([]byte("250-fakemta\r\n250 PIPELINING\r\n"))
		case strings.HasPrefix(line, "MAIL FROM"):
			conn.Write([]byte("250 2.1.0 OK\r\n"))
		case strings.HasPrefix(line, "RCPT TO"):
			conn.Write([]byte("250 2.1.5 OK\r\n"))
		case line == "DATA":
			inData = true
			conn.Write([]byte("354 Go ahead\r\n"))
		case line == "RSET":
			conn.Write([]byte("250 2.0.0 OK\r\n"))
		case line == "QUIT":
			conn.Write([]byte("221 2.0.0 Bye\r\n"))
			return
		default:
			conn.Write([]byte("500 5.5.1 unrecognized\r\n"))
		}
	}
}

func (m *fakeMTA) addr() (string, int) {
	tcpAddr := m.ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", tcpAddr.Port
}

func (m *fakeMTA) close() { m.ln.Close() }

func testPart(n int) message.Part {
	return message.NewLeaf(
		[]message.Header{
			{Name: "From", Value: "sender@example.com"},
			{Name: "Subject", Value: fmt.Sprintf("message %d", n)},
		},
		message.NewBytesBody([]byte(fmt.Sprintf("body of message %d\r\n", n))),
	)
}

// TestMailClient_MassSend_Scenario6 sends a batch of messages through a
// small pool concurrently. The batch size is reduced from a production-scale
// run (tens of thousands) to 24, enough to exercise pool reuse, waiter
// queueing, and connection recycling without the test taking unreasonably
// long.
func TestMailClient_MassSend_Scenario6(t *testing.T) {
	mta := startFakeMTA(t)
	defer mta.close()
	host, port := mta.addr()

	client, err := New(Config{
		MTAHost:                 host,
		MTAPort:                 port,
		OwnHostname:             "client.example.com",
		Login:                   0,
		MaxPoolSize:             3,
		KeepAlive:               true,
		KeepAliveTimeoutSeconds: 30,
	}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer client.Close(context.Background())

	const n = 24
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_, err := client.Send(ctx, SendRequest{
				From: "sender@example.com",
				To:   []string{"recipient@example.com"},
				Part: testPart(i),
			})
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("send %d failed: %v", i, err)
		}
	}
	if got := client.pool.ConnCount(); got > 3 {
		t.Fatalf("ConnCount() = %d, want at most 3 (pool bound)", got)
	}
}

func TestConfig_Validate_NormalizesHostname(t *testing.T) {
	cfg := Config{MTAHost: "müller.example", MTAPort: 25}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !strings.HasPrefix(cfg.MTAHost, "xn--") {
		t.Fatalf("expected punycode-normalized hostname, got %q", cfg.MTAHost)
	}
}

func TestConfig_Validate_MissingHost(t *testing.T) {
	cfg := Config{MTAPort: 25}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for missing MTAHost")
	}
}

func TestConfig_Validate_PortRange(t *testing.T) {
	cfg := Config{MTAHost: "mx.example.com", MTAPort: 0}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for zero MTAPort")
	}
}
