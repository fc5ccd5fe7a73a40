package smtp

import (
	"bufio"
	"strings"
	"testing"
)

func TestMultilineParser_SingleLine(t *testing.T) {
	p := NewMultilineParser(bufio.NewReader(strings.NewReader("250 OK\r\n")))
	reply, err := p.ReadReply()
	if err != nil {
		t.Fatalf("ReadReply: %v", err)
	}
	if reply.Code != 250 || !reply.Positive() {
		t.Fatalf("unexpected reply: %+v", reply)
	}
	if reply.Text() != "OK" {
		t.Fatalf("Text() = %q, want %q", reply.Text(), "OK")
	}
}

func TestMultilineParser_MultiLine(t *testing.T) {
	raw := "250-mx.example.com greets you\r\n250-PIPELINING\r\n250-SIZE 35882577\r\n250 STARTTLS\r\n"
	p := NewMultilineParser(bufio.NewReader(strings.NewReader(raw)))
	reply, err := p.ReadReply()
	if err != nil {
		t.Fatalf("ReadReply: %v", err)
	}
	if reply.Code != 250 {
		t.Fatalf("Code = %d, want 250", reply.Code)
	}
	if len(reply.Lines) != 4 {
		t.Fatalf("got %d lines, want 4: %v", len(reply.Lines), reply.Lines)
	}
	if reply.Lines[0] != "mx.example.com greets you" {
		t.Fatalf("unexpected first line: %q", reply.Lines[0])
	}
}

func TestMultilineParser_CodeMismatchMidReply(t *testing.T) {
	raw := "250-first\r\n251 second\r\n"
	p := NewMultilineParser(bufio.NewReader(strings.NewReader(raw)))
	if _, err := p.ReadReply(); err == nil {
		t.Fatal("expected an error on mismatched continuation code")
	}
}

func TestMultilineParser_MalformedSeparator(t *testing.T) {
	raw := "250*bad\r\n"
	p := NewMultilineParser(bufio.NewReader(strings.NewReader(raw)))
	if _, err := p.ReadReply(); err == nil {
		t.Fatal("expected an error on malformed separator character")
	}
}

func TestReply_StatusClasses(t *testing.T) {
	cases := []struct {
		code int
		want string
	}{
		{220, "positive"},
		{354, "intermediate"},
		{450, "transient"},
		{550, "permanent"},
	}
	for _, c := range cases {
		r := Reply{Code: c.code}
		got := ""
		switch {
		case r.Positive():
			got = "positive"
		case r.Intermediate():
			got = "intermediate"
		case r.TransientNegative():
			got = "transient"
		case r.PermanentNegative():
			got = "permanent"
		}
		if got != c.want {
			t.Errorf("code %d classified as %q, want %q", c.code, got, c.want)
		}
	}
}
