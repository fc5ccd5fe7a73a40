package smtp

import "testing"

func TestParseCapabilities(t *testing.T) {
	lines := []string{
		"mx.example.com at your service",
		"PIPELINING",
		"SIZE 35882577",
		"STARTTLS",
		"AUTH PLAIN LOGIN CRAM-MD5",
	}
	caps := ParseCapabilities(lines)
	if caps.EhloGreet != "mx.example.com at your service" {
		t.Fatalf("EhloGreet = %q", caps.EhloGreet)
	}
	if !caps.Pipelining {
		t.Fatal("expected Pipelining true")
	}
	if caps.Size != 35882577 {
		t.Fatalf("Size = %d, want 35882577", caps.Size)
	}
	if !caps.StartTLS {
		t.Fatal("expected StartTLS true")
	}
	for _, m := range []string{"PLAIN", "LOGIN", "CRAM-MD5"} {
		if !caps.SupportsAuth(m) {
			t.Errorf("expected AUTH %s to be supported", m)
		}
	}
	if caps.SupportsAuth("DIGEST-MD5") {
		t.Fatal("DIGEST-MD5 was not advertised")
	}
	if !caps.SupportsAuth("plain") {
		t.Fatal("SupportsAuth should be case-insensitive")
	}
}

func TestParseCapabilities_NoExtensions(t *testing.T) {
	caps := ParseCapabilities([]string{"mx.example.com"})
	if caps.StartTLS || caps.Pipelining || caps.Size != 0 {
		t.Fatalf("unexpected capability set on bare EHLO reply: %+v", caps)
	}
	if len(caps.AuthList) != 0 {
		t.Fatalf("unexpected AuthList: %v", caps.AuthList)
	}
}
