package dkim

import "strings"

// dkimQPSafe reports whether b may appear unescaped in a DKIM tag value
// under the RFC 6376 section 2.11 "dkim-quoted-printable" subset: any
// character except ';', '=', and control/space characters outside the
// printable range.
func dkimQPSafe(b byte) bool {
	if b == ';' || b == '=' {
		return false
	}
	return b > 0x20 && b < 0x7f
}

// QuotedPrintable escapes s per RFC 6376 section 2.11 for use inside a
// DKIM-Signature tag value (d=, i=, s=).
func QuotedPrintable(s string) string {
	var out strings.Builder
	for i := 0; i < len(s); i++ {
		b := s[i]
		if dkimQPSafe(b) {
			out.WriteByte(b)
		} else {
			out.WriteString(formatQP(b))
		}
	}
	return out.String()
}

// QuotedPrintableZ escapes s for use inside the z= tag, where the '|'
// separator between copied headers must additionally be escaped.
func QuotedPrintableZ(s string) string {
	var out strings.Builder
	for i := 0; i < len(s); i++ {
		b := s[i]
		if b == '|' {
			out.WriteString(formatQP(b))
			continue
		}
		if dkimQPSafe(b) {
			out.WriteByte(b)
		} else {
			out.WriteString(formatQP(b))
		}
	}
	return out.String()
}

const hexDigits = "0123456789ABCDEF"

func formatQP(b byte) string {
	return string([]byte{'=', hexDigits[b>>4], hexDigits[b&0x0f]})
}
