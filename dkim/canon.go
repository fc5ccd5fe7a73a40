package dkim

import (
	"bytes"
	"strings"
)

// Canon is a canonicalization algorithm identifier, RFC 6376 section 3.4.
type Canon int

const (
	CanonSimple Canon = iota
	CanonRelaxed
)

func (c Canon) String() string {
	if c == CanonRelaxed {
		return "relaxed"
	}
	return "simple"
}

// CanonHeader canonicalizes a single header field's name and value according
// to c. The returned bytes do not carry a trailing CRLF; callers append one
// themselves when concatenating multiple canonicalized headers.
func CanonHeader(c Canon, name, value string) []byte {
	if c == CanonSimple {
		// simple: the header field is left entirely unmodified, which means
		// reproducing the colon-space separator message.Part actually writes
		// on the wire (see message/part.go), not a bare colon.
		return []byte(name + ": " + value)
	}
	return canonHeaderRelaxed(name, value)
}

// canonHeaderRelaxed implements RFC 6376 section 3.4.2: lowercase the field
// name, unfold continuation lines, collapse runs of WSP into a single space,
// trim trailing WSP from the value, and join name and value with a bare
// colon (no space after it).
func canonHeaderRelaxed(name, value string) []byte {
	lowerName := strings.ToLower(strings.TrimSpace(name))
	unfolded := strings.NewReplacer("\r\n", "", "\r", "", "\n", "").Replace(value)
	collapsed := collapseWSP(unfolded)
	collapsed = strings.TrimRight(collapsed, " \t")
	collapsed = strings.TrimLeft(collapsed, " \t")
	var out bytes.Buffer
	out.WriteString(lowerName)
	out.WriteByte(':')
	out.WriteString(collapsed)
	return out.Bytes()
}

// collapseWSP replaces every run of spaces and tabs with a single space.
func collapseWSP(s string) string {
	var out bytes.Buffer
	inWSP := false
	for _, r := range s {
		if r == ' ' || r == '\t' {
			if !inWSP {
				out.WriteByte(' ')
				inWSP = true
			}
			continue
		}
		inWSP = false
		out.WriteRune(r)
	}
	return out.String()
}

// CanonBody canonicalizes a complete message body according to c, per RFC
// 6376 section 3.4.3/3.4.4. The result always ends with exactly one CRLF, or
// is the bare CRLF sequence when the (canonicalized) body is empty.
func CanonBody(c Canon, body []byte) []byte {
	lines := splitCRLFLines(body)
	if c == CanonRelaxed {
		for i, line := range lines {
			lines[i] = collapseWSPBytes(bytes.TrimRight(line, " \t"))
		}
	}
	return joinTrimTrailingEmpty(lines)
}

// splitCRLFLines splits body into lines on CRLF boundaries, without
// discarding information about a final unterminated line.
func splitCRLFLines(body []byte) [][]byte {
	if len(body) == 0 {
		return nil
	}
	var lines [][]byte
	start := 0
	for i := 0; i+1 < len(body); i++ {
		if body[i] == '\r' && body[i+1] == '\n' {
			lines = append(lines, body[start:i])
			start = i + 2
			i++
		}
	}
	if start < len(body) {
		lines = append(lines, body[start:])
	} else if start == len(body) && len(body) > 0 {
		// Body ended exactly on a CRLF boundary; record the trailing empty line
		// so trailing-empty-line trimming below behaves correctly.
		lines = append(lines, nil)
	}
	return lines
}

func collapseWSPBytes(line []byte) []byte {
	return []byte(collapseWSP(string(line)))
}

// joinTrimTrailingEmpty removes trailing empty lines and rejoins with CRLF,
// ensuring the result ends with exactly one CRLF (or is bare CRLF if the
// body canonicalizes to nothing).
func joinTrimTrailingEmpty(lines [][]byte) []byte {
	end := len(lines)
	for end > 0 && len(lines[end-1]) == 0 {
		end--
	}
	lines = lines[:end]
	if len(lines) == 0 {
		return []byte("\r\n")
	}
	var out bytes.Buffer
	for _, line := range lines {
		out.Write(line)
		out.WriteString("\r\n")
	}
	return out.Bytes()
}
