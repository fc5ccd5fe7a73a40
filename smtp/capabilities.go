package smtp

import (
	"strconv"
	"strings"
)

// Capabilities is the parsed feature set advertised in an EHLO reply.
type Capabilities struct {
	// Size is the SIZE extension's declared maximum message size, or 0 if
	// the server did not advertise a limit.
	Size int64
	// AuthList is the set of SASL mechanism names advertised by AUTH.
	AuthList map[string]bool
	StartTLS bool
	Pipelining bool
	// EhloGreet is the greeting text on the EHLO reply's first line.
	EhloGreet string
}

// ParseCapabilities builds a Capabilities from the lines of an EHLO reply.
func ParseCapabilities(lines []string) Capabilities {
	caps := Capabilities{AuthList: map[string]bool{}}
	for i, line := range lines {
		if i == 0 {
			caps.EhloGreet = line
			continue
		}
		upper := strings.ToUpper(line)
		switch {
		case upper == "STARTTLS":
			caps.StartTLS = true
		case upper == "PIPELINING":
			caps.Pipelining = true
		case strings.HasPrefix(upper, "SIZE"):
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				if n, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
					caps.Size = n
				}
			}
		case strings.HasPrefix(upper, "AUTH"):
			for _, mech := range strings.Fields(line)[1:] {
				caps.AuthList[strings.ToUpper(mech)] = true
			}
		}
	}
	return caps
}

// SupportsAuth reports whether mechanism (case-insensitive) was advertised.
func (c Capabilities) SupportsAuth(mechanism string) bool {
	return c.AuthList[strings.ToUpper(mechanism)]
}
