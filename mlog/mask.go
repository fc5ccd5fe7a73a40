package mlog

// MaskAfter returns a copy of line with all characters at or after index cut
// replaced by asterisks, leaving the length of the line unchanged. It is used
// to keep SASL initial responses and AUTH credentials out of log output
// while still revealing the command verb and mechanism name that precede
// them, e.g. "AUTH PLAIN " stays readable but the base64 blob does not.
func MaskAfter(line string, cut int) string {
	if cut < 0 || cut >= len(line) {
		return line
	}
	masked := []byte(line)
	for i := cut; i < len(masked); i++ {
		masked[i] = '*'
	}
	return string(masked)
}
