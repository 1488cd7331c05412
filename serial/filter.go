package serial

import "strings"

const vidPidToken = "VID:PID="

// Filter decides whether a port is an in-scope loopback target.
type Filter interface {
	IsSupported(hardwareID string, patterns []string) bool
}

// SubstringFilter matches when the hardware id contains a pattern verbatim.
type SubstringFilter struct{}

// IsSupported implements Filter
func (SubstringFilter) IsSupported(hardwareID string, patterns []string) bool {
	return IsSupported(hardwareID, patterns)
}

// IsSupported reports whether hardwareID contains at least one of patterns.
// Empty patterns never match, so an empty set supports nothing.
func IsSupported(hardwareID string, patterns []string) bool {
	for _, p := range patterns {
		if p == "" {
			continue
		}
		if strings.Contains(hardwareID, p) {
			return true
		}
	}
	return false
}

// ExtractVidPid parses the "VID:PID=XXXX:YYYY" token out of a hardware id.
// ok is false when the token is absent or malformed.
func ExtractVidPid(hardwareID string) (vid, pid string, ok bool) {
	idx := strings.Index(hardwareID, vidPidToken)
	if idx < 0 {
		return "", "", false
	}

	token := hardwareID[idx+len(vidPidToken):]
	if end := strings.IndexFunc(token, isSpace); end >= 0 {
		token = token[:end]
	}

	vid, pid, found := strings.Cut(token, ":")
	if !found || vid == "" || pid == "" || strings.Contains(pid, ":") {
		return "", "", false
	}
	return vid, pid, true
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}
