package config

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	DefaultBaudRate = 115200
	maxBaudRate     = 4000000
)

// VID:PID match pattern as produced by PatternFor
var patternFormat = regexp.MustCompile(`^VID:PID=[0-9A-Fa-f]{4}:[0-9A-Fa-f]{4}$`)

// Settings are the user-facing loopback settings. They sit at the top level
// of the settings file.
type Settings struct {
	SupportedDevices []string `json:"supported_devices" yaml:"supported_devices"`
	BaudRate         int      `json:"baud_rate" yaml:"baud_rate"`
	AutoConnect      bool     `json:"auto_connect" yaml:"auto_connect"`
}

// DefaultSettings returns the settings used when no file is present.
// The supported pattern set starts empty.
func DefaultSettings() Settings {
	return Settings{
		SupportedDevices: []string{},
		BaudRate:         DefaultBaudRate,
		AutoConnect:      true,
	}
}

// Clone returns a copy that shares no memory with s.
func (s Settings) Clone() Settings {
	out := s
	out.SupportedDevices = append([]string{}, s.SupportedDevices...)
	return out
}

// Normalize returns a copy with every pattern trimmed and upper-cased.
// Hardware ids are built with upper-case hex, so a lower-case pattern would
// otherwise never match.
func (s Settings) Normalize() Settings {
	out := s
	out.SupportedDevices = make([]string, 0, len(s.SupportedDevices))
	for _, p := range s.SupportedDevices {
		out.SupportedDevices = append(out.SupportedDevices, strings.ToUpper(strings.TrimSpace(p)))
	}
	return out
}

// Validate checks baud rate and pattern syntax.
func (s Settings) Validate() error {
	if s.BaudRate <= 0 || s.BaudRate > maxBaudRate {
		return fmt.Errorf("invalid baud_rate: %d", s.BaudRate)
	}

	seen := make(map[string]bool, len(s.SupportedDevices))
	for i, p := range s.SupportedDevices {
		if !patternFormat.MatchString(p) {
			return fmt.Errorf("supported_devices[%d]: invalid pattern %q (want VID:PID=XXXX:YYYY)", i, p)
		}
		if seen[p] {
			return fmt.Errorf("supported_devices[%d]: duplicate pattern %q", i, p)
		}
		seen[p] = true
	}
	return nil
}

// PatternFor builds the match pattern for a vendor/product id pair.
func PatternFor(vid, pid string) string {
	return fmt.Sprintf("VID:PID=%s:%s", strings.ToUpper(vid), strings.ToUpper(pid))
}

// HasPattern reports whether p is already in the supported set.
func (s Settings) HasPattern(p string) bool {
	p = strings.ToUpper(strings.TrimSpace(p))
	for _, existing := range s.SupportedDevices {
		if strings.EqualFold(existing, p) {
			return true
		}
	}
	return false
}

// WithPattern returns a copy with p appended. It reports false, and returns
// s unchanged, when p is already present.
func (s Settings) WithPattern(p string) (Settings, bool) {
	if s.HasPattern(p) {
		return s.Clone(), false
	}
	out := s.Clone()
	out.SupportedDevices = append(out.SupportedDevices, strings.ToUpper(strings.TrimSpace(p)))
	return out, true
}

// WithoutPattern returns a copy with p removed. It reports false when p was
// not present.
func (s Settings) WithoutPattern(p string) (Settings, bool) {
	out := s.Clone()
	out.SupportedDevices = out.SupportedDevices[:0]
	removed := false
	for _, existing := range s.SupportedDevices {
		if strings.EqualFold(existing, strings.TrimSpace(p)) {
			removed = true
			continue
		}
		out.SupportedDevices = append(out.SupportedDevices, existing)
	}
	return out, removed
}
