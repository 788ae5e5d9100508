package session

import (
	"strconv"
	"strings"
)

// Settings is a key=value map exchanged in SETTINGS/SERVER_SETTINGS
// frames. Keys and values must not contain '=' or '\n'.
type Settings map[string]string

// Recognized settings keys.
const (
	SettingsVersion    = "v"
	SettingsClient     = "client"
	SettingsPaddingMD5 = "padding-md5"
)

// Encode serializes the map as "key=value" lines joined by '\n', with
// no trailing newline. Iteration order is sorted for determinism.
func (s Settings) Encode() []byte {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sortStrings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(s[k])
	}
	return []byte(b.String())
}

// ParseSettings decodes a settings body produced by Encode. Malformed
// lines (missing '=') are skipped.
func ParseSettings(body []byte) Settings {
	s := make(Settings)
	if len(body) == 0 {
		return s
	}
	for _, line := range strings.Split(string(body), "\n") {
		if line == "" {
			continue
		}
		idx := strings.IndexByte(line, '=')
		if idx < 0 {
			continue
		}
		s[line[:idx]] = line[idx+1:]
	}
	return s
}

// Version returns the parsed "v" entry, or 0 if absent/invalid.
func (s Settings) Version() uint32 {
	v, ok := s[SettingsVersion]
	if !ok {
		return 0
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return 0
	}
	return uint32(n)
}

func sortStrings(s []string) {
	// insertion sort: settings maps are tiny (a handful of keys)
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
