// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package flatpak

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"
)

// KeyFile is a parsed GLib key file, as used for Flatpak metadata.
// Groups map to key-value pairs.
type KeyFile map[string]map[string]string

// Get returns the value of key in group or the empty string.
func (kf KeyFile) Get(group, key string) string {
	return kf[group][key]
}

// ParseKeyFile parses a GLib key file.
// Localized keys (like "Name[de]") are kept verbatim.
func ParseKeyFile(data []byte) (KeyFile, error) {
	kf := make(KeyFile)
	group := ""
	s := bufio.NewScanner(bytes.NewReader(data))
	for lineno := 1; s.Scan(); lineno++ {
		line := strings.TrimSpace(s.Text())
		switch {
		case line == "" || strings.HasPrefix(line, "#"):
			continue
		case strings.HasPrefix(line, "["):
			if !strings.HasSuffix(line, "]") {
				return nil, fmt.Errorf("parse key file: line %d: unterminated group header", lineno)
			}
			group = line[1 : len(line)-1]
			if kf[group] == nil {
				kf[group] = make(map[string]string)
			}
		default:
			if group == "" {
				return nil, fmt.Errorf("parse key file: line %d: key outside of group", lineno)
			}
			k, v, ok := strings.Cut(line, "=")
			if !ok {
				return nil, fmt.Errorf("parse key file: line %d: missing '='", lineno)
			}
			kf[group][strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("parse key file: %v", err)
	}
	return kf, nil
}

// ParseMetadataVariant parses the GVariant text form of a string,
// as printed by "ostree show --print-metadata-key=xa.metadata",
// into a key file.
func ParseMetadataVariant(data []byte) (KeyFile, error) {
	s, err := unquoteVariantString(string(bytes.TrimSpace(data)))
	if err != nil {
		return nil, err
	}
	return ParseKeyFile([]byte(s))
}

func unquoteVariantString(s string) (string, error) {
	if len(s) < 2 || (s[0] != '\'' && s[0] != '"') || s[len(s)-1] != s[0] {
		return "", fmt.Errorf("parse variant string: not a quoted string")
	}
	quote := s[0]
	s = s[1 : len(s)-1]
	sb := new(strings.Builder)
	sb.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == quote {
			return "", fmt.Errorf("parse variant string: unescaped quote at %d", i+1)
		}
		if c != '\\' {
			sb.WriteByte(c)
			continue
		}
		i++
		if i >= len(s) {
			return "", fmt.Errorf("parse variant string: trailing backslash")
		}
		switch s[i] {
		case 'n':
			sb.WriteByte('\n')
		case 't':
			sb.WriteByte('\t')
		case 'r':
			sb.WriteByte('\r')
		case '\\', '\'', '"':
			sb.WriteByte(s[i])
		default:
			return "", fmt.Errorf("parse variant string: unknown escape \\%c", s[i])
		}
	}
	return sb.String(), nil
}
