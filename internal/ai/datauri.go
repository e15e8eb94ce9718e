package ai

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// splitDataURI splits "data:<mime>;base64,<payload>". ok is false for
// anything that is not a base64 data URI.
func splitDataURI(s string) (mime, payload string, ok bool) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "data:") {
		return "", "", false
	}
	comma := strings.IndexByte(s, ',')
	if comma < 0 {
		return "", "", false
	}
	meta := s[len("data:"):comma]
	if !strings.HasSuffix(meta, ";base64") {
		return "", "", false
	}
	return strings.TrimSuffix(meta, ";base64"), s[comma+1:], true
}

// rawImagePayload turns a data URI into the bare base64 payload providers
// expect; plain URLs pass through unchanged.
func rawImagePayload(ref string) (string, error) {
	_, payload, ok := splitDataURI(ref)
	if !ok {
		return strings.TrimSpace(ref), nil
	}
	payload = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\n', '\r', '\t':
			return -1
		}
		return r
	}, payload)
	if _, err := base64.StdEncoding.DecodeString(payload); err != nil {
		return "", fmt.Errorf("reference image is not valid base64: %w", err)
	}
	return payload, nil
}
