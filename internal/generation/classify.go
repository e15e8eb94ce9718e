package generation

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"unicode"

	"github.com/suPer8Hu/ai-genjobs/internal/ai"
)

type Category string

const (
	CategoryProviderTransient Category = "provider-transient"
	CategoryRateLimit         Category = "rate-limit"
	CategoryInvalidInput      Category = "invalid-input"
	CategoryConfiguration     Category = "configuration"
	CategoryUnknown           Category = "unknown"
	CategoryStuck             Category = "stuck/abandoned"
)

type Classification struct {
	Category  Category
	Retryable bool
}

var (
	classUnknown       = Classification{CategoryUnknown, true}
	classTransient     = Classification{CategoryProviderTransient, true}
	classRateLimit     = Classification{CategoryRateLimit, true}
	classInvalidInput  = Classification{CategoryInvalidInput, false}
	classConfiguration = Classification{CategoryConfiguration, false}
)

// message fragments checked in order; first match wins. Status codes only
// match as whole tokens so ids and urls containing the digits are ignored.
var classifyPatterns = []struct {
	class    Classification
	keywords []string
	codes    []string
}{
	{classRateLimit, []string{"rate limit", "ratelimit", "too many requests", "quota", "throttl", "insufficient balance", "resource pack"}, []string{"429"}},
	{classConfiguration, []string{"missing provider credentials", "api key", "apikey", "credential", "unauthorized", "forbidden", "not configured"}, nil},
	{classInvalidInput, []string{"invalid", "malformed", "bad request", "unsupported", "content policy", "nsfw", "sensitive", "safety", "moderation", "too long", "not valid base64"}, nil},
	{classTransient, []string{"timeout", "timed out", "deadline exceeded", "connection", "reset by peer", "eof", "unavailable", "bad gateway", "internal server error", "temporar"}, []string{"500", "502", "503", "504"}},
}

// Classify maps a raw adapter error to a category and retry hint. It never
// panics; anything it cannot place is unknown and retryable.
func Classify(err error) (c Classification) {
	defer func() {
		if recover() != nil {
			c = classUnknown
		}
	}()

	if err == nil {
		return classUnknown
	}

	var pe *PanicError
	if errors.As(err, &pe) {
		return classUnknown
	}
	if errors.Is(err, ai.ErrMissingCredentials) || errors.Is(err, ai.ErrModelUnavailable) || errors.Is(err, ErrModelUnavailable) {
		return classConfiguration
	}
	if errors.Is(err, ai.ErrPollTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return classTransient
	}

	var se *ai.StatusError
	if errors.As(err, &se) {
		if c, ok := classifyStatus(se); ok {
			return c
		}
	}

	// the provider's own reason; task ids and the provider name are noise
	var tf *ai.TaskFailedError
	if errors.As(err, &tf) {
		return classifyMessage(tf.Reason)
	}

	var ne net.Error
	if errors.As(err, &ne) {
		return classTransient
	}

	return classifyMessage(err.Error())
}

func classifyStatus(se *ai.StatusError) (Classification, bool) {
	if code, err := strconv.Atoi(se.Code); err == nil && code > 0 {
		// numeric business codes (kling)
		switch {
		case code >= 1000 && code < 1100:
			return classConfiguration, true
		case code >= 1100 && code < 1200:
			return classRateLimit, true
		case code >= 1200 && code < 1300:
			return classInvalidInput, true
		case code == 1301:
			return classInvalidInput, true
		case code >= 1302 && code < 1400:
			return classRateLimit, true
		case code >= 5000:
			return classTransient, true
		}
	}

	switch s := se.StatusCode; {
	case s == http.StatusTooManyRequests:
		return classRateLimit, true
	case s == http.StatusUnauthorized || s == http.StatusForbidden:
		return classConfiguration, true
	case s == http.StatusRequestTimeout || s >= 500:
		return classTransient, true
	case s >= 400:
		// a 4xx body may still say "quota" or "rate limit"
		if c := classifyMessage(se.Code + " " + se.Message); c.Category == CategoryRateLimit {
			return c, true
		}
		return classInvalidInput, true
	}
	return classifyMessage(se.Code + " " + se.Message), true
}

func classifyMessage(msg string) Classification {
	m := strings.ToLower(msg)
	var tokens map[string]bool
	for _, p := range classifyPatterns {
		for _, kw := range p.keywords {
			if strings.Contains(m, kw) {
				return p.class
			}
		}
		if len(p.codes) == 0 {
			continue
		}
		if tokens == nil {
			tokens = wordTokens(m)
		}
		for _, code := range p.codes {
			if tokens[code] {
				return p.class
			}
		}
	}
	return classUnknown
}

// wordTokens splits on anything that is not a letter or digit.
func wordTokens(m string) map[string]bool {
	fields := strings.FieldsFunc(m, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make(map[string]bool, len(fields))
	for _, f := range fields {
		out[f] = true
	}
	return out
}
