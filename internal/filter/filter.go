package filter

import (
	"strings"
	"unicode"
)

// Verdict classifies a processed message.
type Verdict int

const (
	// VerdictMessage: broadcast the (possibly rewritten) content.
	VerdictMessage Verdict = iota
	// VerdictInvalid: drop the message silently.
	VerdictInvalid
	// VerdictKillMe: the sender asked to be disconnected.
	VerdictKillMe
	// VerdictBlockMe: shadow-block the sender.
	VerdictBlockMe
)

// Filter classifies and rewrites inbound chat content. Stateless and safe
// for concurrent use.
type Filter struct {
	maxMessageLen int
	profanity     *Wordlist
}

func New(maxMessageLen int, profanity *Wordlist) *Filter {
	return &Filter{maxMessageLen: maxMessageLen, profanity: profanity}
}

// Apply runs the pipeline: size/emptiness, commands, the kys rewrite,
// profanity masking. The returned content is only meaningful for
// VerdictMessage.
func (f *Filter) Apply(content string) (string, Verdict) {
	trimmed := strings.TrimSpace(content)
	if len(content) > f.maxMessageLen || trimmed == "" {
		return "", VerdictInvalid
	}

	switch trimmed {
	case "/killme":
		return "", VerdictKillMe
	case "/blockme":
		return "", VerdictBlockMe
	}

	if isKys(content) {
		content = "Kiss me pwees"
	}

	return f.profanity.Replace(content), VerdictMessage
}

// isKys reports whether the non-whitespace characters spell exactly "kys",
// case-insensitively, in any spacing.
func isKys(content string) bool {
	const target = "kys"
	i := 0
	for _, r := range content {
		if unicode.IsSpace(r) {
			continue
		}
		if i >= len(target) || unicode.ToLower(r) != rune(target[i]) {
			return false
		}
		i++
	}
	return i == len(target)
}
