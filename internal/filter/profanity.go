package filter

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Wordlist is a set of words to mask. Matching is case-insensitive on
// whole whitespace-separated tokens. A nil Wordlist is a valid empty one.
type Wordlist struct {
	words map[string]struct{}
}

// LoadWordlist reads one word per line. Blank lines and '#' comment lines
// are skipped.
func LoadWordlist(path string) (*Wordlist, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open wordlist: %w", err)
	}
	defer f.Close()

	words := make(map[string]struct{})
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		words[strings.ToLower(line)] = struct{}{}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read wordlist: %w", err)
	}

	return &Wordlist{words: words}, nil
}

// Len reports the number of loaded words.
func (w *Wordlist) Len() int {
	if w == nil {
		return 0
	}
	return len(w.words)
}

// Replace masks each listed token with a same-length run of '#'. Identity
// when the list is nil or empty.
func (w *Wordlist) Replace(s string) string {
	if w == nil || len(w.words) == 0 {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))

	start := -1
	flush := func(end int) {
		if start < 0 {
			return
		}
		tok := s[start:end]
		if _, bad := w.words[strings.ToLower(tok)]; bad {
			b.WriteString(strings.Repeat("#", utf8.RuneCountInString(tok)))
		} else {
			b.WriteString(tok)
		}
		start = -1
	}

	for i, r := range s {
		if unicode.IsSpace(r) {
			flush(i)
			b.WriteRune(r)
		} else if start < 0 {
			start = i
		}
	}
	flush(len(s))

	return b.String()
}
