package filter

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyInvalid(t *testing.T) {
	f := New(100, nil)

	tests := []struct {
		name string
		in   string
	}{
		{"empty", ""},
		{"spaces only", "   "},
		{"tabs and newlines", "\t\n \t"},
		{"oversize", strings.Repeat("x", 101)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, verdict := f.Apply(tt.in)
			assert.Equal(t, VerdictInvalid, verdict)
		})
	}
}

func TestApplyMaxLenBoundary(t *testing.T) {
	f := New(10, nil)

	content, verdict := f.Apply(strings.Repeat("x", 10))
	assert.Equal(t, VerdictMessage, verdict)
	assert.Equal(t, strings.Repeat("x", 10), content)

	_, verdict = f.Apply(strings.Repeat("x", 11))
	assert.Equal(t, VerdictInvalid, verdict)
}

func TestApplyCommands(t *testing.T) {
	f := New(100, nil)

	tests := []struct {
		in   string
		want Verdict
	}{
		{"/killme", VerdictKillMe},
		{"  /killme \n", VerdictKillMe},
		{"/blockme", VerdictBlockMe},
		{" /blockme ", VerdictBlockMe},
		{"/killme now", VerdictMessage},
		{"/KILLME", VerdictMessage},
		{"/blockmeplease", VerdictMessage},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			_, verdict := f.Apply(tt.in)
			assert.Equal(t, tt.want, verdict)
		})
	}
}

func TestApplyOversizeBeatsCommand(t *testing.T) {
	// Size check runs first, so even a command is dropped when oversize.
	f := New(3, nil)
	_, verdict := f.Apply("/killme")
	assert.Equal(t, VerdictInvalid, verdict)
}

func TestApplyKysRewrite(t *testing.T) {
	f := New(100, nil)

	rewritten := []string{"kys", "KYS", "Kys", "k y s", "  K\tY  s\n"}
	for _, in := range rewritten {
		t.Run("rewrites "+in, func(t *testing.T) {
			content, verdict := f.Apply(in)
			require.Equal(t, VerdictMessage, verdict)
			assert.Equal(t, "Kiss me pwees", content)
		})
	}

	passedThrough := []string{"kyss", "skys", "kys!", "okay kys", "ky", "keys"}
	for _, in := range passedThrough {
		t.Run("keeps "+in, func(t *testing.T) {
			content, verdict := f.Apply(in)
			require.Equal(t, VerdictMessage, verdict)
			assert.Equal(t, in, content)
		})
	}
}

func TestApplyPlainMessageUntouched(t *testing.T) {
	f := New(100, nil)

	content, verdict := f.Apply("hello there!")
	require.Equal(t, VerdictMessage, verdict)
	assert.Equal(t, "hello there!", content)
}

func TestWordlistReplace(t *testing.T) {
	w := &Wordlist{words: map[string]struct{}{"darn": {}, "heck": {}}}

	tests := []struct {
		in   string
		want string
	}{
		{"oh darn", "oh ####"},
		{"DARN it", "#### it"},
		{"darn\theck darn", "####\t#### ####"},
		{"darned", "darned"}, // whole tokens only
		{"clean text", "clean text"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, w.Replace(tt.in))
		})
	}
}

func TestWordlistNilIsIdentity(t *testing.T) {
	var w *Wordlist
	assert.Equal(t, "anything goes", w.Replace("anything goes"))
	assert.Equal(t, 0, w.Len())
}

func TestLoadWordlist(t *testing.T) {
	path := t.TempDir() + "/words.txt"
	data := "# comment\n\nDarn\nheck\n  badword  \n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	w, err := LoadWordlist(path)
	require.NoError(t, err)
	assert.Equal(t, 3, w.Len())
	assert.Equal(t, "oh ####", w.Replace("oh darn"))
	assert.Equal(t, "very #######", w.Replace("very BADWORD"))
}

func TestLoadWordlistMissingFile(t *testing.T) {
	_, err := LoadWordlist(t.TempDir() + "/nope.txt")
	assert.Error(t, err)
}

func TestApplyProfanityPipeline(t *testing.T) {
	w := &Wordlist{words: map[string]struct{}{"darn": {}}}
	f := New(100, w)

	content, verdict := f.Apply("well darn it")
	require.Equal(t, VerdictMessage, verdict)
	assert.Equal(t, "well #### it", content)
}
