package filters

import (
	_ "embed"
	"strings"

	"github.com/shinobu-chat/shinobu/internal/beacon"
)

//go:embed wordlist.txt
var wordlist string

var profanity = func() map[string]struct{} {
	out := map[string]struct{}{}
	for _, w := range strings.Fields(wordlist) {
		out[strings.ToLower(w)] = struct{}{}
	}
	return out
}()

// Swearing rejects messages containing profanity. With censor enabled it
// substitutes the message text instead of blocking it.
type Swearing struct{}

func (*Swearing) ID() string   { return "swearing" }
func (*Swearing) Name() string { return "Block Swearing" }
func (*Swearing) Description() string {
	return "Stops messages containing profanity from being bridged."
}

func (*Swearing) Configs() map[string]beacon.ConfigSpec {
	return map[string]beacon.ConfigSpec{
		"censor": {
			Description: "Replace the message text instead of blocking the message.",
			Default:     false,
		},
	}
}

func (*Swearing) Check(req *beacon.FilterRequest) beacon.FilterResult {
	text := req.Content.PlainText()
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !isWordRune(r)
	})

	hit := false
	for _, w := range words {
		if _, ok := profanity[w]; ok {
			hit = true
			break
		}
	}
	if !hit {
		return beacon.Allow()
	}

	res := beacon.Block("No swearing allowed!")
	res.ShouldLog = true
	if censor, _ := req.Config["censor"].(bool); censor {
		safe := censorText(text)
		res.SafeContent = &safe
	}
	return res
}

func isWordRune(r rune) bool {
	return r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '\''
}

// censorText masks every profane word, leaving the rest of the message
// readable.
func censorText(text string) string {
	var b strings.Builder
	word := strings.Builder{}
	flush := func() {
		w := word.String()
		if w == "" {
			return
		}
		if _, ok := profanity[strings.ToLower(w)]; ok {
			b.WriteString(strings.Repeat("*", len([]rune(w))))
		} else {
			b.WriteString(w)
		}
		word.Reset()
	}
	for _, r := range text {
		if isWordRune(r) {
			word.WriteRune(r)
			continue
		}
		flush()
		b.WriteRune(r)
	}
	flush()
	return b.String()
}
