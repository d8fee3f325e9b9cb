package voicemode

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// maxSpeakLength caps one utterance; anything longer is cut at a word
// boundary rather than read aloud in full.
const maxSpeakLength = 2000

var (
	fencedCodeRe   = regexp.MustCompile("(?s)```.*?```")
	inlineCodeRe   = regexp.MustCompile("`[^`]+`")
	markdownLinkRe = regexp.MustCompile(`\[([^\]]+)\]\([^)]*\)`)
	bareURLRe      = regexp.MustCompile(`https?://\S+`)
	markupRunesRe  = regexp.MustCompile("[#*_~|<>\\\\]")
	lineBreaksRe   = regexp.MustCompile(`\s*\n+\s*`)
	spaceRunsRe    = regexp.MustCompile(` {2,}`)
)

// sanitizeSpeechText reduces agent output to something worth hearing: fenced
// code becomes a short spoken placeholder, inline code and bare URLs
// disappear, links keep their label, markdown markup is stripped, and
// paragraph breaks become sentence pauses.
func sanitizeSpeechText(raw string) string {
	text := strings.TrimSpace(raw)
	if text == "" {
		return ""
	}

	text = fencedCodeRe.ReplaceAllString(text, " code block omitted ")
	text = inlineCodeRe.ReplaceAllString(text, " ")
	text = markdownLinkRe.ReplaceAllString(text, "$1")
	text = bareURLRe.ReplaceAllString(text, " ")
	text = markupRunesRe.ReplaceAllString(text, "")
	text = lineBreaksRe.ReplaceAllString(text, ". ")
	text = dropUnspeakable(text)
	text = spaceRunsRe.ReplaceAllString(text, " ")
	text = strings.TrimSpace(text)

	if len(text) > maxSpeakLength {
		text = cutAtWord(text, maxSpeakLength)
	}
	return text
}

// dropUnspeakable removes emoji, modifier glyphs, and control characters,
// which synthesizers either skip with a glitch or read out by name.
func dropUnspeakable(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == '\u200d' || r == '\ufe0f' || r == '\u20e3':
			return -1
		case r == '\t':
			return ' '
		case unicode.IsControl(r):
			return -1
		case unicode.In(r, unicode.So, unicode.Sk):
			return -1
		}
		return r
	}, s)
}

func cutAtWord(s string, max int) string {
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	cut := s[:max]
	if i := strings.LastIndexByte(cut, ' '); i > 0 {
		cut = cut[:i]
	}
	return strings.TrimSpace(cut)
}
