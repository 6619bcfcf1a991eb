package runlog

import (
	"strings"
	"unicode/utf8"

	"github.com/wasilibs/go-re2"
	"golang.org/x/text/unicode/norm"
)

// MaxTitleLength is the rune limit of a run title.
const MaxTitleLength = 100

var (
	attachedFilesBlock = re2.MustCompile(`(?is)<attached[-_]files>.*?</attached[-_]files>`)
	attachedFileTag    = re2.MustCompile(`(?is)<attached[-_]file\b[^>]*/>`)
	whitespaceRun      = re2.MustCompile(`\s+`)
)

// Title derives a display title from a user message: attached-files markup is
// removed, whitespace collapsed, text normalized to NFC and cut to MaxTitleLength runes.
func Title(content string) string {
	s := attachedFilesBlock.ReplaceAllString(content, " ")
	s = attachedFileTag.ReplaceAllString(s, " ")
	s = whitespaceRun.ReplaceAllString(s, " ")
	s = strings.TrimSpace(norm.NFC.String(s))

	if utf8.RuneCountInString(s) <= MaxTitleLength {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:MaxTitleLength]))
}
