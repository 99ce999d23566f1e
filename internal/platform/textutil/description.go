package textutil

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	emptyParagraphPattern = regexp.MustCompile(`(?i)<p(\s[^>]*)?>(\s|&nbsp;|&#160;|<br\s*/?>)*</p>`)
	blockStartPattern     = regexp.MustCompile(`(?i)^<(p|div|ul|ol|h[1-6]|table|blockquote|section)[\s>]`)
	spaceRunPattern       = regexp.MustCompile(`[ \t]{2,}`)
	blankLinePattern      = regexp.MustCompile(`\n\s*\n+`)
)

var punctuationReplacer = strings.NewReplacer(
	"‘", "'",
	"’", "'",
	"‚", "'",
	"“", `"`,
	"”", `"`,
	"„", `"`,
	"–", "-",
	"—", "-",
	"…", "...",
	"\u00a0", " ",
	"•", "-",
	"×", "x",
)

// HasNonASCII reports whether s contains any rune outside the ASCII range.
func HasNonASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > unicode.MaxASCII {
			return true
		}
	}
	return false
}

// HasEmptyParagraphs reports whether s contains <p> elements with no visible content.
func HasEmptyParagraphs(s string) bool {
	return emptyParagraphPattern.MatchString(s)
}

// NeedsSanitizing reports whether NormalizeDescription would repair s.
func NeedsSanitizing(s string) bool {
	return HasNonASCII(s) || HasEmptyParagraphs(s)
}

// NormalizeDescription folds a product description to ASCII, drops empty
// paragraphs and makes sure the remaining content is paragraph wrapped.
// Blank input, or input that is blank after cleaning, yields "".
func NormalizeDescription(raw string) string {
	cleaned := CleanDescription(raw)
	if cleaned == "" {
		return ""
	}
	if !blockStartPattern.MatchString(cleaned) {
		cleaned = "<p>" + cleaned + "</p>"
	}
	return cleaned
}

// CleanDescription is NormalizeDescription without the paragraph wrap. Length
// checks use it so that added markup never counts toward a minimum.
func CleanDescription(raw string) string {
	cleaned := foldASCII(punctuationReplacer.Replace(raw))
	cleaned = emptyParagraphPattern.ReplaceAllString(cleaned, "")
	cleaned = spaceRunPattern.ReplaceAllString(cleaned, " ")
	cleaned = blankLinePattern.ReplaceAllString(cleaned, "\n")
	return strings.TrimSpace(cleaned)
}

// foldASCII decomposes accented letters to their base form and removes
// whatever still falls outside ASCII.
func foldASCII(s string) string {
	if !HasNonASCII(s) {
		return s
	}
	t := transform.Chain(
		norm.NFKD,
		runes.Remove(runes.In(unicode.Mn)),
		runes.Remove(runes.Predicate(func(r rune) bool { return r > unicode.MaxASCII })),
		norm.NFC,
	)
	out, _, err := transform.String(t, s)
	if err != nil {
		return stripNonASCII(s)
	}
	return out
}

func stripNonASCII(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r <= unicode.MaxASCII {
			b.WriteRune(r)
		}
	}
	return b.String()
}
