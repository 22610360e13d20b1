// Package text turns chain markup into plain text and provides the word-level
// helpers used by the content insert rules and the categorizer.
package text

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
)

var (
	fenceRe     = regexp.MustCompile("(?s)```.*?```")
	imageRe     = regexp.MustCompile(`!\[[^\]]*\]\([^)]*\)`)
	linkRe      = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	bareURLRe   = regexp.MustCompile(`https?://\S+`)
	headingRe   = regexp.MustCompile(`(?m)^[ \t]{0,3}#{1,6}[ \t]*`)
	quoteRe     = regexp.MustCompile(`(?m)^[ \t]*>+[ \t]?`)
	emphasisRe  = regexp.MustCompile(`[*_~]{1,3}`)
	ruleRe      = regexp.MustCompile(`(?m)^[ \t]*([-*_][ \t]*){3,}$`)
	mentionRe   = regexp.MustCompile(`@[\w.-]+`)
	paragraphRe = regexp.MustCompile(`\n\s*\n`)
	spaceRe     = regexp.MustCompile(`[ \t\r\n\f\v]+`)
)

// Plain strips markdown and HTML from a post body. Whitespace inside a paragraph is
// collapsed; paragraphs stay separated by a blank line.
func Plain(body string) string {
	s := fenceRe.ReplaceAllString(Clean(body), " ")
	s = imageRe.ReplaceAllString(s, " ")
	s = linkRe.ReplaceAllString(s, "$1")
	s = bareURLRe.ReplaceAllString(s, " ")
	s = headingRe.ReplaceAllString(s, "")
	s = quoteRe.ReplaceAllString(s, "")
	s = ruleRe.ReplaceAllString(s, " ")
	s = emphasisRe.ReplaceAllString(s, "")

	if strings.ContainsAny(s, "<&") {
		s = stripHTML(s)
	}

	paras := Paragraphs(s)
	for i, p := range paras {
		paras[i] = spaceRe.ReplaceAllString(p, " ")
	}
	return strings.Join(paras, "\n\n")
}

// Clean drops NUL bytes and invalid UTF-8, neither of which Postgres TEXT
// accepts.
func Clean(s string) string {
	s = strings.ToValidUTF8(s, "")
	return strings.ReplaceAll(s, "\x00", "")
}

func stripHTML(s string) string {
	// Block elements would otherwise glue neighbouring words together.
	s = strings.NewReplacer("<br>", " <br>", "<br/>", " <br/>", "<br />", " <br />", "</p>", " </p>", "</div>", " </div>", "</li>", " </li>").Replace(s)
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return s
	}
	doc.Find("script, style").Remove()
	return doc.Text()
}

// Words lower-cases text and splits it into alphabetic tokens of two or more
// letters. Mentions, digits and punctuation are dropped.
func Words(s string) []string {
	s = mentionRe.ReplaceAllString(strings.ToLower(s), " ")
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && r != '-'
	})

	words := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, "-")
		if len([]rune(f)) < 2 {
			continue
		}
		words = append(words, f)
	}
	return words
}

// WordCount counts the tokens Words would return.
func WordCount(s string) int {
	return len(Words(s))
}

// ContainsBanned reports whether any tag equals a banned word or the body contains
// one as a whole word. Matching is case-insensitive.
func ContainsBanned(tags []string, body string, banned []string) bool {
	if len(banned) == 0 {
		return false
	}
	set := make(map[string]struct{}, len(banned))
	for _, b := range banned {
		b = strings.ToLower(strings.TrimSpace(b))
		if b != "" {
			set[b] = struct{}{}
		}
	}

	for _, t := range tags {
		if _, ok := set[strings.ToLower(strings.TrimSpace(t))]; ok {
			return true
		}
	}
	for _, w := range Words(body) {
		if _, ok := set[w]; ok {
			return true
		}
	}
	// Words splits on underscores, so multi-part words need a substring check.
	lower := strings.ToLower(body)
	for b := range set {
		if strings.ContainsAny(b, "_") && strings.Contains(lower, b) {
			return true
		}
	}
	return false
}

// TagString joins tags the way they are stored on the content text record.
func TagString(tags []string) string {
	clean := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		clean = append(clean, t)
	}
	return strings.Join(clean, " ")
}

// SplitTags is the inverse of TagString.
func SplitTags(tagStr string) []string {
	return strings.Fields(tagStr)
}

// Paragraphs splits plain or markdown text on blank lines, dropping empty parts.
func Paragraphs(s string) []string {
	parts := paragraphRe.Split(s, -1)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
