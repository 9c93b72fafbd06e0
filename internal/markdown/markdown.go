// Package markdown holds the text processing applied to scraped pages and
// generated reports: URL stripping, plain-text previews, heading outlines,
// citation parsing and filename slugs.
package markdown

import (
	"net/url"
	"regexp"
	"strings"
)

// CitationLabel marks an inline citation link in a generated report.
const CitationLabel = "INLINE_CITATION"

const defaultSlugLength = 24

var (
	reImageLink     = regexp.MustCompile(`!\[([^\]]*)\]\((https?://[^\s)]+)(?:\s+"[^"]*")?\)`)
	reTextLink      = regexp.MustCompile(`\[([^\]]*)\]\((https?://[^\s)]+)(?:\s+"[^"]*")?\)`)
	reReferenceLink = regexp.MustCompile(`(?m)^\[[^\]]+\]:\s*https?://[^\s]+(?:\s+"[^"]*")?$`)
	reAutoLink      = regexp.MustCompile(`<(https?://[^>]+)>`)
	reBareURL       = regexp.MustCompile(`https?://[^\s]+`)

	reHeaderMarker = regexp.MustCompile(`(?m)^#+\s`)
	reStrongA      = regexp.MustCompile(`\*\*(.*?)\*\*`)
	reStrongU      = regexp.MustCompile(`__(.*?)__`)
	reEmA          = regexp.MustCompile(`\*(.*?)\*`)
	reEmU          = regexp.MustCompile(`_(.*?)_`)
	reAnyImage     = regexp.MustCompile(`!\[(.*?)\]\(.*?\)`)
	reAnyLink      = regexp.MustCompile(`\[(.*?)\]\(.*?\)`)
	reBlockquote   = regexp.MustCompile(`(?m)^>\s`)
	reBullet       = regexp.MustCompile(`(?m)^([ \t]*)[-*+]\s`)
	reNumbered     = regexp.MustCompile(`(?m)^([ \t]*)\d+\.\s`)
	reRuleDash     = regexp.MustCompile(`(?m)^-{3,}\s*$`)
	reRuleStar     = regexp.MustCompile(`(?m)^\*{3,}\s*$`)
	reRuleUnder    = regexp.MustCompile(`(?m)^_{3,}\s*$`)
	reFencedCode   = regexp.MustCompile("(?s)```.*?```")
	reInlineCode   = regexp.MustCompile("`([^`]+)`")
	reWhitespace   = regexp.MustCompile(`\s+`)

	reHeading        = regexp.MustCompile(`(?m)^(#{1,3})[ \t]+(.+?)[ \t]*$`)
	reTrailingHash   = regexp.MustCompile(`\s*#+\s*$`)
	reNonSlug        = regexp.MustCompile(`[^a-z0-9]+`)
	reInlineCitation = regexp.MustCompile(`\[` + CitationLabel + `\]\(([^)]+)\)`)
)

// Heading is a markdown heading of level 1 to 3.
type Heading struct {
	Level int    `json:"level"`
	Text  string `json:"text"`
}

// DomainFromURL returns the hostname of rawURL, or rawURL itself when it is
// not an absolute URL.
func DomainFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return rawURL
	}

	return u.Hostname()
}

// StripURLs removes every URL from scraped markdown while keeping link and
// image text, so summaries are not spent on tracking links.
func StripURLs(md string) string {
	out := reImageLink.ReplaceAllString(md, "$1")
	out = reTextLink.ReplaceAllString(out, "$1")
	out = reReferenceLink.ReplaceAllString(out, "")
	out = reAutoLink.ReplaceAllString(out, "")
	out = reBareURL.ReplaceAllString(out, "")

	return strings.TrimSpace(out)
}

// CleanToText flattens markdown to a single line of plain text.
func CleanToText(md string) string {
	if md == "" {
		return ""
	}

	out := reHeaderMarker.ReplaceAllString(md, "")

	out = reFencedCode.ReplaceAllString(out, "")
	out = reStrongA.ReplaceAllString(out, "$1")
	out = reStrongU.ReplaceAllString(out, "$1")

	out = reBullet.ReplaceAllString(out, "$1")
	out = reNumbered.ReplaceAllString(out, "$1")
	out = reRuleDash.ReplaceAllString(out, "")
	out = reRuleStar.ReplaceAllString(out, "")
	out = reRuleUnder.ReplaceAllString(out, "")

	out = reEmA.ReplaceAllString(out, "$1")
	out = reEmU.ReplaceAllString(out, "$1")

	out = reAnyImage.ReplaceAllString(out, "$1")
	out = reAnyLink.ReplaceAllString(out, "$1")
	out = reBlockquote.ReplaceAllString(out, "")
	out = reInlineCode.ReplaceAllString(out, "$1")

	return strings.TrimSpace(reWhitespace.ReplaceAllString(out, " "))
}

// ExtractHeadings returns the h1-h3 headings of md in document order.
func ExtractHeadings(md string) []Heading {
	if md == "" {
		return nil
	}

	var headings []Heading

	for _, m := range reHeading.FindAllStringSubmatch(md, -1) {
		text := strings.TrimSpace(m[2])
		text = strings.TrimSpace(reTrailingHash.ReplaceAllString(text, ""))
		text = StripBold(text)

		if text == "" {
			continue
		}

		headings = append(headings, Heading{Level: len(m[1]), Text: text})
	}

	return headings
}

// StripBold unwraps **bold** markers.
func StripBold(s string) string {
	return reStrongA.ReplaceAllString(s, "$1")
}

// SlugifyFilename builds a short filename-safe slug. maxLength <= 0 uses the
// default of 24 characters.
func SlugifyFilename(s string, maxLength int) string {
	if maxLength <= 0 {
		maxLength = defaultSlugLength
	}

	slug := reNonSlug.ReplaceAllString(strings.ToLower(s), "-")
	slug = strings.Trim(slug, "-")

	if len(slug) > maxLength {
		slug = slug[:maxLength]
	}

	if slug == "" {
		return "report"
	}

	return slug
}

// CompressPrompt joins the non-empty trimmed lines of a prompt with single spaces.
func CompressPrompt(prompt string) string {
	lines := strings.Split(prompt, "\n")
	kept := lines[:0]

	for _, line := range lines {
		if line = strings.TrimSpace(line); line != "" {
			kept = append(kept, line)
		}
	}

	return reWhitespace.ReplaceAllString(strings.Join(kept, " "), " ")
}

// ParseSlugFromURL turns the last path segment of rawURL into words.
func ParseSlugFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}

	segments := strings.Split(u.Path, "/")
	slug := segments[len(segments)-1]

	return strings.NewReplacer("-", " ", "_", " ").Replace(slug)
}

// ExtractCitations returns the distinct URLs of inline citations in order of
// first appearance.
func ExtractCitations(report string) []string {
	seen := make(map[string]struct{})

	var urls []string

	for _, m := range reInlineCitation.FindAllStringSubmatch(report, -1) {
		link := strings.TrimSpace(m[1])
		if _, ok := seen[link]; ok || link == "" {
			continue
		}

		seen[link] = struct{}{}
		urls = append(urls, link)
	}

	return urls
}
